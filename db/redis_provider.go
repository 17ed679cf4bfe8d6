package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisProvider implements DatabaseProvider for Redis. Every key is stored
// under namespace so several nodes can share one Redis database.
type RedisProvider struct {
	client    *redis.Client
	namespace string
	timeout   time.Duration
}

type RedisOptions struct {
	Address   string
	Password  string
	DB        int
	Namespace string
}

// NewRedisProvider connects to Redis and pings it once.
func NewRedisProvider(o RedisOptions) (*RedisProvider, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     o.Address,
		Password: o.Password,
		DB:       o.DB,
	})
	p := &RedisProvider{client: client, namespace: o.Namespace, timeout: 5 * time.Second}

	ctx, cancel := p.ctx()
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", o.Address, err)
	}
	return p, nil
}

func (p *RedisProvider) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), p.timeout)
}

func (p *RedisProvider) key(k []byte) string {
	return p.namespace + string(k)
}

func (p *RedisProvider) Get(key []byte) ([]byte, error) {
	ctx, cancel := p.ctx()
	defer cancel()
	value, err := p.client.Get(ctx, p.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return value, err
}

func (p *RedisProvider) GetBatch(keys [][]byte) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = p.key(k)
	}
	ctx, cancel := p.ctx()
	defer cancel()
	values, err := p.client.MGet(ctx, names...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		if s, ok := v.(string); ok {
			result[string(keys[i])] = []byte(s)
		}
	}
	return result, nil
}

func (p *RedisProvider) Put(key, value []byte) error {
	ctx, cancel := p.ctx()
	defer cancel()
	return p.client.Set(ctx, p.key(key), value, 0).Err()
}

func (p *RedisProvider) Delete(key []byte) error {
	ctx, cancel := p.ctx()
	defer cancel()
	return p.client.Del(ctx, p.key(key)).Err()
}

func (p *RedisProvider) Has(key []byte) (bool, error) {
	ctx, cancel := p.ctx()
	defer cancel()
	count, err := p.client.Exists(ctx, p.key(key)).Result()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// IteratePrefix scans the matching keys, sorts them so the order matches the
// embedded backends, then fetches each value.
func (p *RedisProvider) IteratePrefix(prefix []byte, callback func(key, value []byte) bool) error {
	ctx, cancel := p.ctx()
	defer cancel()

	pattern := globEscape(p.key(prefix)) + "*"
	var names []string
	iter := p.client.Scan(ctx, 0, pattern, 1000).Iterator()
	for iter.Next(ctx) {
		names = append(names, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		val, err := p.client.Get(ctx, name).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return err
		}
		if !callback([]byte(strings.TrimPrefix(name, p.namespace)), val) {
			return nil
		}
	}
	return nil
}

func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (p *RedisProvider) Close() error {
	return p.client.Close()
}

// Batch queues commands in a MULTI/EXEC pipeline.
func (p *RedisProvider) Batch() DatabaseBatch {
	return &redisBatch{p: p, pipe: p.client.TxPipeline()}
}

type redisBatch struct {
	p    *RedisProvider
	pipe redis.Pipeliner
}

func (b *redisBatch) Put(key, value []byte) {
	b.pipe.Set(context.Background(), b.p.key(key), value, 0)
}

func (b *redisBatch) Delete(key []byte) {
	b.pipe.Del(context.Background(), b.p.key(key))
}

func (b *redisBatch) Write() error {
	ctx, cancel := b.p.ctx()
	defer cancel()
	_, err := b.pipe.Exec(ctx)
	return err
}

func (b *redisBatch) Reset() {
	_ = b.pipe.Discard()
	b.pipe = b.p.client.TxPipeline()
}

func (b *redisBatch) Close() error {
	return b.pipe.Discard()
}
