package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/decentcloud/dcledger/db"
)

// StoreType represents the type of store implementation
type StoreType string

const (
	LevelDBStoreType StoreType = "leveldb"
	BoltStoreType    StoreType = "bbolt"
	// RedisStoreType keeps the side indexes in a shared Redis; Directory is
	// used as the key namespace.
	RedisStoreType StoreType = "redis"
)

// StoreConfig holds configuration for creating store instances
type StoreConfig struct {
	Type StoreType `json:"type" yaml:"type"`

	// Directory is the database directory path (for file-based databases)
	Directory string `json:"directory" yaml:"directory"`

	RedisAddress string `json:"redis_address" yaml:"redis_address"`

	Fsync bool `json:"fsync" yaml:"fsync"`
}

// Validate validates the store configuration
func (sc *StoreConfig) Validate() error {
	if sc.Type == "" {
		return fmt.Errorf("store type cannot be empty")
	}
	if sc.Directory == "" {
		return fmt.Errorf("directory cannot be empty")
	}

	switch sc.Type {
	case LevelDBStoreType, BoltStoreType:
		return nil
	case RedisStoreType:
		if sc.RedisAddress == "" {
			return fmt.Errorf("redis store needs redis_address")
		}
		return nil
	default:
		return fmt.Errorf("unsupported store type: %s", sc.Type)
	}
}

// StoreFactory take responsibility to create store instances
type StoreFactory struct{}

func NewStoreFactory() *StoreFactory {
	return &StoreFactory{}
}

// CreateStores opens one provider and builds both side stores on it. Closing
// either store closes the shared provider.
func (sf *StoreFactory) CreateStores(config *StoreConfig) (*EntryIndexStore, *SyncStateStore, error) {
	provider, err := sf.CreateProvider(config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create provider: %w", err)
	}
	entries, err := NewEntryIndexStore(provider)
	if err != nil {
		_ = provider.Close()
		return nil, nil, fmt.Errorf("failed to create entry index store: %w", err)
	}
	return entries, NewSyncStateStore(provider), nil
}

// CreateProvider creates a database provider based on the configuration
func (sf *StoreFactory) CreateProvider(config *StoreConfig) (db.DatabaseProvider, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	switch config.Type {
	case LevelDBStoreType:
		return db.NewLevelDBProvider(config.Directory, config.Fsync)

	case BoltStoreType:
		if err := os.MkdirAll(config.Directory, 0o755); err != nil {
			return nil, err
		}
		return db.NewBoltProvider(filepath.Join(config.Directory, "index.bolt"), config.Fsync)

	case RedisStoreType:
		return db.NewRedisProvider(db.RedisOptions{
			Address:   config.RedisAddress,
			Namespace: config.Directory + ":",
		})

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

var globalFactory = NewStoreFactory()

// CreateStores opens the side stores using the global factory
func CreateStores(config *StoreConfig) (*EntryIndexStore, *SyncStateStore, error) {
	return globalFactory.CreateStores(config)
}
