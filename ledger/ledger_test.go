package ledger

import (
	"errors"
	"io"
	"path/filepath"
	"sync/atomic"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decentcloud/dcledger/block"
	"github.com/decentcloud/dcledger/logx"
)

func init() {
	logx.SetOutput(io.Discard)
}

type stepClock struct{ now atomic.Uint64 }

func (c *stepClock) NowNs() uint64 { return c.now.Add(1000) }

func openTemp(t *testing.T, cfg Config) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "main.bin")
	l, err := Open(path, cfg, &stepClock{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func commitOne(t *testing.T, l *Ledger, label, key, value string) *block.Block {
	t.Helper()
	require.NoError(t, l.BeginBlock())
	require.NoError(t, l.Upsert(label, []byte(key), []byte(value)))
	b, _, err := l.CommitBlock()
	require.NoError(t, err)
	return b
}

func keys(l *Ledger, label string) []string {
	var out []string
	it := l.Iterate(&label)
	for it.Next() {
		out = append(out, string(it.Entry().Key))
	}
	return out
}

func TestTwoRegistrationBlocks(t *testing.T) {
	l, _ := openTemp(t, Config{})

	b1 := commitOne(t, l, "ProvRegister", "pubkey_A", "sig_A")
	b2 := commitOne(t, l, "ProvRegister", "pubkey_B", "sig_B")

	assert.Equal(t, uint64(2), l.BlockCount())
	assert.Equal(t, []string{"pubkey_A", "pubkey_B"}, keys(l, "ProvRegister"))
	assert.Equal(t, b1.Hash, b2.ParentHash)
	assert.Equal(t, block.GenesisParentHash, b1.ParentHash)
	assert.Equal(t, b2.TimestampNs, l.LatestTimestampNs())
	assert.Equal(t, b2.Hash, l.LatestBlockHash())
}

func TestEmptyCommitFails(t *testing.T) {
	l, _ := openTemp(t, Config{})
	commitOne(t, l, "ProvRegister", "A", "a")

	_, _, err := l.CommitBlock()
	assert.True(t, errors.Is(err, ErrBlockEmpty))
	assert.Equal(t, uint64(1), l.BlockCount())

	require.NoError(t, l.BeginBlock())
	_, _, err = l.CommitBlock()
	assert.True(t, errors.Is(err, ErrBlockEmpty))
	assert.Equal(t, uint64(1), l.BlockCount())
	assert.False(t, l.InBlock())
}

func TestTransactionStateMachine(t *testing.T) {
	l, _ := openTemp(t, Config{})

	assert.True(t, errors.Is(l.Upsert("L", []byte("k"), []byte("v")), ErrNoBlockInProgress))
	require.NoError(t, l.BeginBlock())
	assert.True(t, errors.Is(l.BeginBlock(), ErrBlockInProgress))

	require.NoError(t, l.Upsert("L", []byte("k"), []byte("v1")))
	require.NoError(t, l.Upsert("L", []byte("k"), []byte("v2")))

	v, err := l.Get("L", []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(v), "uncommitted writes are visible to Get")
	_, err = l.GetCommitted("L", []byte("k"))
	assert.True(t, errors.Is(err, ErrEntryNotFound))
	assert.Len(t, l.PendingEntries("L"), 2)
	assert.Empty(t, keys(l, "L"))

	b, _, err := l.CommitBlock()
	require.NoError(t, err)
	assert.Len(t, b.Entries, 2)
	assert.Nil(t, l.PendingEntries("L"))

	e, err := l.GetCommitted("L", []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(e.Value))
	assert.Equal(t, b.Hash, e.BlockHash)
}

func TestAbortDropsBuffer(t *testing.T) {
	l, _ := openTemp(t, Config{})

	_, _, err := l.Commit(func(tx *Tx) error {
		require.NoError(t, tx.Upsert("L", []byte("k"), []byte("v")))
		return errors.New("changed my mind")
	})
	require.Error(t, err)
	assert.False(t, l.InBlock())
	assert.False(t, l.Contains("L", []byte("k")))
	assert.Equal(t, uint64(0), l.BlockCount())
}

func TestBlockLimits(t *testing.T) {
	l, _ := openTemp(t, Config{MaxEntriesPerBlock: 2, MaxBlockBytes: 256})
	require.NoError(t, l.BeginBlock())
	require.NoError(t, l.Upsert("L", []byte("a"), []byte("1")))
	require.NoError(t, l.Upsert("L", []byte("b"), []byte("2")))
	assert.True(t, errors.Is(l.Upsert("L", []byte("c"), []byte("3")), ErrTooManyEntriesInBlock))
	l.AbortBlock()

	require.NoError(t, l.BeginBlock())
	err := l.Upsert("L", []byte("big"), make([]byte, 300))
	assert.True(t, errors.Is(err, ErrBlockTooLarge))
	require.NoError(t, l.Upsert("L", []byte("small"), []byte("x")), "a rejected upsert leaves the block usable")
	_, _, err = l.CommitBlock()
	require.NoError(t, err)
}

func TestFailedCommitReturnsToIdle(t *testing.T) {
	l, _ := openTemp(t, Config{})
	require.NoError(t, l.BeginBlock())
	require.NoError(t, l.Upsert("L", []byte("k"), []byte("v")))

	require.NoError(t, l.store.Close())
	_, _, err := l.CommitBlock()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOther))
	assert.False(t, l.InBlock())
	assert.Nil(t, l.PendingEntries("L"))
}

func TestNextBlockWaitsForListeners(t *testing.T) {
	l, _ := openTemp(t, Config{})
	var (
		seen     []uint64
		beginErr error
	)
	l.Subscribe(func(height uint64, _ int64, _ *block.Block) {
		seen = append(seen, height)
		beginErr = l.BeginBlock()
	})

	commitOne(t, l, "L", "k1", "v")
	assert.True(t, errors.Is(beginErr, ErrBlockInProgress))
	assert.False(t, l.InBlock())

	commitOne(t, l, "L", "k2", "v")
	assert.Equal(t, []uint64{0, 1}, seen)
}

func TestReopenRebuildsIndex(t *testing.T) {
	l, path := openTemp(t, Config{})
	commitOne(t, l, "ProvRegister", "A", "a")
	commitOne(t, l, "UserRegister", "U", "u")
	commitOne(t, l, "ProvRegister", "A", "a2")
	before := l.Iterate(nil).Collect()
	require.NoError(t, l.Close())

	reopened, err := Open(path, Config{}, nil)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, before, reopened.Iterate(nil).Collect())
	v, err := reopened.Get("ProvRegister", []byte("A"))
	require.NoError(t, err)
	assert.Equal(t, "a2", string(v))
	assert.Equal(t, []string{"ProvRegister", "UserRegister"}, reopened.Labels())

	n, err := reopened.Verify()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
}

func TestEntriesFrom(t *testing.T) {
	l, _ := openTemp(t, Config{})
	commitOne(t, l, "L", "a", "1")
	second := l.Size()
	commitOne(t, l, "L", "b", "2")
	commitOne(t, l, "L", "c", "3")

	got := l.EntriesFrom(second)
	require.Len(t, got, 2)
	assert.Equal(t, "b", string(got[0].Key))
	assert.Equal(t, second, got[0].BlockOffset)
}

func TestApplyBlockFromUpstream(t *testing.T) {
	upstream, _ := openTemp(t, Config{})
	local, _ := openTemp(t, Config{})

	var seen []int64
	var heights []uint64
	local.Subscribe(func(height uint64, pos int64, _ *block.Block) {
		heights = append(heights, height)
		seen = append(seen, pos)
	})

	b1 := commitOne(t, upstream, "L", "a", "1")
	b2 := commitOne(t, upstream, "L", "b", "2")

	_, err := local.ApplyBlock(b2)
	assert.True(t, errors.Is(err, ErrParentMismatch))

	for _, b := range []*block.Block{b1, b2} {
		_, err := local.ApplyBlock(b)
		require.NoError(t, err)
	}
	assert.Equal(t, upstream.LatestBlockHash(), local.LatestBlockHash())
	assert.Equal(t, []string{"a", "b"}, keys(local, "L"))
	assert.Equal(t, []int64{0, upstream.Size() - int64(b2.EncodedSize())}, seen)
	assert.Equal(t, []uint64{0, 1}, heights)

	tampered := *b2
	tampered.TimestampNs++
	_, err = local.ApplyBlock(&tampered)
	assert.True(t, errors.Is(err, ErrBlockCorrupted))

	require.NoError(t, local.BeginBlock())
	b3 := commitOne(t, upstream, "L", "c", "3")
	_, err = local.ApplyBlock(b3)
	assert.True(t, errors.Is(err, ErrBlockInProgress))
}

type fuzzEntry struct {
	Label string
	Key   []byte
	Value []byte
}

func TestChainIntegrityWithRandomEntries(t *testing.T) {
	l, path := openTemp(t, Config{})
	f := fuzz.NewWithSeed(7).NilChance(0).NumElements(1, 8)

	var hashes []block.Hash
	for i := 0; i < 25; i++ {
		var batch []fuzzEntry
		f.Fuzz(&batch)
		_, _, err := l.Commit(func(tx *Tx) error {
			for _, e := range batch {
				if err := tx.Upsert(e.Label, e.Key, e.Value); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)
		hashes = append(hashes, l.LatestBlockHash())
	}
	require.NoError(t, l.Close())

	reopened, err := Open(path, Config{}, nil)
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.Verify()
	require.NoError(t, err)
	assert.Equal(t, uint64(len(hashes)), n)

	parent := block.GenesisParentHash
	it := reopened.Blocks(0)
	i := 0
	for it.Next() {
		b := it.Block()
		assert.Equal(t, parent, b.ParentHash)
		assert.Equal(t, hashes[i], b.Hash)
		assert.Equal(t, b.ComputeHash(), b.Hash)
		parent = b.Hash
		i++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, len(hashes), i)
}
