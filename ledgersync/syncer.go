package ledgersync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/decentcloud/dcledger/block"
	"github.com/decentcloud/dcledger/ledger"
	"github.com/decentcloud/dcledger/logx"
	"github.com/decentcloud/dcledger/monitoring"
)

var (
	// ErrTimeout is retryable; the cursor is left where it was.
	ErrTimeout       = errors.New("sync request timed out")
	ErrChainMismatch = errors.New("upstream block does not extend the local chain")
	ErrInvalidBlock  = errors.New("upstream sent an invalid block")
	// ErrBlockExceedsLimit means the next upstream block has more entries than
	// the configured max_entries, so it can never be fetched with that limit.
	ErrBlockExceedsLimit = errors.New("upstream block exceeds max entries per request")
)

// CursorStore persists the upstream position to resume from.
type CursorStore interface {
	LoadCursor() (int64, error)
	SaveCursor(position int64) error
}

// MemoryCursor keeps the cursor in memory only.
type MemoryCursor struct {
	mu  sync.Mutex
	pos int64
}

func (m *MemoryCursor) LoadCursor() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos, nil
}

func (m *MemoryCursor) SaveCursor(position int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos = position
	return nil
}

type SyncerConfig struct {
	// MaxEntries is sent with every request. 0 means no limit.
	MaxEntries uint32
	// MaxBlocksPerRound stops a round early so a long catch-up yields
	// between rounds. 0 means until caught up.
	MaxBlocksPerRound int
}

// Syncer pulls blocks from an upstream ledger into the local one, one block
// per request, validating each before it is appended.
type Syncer struct {
	ledger   *ledger.Ledger
	upstream Upstream
	cursor   CursorStore
	cfg      SyncerConfig

	mu sync.Mutex
}

func NewSyncer(l *ledger.Ledger, upstream Upstream, cursor CursorStore, cfg SyncerConfig) *Syncer {
	if cursor == nil {
		cursor = &MemoryCursor{}
	}
	return &Syncer{ledger: l, upstream: upstream, cursor: cursor, cfg: cfg}
}

type RoundResult struct {
	Applied    int
	Duplicates int
	Cursor     int64
	CaughtUp   bool
}

// SyncOnce fetches and applies blocks until the upstream has nothing newer,
// MaxBlocksPerRound is reached, or an error occurs. Blocks applied before an
// error stay applied and the cursor points right after the last one.
func (s *Syncer) SyncOnce(ctx context.Context) (RoundResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.cursor.LoadCursor()
	if err != nil {
		return RoundResult{}, fmt.Errorf("load sync cursor: %w", err)
	}
	res := RoundResult{Cursor: cur}
	for s.cfg.MaxBlocksPerRound <= 0 || res.Applied+res.Duplicates < s.cfg.MaxBlocksPerRound {
		next, applied, done, err := s.step(ctx, res.Cursor)
		if err != nil {
			return res, err
		}
		if done {
			res.CaughtUp = true
			return res, nil
		}
		if applied {
			res.Applied++
		} else {
			res.Duplicates++
		}
		if err := s.cursor.SaveCursor(next); err != nil {
			return res, fmt.Errorf("save sync cursor: %w", err)
		}
		res.Cursor = next
	}
	return res, nil
}

func (s *Syncer) step(ctx context.Context, cursor int64) (next int64, applied, done bool, err error) {
	req := &NextBlockRequest{StartPosition: int64Ptr(cursor), IncludeData: true}
	if s.cfg.MaxEntries > 0 {
		limit := s.cfg.MaxEntries
		req.MaxEntries = &limit
	}
	resp, err := s.upstream.NextBlock(ctx, req)
	if err != nil {
		return 0, false, false, s.transportError(err)
	}
	if !resp.HasBlock {
		return cursor, false, true, nil
	}
	if resp.NextBlockPosition == nil || resp.BlockPosition == nil {
		return 0, false, false, s.fail(monitoring.SyncInvalidBlock, fmt.Errorf("%w: response without positions", ErrInvalidBlock))
	}
	if resp.BlockData == nil && resp.EntriesCount > 0 {
		return 0, false, false, s.fail(monitoring.SyncInvalidBlock,
			fmt.Errorf("%w: block at %d has %d entries, limit %d", ErrBlockExceedsLimit, *resp.BlockPosition, resp.EntriesCount, s.cfg.MaxEntries))
	}
	if *resp.NextBlockPosition <= cursor {
		return 0, false, false, s.fail(monitoring.SyncInvalidBlock,
			fmt.Errorf("%w: next position %d does not advance past %d", ErrInvalidBlock, *resp.NextBlockPosition, cursor))
	}

	b, err := block.DecodeParts(resp.BlockHeader, resp.BlockData, resp.BlockHash)
	if err != nil {
		return 0, false, false, s.fail(monitoring.SyncInvalidBlock, fmt.Errorf("%w: %w", ErrInvalidBlock, err))
	}

	if s.ledger.HasBlock(b.Hash) {
		monitoring.IncreaseSyncDuplicates()
		logx.Debug("SYNC", fmt.Sprintf("skipping known block %s at upstream %d", b.Hash, *resp.BlockPosition))
		return *resp.NextBlockPosition, false, false, nil
	}
	tip := s.ledger.LatestBlockHash()
	if b.ParentHash != tip {
		return 0, false, false, s.fail(monitoring.SyncChainMismatch,
			fmt.Errorf("%w: block %s has parent %s, local tip %s", ErrChainMismatch, b.Hash, b.ParentHash, tip))
	}
	if _, err := s.ledger.ApplyBlock(b); err != nil {
		reason := monitoring.SyncFailedOther
		if errors.Is(err, ledger.ErrParentMismatch) {
			reason = monitoring.SyncChainMismatch
		}
		return 0, false, false, s.fail(reason, fmt.Errorf("apply block %s: %w", b.Hash, err))
	}
	monitoring.IncreaseSyncApplied()
	logx.Debug("SYNC", fmt.Sprintf("applied block %s from upstream %d", b.Hash, *resp.BlockPosition))
	return *resp.NextBlockPosition, true, false, nil
}

func (s *Syncer) transportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || status.Code(err) == codes.DeadlineExceeded {
		return s.fail(monitoring.SyncTimeout, fmt.Errorf("%w: %v", ErrTimeout, err))
	}
	return s.fail(monitoring.SyncTransport, fmt.Errorf("next block: %w", err))
}

func (s *Syncer) fail(reason monitoring.SyncFailureReason, err error) error {
	monitoring.RecordSyncFailure(reason)
	return err
}

// Run syncs every interval until ctx is done. Failed rounds are logged and
// retried on the next tick.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for ctx.Err() == nil {
		res, err := s.SyncOnce(ctx)
		switch {
		case err != nil && errors.Is(err, ErrTimeout):
			logx.Warn("SYNC", "round timed out, will retry: ", err)
		case err != nil:
			logx.Error("SYNC", "round failed: ", err)
		case res.Applied > 0:
			logx.Info("SYNC", fmt.Sprintf("applied %d blocks, cursor at %d", res.Applied, res.Cursor))
		}
		if !res.CaughtUp && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
