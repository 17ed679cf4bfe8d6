package service

import (
	"context"
	"time"

	"github.com/decentcloud/dcledger/ledger"
	"github.com/decentcloud/dcledger/projection"
)

type HealthStatus struct {
	Status             string `json:"status"`
	UptimeSeconds      uint64 `json:"uptime_seconds"`
	BlockCount         uint64 `json:"block_count"`
	LatestBlockHash    string `json:"latest_block_hash"`
	LatestTimestampNs  uint64 `json:"latest_timestamp_ns"`
	LedgerBytes        int64  `json:"ledger_bytes"`
	BlockInProgress    bool   `json:"block_in_progress"`
	CachesStale        bool   `json:"caches_stale"`
	RewardE9sPerBlock  uint64 `json:"reward_e9s_per_block"`
	BlocksUntilHalving uint64 `json:"blocks_until_halving"`
	PendingPoolE9s     string `json:"pending_pool_e9s"`
}

type HealthService struct {
	ledger    *ledger.Ledger
	projector *projection.Projector
	startedAt time.Time
}

func NewHealthService(l *ledger.Ledger, p *projection.Projector) *HealthService {
	return &HealthService{ledger: l, projector: p, startedAt: time.Now()}
}

func (hs *HealthService) Check(ctx context.Context) (*HealthStatus, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	st := &HealthStatus{
		Status:             "healthy",
		UptimeSeconds:      uint64(time.Since(hs.startedAt).Seconds()),
		BlockCount:         hs.ledger.BlockCount(),
		LatestBlockHash:    hs.ledger.LatestBlockHash().String(),
		LatestTimestampNs:  hs.ledger.LatestTimestampNs(),
		LedgerBytes:        hs.ledger.Size(),
		BlockInProgress:    hs.ledger.InBlock(),
		CachesStale:        hs.projector.Stale(),
		RewardE9sPerBlock:  hs.projector.RewardE9sPerBlock(),
		BlocksUntilHalving: hs.projector.BlocksUntilHalving(),
		PendingPoolE9s:     hs.projector.PendingPoolE9s().Dec(),
	}
	if st.CachesStale {
		st.Status = "degraded"
	}
	return st, nil
}
