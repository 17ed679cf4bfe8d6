package projection

import (
	"sync"
	"time"
)

const (
	DefaultHalvingInterval  = 210_000
	DefaultInitialRewardE9s = 50 * 1_000_000_000
)

type ScheduleConfig struct {
	HalvingInterval  uint64
	InitialRewardE9s uint64
}

// Schedule owns the reward emission parameters and the optional timestamp
// override used to stamp blocks. One instance is created by the node and
// handed to everything that needs it.
type Schedule struct {
	halvingInterval  uint64
	initialRewardE9s uint64

	mu                  sync.RWMutex
	timestampOverrideNs uint64
}

func NewSchedule(cfg ScheduleConfig) *Schedule {
	s := &Schedule{
		halvingInterval:  cfg.HalvingInterval,
		initialRewardE9s: cfg.InitialRewardE9s,
	}
	if s.halvingInterval == 0 {
		s.halvingInterval = DefaultHalvingInterval
	}
	if s.initialRewardE9s == 0 {
		s.initialRewardE9s = DefaultInitialRewardE9s
	}
	return s
}

func (s *Schedule) HalvingInterval() uint64 {
	return s.halvingInterval
}

// RewardE9sPerBlock is the emission of the block at the given height, which
// is also the number of blocks before it.
func (s *Schedule) RewardE9sPerBlock(height uint64) uint64 {
	halvings := height / s.halvingInterval
	if halvings >= 64 {
		return 0
	}
	return s.initialRewardE9s >> halvings
}

// BlocksUntilHalving counts the blocks left before the reward halves, given
// blockCount committed blocks. It is never zero.
func (s *Schedule) BlocksUntilHalving(blockCount uint64) uint64 {
	return s.halvingInterval - blockCount%s.halvingInterval
}

// SetTimestampOverride pins NowNs to ns. Zero restores the wall clock.
func (s *Schedule) SetTimestampOverride(ns uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timestampOverrideNs = ns
}

// NowNs implements ledger.Clock.
func (s *Schedule) NowNs() uint64 {
	s.mu.RLock()
	override := s.timestampOverrideNs
	s.mu.RUnlock()
	if override != 0 {
		return override
	}
	return uint64(time.Now().UnixNano())
}
