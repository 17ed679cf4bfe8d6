package projection

import (
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/decentcloud/dcledger/block"
	"github.com/decentcloud/dcledger/labelindex"
	"github.com/decentcloud/dcledger/ledger"
	"github.com/decentcloud/dcledger/logx"
	"github.com/decentcloud/dcledger/monitoring"
	"github.com/decentcloud/dcledger/types"
)

// Projector keeps the derived caches of one ledger. Readers always see a
// complete state: a refresh or an incremental fold works on a private copy
// and swaps it in only when every entry folded cleanly.
type Projector struct {
	ledger   *ledger.Ledger
	schedule *Schedule

	// foldMu serializes refreshes with incremental folds.
	foldMu sync.Mutex

	mu    sync.RWMutex
	state *State
	stale bool
}

func New(l *ledger.Ledger, schedule *Schedule) *Projector {
	return &Projector{
		ledger:   l,
		schedule: schedule,
		state:    emptyState(schedule),
	}
}

func emptyState(sched *Schedule) *State {
	s := NewState()
	s.RewardE9sPerBlock = sched.RewardE9sPerBlock(0)
	s.BlocksUntilHalving = sched.BlocksUntilHalving(0)
	return s
}

// Replay folds every committed entry of l into a fresh state.
func Replay(l *ledger.Ledger, sched *Schedule) (*State, error) {
	return replay(l.Iterate(nil), sched)
}

func replay(it *labelindex.Iterator, sched *Schedule) (*State, error) {
	st := emptyState(sched)
	var next uint64
	for it.Next() {
		e := it.Entry()
		for ; next < e.BlockHeight; next++ {
			st.closeBlock(sched, next)
		}
		if err := st.fold(e); err != nil {
			return nil, err
		}
	}
	for ; next < it.BlockCount(); next++ {
		st.closeBlock(sched, next)
	}
	return st, nil
}

// RefreshCachesFromLedger rebuilds every cache from the first block. On
// failure the previous caches stay in place.
func (p *Projector) RefreshCachesFromLedger() error {
	p.foldMu.Lock()
	defer p.foldMu.Unlock()

	start := time.Now()
	st, err := Replay(p.ledger, p.schedule)
	monitoring.RecordReplay(time.Since(start), err)
	if err != nil {
		logx.Error("PROJECTION", "replay failed, keeping previous caches: ", err)
		return err
	}

	p.mu.Lock()
	p.state, p.stale = st, false
	p.mu.Unlock()
	logx.Info("PROJECTION", fmt.Sprintf("replayed %d entries of %d blocks in %s, pool %s e9s",
		st.EntriesFolded, st.BlockCount, time.Since(start), st.PendingPoolE9s))
	return nil
}

// Attach keeps the caches current by folding every new block as it is
// committed or synced.
func (p *Projector) Attach() {
	p.ledger.Subscribe(p.onBlock)
}

func (p *Projector) onBlock(height uint64, pos int64, b *block.Block) {
	p.foldMu.Lock()
	defer p.foldMu.Unlock()

	p.mu.RLock()
	cur, stale := p.state, p.stale
	p.mu.RUnlock()

	switch {
	case stale:
		return
	case height < cur.BlockCount:
		// already part of a refresh that raced with this commit
		return
	case height > cur.BlockCount:
		p.markStale(fmt.Errorf("block %d arrived with caches at %d blocks", height, cur.BlockCount))
		return
	}

	next := cur.Clone()
	for _, e := range b.Entries {
		me := labelindex.MaterializedEntry{
			Label:            e.Label,
			Key:              e.Key,
			Value:            e.Value,
			BlockTimestampNs: b.TimestampNs,
			BlockHash:        b.Hash,
			BlockOffset:      pos,
			BlockHeight:      height,
		}
		if err := next.fold(me); err != nil {
			p.markStale(err)
			return
		}
	}
	next.closeBlock(p.schedule, height)

	p.mu.Lock()
	p.state = next
	p.mu.Unlock()
}

// markStale freezes the caches after a block could not be folded. They stay
// readable but stop following the ledger until the next successful refresh.
func (p *Projector) markStale(err error) {
	monitoring.RecordReplay(0, err)
	logx.Error("PROJECTION", "incremental fold failed, caches are stale until the next refresh: ", err)
	p.mu.Lock()
	p.stale = true
	p.mu.Unlock()
}

func (p *Projector) Stale() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stale
}

func (p *Projector) Schedule() *Schedule {
	return p.schedule
}

// State returns a copy of the current caches.
func (p *Projector) State() *State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.Clone()
}

func (p *Projector) current() *State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Projector) RewardE9sPerBlock() uint64 {
	return p.current().RewardE9sPerBlock
}

func (p *Projector) BlocksUntilHalving() uint64 {
	return p.current().BlocksUntilHalving
}

func (p *Projector) PendingPoolE9s() *uint256.Int {
	return new(uint256.Int).Set(p.current().PendingPoolE9s)
}

func (p *Projector) CheckedInValidators() []types.Principal {
	return p.current().CheckedInValidators()
}

// BlockCheckIns lists the validators whose first check-in since the last
// distribution landed in the block at height.
func (p *Projector) BlockCheckIns(height uint64) []types.Principal {
	return append([]types.Principal(nil), p.current().BlockCheckIns[height]...)
}

func (p *Projector) Reputation(who types.Principal) uint64 {
	return p.current().Reputation[who]
}

func (p *Projector) Alternates(main types.Principal) []types.Principal {
	return append([]types.Principal(nil), p.current().Alternates[main]...)
}

// MainIdentity returns the main identity alt is linked to, if any.
func (p *Projector) MainIdentity(alt types.Principal) (types.Principal, bool) {
	for main, alts := range p.current().Alternates {
		for _, a := range alts {
			if a == alt {
				return main, true
			}
		}
	}
	return "", false
}

func (p *Projector) IsProvider(who types.Principal) bool {
	_, ok := p.current().Providers[who]
	return ok
}

func (p *Projector) IsUser(who types.Principal) bool {
	_, ok := p.current().Users[who]
	return ok
}

func (p *Projector) OpenContract(id string) (*types.ContractSignRequest, bool) {
	c, ok := p.current().OpenContracts[id]
	return c, ok
}

func (p *Projector) Balance(who types.Principal) *uint256.Int {
	if b, ok := p.current().Balances[who]; ok {
		return new(uint256.Int).Set(b)
	}
	return uint256.NewInt(0)
}

// Allowance is what spender may still move out of owner's balance.
func (p *Projector) Allowance(owner, spender types.Principal) *uint256.Int {
	if a, ok := p.current().Allowances[owner][spender]; ok {
		return new(uint256.Int).Set(a)
	}
	return uint256.NewInt(0)
}

func (p *Projector) UnclaimedRewards(who types.Principal) *uint256.Int {
	if r, ok := p.current().UnclaimedRewards[who]; ok {
		return new(uint256.Int).Set(r)
	}
	return uint256.NewInt(0)
}
