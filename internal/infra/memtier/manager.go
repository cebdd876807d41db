// Package memtier implements the tiered memory manager: one allocation
// contract over GPU/CPU/DISK tiers, with demotion-first eviction and a
// background thread that promotes hot owners and demotes idle ones.
//
// The per-tier bookkeeping follows the same hash-map + recency-list shape
// as the teacher's model pool (internal/infra/engine/pool.go): an
// hashicorp/golang-lru/v2 index gives O(1) touch/evict-candidate lookup,
// generalized here from "one pool of models" to "three tiers of typed
// blocks" with a fixed eviction order (LRU, ties broken by
// size-descending) instead of pure LRU.
package memtier

import (
	"context"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tensorforge/forge/internal/domain"
)

// Budgets configures the byte budget per tier.
type Budgets struct {
	GPU  int64
	CPU  int64
	Disk int64
}

// Options configures the background tiering thread and eviction guards.
type Options struct {
	Budgets Budgets

	TickInterval      time.Duration
	MinResidency      time.Duration
	HotThreshold      float64 // accesses/interval to trigger promotion
	DemoteAfter       map[domain.Tier]time.Duration
}

func DefaultOptions(b Budgets) Options {
	return Options{
		Budgets:      b,
		TickInterval: 5 * time.Second,
		MinResidency: 2 * time.Second,
		HotThreshold: 3,
		DemoteAfter: map[domain.Tier]time.Duration{
			domain.TierGPU: 5 * time.Minute,
			domain.TierCPU: 30 * time.Minute,
		},
	}
}

type entry struct {
	block     domain.MemoryBlock
	promoted  time.Time // when it last entered its current tier
	accessesThisInterval int64
}

type tierState struct {
	budget  int64
	used    int64
	index   *lru.Cache[string, *entry]
	stats   domain.TierStats
}

// Manager is the tiered memory manager.
type Manager struct {
	mu   sync.Mutex
	tier map[domain.Tier]*tierState
	opts Options

	logger Logger
}

// Logger is the minimal structured-logging surface the manager needs;
// satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}

// New constructs a Manager. logger may be nil, in which case eviction/
// tiering decisions are not logged.
func New(opts Options, logger Logger) *Manager {
	if logger == nil {
		logger = noopLogger{}
	}
	m := &Manager{
		tier:   make(map[domain.Tier]*tierState),
		opts:   opts,
		logger: logger,
	}
	budgets := map[domain.Tier]int64{
		domain.TierGPU:  opts.Budgets.GPU,
		domain.TierCPU:  opts.Budgets.CPU,
		domain.TierDisk: opts.Budgets.Disk,
	}
	for tier, budget := range budgets {
		idx, _ := lru.New[string, *entry](1 << 20) // effectively unbounded; manager drives real eviction
		m.tier[tier] = &tierState{budget: budget, index: idx, stats: domain.TierStats{Capacity: budget}}
	}
	return m
}

// Allocate tries the preferred tier, demoting other owners down to make
// room; it never deletes data to satisfy an allocation — only the cache's
// own eviction (deletion as last resort) does that (see ContextCache).
func (m *Manager) Allocate(ctx context.Context, size int64, preferred domain.Tier, ownerID string) (*domain.MemoryBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	aligned := alignFor(preferred, size)
	ts := m.tier[preferred]
	if ts.used+aligned > ts.budget {
		if !m.makeRoomLocked(preferred, aligned) {
			return nil, domain.ErrOutOfBudget
		}
	}

	now := time.Now()
	b := domain.MemoryBlock{
		OwnerID:   ownerID,
		Size:      aligned,
		Tier:      preferred,
		AllocAt:   now,
		LastTouch: now,
	}
	ts.index.Add(ownerID, &entry{block: b, promoted: now})
	ts.used += b.Size
	ts.stats.Allocations++
	return &b, nil
}

// makeRoomLocked evicts (demotes) owners from tier down to the next tier
// until size bytes are free, or returns false if even the cold tier can't
// absorb the overflow. Candidate order: LRU, tie-broken size-descending;
// entries within MinResidency are skipped for one pass.
func (m *Manager) makeRoomLocked(tier domain.Tier, need int64) bool {
	ts := m.tier[tier]
	next, hasNext := nextTierDown(tier)

	candidates := ts.index.Values()
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].block.LastTouch.Equal(candidates[j].block.LastTouch) {
			return candidates[i].block.Size > candidates[j].block.Size
		}
		return candidates[i].block.LastTouch.Before(candidates[j].block.LastTouch)
	})

	freed := int64(0)
	now := time.Now()
	for _, c := range candidates {
		if freed >= need {
			break
		}
		if now.Sub(c.promoted) < m.opts.MinResidency {
			continue
		}
		if !hasNext {
			// Cold tier: nothing lower to demote to. Caller (context
			// cache) is responsible for outright deletion; the memory
			// manager itself never deletes data.
			continue
		}
		size := c.block.Size
		if err := m.moveLocked(c.block.OwnerID, next, false); err != nil {
			// The lower tier can't absorb this owner; nothing was freed.
			continue
		}
		freed += size
	}
	return freed >= need || ts.used+need <= ts.budget
}

func nextTierDown(t domain.Tier) (domain.Tier, bool) {
	switch t {
	case domain.TierGPU:
		return domain.TierCPU, true
	case domain.TierCPU:
		return domain.TierDisk, true
	default:
		return domain.TierDisk, false
	}
}

// Deallocate releases ownerID's block from whichever tier holds it.
func (m *Manager) Deallocate(ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ts := range m.tier {
		if e, ok := ts.index.Get(ownerID); ok {
			ts.used -= e.block.Size
			ts.index.Remove(ownerID)
			return nil
		}
	}
	return domain.ErrNotFound
}

// Promote moves ownerID's block to target, preserving bytes exactly.
func (m *Manager) Promote(ownerID string, target domain.Tier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moveLocked(ownerID, target, true)
}

// Demote moves ownerID's block to target, preserving bytes exactly.
func (m *Manager) Demote(ownerID string, target domain.Tier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moveLocked(ownerID, target, false)
}

func (m *Manager) demoteLocked(ownerID string, target domain.Tier) {
	_ = m.moveLocked(ownerID, target, false)
}

func (m *Manager) moveLocked(ownerID string, target domain.Tier, promotion bool) error {
	var src domain.Tier
	var e *entry
	found := false
	for t, ts := range m.tier {
		if cand, ok := ts.index.Get(ownerID); ok {
			src, e, found = t, cand, true
			break
		}
	}
	if !found {
		return domain.ErrNotFound
	}
	if src == target {
		return nil
	}

	srcTs, dstTs := m.tier[src], m.tier[target]
	if dstTs.used+e.block.Size > dstTs.budget {
		return domain.ErrOutOfBudget
	}

	srcTs.used -= e.block.Size
	srcTs.index.Remove(ownerID)

	e.block.Tier = target
	e.block.Size = alignFor(target, e.block.Size)
	e.promoted = time.Now()
	dstTs.index.Add(ownerID, e)
	dstTs.used += e.block.Size

	if promotion {
		dstTs.stats.Promotions++
	} else {
		dstTs.stats.Demotions++
	}
	m.logger.Debug("memtier: moved block", "owner", ownerID, "from", src, "to", target, "promotion", promotion)
	return nil
}

// Touch records an access against ownerID's block, feeding the
// background tiering thread's hot-access-rate detection. It also doubles
// as the hit/miss counter for Stats: finding the owner resident in some
// tier is a hit against that tier; finding it nowhere is a miss charged
// against the GPU tier, the top of the hierarchy a lookup reaches first.
func (m *Manager) Touch(ownerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ts := range m.tier {
		if e, ok := ts.index.Get(ownerID); ok {
			e.block.LastTouch = time.Now()
			e.accessesThisInterval++
			ts.stats.Hits++
			return
		}
	}
	m.tier[domain.TierGPU].stats.Misses++
}

// Stats returns a snapshot of every tier's counters.
func (m *Manager) Stats() map[domain.Tier]domain.TierStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.Tier]domain.TierStats, len(m.tier))
	for t, ts := range m.tier {
		s := ts.stats
		s.Used = ts.used
		out[t] = s
	}
	return out
}

// Run drives the background tiering thread until ctx is cancelled:
// promotes hot owners, demotes idle ones, resets per-interval counters.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Manager) tick() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for tier, ts := range m.tier {
		for _, e := range ts.index.Values() {
			rate := float64(e.accessesThisInterval)
			idle := now.Sub(e.block.LastTouch)

			if tier != domain.TierGPU && rate >= m.opts.HotThreshold {
				if up, ok := nextTierUp(tier); ok {
					m.logger.Debug("memtier: promoting hot owner", "owner", e.block.OwnerID, "tier", tier)
					m.moveLocked(e.block.OwnerID, up, true)
				}
			} else if maxIdle, ok := m.opts.DemoteAfter[tier]; ok && idle > maxIdle {
				if down, ok := nextTierDown(tier); ok {
					m.logger.Debug("memtier: demoting idle owner", "owner", e.block.OwnerID, "idle", idle)
					m.moveLocked(e.block.OwnerID, down, false)
				}
			}
			e.accessesThisInterval = 0
		}
	}
}

func nextTierUp(t domain.Tier) (domain.Tier, bool) {
	switch t {
	case domain.TierDisk:
		return domain.TierCPU, true
	case domain.TierCPU:
		return domain.TierGPU, true
	default:
		return domain.TierGPU, false
	}
}

func alignFor(t domain.Tier, size int64) int64 {
	var align int64
	switch t {
	case domain.TierGPU:
		align = 256
	case domain.TierCPU:
		align = 64
	default:
		align = 4096
	}
	if size%align == 0 {
		return size
	}
	return size + (align - size%align)
}
