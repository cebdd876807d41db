// Package contextcache implements the context cache: ingest a prompt's KV
// tensors once, serve many queries against them in O(query+generation)
// instead of O(context^2).
//
// The hot-tier wrapper (an in-process index fronting a slower backing
// store, purged/rebuilt on tier moves) follows the GrokNexus L1/L2 cache
// reference's TieredGridCache shape, generalized from "LRU in front of
// Redis" to "three named tiers (hot/warm/cold) in front of a compressed
// disk file", and the cold-tier snapshot/restore discipline follows the
// databloom kv-cache-tiering reference's evict-to-disk, restore-on-resume
// pattern. Neither reference is a drop-in: both assume a host runtime
// (Ollama, a Redis client) this package doesn't have, so only the shape is
// kept, not the code.
package contextcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tensorforge/forge/internal/domain"
)

// ModelSource is the narrow slice of the model manager the cache needs:
// pin a model for the duration of ingest, guaranteeing it can't be
// unloaded mid-forward-pass.
type ModelSource interface {
	AcquireForRequest(id string) (*domain.ModelHandle, domain.Instance, func(), error)
}

// Logger is the minimal structured-logging surface the cache needs;
// satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}

// Options configures storage location, compression, and tiering cadence.
type Options struct {
	Root        string
	Compression string // "none", "lz4" (mapped to s2), "zstd"

	TickInterval time.Duration
	MinResidency time.Duration
	DefaultTTL   time.Duration

	PromoteThresholdAccesses int64
	DemoteHotToWarm          time.Duration
	DemoteWarmToCold         time.Duration
	EvictColdAfter           time.Duration
}

func DefaultOptions(root string) Options {
	return Options{
		Root:                     root,
		Compression:              "zstd",
		TickInterval:             5 * time.Second,
		MinResidency:             2 * time.Second,
		DefaultTTL:               time.Hour,
		PromoteThresholdAccesses: 3,
		DemoteHotToWarm:          5 * time.Minute,
		DemoteWarmToCold:         30 * time.Minute,
		EvictColdAfter:           24 * time.Hour,
	}
}

type cacheEntry struct {
	meta domain.CachedContext

	kv domain.KVTensors // empty when Tier == ContextCold; the .kvc file is authoritative then

	residentSince        time.Time
	accessesThisInterval int64
}

// Manager implements domain.ContextCache.
type Manager struct {
	opts   Options
	memory domain.MemoryManager
	models ModelSource
	logger Logger

	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

// New constructs a context cache manager. logger may be nil.
func New(opts Options, memory domain.MemoryManager, models ModelSource, logger Logger) *Manager {
	if logger == nil {
		logger = noopLogger{}
	}
	m := &Manager{
		opts:    opts,
		memory:  memory,
		models:  models,
		logger:  logger,
		entries: make(map[string]*cacheEntry),
	}
	m.restore()
	return m
}

// restore rebuilds the registry from the metadata sidecars and cold-tier
// files a prior process left on disk, so a restart doesn't silently lose
// every ingested context even though the files survive it. Every restored
// context starts in the cold tier — the disk copy is the only one that
// outlives a process, regardless of which tier it was in when the process
// stopped — and is promoted back up by the normal background tiering
// thread as queries touch it again. Metadata whose .kvc payload is
// missing (quarantined as corrupt, or never written) is dropped rather
// than restored.
func (m *Manager) restore() {
	metaDir := filepath.Join(m.opts.Root, "metadata")
	files, err := os.ReadDir(metaDir)
	if err != nil {
		return
	}
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		b, err := os.ReadFile(filepath.Join(metaDir, f.Name()))
		if err != nil {
			continue
		}
		var meta domain.CachedContext
		if err := json.Unmarshal(b, &meta); err != nil {
			continue
		}
		if _, err := os.Stat(m.coldPath(meta.ID)); err != nil {
			continue
		}
		meta.Tier = domain.ContextCold
		m.entries[meta.ID] = &cacheEntry{meta: meta, residentSince: time.Now()}
		m.logger.Debug("contextcache: restored context from disk", "id", meta.ID)
	}
}

// Ingest pays the O(n^2) attention cost once over text, storing the
// resulting layered KV tensors under a fresh context id. Cancellable at
// the tokenize/compute-kv boundary; progress is streamed via progress.
func (m *Manager) Ingest(ctx context.Context, modelID, text string, ttl int64, progress func(status string, pct float64)) (*domain.CachedContext, error) {
	_, inst, release, err := m.models.AcquireForRequest(modelID)
	if err != nil {
		return nil, err
	}
	defer release()

	report(progress, "tokenizing", 0.1)
	tokens, err := inst.Tokenize(text)
	if err != nil {
		return nil, fmt.Errorf("%w: tokenize: %v", domain.ErrInvalidRequest, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report(progress, "computing-kv", 0.4)
	kv, err := inst.ComputeKV(ctx, tokens)
	if err != nil {
		return nil, fmt.Errorf("%w: compute_kv: %v", domain.ErrTransient, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	arch := inst.Capacity()
	size := kvByteSize(arch, len(tokens))
	id := uuid.NewString()

	report(progress, "allocating", 0.7)
	block, err := m.memory.Allocate(ctx, size, domain.TierGPU, id)
	if errors.Is(err, domain.ErrOutOfBudget) {
		if m.evictForSpace(size) {
			block, err = m.memory.Allocate(ctx, size, domain.TierGPU, id)
		}
	}
	if err != nil {
		return nil, err
	}

	ttlDur := time.Duration(ttl) * time.Second
	if ttlDur <= 0 {
		ttlDur = m.opts.DefaultTTL
	}
	now := time.Now()
	meta := domain.CachedContext{
		ID:         id,
		ModelID:    modelID,
		TokenCount: len(tokens),
		Arch:       arch,
		Tier:       domain.ContextHot,
		ByteSize:   block.Size,
		CreatedAt:  now,
		LastAccess: now,
		TTL:        ttlDur,
		SourceHash: sourceHash(text),
		Checksum:   dataChecksum(kv.Layers),
	}

	m.mu.Lock()
	m.entries[id] = &cacheEntry{meta: meta, kv: kv, residentSince: now}
	m.mu.Unlock()

	if err := m.writeMetadata(meta); err != nil {
		m.logger.Debug("contextcache: metadata write failed", "id", id, "err", err)
	}
	if err := writeKVC(m.coldPath(id), kv.Layers, arch.Layers, arch.Heads, arch.HeadDim, len(tokens), m.opts.Compression); err != nil {
		m.logger.Debug("contextcache: cold snapshot write failed", "id", id, "err", err)
	}

	report(progress, "done", 1.0)
	return &meta, nil
}

// View returns a non-owning KV segment descriptor for contextID, touching
// last-access/access-count and refreshing its TTL. A cold context is
// loaded and decompressed on the spot; its tier is not changed by View
// alone — that's the background thread's (or an explicit Promote's) job.
func (m *Manager) View(contextID string) (*domain.KVView, *domain.CachedContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[contextID]
	if !ok {
		return nil, nil, domain.ErrContextNotFound
	}

	if e.meta.Tier == domain.ContextCold {
		layers, tokenCount, err := readKVC(m.coldPath(contextID))
		if err != nil {
			m.deleteLocked(contextID)
			return nil, nil, err
		}
		e.kv = domain.KVTensors{TokenCount: tokenCount, Layers: layers}
	}

	now := time.Now()
	e.meta.LastAccess = now
	e.meta.AccessCount++
	e.accessesThisInterval++
	m.memory.Touch(contextID)

	meta := e.meta
	view := &domain.KVView{ContextID: contextID, TokenCount: e.kv.TokenCount, Layers: e.kv.Layers}
	return view, &meta, nil
}

// Promote moves contextID up one tier (cold -> warm -> hot), preserving
// its KV content exactly.
func (m *Manager) Promote(contextID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[contextID]
	if !ok {
		return domain.ErrContextNotFound
	}
	target, ok := nextTierUp(e.meta.Tier)
	if !ok {
		return nil
	}
	return m.moveLocked(contextID, e, target, true)
}

// Demote moves contextID down one tier (hot -> warm -> cold), preserving
// its KV content exactly; a move into cold serializes the tensors to a
// compressed .kvc file and drops the in-memory copy.
func (m *Manager) Demote(contextID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[contextID]
	if !ok {
		return domain.ErrContextNotFound
	}
	target, ok := nextTierDown(e.meta.Tier)
	if !ok {
		return nil
	}
	return m.moveLocked(contextID, e, target, false)
}

func (m *Manager) moveLocked(contextID string, e *cacheEntry, target domain.ContextTier, promotion bool) error {
	if target == domain.ContextCold && e.meta.Tier != domain.ContextCold {
		arch := e.meta.Arch
		if err := writeKVC(m.coldPath(contextID), e.kv.Layers, arch.Layers, arch.Heads, arch.HeadDim, e.kv.TokenCount, m.opts.Compression); err != nil {
			return fmt.Errorf("%w: serialize cold: %v", domain.ErrTransient, err)
		}
		e.kv = domain.KVTensors{}
	}
	if e.meta.Tier == domain.ContextCold && target != domain.ContextCold {
		layers, tokenCount, err := readKVC(m.coldPath(contextID))
		if err != nil {
			return err
		}
		e.kv = domain.KVTensors{TokenCount: tokenCount, Layers: layers}
	}

	if promotion {
		if err := m.memory.Promote(contextID, target.Backing()); err != nil {
			return err
		}
	} else {
		if err := m.memory.Demote(contextID, target.Backing()); err != nil {
			return err
		}
	}

	e.meta.Tier = target
	e.residentSince = time.Now()
	_ = m.writeMetadata(e.meta)
	return nil
}

// Delete removes contextID outright: drops the registry entry, its
// memory-manager allocation, and its cold-tier file if one exists.
func (m *Manager) Delete(contextID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(contextID)
}

func (m *Manager) deleteLocked(contextID string) error {
	if _, ok := m.entries[contextID]; !ok {
		return domain.ErrContextNotFound
	}
	delete(m.entries, contextID)
	_ = m.memory.Deallocate(contextID)
	_ = os.Remove(m.coldPath(contextID))
	_ = os.Remove(m.metaPath(contextID))
	return nil
}

// List returns every live context's metadata.
func (m *Manager) List() []domain.CachedContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.CachedContext, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.meta)
	}
	return out
}

// Stats reports the backing memory tiers under context-tier names.
func (m *Manager) Stats() map[domain.ContextTier]domain.TierStats {
	mem := m.memory.Stats()
	return map[domain.ContextTier]domain.TierStats{
		domain.ContextHot:  mem[domain.TierGPU],
		domain.ContextWarm: mem[domain.TierCPU],
		domain.ContextCold: mem[domain.TierDisk],
	}
}

// evictForSpace deletes the coldest, largest, oldest-accessed contexts
// (outside their minimum-residency window) until need bytes are freed, and
// reports whether that many bytes were freed. The memory manager never
// deletes data on its own — only the cache does, and only as a last resort
// after demotion has already failed to make room.
func (m *Manager) evictForSpace(need int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	type candidate struct {
		id string
		e  *cacheEntry
	}
	cands := make([]candidate, 0, len(m.entries))
	for id, e := range m.entries {
		cands = append(cands, candidate{id, e})
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i].e.meta, cands[j].e.meta
		if a.Tier != b.Tier {
			return a.Tier > b.Tier // coldest first
		}
		if a.ByteSize != b.ByteSize {
			return a.ByteSize > b.ByteSize // largest first
		}
		return a.LastAccess.Before(b.LastAccess) // oldest-accessed first
	})

	now := time.Now()
	var freed int64
	for _, c := range cands {
		if freed >= need {
			break
		}
		if now.Sub(c.e.residentSince) < m.opts.MinResidency {
			continue
		}
		freed += c.e.meta.ByteSize
		m.deleteLocked(c.id)
		m.logger.Debug("contextcache: evicted for space", "id", c.id, "size", c.e.meta.ByteSize)
	}
	return freed >= need
}

// Run drives background maintenance until ctx is cancelled: promotes
// contexts whose access rate crosses the threshold, demotes idle ones,
// deletes cold ones idle past EvictColdAfter, sweeps expired TTLs, and
// resets per-interval access counters.
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
	now := time.Now()
	var expired, promote, demote []string
	for id, e := range m.entries {
		if now.Sub(e.meta.LastAccess) > e.meta.TTL {
			expired = append(expired, id)
			continue
		}
		if e.accessesThisInterval >= m.opts.PromoteThresholdAccesses {
			if _, ok := nextTierUp(e.meta.Tier); ok {
				promote = append(promote, id)
			}
		} else if idle := now.Sub(e.meta.LastAccess); idle > m.demoteAfter(e.meta.Tier) {
			if _, ok := nextTierDown(e.meta.Tier); ok {
				demote = append(demote, id)
			} else {
				// Cold is the bottom tier: idle past EvictColdAfter means deletion.
				expired = append(expired, id)
			}
		}
		e.accessesThisInterval = 0
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.logger.Debug("contextcache: ttl expired", "id", id)
		m.Delete(id)
	}
	for _, id := range promote {
		_ = m.Promote(id)
	}
	for _, id := range demote {
		_ = m.Demote(id)
	}
}

func (m *Manager) demoteAfter(tier domain.ContextTier) time.Duration {
	switch tier {
	case domain.ContextHot:
		return m.opts.DemoteHotToWarm
	case domain.ContextWarm:
		return m.opts.DemoteWarmToCold
	default:
		return m.opts.EvictColdAfter
	}
}

func (m *Manager) coldPath(contextID string) string {
	return filepath.Join(m.opts.Root, "cold", contextID+".kvc")
}

func (m *Manager) metaPath(contextID string) string {
	return filepath.Join(m.opts.Root, "metadata", contextID+".json")
}

func nextTierUp(t domain.ContextTier) (domain.ContextTier, bool) {
	switch t {
	case domain.ContextCold:
		return domain.ContextWarm, true
	case domain.ContextWarm:
		return domain.ContextHot, true
	default:
		return domain.ContextHot, false
	}
}

func nextTierDown(t domain.ContextTier) (domain.ContextTier, bool) {
	switch t {
	case domain.ContextHot:
		return domain.ContextWarm, true
	case domain.ContextWarm:
		return domain.ContextCold, true
	default:
		return domain.ContextCold, false
	}
}

func kvByteSize(arch domain.Architecture, tokenCount int) int64 {
	return 2 * int64(arch.Layers) * int64(arch.Heads) * int64(tokenCount) * int64(arch.HeadDim) * int64(dtypeSize(arch.DType))
}

func dtypeSize(dtype string) int {
	switch dtype {
	case "f32":
		return 4
	default:
		return 2
	}
}

func sourceHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func report(progress func(string, float64), status string, pct float64) {
	if progress != nil {
		progress(status, pct)
	}
}
