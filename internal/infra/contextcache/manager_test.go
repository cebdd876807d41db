package contextcache

import (
	"context"
	"os"
	"testing"

	"github.com/tensorforge/forge/internal/domain"
	"github.com/tensorforge/forge/internal/infra/engine"
	"github.com/tensorforge/forge/internal/infra/memtier"
)

type fakeModelSource struct {
	handle *domain.ModelHandle
	inst   domain.Instance
}

func (f *fakeModelSource) AcquireForRequest(id string) (*domain.ModelHandle, domain.Instance, func(), error) {
	if id != f.handle.ID {
		return nil, nil, nil, domain.ErrModelNotLoaded
	}
	return f.handle, f.inst, func() {}, nil
}

func newTestCache(t *testing.T) *Manager {
	t.Helper()
	arch := domain.Architecture{Layers: 2, Heads: 2, HeadDim: 4, VocabSize: 50, MaxContext: 128, DType: "f16"}

	backend := engine.NewMockBackend()
	inst, err := backend.Open(context.Background(), t.TempDir(), "/fake/source.gguf", arch)
	if err != nil {
		t.Fatalf("backend.Open: %v", err)
	}

	models := &fakeModelSource{handle: &domain.ModelHandle{ID: "model-a", Arch: arch}, inst: inst}
	mem := memtier.New(memtier.DefaultOptions(memtier.Budgets{GPU: 1 << 20, CPU: 1 << 20, Disk: 1 << 20}), nil)

	opts := DefaultOptions(t.TempDir())
	opts.MinResidency = 0
	return New(opts, mem, models, nil)
}

func TestIngestThenViewRoundTrips(t *testing.T) {
	cache := newTestCache(t)

	cc, err := cache.Ingest(context.Background(), "model-a", "the quick brown fox", 0, nil)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if cc.Tier != domain.ContextHot {
		t.Errorf("Tier = %v, want hot", cc.Tier)
	}
	if cc.TokenCount != 4 {
		t.Errorf("TokenCount = %d, want 4", cc.TokenCount)
	}

	view, meta, err := cache.View(cc.ID)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if view.TokenCount != 4 || len(view.Layers) != 2 {
		t.Errorf("view = %+v, want 4 tokens over 2 layers", view)
	}
	if meta.AccessCount != 1 {
		t.Errorf("AccessCount = %d, want 1", meta.AccessCount)
	}
}

func TestViewUnknownContextReturnsNotFound(t *testing.T) {
	cache := newTestCache(t)
	if _, _, err := cache.View("nope"); err != domain.ErrContextNotFound {
		t.Errorf("err = %v, want ErrContextNotFound", err)
	}
}

func TestIngestWithUnloadedModelFails(t *testing.T) {
	cache := newTestCache(t)
	if _, err := cache.Ingest(context.Background(), "model-b", "hello", 0, nil); err != domain.ErrModelNotLoaded {
		t.Errorf("err = %v, want ErrModelNotLoaded", err)
	}
}

func TestDemoteToColdThenPromoteBackPreservesContent(t *testing.T) {
	cache := newTestCache(t)

	cc, err := cache.Ingest(context.Background(), "model-a", "the quick brown fox jumps", 0, nil)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if err := cache.Demote(cc.ID); err != nil { // hot -> warm
		t.Fatalf("Demote 1: %v", err)
	}
	if err := cache.Demote(cc.ID); err != nil { // warm -> cold
		t.Fatalf("Demote 2: %v", err)
	}

	list := cache.List()
	if len(list) != 1 || list[0].Tier != domain.ContextCold {
		t.Fatalf("expected single cold context, got %+v", list)
	}

	view, _, err := cache.View(cc.ID)
	if err != nil {
		t.Fatalf("View after cold demote: %v", err)
	}
	if dataChecksum(view.Layers) != cc.Checksum {
		t.Errorf("cold round-trip changed KV content: checksum mismatch")
	}

	if err := cache.Promote(cc.ID); err != nil { // cold -> warm
		t.Fatalf("Promote 1: %v", err)
	}
	if err := cache.Promote(cc.ID); err != nil { // warm -> hot
		t.Fatalf("Promote 2: %v", err)
	}

	for _, c := range cache.List() {
		if c.ID == cc.ID && c.Tier != domain.ContextHot {
			t.Errorf("Tier after promote = %v, want hot", c.Tier)
		}
	}
}

func TestDeleteRemovesEntryAndColdFile(t *testing.T) {
	cache := newTestCache(t)
	cc, err := cache.Ingest(context.Background(), "model-a", "hello world", 0, nil)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := cache.Demote(cc.ID); err != nil {
		t.Fatalf("Demote: %v", err)
	}
	if err := cache.Demote(cc.ID); err != nil {
		t.Fatalf("Demote: %v", err)
	}

	if err := cache.Delete(cc.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := cache.View(cc.ID); err != domain.ErrContextNotFound {
		t.Errorf("err = %v, want ErrContextNotFound after delete", err)
	}
	if _, err := os.Stat(cache.coldPath(cc.ID)); !os.IsNotExist(err) {
		t.Errorf("cold file still present after delete: stat err = %v", err)
	}
}

func TestStatsReportsContextTierNames(t *testing.T) {
	cache := newTestCache(t)
	stats := cache.Stats()
	if _, ok := stats[domain.ContextHot]; !ok {
		t.Errorf("expected hot tier stats present")
	}
	if _, ok := stats[domain.ContextCold]; !ok {
		t.Errorf("expected cold tier stats present")
	}
}
