package modelmgr

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tensorforge/forge/internal/domain"
	"github.com/tensorforge/forge/internal/infra/engine"
	"github.com/tensorforge/forge/internal/infra/memtier"
	"github.com/tensorforge/forge/internal/infra/workspace"
)

type fakeDequantizer struct{}

func (fakeDequantizer) Dequantize(path string, w *os.File, progress func(string, float64)) (workspace.TensorIndex, error) {
	if progress != nil {
		progress("dequantizing", 1.0)
	}
	payload := []byte("fake-tensor-bytes")
	if _, err := w.Write(payload); err != nil {
		return workspace.TensorIndex{}, err
	}
	return workspace.TensorIndex{
		Arch: domain.Architecture{Layers: 2, Heads: 4, HeadDim: 8, VocabSize: 100, MaxContext: 512, DType: "f16"},
		Tensors: map[string]domain.TensorView{
			"embed": {Name: "embed", Offset: 0, Length: int64(len(payload)), DType: "f16", Shape: []int{100, 8}},
		},
	}, nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	ws := workspace.New(filepath.Join(dir, "models"), fakeDequantizer{})
	mem := memtier.New(memtier.DefaultOptions(memtier.Budgets{GPU: 1 << 30, CPU: 1 << 30, Disk: 1 << 30}), nil)
	backend := engine.NewMockBackend()
	return New(backend, ws, mem, filepath.Join(dir, "models"), 2)
}

func TestLoadIsIdempotentByID(t *testing.T) {
	mgr := newTestManager(t)

	h1, err := mgr.Load(context.Background(), "model-a", "/fake/a.gguf", domain.LoadOptions{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	h2, err := mgr.Load(context.Background(), "model-a", "/fake/a.gguf", domain.LoadOptions{})
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if h1.ID != h2.ID || h1.LoadedAt != h2.LoadedAt {
		t.Errorf("expected the same handle to be returned on idempotent reload")
	}
}

func TestLoadDifferentPathConflicts(t *testing.T) {
	mgr := newTestManager(t)

	if _, err := mgr.Load(context.Background(), "model-a", "/fake/a.gguf", domain.LoadOptions{}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := mgr.Load(context.Background(), "model-a", "/fake/other.gguf", domain.LoadOptions{}); !errors.Is(err, domain.ErrLoadConflict) {
		t.Errorf("err = %v, want ErrLoadConflict", err)
	}
}

func TestSwitchToUnloadedFails(t *testing.T) {
	mgr := newTestManager(t)
	if _, err := mgr.Switch("nope"); err != domain.ErrModelNotLoaded {
		t.Errorf("err = %v, want ErrModelNotLoaded", err)
	}
}

func TestSwitchPublishesActive(t *testing.T) {
	mgr := newTestManager(t)
	if _, err := mgr.Load(context.Background(), "model-a", "/fake/a.gguf", domain.LoadOptions{}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	res, err := mgr.Switch("model-a")
	if err != nil {
		t.Fatalf("Switch: %v", err)
	}
	if res.Active != "model-a" {
		t.Errorf("Active = %q, want model-a", res.Active)
	}

	active, ok := mgr.Active()
	if !ok || active.ID != "model-a" {
		t.Errorf("Active() = %v, %v, want model-a, true", active, ok)
	}
}

func TestUnloadDropsHandle(t *testing.T) {
	mgr := newTestManager(t)
	if _, err := mgr.Load(context.Background(), "model-a", "/fake/a.gguf", domain.LoadOptions{}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := mgr.Unload("model-a"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if mgr.IsLoaded("model-a") {
		t.Errorf("expected model-a to be unloaded")
	}
}

func TestUnloadDeferredWhileInFlight(t *testing.T) {
	mgr := newTestManager(t)
	if _, err := mgr.Load(context.Background(), "model-a", "/fake/a.gguf", domain.LoadOptions{}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	_, _, release, err := mgr.AcquireForRequest("model-a")
	if err != nil {
		t.Fatalf("AcquireForRequest: %v", err)
	}

	if err := mgr.Unload("model-a"); err == nil {
		t.Fatalf("expected deferred-unload error while in flight")
	}
	if !mgr.IsLoaded("model-a") {
		t.Errorf("model should still be loaded while a request is in flight")
	}

	release()
	if mgr.IsLoaded("model-a") {
		t.Errorf("expected unload to finalize once the in-flight request released")
	}
}

func TestLoadRejectsBeyondMaxLoaded(t *testing.T) {
	mgr := newTestManager(t)
	if _, err := mgr.Load(context.Background(), "a", "/fake/a.gguf", domain.LoadOptions{}); err != nil {
		t.Fatalf("Load a: %v", err)
	}
	if _, err := mgr.Load(context.Background(), "b", "/fake/b.gguf", domain.LoadOptions{}); err != nil {
		t.Fatalf("Load b: %v", err)
	}
	if _, err := mgr.Load(context.Background(), "c", "/fake/c.gguf", domain.LoadOptions{}); !errors.Is(err, domain.ErrOutOfBudget) {
		t.Errorf("err = %v, want ErrOutOfBudget", err)
	}
}
