package workspace

import (
	"context"
	"os"
	"testing"

	"github.com/tensorforge/forge/internal/domain"
)

type stubDequantizer struct {
	calls int
}

func (s *stubDequantizer) Dequantize(quantSourcePath string, w *os.File, progress func(string, float64)) (TensorIndex, error) {
	s.calls++
	if progress != nil {
		progress("dequantizing", 0.5)
		progress("done", 1.0)
	}
	payload := []byte("fake-tensor-bytes-0123456789")
	if _, err := w.Write(payload); err != nil {
		return TensorIndex{}, err
	}
	return TensorIndex{
		Arch: domain.Architecture{Layers: 2, Heads: 4, HeadDim: 8, VocabSize: 100, MaxContext: 512, DType: "f16"},
		Tensors: map[string]domain.TensorView{
			"embed": {Name: "embed", Offset: 0, Length: int64(len(payload)), DType: "f16", Shape: []int{100, 8}},
		},
	}, nil
}

func TestOpenOrBuildBuildsOnce(t *testing.T) {
	dq := &stubDequantizer{}
	mgr := New(t.TempDir(), dq)

	h1, err := mgr.OpenOrBuild(context.Background(), "model-a", "q4", "/fake/source.gguf", nil)
	if err != nil {
		t.Fatalf("OpenOrBuild: %v", err)
	}
	if dq.calls != 1 {
		t.Fatalf("calls = %d, want 1", dq.calls)
	}

	h2, err := mgr.OpenOrBuild(context.Background(), "model-a", "q4", "/fake/source.gguf", nil)
	if err != nil {
		t.Fatalf("second OpenOrBuild: %v", err)
	}
	if dq.calls != 1 {
		t.Errorf("calls = %d after second open, want still 1 (reused build)", dq.calls)
	}

	if err := mgr.Close(h2); err != nil {
		t.Errorf("Close h2: %v", err)
	}
	if err := mgr.Close(h1); err != nil {
		t.Errorf("Close h1: %v", err)
	}
}

func TestTensorLookup(t *testing.T) {
	mgr := New(t.TempDir(), &stubDequantizer{})
	h, err := mgr.OpenOrBuild(context.Background(), "model-b", "q4", "/fake/source.gguf", nil)
	if err != nil {
		t.Fatalf("OpenOrBuild: %v", err)
	}
	defer mgr.Close(h)

	tv, err := h.Tensor("embed")
	if err != nil {
		t.Fatalf("Tensor: %v", err)
	}
	if tv.Shape[0] != 100 {
		t.Errorf("Shape[0] = %d, want 100", tv.Shape[0])
	}

	if _, err := h.Tensor("missing"); err == nil {
		t.Errorf("expected error for missing tensor")
	}
}

func TestOpenOrBuildDetectsCorruption(t *testing.T) {
	mgr := New(t.TempDir(), &stubDequantizer{})
	h, err := mgr.OpenOrBuild(context.Background(), "model-c", "q4", "/fake/source.gguf", nil)
	if err != nil {
		t.Fatalf("OpenOrBuild: %v", err)
	}
	dir := h.(*handle).ws.dir
	mgr.Close(h)

	if err := os.WriteFile(dir+"/workspace.bin", []byte("corrupted"), 0o644); err != nil {
		t.Fatalf("corrupt file: %v", err)
	}

	if _, err := mgr.openExisting(dir); err == nil {
		t.Fatalf("expected checksum failure, got nil")
	}
}
