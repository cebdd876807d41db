package coordinator

import (
	"context"
	"testing"

	"github.com/tensorforge/forge/internal/domain"
	"github.com/tensorforge/forge/internal/infra/engine"
)

type fakeModels struct {
	handle *domain.ModelHandle
	inst   domain.Instance
}

func (f *fakeModels) AcquireForRequest(id string) (*domain.ModelHandle, domain.Instance, func(), error) {
	if id != "" && id != f.handle.ID {
		return nil, nil, nil, domain.ErrModelNotLoaded
	}
	return f.handle, f.inst, func() {}, nil
}

type fakeContexts struct {
	view *domain.KVView
	meta *domain.CachedContext
	err  error
}

func (f *fakeContexts) View(contextID string) (*domain.KVView, *domain.CachedContext, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.view, f.meta, nil
}

func newTestModels(t *testing.T) *fakeModels {
	t.Helper()
	arch := domain.Architecture{Layers: 2, Heads: 2, HeadDim: 4, VocabSize: 50, MaxContext: 128, DType: "f16"}
	backend := engine.NewMockBackend()
	inst, err := backend.Open(context.Background(), t.TempDir(), "/fake/source.gguf", arch)
	if err != nil {
		t.Fatalf("backend.Open: %v", err)
	}
	return &fakeModels{handle: &domain.ModelHandle{ID: "model-a", Arch: arch}, inst: inst}
}

func TestExecuteWithoutContextGenerates(t *testing.T) {
	c := New(newTestModels(t), nil, nil)

	req := domain.GenerationRequest{
		ModelID: "model-a",
		History: []domain.Message{{Role: "user", Content: "hello there"}},
		Params:  domain.DecodingParams{MaxTokens: 5},
	}

	var tokens []domain.Token
	result, err := c.Execute(context.Background(), req, func(tok domain.Token) { tokens = append(tokens, tok) })
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Finish != domain.FinishLength {
		t.Errorf("Finish = %v, want length-limit", result.Finish)
	}
	if result.GeneratedTokens != 5 {
		t.Errorf("GeneratedTokens = %d, want 5", result.GeneratedTokens)
	}
	if len(tokens) != 5 {
		t.Errorf("emitted %d tokens, want 5", len(tokens))
	}
	if result.CacheHit {
		t.Errorf("CacheHit = true, want false (no context named)")
	}
}

func TestExecuteUnknownModelFails(t *testing.T) {
	c := New(newTestModels(t), nil, nil)
	req := domain.GenerationRequest{ModelID: "model-b"}
	if _, err := c.Execute(context.Background(), req, nil); err != domain.ErrModelNotLoaded {
		t.Errorf("err = %v, want ErrModelNotLoaded", err)
	}
}

func TestExecuteContextModelMismatchFails(t *testing.T) {
	models := newTestModels(t)
	contexts := &fakeContexts{
		view: &domain.KVView{ContextID: "ctx-1", TokenCount: 3},
		meta: &domain.CachedContext{ID: "ctx-1", ModelID: "some-other-model", Arch: models.handle.Arch},
	}
	c := New(models, contexts, nil)

	req := domain.GenerationRequest{ModelID: "model-a", ContextID: "ctx-1"}
	if _, err := c.Execute(context.Background(), req, nil); err != domain.ErrModelMismatch {
		t.Errorf("err = %v, want ErrModelMismatch", err)
	}
}

func TestExecuteWithMatchingContextIsCacheHit(t *testing.T) {
	models := newTestModels(t)
	contexts := &fakeContexts{
		view: &domain.KVView{ContextID: "ctx-1", TokenCount: 3, Layers: [][]byte{{1}, {2}}},
		meta: &domain.CachedContext{ID: "ctx-1", ModelID: "model-a", Arch: models.handle.Arch},
	}
	c := New(models, contexts, nil)

	req := domain.GenerationRequest{
		ModelID:   "model-a",
		ContextID: "ctx-1",
		History:   []domain.Message{{Role: "user", Content: "continue"}},
		Params:    domain.DecodingParams{MaxTokens: 3},
	}

	result, err := c.Execute(context.Background(), req, func(domain.Token) {})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.CacheHit {
		t.Errorf("CacheHit = false, want true")
	}
	if result.ContextTokens != 3 {
		t.Errorf("ContextTokens = %d, want 3", result.ContextTokens)
	}
}

func TestExecuteMaxContextExceeded(t *testing.T) {
	models := newTestModels(t)
	models.handle.Arch.MaxContext = 2
	contexts := &fakeContexts{
		view: &domain.KVView{ContextID: "ctx-1", TokenCount: 2},
		meta: &domain.CachedContext{ID: "ctx-1", ModelID: "model-a", Arch: models.handle.Arch},
	}
	c := New(models, contexts, nil)

	req := domain.GenerationRequest{
		ModelID:   "model-a",
		ContextID: "ctx-1",
		History:   []domain.Message{{Role: "user", Content: "this is several words long"}},
	}
	if _, err := c.Execute(context.Background(), req, nil); err != domain.ErrMaxContextExceeded {
		t.Errorf("err = %v, want ErrMaxContextExceeded", err)
	}
}

func TestExecuteStopSequenceTruncatesEmission(t *testing.T) {
	c := New(newTestModels(t), nil, nil)

	req := domain.GenerationRequest{
		ModelID: "model-a",
		History: []domain.Message{{Role: "user", Content: "hi"}},
		Params:  domain.DecodingParams{MaxTokens: 32, StopSequences: []string{"reply"}},
	}

	result, err := c.Execute(context.Background(), req, func(domain.Token) {})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Finish != domain.FinishStop {
		t.Errorf("Finish = %v, want stop-sequence", result.Finish)
	}
	if len(result.Text) == 0 {
		t.Errorf("expected some emitted text before the stop match")
	}
}

func TestExecuteNoContextCacheConfiguredRejectsContextID(t *testing.T) {
	c := New(newTestModels(t), nil, nil)
	req := domain.GenerationRequest{ModelID: "model-a", ContextID: "ctx-1"}
	if _, err := c.Execute(context.Background(), req, nil); err != domain.ErrContextNotFound {
		t.Errorf("err = %v, want ErrContextNotFound", err)
	}
}
