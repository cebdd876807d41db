package engine

import (
	"context"
	"testing"
	"time"

	"github.com/tensorforge/forge/internal/domain"
)

func testArch() domain.Architecture {
	return domain.Architecture{Layers: 2, Heads: 4, HeadDim: 8, VocabSize: 100, MaxContext: 2048, DType: "f16"}
}

func TestMockInstanceTokenizeDetokenizeRoundTrips(t *testing.T) {
	b := NewMockBackend()
	inst, err := b.Open(context.Background(), "/ws", "", testArch())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer inst.Close()

	tokens, err := inst.Tokenize("hello there friend")
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	if len(tokens) != 3 {
		t.Fatalf("len(tokens) = %d, want 3", len(tokens))
	}

	text, err := inst.Detokenize(tokens)
	if err != nil {
		t.Fatalf("Detokenize: %v", err)
	}
	if text != "hello there friend" {
		t.Errorf("Detokenize = %q, want %q", text, "hello there friend")
	}
}

func TestMockInstanceTokenizeIsDeterministic(t *testing.T) {
	b := NewMockBackend()
	inst, _ := b.Open(context.Background(), "/ws", "", testArch())

	t1, _ := inst.Tokenize("the quick brown fox")
	t2, _ := inst.Tokenize("the quick brown fox")
	if len(t1) != len(t2) {
		t.Fatalf("token lengths differ: %d vs %d", len(t1), len(t2))
	}
	for i := range t1 {
		if t1[i] != t2[i] {
			t.Errorf("token[%d] = %d, want %d (same text should tokenize identically)", i, t2[i], t1[i])
		}
	}
}

func TestMockInstanceComputeKVShapesLayers(t *testing.T) {
	b := NewMockBackend()
	inst, _ := b.Open(context.Background(), "/ws", "", testArch())

	tokens, _ := inst.Tokenize("a b c")
	kv, err := inst.ComputeKV(context.Background(), tokens)
	if err != nil {
		t.Fatalf("ComputeKV: %v", err)
	}
	if kv.TokenCount != 3 {
		t.Errorf("TokenCount = %d, want 3", kv.TokenCount)
	}
	if len(kv.Layers) != testArch().Layers {
		t.Errorf("len(Layers) = %d, want %d", len(kv.Layers), testArch().Layers)
	}
}

func TestMockInstanceGenerateRespectsMaxTokens(t *testing.T) {
	b := NewMockBackend()
	inst, _ := b.Open(context.Background(), "/ws", "", testArch())

	var tokens []domain.Token
	reason, err := inst.Generate(context.Background(), []int{1, 2}, nil, domain.DecodingParams{MaxTokens: 5}, func(tok domain.Token) {
		tokens = append(tokens, tok)
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(tokens) != 5 {
		t.Fatalf("got %d tokens, want 5", len(tokens))
	}
	if !tokens[len(tokens)-1].Done {
		t.Errorf("last token should be marked Done")
	}
	if reason != domain.FinishLength {
		t.Errorf("finish reason = %v, want FinishLength", reason)
	}
}

func TestMockInstanceGenerateCancellation(t *testing.T) {
	b := NewMockBackend()
	inst, _ := b.Open(context.Background(), "/ws", "", testArch())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Millisecond)
	defer cancel()

	reason, err := inst.Generate(ctx, []int{1}, nil, domain.DecodingParams{MaxTokens: 10000}, func(domain.Token) {})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reason != domain.FinishCancelled {
		t.Errorf("finish reason = %v, want FinishCancelled", reason)
	}
}

func TestMockBackendOpenRejectsEmptyWorkspace(t *testing.T) {
	b := NewMockBackend()
	if _, err := b.Open(context.Background(), "", "", testArch()); err == nil {
		t.Fatalf("expected error for empty workspace dir")
	}
}
