package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tensorforge/forge/internal/domain"
)

// MockBackend implements domain.Backend without any GPU/CGO dependency —
// the primary backend this tree tests against, the same role the
// teacher's MockBackend plays for anything that doesn't need real
// kernels.
type MockBackend struct{}

func NewMockBackend() *MockBackend { return &MockBackend{} }

func (b *MockBackend) Open(_ context.Context, workspaceDir, _ string, arch domain.Architecture) (domain.Instance, error) {
	if workspaceDir == "" {
		return nil, fmt.Errorf("%w: empty workspace dir", domain.ErrInvalidRequest)
	}
	return &mockInstance{arch: arch, vocab: make(map[int]string)}, nil
}

type mockInstance struct {
	arch   domain.Architecture
	mu     sync.Mutex
	vocab  map[int]string
	closed bool
}

func (m *mockInstance) Tokenize(text string) ([]int, error) {
	tokens := simpleTokenize(text)
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, tok := range tokens {
		m.vocab[tok] = strings.Fields(text)[i]
	}
	return tokens, nil
}

func (m *mockInstance) Detokenize(tokens []int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	words := make([]string, len(tokens))
	for i, tok := range tokens {
		if w, ok := m.vocab[tok]; ok {
			words[i] = w
		} else {
			words[i] = "<unk>"
		}
	}
	return strings.Join(words, " "), nil
}

func (m *mockInstance) ComputeKV(ctx context.Context, tokens []int) (domain.KVTensors, error) {
	if err := ctx.Err(); err != nil {
		return domain.KVTensors{}, err
	}
	if m.closed {
		return domain.KVTensors{}, fmt.Errorf("engine: instance closed")
	}
	return syntheticKV(tokens, m.arch), nil
}

func (m *mockInstance) Generate(ctx context.Context, tokens []int, prefixKV *domain.KVView, params domain.DecodingParams, onToken func(domain.Token)) (domain.FinishReason, error) {
	if m.closed {
		return domain.FinishFatal, fmt.Errorf("engine: instance closed")
	}

	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 32
	}

	prefix := "understood"
	if prefixKV != nil {
		prefix = fmt.Sprintf("given context %s", prefixKV.ContextID)
	}
	words := strings.Fields(fmt.Sprintf("%s, here is a reply to your %d-token message", prefix, len(tokens)))

	for i := 0; i < maxTokens; i++ {
		select {
		case <-ctx.Done():
			return domain.FinishCancelled, nil
		default:
		}

		word := words[i%len(words)]
		text := word
		if i < maxTokens-1 {
			text += " "
		}
		onToken(domain.Token{Text: text, Done: i == maxTokens-1})
		time.Sleep(time.Millisecond) // simulated per-token latency
	}
	return domain.FinishLength, nil
}

func (m *mockInstance) Capacity() domain.Architecture { return m.arch }

func (m *mockInstance) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
