// Package coordinator implements the request coordinator: the single
// operation that pulls the model manager, the context cache, and an
// inference instance together into one generation.
//
// The teacher has no equivalent of this package — every Phase-1 request
// in tutu-engine went straight from the HTTP handler to the pool
// (internal/api/openai.go's handleChatCompletions calling s.pool.Acquire
// then handle.Model().Chat directly). This spec splits "pin a model",
// "optionally compose a cached context", and "stream tokens with
// stop-sequence matching" into their own stage, so the shape here is new
// plumbing grounded on that handler's acquire/generate/release sequence
// generalized to a fourth concern (context composition) the teacher
// never had.
package coordinator

import (
	"context"
	"strings"
	"time"

	"github.com/tensorforge/forge/internal/domain"
	"github.com/tensorforge/forge/internal/infra/metrics"
)

// ModelSource is the narrow slice of the model manager this package
// needs: pin a model (or the active one, if id is empty) for the
// lifetime of one request.
type ModelSource interface {
	AcquireForRequest(id string) (*domain.ModelHandle, domain.Instance, func(), error)
}

// ContextSource is the narrow slice of the context cache this package
// needs: read a context's KV view and metadata.
type ContextSource interface {
	View(contextID string) (*domain.KVView, *domain.CachedContext, error)
}

// Logger is the minimal structured-logging surface the coordinator
// needs, satisfied by a *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Error(string, ...any) {}

// Coordinator implements domain.Coordinator.
type Coordinator struct {
	models   ModelSource
	contexts ContextSource
	logger   Logger
}

// New constructs a request coordinator. contexts may be nil — a
// coordinator with no context cache wired simply rejects any request
// that names a context-id.
func New(models ModelSource, contexts ContextSource, logger Logger) *Coordinator {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Coordinator{models: models, contexts: contexts, logger: logger}
}

// Execute resolves the target model, optionally composes a cached
// context as generation prefix, builds the token sequence, and streams
// generated tokens through onToken. onToken is called on the calling
// goroutine — callers that stream over SSE can write-and-flush directly
// from it.
func (c *Coordinator) Execute(ctx context.Context, req domain.GenerationRequest, onToken func(domain.Token)) (domain.GenerationResult, error) {
	start := time.Now()

	// Step 1: resolve and pin the target model for this request's
	// lifetime. The pin is request-scoped, not process-scoped — a
	// concurrent switch() may repoint the active slot without affecting
	// a request already holding its own handle/instance pair.
	handle, inst, release, err := c.models.AcquireForRequest(req.ModelID)
	if err != nil {
		return domain.GenerationResult{}, err
	}
	defer release()

	metrics.GenerationsActive.Inc()
	defer metrics.GenerationsActive.Dec()

	var cacheHit bool
	var contextTokenCount int
	var prefixKV *domain.KVView

	// Step 2: optionally acquire the named context's KV view, validating
	// that it was built against this exact model/architecture. The cache
	// never silently coerces a mismatched context onto the active model.
	if req.ContextID != "" {
		if c.contexts == nil {
			return domain.GenerationResult{}, domain.ErrContextNotFound
		}
		view, meta, err := c.contexts.View(req.ContextID)
		if err != nil {
			return domain.GenerationResult{}, err
		}
		if meta.ModelID != handle.ID || !architectureMatches(meta.Arch, handle.Arch) {
			return domain.GenerationResult{}, domain.ErrModelMismatch
		}
		prefixKV = view
		contextTokenCount = view.TokenCount
		cacheHit = true
		metrics.ContextCacheHits.Inc()
	}

	// Step 3: build the full token sequence — system prompt, history,
	// current user message — bounded by the model's max context.
	tokens, err := c.buildTokenSequence(inst, req.History, contextTokenCount, handle.Arch.MaxContext)
	if err != nil {
		return domain.GenerationResult{}, err
	}
	queryTokens := len(tokens)

	// Step 4/5: invoke generate with the optional prefix KV, matching
	// stop sequences against the accumulated *text* (not tokens) so a
	// stop sequence spanning a token boundary is still caught, and
	// truncating emission before the matched substring.
	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var accumulated strings.Builder
	var emitted strings.Builder
	stopped := false
	generatedTokens := 0

	wrapped := func(tok domain.Token) {
		if stopped {
			return
		}
		accumulated.WriteString(tok.Text)

		if idx, stop := matchStopSequence(accumulated.String(), req.Params.StopSequences); stop {
			// idx is relative to the full accumulated text; only the
			// portion not yet emitted, truncated at the match, is new.
			full := accumulated.String()[:idx]
			if already := emitted.Len(); already < len(full) {
				remainder := full[already:]
				emitted.WriteString(remainder)
				if onToken != nil {
					onToken(domain.Token{Text: remainder, Done: true})
				}
			}
			stopped = true
			cancel()
			return
		}

		generatedTokens++
		emitted.WriteString(tok.Text)
		if onToken != nil {
			onToken(tok)
		}
	}

	finish, err := inst.Generate(genCtx, tokens, prefixKV, req.Params, wrapped)
	if err != nil {
		if ctx.Err() != nil {
			finish = domain.FinishCancelled
		} else {
			c.logger.Error("coordinator: generate failed", "model", handle.ID, "err", err)
			return domain.GenerationResult{}, err
		}
	}
	if stopped {
		finish = domain.FinishStop
	} else if ctx.Err() != nil {
		finish = domain.FinishCancelled
	}

	elapsed := time.Since(start)
	metrics.InferenceLatency.WithLabelValues(handle.ID).Observe(elapsed.Seconds())
	metrics.InferenceTokens.WithLabelValues(handle.ID).Add(float64(generatedTokens))
	result := domain.GenerationResult{
		Text:            emitted.String(),
		ContextTokens:   contextTokenCount,
		QueryTokens:     queryTokens,
		GeneratedTokens: generatedTokens,
		Elapsed:         elapsed,
		CacheHit:        cacheHit,
		Finish:          finish,
	}
	if elapsed > 0 {
		result.TokensPerSec = float64(generatedTokens) / elapsed.Seconds()
	}

	c.logger.Debug("coordinator: request complete",
		"model", handle.ID, "context", req.ContextID, "finish", finish.String(),
		"query_tokens", queryTokens, "generated_tokens", generatedTokens)

	return result, nil
}

// buildTokenSequence tokenizes the system/history/user messages in
// order and rejects a sequence that would overflow the model's max
// context once the (already-resident) context tokens are accounted for.
func (c *Coordinator) buildTokenSequence(inst domain.Instance, history []domain.Message, contextTokens, maxContext int) ([]int, error) {
	var sb strings.Builder
	for _, m := range history {
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	tokens, err := inst.Tokenize(sb.String())
	if err != nil {
		return nil, err
	}
	if maxContext > 0 && contextTokens+len(tokens) > maxContext {
		return nil, domain.ErrMaxContextExceeded
	}
	return tokens, nil
}

// matchStopSequence reports the earliest index at which any stop
// sequence appears in text, if any.
func matchStopSequence(text string, stops []string) (int, bool) {
	best := -1
	for _, s := range stops {
		if s == "" {
			continue
		}
		if idx := strings.Index(text, s); idx != -1 && (best == -1 || idx < best) {
			best = idx
		}
	}
	return best, best != -1
}

// architectureMatches validates the (L, H, D, dtype) tuple a cached
// context was built under still matches the active model's shape. Model
// id equality is checked separately by the caller; this only guards
// against a stale cache artifact from a since-reloaded, differently
// quantized build of the same model id.
func architectureMatches(a, b domain.Architecture) bool {
	return a.Layers == b.Layers && a.Heads == b.Heads && a.HeadDim == b.HeadDim && a.DType == b.DType
}
