// Package engine implements the inference engine adapter: backends that
// wrap kernels into a usable instance over a built workspace.
//
// Two backends are provided, grounded on the teacher's own split between
// internal/infra/engine/mock.go (fast, deterministic, CGO-free) and
// subprocess.go (a real backend that shells out to llama-server and
// proxies over its HTTP API). MockBackend is the primary, fully-realized
// implementation used in every test in this tree, exactly as the teacher
// uses its own mock for anything that doesn't need a real GPU.
package engine

import (
	"strings"

	"github.com/tensorforge/forge/internal/domain"
)

// simpleTokenize is a whitespace tokenizer shared by both backends for
// deterministic token accounting when no real BPE vocabulary is present.
// It maps words to stable synthetic ids so the same text always produces
// the same token sequence, which is what the round-trip-ingest/query law
// in the testable properties actually needs.
func simpleTokenize(text string) []int {
	if text == "" {
		return nil
	}
	fields := strings.Fields(text)
	tokens := make([]int, len(fields))
	for i, f := range fields {
		tokens[i] = stableHash(f)
	}
	return tokens
}

func stableHash(s string) int {
	h := 2166136261
	for i := 0; i < len(s); i++ {
		h ^= int(s[i])
		h *= 16777619
	}
	if h < 0 {
		h = -h
	}
	return h % 1_000_000
}

// syntheticKV derives deterministic, content-addressed K/V tensor bytes
// for a token sequence and architecture. Real attention kernels produce
// these from a forward pass; this is the shared fallback used (a) by
// MockBackend everywhere, and (b) by SubprocessBackend's ComputeKV, since
// llama-server's plain HTTP completion API does not expose raw per-layer
// K/V tensors — the backend kernels that would are an external
// collaborator, not something reachable over the subprocess's wire
// protocol.
func syntheticKV(tokens []int, arch domain.Architecture) domain.KVTensors {
	layers := make([][]byte, arch.Layers)
	perTokenBytes := arch.Heads * arch.HeadDim * 2 * dtypeSize(arch.DType) // K and V per token
	for l := 0; l < arch.Layers; l++ {
		buf := make([]byte, len(tokens)*perTokenBytes)
		for ti, tok := range tokens {
			seed := byte((tok + l*31) % 256)
			for b := range buf[ti*perTokenBytes : (ti+1)*perTokenBytes] {
				buf[ti*perTokenBytes+b] = seed ^ byte(b)
			}
		}
		layers[l] = buf
	}
	return domain.KVTensors{TokenCount: len(tokens), Layers: layers}
}

func dtypeSize(dtype string) int {
	switch dtype {
	case "f32":
		return 4
	case "bf16", "f16":
		return 2
	default:
		return 2
	}
}

