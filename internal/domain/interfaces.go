package domain

import "context"

// ─── Service interfaces ─────────────────────────────────────────────────────
// These define the boundaries between layers: infra implements them, the
// app layer (request coordinator, HTTP edge) depends on them.

// Backend wraps the inference kernels into a usable instance over a
// workspace. One Instance is bound to one loaded model.
type Backend interface {
	// Open binds an instance to a workspace built for the given model.
	// sourcePath is the original quant-source file the workspace was
	// built from; backends that can operate purely on the dequantized
	// workspace ignore it, backends that shell out to an external
	// inference server (which does its own quantization handling) use it
	// directly.
	Open(ctx context.Context, workspaceDir, sourcePath string, arch Architecture) (Instance, error)
}

// Instance is a single loaded model's inference surface.
type Instance interface {
	Tokenize(text string) ([]int, error)
	Detokenize(tokens []int) (string, error)

	// ComputeKV runs a forward pass recording K,V for all layers over all
	// tokens, in the active dtype. Used by context ingestion.
	ComputeKV(ctx context.Context, tokens []int) (KVTensors, error)

	// Generate performs incremental decoding, optionally seeded with a
	// prefix KV view, calling onToken for every decoded token.
	Generate(ctx context.Context, tokens []int, prefixKV *KVView, params DecodingParams, onToken func(Token)) (FinishReason, error)

	Capacity() Architecture
	Close() error
}

// KVTensors holds the full per-layer K/V tensors produced by ComputeKV,
// ready to be stored into an allocated MemoryBlock by the context cache.
type KVTensors struct {
	TokenCount int
	Layers     [][]byte // per layer, concatenated K then V, raw bytes
}

// KVView is a non-owning segment descriptor over a context's KV tensors,
// handed to Generate as the prefix KV. Concatenation with the generation-KV
// ring is virtual — the backend receives segment descriptors, not a copy.
type KVView struct {
	ContextID  string
	TokenCount int
	Layers     [][]byte
}

// MemoryManager is the tiered memory manager's contract: one operation
// set over GPU/CPU/DISK tiers.
type MemoryManager interface {
	Allocate(ctx context.Context, size int64, preferred Tier, ownerID string) (*MemoryBlock, error)
	Deallocate(ownerID string) error
	Promote(ownerID string, target Tier) error
	Demote(ownerID string, target Tier) error
	// Touch records an access against ownerID's block, feeding the
	// background tiering thread's hot-access-rate detection.
	Touch(ownerID string)
	Stats() map[Tier]TierStats
}

// Workspace is the tensor workspace's contract: build once, reuse the
// mapped tensor arena forever.
type Workspace interface {
	OpenOrBuild(ctx context.Context, modelID, quantLabel, quantSourcePath string, progress func(status string, pct float64)) (WorkspaceHandle, error)
	Close(h WorkspaceHandle) error
}

// WorkspaceHandle is a non-owning, refcounted view over a built workspace.
type WorkspaceHandle interface {
	Dir() string
	Arch() Architecture
	Tensor(name string) (TensorView, error)
}

// TensorView describes one named tensor's placement within the mapped file.
type TensorView struct {
	Name   string
	Offset int64
	Length int64
	DType  string
	Shape  []int
}

// ModelManager is the model manager's contract: registry + selector +
// switcher for ModelHandles.
type ModelManager interface {
	Load(ctx context.Context, id, sourcePath string, opts LoadOptions) (*ModelHandle, error)
	Unload(id string) error
	Switch(id string) (SwitchResult, error)
	Get(id string) (*ModelHandle, bool)
	List() []ModelHandle
	IsLoaded(id string) bool
	Active() (*ModelHandle, bool)
}

// LoadOptions are the tunables accepted by Load.
type LoadOptions struct {
	QuantLabel string
	Role       ModelRole
}

// ContextCache is the context cache's contract: registry of pre-computed
// (model, prompt) KV artifacts, tier placement, and cache-hit query
// composition.
type ContextCache interface {
	Ingest(ctx context.Context, modelID, text string, ttl int64, progress func(status string, pct float64)) (*CachedContext, error)
	View(contextID string) (*KVView, *CachedContext, error)
	Promote(contextID string) error
	Demote(contextID string) error
	Delete(contextID string) error
	List() []CachedContext
	Stats() map[ContextTier]TierStats
}

// Coordinator is the request coordinator's contract: the single
// operation that pulls model manager, context cache and inference engine
// together.
type Coordinator interface {
	Execute(ctx context.Context, req GenerationRequest, onToken func(Token)) (GenerationResult, error)
}
