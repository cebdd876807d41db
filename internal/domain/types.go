package domain

import "time"

// ─── Enumerations ───────────────────────────────────────────────────────────

// Tier names a memory residency level. The same three values back both
// MemoryBlock placement and, under different names in the config layer,
// context-cache tiering (hot == GPU, warm == CPU, cold == DISK).
type Tier int

const (
	TierGPU Tier = iota
	TierCPU
	TierDisk
)

func (t Tier) String() string {
	switch t {
	case TierGPU:
		return "gpu"
	case TierCPU:
		return "cpu"
	case TierDisk:
		return "disk"
	default:
		return "unknown"
	}
}

// ContextTier names a context's place in the L2 cache, independent of Tier
// so the cache's own hot/warm/cold vocabulary doesn't get mixed with the
// memory manager's gpu/cpu/disk vocabulary even though they map 1:1.
type ContextTier int

const (
	ContextHot ContextTier = iota
	ContextWarm
	ContextCold
)

func (t ContextTier) String() string {
	switch t {
	case ContextHot:
		return "hot"
	case ContextWarm:
		return "warm"
	case ContextCold:
		return "cold"
	default:
		return "unknown"
	}
}

// Backing returns the MemoryBlock tier that backs this context tier.
func (t ContextTier) Backing() Tier {
	switch t {
	case ContextHot:
		return TierGPU
	case ContextWarm:
		return TierCPU
	default:
		return TierDisk
	}
}

// ModelRole distinguishes the shape of a loaded model's workload.
type ModelRole int

const (
	RoleText ModelRole = iota
	RoleVision
	RoleDiffusion
)

func (r ModelRole) String() string {
	switch r {
	case RoleText:
		return "text"
	case RoleVision:
		return "vision"
	case RoleDiffusion:
		return "diffusion"
	default:
		return "unknown"
	}
}

// FinishReason explains why a generation stream ended.
type FinishReason int

const (
	FinishStop FinishReason = iota
	FinishLength
	FinishToolCall
	FinishFatal
	FinishCancelled
)

func (f FinishReason) String() string {
	switch f {
	case FinishStop:
		return "stop-sequence"
	case FinishLength:
		return "length-limit"
	case FinishToolCall:
		return "tool-call"
	case FinishCancelled:
		return "cancelled"
	case FinishFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ─── Core entities ──────────────────────────────────────────────────────────

// Architecture carries the shape parameters a workspace and an inference
// instance must agree on.
type Architecture struct {
	Layers      int    // L
	Heads       int    // H
	HeadDim     int    // D
	VocabSize   int    // V
	MaxContext  int    // N, max sequence length
	DType       string // active compute dtype, e.g. "f16", "bf16"
}

// ModelHandle is the opaque identifier naming a loaded model. Mutated only
// by promote/demote between GPU and CPU residency; destroyed by unload.
type ModelHandle struct {
	ID       string
	Role     ModelRole
	Arch     Architecture
	Tier     Tier // current residency of its tensor blocks
	LoadedAt time.Time

	QuantLabel string
	SourcePath string

	// unloading marks a handle that has been asked to go away but has
	// in-flight requests still pinned to it; the model manager finalizes
	// the drop once the last one completes.
	Unloading bool
	RefCount  int64
}

// WorkspaceMeta is the on-disk metadata header for a built tensor workspace,
// distinct from the workspace package's live mmap view.
type WorkspaceMeta struct {
	ModelID    string
	QuantLabel string
	Arch       Architecture
	BuiltAt    time.Time
	ByteSize   int64
	Checksum   string // over workspace.bin, validated against the index
}

// MemoryBlock is a typed allocation tracked by the tiered memory manager.
type MemoryBlock struct {
	OwnerID    string
	Size       int64
	Tier       Tier
	AllocAt    time.Time
	LastTouch  time.Time
	AccessRate float64 // accesses observed in the last tiering interval
}

// CachedContext is a persistent KV artifact for a bound (model-id,
// token-sequence-prefix) pair. Named to avoid colliding with the standard
// library's context.Context.
type CachedContext struct {
	ID         string
	ModelID    string
	TokenCount int
	Arch       Architecture
	Tier       ContextTier
	ByteSize   int64
	CreatedAt  time.Time
	LastAccess time.Time
	AccessCount int64
	TTL        time.Duration
	SourceHash string
	Checksum   string
}

// Message is one turn in a chat history.
type Message struct {
	Role    string // "system", "user", "assistant", "tool"
	Content string
}

// DecodingParams are the sampling/decoding knobs for a generation request.
type DecodingParams struct {
	MaxTokens     int
	Temperature   float64
	TopP          float64
	StopSequences []string
}

// GenerationRequest carries everything the request coordinator needs to
// resolve a model, optionally compose a cached context, and generate.
type GenerationRequest struct {
	ModelID   string
	ContextID string // optional
	History   []Message
	Params    DecodingParams
	Stream    bool
	ThinkingEnabled bool
	Tools     []string
}

// Token is one streamed unit of generated output.
type Token struct {
	Text string
	Done bool
}

// GenerationResult summarizes a completed (or cancelled) generation.
type GenerationResult struct {
	Text            string
	ContextTokens   int
	QueryTokens     int
	GeneratedTokens int
	TokensPerSec    float64
	Elapsed         time.Duration
	CacheHit        bool
	Finish          FinishReason
}

// SwitchResult reports the outcome of a model-manager switch.
type SwitchResult struct {
	Active   string
	Previous string
	Elapsed  time.Duration
}

// TierStats is one tier's counters as reported by the memory manager's
// stats() operation.
type TierStats struct {
	Capacity   int64
	Used       int64
	Allocations int64
	Hits        int64
	Misses      int64
	Promotions  int64
	Demotions   int64
}
