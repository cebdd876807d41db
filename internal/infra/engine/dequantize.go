package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/tensorforge/forge/internal/domain"

	"github.com/tensorforge/forge/internal/infra/workspace"
)

// sourceManifest is an optional "<sourcePath>.json" sidecar naming the
// quant source's architecture, the way a real GGUF header would. Parsing
// the binary quant formats themselves is a kernel concern this tree
// doesn't implement — see engine.go's syntheticKV doc comment for the
// same boundary on the compute side.
type sourceManifest struct {
	Layers     int    `json:"layers"`
	Heads      int    `json:"heads"`
	HeadDim    int    `json:"head_dim"`
	VocabSize  int    `json:"vocab_size"`
	MaxContext int    `json:"max_context"`
	DType      string `json:"dtype"`
}

func defaultArchitecture() domain.Architecture {
	return domain.Architecture{
		Layers: 32, Heads: 32, HeadDim: 128,
		VocabSize: 32000, MaxContext: 8192, DType: "f16",
	}
}

// FileDequantizer implements workspace.Dequantizer by streaming the quant
// source file straight into the workspace arena. Real dequantization
// (unpacking a quantized format into native-float tensors) needs format-
// specific kernels this tree doesn't carry; this preserves the
// build-once/reuse-forever contract workspace.Manager provides around
// whatever a real kernel set would produce.
type FileDequantizer struct{}

func NewFileDequantizer() *FileDequantizer { return &FileDequantizer{} }

func (FileDequantizer) Dequantize(quantSourcePath string, w *os.File, progress func(status string, pct float64)) (workspace.TensorIndex, error) {
	if progress != nil {
		progress("reading source", 0)
	}
	src, err := os.Open(quantSourcePath)
	if err != nil {
		return workspace.TensorIndex{}, fmt.Errorf("open quant source: %w", err)
	}
	defer src.Close()

	arch := defaultArchitecture()
	if mf, err := os.Open(quantSourcePath + ".json"); err == nil {
		var m sourceManifest
		if decErr := json.NewDecoder(mf).Decode(&m); decErr == nil {
			arch = domain.Architecture{
				Layers: m.Layers, Heads: m.Heads, HeadDim: m.HeadDim,
				VocabSize: m.VocabSize, MaxContext: m.MaxContext, DType: m.DType,
			}
		}
		mf.Close()
	}

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, hasher), src)
	if err != nil {
		return workspace.TensorIndex{}, fmt.Errorf("write workspace arena: %w", err)
	}
	if progress != nil {
		progress("dequantized", 1)
	}

	return workspace.TensorIndex{
		Arch:     arch,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
		Tensors: map[string]domain.TensorView{
			"weights": {Name: "weights", Offset: 0, Length: n, DType: arch.DType},
		},
	}, nil
}
