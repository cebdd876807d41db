package contextcache

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"

	"github.com/tensorforge/forge/internal/domain"
)

// kvcHeaderSize is the fixed 256-byte header of the cold-tier file
// format: magic, version, flags (compression algo), a 64-byte owner-id
// field (writeKVC leaves it zeroed), shape fields, declared data size, and two checksums, padded out to 256
// bytes.
const kvcHeaderSize = 256

const kvcMagic = "SKVC"

const (
	algoNone = iota
	algoZstd
	algoS2 // stands in for "lz4": klauspost/compress has no lz4 codec, s2 is its nearest fast byte-oriented analog
)

type kvcHeader struct {
	Magic          [4]byte
	Version        uint8
	Flags          uint8
	_              [2]byte
	OwnerID        [64]byte
	TokenCount     uint32
	Layers         uint32
	Heads          uint32
	HeadDim        uint32
	DataSize       uint64
	HeaderChecksum uint32
	DataChecksum   uint32
	_              [152]byte
}

func algoFor(compression string) uint8 {
	switch compression {
	case "zstd":
		return algoZstd
	case "lz4":
		return algoS2
	default:
		return algoNone
	}
}

// writeKVC serializes layers (already in [K0 V0 K1 V1 ... K_{L-1} V_{L-1}]
// order, one entry per layer) to path, compressed per compression.
func writeKVC(path string, layers [][]byte, layerCount, heads, headDim, tokenCount int, compression string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	var raw bytes.Buffer
	for _, l := range layers {
		raw.Write(l)
	}

	algo := algoFor(compression)
	var payload bytes.Buffer
	switch algo {
	case algoZstd:
		w, err := zstd.NewWriter(&payload)
		if err != nil {
			return err
		}
		if _, err := w.Write(raw.Bytes()); err != nil {
			w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
	case algoS2:
		w := s2.NewWriter(&payload)
		if _, err := w.Write(raw.Bytes()); err != nil {
			w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
	default:
		payload.Write(raw.Bytes())
	}

	h := kvcHeader{
		Version:    1,
		Flags:      algo,
		TokenCount: uint32(tokenCount),
		Layers:     uint32(layerCount),
		Heads:      uint32(heads),
		HeadDim:    uint32(headDim),
		DataSize:   uint64(raw.Len()),
	}
	copy(h.Magic[:], kvcMagic)
	h.DataChecksum = crc32.ChecksumIEEE(raw.Bytes())

	headerBytes, err := marshalHeader(h)
	if err != nil {
		return err
	}

	staging := path + ".tmp"
	f, err := os.Create(staging)
	if err != nil {
		return err
	}
	if _, err := f.Write(headerBytes); err != nil {
		f.Close()
		os.Remove(staging)
		return err
	}
	if _, err := f.Write(payload.Bytes()); err != nil {
		f.Close()
		os.Remove(staging)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(staging)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(staging)
		return err
	}
	return os.Rename(staging, path)
}

// readKVC validates both checksums before exposing any tensor bytes and
// splits the decompressed buffer back into per-layer slices.
func readKVC(path string) (layers [][]byte, tokenCount int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: open %s: %v", domain.ErrWorkspaceCorrupt, path, err)
	}
	defer f.Close()

	headerBytes := make([]byte, kvcHeaderSize)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, 0, fmt.Errorf("%w: short header: %v", domain.ErrWorkspaceCorrupt, err)
	}
	h, err := unmarshalHeader(headerBytes)
	if err != nil {
		quarantineKVC(path)
		return nil, 0, fmt.Errorf("%w: %v", domain.ErrWorkspaceCorrupt, err)
	}
	if string(h.Magic[:]) != kvcMagic {
		quarantineKVC(path)
		return nil, 0, fmt.Errorf("%w: bad magic in %s", domain.ErrWorkspaceCorrupt, path)
	}

	wantHeaderSum := h.HeaderChecksum
	h.HeaderChecksum = 0
	gotSum, err := computeHeaderChecksum(h)
	if err != nil || gotSum != wantHeaderSum {
		quarantineKVC(path)
		return nil, 0, fmt.Errorf("%w: header checksum mismatch in %s", domain.ErrWorkspaceCorrupt, path)
	}

	compressed, err := io.ReadAll(f)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read payload: %v", domain.ErrWorkspaceCorrupt, err)
	}

	var raw []byte
	switch h.Flags {
	case algoZstd:
		d, err := zstd.NewReader(bytes.NewReader(compressed))
		if err != nil {
			quarantineKVC(path)
			return nil, 0, fmt.Errorf("%w: zstd init: %v", domain.ErrWorkspaceCorrupt, err)
		}
		raw, err = io.ReadAll(d)
		d.Close()
		if err != nil {
			quarantineKVC(path)
			return nil, 0, fmt.Errorf("%w: zstd decode: %v", domain.ErrWorkspaceCorrupt, err)
		}
	case algoS2:
		raw, err = io.ReadAll(s2.NewReader(bytes.NewReader(compressed)))
		if err != nil {
			quarantineKVC(path)
			return nil, 0, fmt.Errorf("%w: s2 decode: %v", domain.ErrWorkspaceCorrupt, err)
		}
	default:
		raw = compressed
	}

	if uint64(len(raw)) != h.DataSize {
		quarantineKVC(path)
		return nil, 0, fmt.Errorf("%w: data-size mismatch in %s", domain.ErrWorkspaceCorrupt, path)
	}
	if crc32.ChecksumIEEE(raw) != h.DataChecksum {
		quarantineKVC(path)
		return nil, 0, fmt.Errorf("%w: data checksum mismatch in %s", domain.ErrWorkspaceCorrupt, path)
	}

	layerCount := int(h.Layers)
	if layerCount == 0 || len(raw)%layerCount != 0 {
		quarantineKVC(path)
		return nil, 0, fmt.Errorf("%w: inconsistent layer count in %s", domain.ErrWorkspaceCorrupt, path)
	}
	perLayer := len(raw) / layerCount
	layers = make([][]byte, layerCount)
	for i := 0; i < layerCount; i++ {
		layers[i] = raw[i*perLayer : (i+1)*perLayer]
	}
	return layers, int(h.TokenCount), nil
}

// quarantineKVC renames a corrupt cold-tier file aside so the next
// startup restore() no longer re-registers it.
func quarantineKVC(path string) {
	_ = os.Rename(path, path+".corrupt")
}

// computeHeaderChecksum returns the crc32 of h's wire encoding with the
// HeaderChecksum field itself treated as zero, regardless of what value
// h.HeaderChecksum currently holds.
func computeHeaderChecksum(h kvcHeader) (uint32, error) {
	h.HeaderChecksum = 0
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, h); err != nil {
		return 0, err
	}
	if buf.Len() != kvcHeaderSize {
		return 0, fmt.Errorf("contextcache: header size drift: got %d, want %d", buf.Len(), kvcHeaderSize)
	}
	return crc32.ChecksumIEEE(buf.Bytes()), nil
}

// marshalHeader encodes h to its final 256-byte wire form, stamping in
// the header checksum.
func marshalHeader(h kvcHeader) ([]byte, error) {
	sum, err := computeHeaderChecksum(h)
	if err != nil {
		return nil, err
	}
	h.HeaderChecksum = sum

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, h); err != nil {
		return nil, err
	}
	b := buf.Bytes()
	if len(b) != kvcHeaderSize {
		return nil, fmt.Errorf("contextcache: header size drift: got %d, want %d", len(b), kvcHeaderSize)
	}
	return b, nil
}

func unmarshalHeader(b []byte) (kvcHeader, error) {
	var h kvcHeader
	if err := binary.Read(bytes.NewReader(b), binary.BigEndian, &h); err != nil {
		return kvcHeader{}, err
	}
	return h, nil
}

// writeMetadata persists the sidecar registry JSON for a context so a
// restarted process can rebuild its in-memory index without re-ingesting.
func (m *Manager) writeMetadata(meta domain.CachedContext) error {
	path := m.metaPath(meta.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func dataChecksum(layers [][]byte) string {
	h := sha256.New()
	for _, l := range layers {
		h.Write(l)
	}
	return hex.EncodeToString(h.Sum(nil))
}
