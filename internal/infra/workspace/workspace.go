// Package workspace implements the tensor workspace (L1): amortizing the
// cost of dequantizing a packed weight file into a native-float layout
// that can be memory-mapped and used directly, so a second open of the
// same (model, quant) pair is nearly free.
//
// The build-once/reuse-forever shape and the advisory-lock-guarded
// directory layout follow the teacher's content-addressed blob store
// (internal/infra/registry/manager.go: BlobPath/ManifestPath, atomic
// rename into place, fsync before rename) generalized from "one blob per
// model file" to "one mmap'd tensor arena per (model, quant) pair". The
// exclusive filesystem lock guarding a build is new relative to the
// teacher (its single-process blob store never needed one); it's a plain
// flock(2) via golang.org/x/sys/unix, the same primitive the ecosystem
// reaches for elsewhere in this pack for this exact purpose.
package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blevesearch/mmap-go"
	"golang.org/x/sys/unix"

	"github.com/tensorforge/forge/internal/domain"
)

// DefaultLockTimeout bounds how long OpenOrBuild waits for another
// process's build lock before giving up, absent an explicit
// SetLockTimeout call.
const DefaultLockTimeout = 5 * time.Second

const indexFileName = "index.json"
const binFileName = "workspace.bin"

// TensorIndex is the on-disk workspace-index JSON: tensor name -> location.
type TensorIndex struct {
	Arch     domain.Architecture        `json:"arch"`
	Checksum string                     `json:"checksum"`
	Tensors  map[string]domain.TensorView `json:"tensors"`
}

// Dequantizer produces the native-float workspace.bin content for a
// quant-source file. Implemented by the engine backend in production;
// tests substitute a deterministic stub.
type Dequantizer interface {
	// Dequantize reads quantSourcePath and writes the dequantized tensor
	// arena to w, returning the index describing where each tensor landed
	// and the resulting architecture.
	Dequantize(quantSourcePath string, w *os.File, progress func(status string, pct float64)) (TensorIndex, error)
}

// Manager implements domain.Workspace: open-or-build plus refcounted
// close over a directory of mmap'd workspaces keyed by (model, quant).
type Manager struct {
	root string
	dq   Dequantizer

	lockTimeout time.Duration

	mu   sync.Mutex
	open map[string]*openWorkspace
}

type openWorkspace struct {
	dir     string
	arch    domain.Architecture
	index   TensorIndex
	mapped  mmap.MMap
	file    *os.File
	refs    int
}

// New constructs a workspace manager rooted at root (config's models.path),
// using dq to dequantize on first build. The build lock timeout defaults
// to DefaultLockTimeout; override with SetLockTimeout.
func New(root string, dq Dequantizer) *Manager {
	return &Manager{root: root, dq: dq, lockTimeout: DefaultLockTimeout, open: make(map[string]*openWorkspace)}
}

// SetLockTimeout overrides how long a build waits to acquire the
// per-(model,quant) exclusive build lock before failing, e.g. from
// config.RuntimeConfig.LockTimeoutMS.
func (m *Manager) SetLockTimeout(d time.Duration) {
	if d > 0 {
		m.lockTimeout = d
	}
}

func key(modelID, quantLabel string) string {
	return modelID + "@" + quantLabel
}

func (m *Manager) dirFor(modelID, quantLabel string) string {
	return filepath.Join(m.root, modelID, quantLabel)
}

// OpenOrBuild opens an existing workspace or builds one from
// quantSourcePath if absent. Idempotent and refcounted: concurrent opens
// of the same (model, quant) observe the same mapped view.
func (m *Manager) OpenOrBuild(ctx context.Context, modelID, quantLabel, quantSourcePath string, progress func(status string, pct float64)) (domain.WorkspaceHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k := key(modelID, quantLabel)

	m.mu.Lock()
	if ow, ok := m.open[k]; ok {
		ow.refs++
		m.mu.Unlock()
		return &handle{ws: ow}, nil
	}
	m.mu.Unlock()

	dir := m.dirFor(modelID, quantLabel)
	if !indexExists(dir) {
		if err := m.build(dir, quantSourcePath, progress); err != nil {
			return nil, err
		}
	}

	ow, err := m.openExisting(dir)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.open[k]; ok {
		// Lost the race with another builder/opener; drop ours, reuse theirs.
		existing.refs++
		_ = ow.mapped.Unmap()
		_ = ow.file.Close()
		m.mu.Unlock()
		return &handle{ws: existing}, nil
	}
	ow.refs = 1
	m.open[k] = ow
	m.mu.Unlock()

	return &handle{ws: ow}, nil
}

func indexExists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, indexFileName))
	return err == nil
}

// build takes the (model, quant) pair's exclusive build lock, then parses
// the quant source, allocates workspace.bin, dequantizes into it, writes
// the index, fsyncs, and atomically renames into place. A partial build
// is detectable by the absence of index.json and is restarted from
// scratch — the staging dir is never the final dir.
//
// The lock is held for the whole build so two concurrent OpenOrBuild
// calls for the same pair never race the staging-dir-then-rename
// sequence: the loser blocks on the flock, then finds index.json already
// present and returns without dequantizing a second time.
func (m *Manager) build(finalDir, quantSourcePath string, progress func(status string, pct float64)) error {
	unlock, err := m.acquireBuildLock(finalDir)
	if err != nil {
		return err
	}
	defer unlock()

	if indexExists(finalDir) {
		// Another builder finished while we waited on the lock.
		return nil
	}

	staging := finalDir + ".building"
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("clear stale staging dir: %w", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	binPath := filepath.Join(staging, binFileName)
	f, err := os.Create(binPath)
	if err != nil {
		return fmt.Errorf("create workspace.bin: %w", err)
	}

	idx, err := m.dq.Dequantize(quantSourcePath, f, progress)
	if err != nil {
		f.Close()
		os.RemoveAll(staging)
		return fmt.Errorf("%w: dequantize: %v", domain.ErrWorkspaceCorrupt, err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.RemoveAll(staging)
		return fmt.Errorf("fsync workspace.bin: %w", err)
	}
	f.Close()

	idx.Checksum = checksumFile(binPath)
	idxBytes, err := json.Marshal(idx)
	if err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("marshal index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, indexFileName), idxBytes, 0o644); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("write index: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(finalDir), 0o755); err != nil {
		os.RemoveAll(staging)
		return err
	}
	if err := os.Rename(staging, finalDir); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("finalize workspace dir: %w", err)
	}
	return nil
}

// acquireBuildLock takes an exclusive flock(2) on finalDir+".lock",
// polling with LOCK_NB since flock has no bounded-wait mode, up to
// m.lockTimeout. The returned func releases it; callers must defer it.
func (m *Manager) acquireBuildLock(finalDir string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(finalDir), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	lockPath := finalDir + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(m.lockTimeout)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if err != unix.EWOULDBLOCK || time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("%w: acquire build lock for %s: %v", domain.ErrTransient, finalDir, err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

func checksumFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	h := sha256.New()
	buf := make([]byte, 1<<20)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (m *Manager) openExisting(dir string) (*openWorkspace, error) {
	idxBytes, err := os.ReadFile(filepath.Join(dir, indexFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: read index: %v", domain.ErrWorkspaceCorrupt, err)
	}
	var idx TensorIndex
	if err := json.Unmarshal(idxBytes, &idx); err != nil {
		return nil, fmt.Errorf("%w: parse index: %v", domain.ErrWorkspaceCorrupt, err)
	}

	binPath := filepath.Join(dir, binFileName)
	if checksumFile(binPath) != idx.Checksum {
		quarantine(dir)
		return nil, fmt.Errorf("%w: checksum mismatch for %s", domain.ErrWorkspaceCorrupt, dir)
	}

	f, err := os.Open(binPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open workspace.bin: %v", domain.ErrWorkspaceCorrupt, err)
	}
	mapped, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap workspace.bin: %v", domain.ErrWorkspaceCorrupt, err)
	}

	return &openWorkspace{dir: dir, arch: idx.Arch, index: idx, mapped: mapped, file: f}, nil
}

// quarantine renames a corrupt workspace dir aside so the next
// OpenOrBuild rebuilds cleanly instead of repeatedly failing against it.
func quarantine(dir string) {
	_ = os.Rename(dir, dir+".corrupt")
}

// Close releases a handle obtained from OpenOrBuild, unmapping and
// closing the file once the last reference drops.
func (m *Manager) Close(h domain.WorkspaceHandle) error {
	hd, ok := h.(*handle)
	if !ok {
		return fmt.Errorf("workspace: not a handle from this manager")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	hd.ws.refs--
	if hd.ws.refs > 0 {
		return nil
	}
	k := key(filepath.Base(filepath.Dir(hd.ws.dir)), filepath.Base(hd.ws.dir))
	delete(m.open, k)
	if err := hd.ws.mapped.Unmap(); err != nil {
		return err
	}
	return hd.ws.file.Close()
}

// handle is a non-owning view over an openWorkspace.
type handle struct {
	ws *openWorkspace
}

func (h *handle) Dir() string              { return h.ws.dir }
func (h *handle) Arch() domain.Architecture { return h.ws.arch }

func (h *handle) Tensor(name string) (domain.TensorView, error) {
	tv, ok := h.ws.index.Tensors[name]
	if !ok {
		return domain.TensorView{}, fmt.Errorf("%w: tensor %q", domain.ErrNotFound, name)
	}
	return tv, nil
}

// Bytes returns the raw mapped slice backing tv — callers must not retain
// it past Close.
func (h *handle) Bytes(tv domain.TensorView) []byte {
	return h.ws.mapped[tv.Offset : tv.Offset+tv.Length]
}
