// Package daemon wires the engine's components into one running
// process: configuration, the tiered memory manager, the tensor
// workspace, the model manager, the context cache, the request
// coordinator, the HTTP edge, and the health checker.
package daemon

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tensorforge/forge/internal/api"
	"github.com/tensorforge/forge/internal/app/coordinator"
	"github.com/tensorforge/forge/internal/config"
	"github.com/tensorforge/forge/internal/health"
	"github.com/tensorforge/forge/internal/infra/contextcache"
	"github.com/tensorforge/forge/internal/domain"
	"github.com/tensorforge/forge/internal/infra/engine"
	"github.com/tensorforge/forge/internal/infra/memtier"
	"github.com/tensorforge/forge/internal/infra/modelmgr"
	"github.com/tensorforge/forge/internal/infra/workspace"
)

// Daemon is the engine's runtime: every long-lived service wired
// together, the way the teacher's Daemon wired its own (much larger)
// set of Phase 1-7 components.
type Daemon struct {
	Config config.Config

	Memory      *memtier.Manager
	Workspace   *workspace.Manager
	Models      *modelmgr.Manager
	Contexts    *contextcache.Manager
	Coordinator *coordinator.Coordinator
	Health      *health.Checker
	Server      *api.Server

	cancel context.CancelFunc
}

// New loads configuration from $FORGE_HOME and constructs a Daemon.
func New() (*Daemon, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig constructs a Daemon from an explicit configuration,
// used directly by tests and by New after loading $FORGE_HOME/config.toml.
func NewWithConfig(cfg config.Config) (*Daemon, error) {
	logger := slog.Default()

	if err := os.MkdirAll(cfg.Models.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create models dir: %w", err)
	}
	if err := os.MkdirAll(cfg.Contexts.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create contexts dir: %w", err)
	}

	// Tiered memory manager. The GPU/CPU/disk byte budgets come from
	// contexts.tiers.{hot,warm,cold}.max_mb; a tier whose max_mb is not
	// positive keeps the fixed default below.
	memBudgets := memtier.Budgets{
		GPU:  8 * 1024 * 1024 * 1024,
		CPU:  32 * 1024 * 1024 * 1024,
		Disk: 256 * 1024 * 1024 * 1024,
	}
	if mb := cfg.Contexts.Tiers.Hot.MaxMB; mb > 0 {
		memBudgets.GPU = mb * 1024 * 1024
	}
	if mb := cfg.Contexts.Tiers.Warm.MaxMB; mb > 0 {
		memBudgets.CPU = mb * 1024 * 1024
	}
	if mb := cfg.Contexts.Tiers.Cold.MaxMB; mb > 0 {
		memBudgets.Disk = mb * 1024 * 1024
	}
	mem := memtier.New(memtier.DefaultOptions(memBudgets), logger)

	// Tensor workspace: per-model pre-dequantized tensor store.
	ws := workspace.New(cfg.Models.Path, engine.NewFileDequantizer())
	if cfg.Runtime.LockTimeoutMS > 0 {
		ws.SetLockTimeout(time.Duration(cfg.Runtime.LockTimeoutMS) * time.Millisecond)
	}

	// Inference backend: a real llama-server subprocess if one can be
	// located, else the deterministic mock used throughout this tree's
	// own tests.
	var backend domain.Backend
	if real, err := engine.NewSubprocessBackend(""); err == nil {
		backend = real
	} else {
		log.Printf("[daemon] llama-server not found (%v) — using mock backend", err)
		backend = engine.NewMockBackend()
	}

	// Model manager: registry, active-model selector, and switch.
	maxLoaded := cfg.Models.MaxLoaded
	if maxLoaded <= 0 {
		maxLoaded = 2
	}
	models := modelmgr.New(backend, ws, mem, cfg.Models.Path, maxLoaded)
	if err := models.Restore(context.Background()); err != nil {
		log.Printf("[daemon] model registry restore: %v", err)
	}

	// Context cache (L2): registry of pre-computed (model, prompt) KV
	// artifacts.
	ccOpts := contextcache.DefaultOptions(cfg.Contexts.Path)
	ccOpts.Compression = cfg.Contexts.Tiers.Cold.Compression
	if cfg.Contexts.Defaults.TTLSeconds > 0 {
		ccOpts.DefaultTTL = time.Duration(cfg.Contexts.Defaults.TTLSeconds) * time.Second
	}
	if cfg.Contexts.Tiering.PromoteThresholdAccesses > 0 {
		ccOpts.PromoteThresholdAccesses = int64(cfg.Contexts.Tiering.PromoteThresholdAccesses)
	}
	if cfg.Contexts.Tiering.DemoteHotToWarmSeconds > 0 {
		ccOpts.DemoteHotToWarm = time.Duration(cfg.Contexts.Tiering.DemoteHotToWarmSeconds) * time.Second
	}
	if cfg.Contexts.Tiering.DemoteWarmToColdSeconds > 0 {
		ccOpts.DemoteWarmToCold = time.Duration(cfg.Contexts.Tiering.DemoteWarmToColdSeconds) * time.Second
	}
	if cfg.Contexts.Tiering.EvictColdAfterSeconds > 0 {
		ccOpts.EvictColdAfter = time.Duration(cfg.Contexts.Tiering.EvictColdAfterSeconds) * time.Second
	}
	contexts := contextcache.New(ccOpts, mem, models, logger)

	// Request coordinator: pins a model, optionally composes a cached
	// context, and streams generation.
	coord := coordinator.New(models, contexts, logger)

	// Health checker (SUPPLEMENTED FEATURES).
	healthChecker := health.NewChecker(mem, models, cfg.Models.Path)

	// HTTP edge: protocol-compatibility chat endpoints plus the native
	// control surface.
	srv := api.NewServer(coord, models, contexts, mem)
	if cfg.API.EnableMetrics {
		srv.EnableMetrics()
	}

	return &Daemon{
		Config:      cfg,
		Memory:      mem,
		Workspace:   ws,
		Models:      models,
		Contexts:    contexts,
		Coordinator: coord,
		Health:      healthChecker,
		Server:      srv,
	}, nil
}

// Serve starts the background tiering/health loops and the HTTP server,
// blocking until the context is cancelled or a termination signal
// arrives.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	go d.Memory.Run(ctx)
	go d.Contexts.Run(ctx)
	go d.Health.Run(ctx)

	host := d.Config.API.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := d.Config.API.Port
	if port == 0 {
		port = 8844
	}
	addr := fmt.Sprintf("%s:%d", host, port)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // long for streaming generation
		IdleTimeout:  2 * time.Minute,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	fmt.Printf("forge serving on http://%s\n", addr)
	if cfg := d.Config; cfg.API.EnableMetrics {
		fmt.Printf("  metrics: http://%s/metrics\n", addr)
	}

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts down all daemon resources, persisting the model registry's
// runtime state so the next New() can restore it.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if err := d.Models.SaveSnapshot(); err != nil {
		log.Printf("[daemon] save runtime-state: %v", err)
	}
}
