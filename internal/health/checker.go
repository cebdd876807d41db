// Package health provides periodic liveness checks: tier budgets,
// workspace disk space, and active-handle consistency. Results are read
// through Statuses/IsHealthy and the health metrics; GET /health itself
// is a plain liveness answer that does not consult them. Adapted from the teacher's auto-recovering checker —
// same Check/Status/Checker shape and ticker loop — retargeted from
// sqlite/P2P checks to this engine's own invariants.
package health

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tensorforge/forge/internal/domain"
	"github.com/tensorforge/forge/internal/infra/metrics"
)

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
}

// NewChecker builds the standard health checker: tier-budget
// over-commitment, workspace root disk availability, and (if a model is
// loaded) active-handle non-nil consistency.
func NewChecker(memory domain.MemoryManager, models domain.ModelManager, workspaceRoot string) *Checker {
	return &Checker{
		interval: 60 * time.Second,
		checks: []Check{
			{
				Name: "tier_budgets",
				CheckFn: func(ctx context.Context) error {
					return checkTierBudgets(memory)
				},
			},
			{
				Name: "workspace_disk",
				CheckFn: func(ctx context.Context) error {
					return checkDiskSpace(workspaceRoot)
				},
			},
			{
				Name: "active_handle",
				CheckFn: func(ctx context.Context) error {
					return checkActiveHandle(models)
				},
			},
		},
	}
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	c.runAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runAll(ctx)
		}
	}
}

func (c *Checker) runAll(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{Name: check.Name, CheckedAt: time.Now()}
		if err := check.CheckFn(ctx); err != nil {
			s.Healthy = false
			s.Error = err.Error()
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(0)
			if check.RecoverFn != nil {
				metrics.HealthRecoveries.WithLabelValues(check.Name).Inc()
				_ = check.RecoverFn(ctx)
			}
		} else {
			s.Healthy = true
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(1)
		}
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass (vacuously true before the
// first run).
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check implementations ──────────────────────────────────────────────────

// checkTierBudgets fails if any tier's recorded usage has run over its
// own budget — a bookkeeping bug, since allocate() is supposed to reject
// anything that would push used() past capacity().
func checkTierBudgets(memory domain.MemoryManager) error {
	if memory == nil {
		return nil
	}
	for tier, s := range memory.Stats() {
		if s.Capacity > 0 && s.Used > s.Capacity {
			return fmt.Errorf("tier %s over budget: used=%d capacity=%d", tier, s.Used, s.Capacity)
		}
	}
	return nil
}

// checkDiskSpace confirms the workspace root is reachable. A missing
// directory is not itself unhealthy — it's created lazily on first
// build — but an existing non-directory path is a misconfiguration.
func checkDiskSpace(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("check workspace root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

// checkActiveHandle fails only when models are loaded but none is
// published as active — every loaded model should be reachable as the
// active handle for at least one of load-then-implicit-switch or an
// explicit switch.
func checkActiveHandle(models domain.ModelManager) error {
	if models == nil {
		return nil
	}
	if len(models.List()) == 0 {
		return nil
	}
	if _, ok := models.Active(); !ok {
		return fmt.Errorf("models loaded but no active handle published")
	}
	return nil
}
