package health

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tensorforge/forge/internal/domain"
)

type fakeMemory struct {
	stats map[domain.Tier]domain.TierStats
}

func (f *fakeMemory) Allocate(ctx context.Context, size int64, preferred domain.Tier, ownerID string) (*domain.MemoryBlock, error) {
	return nil, nil
}
func (f *fakeMemory) Deallocate(ownerID string) error            { return nil }
func (f *fakeMemory) Promote(ownerID string, target domain.Tier) error { return nil }
func (f *fakeMemory) Demote(ownerID string, target domain.Tier) error  { return nil }
func (f *fakeMemory) Touch(ownerID string)                       {}
func (f *fakeMemory) Stats() map[domain.Tier]domain.TierStats     { return f.stats }

type fakeModels struct {
	handles []domain.ModelHandle
	active  *domain.ModelHandle
}

func (f *fakeModels) Load(ctx context.Context, id, sourcePath string, opts domain.LoadOptions) (*domain.ModelHandle, error) {
	return nil, nil
}
func (f *fakeModels) Unload(id string) error                       { return nil }
func (f *fakeModels) Switch(id string) (domain.SwitchResult, error) { return domain.SwitchResult{}, nil }
func (f *fakeModels) Get(id string) (*domain.ModelHandle, bool)     { return nil, false }
func (f *fakeModels) List() []domain.ModelHandle                   { return f.handles }
func (f *fakeModels) IsLoaded(id string) bool                      { return false }
func (f *fakeModels) Active() (*domain.ModelHandle, bool) {
	if f.active == nil {
		return nil, false
	}
	return f.active, true
}

func TestNewCheckerHasThreeChecks(t *testing.T) {
	c := NewChecker(&fakeMemory{}, &fakeModels{}, t.TempDir())
	if len(c.checks) != 3 {
		t.Errorf("checks = %d, want 3", len(c.checks))
	}
}

func TestRunAllHealthyWhenNothingLoaded(t *testing.T) {
	c := NewChecker(&fakeMemory{}, &fakeModels{}, t.TempDir())
	c.runAll(context.Background())

	statuses := c.Statuses()
	if len(statuses) != 3 {
		t.Fatalf("Statuses() = %d, want 3", len(statuses))
	}
	for _, s := range statuses {
		if !s.Healthy {
			t.Errorf("check %q should be healthy, got error: %s", s.Name, s.Error)
		}
	}
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true")
	}
}

func TestIsHealthyBeforeFirstRun(t *testing.T) {
	c := NewChecker(&fakeMemory{}, &fakeModels{}, t.TempDir())
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true before first run (no statuses)")
	}
}

func TestTierBudgetsOverCommittedFailsCheck(t *testing.T) {
	mem := &fakeMemory{stats: map[domain.Tier]domain.TierStats{
		domain.TierGPU: {Capacity: 100, Used: 200},
	}}
	c := NewChecker(mem, &fakeModels{}, t.TempDir())
	c.runAll(context.Background())

	for _, s := range c.Statuses() {
		if s.Name == "tier_budgets" && s.Healthy {
			t.Error("tier_budgets should fail when used exceeds capacity")
		}
	}
}

func TestWorkspaceDiskMissingDirIsHealthy(t *testing.T) {
	c := NewChecker(&fakeMemory{}, &fakeModels{}, filepath.Join(t.TempDir(), "nonexistent"))
	c.runAll(context.Background())
	for _, s := range c.Statuses() {
		if s.Name == "workspace_disk" && !s.Healthy {
			t.Errorf("workspace_disk should be healthy when root doesn't exist yet: %s", s.Error)
		}
	}
}

func TestWorkspaceDiskFileNotDirFailsCheck(t *testing.T) {
	root := filepath.Join(t.TempDir(), "root")
	os.WriteFile(root, []byte("not a dir"), 0644)

	c := NewChecker(&fakeMemory{}, &fakeModels{}, root)
	c.runAll(context.Background())
	for _, s := range c.Statuses() {
		if s.Name == "workspace_disk" && s.Healthy {
			t.Error("workspace_disk should fail when root is a file")
		}
	}
}

func TestActiveHandleMissingFailsWhenModelsLoaded(t *testing.T) {
	models := &fakeModels{handles: []domain.ModelHandle{{ID: "model-a"}}}
	c := NewChecker(&fakeMemory{}, models, t.TempDir())
	c.runAll(context.Background())

	for _, s := range c.Statuses() {
		if s.Name == "active_handle" && s.Healthy {
			t.Error("active_handle should fail when models are loaded but none is active")
		}
	}
}

func TestActiveHandlePresentPasses(t *testing.T) {
	handle := domain.ModelHandle{ID: "model-a"}
	models := &fakeModels{handles: []domain.ModelHandle{handle}, active: &handle}
	c := NewChecker(&fakeMemory{}, models, t.TempDir())
	c.runAll(context.Background())

	for _, s := range c.Statuses() {
		if s.Name == "active_handle" && !s.Healthy {
			t.Errorf("active_handle should pass when the loaded model is active: %s", s.Error)
		}
	}
}

func TestCustomCheck(t *testing.T) {
	c := &Checker{
		checks: []Check{
			{Name: "always_pass", CheckFn: func(ctx context.Context) error { return nil }},
		},
	}
	c.runAll(context.Background())

	statuses := c.Statuses()
	if len(statuses) != 1 || !statuses[0].Healthy {
		t.Errorf("statuses = %+v, want one healthy check", statuses)
	}
}

func TestFailingCheck(t *testing.T) {
	c := &Checker{
		checks: []Check{
			{Name: "always_fail", CheckFn: func(ctx context.Context) error { return os.ErrPermission }},
		},
	}
	c.runAll(context.Background())

	statuses := c.Statuses()
	if statuses[0].Healthy {
		t.Error("always_fail check should not be healthy")
	}
	if statuses[0].Error == "" {
		t.Error("error message should be populated")
	}
}

func TestStatusesReturnsCopy(t *testing.T) {
	c := NewChecker(&fakeMemory{}, &fakeModels{}, t.TempDir())
	c.runAll(context.Background())

	s1 := c.Statuses()
	s2 := c.Statuses()
	if len(s1) > 0 {
		s1[0].Healthy = false
		if !s2[0].Healthy {
			t.Error("Statuses() should return a copy, not a reference")
		}
	}
}
