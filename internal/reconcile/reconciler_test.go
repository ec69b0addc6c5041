package reconcile

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/truongan5/botmaker/internal/docker"
	"github.com/truongan5/botmaker/internal/secrets"
	"github.com/truongan5/botmaker/internal/store"
	"github.com/truongan5/botmaker/internal/workspace"
)

type mockDriver struct {
	managed  []docker.ManagedContainer
	statuses map[string]*docker.ContainerState
	removed  []string
}

func (d *mockDriver) ListManaged(_ context.Context) ([]docker.ManagedContainer, error) {
	return d.managed, nil
}

func (d *mockDriver) Status(_ context.Context, hostname string) (*docker.ContainerState, error) {
	return d.statuses[hostname], nil
}

func (d *mockDriver) RemoveByID(_ context.Context, id string) error {
	d.removed = append(d.removed, id)
	for i, mc := range d.managed {
		if mc.ID == id {
			d.managed = append(d.managed[:i], d.managed[i+1:]...)
			break
		}
	}
	return nil
}

type fixture struct {
	rec    *Reconciler
	store  *store.Store
	vault  *secrets.Vault
	tmpl   *workspace.Templater
	driver *mockDriver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "botmaker.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	vault, err := secrets.New(filepath.Join(dir, "secrets"))
	if err != nil {
		t.Fatal(err)
	}
	tmpl, err := workspace.New(filepath.Join(dir, "data"))
	if err != nil {
		t.Fatal(err)
	}
	drv := &mockDriver{statuses: make(map[string]*docker.ContainerState)}
	rec := New(st, drv, tmpl, vault, slog.New(slog.DiscardHandler))
	return &fixture{rec: rec, store: st, vault: vault, tmpl: tmpl, driver: drv}
}

func (f *fixture) addBot(t *testing.T, hostname string, status store.Status) *store.Bot {
	t.Helper()
	b := &store.Bot{
		ID:       uuid.NewString(),
		Hostname: hostname,
		Name:     hostname,
		Status:   status,
	}
	if err := f.store.CreateBot(b); err != nil {
		t.Fatal(err)
	}
	return b
}

func TestReportSyncsLostContainer(t *testing.T) {
	f := newFixture(t)
	b := f.addBot(t, "lost", store.StatusRunning)
	// No container observed for "lost".

	rep, err := f.rec.Report(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.StatusAdjustments != 1 {
		t.Errorf("adjustments = %d, want 1", rep.StatusAdjustments)
	}
	got, _ := f.store.GetBot(b.ID)
	if got.Status != store.StatusStopped {
		t.Errorf("status = %s, want stopped", got.Status)
	}
	if got.ContainerID != "" {
		t.Errorf("container id not cleared: %q", got.ContainerID)
	}
}

func TestReportSyncsRunningContainer(t *testing.T) {
	f := newFixture(t)
	b := f.addBot(t, "revived", store.StatusStopped)
	f.driver.statuses["revived"] = &docker.ContainerState{State: "running", Running: true}

	rep, err := f.rec.Report(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.StatusAdjustments != 1 {
		t.Errorf("adjustments = %d, want 1", rep.StatusAdjustments)
	}
	got, _ := f.store.GetBot(b.ID)
	if got.Status != store.StatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
}

func TestReportExitCodeDecidesErrorVsStopped(t *testing.T) {
	f := newFixture(t)
	crashed := f.addBot(t, "crashed", store.StatusRunning)
	clean := f.addBot(t, "clean", store.StatusRunning)
	f.driver.statuses["crashed"] = &docker.ContainerState{State: "exited", ExitCode: 137}
	f.driver.statuses["clean"] = &docker.ContainerState{State: "exited", ExitCode: 0}

	if _, err := f.rec.Report(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.GetBot(crashed.ID)
	if got.Status != store.StatusError {
		t.Errorf("crashed: status = %s, want error", got.Status)
	}
	got, _ = f.store.GetBot(clean.ID)
	if got.Status != store.StatusStopped {
		t.Errorf("clean: status = %s, want stopped", got.Status)
	}
}

func TestReportConverges(t *testing.T) {
	f := newFixture(t)
	f.addBot(t, "drift", store.StatusRunning)

	rep1, err := f.rec.Report(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep1.StatusAdjustments != 1 {
		t.Fatalf("first pass adjustments = %d", rep1.StatusAdjustments)
	}
	// Second pass with no mutation in between: nothing left to adjust.
	rep2, err := f.rec.Report(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep2.StatusAdjustments != 0 {
		t.Errorf("second pass adjustments = %d, want 0", rep2.StatusAdjustments)
	}
}

func TestOrphanDetection(t *testing.T) {
	f := newFixture(t)
	b := f.addBot(t, "legit", store.StatusStopped)

	// A managed container whose bot id matches nothing.
	f.driver.managed = []docker.ManagedContainer{
		{ID: "c-legit", Name: "botmaker-legit", BotID: b.ID, State: "exited"},
		{ID: "c-orphan", Name: "botmaker-ghost", BotID: "00000000-0000-0000-0000-000000000000", State: "exited"},
	}
	// Orphaned workspace and secrets dirs.
	if err := f.tmpl.Render(wsSpec("stray")); err != nil {
		t.Fatal(err)
	}
	if err := f.vault.CreateDir("stray-secrets"); err != nil {
		t.Fatal(err)
	}

	rep, err := f.rec.Report(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.OrphanedContainers) != 1 || rep.OrphanedContainers[0].ID != "c-orphan" {
		t.Errorf("orphaned containers = %+v", rep.OrphanedContainers)
	}
	if len(rep.OrphanedWorkspaces) != 1 || rep.OrphanedWorkspaces[0] != "stray" {
		t.Errorf("orphaned workspaces = %v", rep.OrphanedWorkspaces)
	}
	if len(rep.OrphanedSecrets) != 1 || rep.OrphanedSecrets[0] != "stray-secrets" {
		t.Errorf("orphaned secrets = %v", rep.OrphanedSecrets)
	}
	if rep.Total() != 3 {
		t.Errorf("total = %d, want 3", rep.Total())
	}
}

func TestCleanupCompleteness(t *testing.T) {
	f := newFixture(t)
	f.addBot(t, "legit", store.StatusStopped)

	f.driver.managed = []docker.ManagedContainer{
		{ID: "c-orphan", Name: "botmaker-ghost", BotID: "no-such-bot", State: "exited"},
	}
	if err := f.tmpl.Render(wsSpec("stray")); err != nil {
		t.Fatal(err)
	}
	if err := f.vault.CreateDir("stray-secrets"); err != nil {
		t.Fatal(err)
	}

	res, err := f.rec.Cleanup(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.ContainersRemoved != 1 || res.WorkspacesRemoved != 1 || res.SecretsRemoved != 1 {
		t.Errorf("cleanup = %+v", res)
	}

	// After cleanup, a fresh report finds nothing.
	rep, err := f.rec.Report(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Total() != 0 {
		t.Errorf("post-cleanup total = %d, want 0", rep.Total())
	}
}

func wsSpec(hostname string) workspace.Spec {
	return workspace.Spec{
		Hostname:     hostname,
		Name:         hostname,
		Provider:     "openai",
		Model:        "gpt-4.1",
		Port:         19000,
		PersonaName:  hostname,
		SessionScope: "user",
	}
}
