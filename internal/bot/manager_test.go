package bot

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/truongan5/botmaker/internal/docker"
	"github.com/truongan5/botmaker/internal/secrets"
	"github.com/truongan5/botmaker/internal/store"
	"github.com/truongan5/botmaker/internal/workspace"
)

// mockDriver implements Driver with programmable failures.
type mockDriver struct {
	createErr error
	startErr  error
	stopErr   error

	created  map[string]docker.CreateSpec
	removed  []string
	started  []string
	stopped  []string
	statuses map[string]*docker.ContainerState
}

func newMockDriver() *mockDriver {
	return &mockDriver{
		created:  make(map[string]docker.CreateSpec),
		statuses: make(map[string]*docker.ContainerState),
	}
}

func (d *mockDriver) Create(_ context.Context, hostname, _ string, spec docker.CreateSpec) (string, error) {
	if d.createErr != nil {
		return "", d.createErr
	}
	d.created[hostname] = spec
	return "cid-" + hostname, nil
}

func (d *mockDriver) Start(_ context.Context, hostname string) error {
	if d.startErr != nil {
		return d.startErr
	}
	d.started = append(d.started, hostname)
	return nil
}

func (d *mockDriver) Stop(_ context.Context, hostname string, _ int) error {
	if d.stopErr != nil {
		return d.stopErr
	}
	d.stopped = append(d.stopped, hostname)
	return nil
}

func (d *mockDriver) Remove(_ context.Context, hostname string) error {
	d.removed = append(d.removed, hostname)
	delete(d.created, hostname)
	return nil
}

func (d *mockDriver) Status(_ context.Context, hostname string) (*docker.ContainerState, error) {
	return d.statuses[hostname], nil
}

func (d *mockDriver) VolumeHostPath(_ context.Context, name string) (string, error) {
	return "/var/lib/docker/volumes/" + name + "/_data", nil
}

// mockKeyring records registrations.
type mockKeyring struct {
	registerErr error
	registered  map[string]string // botID → hostname
	revoked     []string
}

func newMockKeyring() *mockKeyring {
	return &mockKeyring{registered: make(map[string]string)}
}

func (k *mockKeyring) RegisterBot(_ context.Context, botID, hostname string, _ []string) (string, error) {
	if k.registerErr != nil {
		return "", k.registerErr
	}
	k.registered[botID] = hostname
	return "proxy-bearer-" + hostname, nil
}

func (k *mockKeyring) RevokeBot(_ context.Context, botID string) error {
	delete(k.registered, botID)
	k.revoked = append(k.revoked, botID)
	return nil
}

type fixture struct {
	mgr     *Manager
	store   *store.Store
	vault   *secrets.Vault
	tmpl    *workspace.Templater
	driver  *mockDriver
	keyring *mockKeyring
}

func newFixture(t *testing.T, keyring *mockKeyring) *fixture {
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

	drv := newMockDriver()
	opts := Options{
		Image:     "openclaw:test",
		PortStart: 19000,
		ProxyURL:  "http://keyring:9101",
	}
	var k Keyring
	if keyring != nil {
		k = keyring
	}
	mgr := New(st, vault, tmpl, drv, k, opts, slog.New(slog.DiscardHandler))
	return &fixture{mgr: mgr, store: st, vault: vault, tmpl: tmpl, driver: drv, keyring: keyring}
}

func createReq(hostname string) CreateRequest {
	return CreateRequest{
		Name:     "My Bot",
		Hostname: hostname,
		Providers: []ProviderRef{
			{ProviderID: "openai", Model: "gpt-4.1"},
		},
		PrimaryProvider: "openai",
		Channels: []ChannelRef{
			{ChannelType: "telegram", Token: "123:abc"},
		},
		Persona:  Persona{Name: "My Bot", SoulMarkdown: "hello"},
		Features: Features{Commands: true, SessionScope: "user"},
	}
}

func TestCreateHappyPath(t *testing.T) {
	f := newFixture(t, newMockKeyring())

	b, err := f.mgr.Create(context.Background(), createReq("my-bot"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if b.Status != store.StatusRunning {
		t.Errorf("status = %s, want running", b.Status)
	}
	if b.Port != 19000 {
		t.Errorf("port = %d, want 19000", b.Port)
	}
	if b.ContainerID == "" || b.GatewayToken == "" {
		t.Error("container id and gateway token must be set")
	}
	if b.ImageVersion != "openclaw:test" {
		t.Errorf("image version = %q", b.ImageVersion)
	}

	// Secret written with the derived name.
	val, err := f.vault.Read("my-bot", "TELEGRAM_TOKEN")
	if err != nil || val != "123:abc" {
		t.Errorf("TELEGRAM_TOKEN = %q, %v", val, err)
	}
	// Keyring registration happened.
	if f.keyring.registered[b.ID] != "my-bot" {
		t.Error("bot not registered with keyring")
	}
	// Container got the env contract.
	spec := f.driver.created["my-bot"]
	if spec.Env["BOT_ID"] != b.ID || spec.Env["AI_PROVIDER"] != "openai" || spec.Env["PORT"] != "19000" {
		t.Errorf("env = %v", spec.Env)
	}
}

func TestCreateDuplicateHostname(t *testing.T) {
	f := newFixture(t, nil)

	if _, err := f.mgr.Create(context.Background(), createReq("dup")); err != nil {
		t.Fatal(err)
	}
	_, err := f.mgr.Create(context.Background(), createReq("dup"))
	if !errors.Is(err, store.ErrDuplicateHostname) {
		t.Errorf("got %v, want ErrDuplicateHostname", err)
	}
	// No second container, no leaked resources.
	if len(f.driver.removed) != 0 {
		t.Errorf("unexpected removals: %v", f.driver.removed)
	}
}

func TestCreateCompensatesOnContainerFailure(t *testing.T) {
	f := newFixture(t, newMockKeyring())
	f.driver.createErr = docker.ErrCreateFailed

	_, err := f.mgr.Create(context.Background(), createReq("doomed"))
	if !errors.Is(err, docker.ErrCreateFailed) {
		t.Fatalf("got %v, want the original driver error", err)
	}

	// Row gone, port released.
	if _, err := f.store.GetBotByHostname("doomed"); !errors.Is(err, store.ErrNotFound) {
		t.Error("bot row survived failed create")
	}
	port, _ := f.store.NextPort(19000)
	if port != 19000 {
		t.Errorf("port not released: next = %d", port)
	}
	// Secrets and workspace gone.
	if _, err := f.vault.Read("doomed", "TELEGRAM_TOKEN"); !errors.Is(err, secrets.ErrNotFound) {
		t.Error("secrets survived failed create")
	}
	ws, _ := f.tmpl.List()
	if len(ws) != 0 {
		t.Errorf("workspace survived failed create: %v", ws)
	}
	// Keyring registration revoked.
	if len(f.keyring.registered) != 0 {
		t.Error("keyring registration survived failed create")
	}
}

func TestCreateCompensatesOnStartFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.driver.startErr = docker.ErrStartFailed

	_, err := f.mgr.Create(context.Background(), createReq("wontstart"))
	if !errors.Is(err, docker.ErrStartFailed) {
		t.Fatalf("got %v, want the original driver error", err)
	}
	if _, err := f.store.GetBotByHostname("wontstart"); !errors.Is(err, store.ErrNotFound) {
		t.Error("bot row survived failed start")
	}
	// The created container was rolled back.
	if len(f.driver.removed) != 1 {
		t.Errorf("container not removed on rollback: %v", f.driver.removed)
	}
}

func TestCreateFailsOnKeyringError(t *testing.T) {
	k := newMockKeyring()
	k.registerErr = errors.New("keyring down")
	f := newFixture(t, k)

	_, err := f.mgr.Create(context.Background(), createReq("no-keyring"))
	if err == nil {
		t.Fatal("want error")
	}
	if _, err := f.store.GetBotByHostname("no-keyring"); !errors.Is(err, store.ErrNotFound) {
		t.Error("bot row survived keyring failure")
	}
}

func TestCreateWithoutKeyringSkipsRegistration(t *testing.T) {
	f := newFixture(t, nil)

	b, err := f.mgr.Create(context.Background(), createReq("standalone"))
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != store.StatusRunning {
		t.Errorf("status = %s", b.Status)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	f := newFixture(t, newMockKeyring())

	if _, err := f.mgr.Create(context.Background(), createReq("bye")); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.Delete(context.Background(), "bye"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := f.mgr.Delete(context.Background(), "bye"); err != nil {
		t.Fatalf("Delete (again): %v", err)
	}
	if _, err := f.store.GetBotByHostname("bye"); !errors.Is(err, store.ErrNotFound) {
		t.Error("row survived delete")
	}
	if len(f.keyring.registered) != 0 {
		t.Error("keyring registration survived delete")
	}
}

func TestStopIdempotent(t *testing.T) {
	f := newFixture(t, nil)

	if _, err := f.mgr.Create(context.Background(), createReq("stopper")); err != nil {
		t.Fatal(err)
	}
	b, err := f.mgr.Stop(context.Background(), "stopper")
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != store.StatusStopped {
		t.Errorf("status = %s", b.Status)
	}
	b, err = f.mgr.Stop(context.Background(), "stopper")
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != store.StatusStopped {
		t.Errorf("second stop: status = %s", b.Status)
	}
}

func TestStartStopTransitions(t *testing.T) {
	f := newFixture(t, nil)

	if _, err := f.mgr.Create(context.Background(), createReq("cycle")); err != nil {
		t.Fatal(err)
	}
	if b, _ := f.mgr.Stop(context.Background(), "cycle"); b.Status != store.StatusStopped {
		t.Errorf("after stop: %s", b.Status)
	}
	if b, _ := f.mgr.Start(context.Background(), "cycle"); b.Status != store.StatusRunning {
		t.Errorf("after start: %s", b.Status)
	}
}

func TestStartMissingBot(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.mgr.Start(context.Background(), "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestStartingOverlayNotPersisted(t *testing.T) {
	f := newFixture(t, nil)

	if _, err := f.mgr.Create(context.Background(), createReq("booting")); err != nil {
		t.Fatal(err)
	}
	f.driver.statuses["booting"] = &docker.ContainerState{
		State: "running", Running: true, HealthStatus: "starting",
	}

	v, err := f.mgr.Get(context.Background(), "booting")
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != store.StatusStarting {
		t.Errorf("view status = %s, want starting overlay", v.Status)
	}
	// The persisted row still says running.
	row, _ := f.store.GetBotByHostname("booting")
	if row.Status != store.StatusRunning {
		t.Errorf("persisted status = %s, overlay leaked into store", row.Status)
	}
}

func TestValidateRejects(t *testing.T) {
	f := newFixture(t, nil)

	cases := []func(*CreateRequest){
		func(r *CreateRequest) { r.Hostname = "Bad_Host" },
		func(r *CreateRequest) { r.Name = "" },
		func(r *CreateRequest) { r.Providers = nil },
		func(r *CreateRequest) { r.Channels = nil },
		func(r *CreateRequest) { r.Providers[0].ProviderID = "unknown-llc" },
		func(r *CreateRequest) { r.Providers[0].Model = "../../etc/passwd" },
		func(r *CreateRequest) { r.Channels[0].ChannelType = "carrier-pigeon" },
		func(r *CreateRequest) { r.Features.SessionScope = "galaxy" },
		func(r *CreateRequest) { r.Tags = []string{"Prod"} },
		func(r *CreateRequest) { r.Tags = []string{"a", "a"} },
	}
	for i, mutate := range cases {
		req := createReq("valid-host")
		mutate(&req)
		_, err := f.mgr.Create(context.Background(), req)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("case %d: got %v, want ValidationError", i, err)
		}
	}
}
