// Package bot is the lifecycle coordinator: every create, start, stop and
// delete sequences the metadata store, secrets vault, workspace templater,
// container driver and keyring as one saga with explicit compensation, so
// a failure at any step leaves no partial bot behind.
package bot

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/truongan5/botmaker/internal/docker"
	"github.com/truongan5/botmaker/internal/store"
	"github.com/truongan5/botmaker/internal/workspace"
)

// stopGraceSeconds is the graceful-termination window before force kill.
const stopGraceSeconds = 10

// Store is the metadata store surface the manager needs.
type Store interface {
	CreateBot(b *store.Bot) error
	GetBot(id string) (*store.Bot, error)
	GetBotByHostname(hostname string) (*store.Bot, error)
	ListBots() ([]*store.Bot, error)
	UpdateStatus(id string, status store.Status, containerID *string) error
	SetContainer(id, containerID, imageVersion string) error
	DeleteBot(id string) error
	NextPort(start int) (int, error)
}

// Vault is the secrets surface the manager needs.
type Vault interface {
	CreateDir(hostname string) error
	Write(hostname, name, value string) error
	DeleteAll(hostname string) error
	BotDir(hostname string) (string, error)
	Root() string
}

// Templater renders and deletes workspaces.
type Templater interface {
	Render(spec workspace.Spec) error
	Delete(hostname string) error
	Dir(hostname string) (string, error)
	BotsDir() string
}

// Driver is the container runtime surface the manager needs.
type Driver interface {
	Create(ctx context.Context, hostname, botID string, spec docker.CreateSpec) (string, error)
	Start(ctx context.Context, hostname string) error
	Stop(ctx context.Context, hostname string, graceSeconds int) error
	Remove(ctx context.Context, hostname string) error
	Status(ctx context.Context, hostname string) (*docker.ContainerState, error)
	VolumeHostPath(ctx context.Context, volumeName string) (string, error)
}

// Keyring registers and revokes proxy bearers. Nil when no keyring is
// configured.
type Keyring interface {
	RegisterBot(ctx context.Context, botID, hostname string, tags []string) (string, error)
	RevokeBot(ctx context.Context, botID string) error
}

// Options carries the deployment-level settings the manager threads into
// every saga.
type Options struct {
	Image             string
	PortStart         int
	Network           string
	ProxyURL          string // data-plane URL handed to workers
	DataVolumeName    string // non-empty when the manager runs containerized
	SecretsVolumeName string
}

// Manager coordinates the four coupled resources behind a bot.
type Manager struct {
	store   Store
	vault   Vault
	tmpl    Templater
	driver  Driver
	keyring Keyring // nil = no keyring configured
	opts    Options
	log     *slog.Logger

	// mu serializes sagas: the metadata store is single-writer and port
	// allocation must not race with row insertion.
	mu sync.Mutex
}

// New creates a Manager. keyring may be nil.
func New(s Store, v Vault, t Templater, d Driver, k Keyring, opts Options, log *slog.Logger) *Manager {
	return &Manager{store: s, vault: v, tmpl: t, driver: d, keyring: k, opts: opts, log: log}
}

// BotView is a bot row joined with its observed container state.
type BotView struct {
	*store.Bot
	ContainerStatus *docker.ContainerState `json:"container_status"`
}

// Create provisions a bot end to end and returns the running record. Any
// failure rolls back every resource acquired so far and reports the
// original error.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*store.Bot, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if _, err := m.store.GetBotByHostname(req.Hostname); err == nil {
		return nil, store.ErrDuplicateHostname
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	port, err := m.store.NextPort(m.opts.PortStart)
	if err != nil {
		return nil, err
	}
	gatewayToken, err := randomToken()
	if err != nil {
		return nil, err
	}

	primary := req.primary()
	b := &store.Bot{
		ID:           uuid.NewString(),
		Hostname:     req.Hostname,
		Name:         req.Name,
		AIProvider:   primary.ProviderID,
		Model:        primary.Model,
		ChannelType:  req.Channels[0].ChannelType,
		Port:         port,
		GatewayToken: gatewayToken,
		Tags:         req.Tags,
		Status:       store.StatusCreated,
	}
	if err := m.store.CreateBot(b); err != nil {
		return nil, err
	}

	// Everything after the row insert compensates in reverse on failure.
	var (
		registered   bool
		wroteSecrets bool
		rendered     bool
		created      bool
	)
	fail := func(original error) (*store.Bot, error) {
		m.log.Warn("create failed, rolling back", "hostname", b.Hostname, "error", original)
		if created {
			if err := m.driver.Remove(ctx, b.Hostname); err != nil {
				m.log.Warn("rollback: remove container", "hostname", b.Hostname, "error", err)
			}
		}
		if rendered {
			if err := m.tmpl.Delete(b.Hostname); err != nil {
				m.log.Warn("rollback: delete workspace", "hostname", b.Hostname, "error", err)
			}
		}
		if wroteSecrets {
			if err := m.vault.DeleteAll(b.Hostname); err != nil {
				m.log.Warn("rollback: delete secrets", "hostname", b.Hostname, "error", err)
			}
		}
		if registered {
			if err := m.keyring.RevokeBot(ctx, b.ID); err != nil {
				m.log.Warn("rollback: revoke keyring bot", "hostname", b.Hostname, "error", err)
			}
		}
		if err := m.store.DeleteBot(b.ID); err != nil {
			m.log.Warn("rollback: delete bot row", "hostname", b.Hostname, "error", err)
		}
		return nil, original
	}

	proxyToken := ""
	if m.keyring != nil {
		proxyToken, err = m.keyring.RegisterBot(ctx, b.ID, b.Hostname, b.Tags)
		if err != nil {
			return fail(fmt.Errorf("register with keyring: %w", err))
		}
		registered = true
	}

	if err := m.vault.CreateDir(b.Hostname); err != nil {
		return fail(err)
	}
	wroteSecrets = true
	for _, ch := range req.Channels {
		if err := m.vault.Write(b.Hostname, secretNameForChannel(ch.ChannelType), ch.Token); err != nil {
			return fail(err)
		}
	}

	wsSpec := workspace.Spec{
		BotID:        b.ID,
		Hostname:     b.Hostname,
		Name:         b.Name,
		Provider:     b.AIProvider,
		Model:        b.Model,
		Port:         b.Port,
		GatewayToken: b.GatewayToken,
		PersonaName:  req.Persona.Name,
		SoulMD:       req.Persona.SoulMarkdown,
		Commands:     req.Features.Commands,
		TTS:          req.Features.TTS,
		TTSVoice:     req.Features.TTSVoice,
		Sandbox:      req.Features.Sandbox,
		SandboxTime:  req.Features.SandboxTimeout,
		SessionScope: req.Features.SessionScope,
	}
	if m.keyring != nil {
		wsSpec.ProxyURL = m.opts.ProxyURL
		wsSpec.ProxyToken = proxyToken
	}
	if err := m.tmpl.Render(wsSpec); err != nil {
		return fail(err)
	}
	rendered = true

	spec, err := m.containerSpec(ctx, b)
	if err != nil {
		return fail(err)
	}
	containerID, err := m.driver.Create(ctx, b.Hostname, b.ID, spec)
	if err != nil {
		return fail(err)
	}
	created = true
	if err := m.store.SetContainer(b.ID, containerID, m.opts.Image); err != nil {
		return fail(err)
	}

	if err := m.driver.Start(ctx, b.Hostname); err != nil {
		return fail(err)
	}
	if err := m.store.UpdateStatus(b.ID, store.StatusRunning, nil); err != nil {
		return fail(err)
	}

	b, err = m.store.GetBot(b.ID)
	if err != nil {
		return nil, err
	}
	m.log.Info("bot created", "hostname", b.Hostname, "port", b.Port)
	return b, nil
}

// containerSpec assembles the driver spec, resolving bind-mount sources
// from the host's perspective when the manager runs inside a container.
func (m *Manager) containerSpec(ctx context.Context, b *store.Bot) (docker.CreateSpec, error) {
	workspaceDir, err := m.tmpl.Dir(b.Hostname)
	if err != nil {
		return docker.CreateSpec{}, err
	}
	secretsDir, err := m.vault.BotDir(b.Hostname)
	if err != nil {
		return docker.CreateSpec{}, err
	}

	if m.opts.DataVolumeName != "" {
		host, err := m.driver.VolumeHostPath(ctx, m.opts.DataVolumeName)
		if err != nil {
			return docker.CreateSpec{}, fmt.Errorf("resolve data volume: %w", err)
		}
		workspaceDir = filepath.Join(host, "bots", b.Hostname)
	}
	if m.opts.SecretsVolumeName != "" {
		host, err := m.driver.VolumeHostPath(ctx, m.opts.SecretsVolumeName)
		if err != nil {
			return docker.CreateSpec{}, fmt.Errorf("resolve secrets volume: %w", err)
		}
		secretsDir = filepath.Join(host, b.Hostname)
	}

	return docker.CreateSpec{
		Image: m.opts.Image,
		Env: map[string]string{
			"BOT_ID":      b.ID,
			"BOT_NAME":    b.Name,
			"AI_PROVIDER": b.AIProvider,
			"AI_MODEL":    b.Model,
			"PORT":        fmt.Sprintf("%d", b.Port),
		},
		Port:         b.Port,
		WorkspaceDir: workspaceDir,
		SecretsDir:   secretsDir,
		SandboxDir:   filepath.Join(workspaceDir, "sandbox"),
		Network:      m.opts.Network,
	}, nil
}

// Delete tears a bot down. Idempotent: every step tolerates the resource
// already being gone, and only the final row deletion decides success.
func (m *Manager) Delete(ctx context.Context, hostname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.store.GetBotByHostname(hostname)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil // already gone
		}
		return err
	}

	if err := m.driver.Remove(ctx, hostname); err != nil && !docker.IsNotFound(err) {
		m.log.Warn("delete: remove container", "hostname", hostname, "error", err)
	}
	if m.keyring != nil {
		if err := m.keyring.RevokeBot(ctx, b.ID); err != nil {
			m.log.Warn("delete: revoke keyring bot", "hostname", hostname, "error", err)
		}
	}
	if err := m.tmpl.Delete(hostname); err != nil {
		m.log.Warn("delete: workspace", "hostname", hostname, "error", err)
	}
	if err := m.vault.DeleteAll(hostname); err != nil {
		m.log.Warn("delete: secrets", "hostname", hostname, "error", err)
	}
	if err := m.store.DeleteBot(b.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	m.log.Info("bot deleted", "hostname", hostname)
	return nil
}

// Start starts a bot's container and records the new status.
func (m *Manager) Start(ctx context.Context, hostname string) (*store.Bot, error) {
	b, err := m.store.GetBotByHostname(hostname)
	if err != nil {
		return nil, err
	}
	if err := m.driver.Start(ctx, hostname); err != nil {
		return nil, err
	}
	if err := m.store.UpdateStatus(b.ID, store.StatusRunning, nil); err != nil {
		return nil, err
	}
	return m.store.GetBot(b.ID)
}

// Stop stops a bot's container and records the new status.
func (m *Manager) Stop(ctx context.Context, hostname string) (*store.Bot, error) {
	b, err := m.store.GetBotByHostname(hostname)
	if err != nil {
		return nil, err
	}
	if err := m.driver.Stop(ctx, hostname, stopGraceSeconds); err != nil {
		return nil, err
	}
	if err := m.store.UpdateStatus(b.ID, store.StatusStopped, nil); err != nil {
		return nil, err
	}
	return m.store.GetBot(b.ID)
}

// Get returns one bot joined with its observed container state.
func (m *Manager) Get(ctx context.Context, hostname string) (*BotView, error) {
	b, err := m.store.GetBotByHostname(hostname)
	if err != nil {
		return nil, err
	}
	return m.view(ctx, b), nil
}

// List returns all bots joined with their observed container state.
func (m *Manager) List(ctx context.Context) ([]*BotView, error) {
	bots, err := m.store.ListBots()
	if err != nil {
		return nil, err
	}
	views := make([]*BotView, 0, len(bots))
	for _, b := range bots {
		views = append(views, m.view(ctx, b))
	}
	return views, nil
}

// view joins a row with container state and applies the starting overlay:
// a container whose health is still "starting" reports as starting without
// that state ever being persisted.
func (m *Manager) view(ctx context.Context, b *store.Bot) *BotView {
	v := &BotView{Bot: b}
	state, err := m.driver.Status(ctx, b.Hostname)
	if err != nil {
		m.log.Warn("container status", "hostname", b.Hostname, "error", err)
		return v
	}
	v.ContainerStatus = state
	if state != nil && state.Running && state.HealthStatus == "starting" {
		overlay := *b
		overlay.Status = store.StatusStarting
		v.Bot = &overlay
	}
	return v
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
