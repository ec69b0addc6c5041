package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
)

// Label contract shared with the reconciler.
const (
	LabelManaged = "botmaker.managed"
	LabelBotID   = "botmaker.bot-id"

	containerNamePrefix = "botmaker-"
)

// Worker-side mount targets, part of the worker image contract.
const (
	mountBotData = "/app/botdata"
	mountSecrets = "/run/secrets"
	mountSandbox = "/app/workspace"
)

// API is the subset of runtime operations the driver needs. Implemented by
// Client for production, and by mocks for testing.
type API interface {
	CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout int) error
	RemoveContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)
	ListByLabel(ctx context.Context, label string) ([]container.Summary, error)
	ContainerStats(ctx context.Context, id string) (container.StatsResponse, error)
	VolumeMountpoint(ctx context.Context, name string) (string, error)
}

// Verify Client implements API at compile time.
var _ API = (*Client)(nil)

// CreateSpec describes one worker container to create.
type CreateSpec struct {
	Image        string
	Env          map[string]string
	Port         int    // published on the host and exposed in the container
	WorkspaceDir string // host-perspective path, mounted rw at /app/botdata
	SecretsDir   string // host-perspective path, mounted ro at /run/secrets
	SandboxDir   string // host-perspective path, mounted rw at /app/workspace
	Network      string // optional named network
}

// ContainerState is the driver's view of one container's observed state.
type ContainerState struct {
	State        string     `json:"state"`
	Running      bool       `json:"running"`
	ExitCode     int        `json:"exit_code"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	HealthStatus string     `json:"health_status"` // starting|healthy|unhealthy|none
}

// ManagedContainer is one labelled container as seen by ListManaged.
type ManagedContainer struct {
	ID    string
	Name  string
	BotID string
	State string
}

// Driver sequences runtime operations for managed worker containers.
type Driver struct {
	api API
	log *slog.Logger
}

// NewDriver creates a Driver over the given runtime API.
func NewDriver(api API, log *slog.Logger) *Driver {
	return &Driver{api: api, log: log}
}

// ContainerName returns the runtime name for a bot's container.
func ContainerName(hostname string) string {
	return containerNamePrefix + hostname
}

// Create creates the container for a bot without starting it. Returns the
// container id. Name conflicts surface as ErrAlreadyExists.
func (d *Driver) Create(ctx context.Context, hostname, botID string, spec CreateSpec) (string, error) {
	portProto, err := network.ParsePort(strconv.Itoa(spec.Port) + "/tcp")
	if err != nil {
		return "", err
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	cfg := &container.Config{
		Image: spec.Image,
		Env:   env,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelBotID:   botID,
		},
		ExposedPorts: network.PortSet{portProto: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		Binds: []string{
			spec.WorkspaceDir + ":" + mountBotData,
			spec.SecretsDir + ":" + mountSecrets + ":ro",
			spec.SandboxDir + ":" + mountSandbox,
		},
		PortBindings: network.PortMap{
			portProto: []network.PortBinding{{HostPort: strconv.Itoa(spec.Port)}},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {},
			},
		}
	}

	id, err := d.api.CreateContainer(ctx, ContainerName(hostname), cfg, hostCfg, netCfg)
	if err != nil {
		return "", translate(err, ErrCreateFailed)
	}
	d.log.Info("container created", "hostname", hostname, "container_id", short(id))
	return id, nil
}

// Start starts a bot's container. Already-running is success.
func (d *Driver) Start(ctx context.Context, hostname string) error {
	err := d.api.StartContainer(ctx, ContainerName(hostname))
	if err != nil && !isNotModified(err) {
		return translate(err, ErrStartFailed)
	}
	return nil
}

// Stop gracefully stops a bot's container, force-killing after the grace
// window. Already-stopped is success.
func (d *Driver) Stop(ctx context.Context, hostname string, graceSeconds int) error {
	err := d.api.StopContainer(ctx, ContainerName(hostname), graceSeconds)
	if err != nil && !isNotModified(err) {
		return translate(err, ErrStopFailed)
	}
	return nil
}

// Remove stops (tolerating already-stopped and missing) and removes a bot's
// container. Tolerant of concurrent deletion.
func (d *Driver) Remove(ctx context.Context, hostname string) error {
	name := ContainerName(hostname)
	if err := d.api.StopContainer(ctx, name, 10); err != nil && !isNotModified(err) {
		if translated := translate(err, ErrStopFailed); !IsNotFound(translated) {
			d.log.Warn("pre-remove stop failed", "hostname", hostname, "error", err)
		}
	}
	if err := d.api.RemoveContainer(ctx, name); err != nil {
		translated := translate(err, ErrStopFailed)
		if IsNotFound(translated) {
			return nil
		}
		return translated
	}
	return nil
}

// RemoveByID removes a container by raw id, used for orphan cleanup.
func (d *Driver) RemoveByID(ctx context.Context, id string) error {
	if err := d.api.StopContainer(ctx, id, 10); err != nil && !isNotModified(err) && !cNotFound(err) {
		d.log.Warn("orphan stop failed", "container_id", short(id), "error", err)
	}
	if err := d.api.RemoveContainer(ctx, id); err != nil {
		translated := translate(err, ErrStopFailed)
		if IsNotFound(translated) {
			return nil
		}
		return translated
	}
	return nil
}

// Status returns the observed state of a bot's container, or nil if the
// container does not exist.
func (d *Driver) Status(ctx context.Context, hostname string) (*ContainerState, error) {
	inspect, err := d.api.InspectContainer(ctx, ContainerName(hostname))
	if err != nil {
		translated := translate(err, ErrNetwork)
		if IsNotFound(translated) {
			return nil, nil
		}
		return nil, translated
	}
	return stateFromInspect(inspect), nil
}

// ListManaged returns all containers carrying the managed label, including
// stopped ones.
func (d *Driver) ListManaged(ctx context.Context) ([]ManagedContainer, error) {
	items, err := d.api.ListByLabel(ctx, LabelManaged+"=true")
	if err != nil {
		return nil, translate(err, ErrNetwork)
	}
	managed := make([]ManagedContainer, 0, len(items))
	for _, item := range items {
		name := ""
		if len(item.Names) > 0 {
			name = item.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		managed = append(managed, ManagedContainer{
			ID:    item.ID,
			Name:  name,
			BotID: item.Labels[LabelBotID],
			State: string(item.State),
		})
	}
	return managed, nil
}

// VolumeHostPath resolves a named volume to the path the Docker host sees.
// Used when the manager itself runs in a container: bind-mount sources must
// be expressed from the host's perspective, not the manager's.
func (d *Driver) VolumeHostPath(ctx context.Context, volumeName string) (string, error) {
	path, err := d.api.VolumeMountpoint(ctx, volumeName)
	if err != nil {
		return "", translate(err, ErrNetwork)
	}
	if path == "" {
		return "", fmt.Errorf("%w: volume %s has no mountpoint", ErrNotFound, volumeName)
	}
	return path, nil
}

// IsNotFound reports whether err is the driver's not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func cNotFound(err error) bool {
	return IsNotFound(translate(err, ErrNetwork))
}

func stateFromInspect(inspect container.InspectResponse) *ContainerState {
	cs := &ContainerState{HealthStatus: "none"}
	if inspect.State == nil {
		return cs
	}
	st := inspect.State
	cs.State = string(st.Status)
	cs.Running = st.Running
	cs.ExitCode = st.ExitCode
	if t, err := time.Parse(time.RFC3339Nano, st.StartedAt); err == nil && !t.IsZero() {
		cs.StartedAt = &t
	}
	if t, err := time.Parse(time.RFC3339Nano, st.FinishedAt); err == nil && !t.IsZero() {
		cs.FinishedAt = &t
	}
	if st.Health != nil && st.Health.Status != "" {
		cs.HealthStatus = string(st.Health.Status)
	}
	return cs
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
