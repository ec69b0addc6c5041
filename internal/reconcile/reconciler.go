// Package reconcile cross-checks declared state (the metadata store)
// against observed state (the container runtime and the filesystem). There
// is deliberately no cross-cutting transaction: every adjustment is
// idempotent, and repeated runs converge.
package reconcile

import (
	"context"
	"log/slog"

	"github.com/truongan5/botmaker/internal/docker"
	"github.com/truongan5/botmaker/internal/store"
)

// Store is the metadata surface the reconciler needs.
type Store interface {
	ListBots() ([]*store.Bot, error)
	UpdateStatus(id string, status store.Status, containerID *string) error
}

// Driver is the runtime surface the reconciler needs.
type Driver interface {
	ListManaged(ctx context.Context) ([]docker.ManagedContainer, error)
	Status(ctx context.Context, hostname string) (*docker.ContainerState, error)
	RemoveByID(ctx context.Context, id string) error
}

// Workspaces enumerates and deletes workspace directories.
type Workspaces interface {
	List() ([]string, error)
	Delete(hostname string) error
}

// Secrets enumerates and deletes secret directories.
type Secrets interface {
	List() ([]string, error)
	DeleteAll(hostname string) error
}

// OrphanContainer is a managed container with no matching bot row.
type OrphanContainer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	BotID string `json:"bot_id"`
	State string `json:"state"`
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	StatusAdjustments  int               `json:"status_adjustments"`
	OrphanedContainers []OrphanContainer `json:"orphanedContainers"`
	OrphanedWorkspaces []string          `json:"orphanedWorkspaces"`
	OrphanedSecrets    []string          `json:"orphanedSecrets"`
}

// Total counts all orphaned resources.
func (r *Report) Total() int {
	return len(r.OrphanedContainers) + len(r.OrphanedWorkspaces) + len(r.OrphanedSecrets)
}

// CleanupResult counts what a cleanup sweep actually removed.
type CleanupResult struct {
	ContainersRemoved int `json:"containersRemoved"`
	WorkspacesRemoved int `json:"workspacesRemoved"`
	SecretsRemoved    int `json:"secretsRemoved"`
}

// Reconciler aligns declared and observed state.
type Reconciler struct {
	store      Store
	driver     Driver
	workspaces Workspaces
	secrets    Secrets
	log        *slog.Logger
}

// New creates a Reconciler.
func New(s Store, d Driver, w Workspaces, sec Secrets, log *slog.Logger) *Reconciler {
	return &Reconciler{store: s, driver: d, workspaces: w, secrets: sec, log: log}
}

// Report syncs each bot's status from its observed container and
// enumerates orphaned containers, workspaces and secret directories.
// It never mutates anything except bot status rows.
func (r *Reconciler) Report(ctx context.Context) (*Report, error) {
	bots, err := r.store.ListBots()
	if err != nil {
		return nil, err
	}

	knownIDs := make(map[string]bool, len(bots))
	knownHosts := make(map[string]bool, len(bots))
	for _, b := range bots {
		knownIDs[b.ID] = true
		knownHosts[b.Hostname] = true
	}

	rep := &Report{}

	for _, b := range bots {
		state, err := r.driver.Status(ctx, b.Hostname)
		if err != nil {
			r.log.Warn("reconcile: container status", "hostname", b.Hostname, "error", err)
			continue
		}
		if adjusted := r.syncStatus(b, state); adjusted {
			rep.StatusAdjustments++
		}
	}

	managed, err := r.driver.ListManaged(ctx)
	if err != nil {
		return nil, err
	}
	for _, mc := range managed {
		if !knownIDs[mc.BotID] {
			rep.OrphanedContainers = append(rep.OrphanedContainers, OrphanContainer{
				ID: mc.ID, Name: mc.Name, BotID: mc.BotID, State: mc.State,
			})
		}
	}

	workspaces, err := r.workspaces.List()
	if err != nil {
		return nil, err
	}
	for _, name := range workspaces {
		if !knownHosts[name] {
			rep.OrphanedWorkspaces = append(rep.OrphanedWorkspaces, name)
		}
	}

	secretDirs, err := r.secrets.List()
	if err != nil {
		return nil, err
	}
	for _, name := range secretDirs {
		if !knownHosts[name] {
			rep.OrphanedSecrets = append(rep.OrphanedSecrets, name)
		}
	}

	return rep, nil
}

// syncStatus applies the observed container state to a bot row. Returns
// true when the row was adjusted.
func (r *Reconciler) syncStatus(b *store.Bot, state *docker.ContainerState) bool {
	switch {
	case state == nil:
		// No container at all. A bot the store believes is running has
		// lost its container out from under us.
		if b.Status == store.StatusRunning {
			empty := ""
			r.update(b, store.StatusStopped, &empty)
			return true
		}
	case state.Running:
		if b.Status != store.StatusRunning {
			r.update(b, store.StatusRunning, nil)
			return true
		}
	default:
		// Container exists but is not running.
		if b.Status == store.StatusRunning {
			next := store.StatusStopped
			if state.ExitCode != 0 {
				next = store.StatusError
			}
			r.update(b, next, nil)
			return true
		}
	}
	return false
}

func (r *Reconciler) update(b *store.Bot, status store.Status, containerID *string) {
	if err := r.store.UpdateStatus(b.ID, status, containerID); err != nil {
		r.log.Warn("reconcile: update status", "hostname", b.Hostname, "error", err)
		return
	}
	r.log.Info("reconcile: status synced", "hostname", b.Hostname, "from", b.Status, "to", status)
	b.Status = status
}

// Cleanup runs Report and then removes every orphan. Each removal is
// independent: a failure is logged and counted out, never aborting the
// sweep.
func (r *Reconciler) Cleanup(ctx context.Context) (*CleanupResult, error) {
	rep, err := r.Report(ctx)
	if err != nil {
		return nil, err
	}

	res := &CleanupResult{}
	for _, oc := range rep.OrphanedContainers {
		if err := r.driver.RemoveByID(ctx, oc.ID); err != nil {
			r.log.Warn("cleanup: remove container", "container", oc.Name, "error", err)
			continue
		}
		res.ContainersRemoved++
	}
	for _, name := range rep.OrphanedWorkspaces {
		if err := r.workspaces.Delete(name); err != nil {
			r.log.Warn("cleanup: remove workspace", "name", name, "error", err)
			continue
		}
		res.WorkspacesRemoved++
	}
	for _, name := range rep.OrphanedSecrets {
		if err := r.secrets.DeleteAll(name); err != nil {
			r.log.Warn("cleanup: remove secrets", "name", name, "error", err)
			continue
		}
		res.SecretsRemoved++
	}

	r.log.Info("cleanup complete",
		"containers", res.ContainersRemoved,
		"workspaces", res.WorkspacesRemoved,
		"secrets", res.SecretsRemoved)
	return res, nil
}
