package web

import (
	"net/http"
	"strings"

	"github.com/truongan5/botmaker/internal/docker"
	"github.com/truongan5/botmaker/internal/metrics"
)

func (s *Server) apiStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Stats.Stats(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if stats == nil {
		stats = []docker.ContainerStats{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func (s *Server) apiOrphans(w http.ResponseWriter, r *http.Request) {
	rep, err := s.deps.Reconciler.Report(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	metrics.ReconcileRuns.Inc()
	metrics.OrphansFound.Set(float64(rep.Total()))
	writeJSON(w, http.StatusOK, map[string]any{
		"orphanedContainers": emptyIfNil(rep.OrphanedContainers),
		"orphanedWorkspaces": emptyIfNil(rep.OrphanedWorkspaces),
		"orphanedSecrets":    emptyIfNil(rep.OrphanedSecrets),
		"total":              rep.Total(),
	})
}

func (s *Server) apiCleanup(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Reconciler.Cleanup(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	metrics.ReconcileRuns.Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"containersRemoved": res.ContainersRemoved,
		"workspacesRemoved": res.WorkspacesRemoved,
		"secretsRemoved":    res.SecretsRemoved,
	})
}

// apiProxyForward relays key-management requests to the keyring admin
// surface, so the UI talks to one origin only.
func (s *Server) apiProxyForward(w http.ResponseWriter, r *http.Request) {
	if s.deps.Keyring == nil {
		writeError(w, http.StatusServiceUnavailable, "no keyring configured")
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/proxy")
	path = "/admin" + path // /keys[/:id] and /health map 1:1

	status, body, err := s.deps.Keyring.Forward(r.Context(), r.Method, path, r.Body)
	if err != nil {
		s.deps.Log.Warn("keyring forward failed", "path", path, "error", err)
		writeError(w, http.StatusBadGateway, "keyring unreachable")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
