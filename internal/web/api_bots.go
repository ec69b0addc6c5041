package web

import (
	"encoding/json"
	"net/http"

	"github.com/truongan5/botmaker/internal/auth"
	"github.com/truongan5/botmaker/internal/bot"
	"github.com/truongan5/botmaker/internal/metrics"
)

func (s *Server) apiLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	token, ok := s.deps.Auth.Login(req.Password)
	if !ok {
		s.deps.Log.Warn("failed login attempt", "ip", clientIP(r))
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) apiLogout(w http.ResponseWriter, r *http.Request) {
	s.deps.Auth.Logout(auth.ExtractBearer(r.Header.Get("Authorization")))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) apiListBots(w http.ResponseWriter, r *http.Request) {
	views, err := s.deps.Manager.List(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if views == nil {
		views = []*bot.BotView{}
	}
	metrics.BotsManaged.Set(float64(len(views)))
	writeJSON(w, http.StatusOK, map[string]any{"bots": views})
}

func (s *Server) apiGetBot(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Manager.Get(r.Context(), r.PathValue("hostname"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) apiCreateBot(w http.ResponseWriter, r *http.Request) {
	var req bot.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	b, err := s.deps.Manager.Create(r.Context(), req)
	if err != nil {
		metrics.LifecycleOps.WithLabelValues("create", "failure").Inc()
		s.writeDomainError(w, err)
		return
	}
	metrics.LifecycleOps.WithLabelValues("create", "success").Inc()
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) apiDeleteBot(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Manager.Delete(r.Context(), r.PathValue("hostname")); err != nil {
		metrics.LifecycleOps.WithLabelValues("delete", "failure").Inc()
		s.writeDomainError(w, err)
		return
	}
	metrics.LifecycleOps.WithLabelValues("delete", "success").Inc()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) apiStartBot(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Manager.Start(r.Context(), r.PathValue("hostname"))
	if err != nil {
		metrics.LifecycleOps.WithLabelValues("start", "failure").Inc()
		s.writeDomainError(w, err)
		return
	}
	metrics.LifecycleOps.WithLabelValues("start", "success").Inc()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": b.Status})
}

func (s *Server) apiStopBot(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Manager.Stop(r.Context(), r.PathValue("hostname"))
	if err != nil {
		metrics.LifecycleOps.WithLabelValues("stop", "failure").Inc()
		s.writeDomainError(w, err)
		return
	}
	metrics.LifecycleOps.WithLabelValues("stop", "success").Inc()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": b.Status})
}
