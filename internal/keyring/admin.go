package keyring

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/truongan5/botmaker/internal/providers"
)

var adminTokenShape = regexp.MustCompile(`^[A-Za-z0-9_-]{16,128}$`)

// Admin is the keyring's management surface: key and bot CRUD behind a
// static admin bearer.
type Admin struct {
	store *Store
	token string
	mux   *http.ServeMux
	log   *slog.Logger
}

// NewAdmin creates the admin handler.
func NewAdmin(store *Store, adminToken string, log *slog.Logger) *Admin {
	a := &Admin{store: store, token: adminToken, mux: http.NewServeMux(), log: log}

	a.mux.HandleFunc("POST /admin/keys", a.handleAddKey)
	a.mux.HandleFunc("GET /admin/keys", a.handleListKeys)
	a.mux.HandleFunc("DELETE /admin/keys/{id}", a.handleDeleteKey)
	a.mux.HandleFunc("POST /admin/bots", a.handleRegisterBot)
	a.mux.HandleFunc("GET /admin/bots", a.handleListBots)
	a.mux.HandleFunc("DELETE /admin/bots/{id}", a.handleDeleteBot)
	a.mux.HandleFunc("GET /admin/health", a.handleHealth)
	return a
}

// ServeHTTP enforces the admin bearer on every route: 401 for a missing
// or malformed header, 403 for a well-formed but wrong token.
func (a *Admin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		writeJSONError(w, http.StatusUnauthorized, "admin bearer required")
		return
	}
	token := header[len(prefix):]
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) != 1 {
		status := http.StatusUnauthorized
		if adminTokenShape.MatchString(token) {
			status = http.StatusForbidden
		}
		writeJSONError(w, status, "invalid admin token")
		return
	}
	a.mux.ServeHTTP(w, r)
}

func (a *Admin) handleAddKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Vendor string `json:"vendor"`
		Secret string `json:"secret"`
		Label  string `json:"label,omitempty"`
		Tag    string `json:"tag,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !providers.KnownProvider(req.Vendor) {
		writeJSONError(w, http.StatusBadRequest, "unknown vendor")
		return
	}
	if req.Secret == "" {
		writeJSONError(w, http.StatusBadRequest, "secret is required")
		return
	}
	id, err := a.store.AddKey(req.Vendor, req.Secret, req.Label, req.Tag)
	if err != nil {
		a.log.Error("add key", "vendor", req.Vendor, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.log.Info("key added", "vendor", req.Vendor, "key_id", id, "tag", req.Tag)
	writeAdminJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (a *Admin) handleListKeys(w http.ResponseWriter, _ *http.Request) {
	keys, err := a.store.ListKeys()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if keys == nil {
		keys = []KeyInfo{}
	}
	writeAdminJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (a *Admin) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	err := a.store.DeleteKey(r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "key not found")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeAdminJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *Admin) handleRegisterBot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BotID    string   `json:"botId"`
		Hostname string   `json:"hostname"`
		Tags     []string `json:"tags,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BotID == "" || req.Hostname == "" {
		writeJSONError(w, http.StatusBadRequest, "botId and hostname are required")
		return
	}
	token, err := a.store.RegisterBot(req.BotID, req.Hostname, req.Tags)
	if errors.Is(err, ErrDuplicateBot) {
		writeJSONError(w, http.StatusConflict, "bot already registered")
		return
	}
	if err != nil {
		a.log.Error("register bot", "bot", req.Hostname, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.log.Info("bot registered", "bot", req.Hostname, "bot_id", req.BotID)
	// The plaintext bearer appears in this response and nowhere else.
	writeAdminJSON(w, http.StatusCreated, map[string]string{"token": token})
}

func (a *Admin) handleListBots(w http.ResponseWriter, _ *http.Request) {
	bots, err := a.store.ListBots()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if bots == nil {
		bots = []*BotRecord{}
	}
	// BotRecord marshals without token_hash.
	writeAdminJSON(w, http.StatusOK, map[string]any{"bots": bots})
}

func (a *Admin) handleDeleteBot(w http.ResponseWriter, r *http.Request) {
	err := a.store.DeleteBot(r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "bot not found")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeAdminJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *Admin) handleHealth(w http.ResponseWriter, _ *http.Request) {
	keys, bots, err := a.store.Counts()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeAdminJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"keyCount": keys,
		"botCount": bots,
	})
}

func writeAdminJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
