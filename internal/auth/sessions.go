// Package auth implements the control plane's single-admin session model:
// one configured password, random bearer tokens held in process memory,
// lazy expiry eviction. Sessions do not survive a restart; that loss is
// accepted and documented.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const sessionTokenBytes = 32 // 32 bytes = 64 hex chars

// Service authenticates the admin and tracks live sessions.
type Service struct {
	adminPassword string // plaintext or bcrypt hash ($2 prefix)
	expiry        time.Duration

	mu       sync.Mutex
	sessions map[string]time.Time // token → expiry
}

// NewService creates a session service for the configured admin password.
func NewService(adminPassword string, expiry time.Duration) *Service {
	return &Service{
		adminPassword: adminPassword,
		expiry:        expiry,
		sessions:      make(map[string]time.Time),
	}
}

// Login checks the password and, on success, mints and stores a session
// bearer. The comparison is constant-time in both password forms.
func (s *Service) Login(password string) (string, bool) {
	if !s.checkPassword(password) {
		return "", false
	}
	token, err := generateToken()
	if err != nil {
		return "", false
	}
	s.mu.Lock()
	s.sessions[token] = time.Now().Add(s.expiry)
	s.mu.Unlock()
	return token, true
}

// Validate reports whether the bearer names a live session. Expired
// entries are evicted lazily here.
func (s *Service) Validate(token string) bool {
	if token == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	expires, ok := s.sessions[token]
	if !ok {
		return false
	}
	if time.Now().After(expires) {
		delete(s.sessions, token)
		return false
	}
	return true
}

// Logout invalidates the bearer. Unknown tokens are a no-op.
func (s *Service) Logout(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

func (s *Service) checkPassword(password string) bool {
	if isBcrypt(s.adminPassword) {
		return bcrypt.CompareHashAndPassword([]byte(s.adminPassword), []byte(password)) == nil
	}
	// Hash both sides so the comparison is constant-time regardless of
	// length differences.
	want := sha256.Sum256([]byte(s.adminPassword))
	got := sha256.Sum256([]byte(password))
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}

func isBcrypt(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// ExtractBearer pulls the token out of an Authorization header value.
func ExtractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

func generateToken() (string, error) {
	b := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
