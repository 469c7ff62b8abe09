package wnpchat

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	toml "github.com/pelletier/go-toml/v2"
)

// ============================================================================
// Session state
// ============================================================================

// Session is the durable auth state: the "auth-storage" record plus the
// cookie mirrors used by route middleware.
type Session struct {
	User            User   `toml:"user" json:"user"`
	AccessToken     string `toml:"access_token" json:"accessToken"`
	RefreshToken    string `toml:"refresh_token" json:"refreshToken"`
	ExpiresIn       string `toml:"expires_in" json:"expiresIn"`
	Tenant          string `toml:"tenant" json:"tenant,omitempty"`
	IsAuthenticated bool   `toml:"is_authenticated" json:"isAuthenticated"`
}

// Cookie mirrors the browser cookie pair kept alongside the store so
// server-side middleware can check the route. SameSite is strict normally and
// None+Secure+Partitioned in embedded (iframe) mode.
type Cookie struct {
	Name        string
	Value       string
	Expires     time.Time
	SameSite    string
	Secure      bool
	Partitioned bool
}

// SessionStore persists a session. Consumers hold the manager, not copies of
// the session, so there is one source of truth per process.
type SessionStore interface {
	Load() (*Session, error)
	Save(*Session) error
	Clear() error
}

// ============================================================================
// Stores
// ============================================================================

// MemorySessionStore keeps the session in process memory.
type MemorySessionStore struct {
	mu      sync.Mutex
	session *Session
}

func NewMemorySessionStore() *MemorySessionStore { return &MemorySessionStore{} }

func (s *MemorySessionStore) Load() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, nil
}

func (s *MemorySessionStore) Save(session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *session
	s.session = &copied
	return nil
}

func (s *MemorySessionStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = nil
	return nil
}

// FileSessionStore persists the session as TOML under the user's home
// directory, the durable analog of the browser's auth-storage key.
type FileSessionStore struct {
	mu   sync.Mutex
	path string
}

// NewFileSessionStore stores the session at path. An empty path defaults to
// ~/.wnpchat/session.toml.
func NewFileSessionStore(path string) (*FileSessionStore, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine home directory: %w", err)
		}
		path = filepath.Join(home, ".wnpchat", "session.toml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("cannot create session directory: %w", err)
	}
	return &FileSessionStore{path: path}, nil
}

func (s *FileSessionStore) Load() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cannot read session: %w", err)
	}
	var session Session
	if err := toml.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("cannot parse session: %w", err)
	}
	return &session, nil
}

func (s *FileSessionStore) Save(session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := toml.Marshal(session)
	if err != nil {
		return fmt.Errorf("cannot marshal session: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write session: %w", err)
	}
	return nil
}

func (s *FileSessionStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove session: %w", err)
	}
	return nil
}

// ============================================================================
// Session manager
// ============================================================================

// SessionChangeHandler observes session establish/clear transitions.
type SessionChangeHandler func(session *Session)

// SessionManager owns the process-wide auth state: the persisted session, its
// cookie mirrors, and change notification. Mutations happen only through the
// server-confirmed paths (AuthClient, forced logout).
type SessionManager struct {
	mu       sync.RWMutex
	store    SessionStore
	session  *Session
	cookies  []Cookie
	embedded bool
	handlers []SessionChangeHandler
	clock    func() time.Time
}

// NewSessionManager wraps a store and hydrates any persisted session.
func NewSessionManager(store SessionStore) *SessionManager {
	m := &SessionManager{store: store, clock: time.Now}
	if loaded, err := store.Load(); err == nil && loaded != nil {
		m.session = loaded
	}
	return m
}

// SetEmbedded switches the cookie policy for iframe embedding.
func (m *SessionManager) SetEmbedded(embedded bool) {
	m.mu.Lock()
	m.embedded = embedded
	m.mu.Unlock()
}

// OnChange registers a handler invoked after establish and clear.
func (m *SessionManager) OnChange(h SessionChangeHandler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

// Establish persists a server-confirmed auth result and mirrors the token
// pair into cookies with expiries computed from the duration strings.
func (m *SessionManager) Establish(auth *AuthData) error {
	session := &Session{
		User:            auth.User,
		AccessToken:     auth.AccessToken,
		RefreshToken:    auth.RefreshToken,
		ExpiresIn:       auth.AccessTokenExpiresIn,
		Tenant:          auth.Tenant,
		IsAuthenticated: true,
	}

	m.mu.Lock()
	now := m.clock()
	accessTTL := parseExpiry(auth.AccessTokenExpiresIn, 15*time.Minute)
	refreshTTL := parseExpiry(auth.RefreshTokenExpiresIn, 7*24*time.Hour)
	sameSite := "strict"
	secure := false
	if m.embedded {
		sameSite = "none"
		secure = true
	}
	m.session = session
	m.cookies = []Cookie{
		{Name: "token", Value: auth.AccessToken, Expires: now.Add(accessTTL), SameSite: sameSite, Secure: secure, Partitioned: m.embedded},
		{Name: "refreshToken", Value: auth.RefreshToken, Expires: now.Add(refreshTTL), SameSite: sameSite, Secure: secure, Partitioned: m.embedded},
	}
	handlers := append([]SessionChangeHandler{}, m.handlers...)
	m.mu.Unlock()

	if err := m.store.Save(session); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	for _, h := range handlers {
		h(session)
	}
	return nil
}

// Clear drops the session, its cookies, and the persisted record. Used by
// logout and by the socket manager's forced-logout path.
func (m *SessionManager) Clear() {
	m.mu.Lock()
	m.session = nil
	m.cookies = nil
	handlers := append([]SessionChangeHandler{}, m.handlers...)
	m.mu.Unlock()

	_ = m.store.Clear()
	for _, h := range handlers {
		h(nil)
	}
}

// Current returns a copy of the session, or nil when logged out.
func (m *SessionManager) Current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return nil
	}
	copied := *m.session
	return &copied
}

// AccessToken returns the current access token or "".
func (m *SessionManager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return ""
	}
	return m.session.AccessToken
}

// RefreshToken returns the current refresh token or "".
func (m *SessionManager) RefreshToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return ""
	}
	return m.session.RefreshToken
}

// IsAuthenticated reports whether a session is held and its token unexpired.
func (m *SessionManager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session != nil && m.session.IsAuthenticated && !IsTokenExpired(m.session.AccessToken)
}

// Cookies returns the cookie mirrors for the current session.
func (m *SessionManager) Cookies() []Cookie {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Cookie{}, m.cookies...)
}

// ExpiringSoon reports whether the access token expires within the warning
// window. The client shows a dismissible refresh prompt for this state,
// distinct from the forced re-login on actual expiry.
func (m *SessionManager) ExpiringSoon(window time.Duration) bool {
	token := m.AccessToken()
	if token == "" {
		return false
	}
	exp, ok := tokenExpiry(token)
	if !ok {
		return false
	}
	until := time.Until(exp)
	return until > 0 && until <= window
}

// ============================================================================
// Token inspection
// ============================================================================

// IsTokenExpired decodes the JWT locally and checks only the exp claim.
// Signature verification is the server's job; a token without a usable exp is
// treated as non-expiring and left for the server to reject.
func IsTokenExpired(token string) bool {
	if token == "" {
		return true
	}
	exp, ok := tokenExpiry(token)
	if !ok {
		return false
	}
	return exp.Before(time.Now())
}

// tokenExpiry returns the exp claim, reporting ok=false when absent.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		// Not decodable as a JWT at all: no usable expiry.
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// parseExpiry parses compact duration strings like "15m", "12h", "7d". The
// backend issues the day suffix, which time.ParseDuration lacks.
func parseExpiry(s string, fallback time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	if strings.HasSuffix(s, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		if err != nil {
			return fallback
		}
		return time.Duration(days * 24 * float64(time.Hour))
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
