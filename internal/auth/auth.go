// Package auth guards the control API with an API key, short-lived admin
// sessions and a source-address allow-list for webhooks.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go4.org/netipx"
	"golang.org/x/crypto/bcrypt"

	"hub-api/internal/eventlog"
	"hub-api/internal/settings"
)

// bcryptCost is the work factor used when hashing the admin password.
// Tests lower it for speed.
var bcryptCost = bcrypt.DefaultCost

const secretsAPIKey = "HUB_API_KEY"

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrEmptyKey     = errors.New("new_key is required")
)

// SessionTimeouts supplies the current admin session lifetime.
type SessionTimeouts interface {
	SessionTimeout() time.Duration
}

// Recorder receives security events.
type Recorder interface {
	Record(level eventlog.Level, category eventlog.Category, message string)
}

// Options configures a Manager.
type Options struct {
	APIKey        string
	AdminPassword string
	WebhookAllow  []string
	Secrets       *settings.Secrets
	Sessions      SessionTimeouts
	Events        Recorder
}

// Session is the result of a successful admin login.
type Session struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

// Manager holds the live credentials.
type Manager struct {
	mu        sync.RWMutex
	apiKey    string
	adminHash []byte

	sessions *cache.Cache
	timeouts SessionTimeouts
	secrets  *settings.Secrets
	allow    *netipx.IPSet
	events   Recorder
}

// NewManager hashes the admin password once and builds the webhook allow-list.
// An empty admin password disables admin login.
func NewManager(opts Options) (*Manager, error) {
	m := &Manager{
		apiKey:   opts.APIKey,
		sessions: cache.New(cache.NoExpiration, time.Minute),
		timeouts: opts.Sessions,
		secrets:  opts.Secrets,
		events:   opts.Events,
	}
	if opts.AdminPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(opts.AdminPassword), bcryptCost)
		if err != nil {
			return nil, fmt.Errorf("hash admin password: %w", err)
		}
		m.adminHash = hash
	}

	var b netipx.IPSetBuilder
	for _, raw := range opts.WebhookAllow {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("webhook allow entry %q: %w", raw, err)
		}
		b.AddPrefix(prefix.Masked())
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("build webhook allow-list: %w", err)
	}
	m.allow = set
	return m, nil
}

// ValidateKey reports whether key equals the configured API key.
// An empty configured key never matches.
func (m *Manager) ValidateKey(key string) bool {
	m.mu.RLock()
	current := m.apiKey
	m.mu.RUnlock()
	if key == "" || current == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(current)) == 1
}

// ValidateSession reports whether token names a live admin session.
func (m *Manager) ValidateSession(token string) bool {
	if token == "" {
		return false
	}
	_, ok := m.sessions.Get(token)
	return ok
}

// VerifyAdmin checks the admin password and issues a new session token.
func (m *Manager) VerifyAdmin(password string) (Session, error) {
	if m.adminHash == nil || password == "" {
		return Session{}, ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(m.adminHash, []byte(password)); err != nil {
		m.record(eventlog.LevelSecurity, "Admin authorization failed")
		return Session{}, ErrUnauthorized
	}
	ttl := 30 * time.Minute
	if m.timeouts != nil {
		ttl = m.timeouts.SessionTimeout()
	}
	token := uuid.NewString()
	m.sessions.Set(token, struct{}{}, ttl)
	m.record(eventlog.LevelSecurity, "Administrative session authorized")
	return Session{Token: token, ExpiresIn: int(ttl / time.Second)}, nil
}

// RotateKey replaces the API key in memory and in the secrets file.
func (m *Manager) RotateKey(newKey string) error {
	newKey = strings.TrimSpace(newKey)
	if newKey == "" {
		return ErrEmptyKey
	}
	if m.secrets != nil {
		if err := m.secrets.Set(secretsAPIKey, newKey); err != nil {
			return fmt.Errorf("persist api key: %w", err)
		}
	}
	m.mu.Lock()
	m.apiKey = newKey
	m.mu.Unlock()
	m.record(eventlog.LevelSecurity, "Dashboard API security key rotated")
	return nil
}

// WebhookAllowed reports whether remoteAddr (host or host:port) is inside the allow-list.
func (m *Manager) WebhookAllowed(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil {
		return false
	}
	return m.allow.Contains(addr.Unmap())
}

func (m *Manager) record(level eventlog.Level, message string) {
	if m.events != nil {
		m.events.Record(level, eventlog.CategoryAuth, message)
	}
}
