// Package session is the single source of truth for "who is logged in" in
// one storefront session. It mirrors the token into exactly one of two
// stores: the durable scope when the visitor asked to be remembered, the
// session scope otherwise.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"relivre/internal/marketclient"
	"relivre/internal/store"
	"relivre/pkg/domain"
)

// Profile is the local registration form shape. Field names are mapped to
// the API payload by Register.
type Profile struct {
	Email          string
	Password       string
	FirstName      string
	LastName       string
	PhoneNumber    string
	Description    string
	Seller         bool
	CompanyName    string
	CompanyAddress string
}

// State is a snapshot of the session. Authenticated is derived from user and
// token presence at snapshot time, never stored.
type State struct {
	User          *domain.User `json:"user,omitempty"`
	Authenticated bool         `json:"authenticated"`
	Error         string       `json:"error,omitempty"`
}

// Manager owns the session state and its two token scopes.
type Manager struct {
	mu      sync.Mutex
	api     *marketclient.Client
	durable store.TokenStore
	scoped  store.TokenStore

	user    *domain.User
	token   string
	lastErr string
}

// NewManager wires the manager to the API client and the two token scopes.
func NewManager(api *marketclient.Client, durable, scoped store.TokenStore) *Manager {
	return &Manager{api: api, durable: durable, scoped: scoped}
}

// Login authenticates against the remote API. On success the token lands in
// exactly one scope and the current user is fetched with it. On failure the
// error is recorded on the state and returned; nothing is retried.
func (m *Manager) Login(email, password string, remember bool) error {
	token, err := m.api.LoginCheck(email, password)
	if err != nil {
		m.fail(err)
		return err
	}
	if err := m.storeToken(token, remember); err != nil {
		m.fail(err)
		return err
	}
	user, err := m.api.Me(token)
	if err != nil {
		m.clearStores()
		m.fail(err)
		return err
	}
	m.publish(&user, token)
	return nil
}

// Register creates an account from the local profile. When the API response
// carries no token, it falls back to a remembered login with the same
// credentials.
func (m *Manager) Register(p Profile) error {
	payload := marketclient.RegisterPayload{
		Email:       p.Email,
		Password:    p.Password,
		FirstName:   p.FirstName,
		LastName:    p.LastName,
		PhoneNumber: p.PhoneNumber,
		Description: p.Description,
	}
	if p.Seller {
		payload.Professional = &domain.ProfessionalDetails{
			CompanyName:    p.CompanyName,
			CompanyAddress: p.CompanyAddress,
		}
	}
	result, err := m.api.Register(payload)
	if err != nil {
		m.fail(err)
		return err
	}
	if result.Token == "" {
		return m.Login(p.Email, p.Password, true)
	}
	if err := m.storeToken(result.Token, true); err != nil {
		m.fail(err)
		return err
	}
	user := result.User
	m.publish(&user, result.Token)
	return nil
}

// Logout clears both scopes unconditionally and resets the state. Safe to
// call when already logged out.
func (m *Manager) Logout() {
	m.clearStores()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user = nil
	m.token = ""
	m.lastErr = ""
}

// RefreshUser re-fetches the current-user resource, preserving the token.
// A no-op when unauthenticated. Any rejection invalidates the session
// rather than leaving it half-consistent.
func (m *Manager) RefreshUser() error {
	m.mu.Lock()
	token := m.token
	authenticated := m.user != nil && token != ""
	m.mu.Unlock()
	if !authenticated {
		return nil
	}
	user, err := m.api.Me(token)
	if err != nil {
		m.Logout()
		m.fail(err)
		return err
	}
	m.mu.Lock()
	m.user = &user
	m.mu.Unlock()
	return nil
}

// Bootstrap resolves a previously stored token on startup. Failures clear
// the stored token and stay silent: an expired credential is not an error
// the visitor needs to see.
func (m *Manager) Bootstrap() {
	token, ok := m.storedToken()
	if !ok {
		return
	}
	user, err := m.api.Me(token)
	if err != nil {
		slog.Debug("session bootstrap failed, clearing stored token", "err", err)
		m.clearStores()
		return
	}
	m.publish(&user, token)
}

// IsAuthenticated is computed from user and token presence; there is no
// separate flag that could drift.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user != nil && m.token != ""
}

// CurrentUser returns the logged-in user, or nil.
func (m *Manager) CurrentUser() *domain.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user == nil {
		return nil
	}
	u := *m.user
	return &u
}

// Token returns the active credential, empty when logged out.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Snapshot returns the state as published to the UI.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := State{
		Authenticated: m.user != nil && m.token != "",
		Error:         m.lastErr,
	}
	if m.user != nil {
		u := *m.user
		s.User = &u
	}
	return s
}

// storeToken clears the other scope, then writes the token to the requested
// one. The clear comes first and is fatal: at no point may both scopes hold
// a token.
func (m *Manager) storeToken(token string, remember bool) error {
	target, other := m.scoped, m.durable
	if remember {
		target, other = m.durable, m.scoped
	}
	if err := other.Clear(); err != nil {
		return fmt.Errorf("clear previous token scope: %w", err)
	}
	return target.Write(token)
}

// storedToken checks the durable scope first, then the session scope.
func (m *Manager) storedToken() (string, bool) {
	if token, ok, err := m.durable.Read(); err == nil && ok && token != "" {
		return token, true
	}
	if token, ok, err := m.scoped.Read(); err == nil && ok && token != "" {
		return token, true
	}
	return "", false
}

func (m *Manager) clearStores() {
	if err := m.durable.Clear(); err != nil {
		slog.Warn("clearing durable token scope failed", "err", err)
	}
	if err := m.scoped.Clear(); err != nil {
		slog.Warn("clearing session token scope failed", "err", err)
	}
}

func (m *Manager) publish(user *domain.User, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user = user
	m.token = token
	m.lastErr = ""
}

func (m *Manager) fail(err error) {
	msg := "authentication failed"
	var apiErr *marketclient.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		msg = apiErr.Message
	} else if err != nil {
		msg = err.Error()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = msg
}
