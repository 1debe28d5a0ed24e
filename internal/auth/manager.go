// Package auth drives the per-user three-state authorization handshake
// against the OAuth service and hands out refreshed credentials.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// ErrAuthRequired is returned when a user has no usable credential. The
// caller should prompt for re-authorization.
var ErrAuthRequired = errors.New("authorization required")

// ErrNoPendingAuth is returned when a code arrives without a pending
// authorization request.
var ErrNoPendingAuth = errors.New("no pending authorization request")

// State is the authorization state of one user's session.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StatePendingCode     State = "pending_code"
	StateAuthorized      State = "authorized"
)

// defaultPendingTTL bounds how long an issued authorization URL stays valid.
const defaultPendingTTL = 10 * time.Minute

// TokenStore is the durable credential storage. Implemented by
// store.SQLiteStore.
type TokenStore interface {
	SaveToken(ctx context.Context, userID string, token []byte) error
	LoadToken(ctx context.Context, userID string) ([]byte, bool, error)
	DeleteToken(ctx context.Context, userID string) error
}

// oauthClient is the slice of *oauth2.Config the manager uses; a test double
// stands in for the network-facing real thing.
type oauthClient interface {
	AuthCodeURL(state string, opts ...oauth2.AuthCodeOption) string
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
	TokenSource(ctx context.Context, t *oauth2.Token) oauth2.TokenSource
}

// pendingFlow holds the verifier for an authorization URL that has been
// issued but not yet redeemed.
type pendingFlow struct {
	verifier  string
	expiresAt time.Time
}

// Manager tracks one AuthSession per user. Mutations on the same user are
// serialized; a failed code exchange leaves the pending verifier intact.
type Manager struct {
	client oauthClient
	store  TokenStore
	ttl    time.Duration
	log    *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingFlow

	now func() time.Time
}

// NewManager builds a session manager over the given OAuth client
// configuration and token store.
func NewManager(cfg *oauth2.Config, store TokenStore, log *slog.Logger) *Manager {
	return newManager(cfg, store, log)
}

func newManager(client oauthClient, store TokenStore, log *slog.Logger) *Manager {
	return &Manager{
		client:  client,
		store:   store,
		ttl:     defaultPendingTTL,
		log:     log,
		pending: make(map[string]*pendingFlow),
		now:     time.Now,
	}
}

// BeginAuth issues a fresh authorization URL for the user and remembers the
// PKCE verifier. A previous pending request for the same user is replaced.
func (m *Manager) BeginAuth(userID string) (string, error) {
	verifier := oauth2.GenerateVerifier()

	authURL := m.client.AuthCodeURL("state-token",
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier),
	)

	m.mu.Lock()
	m.pending[userID] = &pendingFlow{
		verifier:  verifier,
		expiresAt: m.now().Add(m.ttl),
	}
	m.mu.Unlock()

	m.log.Info("authorization url issued", "user", userID)
	return authURL, nil
}

// SubmitCode exchanges a user-supplied code for a credential. raw may be the
// bare code, a "code=..." fragment, or the full redirect URL. An invalid code
// leaves the session in pending_code with the original verifier untouched.
func (m *Manager) SubmitCode(ctx context.Context, userID, raw string) error {
	code := ExtractCode(raw)
	if code == "" {
		return fmt.Errorf("no authorization code found in input")
	}

	m.mu.Lock()
	flow, ok := m.pending[userID]
	if ok && m.now().After(flow.expiresAt) {
		delete(m.pending, userID)
		m.mu.Unlock()
		return fmt.Errorf("%w: previous request expired", ErrNoPendingAuth)
	}
	m.mu.Unlock()

	if !ok {
		return ErrNoPendingAuth
	}

	tok, err := m.client.Exchange(ctx, code, oauth2.VerifierOption(flow.verifier))
	if err != nil {
		// Stay in pending_code; the user may retry with a corrected code.
		return fmt.Errorf("exchanging authorization code: %w", err)
	}

	if err := m.saveToken(ctx, userID, tok); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.pending, userID)
	m.mu.Unlock()

	m.log.Info("authorization complete", "user", userID)
	return nil
}

// Cancel drops a pending authorization request, clearing its verifier.
// It reports whether a request was pending.
func (m *Manager) Cancel(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[userID]; !ok {
		return false
	}
	delete(m.pending, userID)
	return true
}

// Revoke destroys a user's session: pending request and stored credential.
func (m *Manager) Revoke(ctx context.Context, userID string) error {
	m.mu.Lock()
	delete(m.pending, userID)
	m.mu.Unlock()
	return m.store.DeleteToken(ctx, userID)
}

// SessionState reports the user's current authorization state. A pending
// request takes precedence over a stored credential.
func (m *Manager) SessionState(ctx context.Context, userID string) State {
	m.mu.Lock()
	flow, ok := m.pending[userID]
	if ok && m.now().After(flow.expiresAt) {
		delete(m.pending, userID)
		ok = false
	}
	m.mu.Unlock()

	if ok {
		return StatePendingCode
	}

	if _, found, err := m.store.LoadToken(ctx, userID); err == nil && found {
		return StateAuthorized
	}
	return StateUnauthenticated
}

// Token returns a currently valid credential for the user, refreshing an
// expired one at most once. A failed refresh destroys the stored credential
// and surfaces ErrAuthRequired.
func (m *Manager) Token(ctx context.Context, userID string) (*oauth2.Token, error) {
	data, ok, err := m.store.LoadToken(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading credential for %s: %w", userID, err)
	}
	if !ok {
		return nil, ErrAuthRequired
	}

	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		// Corrupt persisted credential: degrade to unauthenticated.
		m.log.Warn("discarding unreadable stored credential", "user", userID, "err", err)
		_ = m.store.DeleteToken(ctx, userID)
		return nil, ErrAuthRequired
	}

	if tok.Valid() {
		return &tok, nil
	}

	refreshed, err := m.client.TokenSource(ctx, &tok).Token()
	if err != nil {
		m.log.Warn("credential refresh failed", "user", userID, "err", err)
		_ = m.store.DeleteToken(ctx, userID)
		return nil, fmt.Errorf("%w: refresh failed", ErrAuthRequired)
	}

	if refreshed.AccessToken != tok.AccessToken {
		if err := m.saveToken(ctx, userID, refreshed); err != nil {
			return nil, err
		}
	}

	return refreshed, nil
}

// TokenSource returns a static source over a freshly validated credential,
// suitable for a single external call sequence.
func (m *Manager) TokenSource(ctx context.Context, userID string) (oauth2.TokenSource, error) {
	tok, err := m.Token(ctx, userID)
	if err != nil {
		return nil, err
	}
	return oauth2.StaticTokenSource(tok), nil
}

func (m *Manager) saveToken(ctx context.Context, userID string, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("serializing credential: %w", err)
	}
	if err := m.store.SaveToken(ctx, userID, data); err != nil {
		return fmt.Errorf("persisting credential for %s: %w", userID, err)
	}
	return nil
}

// ExtractCode pulls the authorization code out of whatever the user pasted:
// a full redirect URL, a "code=..." fragment, or the bare code itself.
func ExtractCode(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		u, err := url.Parse(raw)
		if err != nil {
			return ""
		}
		return u.Query().Get("code")
	}

	if strings.HasPrefix(raw, "code=") {
		rest := strings.TrimPrefix(raw, "code=")
		if i := strings.Index(rest, "&"); i >= 0 {
			rest = rest[:i]
		}
		return rest
	}

	if i := strings.Index(raw, "&scope="); i >= 0 {
		return raw[:i]
	}

	return raw
}
