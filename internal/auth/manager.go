// Package auth manages the session credential: login, persistence,
// proactive and reactive refresh, and logout.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"capsync/internal/cache"
	"capsync/internal/capsync"
)

// Store keys. The "auth:" prefix is registered as sensitive.
const (
	KeyPrefix     = "auth:"
	CredentialKey = KeyPrefix + "credential"
)

// DefaultRefreshMargin is how long before expiry a token is refreshed.
const DefaultRefreshMargin = 5 * time.Minute

// Backend talks to the remote auth endpoints.
type Backend interface {
	Login(ctx context.Context, creds capsync.Credentials) (*capsync.Credential, error)
	Refresh(ctx context.Context, refreshToken string) (*capsync.Credential, error)
}

// Options tune the Manager.
type Options struct {
	RefreshMargin time.Duration
	// DisableTimer turns off the proactive refresh timer.
	DisableTimer bool
}

// Manager owns the credential and its refresh timer. Refreshes are
// single-flight per credential epoch: however many callers ask, at most one
// refresh request is made for a given credential.
type Manager struct {
	backend Backend
	store   *cache.Store
	opts    Options
	logger  capsync.Logger
	clock   capsync.Clock

	mu    sync.Mutex
	state State
	cred  *capsync.Credential
	epoch uint64
	timer *time.Timer
	// margin is the refresh margin for the current credential: the
	// configured margin, or half the lifetime of a shorter-lived token.
	margin time.Duration

	flight singleflight.Group
}

// NewManager creates a Manager in the Unauthenticated state.
func NewManager(backend Backend, store *cache.Store, opts Options, logger capsync.Logger, clock capsync.Clock) *Manager {
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = DefaultRefreshMargin
	}
	return &Manager{
		backend: backend,
		store:   store,
		opts:    opts,
		logger:  logger,
		clock:   clock,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition moves to the next state. Callers hold mu.
func (m *Manager) transition(to State) error {
	if !canTransition(m.state, to) {
		return &IllegalTransitionError{From: m.state, To: to}
	}
	m.logger.Debug("auth state changed", "from", m.state.String(), "to", to.String())
	m.state = to
	return nil
}

// Authenticate logs in with creds and persists the resulting credential.
func (m *Manager) Authenticate(ctx context.Context, creds capsync.Credentials) error {
	m.mu.Lock()
	if err := m.transition(Authenticating); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	cred, err := m.backend.Login(ctx, creds)
	if err == nil {
		err = m.complete(cred)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Authenticating {
		return &capsync.AuthError{Reason: "login cancelled"}
	}
	// Persisted under mu so a Logout racing the login cannot leave a
	// credential behind.
	if err == nil {
		err = m.store.Set(ctx, CredentialKey, cred)
	}
	if err != nil {
		_ = m.transition(Unauthenticated)
		return &capsync.AuthError{Reason: "login failed", Err: err}
	}
	m.install(cred)
	m.logger.Info("authenticated", "user", creds.Username, "expires_at", cred.ExpiresAt)
	return nil
}

// Restore reloads a persisted credential. It reports false when none was
// stored or the stored one was unreadable.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	var cred capsync.Credential
	ok, err := m.store.Get(ctx, CredentialKey, &cred)
	if err != nil {
		var derr *capsync.DecryptionError
		if errors.As(err, &derr) {
			m.logger.Warn("stored credential was unreadable and has been discarded")
			return false, nil
		}
		return false, fmt.Errorf("restoring credential: %w", err)
	}
	if !ok || cred.Token == "" {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Unauthenticated {
		return false, &IllegalTransitionError{From: m.state, To: Authenticating}
	}
	_ = m.transition(Authenticating)
	m.install(&cred)
	return true, nil
}

// install makes cred current and starts a new epoch. Callers hold mu and
// are in Authenticating or Refreshing.
func (m *Manager) install(cred *capsync.Credential) {
	_ = m.transition(Authenticated)
	m.cred = cred
	m.epoch++
	m.margin = m.opts.RefreshMargin
	if life := cred.ExpiresAt.Sub(m.clock.Now()); !cred.ExpiresAt.IsZero() && life < 2*m.margin {
		m.margin = max(life/2, 0)
	}
	m.schedule()
}

// complete fills a missing expiry from the token's exp claim.
func (m *Manager) complete(cred *capsync.Credential) error {
	if cred == nil || cred.Token == "" {
		return errors.New("server returned no token")
	}
	if cred.ExpiresAt.IsZero() {
		if exp, ok := expiryFromToken(cred.Token); ok {
			cred.ExpiresAt = exp
		}
	}
	return nil
}

// ValidToken returns a token that is not within the refresh margin of its
// expiry, refreshing first when needed.
func (m *Manager) ValidToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.cred == nil || (m.state != Authenticated && m.state != Refreshing) {
		m.mu.Unlock()
		return "", capsync.ErrNotAuthenticated
	}
	if !m.dueLocked() {
		token := m.cred.Token
		m.mu.Unlock()
		return token, nil
	}
	epoch := m.epoch
	m.mu.Unlock()

	return m.refresh(ctx, epoch)
}

// OnUnauthorized handles a 401 for a request made with staleToken. It
// returns the token to replay with. A token that was already replaced is
// returned without another refresh.
func (m *Manager) OnUnauthorized(ctx context.Context, staleToken string) (string, error) {
	m.mu.Lock()
	if m.cred == nil {
		m.mu.Unlock()
		return "", capsync.ErrNotAuthenticated
	}
	if m.cred.Token != staleToken {
		token := m.cred.Token
		m.mu.Unlock()
		return token, nil
	}
	epoch := m.epoch
	m.mu.Unlock()

	return m.refresh(ctx, epoch)
}

// ForceLogout drops the session after an irrecoverable auth failure.
func (m *Manager) ForceLogout(ctx context.Context, reason string) error {
	if m.clear() {
		m.logger.Warn("session ended", "reason", reason)
	}
	if err := m.store.Delete(ctx, CredentialKey); err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return nil
}

// Logout ends the session at the user's request.
func (m *Manager) Logout(ctx context.Context) error {
	if m.clear() {
		m.logger.Info("logged out")
	}
	if err := m.store.Delete(ctx, CredentialKey); err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return nil
}

// Close stops the refresh timer.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimer()
}

func (m *Manager) clear() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Unauthenticated {
		return false
	}
	_ = m.transition(Unauthenticated)
	m.cred = nil
	m.epoch++
	m.stopTimer()
	return true
}

func (m *Manager) dueLocked() bool {
	if m.cred.ExpiresAt.IsZero() {
		return false
	}
	return !m.clock.Now().Before(m.cred.ExpiresAt.Add(-m.margin))
}

// refresh joins or starts the refresh for epoch. A caller whose context
// ends stops waiting; the shared refresh continues for the others.
func (m *Manager) refresh(ctx context.Context, epoch uint64) (string, error) {
	ch := m.flight.DoChan(strconv.FormatUint(epoch, 10), func() (any, error) {
		return m.doRefresh(context.WithoutCancel(ctx), epoch)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) doRefresh(ctx context.Context, epoch uint64) (string, error) {
	m.mu.Lock()
	if m.epoch != epoch {
		// Already refreshed, or logged out, under this epoch.
		defer m.mu.Unlock()
		if m.cred == nil {
			return "", capsync.ErrNotAuthenticated
		}
		return m.cred.Token, nil
	}
	if err := m.transition(Refreshing); err != nil {
		m.mu.Unlock()
		return "", err
	}
	refreshToken := m.cred.RefreshToken
	m.mu.Unlock()

	cred, err := m.backend.Refresh(ctx, refreshToken)
	if err == nil {
		err = m.complete(cred)
	}
	if err != nil {
		return m.refreshFailed(ctx, epoch, err)
	}

	if err := m.store.Set(ctx, CredentialKey, cred); err != nil {
		m.logger.Error("failed to persist refreshed credential", "error", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch || m.state != Refreshing {
		// Logged out while the refresh was in flight.
		return "", capsync.ErrNotAuthenticated
	}
	m.install(cred)
	m.logger.Info("token refreshed", "expires_at", cred.ExpiresAt)
	return cred.Token, nil
}

// refreshFailed keeps the session on transient failures and ends it on
// anything else. After a transient failure the current token is still
// handed out while it has not actually expired.
func (m *Manager) refreshFailed(ctx context.Context, epoch uint64, err error) (string, error) {
	if capsync.IsRetryable(err) {
		m.logger.Warn("token refresh failed, will retry", "error", err)
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.epoch != epoch || m.state != Refreshing {
			return "", capsync.ErrNotAuthenticated
		}
		_ = m.transition(Authenticated)
		if m.cred.ExpiresAt.IsZero() || m.clock.Now().Before(m.cred.ExpiresAt) {
			return m.cred.Token, nil
		}
		return "", fmt.Errorf("refreshing token: %w", err)
	}

	if lerr := m.ForceLogout(ctx, "refresh rejected"); lerr != nil {
		m.logger.Error("failed to clear credential", "error", lerr)
	}
	return "", &capsync.AuthError{Reason: "refresh rejected", Err: err}
}

// schedule arms the proactive refresh timer. Callers hold mu.
func (m *Manager) schedule() {
	m.stopTimer()
	if m.opts.DisableTimer || m.cred.ExpiresAt.IsZero() {
		return
	}
	d := max(m.cred.ExpiresAt.Add(-m.margin).Sub(m.clock.Now()), 0)
	epoch := m.epoch
	m.timer = time.AfterFunc(d, func() {
		if _, err := m.refresh(context.Background(), epoch); err != nil {
			m.logger.Warn("scheduled token refresh failed", "error", err)
		}
	})
}

func (m *Manager) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
