package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capsync/internal/cache"
	"capsync/internal/capsync"
	"capsync/internal/encryption"
	"capsync/internal/storage"
	"capsync/internal/testutil"
)

// fakeBackend issues numbered tokens. A non-nil gate blocks Refresh, and a
// non-nil loginGate blocks Login, until closed.
type fakeBackend struct {
	clock      *testutil.StubClock
	ttl        time.Duration
	loginErr   error
	refreshErr error
	gate       chan struct{}
	loginGate  chan struct{}

	logins    atomic.Int32
	refreshes atomic.Int32
}

func (b *fakeBackend) Login(_ context.Context, creds capsync.Credentials) (*capsync.Credential, error) {
	b.logins.Add(1)
	if b.loginGate != nil {
		<-b.loginGate
	}
	if b.loginErr != nil {
		return nil, b.loginErr
	}
	return &capsync.Credential{Token: "token-0", RefreshToken: "refresh-0", ExpiresAt: b.clock.Now().Add(b.ttl)}, nil
}

func (b *fakeBackend) Refresh(_ context.Context, refreshToken string) (*capsync.Credential, error) {
	n := b.refreshes.Add(1)
	if b.gate != nil {
		<-b.gate
	}
	if b.refreshErr != nil {
		return nil, b.refreshErr
	}
	return &capsync.Credential{
		Token:        "token-" + string(rune('0'+n)),
		RefreshToken: "refresh-" + string(rune('0'+n)),
		ExpiresAt:    b.clock.Now().Add(b.ttl),
	}, nil
}

func newTestManager(t *testing.T) (*Manager, *fakeBackend, *cache.Store) {
	t.Helper()
	clock := testutil.FixedClock()
	store := cache.NewStore(storage.NewMemoryStore(), encryption.NewTestCipher(), capsync.NopLogger{}, KeyPrefix)
	backend := &fakeBackend{clock: clock, ttl: time.Hour}
	m := NewManager(backend, store, Options{DisableTimer: true}, capsync.NopLogger{}, clock)
	t.Cleanup(m.Close)
	return m, backend, store
}

func login(t *testing.T, m *Manager) {
	t.Helper()
	require.NoError(t, m.Authenticate(context.Background(), capsync.Credentials{Username: "ada", Password: "pw"}))
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()
	m, _, store := newTestManager(t)
	assert.Equal(t, Unauthenticated, m.State())

	login(t, m)
	assert.Equal(t, Authenticated, m.State())

	var persisted capsync.Credential
	ok, err := store.Get(context.Background(), CredentialKey, &persisted)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "token-0", persisted.Token)

	token, err := m.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-0", token)
}

func TestAuthenticate_Failure(t *testing.T) {
	t.Parallel()
	m, backend, _ := newTestManager(t)
	backend.loginErr = &capsync.HTTPError{Status: 403}

	err := m.Authenticate(context.Background(), capsync.Credentials{Username: "ada"})
	var aerr *capsync.AuthError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, Unauthenticated, m.State())

	_, err = m.ValidToken(context.Background())
	assert.ErrorIs(t, err, capsync.ErrNotAuthenticated)
}

func TestAuthenticate_LogoutDuringLoginLeavesNoCredential(t *testing.T) {
	t.Parallel()
	m, backend, store := newTestManager(t)
	backend.loginGate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- m.Authenticate(context.Background(), capsync.Credentials{Username: "ada", Password: "pw"})
	}()
	require.Eventually(t, func() bool { return backend.logins.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, m.Logout(context.Background()))
	close(backend.loginGate)

	var aerr *capsync.AuthError
	require.ErrorAs(t, <-done, &aerr)
	assert.Equal(t, Unauthenticated, m.State())

	ok, err := store.Get(context.Background(), CredentialKey, &capsync.Credential{})
	require.NoError(t, err)
	assert.False(t, ok, "cancelled login persisted a credential")

	restored, err := m.Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, restored)
}

func TestAuthenticate_RejectsWhenAlreadyAuthenticated(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)
	login(t, m)

	err := m.Authenticate(context.Background(), capsync.Credentials{Username: "ada"})
	var terr *IllegalTransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, Authenticated, terr.From)
}

func TestValidToken_RefreshesWithinMargin(t *testing.T) {
	t.Parallel()
	m, backend, _ := newTestManager(t)
	login(t, m)

	m.clock.(*testutil.StubClock).Advance(56 * time.Minute)
	token, err := m.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)
	assert.EqualValues(t, 1, backend.refreshes.Load())
	assert.Equal(t, Authenticated, m.State())
}

func TestValidToken_SingleFlight(t *testing.T) {
	t.Parallel()
	m, backend, _ := newTestManager(t)
	login(t, m)
	backend.gate = make(chan struct{})
	m.clock.(*testutil.StubClock).Advance(58 * time.Minute)

	const callers = 20
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], errs[i] = m.ValidToken(context.Background())
		}()
	}

	require.Eventually(t, func() bool { return backend.refreshes.Load() == 1 }, time.Second, time.Millisecond)
	// Give the other callers time to pile onto the in-flight refresh.
	time.Sleep(20 * time.Millisecond)
	close(backend.gate)
	wg.Wait()

	assert.EqualValues(t, 1, backend.refreshes.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "token-1", tokens[i])
	}
}

func TestOnUnauthorized_OneRefreshPerEpoch(t *testing.T) {
	t.Parallel()
	m, backend, _ := newTestManager(t)
	login(t, m)

	token, err := m.OnUnauthorized(context.Background(), "token-0")
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)

	// A late 401 for the old token reuses the refreshed one.
	token, err = m.OnUnauthorized(context.Background(), "token-0")
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)
	assert.EqualValues(t, 1, backend.refreshes.Load())
}

func TestRefreshRejected_ForcesLogout(t *testing.T) {
	t.Parallel()
	m, backend, store := newTestManager(t)
	login(t, m)
	backend.refreshErr = &capsync.HTTPError{Status: 401}

	_, err := m.OnUnauthorized(context.Background(), "token-0")
	var aerr *capsync.AuthError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, Unauthenticated, m.State())

	var persisted capsync.Credential
	ok, err := store.Get(context.Background(), CredentialKey, &persisted)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRefreshTransientFailure_KeepsSession(t *testing.T) {
	t.Parallel()
	m, backend, _ := newTestManager(t)
	login(t, m)
	backend.refreshErr = &capsync.NetworkError{Op: "refresh", Err: errors.New("timeout")}

	clock := m.clock.(*testutil.StubClock)
	clock.Advance(57 * time.Minute)
	token, err := m.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-0", token, "unexpired token is still usable")
	assert.Equal(t, Authenticated, m.State())

	clock.Advance(10 * time.Minute)
	_, err = m.ValidToken(context.Background())
	var nerr *capsync.NetworkError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, Authenticated, m.State())
}

func TestRestore(t *testing.T) {
	t.Parallel()
	m, backend, store := newTestManager(t)
	login(t, m)

	m2 := NewManager(backend, store, Options{DisableTimer: true}, capsync.NopLogger{}, m.clock)
	ok, err := m2.Restore(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Authenticated, m2.State())

	require.NoError(t, m2.Logout(context.Background()))
	m3 := NewManager(backend, store, Options{DisableTimer: true}, capsync.NopLogger{}, m.clock)
	ok, err = m3.Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Unauthenticated, m3.State())
}

func TestLogout(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)
	login(t, m)

	require.NoError(t, m.Logout(context.Background()))
	assert.Equal(t, Unauthenticated, m.State())
	_, err := m.ValidToken(context.Background())
	assert.ErrorIs(t, err, capsync.ErrNotAuthenticated)

	// Logging out twice is harmless.
	require.NoError(t, m.Logout(context.Background()))
}

func TestScheduledRefresh(t *testing.T) {
	t.Parallel()
	clock := testutil.FixedClock()
	store := cache.NewStore(storage.NewMemoryStore(), encryption.NewTestCipher(), capsync.NopLogger{}, KeyPrefix)
	// Short-lived tokens are refreshed at half their lifetime.
	backend := &fakeBackend{clock: clock, ttl: 40 * time.Millisecond}
	m := NewManager(backend, store, Options{}, capsync.NopLogger{}, clock)
	t.Cleanup(m.Close)

	login(t, m)
	require.Eventually(t, func() bool { return backend.refreshes.Load() >= 1 }, time.Second, time.Millisecond)
}

func TestExpiryFromJWT(t *testing.T) {
	t.Parallel()
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix(), "sub": "ada"}).
		SignedString([]byte("test-secret"))
	require.NoError(t, err)

	got, ok := expiryFromToken(signed)
	require.True(t, ok)
	assert.True(t, got.Equal(exp))

	_, ok = expiryFromToken("opaque-token")
	assert.False(t, ok)
}

func TestTransitions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to State
		want     bool
	}{
		{Unauthenticated, Authenticating, true},
		{Unauthenticated, Authenticated, false},
		{Authenticating, Authenticated, true},
		{Authenticated, Refreshing, true},
		{Refreshing, Authenticated, true},
		{Refreshing, Unauthenticated, true},
		{Authenticated, Authenticating, false},
		{Refreshing, Refreshing, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, canTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}
