package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recipeclipd/bus"
	"recipeclipd/vault"
)

// fakeBroker resolves the consent step immediately with a scripted result.
type fakeBroker struct {
	res RedirectResult
	err error
}

func (b *fakeBroker) Authorize(ctx context.Context, state, consentURL string) (RedirectResult, error) {
	if b.err != nil {
		return RedirectResult{}, b.err
	}
	res := b.res
	if res.State == "" {
		res.State = state
	}
	return res, nil
}

type sessionFixture struct {
	store   *vault.Store
	bus     *bus.Bus
	session *Session
	flow    *fakeFlow
	broker  *fakeBroker
	userSrv *httptest.Server
}

func newSessionFixture(t *testing.T, revokeURL string) *sessionFixture {
	t.Helper()
	logger := testLogger()

	store, err := vault.Open(filepath.Join(t.TempDir(), "vault.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	userSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-new" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"id": "u1", "name": "Ada", "email": "ada@example.com", "picture": "https://img/a.png",
		})
	}))
	t.Cleanup(userSrv.Close)

	flow := &fakeFlow{grant: Grant{AccessToken: "access-new", RefreshToken: "refresh-new", ExpiresIn: time.Hour}}
	broker := &fakeBroker{res: RedirectResult{Code: "the-code"}}

	b := bus.New(logger)
	refresher := NewRefresher(store, flow, b, logger)
	store.SetRefresher(refresher)

	session := NewSession(store, flow, broker, refresher, b, SessionConfig{
		UserinfoURL: userSrv.URL,
		RevokeURL:   revokeURL,
	}, logger)
	t.Cleanup(session.Close)

	return &sessionFixture{store: store, bus: b, session: session, flow: flow, broker: broker, userSrv: userSrv}
}

func TestSignInHappyPath(t *testing.T) {
	f := newSessionFixture(t, "")
	ctx := context.Background()

	profile, err := f.session.SignIn(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", profile.Email)
	assert.Equal(t, profile, f.session.CurrentUser())

	assert.True(t, f.store.IsValid(ctx))
	tokens, err := f.store.Tokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-new", tokens.AccessToken)
	assert.Equal(t, "refresh-new", tokens.RefreshToken)
}

func TestSignInConsentDenied(t *testing.T) {
	f := newSessionFixture(t, "")
	f.broker.res = RedirectResult{Err: "access_denied"}

	_, err := f.session.SignIn(context.Background())
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "consent", authErr.Step)

	// All-or-nothing: nothing persisted, nobody signed in.
	assert.False(t, f.store.Present(context.Background()))
	assert.Nil(t, f.session.CurrentUser())
}

func TestSignInStateMismatch(t *testing.T) {
	f := newSessionFixture(t, "")
	f.broker.res = RedirectResult{State: "forged", Code: "the-code"}

	_, err := f.session.SignIn(context.Background())
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Nil(t, f.session.CurrentUser())
}

func TestSignInExchangeFailure(t *testing.T) {
	f := newSessionFixture(t, "")
	f.flow.err = errors.New("invalid_grant")

	_, err := f.session.SignIn(context.Background())
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "token exchange", authErr.Step)
	assert.False(t, f.store.Present(context.Background()))
}

func TestSignInProfileFetchFailure(t *testing.T) {
	f := newSessionFixture(t, "")
	f.flow.grant.AccessToken = "not-the-expected-token" // userinfo fake rejects it

	_, err := f.session.SignIn(context.Background())
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "profile fetch", authErr.Step)
	assert.False(t, f.store.Present(context.Background()))
}

func TestOnAuthStateChangedReplaysImmediately(t *testing.T) {
	f := newSessionFixture(t, "")
	_, err := f.session.SignIn(context.Background())
	require.NoError(t, err)

	// Late subscriber sees the current user synchronously, before any
	// further state change.
	var got []*vault.Profile
	unsub := f.session.OnAuthStateChanged(func(p *vault.Profile) {
		got = append(got, p)
	})
	defer unsub()

	require.Len(t, got, 1)
	require.NotNil(t, got[0])
	assert.Equal(t, "ada@example.com", got[0].Email)
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	f := newSessionFixture(t, "")

	calls := 0
	unsub := f.session.OnAuthStateChanged(func(p *vault.Profile) { calls++ })
	require.Equal(t, 1, calls)

	unsub()
	_, err := f.session.SignIn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestSignOutWithUnreachableRevocation(t *testing.T) {
	// Port 1 is never listening: revocation must fail without blocking
	// local sign-out.
	f := newSessionFixture(t, "http://127.0.0.1:1/revoke")
	ctx := context.Background()

	_, err := f.session.SignIn(ctx)
	require.NoError(t, err)

	var last *vault.Profile
	f.session.OnAuthStateChanged(func(p *vault.Profile) { last = p })
	require.NotNil(t, last)

	require.NoError(t, f.session.SignOut(ctx))
	assert.False(t, f.store.IsValid(ctx))
	assert.Nil(t, f.session.CurrentUser())
	assert.Nil(t, last)
}

func TestLoadPersistedSessionValid(t *testing.T) {
	f := newSessionFixture(t, "")
	ctx := context.Background()

	creds := vault.Credentials{AccessToken: "access-new", RefreshToken: "refresh-new"}
	profile := &vault.Profile{ID: "u1", Name: "Ada", Email: "ada@example.com"}
	require.NoError(t, f.store.Save(ctx, creds, profile, time.Hour))

	assert.True(t, f.session.LoadPersistedSession(ctx))
	require.NotNil(t, f.session.CurrentUser())
	assert.Equal(t, "ada@example.com", f.session.CurrentUser().Email)
}

func TestLoadPersistedSessionExpiredRefreshes(t *testing.T) {
	f := newSessionFixture(t, "")
	ctx := context.Background()

	creds := vault.Credentials{AccessToken: "access-old", RefreshToken: "refresh-old"}
	profile := &vault.Profile{ID: "u1", Name: "Ada", Email: "ada@example.com"}
	require.NoError(t, f.store.Save(ctx, creds, profile, time.Nanosecond))
	time.Sleep(time.Millisecond)

	assert.True(t, f.session.LoadPersistedSession(ctx))
	assert.Equal(t, int32(1), f.flow.renews.Load())
	assert.True(t, f.store.IsValid(ctx))
	require.NotNil(t, f.session.CurrentUser())
}

func TestLoadPersistedSessionEmpty(t *testing.T) {
	f := newSessionFixture(t, "")
	assert.False(t, f.session.LoadPersistedSession(context.Background()))
	assert.Nil(t, f.session.CurrentUser())
}

func TestBackgroundInvalidationReachesSubscribers(t *testing.T) {
	f := newSessionFixture(t, "")
	ctx := context.Background()

	_, err := f.session.SignIn(ctx)
	require.NoError(t, err)

	gotNil := make(chan struct{}, 1)
	f.session.OnAuthStateChanged(func(p *vault.Profile) {
		if p == nil {
			gotNil <- struct{}{}
		}
	})

	// A refresh failure in the background context invalidates the session.
	f.flow.err = errors.New("invalid_grant")
	refresher := NewRefresher(f.store, f.flow, f.bus, testLogger())
	require.ErrorIs(t, refresher.Refresh(ctx), vault.ErrRefreshFailed)

	select {
	case <-gotNil:
	case <-time.After(time.Second):
		t.Fatal("subscriber never saw the null user notification")
	}
	assert.Nil(t, f.session.CurrentUser())
	assert.False(t, f.store.IsValid(ctx))
}

func TestBackgroundRefreshUpdatesSubscribers(t *testing.T) {
	f := newSessionFixture(t, "")
	ctx := context.Background()

	creds := vault.Credentials{AccessToken: "access-old", RefreshToken: "refresh-old"}
	profile := &vault.Profile{ID: "u1", Name: "Ada", Email: "ada@example.com"}
	require.NoError(t, f.store.Save(ctx, creds, profile, time.Hour))

	gotUser := make(chan *vault.Profile, 2)
	f.session.OnAuthStateChanged(func(p *vault.Profile) {
		if p != nil {
			gotUser <- p
		}
	})

	// Simulate the background context renewing the token: the controller
	// re-reads the store and re-notifies.
	refresher := NewRefresher(f.store, f.flow, f.bus, testLogger())
	require.NoError(t, refresher.Refresh(ctx))

	select {
	case p := <-gotUser:
		assert.Equal(t, "ada@example.com", p.Email)
	case <-time.After(time.Second):
		t.Fatal("subscriber never saw the refreshed session")
	}
}
