// Package auth implements the credential lifecycle: interactive sign-in via
// an external identity broker, proactive token renewal, and fan-out of
// auth-state changes to foreground views.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"recipeclipd/bus"
	"recipeclipd/vault"
)

// Listener observes auth-state changes. It receives the current user profile,
// or nil when signed out.
type Listener func(profile *vault.Profile)

// SessionConfig carries the provider endpoints the controller talks to
// outside the authorization flow itself.
type SessionConfig struct {
	UserinfoURL   string
	RevokeURL     string
	ClientTimeout time.Duration
}

// Session is the auth session controller for one foreground context. It owns
// the in-memory current user, the subscriber list, and the orchestration of
// sign-in, sign-out, and session restore. Background-driven token changes
// reach it as bus messages.
type Session struct {
	store     *vault.Store
	flow      AuthorizationFlow
	broker    Broker
	refresher *Refresher
	client    *http.Client
	cfg       SessionConfig
	logger    *slog.Logger

	mu        sync.Mutex
	current   *vault.Profile
	listeners map[int]Listener
	nextID    int

	unsubscribe []func()
}

// NewSession wires the controller and subscribes it to cross-context token
// events. Call Close when the context ends.
func NewSession(store *vault.Store, flow AuthorizationFlow, broker Broker, refresher *Refresher, b *bus.Bus, cfg SessionConfig, logger *slog.Logger) *Session {
	timeout := cfg.ClientTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s := &Session{
		store:     store,
		flow:      flow,
		broker:    broker,
		refresher: refresher,
		client:    &http.Client{Timeout: timeout},
		cfg:       cfg,
		logger:    logger,
		listeners: make(map[int]Listener),
	}

	s.unsubscribe = append(s.unsubscribe,
		b.Subscribe(bus.TopicTokenRefreshed, func(ctx context.Context, _ any) {
			s.adopt(s.store.Profile(ctx))
		}),
		b.Subscribe(bus.TopicAuthInvalid, func(ctx context.Context, _ any) {
			s.adopt(nil)
		}),
	)
	return s
}

// Close detaches the controller from the bus.
func (s *Session) Close() {
	for _, unsub := range s.unsubscribe {
		unsub()
	}
}

// CurrentUser returns the in-memory user profile, nil when signed out.
func (s *Session) CurrentUser() *vault.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// OnAuthStateChanged registers a listener and synchronously invokes it once
// with the current state, so late subscribers are never left stale. The
// returned function unsubscribes.
func (s *Session) OnAuthStateChanged(l Listener) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = l
	current := s.current
	s.mu.Unlock()

	l(current)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// SignIn runs the full interactive flow: consent, exchange, profile fetch,
// persist, notify. Any step failing surfaces as an AuthenticationError and
// leaves the session state untouched.
func (s *Session) SignIn(ctx context.Context) (*vault.Profile, error) {
	state := uuid.NewString()

	res, err := s.broker.Authorize(ctx, state, s.flow.ConsentURL(state))
	if err != nil {
		return nil, &AuthenticationError{Step: "consent", Err: err}
	}
	if res.Err != "" {
		return nil, &AuthenticationError{Step: "consent", Err: fmt.Errorf("provider returned %q", res.Err)}
	}
	if res.State != state {
		return nil, &AuthenticationError{Step: "consent", Err: fmt.Errorf("state mismatch in redirect")}
	}

	grant, err := s.flow.Exchange(ctx, res)
	if err != nil {
		return nil, &AuthenticationError{Step: "token exchange", Err: err}
	}

	profile, err := s.fetchProfile(ctx, grant.AccessToken)
	if err != nil {
		return nil, &AuthenticationError{Step: "profile fetch", Err: err}
	}

	creds := vault.Credentials{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		IDToken:      grant.IDToken,
	}
	if err := s.store.Save(ctx, creds, profile, grant.ExpiresIn); err != nil {
		return nil, &AuthenticationError{Step: "persist", Err: err}
	}

	s.logger.Info("signed in", "user", profile.Email)
	s.adopt(profile)
	return profile, nil
}

// SignOut revokes the access token best-effort, clears the store, and
// notifies subscribers. Local sign-out always succeeds regardless of the
// revocation outcome.
func (s *Session) SignOut(ctx context.Context) error {
	if tokens, err := s.store.Tokens(ctx); err == nil && tokens.AccessToken != "" {
		if err := s.revoke(ctx, tokens.AccessToken); err != nil {
			s.logger.Warn("token revocation failed, clearing local session anyway", "error", err)
		}
	}

	if err := s.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear credential record: %w", err)
	}
	s.logger.Info("signed out")
	s.adopt(nil)
	return nil
}

// LoadPersistedSession restores the session from the store on startup. A
// valid record is adopted directly; a present-but-expired one gets a single
// refresh attempt before giving up. Reports whether a session was restored.
func (s *Session) LoadPersistedSession(ctx context.Context) bool {
	if s.store.IsValid(ctx) {
		if profile := s.store.Profile(ctx); profile != nil {
			s.adopt(profile)
			return true
		}
	}

	if s.store.Present(ctx) && s.refresher != nil {
		if err := s.refresher.Refresh(ctx); err != nil {
			s.logger.Info("persisted session could not be refreshed", "error", err)
			return false
		}
		if profile := s.store.Profile(ctx); profile != nil {
			s.adopt(profile)
			return true
		}
	}
	return false
}

// adopt swaps the current user and notifies every subscriber.
func (s *Session) adopt(profile *vault.Profile) {
	s.mu.Lock()
	s.current = profile
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(profile)
	}
}

func (s *Session) fetchProfile(ctx context.Context, accessToken string) (*vault.Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.UserinfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("userinfo returned %d: %s", resp.StatusCode, body)
	}

	var profile vault.Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	if profile.ID == "" {
		return nil, fmt.Errorf("userinfo response missing subject id")
	}
	return &profile, nil
}

// revoke is the best-effort revocation call: token as query parameter,
// failure ignored by callers.
func (s *Session) revoke(ctx context.Context, accessToken string) error {
	if s.cfg.RevokeURL == "" {
		return nil
	}
	revokeURL := s.cfg.RevokeURL + "?token=" + url.QueryEscape(accessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, revokeURL, nil)
	if err != nil {
		return fmt.Errorf("build revocation request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("call revocation endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("revocation endpoint returned %d", resp.StatusCode)
	}
	return nil
}
