package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"recipeclipd/bus"
	"recipeclipd/vault"
)

// RefreshThreshold is the time-before-expiry window that triggers proactive
// renewal on a scheduled check.
const RefreshThreshold = 5 * time.Minute

// State describes the token session as observed through the store and the
// engine's in-flight flag.
type State int

const (
	StateNoSession State = iota
	StateValid
	StateExpiringSoon
	StateExpired
	StateRefreshInFlight
	StateRefreshFailed
)

func (s State) String() string {
	switch s {
	case StateNoSession:
		return "no-session"
	case StateValid:
		return "valid"
	case StateExpiringSoon:
		return "expiring-soon"
	case StateExpired:
		return "expired"
	case StateRefreshInFlight:
		return "refresh-in-flight"
	case StateRefreshFailed:
		return "refresh-failed"
	default:
		return "unknown"
	}
}

// Refresher renews the credential record before or after expiry. At most one
// renewal exchange is ever in flight: concurrent callers coalesce onto the
// same result, because duplicate refresh-token exchanges can invalidate the
// whole token family with some providers.
type Refresher struct {
	store  *vault.Store
	flow   AuthorizationFlow
	bus    *bus.Bus
	logger *slog.Logger

	group singleflight.Group

	mu       sync.Mutex
	inFlight bool

	now func() time.Time
}

// NewRefresher constructs the engine. Callers must also install it on the
// store via SetRefresher so expired reads renew transparently.
func NewRefresher(store *vault.Store, flow AuthorizationFlow, b *bus.Bus, logger *slog.Logger) *Refresher {
	return &Refresher{
		store:  store,
		flow:   flow,
		bus:    b,
		logger: logger,
		now:    time.Now,
	}
}

// State reports the current session state.
func (r *Refresher) State(ctx context.Context) State {
	r.mu.Lock()
	inFlight := r.inFlight
	r.mu.Unlock()
	if inFlight {
		return StateRefreshInFlight
	}

	if !r.store.Present(ctx) {
		return StateNoSession
	}
	remaining := r.store.TimeRemaining(ctx)
	switch {
	case remaining <= 0:
		return StateExpired
	case remaining < RefreshThreshold:
		return StateExpiringSoon
	default:
		return StateValid
	}
}

// CheckAndRefresh is the scheduled tick: it renews only when a record is
// present and inside the refresh threshold. Idempotent and safe to run when
// nothing needs doing.
func (r *Refresher) CheckAndRefresh(ctx context.Context) error {
	if !r.store.Present(ctx) {
		return nil
	}
	if remaining := r.store.TimeRemaining(ctx); remaining >= RefreshThreshold {
		return nil
	}
	return r.Refresh(ctx)
}

// Refresh forces a renewal exchange regardless of the threshold. Concurrent
// calls share one exchange and one result. The exchange runs to completion
// even if the triggering caller goes away.
func (r *Refresher) Refresh(ctx context.Context) error {
	_, err, _ := r.group.Do("refresh", func() (any, error) {
		return nil, r.doRefresh(context.WithoutCancel(ctx))
	})
	return err
}

func (r *Refresher) doRefresh(ctx context.Context) error {
	r.setInFlight(true)
	defer r.setInFlight(false)

	tokens, err := r.store.Tokens(ctx)
	if err != nil {
		return fmt.Errorf("load tokens for refresh: %w", err)
	}
	profile := r.store.Profile(ctx)

	grant, err := r.flow.Renew(ctx, tokens.RefreshToken)
	if err != nil {
		if IsNetworkError(err) {
			// Transient: keep the record, the next scheduled tick retries.
			r.logger.Warn("token refresh hit a network error, will retry on next tick", "error", err)
			return fmt.Errorf("renew tokens: %w", err)
		}
		r.logger.Error("provider rejected token refresh, clearing session", "error", err)
		if clearErr := r.store.Clear(ctx); clearErr != nil {
			r.logger.Error("clear credential record", "error", clearErr)
		}
		r.bus.Publish(bus.TopicAuthInvalid, nil)
		return fmt.Errorf("%w: %v", vault.ErrRefreshFailed, err)
	}

	creds := vault.Credentials{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		IDToken:      grant.IDToken,
	}
	// Preserve unrotated material: the provider may omit the refresh token
	// (no rotation) and usually omits the ID token on renewal.
	if creds.RefreshToken == "" {
		creds.RefreshToken = tokens.RefreshToken
	}
	if creds.IDToken == "" {
		creds.IDToken = tokens.IDToken
	}

	if err := r.store.Save(ctx, creds, profile, grant.ExpiresIn); err != nil {
		return fmt.Errorf("persist refreshed tokens: %w", err)
	}

	r.logger.Info("access token refreshed", "expires_in", grant.ExpiresIn.Round(time.Second))
	r.bus.Publish(bus.TopicTokenRefreshed, nil)
	return nil
}

func (r *Refresher) setInFlight(v bool) {
	r.mu.Lock()
	r.inFlight = v
	r.mu.Unlock()
}
