package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Broker drives the interactive consent step: it presents consentURL to the
// user and resolves with the redirect result once the provider returns
// control to the registered redirect target.
type Broker interface {
	Authorize(ctx context.Context, state, consentURL string) (RedirectResult, error)
}

// CallbackBroker is the default broker: it launches the consent page and
// waits for the agent's redirect callback route to deliver the result via
// Complete. Pending flows are keyed by OAuth state.
type CallbackBroker struct {
	launch func(url string) error
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan RedirectResult
}

// NewCallbackBroker constructs a broker. launch opens the consent page in the
// user's browser; when nil the URL is only logged for manual navigation.
func NewCallbackBroker(launch func(url string) error, logger *slog.Logger) *CallbackBroker {
	return &CallbackBroker{
		launch:  launch,
		logger:  logger,
		pending: make(map[string]chan RedirectResult),
	}
}

// Authorize registers the flow, presents the consent page, and blocks until
// the redirect arrives or ctx expires.
func (b *CallbackBroker) Authorize(ctx context.Context, state, consentURL string) (RedirectResult, error) {
	ch := make(chan RedirectResult, 1)

	b.mu.Lock()
	if _, exists := b.pending[state]; exists {
		b.mu.Unlock()
		return RedirectResult{}, fmt.Errorf("consent flow already pending for this state")
	}
	b.pending[state] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, state)
		b.mu.Unlock()
	}()

	if b.launch != nil {
		if err := b.launch(consentURL); err != nil {
			return RedirectResult{}, fmt.Errorf("open consent page: %w", err)
		}
	} else {
		b.logger.Info("open the consent page to continue sign-in", "url", consentURL)
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return RedirectResult{}, fmt.Errorf("waiting for consent redirect: %w", ctx.Err())
	}
}

// Complete delivers a redirect result to the flow waiting on its state. It
// reports whether a flow was waiting; duplicate deliveries are dropped.
func (b *CallbackBroker) Complete(res RedirectResult) bool {
	b.mu.Lock()
	ch, ok := b.pending[res.State]
	if ok {
		delete(b.pending, res.State)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Warn("redirect received for unknown or finished flow", "state", res.State)
		return false
	}
	ch <- res
	return true
}
