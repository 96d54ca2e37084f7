// Package agent is the background context of recipeclipd: it owns the vault,
// the refresh engine and its scheduler, the network relay, and the local HTTP
// surface that foreground views talk to.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"recipeclipd/auth"
	"recipeclipd/bus"
	"recipeclipd/recipeapi"
	"recipeclipd/relay"
	"recipeclipd/vault"
)

// App bundles the wired components of one agent process.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Store     *vault.Store
	Bus       *bus.Bus
	Refresher *auth.Refresher
	Session   *auth.Session
	Scheduler *Scheduler
	Relay     *relay.Relay
	Recipes   *recipeapi.Client

	broker *auth.CallbackBroker
}

// NewApp constructs and wires the agent.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	if err := os.MkdirAll(cfg.Server.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	store, err := vault.Open(filepath.Join(cfg.Server.DataDir, "recipeclipd.db"), logger)
	if err != nil {
		return nil, err
	}

	messageBus := bus.New(logger)

	flow, err := auth.NewFlow(ctx, cfg.OAuth.Flow, auth.FlowConfig{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURL:  cfg.OAuth.RedirectURL,
		Scopes:       cfg.OAuth.Scopes,
		Issuer:       cfg.OAuth.Issuer,
		AuthURL:      cfg.OAuth.AuthURL,
		TokenURL:     cfg.OAuth.TokenURL,
	}, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init authorization flow: %w", err)
	}

	refresher := auth.NewRefresher(store, flow, messageBus, logger)
	store.SetRefresher(refresher)

	broker := auth.NewCallbackBroker(launcher(cfg.Server.LaunchCommand), logger)
	session := auth.NewSession(store, flow, broker, refresher, messageBus, auth.SessionConfig{
		UserinfoURL: cfg.OAuth.UserinfoURL,
		RevokeURL:   cfg.OAuth.RevokeURL,
	}, logger)

	scheduler := NewScheduler(store, logger)
	scheduler.OnWake(func(ctx context.Context) {
		if err := refresher.CheckAndRefresh(ctx); err != nil {
			logger.Warn("scheduled refresh check failed", "error", err)
		}
	})

	apiRelay := relay.New(cfg.Relay.AllowedHosts, cfg.Relay.Timeout, logger)
	recipes := recipeapi.New(apiRelay, store, refresher, cfg.API.ExtractURL, logger)

	app := &App{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Bus:       messageBus,
		Refresher: refresher,
		Session:   session,
		Scheduler: scheduler,
		Relay:     apiRelay,
		Recipes:   recipes,
		broker:    broker,
	}

	// Every successful token write narrows the next wake to just before the
	// new expiry; the baseline tick stays as the safety net.
	messageBus.Subscribe(bus.TopicTokenRefreshed, func(ctx context.Context, _ any) {
		app.rescheduleExpiryAlarm(ctx)
	})

	return app, nil
}

// Start arms the scheduler and restores a persisted session if one exists.
func (a *App) Start(ctx context.Context) error {
	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}
	if a.Session.LoadPersistedSession(ctx) {
		a.rescheduleExpiryAlarm(ctx)
		a.Logger.Info("persisted session restored", "user", a.Session.CurrentUser().Email)
	} else {
		a.Logger.Info("no persisted session, sign-in required")
	}
	return nil
}

// Shutdown tears the agent down in dependency order.
func (a *App) Shutdown() {
	a.Scheduler.Stop()
	a.Session.Close()
	a.Bus.Close()
	if err := a.Store.Close(); err != nil {
		a.Logger.Error("close vault", "error", err)
	}
}

func (a *App) rescheduleExpiryAlarm(ctx context.Context) {
	remaining := a.Store.TimeRemaining(ctx)
	if remaining <= 0 {
		return
	}
	delay := remaining - expiryLead
	if delay < 0 {
		delay = 0
	}
	if err := a.Scheduler.Schedule(ctx, expiryAlarm, delay, 0); err != nil {
		a.Logger.Error("schedule expiry alarm", "error", err)
	}
}

// launcher builds the consent-page opener from config, nil when unset (the
// URL is then logged for manual navigation).
func launcher(command string) func(url string) error {
	if command == "" {
		return nil
	}
	return func(url string) error {
		return exec.Command(command, url).Start()
	}
}
