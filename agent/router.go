package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"recipeclipd/auth"
	"recipeclipd/extract"
	"recipeclipd/relay"
	"recipeclipd/vault"
)

// signInTimeout bounds one interactive consent round-trip.
const signInTimeout = 3 * time.Minute

// Routes constructs the agent's local HTTP surface.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))

	r.Get("/auth/callback", a.handleAuthCallback)
	r.Post("/auth/callback", a.handleAuthCallback)

	r.Get("/session", a.handleSession)
	r.Post("/session/signin", a.handleSignIn)
	r.Post("/session/signout", a.handleSignOut)

	r.Post("/relay", a.handleRelay)
	r.Post("/clip", a.handleClip)

	return r
}

// handleAuthCallback receives the provider redirect. The code flow lands here
// as a GET with query parameters; implicit-flow views re-post the URL
// fragment as a form, since fragments never reach the server on their own.
func (a *App) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed callback", http.StatusBadRequest)
		return
	}

	var res auth.RedirectResult
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		res = auth.RedirectResult{
			State: q.Get("state"),
			Code:  q.Get("code"),
			Err:   q.Get("error"),
		}
	default:
		res = auth.RedirectResult{
			State:    r.PostForm.Get("state"),
			Fragment: url.Values(r.PostForm),
			Err:      r.PostForm.Get("error"),
		}
	}

	if !a.broker.Complete(res) {
		http.Error(w, "no sign-in in progress", http.StatusGone)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body>Sign-in received. You can close this window.</body></html>"))
}

func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated":  a.Store.IsValid(r.Context()),
		"state":          a.Refresher.State(r.Context()).String(),
		"time_remaining": int64(a.Store.TimeRemaining(r.Context()).Seconds()),
		"user":           a.Session.CurrentUser(),
	})
}

func (a *App) handleSignIn(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), signInTimeout)
	defer cancel()

	profile, err := a.Session.SignIn(ctx)
	if err != nil {
		a.Logger.Warn("sign-in failed", "error", err)
		var authErr *auth.AuthenticationError
		if errors.As(err, &authErr) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": authErr.Error(), "retryable": true})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": profile})
}

func (a *App) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := a.Session.SignOut(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// relayEnvelope mirrors the extension message shape for proxied API calls.
type relayEnvelope struct {
	Action  string            `json:"action"`
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

func (a *App) handleRelay(w http.ResponseWriter, r *http.Request) {
	var env relayEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "malformed relay request"})
		return
	}
	if env.Action != "" && env.Action != "makeApiCall" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "unknown action " + env.Action})
		return
	}

	resp, err := a.Relay.Do(r.Context(), relay.Request{
		URL:     env.URL,
		Method:  env.Method,
		Headers: env.Headers,
		Body:    env.Body,
	})
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": resp})
}

// clipRequest is a snapshot submission from a foreground view.
type clipRequest struct {
	URL  string `json:"url"`
	HTML string `json:"html"`
}

func (a *App) handleClip(w http.ResponseWriter, r *http.Request) {
	var req clipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed clip request"})
		return
	}
	if strings.TrimSpace(req.HTML) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "html is required"})
		return
	}

	cleaned, err := extract.Clean(strings.NewReader(req.HTML))
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error()})
		return
	}
	compressed, err := extract.Compress([]byte(cleaned))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	recipe, err := a.Recipes.Extract(r.Context(), req.URL, compressed)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, vault.ErrNoToken) || errors.Is(err, vault.ErrRefreshFailed) {
			status = http.StatusUnauthorized
		}
		writeJSON(w, status, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, recipe)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
