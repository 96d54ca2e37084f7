// Package recipeapi is the client for the remote recipe-extraction API. Calls
// go through the agent relay with a bearer token from the vault; a 401 gets
// one forced refresh and a single retry before surfacing.
package recipeapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"recipeclipd/relay"
	"recipeclipd/vault"
)

// Recipe is the structured extraction result.
type Recipe struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	ImageURL     string          `json:"image_url,omitempty"`
	Yield        string          `json:"yield,omitempty"`
	TotalTime    string          `json:"total_time,omitempty"`
	Ingredients  []string        `json:"ingredients"`
	Instructions []string        `json:"instructions"`
	Raw          json.RawMessage `json:"-"`
}

// Forcer triggers a threshold-bypassing token refresh after an auth error
// from the API.
type Forcer interface {
	Refresh(ctx context.Context) error
}

// Client posts compressed snapshots for extraction.
type Client struct {
	relay      *relay.Relay
	store      *vault.Store
	forcer     Forcer
	extractURL string
	logger     *slog.Logger
}

// New constructs the client.
func New(r *relay.Relay, store *vault.Store, forcer Forcer, extractURL string, logger *slog.Logger) *Client {
	return &Client{
		relay:      r,
		store:      store,
		forcer:     forcer,
		extractURL: extractURL,
		logger:     logger,
	}
}

// Extract sends the gzip-compressed HTML snapshot and returns the structured
// recipe. sourceURL identifies the page the snapshot came from.
func (c *Client) Extract(ctx context.Context, sourceURL string, compressed []byte) (*Recipe, error) {
	resp, err := c.call(ctx, sourceURL, compressed)
	if err != nil {
		return nil, err
	}

	if resp.Status == http.StatusUnauthorized && c.forcer != nil {
		c.logger.Info("recipe api rejected token, forcing refresh")
		if err := c.forcer.Refresh(ctx); err != nil {
			return nil, fmt.Errorf("refresh after auth rejection: %w", err)
		}
		if resp, err = c.call(ctx, sourceURL, compressed); err != nil {
			return nil, err
		}
	}

	if resp.Status != http.StatusOK {
		return nil, fmt.Errorf("recipe api returned %d: %s", resp.Status, truncate(resp.Body, 256))
	}

	var recipe Recipe
	if err := json.Unmarshal(resp.Body, &recipe); err != nil {
		return nil, fmt.Errorf("decode recipe: %w", err)
	}
	recipe.Raw = append(json.RawMessage(nil), resp.Body...)
	return &recipe, nil
}

func (c *Client) call(ctx context.Context, sourceURL string, compressed []byte) (relay.Response, error) {
	token, err := c.store.AccessToken(ctx)
	if err != nil {
		return relay.Response{}, fmt.Errorf("obtain bearer token: %w", err)
	}

	return c.relay.Do(ctx, relay.Request{
		URL:    c.extractURL,
		Method: http.MethodPost,
		Headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"Content-Type":     "text/html; charset=utf-8",
			"Content-Encoding": "gzip",
			"X-Source-URL":     sourceURL,
		},
		Body: compressed,
	})
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
