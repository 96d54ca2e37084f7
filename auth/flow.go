package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// defaultTokenLifetime backstops providers that omit expires_in.
const defaultTokenLifetime = time.Hour

// FlowConfig parameterizes an authorization flow against one provider.
// When Issuer is set the endpoints come from OIDC discovery and ID tokens are
// verified; otherwise AuthURL/TokenURL are used as-is (tests point them at
// local fakes).
type FlowConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Issuer       string
	AuthURL      string
	TokenURL     string
}

// RedirectResult is what the identity broker hands back after the consent
// redirect: an authorization code in the query, or an implicit-flow token
// response in the URL fragment.
type RedirectResult struct {
	State    string
	Code     string
	Fragment url.Values
	Err      string
}

// Grant is the normalized outcome of a token exchange or renewal.
type Grant struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresIn    time.Duration
}

// AuthorizationFlow abstracts over the code-exchange and implicit OAuth
// variants. Both produce the same Grant from a redirect result; only the
// code flow can renew.
type AuthorizationFlow interface {
	ConsentURL(state string) string
	Exchange(ctx context.Context, res RedirectResult) (Grant, error)
	Renew(ctx context.Context, refreshToken string) (Grant, error)
}

// NewFlow selects the flow variant by name ("code" or "implicit").
func NewFlow(ctx context.Context, variant string, cfg FlowConfig, logger *slog.Logger) (AuthorizationFlow, error) {
	switch variant {
	case "", "code":
		return NewCodeFlow(ctx, cfg, logger)
	case "implicit":
		return NewImplicitFlow(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown authorization flow %q", variant)
	}
}

// CodeFlow implements the authorization-code grant with offline access, the
// only variant that yields a refresh token.
type CodeFlow struct {
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
	logger   *slog.Logger
}

// NewCodeFlow builds the flow, running OIDC discovery when an issuer is
// configured.
func NewCodeFlow(ctx context.Context, cfg FlowConfig, logger *slog.Logger) (*CodeFlow, error) {
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthURL,
			TokenURL: cfg.TokenURL,
		},
	}

	var verifier *oidc.IDTokenVerifier
	if cfg.Issuer != "" {
		provider, err := oidc.NewProvider(ctx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("discover provider: %w", err)
		}
		oauthCfg.Endpoint = provider.Endpoint()
		verifier = provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	}

	return &CodeFlow{oauth: oauthCfg, verifier: verifier, logger: logger}, nil
}

// ConsentURL builds the provider consent URL. access_type=offline plus
// prompt=consent forces refresh-token issuance on every grant.
func (f *CodeFlow) ConsentURL(state string) string {
	return f.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// Exchange swaps the authorization code for tokens and verifies the ID token
// when a verifier is available.
func (f *CodeFlow) Exchange(ctx context.Context, res RedirectResult) (Grant, error) {
	if res.Code == "" {
		return Grant{}, fmt.Errorf("redirect carried no authorization code")
	}
	tok, err := f.oauth.Exchange(ctx, res.Code)
	if err != nil {
		return Grant{}, fmt.Errorf("exchange code: %w", err)
	}
	return f.grantFromToken(ctx, tok)
}

// Renew performs a refresh-token grant.
func (f *CodeFlow) Renew(ctx context.Context, refreshToken string) (Grant, error) {
	if refreshToken == "" {
		return Grant{}, ErrRenewNotSupported
	}
	src := f.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return Grant{}, fmt.Errorf("refresh grant: %w", err)
	}
	grant, err := f.grantFromToken(ctx, tok)
	if err != nil {
		return Grant{}, err
	}
	// oauth2 echoes the input refresh token back; report rotation only.
	if grant.RefreshToken == refreshToken {
		grant.RefreshToken = ""
	}
	return grant, nil
}

func (f *CodeFlow) grantFromToken(ctx context.Context, tok *oauth2.Token) (Grant, error) {
	grant := Grant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    defaultTokenLifetime,
	}
	if !tok.Expiry.IsZero() {
		grant.ExpiresIn = time.Until(tok.Expiry)
	}

	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		if f.verifier != nil {
			if _, err := f.verifier.Verify(ctx, raw); err != nil {
				return Grant{}, fmt.Errorf("verify id_token: %w", err)
			}
		}
		grant.IDToken = raw
	}
	return grant, nil
}

// ImplicitFlow implements the legacy implicit grant: the access token arrives
// directly in the redirect fragment and there is nothing to renew.
type ImplicitFlow struct {
	cfg    FlowConfig
	logger *slog.Logger
}

// NewImplicitFlow constructs the implicit variant.
func NewImplicitFlow(cfg FlowConfig, logger *slog.Logger) *ImplicitFlow {
	return &ImplicitFlow{cfg: cfg, logger: logger}
}

// ConsentURL builds the consent URL with response_type=token.
func (f *ImplicitFlow) ConsentURL(state string) string {
	q := url.Values{}
	q.Set("client_id", f.cfg.ClientID)
	q.Set("redirect_uri", f.cfg.RedirectURL)
	q.Set("response_type", "token")
	q.Set("scope", strings.Join(f.cfg.Scopes, " "))
	q.Set("state", state)
	return f.cfg.AuthURL + "?" + q.Encode()
}

// Exchange reads the token response out of the redirect fragment.
func (f *ImplicitFlow) Exchange(ctx context.Context, res RedirectResult) (Grant, error) {
	accessToken := res.Fragment.Get("access_token")
	if accessToken == "" {
		return Grant{}, fmt.Errorf("redirect fragment carried no access token")
	}

	grant := Grant{
		AccessToken: accessToken,
		ExpiresIn:   defaultTokenLifetime,
	}
	if v := res.Fragment.Get("expires_in"); v != "" {
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil || secs <= 0 {
			return Grant{}, fmt.Errorf("invalid expires_in %q in redirect fragment", v)
		}
		grant.ExpiresIn = time.Duration(secs) * time.Second
	}

	if raw := res.Fragment.Get("id_token"); raw != "" {
		// No code exchange happened, so there is no verified channel; parse
		// the token structurally to reject garbage before persisting it.
		if _, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{}); err != nil {
			return Grant{}, fmt.Errorf("malformed id_token in redirect fragment: %w", err)
		}
		grant.IDToken = raw
	}
	return grant, nil
}

// Renew always fails: implicit sessions carry no refresh token.
func (f *ImplicitFlow) Renew(ctx context.Context, refreshToken string) (Grant, error) {
	return Grant{}, ErrRenewNotSupported
}
