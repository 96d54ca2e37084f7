package auth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFlowConfig(tokenURL string) FlowConfig {
	return FlowConfig{
		ClientID:     "client-1",
		ClientSecret: "secret",
		RedirectURL:  "http://127.0.0.1:8237/auth/callback",
		Scopes:       []string{"openid", "email", "profile"},
		AuthURL:      "https://provider.test/auth",
		TokenURL:     tokenURL,
	}
}

func signedTestJWT(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "user-1",
		"email": "ada@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	raw, err := token.SignedString([]byte("test-key"))
	require.NoError(t, err)
	return raw
}

func TestCodeFlowConsentURLForcesOfflineConsent(t *testing.T) {
	flow, err := NewCodeFlow(context.Background(), testFlowConfig("https://provider.test/token"), testLogger())
	require.NoError(t, err)

	consent, err := url.Parse(flow.ConsentURL("state-1"))
	require.NoError(t, err)

	q := consent.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Equal(t, "state-1", q.Get("state"))
	assert.Contains(t, q.Get("scope"), "openid")
}

func TestCodeFlowExchange(t *testing.T) {
	idToken := signedTestJWT(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "the-code", r.PostForm.Get("code"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"id_token":      idToken,
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	flow, err := NewCodeFlow(context.Background(), testFlowConfig(srv.URL), testLogger())
	require.NoError(t, err)

	grant, err := flow.Exchange(context.Background(), RedirectResult{State: "s", Code: "the-code"})
	require.NoError(t, err)
	assert.Equal(t, "access-1", grant.AccessToken)
	assert.Equal(t, "refresh-1", grant.RefreshToken)
	assert.Equal(t, idToken, grant.IDToken)
	assert.InDelta(t, time.Hour.Seconds(), grant.ExpiresIn.Seconds(), 5.0)
}

func TestCodeFlowExchangeWithoutCode(t *testing.T) {
	flow, err := NewCodeFlow(context.Background(), testFlowConfig("https://provider.test/token"), testLogger())
	require.NoError(t, err)

	_, err = flow.Exchange(context.Background(), RedirectResult{State: "s"})
	require.Error(t, err)
}

func TestCodeFlowRenewReportsRotationOnly(t *testing.T) {
	rotated := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "refresh-old", r.PostForm.Get("refresh_token"))

		resp := map[string]any{
			"access_token": "access-2",
			"token_type":   "Bearer",
			"expires_in":   1800,
		}
		if rotated {
			resp["refresh_token"] = "refresh-new"
		} else {
			resp["refresh_token"] = "refresh-old"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	flow, err := NewCodeFlow(context.Background(), testFlowConfig(srv.URL), testLogger())
	require.NoError(t, err)

	// Provider echoes the same refresh token: no rotation reported.
	grant, err := flow.Renew(context.Background(), "refresh-old")
	require.NoError(t, err)
	assert.Equal(t, "access-2", grant.AccessToken)
	assert.Empty(t, grant.RefreshToken)

	rotated = true
	grant, err = flow.Renew(context.Background(), "refresh-old")
	require.NoError(t, err)
	assert.Equal(t, "refresh-new", grant.RefreshToken)
}

func TestCodeFlowRenewRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer srv.Close()

	flow, err := NewCodeFlow(context.Background(), testFlowConfig(srv.URL), testLogger())
	require.NoError(t, err)

	_, err = flow.Renew(context.Background(), "revoked")
	require.Error(t, err)
	assert.False(t, IsNetworkError(err))
}

func TestCodeFlowRenewNetworkFailure(t *testing.T) {
	flow, err := NewCodeFlow(context.Background(), testFlowConfig("http://127.0.0.1:1/token"), testLogger())
	require.NoError(t, err)

	_, err = flow.Renew(context.Background(), "refresh-old")
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
}

func TestCodeFlowRenewWithoutRefreshToken(t *testing.T) {
	flow, err := NewCodeFlow(context.Background(), testFlowConfig("https://provider.test/token"), testLogger())
	require.NoError(t, err)

	_, err = flow.Renew(context.Background(), "")
	require.ErrorIs(t, err, ErrRenewNotSupported)
}

func TestImplicitFlowConsentURL(t *testing.T) {
	flow := NewImplicitFlow(testFlowConfig("https://provider.test/token"), testLogger())

	consent, err := url.Parse(flow.ConsentURL("state-9"))
	require.NoError(t, err)

	q := consent.Query()
	assert.Equal(t, "token", q.Get("response_type"))
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "state-9", q.Get("state"))
}

func TestImplicitFlowExchange(t *testing.T) {
	flow := NewImplicitFlow(testFlowConfig("https://provider.test/token"), testLogger())
	idToken := signedTestJWT(t)

	grant, err := flow.Exchange(context.Background(), RedirectResult{
		State: "s",
		Fragment: url.Values{
			"access_token": {"access-3"},
			"expires_in":   {"900"},
			"id_token":     {idToken},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "access-3", grant.AccessToken)
	assert.Empty(t, grant.RefreshToken)
	assert.Equal(t, idToken, grant.IDToken)
	assert.Equal(t, 15*time.Minute, grant.ExpiresIn)
}

func TestImplicitFlowExchangeRejectsGarbage(t *testing.T) {
	flow := NewImplicitFlow(testFlowConfig("https://provider.test/token"), testLogger())

	_, err := flow.Exchange(context.Background(), RedirectResult{Fragment: url.Values{}})
	require.Error(t, err)

	_, err = flow.Exchange(context.Background(), RedirectResult{Fragment: url.Values{
		"access_token": {"x"},
		"expires_in":   {"-5"},
	}})
	require.Error(t, err)

	_, err = flow.Exchange(context.Background(), RedirectResult{Fragment: url.Values{
		"access_token": {"x"},
		"id_token":     {"not-a-jwt"},
	}})
	require.Error(t, err)
}

func TestImplicitFlowCannotRenew(t *testing.T) {
	flow := NewImplicitFlow(testFlowConfig("https://provider.test/token"), testLogger())
	_, err := flow.Renew(context.Background(), "anything")
	require.ErrorIs(t, err, ErrRenewNotSupported)
}

func TestNewFlowSelection(t *testing.T) {
	cfg := testFlowConfig("https://provider.test/token")

	flow, err := NewFlow(context.Background(), "code", cfg, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &CodeFlow{}, flow)

	flow, err = NewFlow(context.Background(), "implicit", cfg, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &ImplicitFlow{}, flow)

	_, err = NewFlow(context.Background(), "password", cfg, testLogger())
	require.Error(t, err)
}
