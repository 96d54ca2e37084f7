// Package relay performs HTTP calls on behalf of foreground contexts that
// cannot make arbitrary cross-origin requests themselves. All outbound
// application API traffic funnels through it, which also gives the agent one
// place to enforce a host allow-list.
package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxResponseBytes caps relayed response bodies.
const maxResponseBytes = 10 << 20

// Request describes one proxied HTTP call.
type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// Response carries the upstream result back to the caller.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// Relay proxies requests with a pooled client and a host allow-list.
type Relay struct {
	client  *http.Client
	allowed map[string]struct{}
	logger  *slog.Logger
}

// New builds a relay allowing requests only to the given hosts. An empty list
// allows nothing.
func New(allowedHosts []string, timeout time.Duration, logger *slog.Logger) *Relay {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	allowed := make(map[string]struct{}, len(allowedHosts))
	for _, h := range allowedHosts {
		allowed[strings.ToLower(h)] = struct{}{}
	}

	return &Relay{
		client:  &http.Client{Transport: transport, Timeout: timeout},
		allowed: allowed,
		logger:  logger,
	}
}

// Do performs the proxied call. The URL host must be on the allow-list.
func (r *Relay) Do(ctx context.Context, req Request) (Response, error) {
	target, err := url.Parse(req.URL)
	if err != nil {
		return Response{}, fmt.Errorf("parse relay url: %w", err)
	}
	if target.Scheme != "https" && target.Scheme != "http" {
		return Response{}, fmt.Errorf("unsupported relay scheme %q", target.Scheme)
	}
	if _, ok := r.allowed[strings.ToLower(target.Hostname())]; !ok {
		return Response{}, fmt.Errorf("relay host %q not allowed", target.Hostname())
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return Response{}, fmt.Errorf("build relay request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("relay call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, fmt.Errorf("read relay response: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	r.logger.Debug("relayed api call",
		"method", method,
		"host", target.Hostname(),
		"status", resp.StatusCode,
		"duration", time.Since(start).Round(time.Millisecond),
	)

	return Response{Status: resp.StatusCode, Headers: headers, Body: body}, nil
}
