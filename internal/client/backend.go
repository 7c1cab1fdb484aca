// Package client sends authenticated calls to the Optisage backend API.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"optisage-gateway/internal/auth"
	"optisage-gateway/internal/config"
	"optisage-gateway/internal/metrics"
	"optisage-gateway/internal/model"
)

const (
	userAgent = "optisage-gateway/1.0"

	// drainLimit bounds how much of an unused body is read before close.
	drainLimit = 64 * 1024
)

// BackendClient forwards one call per inbound request to the backend,
// carrying the caller's bearer credential.
//
// Calls are detached from the inbound request: once sent, a call runs to
// completion even if the caller goes away, and its result is discarded.
// The only deadline is the optional wait for response headers; a body that
// has started streaming is never cut off by the gateway.
type BackendClient struct {
	httpClient *http.Client
	baseURL    *url.URL
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewBackendClient creates a BackendClient for cfg.Backend.BaseURL.
// m may be nil.
func NewBackendClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*BackendClient, error) {
	base, err := url.Parse(cfg.Backend.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend base_url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend base_url %q is not absolute", cfg.Backend.BaseURL)
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Backend.IdleConnections,
		MaxIdleConnsPerHost: cfg.Backend.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		// Zero waits indefinitely for the backend to answer.
		ResponseHeaderTimeout: time.Duration(cfg.Backend.TimeoutSeconds) * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &BackendClient{
		httpClient: &http.Client{Transport: transport},
		baseURL:    base,
		logger:     logger.With("component", "backend_client"),
		metrics:    m,
	}, nil
}

// Send forwards pr with "Authorization: Bearer <token>". Accept defaults to
// application/json unless pr.Header sets it. Without a token nothing is sent.
// The caller must close the response body, or hand it to Discard.
func (c *BackendClient) Send(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	if pr.Token == "" {
		return nil, auth.ErrMissingCredential
	}

	ctx := pr.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), pr.Method, c.endpoint(pr.Path), pr.Body)
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}

	for k, v := range pr.Header {
		req.Header[http.CanonicalHeaderKey(k)] = v
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+pr.Token)
	req.Header.Set("User-Agent", userAgent)
	if pr.Body != nil && pr.ContentLength >= 0 {
		req.ContentLength = pr.ContentLength
	}

	return c.do(req)
}

func (c *BackendClient) do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("backend call", "method", req.Method, "path", req.URL.Path)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // the caller owns the body
	elapsed := time.Since(start).Seconds()
	method := metrics.NormalizeMethod(req.Method)

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(elapsed)
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamErrors.WithLabelValues(method).Inc()
		}
		return nil, fmt.Errorf("backend %s %s: %w", req.Method, req.URL.Path, err)
	}
	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// endpoint joins path onto the base URL, keeping any base path prefix.
func (c *BackendClient) endpoint(path string) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawPath = ""
	return u.String()
}

// Discard reads a bounded amount of an unused body and closes it, so the
// connection can go back to the pool.
func Discard(resp *model.ProxyResponse) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))
	_ = resp.Body.Close()
}
