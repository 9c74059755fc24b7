// Package rest calls the dashboard backend's HTTP endpoints.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"void-reckoning/dashboard/internal/net/proto"
)

const DefaultTimeout = 10 * time.Second

const maxErrorBody = 512

// StatusError reports a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Temporary reports whether repeating the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	Tracing bool
}

type Client struct {
	base   *url.URL
	client *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse rest base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("rest base url %q: scheme and host required", cfg.BaseURL)
	}
	if base.Path == "" {
		base.Path = "/"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := http.DefaultTransport
	if cfg.Tracing {
		transport = otelhttp.NewTransport(transport)
	}
	return &Client{
		base:   base,
		client: &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

func (c *Client) ActiveAlerts(ctx context.Context) ([]proto.Alert, error) {
	var out []proto.Alert
	if err := c.do(ctx, http.MethodGet, "/api/alerts/active", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) AlertHistory(ctx context.Context, q proto.HistoryQuery) (proto.AlertHistory, error) {
	values := url.Values{}
	if q.Severity != "" {
		values.Set("severity", q.Severity)
	}
	if q.AlertType != "" {
		values.Set("alert_type", q.AlertType)
	}
	if q.Page > 0 {
		values.Set("page", strconv.Itoa(q.Page))
	}
	if q.PageSize > 0 {
		values.Set("page_size", strconv.Itoa(q.PageSize))
	}
	var out proto.AlertHistory
	err := c.do(ctx, http.MethodGet, "/api/alerts/history", values, &out)
	return out, err
}

func (c *Client) AlertSummary(ctx context.Context) (proto.AlertSummary, error) {
	var out proto.AlertSummary
	err := c.do(ctx, http.MethodGet, "/api/alerts/summary", nil, &out)
	return out, err
}

func (c *Client) AcknowledgeAlert(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/alerts/"+url.PathEscape(id)+"/acknowledge", nil, nil)
}

func (c *Client) Status(ctx context.Context) (proto.Status, error) {
	var out proto.Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &out)
	return out, err
}

func (c *Client) MaxTurn(ctx context.Context) (proto.MaxTurn, error) {
	var out proto.MaxTurn
	err := c.do(ctx, http.MethodGet, "/api/run/max_turn", nil, &out)
	return out, err
}

func (c *Client) Topology(ctx context.Context) (proto.Topology, error) {
	var out proto.Topology
	err := c.do(ctx, http.MethodGet, "/api/galaxy/topology", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	target := c.base.JoinPath(path)
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	var body io.Reader
	if method == http.MethodPost {
		body = bytes.NewReader([]byte("{}"))
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
