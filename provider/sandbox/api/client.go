// Package api is the client for the sandbox REST API: sandboxes, volumes
// and snapshots scoped to one namespace, plus command execution.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	// HTTPTimeout bounds each API call. Exec calls with a command timeout
	// get that timeout plus ExecGrace instead.
	HTTPTimeout = 60 * time.Second
	// ExecGrace covers the API's own overhead around a timed command.
	ExecGrace = 10 * time.Second
	// MaxRetries is the number of retry attempts for transient API errors.
	MaxRetries = 3
	// BaseBackoff is the initial backoff; retryablehttp doubles it per attempt.
	BaseBackoff = 100 * time.Millisecond

	applicationJSON = "application/json"
)

// APIError carries the HTTP status of a failed API call.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string { return e.Message }

// IsNotFound reports whether err is an API 404.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == http.StatusNotFound
}

// Client talks to one API endpoint on behalf of one namespace.
type Client struct {
	base      string
	apiKey    string
	namespace string
	http      *retryablehttp.Client
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying transport client, e.g. for httptest.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http.HTTPClient = hc }
}

// NewClient returns a Client for endpoint. Reads and deletes are retried on
// connection errors, 5xx and 429 with exponential backoff. Creates and exec
// are retried only when the server cannot have acted: 429 or a refused
// connection.
func NewClient(endpoint, apiKey, namespace string, opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = MaxRetries
	rc.RetryWaitMin = BaseBackoff
	rc.RetryWaitMax = 2 * time.Second //nolint:mnd
	rc.Logger = nil
	// Hand the last response back after retries so it becomes an APIError.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.CheckRetry = checkRetry
	c := &Client{
		base:      strings.TrimRight(endpoint, "/"),
		apiKey:    apiKey,
		namespace: namespace,
		http:      rc,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Namespace returns the namespace every call is scoped to.
func (c *Client) Namespace() string { return c.namespace }

func (c *Client) CreateSandbox(ctx context.Context, req CreateSandboxRequest) (*Sandbox, error) {
	var sb Sandbox
	return &sb, c.call(ctx, http.MethodPost, c.ns("sandboxes"), req, &sb, HTTPTimeout)
}

func (c *Client) GetSandbox(ctx context.Context, id string) (*Sandbox, error) {
	var sb Sandbox
	return &sb, c.call(ctx, http.MethodGet, c.ns("sandboxes", id), nil, &sb, HTTPTimeout)
}

// DeleteSandbox deletes a sandbox. A missing sandbox is not an error.
func (c *Client) DeleteSandbox(ctx context.Context, id string) error {
	if err := c.call(ctx, http.MethodDelete, c.ns("sandboxes", id), nil, nil, HTTPTimeout); err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

// Exec runs req.Argv in the sandbox. A command with TimeoutSeconds set is
// bounded by that timeout plus ExecGrace, otherwise by HTTPTimeout.
func (c *Client) Exec(ctx context.Context, sandboxID string, req ExecRequest) (*ExecResult, error) {
	var res ExecResult
	return &res, c.call(ctx, http.MethodPost, c.ns("sandboxes", sandboxID, "exec"), req, &res, execTimeout(req))
}

func execTimeout(req ExecRequest) time.Duration {
	if req.TimeoutSeconds <= 0 {
		return HTTPTimeout
	}
	return time.Duration(req.TimeoutSeconds*float64(time.Second)) + ExecGrace
}

func (c *Client) CreateVolume(ctx context.Context, req CreateVolumeRequest) (*Volume, error) {
	var v Volume
	return &v, c.call(ctx, http.MethodPost, c.ns("volumes"), req, &v, HTTPTimeout)
}

func (c *Client) ListVolumes(ctx context.Context) ([]Volume, error) {
	var out struct {
		Volumes []Volume `json:"volumes"`
	}
	return out.Volumes, c.call(ctx, http.MethodGet, c.ns("volumes"), nil, &out, HTTPTimeout)
}

func (c *Client) DeleteVolume(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, c.ns("volumes", id), nil, nil, HTTPTimeout)
}

func (c *Client) CreateSnapshot(ctx context.Context, sandboxID string, req CreateSnapshotRequest) (*Snapshot, error) {
	var s Snapshot
	return &s, c.call(ctx, http.MethodPost, c.ns("sandboxes", sandboxID, "snapshots"), req, &s, HTTPTimeout)
}

// DeleteSnapshot deletes a snapshot. A missing snapshot is not an error.
func (c *Client) DeleteSnapshot(ctx context.Context, id string) error {
	if err := c.call(ctx, http.MethodDelete, c.ns("snapshots", id), nil, nil, HTTPTimeout); err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

func (c *Client) ns(parts ...string) string {
	escaped := make([]string, 0, len(parts)+2) //nolint:mnd
	escaped = append(escaped, "namespaces", url.PathEscape(c.namespace))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	return "/v1/" + strings.Join(escaped, "/")
}

// singleShot marks a request whose repetition could act twice.
type singleShot struct{}

// checkRetry is DefaultRetryPolicy for GET and DELETE. Other methods are
// retried only on 429 or a refused connection.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if ctx.Value(singleShot{}) == nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	if err != nil {
		return errors.Is(err, syscall.ECONNREFUSED), nil
	}
	return resp.StatusCode == http.StatusTooManyRequests, nil
}

// call sends body as JSON and decodes a 2xx response into out (when non-nil).
// Other statuses become *APIError. The whole call, retries included, is
// bounded by timeout.
func (c *Client) call(ctx context.Context, method, path string, body, out any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if method != http.MethodGet && method != http.MethodDelete {
		ctx = context.WithValue(ctx, singleShot{}, true)
	}

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Accept", applicationJSON)
	if body != nil {
		req.Header.Set("Content-Type", applicationJSON)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rb, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)) //nolint:mnd
		return &APIError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("%s %s → %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(rb))),
		}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
