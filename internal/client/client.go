package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Client is an HTTP client bound to a base URL, an optional bearer credential
// and an optional request timeout. A zero timeout means no timeout at all.
type Client struct {
	baseURL string
	bearer  string
	http    *http.Client
}

// New creates a client. baseURL may be empty when callers only pass absolute URLs.
func New(baseURL, bearer string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		bearer:  bearer,
		http:    &http.Client{Timeout: timeout},
	}
}

// Timeout returns the request timeout, zero when unbounded.
func (c *Client) Timeout() time.Duration { return c.http.Timeout }

// URL resolves route against the base URL. Absolute routes are returned as is
// and an empty route is the base URL itself.
func (c *Client) URL(route string) string {
	if strings.Contains(route, "://") || c.baseURL == "" {
		return route
	}
	if route == "" {
		return c.baseURL
	}
	return c.baseURL + "/" + strings.TrimLeft(route, "/")
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Request sends a request with the bearer credential and returns the raw
// response without checking its status. The caller closes the body.
func (c *Client) Request(ctx context.Context, method, route string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.URL(route), body)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s request", method)
	}
	if body != nil && contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.Do(req)
}

// Do sends req after attaching the bearer credential.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", req.Method, req.URL.Redacted())
	}
	return resp, nil
}

// DoJSON sends in as a JSON body (when non-nil), fails on non-2xx statuses and
// decodes the response into out (when non-nil).
func (c *Client) DoJSON(ctx context.Context, method, route string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request body")
		}
		body = bytes.NewReader(buf)
	}
	resp, err := c.Request(ctx, method, route, body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := CheckStatus(resp); err != nil {
		return err
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrapf(err, "decode %s %s response", method, resp.Request.URL.Path)
		}
	}
	return nil
}

// CheckStatus returns a *StatusError for non-2xx responses, reading at most
// 4KiB of the body for context.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	se := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(errorBody))}
	if resp.Request != nil {
		se.Method = resp.Request.Method
		se.URL = resp.Request.URL.Redacted()
	}
	return se
}
