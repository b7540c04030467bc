// Package apiclient is a typed client for the Heirloom HTTP API. It backs the
// command-line tool and implements offline.Remote for the sync loop.
package apiclient

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
	"sync"
	"time"
)

const defaultTimeout = 60 * time.Second

// ErrNotLoggedIn is returned when a call needs a session and none is held.
var ErrNotLoggedIn = errors.New("not logged in")

// APIError is a non-2xx response decoded from the API's error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// Tokens is the credential pair a session holds.
type Tokens struct {
	Token        string
	RefreshToken string
}

type Client struct {
	baseURL string
	http    *http.Client

	mu       sync.Mutex
	tokens   Tokens
	onTokens func(Tokens)
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) { client.http = c }
}

func WithTokens(tokens Tokens) Option {
	return func(client *Client) { client.tokens = tokens }
}

// WithTokenCallback registers fn to run whenever the client obtains new
// tokens, so callers can persist them.
func WithTokenCallback(fn func(Tokens)) Option {
	return func(client *Client) { client.onTokens = fn }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Tokens() Tokens {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

func (c *Client) setTokens(tokens Tokens) {
	c.mu.Lock()
	c.tokens = tokens
	fn := c.onTokens
	c.mu.Unlock()
	if fn != nil {
		fn(tokens)
	}
}

// bodyFunc builds a fresh request body for every attempt.
type bodyFunc func() (io.Reader, string, error)

func jsonBody(payload any) bodyFunc {
	if payload == nil {
		return nil
	}
	return func() (io.Reader, string, error) {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, "", fmt.Errorf("encode request: %w", err)
		}
		return bytes.NewReader(raw), "application/json", nil
	}
}

// send performs an authenticated request. A 401 triggers one refresh and one
// retry when a refresh token is held.
func (c *Client) send(ctx context.Context, method, path string, body bodyFunc) (*http.Response, error) {
	resp, err := c.attempt(ctx, method, path, body, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || c.Tokens().RefreshToken == "" {
		return resp, nil
	}
	drain(resp)
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	return c.attempt(ctx, method, path, body, true)
}

func (c *Client) attempt(ctx context.Context, method, path string, body bodyFunc, authed bool) (*http.Response, error) {
	var (
		reader      io.Reader
		contentType string
	)
	if body != nil {
		var err error
		if reader, contentType, err = body(); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if authed {
		if token := c.Tokens().Token; token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// call sends a JSON request and decodes a JSON response into out.
func (c *Client) call(ctx context.Context, method, path string, payload, out any) error {
	resp, err := c.send(ctx, method, path, jsonBody(payload))
	if err != nil {
		return err
	}
	return decode(resp, out)
}

func decode(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return readError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", resp.Request.URL.Path, err)
	}
	return nil
}

func readError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var envelope struct {
		Code    string         `json:"code"`
		Error   string         `json:"error"`
		Details map[string]any `json:"details"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &envelope); err == nil {
		apiErr.Code, apiErr.Message, apiErr.Details = envelope.Code, envelope.Error, envelope.Details
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	if apiErr.Code == "" {
		apiErr.Code = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func query(values map[string]string) string {
	q := url.Values{}
	for key, value := range values {
		if value != "" {
			q.Set(key, value)
		}
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}
