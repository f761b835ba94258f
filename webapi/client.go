// Package webapi is a small bearer-token client for the Web API. Every call
// goes through auth.Call, so a rejected token is refreshed and the request
// retried once.
package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-authgate/pkce-cli/auth"
)

const requestTimeout = 10 * time.Second

// Client sends authorized requests to the API rooted at baseURL.
type Client struct {
	baseURL string
	doer    auth.Doer
	tokens  *auth.Manager
	log     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// New returns a client for baseURL using tokens from m.
func New(baseURL string, doer auth.Doer, m *auth.Manager, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		doer:    doer,
		tokens:  m,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get fetches path and decodes a JSON body into out. out may be nil.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	body, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return decode(body, out)
}

// Put sends in as JSON to path. in may be nil for an empty body.
func (c *Client) Put(ctx context.Context, path string, in any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}
	_, err := c.Do(ctx, http.MethodPut, path, payload)
	return err
}

// Do sends an authorized request and returns the response body. A non-2xx
// status is returned as *auth.APIError.
func (c *Client) Do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	return auth.Call(ctx, c.tokens, func(ctx context.Context, token string) ([]byte, error) {
		return c.send(ctx, token, method, path, payload)
	})
}

func (c *Client) send(ctx context.Context, token, method, path string, payload []byte) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.doer.DoWithContext(reqCtx, req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Debug().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Msg("api request failed")
		return nil, auth.NewAPIError(resp, respBody)
	}
	return respBody, nil
}

func decode(body []byte, out any) error {
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
