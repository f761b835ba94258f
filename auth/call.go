package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a non-2xx response from the Web API.
type APIError struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Message and ServiceStatus come from the service's regular error
	// object {"error": {"status": ..., "message": ...}} when present.
	Message       string
	ServiceStatus int
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api request failed with status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api request failed with status %d", e.StatusCode)
}

// NewAPIError builds an APIError from a response and its already read body.
func NewAPIError(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}

	var envelope struct {
		Error struct {
			Status  int    `json:"status"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		apiErr.ServiceStatus = envelope.Error.Status
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}

// AuthorizationFailure reports whether the service rejected the bearer token.
// That requires a 401 plus either the service's own error object carrying
// status 401, or a Bearer challenge with error="invalid_token". A bare 401
// from something in between is not treated as a token problem.
func (e *APIError) AuthorizationFailure() bool {
	if e.StatusCode != http.StatusUnauthorized {
		return false
	}
	if e.ServiceStatus == http.StatusUnauthorized {
		return true
	}
	return invalidTokenChallenge(e.Header.Get("WWW-Authenticate"))
}

func invalidTokenChallenge(header string) bool {
	h := strings.ToLower(header)
	return strings.HasPrefix(h, "bearer") &&
		(strings.Contains(h, `error="invalid_token"`) || strings.Contains(h, "error=invalid_token"))
}

// IsAuthorizationFailure reports whether err means the access token was
// rejected by the service.
func IsAuthorizationFailure(err error) bool {
	if errors.Is(err, ErrTokenRejected) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.AuthorizationFailure()
}

// Operation is any API action that needs a bearer token.
type Operation[T any] func(ctx context.Context, token string) (T, error)

// Call runs op with a valid access token from m. If the service rejects the
// token, the token is invalidated and op is retried exactly once with a
// refreshed one. A second rejection yields ErrPersistentAuthorizationFailure.
// Errors that are not authorization failures are returned unchanged.
func Call[T any](ctx context.Context, m *Manager, op Operation[T]) (T, error) {
	var zero T
	var lastErr error

	for attempt := range 2 {
		token, err := m.Token(ctx)
		if err != nil {
			return zero, err
		}

		v, err := op(ctx, token)
		if err == nil {
			return v, nil
		}
		if !IsAuthorizationFailure(err) {
			return zero, err
		}

		m.log.Info().Int("attempt", attempt+1).Msg("api rejected access token")
		m.Invalidate(token)
		lastErr = err
	}

	return zero, fmt.Errorf("%w: %w", ErrPersistentAuthorizationFailure, lastErr)
}

// Do is Call for operations without a result.
func (m *Manager) Do(ctx context.Context, op func(ctx context.Context, token string) error) error {
	_, err := Call(ctx, m, func(ctx context.Context, token string) (struct{}, error) {
		return struct{}{}, op(ctx, token)
	})
	return err
}
