package auth

import (
	"errors"
)

var (
	// ErrAuthorizationMismatch means the callback state did not match the
	// flow that issued the authorization request.
	ErrAuthorizationMismatch = errors.New("authorization state mismatch")

	// ErrAuthorizationExchangeFailed means the provider refused the
	// authorization or the code exchange. The interactive flow must restart.
	ErrAuthorizationExchangeFailed = errors.New("authorization exchange failed")

	// ErrRefreshFailed is a transient refresh failure. A later Token call retries.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrReauthorizationRequired means no usable credentials remain and the
	// user has to run the authorization flow again.
	ErrReauthorizationRequired = errors.New("reauthorization required")

	// ErrPersistentAuthorizationFailure means the service rejected the token
	// on two consecutive attempts of the same call.
	ErrPersistentAuthorizationFailure = errors.New("persistent authorization failure")

	// ErrTokenRejected can be wrapped by operations to report that the
	// service rejected the bearer token.
	ErrTokenRejected = errors.New("access token rejected")
)

// terminalGrantErrors are token endpoint error codes meaning the refresh
// token itself is no longer usable.
var terminalGrantErrors = map[string]bool{
	"invalid_grant": true,
	"invalid_token": true,
}

// IsRetryable reports whether err is a transient refresh failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRefreshFailed)
}

// NeedsLogin reports whether the caller should prompt the user to log in again.
func NeedsLogin(err error) bool {
	return errors.Is(err, ErrReauthorizationRequired)
}
