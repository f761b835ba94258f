package tui

import (
	"time"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgTokensFound signals that stored credentials were found on disk.
type MsgTokensFound struct{}

// MsgTokenValid signals that the stored access token is still valid.
type MsgTokenValid struct{}

// MsgTokenExpired signals that the stored access token has expired.
type MsgTokenExpired struct{}

// MsgTokensNotFound signals that no usable credentials were found.
type MsgTokensNotFound struct{}

// MsgScopesChanged signals that the stored grant lacks required scopes.
type MsgScopesChanged struct{ Missing []string }

// MsgRefreshing signals that a token refresh is in progress.
type MsgRefreshing struct{}

// MsgRefreshOK signals that the token was refreshed successfully.
type MsgRefreshOK struct{}

// MsgRefreshFailed signals a transient refresh failure.
type MsgRefreshFailed struct{ Err error }

// MsgRevoked signals that the refresh token was rejected and cleared.
type MsgRevoked struct{}

// MsgAuthURLReady signals that the authorization URL is ready for the user.
type MsgAuthURLReady struct {
	URL      string
	Deadline time.Time
}

// MsgBrowserOpenFailed signals that the browser could not be opened.
type MsgBrowserOpenFailed struct{ Err error }

// MsgWaitingForCallback signals that the loopback server is listening.
type MsgWaitingForCallback struct{ RedirectURI string }

// MsgAuthSuccess signals that the authorization code was exchanged.
type MsgAuthSuccess struct{}

// MsgTokenSaved signals that credentials were saved to disk.
type MsgTokenSaved struct{ Path string }

// MsgTokenSaveFailed signals that saving credentials failed.
type MsgTokenSaveFailed struct{ Err error }

// MsgAPICalling signals that an authorized API call started.
type MsgAPICalling struct{ Path string }

// MsgAPICallOK signals that an API call succeeded.
type MsgAPICallOK struct{ Summary string }

// MsgAPICallFailed signals that an API call failed.
type MsgAPICallFailed struct{ Err error }

// MsgReAuthRequired signals that the user has to authorize again.
type MsgReAuthRequired struct{}

// MsgLoggedOut signals that stored credentials were removed.
type MsgLoggedOut struct{ Path string }

// MsgDone signals successful completion.
type MsgDone struct {
	Preview   string
	TokenType string
	ExpiresIn time.Duration
	Scopes    []string
}

// MsgFatal signals a fatal error that should terminate the flow.
type MsgFatal struct{ Err error }
