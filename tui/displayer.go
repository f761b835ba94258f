package tui

import (
	"fmt"
	"io"
	"strings"
	"time"

	tea "charm.land/bubbletea/v2"
)

// Displayer abstracts all user-facing output of the CLI.
type Displayer interface {
	Banner()
	TokensFound()
	TokenValid()
	TokenExpired()
	TokensNotFound()
	ScopesChanged(missing []string)
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
	Revoked()
	AuthURLReady(url string, deadline time.Time)
	BrowserOpenFailed(err error)
	WaitingForCallback(redirectURI string)
	AuthSuccess()
	TokenSaved(path string)
	TokenSaveFailed(err error)
	APICalling(path string)
	APICallOK(summary string)
	APICallFailed(err error)
	ReAuthRequired()
	LoggedOut(path string)
	Done(preview, tokenType string, expiresIn time.Duration, scopes []string)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stdout is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner() {
	fmt.Fprintln(p.w, "=== OAuth Authorization Code + PKCE CLI ===")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) TokensFound() {
	fmt.Fprintln(p.w, "Found stored credentials!")
}

func (p *PlainDisplayer) TokenValid() {
	fmt.Fprintln(p.w, "Access token is still valid, using it...")
}

func (p *PlainDisplayer) TokenExpired() {
	fmt.Fprintln(p.w, "Access token expired, it will be refreshed on first use...")
}

func (p *PlainDisplayer) TokensNotFound() {
	fmt.Fprintln(p.w, "No stored credentials found, starting authorization...")
}

func (p *PlainDisplayer) ScopesChanged(missing []string) {
	fmt.Fprintf(p.w, "Stored grant lacks scopes %s, reauthorizing...\n", strings.Join(missing, ", "))
}

func (p *PlainDisplayer) Refreshing() {
	fmt.Fprintln(p.w, "Refreshing access token...")
}

func (p *PlainDisplayer) RefreshOK() {
	fmt.Fprintln(p.w, "Token refreshed successfully!")
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	fmt.Fprintf(p.w, "Refresh failed: %v\n", err)
}

func (p *PlainDisplayer) Revoked() {
	fmt.Fprintln(p.w, "Refresh token was rejected, stored credentials cleared.")
}

func (p *PlainDisplayer) AuthURLReady(url string, deadline time.Time) {
	fmt.Fprintln(p.w, "----------------------------------------")
	fmt.Fprintf(p.w, "Please open this link to authorize:\n%s\n", url)
	fmt.Fprintf(p.w, "\nThe link is valid until %s\n", deadline.Format(time.Kitchen))
	fmt.Fprintln(p.w, "----------------------------------------")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) BrowserOpenFailed(err error) {
	fmt.Fprintf(p.w, "Could not open a browser (%v), open the link manually.\n", err)
}

func (p *PlainDisplayer) WaitingForCallback(redirectURI string) {
	fmt.Fprintf(p.w, "Waiting for authorization callback on %s...\n", redirectURI)
}

func (p *PlainDisplayer) AuthSuccess() {
	fmt.Fprintln(p.w, "\nAuthorization successful!")
}

func (p *PlainDisplayer) TokenSaved(path string) {
	fmt.Fprintf(p.w, "Tokens saved to %s\n", path)
}

func (p *PlainDisplayer) TokenSaveFailed(err error) {
	fmt.Fprintf(p.w, "Warning: Failed to save tokens: %v\n", err)
}

func (p *PlainDisplayer) APICalling(path string) {
	fmt.Fprintf(p.w, "\nCalling %s...\n", path)
}

func (p *PlainDisplayer) APICallOK(summary string) {
	if summary != "" {
		fmt.Fprintln(p.w, summary)
	}
	fmt.Fprintln(p.w, "API call successful!")
}

func (p *PlainDisplayer) APICallFailed(err error) {
	fmt.Fprintf(p.w, "API call failed: %v\n", err)
}

func (p *PlainDisplayer) ReAuthRequired() {
	fmt.Fprintln(p.w, "Credentials are no longer usable, reauthorizing...")
}

func (p *PlainDisplayer) LoggedOut(path string) {
	fmt.Fprintf(p.w, "Removed stored credentials from %s\n", path)
}

func (p *PlainDisplayer) Done(preview, tokenType string, expiresIn time.Duration, scopes []string) {
	fmt.Fprintln(p.w, "\n========================================")
	fmt.Fprintln(p.w, "Current Token Info:")
	fmt.Fprintf(p.w, "Access Token: %s...\n", preview)
	fmt.Fprintf(p.w, "Token Type: %s\n", tokenType)
	fmt.Fprintf(p.w, "Expires In: %s\n", expiresIn.Round(time.Second))
	fmt.Fprintf(p.w, "Scopes: %s\n", strings.Join(scopes, " "))
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner()                                       {}
func (NoopDisplayer) TokensFound()                                  {}
func (NoopDisplayer) TokenValid()                                   {}
func (NoopDisplayer) TokenExpired()                                 {}
func (NoopDisplayer) TokensNotFound()                               {}
func (NoopDisplayer) ScopesChanged(_ []string)                      {}
func (NoopDisplayer) Refreshing()                                   {}
func (NoopDisplayer) RefreshOK()                                    {}
func (NoopDisplayer) RefreshFailed(_ error)                         {}
func (NoopDisplayer) Revoked()                                      {}
func (NoopDisplayer) AuthURLReady(_ string, _ time.Time)            {}
func (NoopDisplayer) BrowserOpenFailed(_ error)                     {}
func (NoopDisplayer) WaitingForCallback(_ string)                   {}
func (NoopDisplayer) AuthSuccess()                                  {}
func (NoopDisplayer) TokenSaved(_ string)                           {}
func (NoopDisplayer) TokenSaveFailed(_ error)                       {}
func (NoopDisplayer) APICalling(_ string)                           {}
func (NoopDisplayer) APICallOK(_ string)                            {}
func (NoopDisplayer) APICallFailed(_ error)                         {}
func (NoopDisplayer) ReAuthRequired()                               {}
func (NoopDisplayer) LoggedOut(_ string)                            {}
func (NoopDisplayer) Done(_, _ string, _ time.Duration, _ []string) {}
func (NoopDisplayer) Fatal(_ error)                                 {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner() {
	t.p.Send(MsgBanner{})
}

func (t *ProgramDisplayer) TokensFound() {
	t.p.Send(MsgTokensFound{})
}

func (t *ProgramDisplayer) TokenValid() {
	t.p.Send(MsgTokenValid{})
}

func (t *ProgramDisplayer) TokenExpired() {
	t.p.Send(MsgTokenExpired{})
}

func (t *ProgramDisplayer) TokensNotFound() {
	t.p.Send(MsgTokensNotFound{})
}

func (t *ProgramDisplayer) ScopesChanged(missing []string) {
	t.p.Send(MsgScopesChanged{Missing: missing})
}

func (t *ProgramDisplayer) Refreshing() {
	t.p.Send(MsgRefreshing{})
}

func (t *ProgramDisplayer) RefreshOK() {
	t.p.Send(MsgRefreshOK{})
}

func (t *ProgramDisplayer) RefreshFailed(err error) {
	t.p.Send(MsgRefreshFailed{Err: err})
}

func (t *ProgramDisplayer) Revoked() {
	t.p.Send(MsgRevoked{})
}

func (t *ProgramDisplayer) AuthURLReady(url string, deadline time.Time) {
	t.p.Send(MsgAuthURLReady{URL: url, Deadline: deadline})
}

func (t *ProgramDisplayer) BrowserOpenFailed(err error) {
	t.p.Send(MsgBrowserOpenFailed{Err: err})
}

func (t *ProgramDisplayer) WaitingForCallback(redirectURI string) {
	t.p.Send(MsgWaitingForCallback{RedirectURI: redirectURI})
}

func (t *ProgramDisplayer) AuthSuccess() {
	t.p.Send(MsgAuthSuccess{})
}

func (t *ProgramDisplayer) TokenSaved(path string) {
	t.p.Send(MsgTokenSaved{Path: path})
}

func (t *ProgramDisplayer) TokenSaveFailed(err error) {
	t.p.Send(MsgTokenSaveFailed{Err: err})
}

func (t *ProgramDisplayer) APICalling(path string) {
	t.p.Send(MsgAPICalling{Path: path})
}

func (t *ProgramDisplayer) APICallOK(summary string) {
	t.p.Send(MsgAPICallOK{Summary: summary})
}

func (t *ProgramDisplayer) APICallFailed(err error) {
	t.p.Send(MsgAPICallFailed{Err: err})
}

func (t *ProgramDisplayer) ReAuthRequired() {
	t.p.Send(MsgReAuthRequired{})
}

func (t *ProgramDisplayer) LoggedOut(path string) {
	t.p.Send(MsgLoggedOut{Path: path})
}

func (t *ProgramDisplayer) Done(preview, tokenType string, expiresIn time.Duration, scopes []string) {
	t.p.Send(MsgDone{Preview: preview, TokenType: tokenType, ExpiresIn: expiresIn, Scopes: scopes})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
