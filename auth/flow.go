package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/go-authgate/pkce-cli/credstore"
)

// DefaultCallbackTimeout bounds how long the flow waits for the user.
const DefaultCallbackTimeout = 5 * time.Minute

// Exchanger trades an authorization code for tokens.
type Exchanger interface {
	Exchange(ctx context.Context, code, verifier, redirectURI string) (*TokenResponse, error)
}

// FlowConfig describes the client registration used by the PKCE flow.
type FlowConfig struct {
	ClientID    string
	AuthURL     string
	RedirectURI string
	Scopes      []string

	// ShowDialog forces the provider to show the consent dialog even when
	// the user already approved the client.
	ShowDialog bool

	// CallbackTimeout defaults to DefaultCallbackTimeout.
	CallbackTimeout time.Duration
}

// Flow is one run of the Authorization Code with PKCE flow.
type Flow struct {
	cfg       FlowConfig
	exchanger Exchanger
	present   func(authURL string) error
	now       func() time.Time
	log       zerolog.Logger
}

// FlowOption configures a Flow.
type FlowOption func(*Flow)

// WithPresenter sets how the authorization URL is shown to the user.
// The default opens it with OpenBrowser.
func WithPresenter(fn func(authURL string) error) FlowOption {
	return func(f *Flow) {
		f.present = fn
	}
}

// WithFlowClock replaces time.Now when computing token expiry.
func WithFlowClock(now func() time.Time) FlowOption {
	return func(f *Flow) {
		f.now = now
	}
}

// WithFlowLogger sets the logger.
func WithFlowLogger(l zerolog.Logger) FlowOption {
	return func(f *Flow) {
		f.log = l
	}
}

// NewFlow returns a flow for cfg that exchanges codes with exchanger.
func NewFlow(cfg FlowConfig, exchanger Exchanger, opts ...FlowOption) *Flow {
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = DefaultCallbackTimeout
	}
	cfg.Scopes = credstore.NormalizeScopes(cfg.Scopes)

	f := &Flow{
		cfg:       cfg,
		exchanger: exchanger,
		present:   OpenBrowser,
		now:       time.Now,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// AuthorizationURL builds the URL the user agent is sent to.
func (f *Flow) AuthorizationURL(redirectURI, state, challenge string) string {
	config := &oauth2.Config{
		ClientID:    f.cfg.ClientID,
		Endpoint:    oauth2.Endpoint{AuthURL: f.cfg.AuthURL},
		RedirectURL: redirectURI,
		Scopes:      f.cfg.Scopes,
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("code_challenge", challenge),
	}
	if f.cfg.ShowDialog {
		opts = append(opts, oauth2.SetAuthURLParam("show_dialog", "true"))
	}
	return config.AuthCodeURL(state, opts...)
}

// Run performs the whole interactive flow and returns the initial credential
// set. It never retries; on failure the caller starts a new Flow run.
func (f *Flow) Run(ctx context.Context) (*credstore.CredentialSet, error) {
	verifier := GenerateCodeVerifier()
	challenge := DeriveCodeChallenge(verifier)
	state := generateState()

	cbCtx, cancel := context.WithTimeout(ctx, f.cfg.CallbackTimeout)
	defer cancel()

	server, err := NewCallbackServer(f.cfg.RedirectURI)
	if err != nil {
		return nil, err
	}
	redirectURI, err := server.Start(cbCtx)
	if err != nil {
		return nil, err
	}
	defer server.Stop()

	authURL := f.AuthorizationURL(redirectURI, state, challenge)
	f.log.Debug().Str("redirect_uri", redirectURI).Msg("waiting for authorization callback")
	if err := f.present(authURL); err != nil {
		return nil, fmt.Errorf("failed to present authorization URL: %w", err)
	}

	result, err := server.Wait(cbCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: no callback within %s", ErrAuthorizationExchangeFailed, f.cfg.CallbackTimeout)
		}
		return nil, fmt.Errorf("waiting for authorization callback: %w", err)
	}

	if result.IsError() {
		return nil, fmt.Errorf("%w: provider returned %s: %s",
			ErrAuthorizationExchangeFailed, result.Error, result.ErrorDescription)
	}
	if subtle.ConstantTimeCompare([]byte(result.State), []byte(state)) != 1 {
		f.log.Warn().Msg("authorization callback state mismatch")
		return nil, ErrAuthorizationMismatch
	}
	if result.Code == "" {
		return nil, fmt.Errorf("%w: callback carried no code", ErrAuthorizationExchangeFailed)
	}

	resp, err := f.exchanger.Exchange(ctx, result.Code, verifier, redirectURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthorizationExchangeFailed, err)
	}

	creds := newCredentialSet(resp, f.now(), "", f.cfg.Scopes, f.cfg.ClientID)
	if missing := creds.MissingScopes(f.cfg.Scopes); len(missing) > 0 {
		return nil, fmt.Errorf("%w: scopes not granted: %v", ErrAuthorizationExchangeFailed, missing)
	}

	f.log.Info().Strs("scopes", creds.Scopes).Msg("authorization code exchanged")
	return creds, nil
}
