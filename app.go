package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-authgate/pkce-cli/auth"
	"github.com/go-authgate/pkce-cli/credstore"
	"github.com/go-authgate/pkce-cli/tui"
	"github.com/go-authgate/pkce-cli/webapi"
)

// app wires the credential store, token manager and Web API client for one
// CLI run.
type app struct {
	cfg     *config
	d       tui.Displayer
	log     zerolog.Logger
	store   *credstore.FileStore
	tokens  *auth.TokenClient
	manager *auth.Manager
	api     *webapi.Client

	// openBrowser presents the authorization URL; auth.OpenBrowser by default.
	openBrowser     func(string) error
	callbackTimeout time.Duration
}

func newApp(cfg *config, d tui.Displayer, log zerolog.Logger, doer auth.Doer) *app {
	a := &app{
		cfg:             cfg,
		d:               d,
		log:             log,
		openBrowser:     auth.OpenBrowser,
		callbackTimeout: auth.DefaultCallbackTimeout,
	}

	a.store = credstore.NewFileStore(cfg.TokenFile, cfg.ClientID, credstore.WithLogger(log))
	a.tokens = auth.NewTokenClient(cfg.TokenURL, cfg.ClientID, doer)
	a.manager = auth.NewManager(
		cfg.ClientID,
		requiredScopes,
		a.store,
		a.tokens,
		auth.WithLogger(log),
		auth.WithStateHook(a.onStateChange),
	)
	a.api = webapi.New(cfg.APIURL, doer, a.manager, webapi.WithLogger(log))
	return a
}

// onStateChange mirrors token state transitions on the display.
func (a *app) onStateChange(t auth.Transition) {
	switch {
	case t.To == auth.StateRefreshing:
		a.d.Refreshing()
	case t.From == auth.StateRefreshing && t.To == auth.StateValid:
		a.d.RefreshOK()
	case t.To == auth.StateRevoked:
		a.d.Revoked()
	case t.From == auth.StateValid && t.To == auth.StateExpired:
		a.d.TokenExpired()
	}
	if t.Err != nil {
		a.d.TokenSaveFailed(t.Err)
	}
}

func (a *app) run(ctx context.Context) error {
	if a.cfg.Logout {
		return a.logout()
	}

	a.loadCredentials()

	if !a.manager.State().Authenticated() {
		if err := a.login(ctx); err != nil {
			a.d.Fatal(err)
			return err
		}
	}

	if err := a.showProfile(ctx); err != nil {
		if !auth.NeedsLogin(err) {
			a.d.APICallFailed(err)
			a.done()
			return nil
		}

		// Refresh token rejected or gone: authorize again and retry once
		a.d.ReAuthRequired()
		if err := a.login(ctx); err != nil {
			a.d.Fatal(err)
			return err
		}
		if err := a.showProfile(ctx); err != nil {
			a.d.Fatal(err)
			return err
		}
	}

	a.showPlayback(ctx)
	a.done()
	return nil
}

// loadCredentials picks up stored credentials and reports what was found.
func (a *app) loadCredentials() {
	missing, err := a.manager.Load()
	if err != nil {
		a.log.Warn().Err(err).Msg("failed to read credential store")
	}
	if len(missing) > 0 {
		a.d.ScopesChanged(missing)
	}

	switch a.manager.State() {
	case auth.StateValid:
		a.d.TokensFound()
		a.d.TokenValid()
	case auth.StateExpired:
		a.d.TokensFound()
		a.d.TokenExpired()
	default:
		a.d.TokensNotFound()
	}
}

// login runs the interactive PKCE flow and installs its credentials.
func (a *app) login(ctx context.Context) error {
	flow := auth.NewFlow(
		auth.FlowConfig{
			ClientID:        a.cfg.ClientID,
			AuthURL:         a.cfg.AuthURL,
			RedirectURI:     a.cfg.RedirectURI,
			Scopes:          requiredScopes,
			ShowDialog:      a.cfg.ShowDialog,
			CallbackTimeout: a.callbackTimeout,
		},
		a.tokens,
		auth.WithPresenter(a.present),
		auth.WithFlowLogger(a.log),
	)

	err := a.manager.Login(ctx, flow)
	var storeErr *credstore.StoreError
	switch {
	case errors.As(err, &storeErr):
		// Credentials are installed in memory even though they were not persisted
		a.d.AuthSuccess()
		a.d.TokenSaveFailed(err)
		return nil
	case err != nil:
		return err
	}

	a.d.AuthSuccess()
	a.d.TokenSaved(a.store.Path())
	return nil
}

// present shows the authorization URL and opens the browser unless disabled.
// A browser failure is not fatal since the user can copy the link.
func (a *app) present(authURL string) error {
	a.d.AuthURLReady(authURL, time.Now().Add(a.callbackTimeout))
	if u, err := url.Parse(authURL); err == nil {
		a.d.WaitingForCallback(u.Query().Get("redirect_uri"))
	}

	if a.cfg.NoBrowser {
		return nil
	}
	if err := a.openBrowser(authURL); err != nil {
		a.log.Debug().Err(err).Msg("browser not opened")
		a.d.BrowserOpenFailed(err)
	}
	return nil
}

func (a *app) showProfile(ctx context.Context) error {
	a.d.APICalling("/me")

	p, err := a.api.CurrentUser(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrRefreshFailed) {
			a.d.RefreshFailed(err)
		}
		return err
	}

	name := p.DisplayName
	if name == "" {
		name = p.ID
	}
	a.d.APICallOK(fmt.Sprintf("Logged in as %s (%s)", name, p.Product))
	return nil
}

// showPlayback is best effort; its failure does not fail the run.
func (a *app) showPlayback(ctx context.Context) {
	a.d.APICalling("/me/player")

	state, err := a.api.Playback(ctx)
	switch {
	case err != nil:
		a.d.APICallFailed(err)
	case state == nil:
		a.d.APICallOK("Nothing is playing")
	case state.Item != nil:
		a.d.APICallOK(fmt.Sprintf("%s on %s (playing: %t)", state.Item.Name, state.Device.Name, state.IsPlaying))
	default:
		a.d.APICallOK("Active device: " + state.Device.Name)
	}
}

func (a *app) done() {
	creds := a.manager.Credentials()
	if creds == nil {
		return
	}

	tokenPreview := creds.AccessToken
	if len(tokenPreview) > 50 {
		tokenPreview = tokenPreview[:50]
	}
	a.d.Done(tokenPreview, creds.TokenType, time.Until(creds.ExpiresAt).Round(time.Second), creds.Scopes)
}

func (a *app) logout() error {
	if err := a.manager.Logout(); err != nil {
		a.d.Fatal(err)
		return err
	}
	a.d.LoggedOut(a.store.Path())
	return nil
}
