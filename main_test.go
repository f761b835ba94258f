package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/rs/zerolog"

	"github.com/go-authgate/pkce-cli/auth"
	"github.com/go-authgate/pkce-cli/credstore"
	"github.com/go-authgate/pkce-cli/tui"
)

func TestGetConfig(t *testing.T) {
	t.Setenv("PKCE_TEST_KEY", "from-env")

	if got := getConfig("from-flag", "PKCE_TEST_KEY", "default"); got != "from-flag" {
		t.Errorf("flag should win, got %q", got)
	}
	if got := getConfig("", "PKCE_TEST_KEY", "default"); got != "from-env" {
		t.Errorf("env should win over default, got %q", got)
	}
	if got := getConfig("", "PKCE_TEST_UNSET_KEY", "default"); got != "default" {
		t.Errorf("default expected, got %q", got)
	}
}

func TestValidateServerURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"https", "https://accounts.example.com/authorize", false},
		{"http localhost", "http://localhost:8080", false},
		{"empty", "", true},
		{"no scheme", "accounts.example.com", true},
		{"ftp", "ftp://example.com", true},
		{"no host", "https://", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateServerURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateServerURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestIsSecureURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://api.example.com/v1", true},
		{"http://127.0.0.1:9000/token", true},
		{"http://localhost/token", true},
		{"http://[::1]:9000/token", true},
		{"http://api.example.com/v1", false},
	}

	for _, tt := range tests {
		if got := isSecureURL(tt.url); got != tt.want {
			t.Errorf("isSecureURL(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	t.Run("missing client id", func(t *testing.T) {
		t.Setenv("CLIENT_ID", "")
		if _, err := loadConfig(); !errors.Is(err, errMissingClientID) {
			t.Errorf("expected errMissingClientID, got %v", err)
		}
	})

	t.Run("defaults", func(t *testing.T) {
		t.Setenv("CLIENT_ID", "test-client")
		cfg, err := loadConfig()
		if err != nil {
			t.Fatalf("loadConfig() error = %v", err)
		}
		if cfg.RedirectURI != defaultRedirectURI {
			t.Errorf("RedirectURI = %s, want %s", cfg.RedirectURI, defaultRedirectURI)
		}
		if cfg.TokenFile != defaultTokenFile {
			t.Errorf("TokenFile = %s, want %s", cfg.TokenFile, defaultTokenFile)
		}
		if cfg.AuthURL != defaultAuthURL || cfg.TokenURL != defaultTokenURL || cfg.APIURL != defaultAPIURL {
			t.Errorf("unexpected endpoints: %+v", cfg)
		}
	})

	t.Run("env overrides", func(t *testing.T) {
		t.Setenv("CLIENT_ID", "test-client")
		t.Setenv("TOKEN_URL", "http://127.0.0.1:9000/token")
		t.Setenv("REDIRECT_URI", "http://localhost:9999/cb")
		cfg, err := loadConfig()
		if err != nil {
			t.Fatalf("loadConfig() error = %v", err)
		}
		if cfg.TokenURL != "http://127.0.0.1:9000/token" {
			t.Errorf("TokenURL = %s", cfg.TokenURL)
		}
		if cfg.RedirectURI != "http://localhost:9999/cb" {
			t.Errorf("RedirectURI = %s", cfg.RedirectURI)
		}
	})

	t.Run("non-loopback redirect", func(t *testing.T) {
		t.Setenv("CLIENT_ID", "test-client")
		t.Setenv("REDIRECT_URI", "https://app.example.com/callback")
		if _, err := loadConfig(); err == nil {
			t.Error("expected error for non-loopback redirect URI")
		}
	})

	t.Run("bad auth url", func(t *testing.T) {
		t.Setenv("CLIENT_ID", "test-client")
		t.Setenv("AUTH_URL", "ftp://accounts.example.com")
		_, err := loadConfig()
		if err == nil || !strings.Contains(err.Error(), "AUTH_URL") {
			t.Errorf("expected AUTH_URL error, got %v", err)
		}
	})
}

func TestNewLogger(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "cli.log")
	cfg := &config{LogLevel: "debug", LogFile: logFile, Env: "production"}

	log, closer, err := newLogger(cfg, true)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	log.Debug().Str("client_id", "test-client").Msg("hello")
	closer.Close()

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), `"message":"hello"`) {
		t.Errorf("log file missing entry: %s", data)
	}

	if _, _, err := newLogger(&config{LogLevel: "loud"}, false); err == nil {
		t.Error("expected error for invalid log level")
	}
}

// recordingDisplayer captures the events the app reports.
type recordingDisplayer struct {
	tui.NoopDisplayer

	mu     sync.Mutex
	events []string
}

func (r *recordingDisplayer) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recordingDisplayer) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if strings.HasPrefix(e, event) {
			return true
		}
	}
	return false
}

func (r *recordingDisplayer) TokensFound()                   { r.add("tokens-found") }
func (r *recordingDisplayer) TokenValid()                    { r.add("token-valid") }
func (r *recordingDisplayer) TokenExpired()                  { r.add("token-expired") }
func (r *recordingDisplayer) TokensNotFound()                { r.add("tokens-not-found") }
func (r *recordingDisplayer) ScopesChanged(missing []string) { r.add("scopes-changed %v", missing) }
func (r *recordingDisplayer) Refreshing()                    { r.add("refreshing") }
func (r *recordingDisplayer) RefreshOK()                     { r.add("refresh-ok") }
func (r *recordingDisplayer) Revoked()                       { r.add("revoked") }
func (r *recordingDisplayer) AuthSuccess()                   { r.add("auth-success") }
func (r *recordingDisplayer) TokenSaved(path string)         { r.add("token-saved %s", path) }
func (r *recordingDisplayer) ReAuthRequired()                { r.add("reauth-required") }
func (r *recordingDisplayer) TokenSaveFailed(err error)      { r.add("token-save-failed %v", err) }
func (r *recordingDisplayer) LoggedOut(path string)          { r.add("logged-out %s", path) }
func (r *recordingDisplayer) APICallOK(summary string)       { r.add("api-ok %s", summary) }
func (r *recordingDisplayer) APICallFailed(err error)        { r.add("api-failed %v", err) }
func (r *recordingDisplayer) Fatal(err error)                { r.add("fatal %v", err) }

func (r *recordingDisplayer) Done(preview, tokenType string, _ time.Duration, _ []string) {
	r.add("done %s %s", preview, tokenType)
}

// fakeProvider serves the authorization server's token endpoint and the Web
// API from one httptest server.
type fakeProvider struct {
	server *httptest.Server

	codeGrants    atomic.Int32
	refreshGrants atomic.Int32
	issued        atomic.Int32
	revokeRefresh atomic.Bool

	mu    sync.Mutex
	valid map[string]bool
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{valid: map[string]bool{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", p.handleToken)
	mux.HandleFunc("/v1/me", p.authorized(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"id":           "user-1",
			"display_name": "Test User",
			"product":      "premium",
		})
	}))
	mux.HandleFunc("/v1/me/player", p.authorized(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakeProvider) accept(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.valid[token] = true
}

func (p *fakeProvider) issue(w http.ResponseWriter, refreshToken string) {
	token := fmt.Sprintf("issued-access-token-%d", p.issued.Add(1))
	p.accept(token)

	resp := map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   3600,
		"scope":        strings.Join(requiredScopes, " "),
	}
	if refreshToken != "" {
		resp["refresh_token"] = refreshToken
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (p *fakeProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		p.codeGrants.Add(1)
		if r.PostForm.Get("code") != "test-code" || r.PostForm.Get("code_verifier") == "" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(auth.ErrorResponse{Error: "invalid_grant"})
			return
		}
		p.issue(w, "issued-refresh-token")

	case "refresh_token":
		p.refreshGrants.Add(1)
		if p.revokeRefresh.Load() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(auth.ErrorResponse{
				Error:            "invalid_grant",
				ErrorDescription: "Refresh token revoked",
			})
			return
		}
		p.issue(w, "")

	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func (p *fakeProvider) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		p.mu.Lock()
		ok := p.valid[token]
		p.mu.Unlock()

		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"status":401,"message":"Invalid access token"}}`))
			return
		}
		next(w, r)
	}
}

// userAgent plays the browser: it approves the request and follows the
// redirect back to the loopback callback.
func (p *fakeProvider) userAgent(t *testing.T, opened *atomic.Int32) func(string) error {
	return func(authURL string) error {
		opened.Add(1)

		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		if !strings.HasPrefix(authURL, p.server.URL+"/authorize") {
			t.Errorf("unexpected authorization URL: %s", authURL)
		}

		q := url.Values{}
		q.Set("code", "test-code")
		q.Set("state", u.Query().Get("state"))

		resp, err := http.Get(u.Query().Get("redirect_uri") + "?" + q.Encode())
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.ReadAll(resp.Body)
		return nil
	}
}

func (p *fakeProvider) config(t *testing.T) *config {
	return &config{
		ClientID:    "test-client",
		AuthURL:     p.server.URL + "/authorize",
		TokenURL:    p.server.URL + "/token",
		APIURL:      p.server.URL + "/v1",
		RedirectURI: "http://127.0.0.1:0/callback",
		TokenFile:   filepath.Join(t.TempDir(), "tokens.json"),
	}
}

func newTestApp(t *testing.T, cfg *config, d tui.Displayer) *app {
	t.Helper()

	client, err := retry.NewClient()
	if err != nil {
		t.Fatalf("failed to create retry client: %v", err)
	}
	a := newApp(cfg, d, zerolog.Nop(), client)
	a.callbackTimeout = 5 * time.Second
	return a
}

func saveStoredCreds(t *testing.T, cfg *config, creds *credstore.CredentialSet) {
	t.Helper()
	if err := credstore.NewFileStore(cfg.TokenFile, cfg.ClientID).Save(creds); err != nil {
		t.Fatalf("Failed to save credentials: %v", err)
	}
}

func storedCreds(expiresIn time.Duration) *credstore.CredentialSet {
	return &credstore.CredentialSet{
		AccessToken:  "stored-access-token",
		RefreshToken: "stored-refresh-token",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(expiresIn),
		Scopes:       credstore.NormalizeScopes(requiredScopes),
		ClientID:     "test-client",
	}
}

func loadStoredCreds(t *testing.T, cfg *config) *credstore.CredentialSet {
	t.Helper()
	creds, err := credstore.NewFileStore(cfg.TokenFile, cfg.ClientID).Load()
	if err != nil {
		t.Fatalf("Failed to load credentials: %v", err)
	}
	return creds
}

func TestApp_FreshLogin(t *testing.T) {
	provider := newFakeProvider(t)
	cfg := provider.config(t)
	d := &recordingDisplayer{}
	a := newTestApp(t, cfg, d)

	var opened atomic.Int32
	a.openBrowser = provider.userAgent(t, &opened)

	if err := a.run(context.Background()); err != nil {
		t.Fatalf("run() error = %v (events: %v)", err, d.events)
	}

	if opened.Load() != 1 {
		t.Errorf("Expected browser opened once, got %d", opened.Load())
	}
	if provider.codeGrants.Load() != 1 {
		t.Errorf("Expected 1 code exchange, got %d", provider.codeGrants.Load())
	}
	for _, event := range []string{"tokens-not-found", "auth-success", "token-saved", "api-ok Logged in as Test User", "done issued-access-token-1"} {
		if !d.has(event) {
			t.Errorf("missing event %q in %v", event, d.events)
		}
	}

	creds := loadStoredCreds(t, cfg)
	if creds == nil {
		t.Fatal("credentials not persisted")
	}
	if creds.AccessToken != "issued-access-token-1" || creds.RefreshToken != "issued-refresh-token" {
		t.Errorf("unexpected stored credentials: %+v", creds)
	}
}

func TestApp_UsesStoredCredentials(t *testing.T) {
	provider := newFakeProvider(t)
	provider.accept("stored-access-token")
	cfg := provider.config(t)
	saveStoredCreds(t, cfg, storedCreds(time.Hour))

	d := &recordingDisplayer{}
	a := newTestApp(t, cfg, d)
	a.openBrowser = func(string) error {
		t.Error("browser must not be opened with valid stored credentials")
		return nil
	}

	if err := a.run(context.Background()); err != nil {
		t.Fatalf("run() error = %v", err)
	}

	if n := provider.codeGrants.Load() + provider.refreshGrants.Load(); n != 0 {
		t.Errorf("Expected no token endpoint calls, got %d", n)
	}
	if !d.has("token-valid") || !d.has("done stored-access-token") {
		t.Errorf("unexpected events: %v", d.events)
	}
}

func TestApp_RefreshesExpiredCredentials(t *testing.T) {
	provider := newFakeProvider(t)
	cfg := provider.config(t)
	saveStoredCreds(t, cfg, storedCreds(-time.Minute))

	d := &recordingDisplayer{}
	a := newTestApp(t, cfg, d)
	a.openBrowser = func(string) error {
		t.Error("browser must not be opened when refresh succeeds")
		return nil
	}

	if err := a.run(context.Background()); err != nil {
		t.Fatalf("run() error = %v", err)
	}

	if provider.refreshGrants.Load() != 1 {
		t.Errorf("Expected 1 refresh, got %d", provider.refreshGrants.Load())
	}
	for _, event := range []string{"token-expired", "refreshing", "refresh-ok", "api-ok"} {
		if !d.has(event) {
			t.Errorf("missing event %q in %v", event, d.events)
		}
	}

	creds := loadStoredCreds(t, cfg)
	if creds.AccessToken != "issued-access-token-1" {
		t.Errorf("AccessToken = %s, want issued-access-token-1", creds.AccessToken)
	}
	if creds.RefreshToken != "stored-refresh-token" {
		t.Errorf("RefreshToken = %s, want stored-refresh-token (fixed mode)", creds.RefreshToken)
	}
}

func TestApp_RevokedRefreshTokenReauthorizes(t *testing.T) {
	provider := newFakeProvider(t)
	provider.revokeRefresh.Store(true)
	cfg := provider.config(t)
	saveStoredCreds(t, cfg, storedCreds(-time.Minute))

	d := &recordingDisplayer{}
	a := newTestApp(t, cfg, d)
	var opened atomic.Int32
	a.openBrowser = provider.userAgent(t, &opened)

	if err := a.run(context.Background()); err != nil {
		t.Fatalf("run() error = %v (events: %v)", err, d.events)
	}

	for _, event := range []string{"revoked", "reauth-required", "auth-success", "api-ok Logged in as"} {
		if !d.has(event) {
			t.Errorf("missing event %q in %v", event, d.events)
		}
	}
	if opened.Load() != 1 {
		t.Errorf("Expected one interactive login, got %d", opened.Load())
	}

	creds := loadStoredCreds(t, cfg)
	if creds == nil || creds.RefreshToken != "issued-refresh-token" {
		t.Errorf("expected credentials from the new login, got %+v", creds)
	}
}

func TestApp_ScopesChangedReauthorizes(t *testing.T) {
	provider := newFakeProvider(t)
	provider.accept("stored-access-token")
	cfg := provider.config(t)

	narrow := storedCreds(time.Hour)
	narrow.Scopes = []string{"user-read-private"}
	saveStoredCreds(t, cfg, narrow)

	d := &recordingDisplayer{}
	a := newTestApp(t, cfg, d)
	var opened atomic.Int32
	a.openBrowser = provider.userAgent(t, &opened)

	if err := a.run(context.Background()); err != nil {
		t.Fatalf("run() error = %v", err)
	}

	if !d.has("scopes-changed") || !d.has("auth-success") {
		t.Errorf("unexpected events: %v", d.events)
	}
	if opened.Load() != 1 {
		t.Errorf("Expected one interactive login, got %d", opened.Load())
	}
}

func TestApp_NoBrowserTimesOut(t *testing.T) {
	provider := newFakeProvider(t)
	cfg := provider.config(t)
	cfg.NoBrowser = true

	d := &recordingDisplayer{}
	a := newTestApp(t, cfg, d)
	a.callbackTimeout = 100 * time.Millisecond
	a.openBrowser = func(string) error {
		t.Error("browser must not be opened with -no-browser")
		return nil
	}

	err := a.run(context.Background())
	if !errors.Is(err, auth.ErrAuthorizationExchangeFailed) {
		t.Fatalf("expected ErrAuthorizationExchangeFailed, got %v", err)
	}
	if !d.has("fatal") {
		t.Errorf("expected fatal event, got %v", d.events)
	}
}

func TestApp_BrowserFailureIsNotFatal(t *testing.T) {
	provider := newFakeProvider(t)
	cfg := provider.config(t)

	d := &recordingDisplayer{}
	a := newTestApp(t, cfg, d)
	a.callbackTimeout = 100 * time.Millisecond
	a.openBrowser = func(string) error { return errors.New("no display") }

	err := a.run(context.Background())
	if !errors.Is(err, auth.ErrAuthorizationExchangeFailed) {
		t.Fatalf("expected callback timeout, got %v", err)
	}
}

func TestApp_Logout(t *testing.T) {
	provider := newFakeProvider(t)
	cfg := provider.config(t)
	cfg.Logout = true
	saveStoredCreds(t, cfg, storedCreds(time.Hour))

	d := &recordingDisplayer{}
	if err := newTestApp(t, cfg, d).run(context.Background()); err != nil {
		t.Fatalf("run() error = %v", err)
	}

	if _, err := os.Stat(cfg.TokenFile); !os.IsNotExist(err) {
		t.Errorf("token file should be removed, stat err = %v", err)
	}
	if !d.has("logged-out " + cfg.TokenFile) {
		t.Errorf("unexpected events: %v", d.events)
	}
}

func TestApp_OnStateChange(t *testing.T) {
	d := &recordingDisplayer{}
	a := &app{d: d}

	a.onStateChange(auth.Transition{From: auth.StateExpired, To: auth.StateRefreshing})
	a.onStateChange(auth.Transition{From: auth.StateRefreshing, To: auth.StateValid, Err: errors.New("disk full")})
	a.onStateChange(auth.Transition{From: auth.StateRefreshing, To: auth.StateRevoked})

	want := []string{"refreshing", "refresh-ok", "token-save-failed disk full", "revoked"}
	if strings.Join(d.events, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", d.events, want)
	}
}
