package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	tea "charm.land/bubbletea/v2"

	"github.com/go-authgate/pkce-cli/auth"
	"github.com/go-authgate/pkce-cli/logger"
	"github.com/go-authgate/pkce-cli/tui"
)

// requiredScopes is the grant the CLI needs. Stored credentials that do not
// cover it are discarded and the user is asked to authorize again.
var requiredScopes = []string{
	"user-read-playback-state",
	"user-modify-playback-state",
	"user-read-currently-playing",
	"user-read-private",
}

const (
	defaultAuthURL     = "https://accounts.spotify.com/authorize"
	defaultTokenURL    = "https://accounts.spotify.com/api/token"
	defaultAPIURL      = "https://api.spotify.com/v1"
	defaultRedirectURI = "http://127.0.0.1:8888/callback"
	defaultTokenFile   = ".pkce-tokens.json"
)

var errMissingClientID = errors.New("CLIENT_ID not set")

type config struct {
	ClientID    string
	AuthURL     string
	TokenURL    string
	APIURL      string
	RedirectURI string
	TokenFile   string
	LogLevel    string
	LogFile     string
	Env         string
	Logout      bool
	ShowDialog  bool
	NoBrowser   bool
}

var (
	flagClientID    *string
	flagAuthURL     *string
	flagTokenURL    *string
	flagAPIURL      *string
	flagRedirectURI *string
	flagTokenFile   *string
	flagLogout      *bool
	flagShowDialog  *bool
	flagNoBrowser   *bool
)

func init() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	// Define flags (but don't parse yet to avoid conflicts with test flags)
	flagClientID = flag.String("client-id", "", "OAuth client ID (required, or set CLIENT_ID env)")
	flagAuthURL = flag.String("auth-url", "", "Authorization endpoint (or AUTH_URL env)")
	flagTokenURL = flag.String("token-url", "", "Token endpoint (or TOKEN_URL env)")
	flagAPIURL = flag.String("api-url", "", "Web API base URL (or API_URL env)")
	flagRedirectURI = flag.String(
		"redirect-uri",
		"",
		"Loopback redirect URI (default: "+defaultRedirectURI+" or REDIRECT_URI env)",
	)
	flagTokenFile = flag.String(
		"token-file",
		"",
		"Token storage file (default: "+defaultTokenFile+" or TOKEN_FILE env)",
	)
	flagLogout = flag.Bool("logout", false, "Remove stored credentials and exit")
	flagShowDialog = flag.Bool("show-dialog", false, "Force the consent dialog even if already approved")
	flagNoBrowser = flag.Bool("no-browser", false, "Print the authorization link instead of opening a browser")
}

// initConfig parses flags and loads the configuration, exiting on error.
// Separated from init() to avoid conflicts with test flag parsing.
func initConfig() *config {
	flag.Parse()

	cfg, err := loadConfig()
	if errors.Is(err, errMissingClientID) {
		fmt.Println("Error: CLIENT_ID not set. Please provide it via:")
		fmt.Println("  1. Command line flag: -client-id=<your-client-id>")
		fmt.Println("  2. Environment variable: CLIENT_ID=<your-client-id>")
		fmt.Println("  3. .env file: CLIENT_ID=<your-client-id>")
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	for _, u := range []string{cfg.TokenURL, cfg.APIURL} {
		if !isSecureURL(u) {
			fmt.Fprintf(
				os.Stderr,
				"⚠️  WARNING: %s uses HTTP instead of HTTPS. Tokens will be transmitted in plaintext!\n",
				u,
			)
			fmt.Fprintln(os.Stderr)
		}
	}
	return cfg
}

// loadConfig resolves every setting with priority flag > env > default.
func loadConfig() (*config, error) {
	cfg := &config{
		ClientID:    getConfig(*flagClientID, "CLIENT_ID", ""),
		AuthURL:     getConfig(*flagAuthURL, "AUTH_URL", defaultAuthURL),
		TokenURL:    getConfig(*flagTokenURL, "TOKEN_URL", defaultTokenURL),
		APIURL:      getConfig(*flagAPIURL, "API_URL", defaultAPIURL),
		RedirectURI: getConfig(*flagRedirectURI, "REDIRECT_URI", defaultRedirectURI),
		TokenFile:   getConfig(*flagTokenFile, "TOKEN_FILE", defaultTokenFile),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFile:     getEnv("LOG_FILE", ""),
		Env:         getEnv("ENV", "development"),
		Logout:      *flagLogout,
		ShowDialog:  *flagShowDialog,
		NoBrowser:   *flagNoBrowser,
	}

	if cfg.ClientID == "" {
		return nil, errMissingClientID
	}

	for name, u := range map[string]string{
		"AUTH_URL":  cfg.AuthURL,
		"TOKEN_URL": cfg.TokenURL,
		"API_URL":   cfg.APIURL,
	} {
		if err := validateServerURL(u); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if _, err := auth.NewCallbackServer(cfg.RedirectURI); err != nil {
		return nil, fmt.Errorf("invalid REDIRECT_URI: %w", err)
	}

	return cfg, nil
}

// getConfig returns value with priority: flag > env > default
func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

// isSecureURL reports whether rawURL uses HTTPS or only talks to loopback.
func isSecureURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Scheme, "https") {
		return true
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// newRetryClient returns the HTTP client shared by the token endpoint and
// the Web API.
func newRetryClient() (*retry.Client, error) {
	baseHTTPClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	// Wrap with retry logic using go-httpretry
	return retry.NewBackgroundClient(
		retry.WithHTTPClient(baseHTTPClient),
	)
}

// newLogger builds the process logger. With the TUI on screen logs only go
// to LOG_FILE; otherwise they go to LOG_FILE or stderr.
func newLogger(cfg *config, tty bool) (zerolog.Logger, io.Closer, error) {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.Nop(), nil, err
	}

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to open log file: %w", err)
		}
		return logger.New(f, cfg.Env, level), f, nil
	}
	if tty {
		return zerolog.Nop(), nil, nil
	}
	return logger.New(os.Stderr, cfg.Env, level), nil, nil
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	cfg := initConfig()
	tty := isTTY()

	log, closer, err := newLogger(cfg, tty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}

	doer, err := newRetryClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create retry client: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runErr error
	if tty {
		// Run TUI program on stderr so stdout pipes are not corrupted
		m := tui.NewModel()
		// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
		// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		d := tui.NewProgramDisplayer(p)
		d.Banner()
		runErr = newApp(cfg, d, log, doer).run(ctx)
		p.Quit() // let BubbleTea drain terminal query responses before exiting
		wg.Wait()
	} else {
		d := tui.NewPlainDisplayer(os.Stderr)
		d.Banner()
		runErr = newApp(cfg, d, log, doer).run(ctx)
	}

	if runErr != nil {
		stop()
		if closer != nil {
			closer.Close()
		}
		os.Exit(1)
	}
}
