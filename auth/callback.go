package auth

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// CallbackResult is what the authorization server sent to the redirect URI.
type CallbackResult struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// IsError reports whether the provider returned an error instead of a code.
func (r *CallbackResult) IsError() bool {
	return r.Error != ""
}

var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html>
<head><title>Authorization</title>
<style>
html { font-family: Arial, sans-serif; background-color: #191414; color: #ffffff; }
h1, h3 { text-align: center; }
body { padding: 1.5rem; }
.ok { color: #1db954; }
.err { color: #e22134; }
</style>
</head>
<body>
{{if .Error}}
<h1 class="err">Authorization failed</h1>
<h3>{{.Error}}{{if .Description}}: {{.Description}}{{end}}</h3>
{{else}}
<h1 class="ok">Authorization complete</h1>
<h3>This tab may now be closed</h3>
{{end}}
</body>
</html>
`))

// CallbackServer is a loopback HTTP server that receives exactly one OAuth
// redirect and then shuts down.
type CallbackServer struct {
	redirect *url.URL
	server   *http.Server
	listener net.Listener
	resultCh chan *CallbackResult
	errCh    chan error
	once     sync.Once
}

// NewCallbackServer prepares a server for redirectURI. The URI must be an
// http URL on a loopback host; port 0 picks a free port.
func NewCallbackServer(redirectURI string) (*CallbackServer, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URI: %w", err)
	}
	if u.Scheme != "http" {
		return nil, fmt.Errorf("redirect URI scheme must be http, got: %s", u.Scheme)
	}
	if !isLoopbackHost(u.Hostname()) {
		return nil, fmt.Errorf("redirect URI host must be loopback, got: %s", u.Hostname())
	}
	if u.Path == "" {
		u.Path = "/"
	}

	return &CallbackServer{
		redirect: u,
		resultCh: make(chan *CallbackResult, 1),
		errCh:    make(chan error, 1),
	}, nil
}

// Start begins listening and returns the effective redirect URI, which
// differs from the configured one only when port 0 was requested.
// The server stops when ctx is cancelled.
func (s *CallbackServer) Start(ctx context.Context) (string, error) {
	port := s.redirect.Port()
	if port == "" {
		port = "80"
	}
	addr := net.JoinHostPort(s.redirect.Hostname(), port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to start callback server on %s: %w", addr, err)
	}
	s.listener = listener

	actualPort := listener.Addr().(*net.TCPAddr).Port
	s.redirect.Host = net.JoinHostPort(s.redirect.Hostname(), fmt.Sprint(actualPort))

	mux := http.NewServeMux()
	mux.HandleFunc(s.redirect.Path, s.handleCallback)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case s.errCh <- err:
			default:
			}
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return s.redirect.String(), nil
}

// Wait blocks until the callback arrives, the server fails or ctx is done.
func (s *CallbackServer) Wait(ctx context.Context) (*CallbackResult, error) {
	select {
	case result := <-s.resultCh:
		return result, nil
	case err := <-s.errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleCallback accepts the first request only.
func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	handled := false
	s.once.Do(func() {
		handled = true
		s.processCallback(w, r)
	})
	if !handled {
		http.Error(w, "Callback already processed", http.StatusBadRequest)
	}
}

func (s *CallbackServer) processCallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")

	query := r.URL.Query()
	result := &CallbackResult{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if result.IsError() {
		w.WriteHeader(http.StatusBadRequest)
	}
	_ = callbackPage.Execute(w, map[string]string{
		"Error":       result.Error,
		"Description": result.ErrorDescription,
	})

	s.resultCh <- result
}

// Stop shuts the server down.
func (s *CallbackServer) Stop() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
