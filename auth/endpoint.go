package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/go-authgate/pkce-cli/credstore"
)

// Timeout configuration for token endpoint calls
const (
	tokenExchangeTimeout = 10 * time.Second
	refreshTokenTimeout  = 10 * time.Second
)

// Doer sends an HTTP request. *retry.Client from go-httpretry satisfies it.
type Doer interface {
	DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error)
}

// ErrorResponse is the OAuth error body returned by the token endpoint.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// TokenResponse is a successful token endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// TokenClient talks to the service's token endpoint.
type TokenClient struct {
	tokenURL string
	clientID string
	doer     Doer
}

// NewTokenClient returns a client for the token endpoint at tokenURL.
func NewTokenClient(tokenURL, clientID string, doer Doer) *TokenClient {
	return &TokenClient{
		tokenURL: tokenURL,
		clientID: clientID,
		doer:     doer,
	}
}

// Exchange trades an authorization code and its PKCE verifier for tokens.
func (c *TokenClient) Exchange(
	ctx context.Context,
	code, verifier, redirectURI string,
) (*TokenResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, tokenExchangeTimeout)
	defer cancel()

	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)
	data.Set("client_id", c.clientID)
	data.Set("code_verifier", verifier)

	return c.post(reqCtx, data)
}

// Refresh uses a refresh token to obtain a new access token.
func (c *TokenClient) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, refreshTokenTimeout)
	defer cancel()

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", c.clientID)

	return c.post(reqCtx, data)
}

// post sends a form to the token endpoint. Non-200 responses are returned
// as *oauth2.RetrieveError with ErrorCode populated from the body.
func (c *TokenClient) post(ctx context.Context, data url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.tokenURL,
		strings.NewReader(data.Encode()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.doer.DoWithContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		retrieveErr := &oauth2.RetrieveError{
			Response: resp,
			Body:     body,
		}
		var errResp ErrorResponse
		if jsonErr := json.Unmarshal(body, &errResp); jsonErr == nil {
			retrieveErr.ErrorCode = errResp.Error
			retrieveErr.ErrorDescription = errResp.ErrorDescription
		}
		return nil, retrieveErr
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	if err := validateTokenResponse(
		tokenResp.AccessToken,
		tokenResp.TokenType,
		tokenResp.ExpiresIn,
	); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}

	return &tokenResp, nil
}

// validateTokenResponse validates the OAuth token response
func validateTokenResponse(accessToken, tokenType string, expiresIn int) error {
	if accessToken == "" {
		return errors.New("access_token is empty")
	}

	if len(accessToken) < 10 {
		return fmt.Errorf("access_token is too short (length: %d)", len(accessToken))
	}

	if expiresIn <= 0 {
		return fmt.Errorf("expires_in must be positive, got: %d", expiresIn)
	}

	// Token type is optional in OAuth 2.0, but if present, should be "Bearer"
	if tokenType != "" && !strings.EqualFold(tokenType, "Bearer") {
		return fmt.Errorf("unexpected token_type: %s (expected Bearer)", tokenType)
	}

	return nil
}

// isTerminalGrantError reports whether a token endpoint error means the grant
// itself (refresh token or code) was rejected.
func isTerminalGrantError(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return false
	}
	return terminalGrantErrors[retrieveErr.ErrorCode]
}

// newCredentialSet builds a credential set from a token response received at
// now. When the response carries no refresh token, previousRefresh is kept.
// When it carries no scope, the requested scopes were granted as asked.
func newCredentialSet(
	resp *TokenResponse,
	now time.Time,
	previousRefresh string,
	requested []string,
	clientID string,
) *credstore.CredentialSet {
	refreshToken := resp.RefreshToken
	if refreshToken == "" {
		refreshToken = previousRefresh
	}

	scopes := requested
	if resp.Scope != "" {
		scopes = strings.Fields(resp.Scope)
	}

	tokenType := resp.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	return &credstore.CredentialSet{
		AccessToken:  resp.AccessToken,
		RefreshToken: refreshToken,
		TokenType:    tokenType,
		ExpiresAt:    now.Add(time.Duration(resp.ExpiresIn) * time.Second).UTC(),
		Scopes:       credstore.NormalizeScopes(scopes),
		ClientID:     clientID,
	}
}
