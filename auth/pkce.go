package auth

import (
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// GenerateCodeVerifier returns a new PKCE code verifier (RFC 7636, 32 random
// bytes base64url-encoded).
func GenerateCodeVerifier() string {
	return oauth2.GenerateVerifier()
}

// DeriveCodeChallenge returns the S256 code challenge for verifier.
func DeriveCodeChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// generateState returns an unpredictable value correlating the redirect
// callback with the flow that issued the authorization request.
func generateState() string {
	return uuid.NewString()
}
