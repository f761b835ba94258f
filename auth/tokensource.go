package auth

import (
	"context"

	"golang.org/x/oauth2"
)

type managerTokenSource struct {
	ctx context.Context
	m   *Manager
}

// TokenSource adapts the manager to oauth2.TokenSource so it can back an
// oauth2.Transport. Every Token call goes through the refresh coordinator.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &managerTokenSource{ctx: ctx, m: m}
}

func (s *managerTokenSource) Token() (*oauth2.Token, error) {
	access, err := s.m.Token(s.ctx)
	if err != nil {
		return nil, err
	}

	tok := &oauth2.Token{AccessToken: access, TokenType: "Bearer"}
	if creds := s.m.Credentials(); creds != nil && creds.AccessToken == access {
		tok.TokenType = creds.TokenType
		tok.Expiry = creds.ExpiresAt
	}
	return tok, nil
}
