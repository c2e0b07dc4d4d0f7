package client

import (
	"golang.org/x/oauth2"
)

// sessionTokenSource adapts a SessionManager to oauth2.TokenSource so the
// session can drive oauth2-aware clients (and the grpc package).
type sessionTokenSource struct {
	m *SessionManager
}

func (s sessionTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.m.AccessToken()
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: token, TokenType: "Bearer"}, nil
}

// TokenSource returns an oauth2.TokenSource yielding the session's current
// access token. It never refreshes on its own; expiry is the manager's job.
func (m *SessionManager) TokenSource() oauth2.TokenSource {
	return sessionTokenSource{m: m}
}
