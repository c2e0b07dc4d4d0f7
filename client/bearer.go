package client

import (
	"context"
	"net/http"
)

// TokenProvider supplies bearer tokens to outgoing requests and is told when
// the server rejected one. SessionManager implements it.
type TokenProvider interface {
	// AccessToken returns the current access token
	AccessToken() (string, error)

	// HandleUnauthorized is called after the server answered 401 to a request
	// that carried rejected. It refreshes the session unless the token has
	// already been replaced.
	HandleUnauthorized(ctx context.Context, rejected string) error
}

// BearerTransport is an http.RoundTripper that attaches the session's access
// token and, on a 401, asks the provider to refresh and retries the request once
type BearerTransport struct {
	Base   http.RoundTripper
	Tokens TokenProvider
}

// NewBearerTransport wraps base (http.DefaultTransport when nil)
func NewBearerTransport(base http.RoundTripper, tokens TokenProvider) *BearerTransport {
	return &BearerTransport{Base: base, Tokens: tokens}
}

func (t *BearerTransport) base() http.RoundTripper {
	if t.Base == nil {
		return http.DefaultTransport
	}
	return t.Base
}

// RoundTrip implements http.RoundTripper
func (t *BearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.Tokens.AccessToken()
	if err != nil {
		return nil, err
	}

	resp, err := t.base().RoundTrip(withBearer(req, token))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || !replayable(req) {
		return resp, nil
	}

	if err := t.Tokens.HandleUnauthorized(req.Context(), token); err != nil {
		return resp, nil
	}
	newToken, err := t.Tokens.AccessToken()
	if err != nil || newToken == token {
		return resp, nil
	}

	retry := withBearer(req, newToken)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return resp, nil
		}
		retry.Body = body
	}
	resp.Body.Close()
	return t.base().RoundTrip(retry)
}

// withBearer clones the request so the caller's request is never mutated
func withBearer(req *http.Request, token string) *http.Request {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}
