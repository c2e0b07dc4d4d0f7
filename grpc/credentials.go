package grpc

import (
	"context"

	"golang.org/x/oauth2"
	"google.golang.org/grpc/credentials"
)

// TokenCredentials implements credentials.PerRPCCredentials on top of an
// oauth2.TokenSource, e.g. client.SessionManager.TokenSource().
type TokenCredentials struct {
	Source oauth2.TokenSource

	// AllowInsecure lets the token travel over plaintext connections.
	// Only for local development against a test server.
	AllowInsecure bool
}

var _ credentials.PerRPCCredentials = TokenCredentials{}

// NewTokenCredentials returns credentials that require transport security
func NewTokenCredentials(src oauth2.TokenSource) TokenCredentials {
	return TokenCredentials{Source: src}
}

func (c TokenCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	token, err := c.Source.Token()
	if err != nil {
		return nil, err
	}
	return map[string]string{
		DefaultMetadataKeyAuthorization: token.Type() + " " + token.AccessToken,
	}, nil
}

func (c TokenCredentials) RequireTransportSecurity() bool {
	return !c.AllowInsecure
}
