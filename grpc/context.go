// Package grpc carries the monitoring session onto gRPC calls: per-RPC
// bearer credentials backed by an oauth2.TokenSource, and client
// interceptors that refresh the session once when a call comes back
// Unauthenticated.
package grpc

import (
	"context"
	"strings"

	"google.golang.org/grpc/metadata"
)

// Default metadata keys.
// These can be customized via Config if needed.
const (
	// DefaultMetadataKeyAuthorization carries "Bearer <access token>"
	DefaultMetadataKeyAuthorization = "authorization"

	// DefaultMetadataKeyRequestID carries a per-call request id
	DefaultMetadataKeyRequestID = "x-request-id"
)

const bearerPrefix = "Bearer "

// Config holds the metadata key configuration.
type Config struct {
	// MetadataKeyAuthorization is the metadata key for the bearer token.
	// Defaults to "authorization".
	MetadataKeyAuthorization string

	// MetadataKeyRequestID is the metadata key for the request id.
	// Defaults to "x-request-id".
	MetadataKeyRequestID string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MetadataKeyAuthorization: DefaultMetadataKeyAuthorization,
		MetadataKeyRequestID:     DefaultMetadataKeyRequestID,
	}
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() {
	if c.MetadataKeyAuthorization == "" {
		c.MetadataKeyAuthorization = DefaultMetadataKeyAuthorization
	}
	if c.MetadataKeyRequestID == "" {
		c.MetadataKeyRequestID = DefaultMetadataKeyRequestID
	}
}

// BearerToOutgoingContext sets the bearer token on outgoing metadata,
// replacing any token already there.
func BearerToOutgoingContext(ctx context.Context, token string) context.Context {
	return BearerToOutgoingContextWithKey(ctx, token, DefaultMetadataKeyAuthorization)
}

// BearerToOutgoingContextWithKey sets the bearer token under a custom key.
func BearerToOutgoingContextWithKey(ctx context.Context, token string, key string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	md.Set(key, bearerPrefix+token)
	return metadata.NewOutgoingContext(ctx, md)
}

// BearerFromOutgoingContext returns the bearer token set on outgoing
// metadata, or empty string.
func BearerFromOutgoingContext(ctx context.Context) string {
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		return ""
	}
	return bearerFrom(md, DefaultMetadataKeyAuthorization)
}

// BearerFromIncomingContext extracts the bearer token from incoming metadata.
// Returns empty string if there is none.
func BearerFromIncomingContext(ctx context.Context) string {
	return BearerFromIncomingContextWithConfig(ctx, nil)
}

// BearerFromIncomingContextWithConfig extracts the bearer token using the specified config.
func BearerFromIncomingContextWithConfig(ctx context.Context, config *Config) string {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	return bearerFrom(md, config.MetadataKeyAuthorization)
}

func bearerFrom(md metadata.MD, key string) string {
	values := md.Get(key)
	if len(values) == 0 {
		return ""
	}
	token, ok := strings.CutPrefix(values[0], bearerPrefix)
	if !ok {
		return ""
	}
	return token
}

// RequestIDToOutgoingContext adds a request id to outgoing metadata.
func RequestIDToOutgoingContext(ctx context.Context, id string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, DefaultMetadataKeyRequestID, id)
}
