package grpc

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/panyam/monitorauth/client"
)

// InterceptorConfig configures the client auth interceptors.
type InterceptorConfig struct {
	// Config holds the metadata key configuration.
	*Config

	// Tokens supplies the access token and refreshes the session on a
	// rejected call. client.SessionManager implements it.
	Tokens client.TokenProvider

	// PublicMethods is a set of method names sent without a bearer token.
	// Keys should be full method names like "/package.Service/Method".
	PublicMethods map[string]bool

	// NoRequestID disables the per-call request id.
	NoRequestID bool
}

// NewInterceptorConfig returns a config that authenticates every method
// except publicMethods.
func NewInterceptorConfig(tokens client.TokenProvider, publicMethods ...string) *InterceptorConfig {
	config := &InterceptorConfig{
		Config:        DefaultConfig(),
		Tokens:        tokens,
		PublicMethods: make(map[string]bool),
	}
	for _, method := range publicMethods {
		config.PublicMethods[method] = true
	}
	return config
}

func (c *InterceptorConfig) ensureDefaults() {
	if c.Config == nil {
		c.Config = DefaultConfig()
	}
	c.Config.EnsureDefaults()
	if c.PublicMethods == nil {
		c.PublicMethods = make(map[string]bool)
	}
}

// outgoing decorates ctx for one attempt and returns the token it used
func (c *InterceptorConfig) outgoing(ctx context.Context, method string) (context.Context, string, error) {
	if !c.NoRequestID {
		ctx = RequestIDToOutgoingContext(ctx, uuid.NewString())
	}
	if c.PublicMethods[method] {
		return ctx, "", nil
	}
	token, err := c.Tokens.AccessToken()
	if err != nil {
		return ctx, "", status.Error(codes.Unauthenticated, err.Error())
	}
	return BearerToOutgoingContextWithKey(ctx, token, c.Config.MetadataKeyAuthorization), token, nil
}

// retryable reports whether err is a rejection worth one refresh
func retryable(err error, token string) bool {
	return token != "" && status.Code(err) == codes.Unauthenticated
}

// UnaryClientInterceptor returns a gRPC unary client interceptor that attaches
// the session's bearer token. When the call fails Unauthenticated it asks the
// provider to refresh and retries once with the new token.
func UnaryClientInterceptor(config *InterceptorConfig) grpc.UnaryClientInterceptor {
	config.ensureDefaults()

	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		callCtx, token, err := config.outgoing(ctx, method)
		if err != nil {
			return err
		}
		err = invoker(callCtx, method, req, reply, cc, opts...)
		if !retryable(err, token) {
			return err
		}

		if rerr := config.Tokens.HandleUnauthorized(ctx, token); rerr != nil {
			return err
		}
		retryCtx, newToken, terr := config.outgoing(ctx, method)
		if terr != nil || newToken == token {
			return err
		}
		return invoker(retryCtx, method, req, reply, cc, opts...)
	}
}

// StreamClientInterceptor returns a gRPC stream client interceptor that
// attaches the bearer token. Only a rejection while opening the stream is
// retried; errors on an established stream are the caller's to handle.
func StreamClientInterceptor(config *InterceptorConfig) grpc.StreamClientInterceptor {
	config.ensureDefaults()

	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		callCtx, token, err := config.outgoing(ctx, method)
		if err != nil {
			return nil, err
		}
		stream, err := streamer(callCtx, desc, cc, method, opts...)
		if !retryable(err, token) {
			return stream, err
		}

		if rerr := config.Tokens.HandleUnauthorized(ctx, token); rerr != nil {
			return nil, err
		}
		retryCtx, newToken, terr := config.outgoing(ctx, method)
		if terr != nil || newToken == token {
			return nil, err
		}
		return streamer(retryCtx, desc, cc, method, opts...)
	}
}
