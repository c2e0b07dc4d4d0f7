package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	oa "github.com/panyam/monitorauth"
)

// Auth API paths, relative to the transport's base URL
const (
	PathLogin    = "/login"
	PathRegister = "/register"
	PathRefresh  = "/refresh"
	PathLogout   = "/logout"
	PathMe       = "/me"
	PathTimeLeft = "/me/accesstimeleft"
)

const maxResponseBytes = 1 << 20

// AuthAPI is the set of auth operations the session manager depends on.
// Implementations never refresh tokens on their own.
type AuthAPI interface {
	Login(ctx context.Context, identifier, password string) (*oa.AuthResponse, error)
	Register(ctx context.Context, username, email, password string) (*oa.AuthResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*oa.AuthResponse, error)
	Logout(ctx context.Context, accessToken string) error
	TimeLeft(ctx context.Context, accessToken string) (int, error)
	CurrentUser(ctx context.Context, accessToken string) (*oa.User, error)
	UpdateCurrentUser(ctx context.Context, accessToken string, req oa.UpdateUserRequest) (*oa.AuthResponse, error)
	DeleteCurrentUser(ctx context.Context, accessToken, currentPassword string) (string, error)
}

// Transport is the HTTP binding of AuthAPI
type Transport struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	breaker    *gobreaker.CircuitBreaker
	logger     zerolog.Logger
}

var _ AuthAPI = (*Transport)(nil)

// TransportOption configures a Transport
type TransportOption func(*Transport)

// WithHTTPClient sets the HTTP client used for auth calls (TLS config, proxies, etc.)
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *Transport) {
		if c != nil {
			t.httpClient = c
		}
	}
}

// WithTimeout bounds each auth call
func WithTimeout(d time.Duration) TransportOption {
	return func(t *Transport) {
		if d > 0 {
			t.httpClient.Timeout = d
		}
	}
}

// WithUserAgent sets the User-Agent header sent on every call
func WithUserAgent(ua string) TransportOption {
	return func(t *Transport) {
		t.userAgent = ua
	}
}

// WithTransportLogger sets the logger
func WithTransportLogger(l zerolog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = l
	}
}

// NewTransport creates a transport for the auth API rooted at baseURL,
// e.g. "https://monitor.example.com/auth"
func NewTransport(baseURL string, opts ...TransportOption) (*Transport, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, &oa.Error{Kind: oa.KindInvalidURL, Message: baseURL, Err: err}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, oa.NewError(oa.KindInvalidURL, fmt.Sprintf("%q is not an absolute http(s) URL", baseURL))
	}

	t := &Transport{
		baseURL:    strings.TrimRight(u.String(), "/"),
		httpClient: &http.Client{Timeout: oa.DefaultRequestTimeout},
		userAgent:  "monitorauth-client/1",
		logger:     log.Logger.With().Str("component", "auth-transport").Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// BaseURL returns the auth API root this transport talks to
func (t *Transport) BaseURL() string {
	return t.baseURL
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type deleteRequest struct {
	CurrentPassword string `json:"current_password"`
}

type timeLeftResponse struct {
	TimeLeftSeconds *int `json:"time_left_seconds"`
}

type userResponse struct {
	User *oa.User `json:"user"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Login exchanges an identifier (username or email) and password for a credential pair
func (t *Transport) Login(ctx context.Context, identifier, password string) (*oa.AuthResponse, error) {
	var resp oa.AuthResponse
	err := t.do(ctx, apiCall{
		method: http.MethodPost, path: PathLogin, want: http.StatusOK,
		body: loginRequest{Identifier: identifier, Password: password},
		out:  &resp,
	})
	if err != nil {
		return nil, err
	}
	return requirePair(&resp)
}

// Register creates an account and returns its first credential pair
func (t *Transport) Register(ctx context.Context, username, email, password string) (*oa.AuthResponse, error) {
	var resp oa.AuthResponse
	err := t.do(ctx, apiCall{
		method: http.MethodPost, path: PathRegister, want: http.StatusCreated,
		body: registerRequest{Username: username, Email: email, Password: password},
		out:  &resp,
	})
	if err != nil {
		return nil, err
	}
	return requirePair(&resp)
}

// Refresh exchanges a refresh token for a new pair. The presented refresh
// token is invalid afterwards.
func (t *Transport) Refresh(ctx context.Context, refreshToken string) (*oa.AuthResponse, error) {
	var resp oa.AuthResponse
	err := t.do(ctx, apiCall{
		method: http.MethodPost, path: PathRefresh, want: http.StatusOK,
		body: refreshRequest{RefreshToken: refreshToken},
		out:  &resp,
	})
	if err != nil {
		return nil, err
	}
	return requirePair(&resp)
}

// Logout revokes the session server side
func (t *Transport) Logout(ctx context.Context, accessToken string) error {
	return t.do(ctx, apiCall{
		method: http.MethodPost, path: PathLogout, want: http.StatusOK,
		token: accessToken,
	})
}

// TimeLeft returns the remaining lifetime of the access token in seconds
func (t *Transport) TimeLeft(ctx context.Context, accessToken string) (int, error) {
	var resp timeLeftResponse
	err := t.do(ctx, apiCall{
		method: http.MethodGet, path: PathTimeLeft, want: http.StatusOK,
		token: accessToken,
		out:   &resp,
	})
	if err != nil {
		return 0, err
	}
	if resp.TimeLeftSeconds == nil {
		return 0, oa.NewError(oa.KindDecoding, "response is missing time_left_seconds")
	}
	return *resp.TimeLeftSeconds, nil
}

// CurrentUser fetches the profile of the token's owner
func (t *Transport) CurrentUser(ctx context.Context, accessToken string) (*oa.User, error) {
	var resp userResponse
	err := t.do(ctx, apiCall{
		method: http.MethodGet, path: PathMe, want: http.StatusOK,
		token: accessToken,
		out:   &resp,
	})
	if err != nil {
		return nil, err
	}
	if resp.User == nil {
		return nil, oa.NewError(oa.KindDecoding, "response is missing user")
	}
	return resp.User, nil
}

// UpdateCurrentUser applies a partial profile update. The server may rotate
// the credential pair in the same response.
func (t *Transport) UpdateCurrentUser(ctx context.Context, accessToken string, req oa.UpdateUserRequest) (*oa.AuthResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var resp oa.AuthResponse
	err := t.do(ctx, apiCall{
		method: http.MethodPatch, path: PathMe, want: http.StatusOK,
		token: accessToken,
		body:  req,
		out:   &resp,
	})
	if err != nil {
		return nil, err
	}
	if !resp.Pair().Complete() && !resp.Pair().Empty() {
		return nil, oa.NewError(oa.KindDecoding, "response carries a partial credential pair")
	}
	return &resp, nil
}

// DeleteCurrentUser deletes the account after re-checking the current password
func (t *Transport) DeleteCurrentUser(ctx context.Context, accessToken, currentPassword string) (string, error) {
	if currentPassword == "" {
		return "", oa.NewError(oa.KindBadRequest, "current password is required")
	}
	var resp messageResponse
	err := t.do(ctx, apiCall{
		method: http.MethodDelete, path: PathMe, want: http.StatusOK,
		token: accessToken,
		body:  deleteRequest{CurrentPassword: currentPassword},
		out:   &resp,
	})
	if err != nil {
		return "", err
	}
	return resp.Message, nil
}

func requirePair(resp *oa.AuthResponse) (*oa.AuthResponse, error) {
	if !resp.Pair().Complete() {
		return nil, oa.NewError(oa.KindDecoding, "response is missing tokens")
	}
	return resp, nil
}

type apiCall struct {
	method string
	path   string
	token  string
	body   any
	want   int
	out    any
}

func (t *Transport) do(ctx context.Context, call apiCall) error {
	if t.breaker == nil {
		return t.roundTrip(ctx, call)
	}
	_, err := t.breaker.Execute(func() (interface{}, error) {
		return nil, t.roundTrip(ctx, call)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &oa.Error{Kind: oa.KindNetwork, Message: "circuit breaker open", Err: err}
	}
	return err
}

func (t *Transport) roundTrip(ctx context.Context, call apiCall) error {
	var reader io.Reader
	if call.body != nil {
		data, err := json.Marshal(call.body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, call.method, t.baseURL+call.path, reader)
	if err != nil {
		return &oa.Error{Kind: oa.KindInvalidURL, Message: t.baseURL + call.path, Err: err}
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set("X-Request-ID", requestID)
	if call.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if call.token != "" {
		req.Header.Set("Authorization", "Bearer "+call.token)
	}

	start := time.Now()
	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Debug().Str("request_id", requestID).Str("path", call.path).Err(err).Msg("auth call failed")
		return &oa.Error{Kind: oa.KindNetwork, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	t.logger.Debug().
		Str("request_id", requestID).
		Str("method", call.method).
		Str("path", call.path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("auth call")
	if err != nil {
		return &oa.Error{Kind: oa.KindInvalidResponse, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode != call.want {
		return statusError(resp.StatusCode, body)
	}
	if call.out == nil {
		return nil
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return &oa.Error{Kind: oa.KindNoData, StatusCode: resp.StatusCode, Message: "empty response body"}
	}
	if err := json.Unmarshal(body, call.out); err != nil {
		t.logger.Warn().Str("request_id", requestID).Str("path", call.path).Err(err).Msg("undecodable auth response")
		return &oa.Error{Kind: oa.KindDecoding, StatusCode: resp.StatusCode, Err: err}
	}
	return nil
}

// statusError maps an unexpected status to an error kind, keeping the
// server's "error" message when it sent one
func statusError(status int, body []byte) error {
	var er errorResponse
	msg := ""
	if json.Unmarshal(body, &er) == nil {
		msg = er.Error
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch status {
	case http.StatusUnauthorized:
		return &oa.Error{Kind: oa.KindUnauthorized, Message: msg, StatusCode: status}
	case http.StatusBadRequest:
		return &oa.Error{Kind: oa.KindBadRequest, Message: msg, StatusCode: status}
	case http.StatusConflict:
		return &oa.Error{Kind: oa.KindConflict, Message: msg, StatusCode: status}
	default:
		return &oa.Error{Kind: oa.KindServer, Message: msg, StatusCode: status}
	}
}
