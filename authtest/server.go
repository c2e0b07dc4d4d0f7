// Package authtest runs an in-process implementation of the monitoring
// service's auth API for tests and local development. Access tokens are real
// HS256 JWTs with an expiry; refresh tokens are opaque, single use and rotated
// on every refresh. Hooks let tests inject failures, pin the reported time
// left, and hold requests to exercise races.
package authtest

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	oa "github.com/panyam/monitorauth"
)

// BasePath is where the auth API is mounted on the test server
const BasePath = "/auth"

// Routes, as "METHOD path" relative to BasePath
const (
	RouteLogin    = "POST /login"
	RouteRegister = "POST /register"
	RouteRefresh  = "POST /refresh"
	RouteLogout   = "POST /logout"
	RouteTimeLeft = "GET /me/accesstimeleft"
	RouteMe       = "GET /me"
	RouteUpdateMe = "PATCH /me"
	RouteDeleteMe = "DELETE /me"
)

// DefaultAccessTTL is the lifetime of issued access tokens
const DefaultAccessTTL = 15 * time.Minute

type account struct {
	user         oa.User
	passwordHash []byte
}

type injected struct {
	status int
	body   string
	drop   bool
}

type hold struct {
	arrived chan struct{}
	release chan struct{}
}

// Server is a fake auth API backed by memory
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	secret        []byte
	accessTTL     time.Duration
	accounts      map[int64]*account
	nextID        int64
	refreshTokens map[string]int64 // token -> user id
	revoked       map[string]bool  // access token ids
	timeLeft      *int
	failures      map[string][]injected
	holds         map[string]*hold
	calls         map[string]int
}

// Option configures a Server
type Option func(*Server)

// WithAccessTTL sets the lifetime of issued access tokens
func WithAccessTTL(d time.Duration) Option {
	return func(s *Server) {
		s.accessTTL = d
	}
}

// NewServer starts a fake auth API. Call Close when done.
func NewServer(opts ...Option) *Server {
	s := &Server{
		secret:        randomBytes(32),
		accessTTL:     DefaultAccessTTL,
		accounts:      make(map[int64]*account),
		nextID:        1,
		refreshTokens: make(map[string]int64),
		revoked:       make(map[string]bool),
		failures:      make(map[string][]injected),
		holds:         make(map[string]*hold),
		calls:         make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Server = httptest.NewServer(s.Handler())
	return s
}

// Handler returns the router, for mounting the fake API on another server
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix(BasePath).Subrouter()
	api.Use(s.intercept)

	api.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)
	api.HandleFunc("/logout", s.authenticated(s.handleLogout)).Methods(http.MethodPost)
	api.HandleFunc("/me/accesstimeleft", s.authenticated(s.handleTimeLeft)).Methods(http.MethodGet)
	api.HandleFunc("/me", s.authenticated(s.handleGetMe)).Methods(http.MethodGet)
	api.HandleFunc("/me", s.authenticated(s.handleUpdateMe)).Methods(http.MethodPatch)
	api.HandleFunc("/me", s.authenticated(s.handleDeleteMe)).Methods(http.MethodDelete)
	return r
}

// BaseURL is the auth API root to hand to client.NewTransport
func (s *Server) BaseURL() string {
	return s.URL + BasePath
}

// AddUser creates an account directly
func (s *Server) AddUser(username, email, password string) oa.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUserLocked(username, email, password, "user")
}

// IssuePair mints a session for an existing username as if it had logged in
func (s *Server) IssuePair(username string) (oa.CredentialPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.findLocked(username)
	if acct == nil {
		return oa.CredentialPair{}, fmt.Errorf("no such user %q", username)
	}
	return s.issueLocked(acct.user.ID)
}

// SetTimeLeft pins the value reported by the time-left endpoint
func (s *Server) SetTimeLeft(seconds int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeLeft = &seconds
}

// ClearTimeLeft reports the real remaining lifetime again
func (s *Server) ClearTimeLeft() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeLeft = nil
}

// FailNext makes the next request to route answer status with {"error": message}
func (s *Server) FailNext(route string, status int, message string) {
	body, _ := json.Marshal(map[string]string{"error": message})
	s.RespondNext(route, status, string(body))
}

// RespondNext makes the next request to route answer status with a raw body
func (s *Server) RespondNext(route string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = append(s.failures[route], injected{status: status, body: body})
}

// DropNext makes the next request to route fail at the connection level
func (s *Server) DropNext(route string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = append(s.failures[route], injected{drop: true})
}

// HoldNext blocks the next request to route until release is called.
// arrived is closed once the request is being held.
func (s *Server) HoldNext(route string) (arrived <-chan struct{}, release func()) {
	h := &hold{arrived: make(chan struct{}), release: make(chan struct{})}
	s.mu.Lock()
	s.holds[route] = h
	s.mu.Unlock()
	var once sync.Once
	return h.arrived, func() { once.Do(func() { close(h.release) }) }
}

// RevokeRefreshTokens invalidates every outstanding refresh token
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens = make(map[string]int64)
}

// Calls returns how many requests reached route (including injected failures)
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// RefreshTokenValid reports whether a refresh token is still redeemable
func (s *Server) RefreshTokenValid(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.refreshTokens[token]
	return ok
}

// UserCount returns the number of accounts
func (s *Server) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

func routeKey(r *http.Request) string {
	return r.Method + " " + strings.TrimPrefix(r.URL.Path, BasePath)
}

// intercept counts calls and applies holds and injected failures
func (s *Server) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := routeKey(r)

		s.mu.Lock()
		s.calls[key]++
		h := s.holds[key]
		delete(s.holds, key)
		var inj *injected
		if q := s.failures[key]; len(q) > 0 {
			inj = &q[0]
			s.failures[key] = q[1:]
		}
		s.mu.Unlock()

		if h != nil {
			close(h.arrived)
			<-h.release
		}

		if inj != nil {
			if inj.drop {
				if hj, ok := w.(http.Hijacker); ok {
					if conn, _, err := hj.Hijack(); err == nil {
						conn.Close()
						return
					}
				}
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(inj.status)
			w.Write([]byte(inj.body))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type loginBody struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body loginBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Identifier == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "identifier and password are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.findLocked(body.Identifier)
	if acct == nil || bcrypt.CompareHashAndPassword(acct.passwordHash, []byte(body.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	s.respondWithPairLocked(w, http.StatusOK, "login successful", acct)
}

type registerBody struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body registerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Username == "" || body.Email == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "username, email and password are required")
		return
	}
	if !strings.Contains(body.Email, "@") {
		writeError(w, http.StatusBadRequest, "invalid email")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findLocked(body.Username) != nil {
		writeError(w, http.StatusConflict, "username already exists")
		return
	}
	if s.findLocked(body.Email) != nil {
		writeError(w, http.StatusConflict, "email already exists")
		return
	}
	user := s.addUserLocked(body.Username, body.Email, body.Password, "user")
	s.respondWithPairLocked(w, http.StatusCreated, "user registered", s.accounts[user.ID])
}

type refreshBody struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body refreshBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	uid, ok := s.refreshTokens[body.RefreshToken]
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid or expired refresh token")
		return
	}
	delete(s.refreshTokens, body.RefreshToken)
	acct, ok := s.accounts[uid]
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid or expired refresh token")
		return
	}
	s.respondWithPairLocked(w, http.StatusOK, "token refreshed", acct)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, c *accessClaims) {
	s.mu.Lock()
	s.revoked[c.ID] = true
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (s *Server) handleTimeLeft(w http.ResponseWriter, r *http.Request, c *accessClaims) {
	s.mu.Lock()
	override := s.timeLeft
	s.mu.Unlock()

	secs := 0
	if override != nil {
		secs = *override
	} else if c.ExpiresAt != nil {
		secs = int(time.Until(c.ExpiresAt.Time) / time.Second)
		if secs < 0 {
			secs = 0
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"time_left_seconds": secs})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request, c *accessClaims) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[c.UserID]
	if !ok {
		writeError(w, http.StatusUnauthorized, "user no longer exists")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": acct.user})
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request, c *accessClaims) {
	var body oa.UpdateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[c.UserID]
	if !ok {
		writeError(w, http.StatusUnauthorized, "user no longer exists")
		return
	}

	if body.Username != nil && *body.Username != acct.user.Username {
		if *body.Username == "" {
			writeError(w, http.StatusBadRequest, "username cannot be empty")
			return
		}
		if s.findLocked(*body.Username) != nil {
			writeError(w, http.StatusConflict, "username already exists")
			return
		}
	}
	if body.Email != nil && *body.Email != acct.user.Email {
		if !strings.Contains(*body.Email, "@") {
			writeError(w, http.StatusBadRequest, "invalid email")
			return
		}
		if s.findLocked(*body.Email) != nil {
			writeError(w, http.StatusConflict, "email already exists")
			return
		}
	}
	var newHash []byte
	if body.Password != nil {
		if body.CurrentPassword == nil || bcrypt.CompareHashAndPassword(acct.passwordHash, []byte(*body.CurrentPassword)) != nil {
			writeError(w, http.StatusBadRequest, "current password is incorrect")
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(*body.Password), bcrypt.MinCost)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to hash password")
			return
		}
		newHash = hash
	}

	if body.Username != nil {
		acct.user.Username = *body.Username
	}
	if body.Email != nil {
		acct.user.Email = *body.Email
	}
	if newHash != nil {
		acct.passwordHash = newHash
	}
	acct.user.UpdatedAt = time.Now().UTC().Truncate(time.Second)

	// profile changes rotate the session
	s.revokeUserRefreshTokensLocked(acct.user.ID)
	s.revoked[c.ID] = true
	s.respondWithPairLocked(w, http.StatusOK, "user updated", acct)
}

type deleteBody struct {
	CurrentPassword string `json:"current_password"`
}

func (s *Server) handleDeleteMe(w http.ResponseWriter, r *http.Request, c *accessClaims) {
	var body deleteBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.CurrentPassword == "" {
		writeError(w, http.StatusBadRequest, "current_password is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[c.UserID]
	if !ok {
		writeError(w, http.StatusUnauthorized, "user no longer exists")
		return
	}
	if bcrypt.CompareHashAndPassword(acct.passwordHash, []byte(body.CurrentPassword)) != nil {
		writeError(w, http.StatusBadRequest, "current password is incorrect")
		return
	}
	s.revokeUserRefreshTokensLocked(acct.user.ID)
	delete(s.accounts, acct.user.ID)
	writeJSON(w, http.StatusOK, map[string]string{"message": "account deleted"})
}

func (s *Server) addUserLocked(username, email, password, role string) oa.User {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(fmt.Sprintf("authtest: bcrypt: %v", err))
	}
	now := time.Now().UTC().Truncate(time.Second)
	user := oa.User{
		ID:        s.nextID,
		Username:  username,
		Email:     email,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.nextID++
	s.accounts[user.ID] = &account{user: user, passwordHash: hash}
	return user
}

func (s *Server) findLocked(identifier string) *account {
	for _, acct := range s.accounts {
		if strings.EqualFold(acct.user.Username, identifier) || strings.EqualFold(acct.user.Email, identifier) {
			return acct
		}
	}
	return nil
}

func (s *Server) revokeUserRefreshTokensLocked(uid int64) {
	for token, owner := range s.refreshTokens {
		if owner == uid {
			delete(s.refreshTokens, token)
		}
	}
}

func (s *Server) respondWithPairLocked(w http.ResponseWriter, status int, message string, acct *account) {
	pair, err := s.issueLocked(acct.user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue tokens")
		return
	}
	writeJSON(w, status, oa.AuthResponse{
		Message:      message,
		User:         &acct.user,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

func (s *Server) issueLocked(uid int64) (oa.CredentialPair, error) {
	access, err := s.signAccessToken(uid)
	if err != nil {
		return oa.CredentialPair{}, err
	}
	refresh := hex.EncodeToString(randomBytes(32))
	s.refreshTokens[refresh] = uid
	return oa.CredentialPair{AccessToken: access, RefreshToken: refresh}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("authtest: crypto/rand: %v", err))
	}
	return b
}

// accessClaims are the claims of issued access tokens
type accessClaims struct {
	jwt.RegisteredClaims
	UserID int64 `json:"uid"`
}

func (s *Server) signAccessToken(uid int64) (string, error) {
	now := time.Now()
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(uid, 10),
			Issuer:    "authtest",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
		UserID: uid,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Server) parseAccessToken(token string) (*accessClaims, error) {
	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

type authedHandler func(w http.ResponseWriter, r *http.Request, c *accessClaims)

// authenticated checks the bearer token before calling h
func (s *Server) authenticated(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.parseAccessToken(token)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "token expired"
			}
			writeError(w, http.StatusUnauthorized, msg)
			return
		}
		s.mu.Lock()
		revoked := s.revoked[claims.ID]
		s.mu.Unlock()
		if revoked {
			writeError(w, http.StatusUnauthorized, "token revoked")
			return
		}
		h(w, r, claims)
	}
}
