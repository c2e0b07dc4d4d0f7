package monitorauth

import (
	"time"
)

// CredentialPair is the access/refresh token pair issued by the auth API.
// Both fields are set together or both are empty.
type CredentialPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Complete returns true if both tokens are present
func (p CredentialPair) Complete() bool {
	return p.AccessToken != "" && p.RefreshToken != ""
}

// Empty returns true if neither token is present
func (p CredentialPair) Empty() bool {
	return p.AccessToken == "" && p.RefreshToken == ""
}

// User is the profile of the signed in account as returned by the auth API
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuthResponse is the body returned by login, register, refresh and profile updates
type AuthResponse struct {
	Message      string `json:"message,omitempty"`
	User         *User  `json:"user,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Pair returns the credential pair carried by the response
func (r *AuthResponse) Pair() CredentialPair {
	return CredentialPair{AccessToken: r.AccessToken, RefreshToken: r.RefreshToken}
}

// UpdateUserRequest is a partial profile update. Nil fields are left unchanged.
// CurrentPassword is required when Password is set.
type UpdateUserRequest struct {
	Username        *string `json:"username,omitempty"`
	Email           *string `json:"email,omitempty"`
	Password        *string `json:"password,omitempty"`
	CurrentPassword *string `json:"current_password,omitempty"`
}

// IsEmpty returns true if the request changes nothing
func (r UpdateUserRequest) IsEmpty() bool {
	return r.Username == nil && r.Email == nil && r.Password == nil
}

// Validate checks the request before it is sent
func (r UpdateUserRequest) Validate() error {
	if r.IsEmpty() {
		return NewError(KindBadRequest, "nothing to update")
	}
	if r.Password != nil && (r.CurrentPassword == nil || *r.CurrentPassword == "") {
		return NewError(KindBadRequest, "current password is required to change the password")
	}
	return nil
}
