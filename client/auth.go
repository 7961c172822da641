package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/otherjamesbrown/scribe-cli/credentials"
	scerrors "github.com/otherjamesbrown/scribe-cli/pkg/errors"
)

// User is the account a token was issued to.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// TokenResponse is returned by the login and refresh endpoints.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int   `json:"expires_in,omitempty"`
	User      *User `json:"user,omitempty"`
}

// Credentials converts the response into a stored session for serverURL.
func (t *TokenResponse) Credentials(serverURL string, issuedAt time.Time) *credentials.Credentials {
	creds := &credentials.Credentials{
		AuthType:     credentials.AuthTypeToken,
		Token:        t.AccessToken,
		RefreshToken: t.RefreshToken,
		ServerURL:    serverURL,
	}
	if t.ExpiresIn > 0 {
		creds.ExpiresAt = issuedAt.Add(time.Duration(t.ExpiresIn) * time.Second).UTC()
	}
	if t.User != nil {
		creds.Subject = t.User.Email
		if creds.Subject == "" {
			creds.Subject = t.User.ID
		}
	}
	return creds
}

// AuthClient calls the unauthenticated session endpoints. Its transport must
// not carry the session it refreshes.
type AuthClient struct {
	transport Transport
	serverURL string
}

// NewAuthClient creates an AuthClient. serverURL is recorded in the
// credentials it produces.
func NewAuthClient(transport Transport, serverURL string) *AuthClient {
	return &AuthClient{transport: transport, serverURL: serverURL}
}

// Login exchanges an email and password for tokens.
func (c *AuthClient) Login(ctx context.Context, email, password string) (*TokenResponse, error) {
	var resp TokenResponse
	err := c.transport.Do(ctx, &Request{
		Method: http.MethodPost,
		Path:   "/auth/login",
		Body: map[string]string{
			"email":    email,
			"password": password,
		},
		NoRetry: true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("login response has no access token: %w", scerrors.ErrUnauthorized)
	}
	return &resp, nil
}

// Refresh exchanges a refresh token for a new access token.
func (c *AuthClient) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	var resp TokenResponse
	err := c.transport.Do(ctx, &Request{
		Method:  http.MethodPost,
		Path:    "/auth/refresh",
		Body:    map[string]string{"refresh_token": refreshToken},
		NoRetry: true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("refresh response has no access token: %w", scerrors.ErrUnauthorized)
	}
	return &resp, nil
}

// RefreshCredentials implements credentials.TokenRefresher.
func (c *AuthClient) RefreshCredentials(ctx context.Context, refreshToken string) (*credentials.Credentials, error) {
	resp, err := c.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	return resp.Credentials(c.serverURL, time.Now()), nil
}
