package apiclient

import (
	"context"
	"net/http"
	"time"
)

// Session is the login response.
type Session struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refreshToken"`
	UserID       string    `json:"userId"`
	UserName     string    `json:"userName"`
	Role         string    `json:"role"`
	ProtocolKey  string    `json:"protocolKey"`
	FamilyName   string    `json:"familyName"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type LoginRequest struct {
	ProtocolKey string `json:"protocolKey"`
	Name        string `json:"name"`
	Password    string `json:"password"`
	Role        string `json:"role,omitempty"`
}

func (c *Client) Login(ctx context.Context, req LoginRequest) (Session, error) {
	resp, err := c.attempt(ctx, http.MethodPost, "/api/session/login", jsonBody(req), false)
	if err != nil {
		return Session{}, err
	}
	var session Session
	if err := decode(resp, &session); err != nil {
		return Session{}, err
	}
	c.setTokens(Tokens{Token: session.Token, RefreshToken: session.RefreshToken})
	return session, nil
}

// Refresh trades the held refresh token for a new pair.
func (c *Client) Refresh(ctx context.Context) error {
	refresh := c.Tokens().RefreshToken
	if refresh == "" {
		return ErrNotLoggedIn
	}
	resp, err := c.attempt(ctx, http.MethodPost, "/api/session/refresh", jsonBody(map[string]string{"refreshToken": refresh}), false)
	if err != nil {
		return err
	}
	var session Session
	if err := decode(resp, &session); err != nil {
		return err
	}
	c.setTokens(Tokens{Token: session.Token, RefreshToken: session.RefreshToken})
	return nil
}

// Logout revokes the session server-side and forgets the tokens. The tokens
// are dropped even if the server cannot be reached.
func (c *Client) Logout(ctx context.Context) error {
	tokens := c.Tokens()
	if tokens.Token == "" {
		return nil
	}
	resp, err := c.attempt(ctx, http.MethodPost, "/api/session/logout", jsonBody(map[string]string{"refreshToken": tokens.RefreshToken}), true)
	c.setTokens(Tokens{})
	if err != nil {
		return err
	}
	return decode(resp, nil)
}
