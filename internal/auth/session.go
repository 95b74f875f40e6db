// Package auth holds the authenticated-session context shared by the socket
// manager and the HTTP client. Nothing here is global: callers create a
// Session after login and pass it down.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

var ErrNoToken = errors.New("no access token")
var ErrBadBaseURL = errors.New("base url must be http or https")

type User struct {
	ID       int    `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

type Session struct {
	base   *url.URL
	user   User
	tokens oauth2.TokenSource
}

// NewSession builds a session for an API base such as http://localhost:8000.
// tok may be nil before login.
func NewSession(baseURL string, user User, tok *oauth2.Token) (*Session, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, ErrBadBaseURL
	}
	s := &Session{base: u, user: user}
	if tok != nil {
		s.tokens = oauth2.StaticTokenSource(tok)
	}
	return s, nil
}

// WithTokens returns a copy of s carrying a new user and token pair.
func (s *Session) WithTokens(user User, tok *oauth2.Token) *Session {
	return &Session{base: s.base, user: user, tokens: oauth2.StaticTokenSource(tok)}
}

func (s *Session) User() User       { return s.user }
func (s *Session) Username() string { return s.user.Username }
func (s *Session) BaseURL() *url.URL {
	u := *s.base
	return &u
}

func (s *Session) Token() (*oauth2.Token, error) {
	if s.tokens == nil {
		return nil, ErrNoToken
	}
	tok, err := s.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, ErrNoToken
	}
	return tok, nil
}

func (s *Session) AccessToken() (string, error) {
	tok, err := s.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// RefreshToken is empty when unauthenticated.
func (s *Session) RefreshToken() string {
	tok, err := s.Token()
	if err != nil {
		return ""
	}
	return tok.RefreshToken
}

// HTTPClient attaches the bearer token to every request. Without a token it
// is a plain client, which is what login and register need.
func (s *Session) HTTPClient(ctx context.Context) *http.Client {
	if s.tokens == nil {
		return http.DefaultClient
	}
	return oauth2.NewClient(ctx, s.tokens)
}

// GameURL is the per-room game channel, ws://host/ws/game/<room>/?token=...
func (s *Session) GameURL(room string) (string, error) {
	access, err := s.AccessToken()
	if err != nil {
		return "", err
	}
	u := s.BaseURL()
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = "/ws/game/" + url.PathEscape(room) + "/"
	u.RawQuery = url.Values{"token": {access}}.Encode()
	return u.String(), nil
}
