package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/wolfpack-game/wolfpack/internal/auth"
	"github.com/wolfpack-game/wolfpack/internal/engine"
)

const (
	PathLogin          = "/api/auth/login/"
	PathRegister       = "/api/auth/register/"
	PathLogout         = "/api/logout/"
	PathCreateRoom     = "/api/game/create-room/"
	PathJoinRoom       = "/api/game/join-room/"
	PathLeaveRoom      = "/api/game/leave-room/"
	PathStartGame      = "/api/game/start-game/"
	PathRoomDetails    = "/api/game/get-room-details/"
	PathGameState      = "/api/game/get-game-state/"
	maxErrorBodyLength = 4 << 10
)

var ErrUnauthorized = errors.New("unauthorized")
var ErrNotFound = errors.New("not found")

// APIError is any non-2xx answer. The backend puts a human message under
// "error".
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.Status)
	}
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

type RoomDetails struct {
	RoomCode       string          `json:"room_code,omitempty"`
	RoomName       string          `json:"room_name"`
	Host           string          `json:"host"`
	CurrentPlayers []engine.Player `json:"current_players"`
	MaxPlayers     int             `json:"max_players"`
}

type GameState struct {
	Players      []engine.Player `json:"players"`
	Host         string          `json:"host"`
	TotalRounds  int             `json:"total_rounds"`
	CurrentRound int             `json:"current_round"`
	RoundStatus  string          `json:"round_status"`
	// Newer backends also report who ranks in the current round.
	WolfID       string          `json:"wolf_id,omitempty"`
	PackRankerID string          `json:"pack_ranker_id,omitempty"`
	Question     string          `json:"question,omitempty"`
}

// Resync converts the snapshot into the engine command that overwrites local
// progress. Missing fields fall back the way the backend documents them.
func (g GameState) Resync() engine.Resync {
	phase, ok := engine.ParsePhase(g.RoundStatus)
	if !ok {
		phase = engine.PhaseWaiting
	}
	total := g.TotalRounds
	if total <= 0 {
		total = engine.DefaultTotalRounds
	}
	round := g.CurrentRound
	if round <= 0 {
		round = 1
	}
	return engine.Resync{
		Phase:       phase,
		Round:       round,
		TotalRounds: total,
		Players:     g.Players,
		Host:        g.Host,
		Wolf:        g.WolfID,
		PackRanker:  g.PackRankerID,
		Question:    g.Question,
	}
}

type CreateRoomRequest struct {
	RoomName    string `json:"room_name"`
	MaxPlayers  int    `json:"max_players"`
	TotalRounds int    `json:"total_rounds,omitempty"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Access   string `json:"access"`
	Refresh  string `json:"refresh"`
}

type Client struct {
	sess *auth.Session
	log  *zap.Logger
}

func NewClient(sess *auth.Session, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{sess: sess, log: log}
}

func (c *Client) Session() *auth.Session { return c.sess }

func (c *Client) RoomDetails(ctx context.Context, code string) (RoomDetails, error) {
	var out RoomDetails
	err := c.do(ctx, http.MethodGet, PathRoomDetails, url.Values{"room_code": {code}}, nil, &out)
	return out, err
}

func (c *Client) GameState(ctx context.Context, code string) (GameState, error) {
	var out GameState
	err := c.do(ctx, http.MethodGet, PathGameState, url.Values{"room_code": {code}}, nil, &out)
	return out, err
}

func (c *Client) CreateRoom(ctx context.Context, req CreateRoomRequest) (RoomDetails, error) {
	var out RoomDetails
	err := c.do(ctx, http.MethodPost, PathCreateRoom, nil, req, &out)
	return out, err
}

func (c *Client) JoinRoom(ctx context.Context, code string) (RoomDetails, error) {
	var out RoomDetails
	err := c.do(ctx, http.MethodPost, PathJoinRoom, nil, map[string]string{"room_code": code}, &out)
	return out, err
}

func (c *Client) LeaveRoom(ctx context.Context, code string) error {
	return c.do(ctx, http.MethodPost, PathLeaveRoom, nil, map[string]string{"room_code": code}, nil)
}

func (c *Client) StartGame(ctx context.Context, code string) error {
	return c.do(ctx, http.MethodPost, PathStartGame, nil, map[string]string{"room_code": code}, nil)
}

// Login exchanges credentials for a token pair and returns the session to
// use from now on. c keeps its old session.
func (c *Client) Login(ctx context.Context, username, password string) (*auth.Session, error) {
	var out tokenResponse
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, PathLogin, nil, body, &out); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return c.sessionFrom(out), nil
}

func (c *Client) Register(ctx context.Context, req RegisterRequest) (*auth.Session, error) {
	var out tokenResponse
	if err := c.do(ctx, http.MethodPost, PathRegister, nil, req, &out); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return c.sessionFrom(out), nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, PathLogout, nil, map[string]string{"refresh": c.sess.RefreshToken()}, nil)
}

func (c *Client) sessionFrom(r tokenResponse) *auth.Session {
	user := auth.User{ID: r.UserID, Username: r.Username, Email: r.Email}
	return c.sess.WithTokens(user, &oauth2.Token{AccessToken: r.Access, RefreshToken: r.Refresh, TokenType: "Bearer"})
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.sess.BaseURL()
	u.Path = path
	u.RawQuery = query.Encode()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.sess.HTTPClient(ctx).Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.log.Debug("api call", zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLength))
		_ = json.Unmarshal(raw, &e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
