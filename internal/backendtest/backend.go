// Package backendtest runs an in-process Wolf Pack backend for tests: the
// REST endpoints the client calls and the per-room game channel, with hooks
// to script server frames and break connections.
package backendtest

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/wolfpack-game/wolfpack/internal/engine"
	"github.com/wolfpack-game/wolfpack/internal/httpapi"
	"github.com/wolfpack-game/wolfpack/internal/types"
)

const tokenPrefix = "tok-"

// TokenFor is the access token the fake login hands out.
func TokenFor(username string) string { return tokenPrefix + username }

func GenerateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, 6)
	for i := range code {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

type room struct {
	details httpapi.RoomDetails
	state   httpapi.GameState
}

type Backend struct {
	Server *httptest.Server

	// NoPong stops the server answering pings.
	NoPong atomic.Bool
	// RejectGame makes the game channel refuse upgrades.
	RejectGame atomic.Bool

	mu    sync.Mutex
	rooms map[string]*room
	conns chan *Conn
	dials atomic.Int32
}

func New(t testing.TB) *Backend {
	t.Helper()
	b := &Backend{
		rooms: make(map[string]*room),
		conns: make(chan *Conn, 32),
	}
	b.Server = httptest.NewServer(b.routes())
	t.Cleanup(b.Server.Close)
	return b
}

func (b *Backend) URL() string { return b.Server.URL }

// Dials counts every attempt on the game channel, rejected ones included.
func (b *Backend) Dials() int { return int(b.dials.Load()) }

func (b *Backend) routes() http.Handler {
	r := chi.NewRouter()

	r.Post(httpapi.PathLogin, b.login)
	r.Post(httpapi.PathRegister, b.login)
	r.Post(httpapi.PathLogout, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Group(func(r chi.Router) {
		r.Use(requireToken)
		r.Post(httpapi.PathCreateRoom, b.createRoom)
		r.Post(httpapi.PathJoinRoom, b.joinRoom)
		r.Post(httpapi.PathLeaveRoom, b.leaveRoom)
		r.Post(httpapi.PathStartGame, b.startGame)
		r.Get(httpapi.PathRoomDetails, b.roomDetails)
		r.Get(httpapi.PathGameState, b.gameState)
	})

	r.Get("/ws/game/{room}/", b.game)
	return r
}

// AddRoom registers a room directly; host must be in players.
func (b *Backend) AddRoom(code, host string, players ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	roster := make([]engine.Player, 0, len(players))
	for _, p := range players {
		roster = append(roster, engine.Player{Username: p})
	}
	b.rooms[code] = &room{
		details: httpapi.RoomDetails{RoomCode: code, RoomName: code, Host: host, CurrentPlayers: roster, MaxPlayers: 8},
		state:   httpapi.GameState{Players: roster, Host: host, TotalRounds: 3, CurrentRound: 1, RoundStatus: "waiting"},
	}
}

// SetGameState replaces what get-game-state answers for code.
func (b *Backend) SetGameState(code string, gs httpapi.GameState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rm, ok := b.rooms[code]; ok {
		rm.state = gs
	}
}

// NextConn waits for the next accepted game connection.
func (b *Backend) NextConn(t testing.TB, within time.Duration) *Conn {
	t.Helper()
	select {
	case c := <-b.conns:
		return c
	case <-time.After(within):
		t.Fatalf("timed out waiting for a game connection")
		return nil
	}
}

func requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userFrom(r) == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userFrom(r *http.Request) string {
	tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	user, _ := strings.CutPrefix(tok, tokenPrefix)
	return user
}

func (b *Backend) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  1,
		"username": req.Username,
		"access":   TokenFor(req.Username),
		"refresh":  "refresh-" + req.Username,
	})
}

func (b *Backend) createRoom(w http.ResponseWriter, r *http.Request) {
	var req httpapi.CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	var code string
	for {
		c, err := GenerateCode()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to generate code")
			return
		}
		b.mu.Lock()
		_, taken := b.rooms[c]
		b.mu.Unlock()
		if !taken {
			code = c
			break
		}
	}

	b.AddRoom(code, userFrom(r), userFrom(r))
	b.mu.Lock()
	rm := b.rooms[code]
	rm.details.RoomName = req.RoomName
	if req.MaxPlayers > 0 {
		rm.details.MaxPlayers = req.MaxPlayers
	}
	if req.TotalRounds > 0 {
		rm.state.TotalRounds = req.TotalRounds
	}
	details := rm.details
	b.mu.Unlock()

	writeJSON(w, http.StatusCreated, details)
}

func (b *Backend) joinRoom(w http.ResponseWriter, r *http.Request) {
	code, ok := roomCodeFromBody(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "room_code required")
		return
	}
	user := userFrom(r)

	b.mu.Lock()
	defer b.mu.Unlock()
	rm, ok := b.rooms[code]
	if !ok {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	if len(rm.details.CurrentPlayers) >= rm.details.MaxPlayers {
		writeError(w, http.StatusConflict, "room is full")
		return
	}
	if !hasPlayer(rm.details.CurrentPlayers, user) {
		rm.details.CurrentPlayers = append(rm.details.CurrentPlayers, engine.Player{Username: user})
		rm.state.Players = rm.details.CurrentPlayers
	}
	writeJSON(w, http.StatusOK, rm.details)
}

func (b *Backend) leaveRoom(w http.ResponseWriter, r *http.Request) {
	code, ok := roomCodeFromBody(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "room_code required")
		return
	}
	user := userFrom(r)

	b.mu.Lock()
	defer b.mu.Unlock()
	if rm, ok := b.rooms[code]; ok {
		kept := rm.details.CurrentPlayers[:0]
		for _, p := range rm.details.CurrentPlayers {
			if p.Username != user {
				kept = append(kept, p)
			}
		}
		rm.details.CurrentPlayers = kept
		rm.state.Players = kept
	}
	w.WriteHeader(http.StatusOK)
}

func (b *Backend) startGame(w http.ResponseWriter, r *http.Request) {
	code, ok := roomCodeFromBody(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "room_code required")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rm, ok := b.rooms[code]
	if !ok {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	if rm.details.Host != userFrom(r) {
		writeError(w, http.StatusForbidden, "only the host can start the game")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (b *Backend) roomDetails(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rm, ok := b.rooms[r.URL.Query().Get("room_code")]
	if !ok {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	writeJSON(w, http.StatusOK, rm.details)
}

func (b *Backend) gameState(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rm, ok := b.rooms[r.URL.Query().Get("room_code")]
	if !ok {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	writeJSON(w, http.StatusOK, rm.state)
}

func (b *Backend) game(w http.ResponseWriter, r *http.Request) {
	b.dials.Add(1)
	if b.RejectGame.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	token := r.URL.Query().Get("token")
	if !strings.HasPrefix(token, tokenPrefix) {
		http.Error(w, "bad token", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer ws.CloseNow()

	c := &Conn{
		Room:   chi.URLParam(r, "room"),
		User:   strings.TrimPrefix(token, tokenPrefix),
		ws:     ws,
		frames: make(chan types.Outbound, 64),
		done:   make(chan struct{}),
	}
	c.closeStatus.Store(-1)
	defer close(c.done)
	b.conns <- c

	ctx := r.Context()
	for {
		var msg types.Outbound
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			c.closeStatus.Store(int32(websocket.CloseStatus(err)))
			return
		}
		if msg.Type == types.TypePing {
			c.pings.Add(1)
			if !b.NoPong.Load() {
				_ = c.Send(ctx, map[string]string{"type": string(types.TypePong)})
			}
			continue
		}
		select {
		case c.frames <- msg:
		default:
		}
	}
}

// Conn is the server side of one game connection.
type Conn struct {
	Room string
	User string

	ws          *websocket.Conn
	frames      chan types.Outbound
	done        chan struct{}
	pings       atomic.Int32
	closeStatus atomic.Int32
}

func (c *Conn) Pings() int { return int(c.pings.Load()) }

// Send writes any JSON value as one text frame.
func (c *Conn) Send(ctx context.Context, v any) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return wsjson.Write(ctx, c.ws, v)
}

// SendRaw writes data unchanged, useful for malformed frames.
func (c *Conn) SendRaw(ctx context.Context, data string) error {
	return c.ws.Write(ctx, websocket.MessageText, []byte(data))
}

// Next waits for the next non-ping frame from the client.
func (c *Conn) Next(t testing.TB, within time.Duration) types.Outbound {
	t.Helper()
	select {
	case m := <-c.frames:
		return m
	case <-time.After(within):
		t.Fatalf("timed out waiting for a client frame")
		return types.Outbound{}
	}
}

// Close performs a close handshake with code.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}

// Drop kills the TCP connection without a close frame, which the client sees
// as an abnormal closure.
func (c *Conn) Drop() error { return c.ws.CloseNow() }

// Done is closed once the server stopped reading this connection.
func (c *Conn) Done() <-chan struct{} { return c.done }

// CloseStatus is the code the client closed with, or -1.
func (c *Conn) CloseStatus() websocket.StatusCode {
	return websocket.StatusCode(c.closeStatus.Load())
}

func roomCodeFromBody(r *http.Request) (string, bool) {
	var body struct {
		RoomCode string `json:"room_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RoomCode == "" {
		return "", false
	}
	return body.RoomCode, true
}

func hasPlayer(players []engine.Player, username string) bool {
	for _, p := range players {
		if p.Username == username {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
