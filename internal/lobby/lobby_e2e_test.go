package lobby

import (
	"context"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/wolfpack-game/wolfpack/internal/auth"
	"github.com/wolfpack-game/wolfpack/internal/backendtest"
	"github.com/wolfpack-game/wolfpack/internal/engine"
	"github.com/wolfpack-game/wolfpack/internal/httpapi"
	"github.com/wolfpack-game/wolfpack/internal/types"
	"github.com/wolfpack-game/wolfpack/internal/ws"
)

const e2eRoom = "ROOM01"

func joinGame(t *testing.T, b *backendtest.Backend, user string) harness {
	t.Helper()
	sess, err := auth.NewSession(b.URL(), auth.User{Username: user}, &oauth2.Token{AccessToken: backendtest.TokenFor(user)})
	require.NoError(t, err)

	opts := ws.DefaultOptions()
	opts.Player = user
	opts.BackoffBase = 20 * time.Millisecond
	opts.BackoffCap = 100 * time.Millisecond
	m := ws.NewManager(context.Background(), func() (string, error) { return sess.GameURL(e2eRoom) }, opts)

	l := NewLobby(context.Background(), Config{Room: e2eRoom, Me: user, ResyncEvery: -1}, m, httpapi.NewClient(sess, nil), nil)
	t.Cleanup(l.Close)

	out := make(chan View, 256)
	l.Inbox() <- Join{ClientID: user, Outbox: out}
	h := harness{l: l, out: out}
	h.wait(t, user+" ready", func(v View) bool { return v.Connected() && len(v.State.Players) == 4 })
	return h
}

func send(t *testing.T, v any, conns ...*backendtest.Conn) {
	t.Helper()
	for _, c := range conns {
		require.NoError(t, c.Send(context.Background(), v))
	}
}

func TestLobby_FullRoundAgainstBackend(t *testing.T) {
	b := backendtest.New(t)
	b.AddRoom(e2eRoom, "alice", "alice", "bob", "carol", "dave")

	alice := joinGame(t, b, "alice")
	bob := joinGame(t, b, "bob")

	conns := map[string]*backendtest.Conn{}
	for range 2 {
		c := b.NextConn(t, 2*time.Second)
		conns[c.User] = c
	}
	ca, cb := conns["alice"], conns["bob"]
	require.NotNil(t, ca)
	require.NotNil(t, cb)

	send(t, map[string]any{"type": "round_start", "round_number": 1, "wolf_id": "alice", "question": "Q1"}, ca, cb)

	va := alice.wait(t, "alice wolf ranking", phaseIs(engine.PhaseWolfRanking))
	assert.True(t, va.IsWolf)
	assert.Equal(t, "Q1", va.State.Question)
	assert.Equal(t, []string{"bob", "carol", "dave"}, va.State.Rankable)
	vb := bob.wait(t, "bob wolf ranking", phaseIs(engine.PhaseWolfRanking))
	assert.False(t, vb.IsWolf)

	for i, p := range []string{"bob", "carol", "dave"} {
		require.NoError(t, alice.do(t, Assign{Player: p, Position: i + 1}))
	}
	require.NoError(t, alice.do(t, Submit{}))

	got := ca.Next(t, 2*time.Second)
	assert.Equal(t, types.TypeWolfOrder, got.Type)
	assert.Equal(t, map[string]int{"bob": 1, "carol": 2, "dave": 3}, got.Order)

	send(t, map[string]any{"type": "wolf_order", "submitter": "bob"}, ca, cb)
	vb = bob.wait(t, "bob pack ranking", phaseIs(engine.PhasePackRanking))
	assert.True(t, vb.IsPackRanker)
	alice.wait(t, "alice pack ranking", phaseIs(engine.PhasePackRanking))

	require.NoError(t, bob.do(t, Assign{Player: "carol", Position: 1}))
	require.NoError(t, bob.do(t, Submit{}))
	got = cb.Next(t, 2*time.Second)
	assert.Equal(t, types.TypePackOrder, got.Type)
	assert.Equal(t, map[string]int{"carol": 1}, got.Order)

	send(t, map[string]any{
		"type":         "round_result",
		"round_number": 1,
		"wolf_ranking": []string{"bob", "carol", "dave"},
		"pack_ranking": []string{"carol", "bob", "dave"},
		"pack_score":   5,
		"total_score":  5,
	}, ca, cb)

	for _, h := range []harness{alice, bob} {
		v := h.wait(t, "results", phaseIs(engine.PhaseResults))
		assert.Equal(t, 5, v.State.PackScore)
		for _, p := range v.State.Players {
			if p.Username == "alice" {
				assert.Equal(t, 0, p.Score)
			} else {
				assert.Equal(t, 5, p.Score, p.Username)
			}
		}
	}

	require.ErrorIs(t, bob.do(t, Advance{}), engine.ErrNotHost)
	require.NoError(t, alice.do(t, Advance{}))
	got = ca.Next(t, 2*time.Second)
	assert.Equal(t, types.TypeChangeStatus, got.Type)
	assert.Equal(t, "waiting", got.Status)
	assert.Equal(t, 2, got.Round)

	// Leaving says goodbye and closes normally.
	alice.l.Close()
	got = ca.Next(t, 2*time.Second)
	assert.Equal(t, types.TypePlayerDisconnected, got.Type)
	assert.Equal(t, "alice", got.Player)
	select {
	case <-ca.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server connection still open")
	}
	assert.Equal(t, websocket.StatusNormalClosure, ca.CloseStatus())
}

func TestLobby_ResyncsAfterReconnect(t *testing.T) {
	b := backendtest.New(t)
	b.AddRoom(e2eRoom, "alice", "alice", "bob", "carol", "dave")

	bob := joinGame(t, b, "bob")
	c := b.NextConn(t, 2*time.Second)

	b.SetGameState(e2eRoom, httpapi.GameState{
		Players:      roster("alice", "bob", "carol", "dave"),
		Host:         "alice",
		TotalRounds:  3,
		CurrentRound: 2,
		RoundStatus:  "results",
	})
	require.NoError(t, c.Drop())

	v := bob.wait(t, "resynced", func(v View) bool {
		return v.Connected() && v.State.Round == 2 && v.State.Phase == engine.PhaseResults
	})
	assert.False(t, v.State.Provisional)
	b.NextConn(t, 2*time.Second)
}
