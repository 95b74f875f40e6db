package ws

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/wolfpack-game/wolfpack/internal/auth"
	"github.com/wolfpack-game/wolfpack/internal/backendtest"
	"github.com/wolfpack-game/wolfpack/internal/types"
)

const room = "ROOM01"

func fastOptions() Options {
	o := DefaultOptions()
	o.ConnectTimeout = 500 * time.Millisecond
	o.BackoffBase = 10 * time.Millisecond
	o.BackoffCap = 40 * time.Millisecond
	o.MaxAttempts = 3
	return o
}

func gameURL(t *testing.T, base, user string) URLFunc {
	t.Helper()
	sess, err := auth.NewSession(base, auth.User{Username: user}, &oauth2.Token{AccessToken: backendtest.TokenFor(user)})
	require.NoError(t, err)
	return func() (string, error) { return sess.GameURL(room) }
}

func newManager(t *testing.T, url URLFunc, opts Options) *Manager {
	t.Helper()
	m := NewManager(context.Background(), url, opts)
	t.Cleanup(m.Close)
	return m
}

// waitFor returns the next event of type T, skipping others.
func waitFor[T Event](t *testing.T, m *Manager, within time.Duration) T {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case e, ok := <-m.Events():
			if !ok {
				t.Fatalf("events closed while waiting for %T", *new(T))
			}
			if got, ok := e.(T); ok {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %T", *new(T))
		}
	}
}

// noEvent fails if an event of type T shows up within d.
func noEvent[T Event](t *testing.T, m *Manager, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case e, ok := <-m.Events():
			if !ok {
				return
			}
			if _, bad := e.(T); bad {
				t.Fatalf("unexpected %T: %+v", e, e)
			}
		case <-deadline:
			return
		}
	}
}

func TestBackoff(t *testing.T) {
	o := DefaultOptions()
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1000 * time.Millisecond},
		{1, 1500 * time.Millisecond},
		{2, 2250 * time.Millisecond},
		{3, 3375 * time.Millisecond},
		{4, 5062500 * time.Microsecond},
		{5, 7593750 * time.Microsecond},
		{6, 10 * time.Second},
		{9, 10 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Backoff(o, tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestConnect_OpensAndPings(t *testing.T) {
	b := backendtest.New(t)
	b.AddRoom(room, "alice", "alice")
	m := newManager(t, gameURL(t, b.URL(), "alice"), fastOptions())

	m.Connect()
	opened := waitFor[Opened](t, m, time.Second)
	assert.False(t, opened.Reconnect)

	conn := b.NextConn(t, time.Second)
	assert.Equal(t, room, conn.Room)
	assert.Equal(t, "alice", conn.User)
	assert.Eventually(t, func() bool { return conn.Pings() >= 1 }, time.Second, 10*time.Millisecond,
		"expected an immediate ping on open")

	st := m.Status()
	assert.True(t, st.Connected())
	assert.Zero(t, st.Attempts)
	assert.NoError(t, st.Err)
}

func TestConnect_IsIdempotent(t *testing.T) {
	b := backendtest.New(t)
	b.AddRoom(room, "alice", "alice")
	m := newManager(t, gameURL(t, b.URL(), "alice"), fastOptions())

	m.Connect()
	m.Connect()
	waitFor[Opened](t, m, time.Second)
	m.Connect()

	noEvent[Opened](t, m, 100*time.Millisecond)
	assert.Equal(t, 1, b.Dials())
}

func TestSend(t *testing.T) {
	b := backendtest.New(t)
	b.AddRoom(room, "alice", "alice")
	m := newManager(t, gameURL(t, b.URL(), "alice"), fastOptions())

	err := m.Send(t.Context(), types.StartRound(1))
	assert.ErrorIs(t, err, ErrNotConnected)

	m.Connect()
	waitFor[Opened](t, m, time.Second)
	conn := b.NextConn(t, time.Second)

	require.NoError(t, m.Send(t.Context(), types.WolfOrderMsg(map[string]int{"bob": 1, "carol": 2}, 1)))
	got := conn.Next(t, time.Second)
	assert.Equal(t, types.TypeWolfOrder, got.Type)
	assert.Equal(t, map[string]int{"bob": 1, "carol": 2}, got.Order)
	assert.Equal(t, 1, got.Round)
}

func TestReceive_DropsMalformedFrames(t *testing.T) {
	b := backendtest.New(t)
	b.AddRoom(room, "alice", "alice")
	m := newManager(t, gameURL(t, b.URL(), "alice"), fastOptions())
	m.Connect()
	waitFor[Opened](t, m, time.Second)
	conn := b.NextConn(t, time.Second)

	ctx := t.Context()
	require.NoError(t, conn.SendRaw(ctx, `{not json`))
	require.NoError(t, conn.SendRaw(ctx, `{"type":"mystery"}`))
	require.NoError(t, conn.SendRaw(ctx, `{"type":"round_start","round_number":"one"}`))
	require.NoError(t, conn.Send(ctx, map[string]any{"type": "round_start", "round_number": 1, "wolf_id": "alice", "question": "Q1"}))

	got := waitFor[Received](t, m, time.Second)
	rs, ok := got.Msg.(types.RoundStart)
	require.True(t, ok, "got %T", got.Msg)
	assert.Equal(t, types.RoundStart{Round: 1, WolfID: "alice", Question: "Q1"}, rs)
	assert.True(t, m.Status().Connected())
}

func TestAbnormalClose_BacksOffThenFails(t *testing.T) {
	b := backendtest.New(t)
	b.AddRoom(room, "alice", "alice")
	opts := fastOptions()
	m := newManager(t, gameURL(t, b.URL(), "alice"), opts)
	m.Connect()
	waitFor[Opened](t, m, time.Second)
	conn := b.NextConn(t, time.Second)

	b.RejectGame.Store(true)
	require.NoError(t, conn.Drop())

	closed := waitFor[Closed](t, m, time.Second)
	assert.Equal(t, websocket.StatusAbnormalClosure, closed.Code)
	assert.False(t, closed.Intentional)

	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		r := waitFor[Reconnecting](t, m, time.Second)
		assert.Equal(t, attempt+1, r.Attempt)
		assert.Equal(t, Backoff(opts, attempt), r.Delay)
	}
	failed := waitFor[Failed](t, m, time.Second)
	assert.ErrorIs(t, failed.Err, ErrReconnectExhausted)

	noEvent[Reconnecting](t, m, 150*time.Millisecond)
	assert.Equal(t, 1+opts.MaxAttempts, b.Dials())
	assert.ErrorIs(t, m.Status().Err, ErrReconnectExhausted)

	// Only a manual reconnect starts over.
	b.RejectGame.Store(false)
	m.Connect()
	noEvent[Opened](t, m, 100*time.Millisecond)
	assert.Equal(t, 1+opts.MaxAttempts, b.Dials())

	m.Reconnect()
	waitFor[Opened](t, m, time.Second)
	st := m.Status()
	assert.Zero(t, st.Attempts)
	assert.NoError(t, st.Err)
}

func TestConnectDuringBackoff_KeepsBudget(t *testing.T) {
	b := backendtest.New(t)
	b.AddRoom(room, "alice", "alice")
	b.RejectGame.Store(true)
	opts := fastOptions()
	m := newManager(t, gameURL(t, b.URL(), "alice"), opts)
	m.Connect()

	// Every failed send asks for a connection while the backoff is running.
	deadline := time.After(2 * time.Second)
	var failed Failed
wait:
	for {
		select {
		case e, ok := <-m.Events():
			require.True(t, ok, "events closed")
			switch ev := e.(type) {
			case Reconnecting:
				m.Connect()
			case Failed:
				failed = ev
				break wait
			}
		case <-deadline:
			t.Fatalf("never gave up after %d dials", b.Dials())
		}
	}

	assert.ErrorIs(t, failed.Err, ErrReconnectExhausted)
	assert.Equal(t, 1+opts.MaxAttempts, b.Dials())
	assert.Equal(t, opts.MaxAttempts, m.Status().Attempts)

	m.Connect()
	noEvent[Reconnecting](t, m, 100*time.Millisecond)
	assert.Equal(t, 1+opts.MaxAttempts, b.Dials())
}

func TestReconnect_ReportsReconnect(t *testing.T) {
	b := backendtest.New(t)
	b.AddRoom(room, "alice", "alice")
	m := newManager(t, gameURL(t, b.URL(), "alice"), fastOptions())
	m.Connect()
	waitFor[Opened](t, m, time.Second)

	require.NoError(t, b.NextConn(t, time.Second).Drop())

	again := waitFor[Opened](t, m, time.Second)
	assert.True(t, again.Reconnect)
	assert.Zero(t, m.Status().Attempts)
}

func TestServerNormalClose_NoRetry(t *testing.T) {
	b := backendtest.New(t)
	b.AddRoom(room, "alice", "alice")
	m := newManager(t, gameURL(t, b.URL(), "alice"), fastOptions())
	m.Connect()
	waitFor[Opened](t, m, time.Second)

	conn := b.NextConn(t, time.Second)
	go conn.Close(websocket.StatusNormalClosure, "game over")

	closed := waitFor[Closed](t, m, time.Second)
	assert.True(t, closed.Intentional)
	noEvent[Reconnecting](t, m, 150*time.Millisecond)
	assert.Equal(t, 1, b.Dials())
}

func TestDisconnect_SaysGoodbye(t *testing.T) {
	b := backendtest.New(t)
	b.AddRoom(room, "alice", "alice")
	opts := fastOptions()
	opts.Player = "alice"
	m := newManager(t, gameURL(t, b.URL(), "alice"), opts)
	m.Connect()
	waitFor[Opened](t, m, time.Second)
	conn := b.NextConn(t, time.Second)

	m.Disconnect()

	bye := conn.Next(t, time.Second)
	assert.Equal(t, types.TypePlayerDisconnected, bye.Type)
	assert.Equal(t, "alice", bye.Player)

	closed := waitFor[Closed](t, m, 2*time.Second)
	assert.True(t, closed.Intentional)
	<-conn.Done()
	assert.Equal(t, websocket.StatusNormalClosure, conn.CloseStatus())

	noEvent[Reconnecting](t, m, 150*time.Millisecond)
	assert.Equal(t, StateClosed, m.Status().State)
}

func TestConnectWhileClosing_Deferred(t *testing.T) {
	b := backendtest.New(t)
	b.AddRoom(room, "alice", "alice")
	m := newManager(t, gameURL(t, b.URL(), "alice"), fastOptions())
	m.Connect()
	waitFor[Opened](t, m, time.Second)
	b.NextConn(t, time.Second)

	m.Disconnect()
	m.Connect()

	waitFor[Closed](t, m, 2*time.Second)
	waitFor[Opened](t, m, 2*time.Second)
	assert.Equal(t, 2, b.Dials())
}

func TestStaleHeartbeat_ForcesClose(t *testing.T) {
	b := backendtest.New(t)
	b.AddRoom(room, "alice", "alice")
	b.NoPong.Store(true)

	opts := fastOptions()
	opts.PingInterval = time.Hour
	opts.LivenessInterval = 20 * time.Millisecond
	opts.StaleAfter = 80 * time.Millisecond
	m := newManager(t, gameURL(t, b.URL(), "alice"), opts)

	m.Connect()
	waitFor[Opened](t, m, time.Second)
	start := time.Now()

	closed := waitFor[Closed](t, m, time.Second)
	assert.Equal(t, websocket.StatusAbnormalClosure, closed.Code)
	assert.ErrorIs(t, closed.Err, ErrStale)
	assert.GreaterOrEqual(t, time.Since(start), opts.StaleAfter/2)
	waitFor[Reconnecting](t, m, time.Second)
}

func TestPongKeepsConnectionAlive(t *testing.T) {
	b := backendtest.New(t)
	b.AddRoom(room, "alice", "alice")

	opts := fastOptions()
	opts.PingInterval = 20 * time.Millisecond
	opts.LivenessInterval = 20 * time.Millisecond
	opts.StaleAfter = 80 * time.Millisecond
	m := newManager(t, gameURL(t, b.URL(), "alice"), opts)

	m.Connect()
	waitFor[Opened](t, m, time.Second)
	noEvent[Closed](t, m, 300*time.Millisecond)
	assert.True(t, m.Status().Connected())
}

func TestConnectTimeout(t *testing.T) {
	// Accepts TCP and never answers the handshake.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()

	opts := fastOptions()
	opts.ConnectTimeout = 50 * time.Millisecond
	opts.MaxAttempts = 1
	url := func() (string, error) { return "ws://" + ln.Addr().String() + "/ws/game/" + room + "/?token=x", nil }
	m := newManager(t, url, opts)

	m.Connect()
	closed := waitFor[Closed](t, m, time.Second)
	assert.ErrorIs(t, closed.Err, ErrConnectTimeout)
	waitFor[Reconnecting](t, m, time.Second)
	failed := waitFor[Failed](t, m, time.Second)
	assert.ErrorIs(t, failed.Err, ErrReconnectExhausted)
}

func TestClose_ClosesEvents(t *testing.T) {
	m := NewManager(context.Background(), func() (string, error) { return "ws://127.0.0.1:1/", nil }, fastOptions())
	m.Close()

	_, ok := <-m.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, m.Send(context.Background(), types.Ping()), ErrClosed)
	assert.ErrorIs(t, m.Status().Err, ErrClosed)
}
