package ws

import (
	"time"

	"github.com/coder/websocket"

	"github.com/wolfpack-game/wolfpack/internal/types"
)

type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

type Status struct {
	State    State
	Attempts int
	LastPong time.Time
	Err      error
}

func (s Status) Connected() bool { return s.State == StateOpen }

// Event is what the manager reports to its owner, in order.
type Event interface{ isEvent() }

// Opened fires on every successful handshake. Reconnect is false only for the
// first one.
type Opened struct{ Reconnect bool }

type Closed struct {
	Code        websocket.StatusCode
	Intentional bool
	Err         error
}

type Reconnecting struct {
	Attempt int
	Delay   time.Duration
}

// Failed is terminal until someone calls Connect again.
type Failed struct{ Err error }

type Received struct{ Msg types.Inbound }

func (Opened) isEvent()       {}
func (Closed) isEvent()       {}
func (Reconnecting) isEvent() {}
func (Failed) isEvent()       {}
func (Received) isEvent()     {}
