package hub

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/wolfpack-game/wolfpack/internal/lobby"
)

var ErrHubClosed = errors.New("hub closed")

// Factory builds the lobby for a room the first time it is asked for.
type Factory func(ctx context.Context, code string) (*lobby.Lobby, error)

type HubMsg interface{ isHubMsg() }

type Result struct {
	Lobby *lobby.Lobby
	Err   error
}

type GetLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

type EnsureLobby struct {
	Code  string
	Reply chan Result
}

type RemoveLobby struct {
	Code string
}

type ListLobbies struct {
	Reply chan []string
}

type ShutdownHub struct{}

// lobbyDone is posted when a lobby stopped on its own.
type lobbyDone struct {
	code string
	lb   *lobby.Lobby
}

func (GetLobby) isHubMsg()    {}
func (EnsureLobby) isHubMsg() {}
func (RemoveLobby) isHubMsg() {}
func (ListLobbies) isHubMsg() {}
func (ShutdownHub) isHubMsg() {}
func (lobbyDone) isHubMsg()   {}

type Hub struct {
	inbox   chan HubMsg
	lobbies map[string]*lobby.Lobby
	factory Factory
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewHub(parent context.Context, factory Factory, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		lobbies: make(map[string]*lobby.Lobby),
		factory: factory,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) Done() <-chan struct{} { return h.done }

// Ensure returns the lobby for code, creating it if needed.
func (h *Hub) Ensure(ctx context.Context, code string) (*lobby.Lobby, error) {
	reply := make(chan Result, 1)
	select {
	case h.inbox <- EnsureLobby{Code: code, Reply: reply}:
	case <-h.done:
		return nil, ErrHubClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.Lobby, r.Err
	case <-h.done:
		return nil, ErrHubClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops every lobby and waits for the hub to exit.
func (h *Hub) Shutdown() {
	select {
	case h.inbox <- ShutdownHub{}:
	case <-h.done:
	}
	<-h.done
}

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case GetLobby:
				msg.Reply <- h.lobbies[msg.Code] // May be nil

			case EnsureLobby:
				if lb := h.lobbies[msg.Code]; lb != nil {
					msg.Reply <- Result{Lobby: lb}
					break
				}
				lb, err := h.factory(h.ctx, msg.Code)
				if err != nil {
					h.log.Warn("could not open lobby", zap.String("room", msg.Code), zap.Error(err))
					msg.Reply <- Result{Err: err}
					break
				}
				h.lobbies[msg.Code] = lb
				h.watch(msg.Code, lb)
				msg.Reply <- Result{Lobby: lb}

			case RemoveLobby:
				if lb := h.lobbies[msg.Code]; lb != nil {
					delete(h.lobbies, msg.Code)
					go lb.Close()
				}

			case lobbyDone:
				// Only forget it if it was not replaced meanwhile.
				if h.lobbies[msg.code] == msg.lb {
					delete(h.lobbies, msg.code)
				}

			case ListLobbies:
				codes := make([]string, 0, len(h.lobbies))
				for code := range h.lobbies {
					codes = append(codes, code)
				}
				msg.Reply <- codes

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) watch(code string, lb *lobby.Lobby) {
	go func() {
		select {
		case <-lb.Done():
			select {
			case h.inbox <- lobbyDone{code: code, lb: lb}:
			case <-h.ctx.Done():
			}
		case <-h.ctx.Done():
		}
	}()
}

func (h *Hub) shutdown() {
	for _, lb := range h.lobbies {
		lb.Close()
	}
	clear(h.lobbies)
	h.cancel()
}
