package types

// Game channel: /ws/game/<room_code>/?token=<access>
//
// Server -> Client
//   round_start:           round_number, wolf_id, question, time_left?
//   wolf_timer:            time_left
//   wolf_order:            submitter (pack ranker), order?  (the wolf's order was received)
//   round_result:          round_number, wolf_ranking, pack_ranking, pack_score, total_score,
//                          updated_players?, scores?
//   status_change_message: status, message
//   player_list_update:    players
//   player_joined:         player
//   player_left:           player
//   game_start:            {}
//   error:                 message
//   game_end:              statistics
//   pong:                  {}
//
// Client -> Server
//   ping:                  {}
//   wolf_order:            order {username: rank}, round_number
//   pack_order:            order {username: rank}, round_number
//   start_round:           round_number
//   change_status:         status, round_number
//   player_disconnected:   player

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wolfpack-game/wolfpack/internal/engine"
)

var ErrMalformed = errors.New("malformed message")
var ErrUnknownType = errors.New("unknown message type")

type MessageType string

const (
	TypeRoundStart   MessageType = "round_start"
	TypeWolfTimer    MessageType = "wolf_timer"
	TypeWolfOrder    MessageType = "wolf_order"
	TypeRoundResult  MessageType = "round_result"
	TypeStatusChange MessageType = "status_change_message"
	TypePlayerList   MessageType = "player_list_update"
	TypePlayerJoined MessageType = "player_joined"
	TypePlayerLeft   MessageType = "player_left"
	TypeGameStart    MessageType = "game_start"
	TypeError        MessageType = "error"
	TypeGameEnd      MessageType = "game_end"
	TypePong         MessageType = "pong"

	// Older server builds.
	TypeRoundStartLegacy   MessageType = "round_start_message"
	TypePackRankerSelected MessageType = "pack_ranker_selected"
)

const (
	TypePing               MessageType = "ping"
	TypePackOrder          MessageType = "pack_order"
	TypeStartRound         MessageType = "start_round"
	TypeChangeStatus       MessageType = "change_status"
	TypePlayerDisconnected MessageType = "player_disconnected"
)

// Inbound is one decoded server frame. The set of variants is closed: Decode
// only ever returns the types below.
type Inbound interface{ isInbound() }

type RoundStart struct {
	Round    int    `json:"round_number"`
	WolfID   string `json:"wolf_id"`
	Question string `json:"question"`
	TimeLeft int    `json:"time_left,omitempty"`
}

type WolfTimer struct {
	TimeLeft int `json:"time_left"`
}

type WolfOrder struct {
	Submitter    string         `json:"submitter"`
	PackRankerID string         `json:"pack_ranker_id,omitempty"`
	Order        map[string]int `json:"order,omitempty"`
}

// Ranker is the pack ranker named by the confirmation.
func (m WolfOrder) Ranker() string {
	if m.Submitter != "" {
		return m.Submitter
	}
	return m.PackRankerID
}

type RoundResult struct {
	Round          int             `json:"round_number"`
	WolfRanking    []string        `json:"wolf_ranking"`
	PackRanking    []string        `json:"pack_ranking"`
	PackScore      int             `json:"pack_score"`
	TotalScore     int             `json:"total_score"`
	UpdatedPlayers []engine.Player `json:"updated_players,omitempty"`
	Scores         map[string]int  `json:"scores,omitempty"`
}

type StatusChange struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type PlayerList struct {
	Players []engine.Player `json:"players"`
}

type PlayerJoined struct {
	Player string `json:"player"`
}

type PlayerLeft struct {
	Player string `json:"player"`
}

type GameStart struct{}

type Error struct {
	Message string `json:"message"`
}

type GameEnd struct {
	Statistics engine.Statistics `json:"statistics"`
}

type Pong struct{}

func (RoundStart) isInbound()   {}
func (WolfTimer) isInbound()    {}
func (WolfOrder) isInbound()    {}
func (RoundResult) isInbound()  {}
func (StatusChange) isInbound() {}
func (PlayerList) isInbound()   {}
func (PlayerJoined) isInbound() {}
func (PlayerLeft) isInbound()   {}
func (GameStart) isInbound()    {}
func (Error) isInbound()        {}
func (GameEnd) isInbound()      {}
func (Pong) isInbound()         {}

var decoders = map[MessageType]func([]byte) (Inbound, error){
	TypeRoundStart:         decodeAs[RoundStart],
	TypeRoundStartLegacy:   decodeAs[RoundStart],
	TypeWolfTimer:          decodeAs[WolfTimer],
	TypeWolfOrder:          decodeAs[WolfOrder],
	TypePackRankerSelected: decodeAs[WolfOrder],
	TypeRoundResult:        decodeAs[RoundResult],
	TypeStatusChange:       decodeAs[StatusChange],
	TypePlayerList:         decodeAs[PlayerList],
	TypePlayerJoined:       decodeAs[PlayerJoined],
	TypePlayerLeft:         decodeAs[PlayerLeft],
	TypeGameStart:          decodeAs[GameStart],
	TypeError:              decodeAs[Error],
	TypeGameEnd:            decodeAs[GameEnd],
	TypePong:               decodeAs[Pong],
}

func decodeAs[T Inbound](data []byte) (Inbound, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Decode parses one text frame. Frames that are not JSON objects or whose
// payload doesn't fit the declared type return ErrMalformed; frames with an
// unrecognised type return ErrUnknownType.
func Decode(data []byte) (Inbound, error) {
	var env struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	decode, ok := decoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	msg, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return msg, nil
}

// Outbound is every frame the client sends. Unused fields are omitted.
type Outbound struct {
	Type   MessageType    `json:"type"`
	Order  map[string]int `json:"order,omitempty"`
	Round  int            `json:"round_number,omitempty"`
	Status string         `json:"status,omitempty"`
	Player string         `json:"player,omitempty"`
}

func Ping() Outbound { return Outbound{Type: TypePing} }

func WolfOrderMsg(order map[string]int, round int) Outbound {
	return Outbound{Type: TypeWolfOrder, Order: order, Round: round}
}

func PackOrderMsg(order map[string]int, round int) Outbound {
	return Outbound{Type: TypePackOrder, Order: order, Round: round}
}

func StartRound(round int) Outbound {
	return Outbound{Type: TypeStartRound, Round: round}
}

func ChangeStatus(status engine.Phase, round int) Outbound {
	return Outbound{Type: TypeChangeStatus, Status: string(status), Round: round}
}

func PlayerDisconnected(player string) Outbound {
	return Outbound{Type: TypePlayerDisconnected, Player: player}
}
