package engine

import (
	"errors"
	"slices"
)

var ErrUnsupportedCommand = errors.New("unsupported command")
var ErrInvalidTransition = errors.New("invalid phase transition")
var ErrOutOfOrder = errors.New("message out of order for current phase")
var ErrNotRanker = errors.New("not the current ranker")
var ErrAlreadySubmitted = errors.New("ranking already submitted")
var ErrNotHost = errors.New("only the host can do that")
var ErrGameOver = errors.New("game already ended")

type Role string

const (
	RoleWolf Role = "wolf"
	RolePack Role = "pack"
)

type Player struct {
	Username string `json:"username"`
	Score    int    `json:"score"`
}

type PlayerStats struct {
	TotalScore   int `json:"total_score"`
	RoundsAsWolf int `json:"rounds_as_wolf"`
}

type RoundSummary struct {
	Round    int    `json:"round_number"`
	Question string `json:"question"`
	Wolf     string `json:"wolf"`
	Scores   int    `json:"scores"`
}

// Statistics is the final game summary carried by game_end.
type Statistics struct {
	Players     map[string]PlayerStats `json:"players"`
	RoundData   []RoundSummary         `json:"round_data"`
	Winners     []string               `json:"winners"`
	TotalRounds int                    `json:"total_rounds"`
}

type Rules struct {
	RankingSec  int
	TotalRounds int
}

type State struct {
	Phase       Phase
	Round       int
	TotalRounds int
	Question    string
	Wolf        string
	PackRanker  string
	Remaining   int
	WolfOrder   []string
	PackOrder   []string
	PackScore   int
	TotalScore  int
	Players     []Player
	Rankable    []string
	Error       string
	Stats       *Statistics
	// Provisional is set while the phase was entered locally and the server
	// has not confirmed it yet.
	Provisional bool
	// Submitted is set once the local ranker sent their order for the phase.
	Submitted bool
	Me        string
	Host      string
	Rules     Rules
}

/*
	RoundStart          -> EvtPhaseChanged -> EvtRankingReset -> EvtCountdownStarted
	Tick                -> (EvtCountdownExpired at zero)
	PackRankerSelected  -> EvtPhaseChanged -> EvtRankingReset -> EvtCountdownStarted
	SubmitOrder(wolf)   -> EvtCountdownStopped
	SubmitOrder(pack)   -> EvtPhaseChanged -> EvtCountdownStopped
	RoundResult         -> EvtPhaseChanged -> EvtCountdownStopped -> EvtScoresUpdated
	Advance             -> EvtPhaseChanged
	GameEnd             -> EvtPhaseChanged -> EvtCountdownStopped -> EvtGameEnded
*/

type Command interface{ isCommand() }

type RoundStart struct {
	Round    int
	Wolf     string
	Question string
	Seconds  int
}

type Tick struct{}

type TimerSync struct{ Seconds int }

type PackRankerSelected struct {
	Ranker    string
	WolfOrder []string
}

type SubmitOrder struct {
	Role  Role
	Order []string
}

type RoundResult struct {
	Round      int
	WolfOrder  []string
	PackOrder  []string
	PackScore  int
	TotalScore int
	Players    []Player
	Scores     map[string]int
}

type Advance struct{}

type StartRound struct{}

type StatusChange struct {
	Status  Phase
	Message string
}

type Roster struct{ Players []Player }

type PlayerJoined struct{ Username string }

type PlayerLeft struct{ Username string }

type ServerError struct{ Message string }

type DismissError struct{}

type GameEnd struct{ Stats Statistics }

// Resync replaces local progress with the server's game-state snapshot.
// Wolf, PackRanker and Question are optional in the snapshot.
type Resync struct {
	Phase       Phase
	Round       int
	TotalRounds int
	Players     []Player
	Host        string
	Wolf        string
	PackRanker  string
	Question    string
}

func (RoundStart) isCommand()         {}
func (Tick) isCommand()               {}
func (TimerSync) isCommand()          {}
func (PackRankerSelected) isCommand() {}
func (SubmitOrder) isCommand()        {}
func (RoundResult) isCommand()        {}
func (Advance) isCommand()            {}
func (StartRound) isCommand()         {}
func (StatusChange) isCommand()       {}
func (Roster) isCommand()             {}
func (PlayerJoined) isCommand()       {}
func (PlayerLeft) isCommand()         {}
func (ServerError) isCommand()        {}
func (DismissError) isCommand()       {}
func (GameEnd) isCommand()            {}
func (Resync) isCommand()             {}

type EventType string

const (
	EvtPhaseChanged     EventType = "PhaseChanged"
	EvtRankingReset     EventType = "RankingReset"
	EvtCountdownStarted EventType = "CountdownStarted"
	EvtCountdownStopped EventType = "CountdownStopped"
	EvtCountdownExpired EventType = "CountdownExpired"
	EvtRosterChanged    EventType = "RosterChanged"
	EvtScoresUpdated    EventType = "ScoresUpdated"
	EvtGameEnded        EventType = "GameEnded"
	EvtErrorRaised      EventType = "ErrorRaised"
)

type Event struct {
	Type    EventType
	Phase   Phase
	Seconds int
}

// Authorize checks local actions against the derived roles. It never looks
// at the network; callers run it before sending anything.
func Authorize(s State, cmd Command) error {
	switch c := cmd.(type) {
	case SubmitOrder:
		switch c.Role {
		case RoleWolf:
			if s.Phase != PhaseWolfRanking || !s.IsWolf() {
				return ErrNotRanker
			}
		case RolePack:
			if s.Phase != PhasePackRanking || !s.IsPackRanker() {
				return ErrNotRanker
			}
		default:
			return ErrNotRanker
		}
		if s.Submitted {
			return ErrAlreadySubmitted
		}
	case Advance:
		if !s.IsHost() {
			return ErrNotHost
		}
		if s.Phase != PhaseResults {
			return ErrInvalidTransition
		}
	case StartRound:
		if !s.IsHost() {
			return ErrNotHost
		}
		if s.Phase != PhaseWaiting {
			return ErrInvalidTransition
		}
	}
	return nil
}

func Apply(s State, cmd Command) ([]Event, State, error) {
	if s.Phase == PhaseGameEnd {
		if _, ok := cmd.(DismissError); !ok {
			return nil, s, ErrGameOver
		}
	}
	if err := Authorize(s, cmd); err != nil {
		return nil, s, err
	}

	next := s

	switch c := cmd.(type) {
	case RoundStart:
		// Anything but waiting only accepts a start for a later round.
		if s.Phase != PhaseWaiting && c.Round <= s.Round {
			return nil, s, ErrOutOfOrder
		}
		resetRound(&next)
		next.Round = c.Round
		next.Wolf = c.Wolf
		next.Question = c.Question
		next.Phase = PhaseWolfRanking
		next.Rankable = rankable(next.Players, c.Wolf)
		next.Remaining = c.Seconds
		if next.Remaining <= 0 {
			next.Remaining = s.Rules.rankingSec()
		}
		return []Event{
			{Type: EvtPhaseChanged, Phase: next.Phase},
			{Type: EvtRankingReset, Phase: next.Phase},
			{Type: EvtCountdownStarted, Phase: next.Phase, Seconds: next.Remaining},
		}, next, nil

	case Tick:
		if !s.Phase.Ranking() || s.Remaining <= 0 {
			return nil, s, nil
		}
		next.Remaining--
		if next.Remaining == 0 {
			return []Event{{Type: EvtCountdownExpired, Phase: s.Phase}}, next, nil
		}
		return nil, next, nil

	case TimerSync:
		if !s.Phase.Ranking() {
			return nil, s, ErrOutOfOrder
		}
		next.Remaining = max(c.Seconds, 0)
		if next.Remaining == 0 && s.Remaining > 0 {
			return []Event{{Type: EvtCountdownExpired, Phase: s.Phase}}, next, nil
		}
		return nil, next, nil

	case PackRankerSelected:
		if s.Phase == PhasePackRanking && s.PackRanker == c.Ranker {
			return nil, s, nil // redelivery
		}
		if s.Phase != PhaseWolfRanking {
			return nil, s, ErrOutOfOrder
		}
		next.PackRanker = c.Ranker
		if len(c.WolfOrder) > 0 {
			next.WolfOrder = slices.Clone(c.WolfOrder)
		}
		next.Phase = PhasePackRanking
		next.Rankable = rankable(next.Players, next.Wolf)
		next.Submitted = false
		next.Remaining = s.Rules.rankingSec()
		return []Event{
			{Type: EvtPhaseChanged, Phase: next.Phase},
			{Type: EvtRankingReset, Phase: next.Phase},
			{Type: EvtCountdownStarted, Phase: next.Phase, Seconds: next.Remaining},
		}, next, nil

	case SubmitOrder:
		next.Submitted = true
		if c.Role == RoleWolf {
			next.WolfOrder = slices.Clone(c.Order)
			return []Event{{Type: EvtCountdownStopped, Phase: s.Phase}}, next, nil
		}
		next.PackOrder = slices.Clone(c.Order)
		next.Phase = PhaseWaitingResults
		next.Provisional = true
		next.Remaining = 0
		return []Event{
			{Type: EvtPhaseChanged, Phase: next.Phase},
			{Type: EvtCountdownStopped, Phase: next.Phase},
		}, next, nil

	case RoundResult:
		if s.Phase != PhasePackRanking && s.Phase != PhaseWaitingResults {
			return nil, s, ErrOutOfOrder
		}
		if c.Round != 0 && s.Round != 0 && c.Round != s.Round {
			return nil, s, ErrOutOfOrder
		}
		if c.WolfOrder != nil {
			next.WolfOrder = slices.Clone(c.WolfOrder)
		}
		if c.PackOrder != nil {
			next.PackOrder = slices.Clone(c.PackOrder)
		}
		next.PackScore = c.PackScore
		next.TotalScore = c.TotalScore
		next.Players = scorePlayers(s.Players, s.Wolf, c)
		next.Phase = PhaseResults
		next.Provisional = false
		next.Remaining = 0
		return []Event{
			{Type: EvtPhaseChanged, Phase: next.Phase},
			{Type: EvtCountdownStopped, Phase: next.Phase},
			{Type: EvtScoresUpdated, Phase: next.Phase},
		}, next, nil

	case Advance:
		resetRound(&next)
		next.Round = s.Round + 1
		next.Phase = PhaseWaiting
		next.Provisional = true
		return []Event{{Type: EvtPhaseChanged, Phase: next.Phase}}, next, nil

	case StartRound:
		// Guard only; the server answers with round_start.
		return nil, s, nil

	case StatusChange:
		if c.Status == s.Phase {
			next.Provisional = false
			return nil, next, nil
		}
		if !s.Phase.CanTransitionTo(c.Status) {
			return nil, s, ErrOutOfOrder
		}
		if s.Phase == PhaseResults && c.Status == PhaseWaiting {
			resetRound(&next)
			next.Round = s.Round + 1
		}
		next.Phase = c.Status
		next.Provisional = false
		events := []Event{{Type: EvtPhaseChanged, Phase: next.Phase}}
		if s.Phase.Ranking() {
			next.Remaining = 0
			events = append(events, Event{Type: EvtCountdownStopped, Phase: next.Phase})
		}
		return events, next, nil

	case Roster:
		next.Players = slices.Clone(c.Players)
		events := rosterChanged(&next)
		return events, next, nil

	case PlayerJoined:
		if c.Username == "" || hasPlayer(s.Players, c.Username) {
			return nil, s, nil
		}
		next.Players = append(slices.Clone(s.Players), Player{Username: c.Username})
		events := rosterChanged(&next)
		return events, next, nil

	case PlayerLeft:
		if !hasPlayer(s.Players, c.Username) {
			return nil, s, nil
		}
		next.Players = slices.DeleteFunc(slices.Clone(s.Players), func(p Player) bool {
			return p.Username == c.Username
		})
		events := rosterChanged(&next)
		return events, next, nil

	case ServerError:
		next.Error = c.Message
		return []Event{{Type: EvtErrorRaised, Phase: s.Phase}}, next, nil

	case DismissError:
		next.Error = ""
		return nil, next, nil

	case GameEnd:
		stats := c.Stats
		next.Stats = &stats
		next.Phase = PhaseGameEnd
		next.Provisional = false
		next.Remaining = 0
		if stats.TotalRounds > 0 {
			next.TotalRounds = stats.TotalRounds
		}
		return []Event{
			{Type: EvtPhaseChanged, Phase: next.Phase},
			{Type: EvtCountdownStopped, Phase: next.Phase},
			{Type: EvtGameEnded, Phase: next.Phase},
		}, next, nil

	case Resync:
		return resync(s, c)

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

func resync(s State, c Resync) ([]Event, State, error) {
	next := s
	next.Provisional = false
	if c.Round > 0 {
		next.Round = c.Round
	}
	if c.TotalRounds > 0 {
		next.TotalRounds = c.TotalRounds
	}
	if c.Players != nil {
		next.Players = slices.Clone(c.Players)
	}
	if c.Host != "" {
		next.Host = c.Host
	}

	target, ok := ParsePhase(string(c.Phase))
	if !ok {
		target = s.Phase
	}
	newRound := next.Round != s.Round
	if newRound {
		resetRound(&next)
	}
	if c.Wolf != "" {
		next.Wolf = c.Wolf
	}
	if c.PackRanker != "" {
		next.PackRanker = c.PackRanker
	}
	if c.Question != "" {
		next.Question = c.Question
	}
	// A ranking phase needs its rankers; without them wait for round_start.
	if (target.Ranking() && next.Wolf == "") || (target == PhasePackRanking && next.PackRanker == "") {
		target = PhaseWaiting
	}
	// Within a round the phase only moves forward. The server reports
	// pack_ranking while we sit in waiting_results, which stays put here.
	if !newRound && !target.After(s.Phase) {
		if target != s.Phase {
			next.Provisional = s.Provisional
		}
		events := rosterChanged(&next)
		return events, next, nil
	}

	next.Phase = target
	events := []Event{{Type: EvtPhaseChanged, Phase: next.Phase}}
	switch {
	case next.Phase.Ranking():
		next.Rankable = rankable(next.Players, next.Wolf)
		next.Submitted = false
		next.Remaining = s.Rules.rankingSec()
		events = append(events,
			Event{Type: EvtRankingReset, Phase: next.Phase},
			Event{Type: EvtCountdownStarted, Phase: next.Phase, Seconds: next.Remaining})
	case s.Phase.Ranking():
		next.Remaining = 0
		events = append(events, Event{Type: EvtCountdownStopped, Phase: next.Phase})
	}
	if next.Phase == PhaseWaiting {
		resetRound(&next)
	}
	return events, next, nil
}
