package main

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/wolfpack-game/wolfpack/internal/engine"
	"github.com/wolfpack-game/wolfpack/internal/lobby"
	"github.com/wolfpack-game/wolfpack/internal/ws"
)

var errQuit = errors.New("quit")
var errUsage = errors.New("usage")

// countdown marks worth announcing.
var announceAt = []int{60, 30, 10, 5, 3, 2, 1}

const helpText = `commands:
  assign <player> <position>   place a player (a)
  unassign <position>          clear a position (u)
  submit                       send your ranking (s)
  start                        start the current round (host)
  next                         go to the next round (host)
  reconnect                    reconnect after a failure
  dismiss                      clear the error message
  show                         print the whole screen
  quit                         leave the game`

type command struct {
	action lobby.Action
	show   bool
	help   bool
	quit   bool
}

func parseCommand(line string) (command, error) {
	f := strings.Fields(line)
	if len(f) == 0 {
		return command{}, nil
	}
	switch strings.ToLower(f[0]) {
	case "assign", "a":
		if len(f) != 3 {
			return command{}, fmt.Errorf("%w: assign <player> <position>", errUsage)
		}
		pos, err := strconv.Atoi(f[2])
		if err != nil {
			return command{}, fmt.Errorf("%w: position must be a number", errUsage)
		}
		return command{action: lobby.Assign{Player: f[1], Position: pos}}, nil
	case "unassign", "u":
		if len(f) != 2 {
			return command{}, fmt.Errorf("%w: unassign <position>", errUsage)
		}
		pos, err := strconv.Atoi(f[1])
		if err != nil {
			return command{}, fmt.Errorf("%w: position must be a number", errUsage)
		}
		return command{action: lobby.Unassign{Position: pos}}, nil
	case "submit", "s":
		return command{action: lobby.Submit{}}, nil
	case "start":
		return command{action: lobby.StartRound{}}, nil
	case "next":
		return command{action: lobby.Advance{}}, nil
	case "reconnect":
		return command{action: lobby.Reconnect{}}, nil
	case "dismiss":
		return command{action: lobby.DismissError{}}, nil
	case "show":
		return command{show: true}, nil
	case "help", "?":
		return command{help: true}, nil
	case "quit", "exit", "q":
		return command{quit: true}, nil
	}
	return command{}, fmt.Errorf("%w: unknown command %q, try help", errUsage, f[0])
}

// changes lists what a terminal should print going from prev to next.
// prev is the zero View before the first one arrives.
func changes(prev, next lobby.View) []string {
	var out []string

	if n := next.ActivitySeq - prev.ActivitySeq; n > 0 {
		n = min(n, len(next.Activity))
		for _, line := range next.Activity[len(next.Activity)-n:] {
			out = append(out, "* "+line)
		}
	}

	if next.Connection != prev.Connection || next.Attempts != prev.Attempts {
		out = append(out, connectionLine(next))
	}
	if next.Error != "" && next.Error != prev.Error {
		out = append(out, "! "+next.Error)
	}

	ps, ns := prev.State, next.State
	phaseMoved := ps.Phase != ns.Phase || ps.Round != ns.Round
	switch {
	case ns.Phase.Ranking():
		if phaseMoved || !slices.Equal(prev.Slots, next.Slots) {
			out = append(out, board(next)...)
		}
		if ns.Remaining != ps.Remaining && slices.Contains(announceAt, ns.Remaining) {
			out = append(out, fmt.Sprintf("%d seconds left", ns.Remaining))
		}
	case ns.Phase == engine.PhaseResults && phaseMoved:
		out = append(out, scoreboard(ns)...)
	case ns.Phase == engine.PhaseGameEnd && phaseMoved:
		out = append(out, finalStats(ns)...)
	}
	return out
}

func connectionLine(v lobby.View) string {
	switch v.Connection {
	case ws.StateOpen:
		return "[connected]"
	case ws.StateConnecting:
		if v.Attempts > 0 {
			return fmt.Sprintf("[connecting, attempt %d]", v.Attempts)
		}
		return "[connecting]"
	default:
		return "[disconnected]"
	}
}

// screen is the full picture for the show command.
func screen(v lobby.View) []string {
	s := v.State
	out := []string{
		fmt.Sprintf("room %s, round %d/%d, %s", v.Room, s.Round, s.TotalRounds, s.Phase),
		connectionLine(v),
	}
	if s.Question != "" {
		out = append(out, "question: "+s.Question)
	}
	if s.Wolf != "" {
		out = append(out, "wolf: "+s.Wolf)
	}
	if s.PackRanker != "" {
		out = append(out, "pack ranker: "+s.PackRanker)
	}
	if v.Error != "" {
		out = append(out, "! "+v.Error)
	}
	switch {
	case s.Phase.Ranking():
		out = append(out, board(v)...)
	case s.Phase == engine.PhaseGameEnd:
		out = append(out, finalStats(s)...)
	default:
		out = append(out, scoreboard(s)...)
	}
	return out
}

func board(v lobby.View) []string {
	s := v.State
	_, ranking := s.ActiveRole()
	if !ranking || s.Submitted {
		who := s.Wolf
		if s.Phase == engine.PhasePackRanking {
			who = s.PackRanker
		}
		return []string{fmt.Sprintf("%s is ranking, %d seconds left", who, s.Remaining)}
	}

	out := []string{fmt.Sprintf("rank for: %s (%d seconds left)", s.Question, s.Remaining)}
	for _, slot := range v.Slots {
		p := slot.Player
		if p == "" {
			p = "-"
		}
		out = append(out, fmt.Sprintf("  %d. %s", slot.Position, p))
	}
	if len(v.Unpositioned) > 0 {
		out = append(out, "  unplaced: "+strings.Join(v.Unpositioned, ", "))
	}
	return out
}

func scoreboard(s engine.State) []string {
	var out []string
	if s.Phase == engine.PhaseResults {
		out = append(out, fmt.Sprintf("round %d: pack scored %d, total %d", s.Round, s.PackScore, s.TotalScore))
		if len(s.WolfOrder) > 0 {
			out = append(out, "  wolf: "+strings.Join(s.WolfOrder, " > "))
		}
		if len(s.PackOrder) > 0 {
			out = append(out, "  pack: "+strings.Join(s.PackOrder, " > "))
		}
	}
	players := slices.Clone(s.Players)
	slices.SortStableFunc(players, func(a, b engine.Player) int { return b.Score - a.Score })
	for _, p := range players {
		mark := ""
		if s.IsHostPlayer(p.Username) {
			mark = " (host)"
		}
		out = append(out, fmt.Sprintf("  %-12s %3d%s", p.Username, p.Score, mark))
	}
	return out
}

func finalStats(s engine.State) []string {
	out := []string{"game over"}
	if s.Stats == nil {
		return out
	}
	if len(s.Stats.Winners) > 0 {
		out = append(out, "winners: "+strings.Join(s.Stats.Winners, ", "))
	}
	names := make([]string, 0, len(s.Stats.Players))
	for name := range s.Stats.Players {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int {
		if d := s.Stats.Players[b].TotalScore - s.Stats.Players[a].TotalScore; d != 0 {
			return d
		}
		return strings.Compare(a, b)
	})
	for _, name := range names {
		ps := s.Stats.Players[name]
		out = append(out, fmt.Sprintf("  %-12s %3d  wolf %dx", name, ps.TotalScore, ps.RoundsAsWolf))
	}
	for _, r := range s.Stats.RoundData {
		out = append(out, fmt.Sprintf("  round %d (%s, wolf %s): %d", r.Round, r.Question, r.Wolf, r.Scores))
	}
	return out
}
