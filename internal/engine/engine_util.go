package engine

import "slices"

const DefaultRankingSec = 120
const DefaultTotalRounds = 3

func NewState(me string, rules Rules) State {
	if rules.RankingSec <= 0 {
		rules.RankingSec = DefaultRankingSec
	}
	if rules.TotalRounds <= 0 {
		rules.TotalRounds = DefaultTotalRounds
	}
	return State{
		Phase:       PhaseWaiting,
		Round:       1,
		TotalRounds: rules.TotalRounds,
		Me:          me,
		Rules:       rules,
	}
}

func (r Rules) rankingSec() int {
	if r.RankingSec <= 0 {
		return DefaultRankingSec
	}
	return r.RankingSec
}

func (s State) IsWolf() bool       { return s.Me != "" && s.Me == s.Wolf }
func (s State) IsPackRanker() bool { return s.Me != "" && s.Me == s.PackRanker }
func (s State) IsHost() bool       { return s.IsHostPlayer(s.Me) }

func (s State) IsHostPlayer(username string) bool {
	return username != "" && username == s.Host
}

// ActiveRole is the role the local user ranks as right now, if any.
func (s State) ActiveRole() (Role, bool) {
	switch {
	case s.Phase == PhaseWolfRanking && s.IsWolf():
		return RoleWolf, true
	case s.Phase == PhasePackRanking && s.IsPackRanker():
		return RolePack, true
	}
	return "", false
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

func resetRound(s *State) {
	s.Question = ""
	s.Wolf = ""
	s.PackRanker = ""
	s.WolfOrder = nil
	s.PackOrder = nil
	s.PackScore = 0
	s.Rankable = nil
	s.Submitted = false
	s.Provisional = false
	s.Remaining = 0
}

// rankable is every player except the wolf, in roster order.
func rankable(players []Player, wolf string) []string {
	out := make([]string, 0, len(players))
	for _, p := range players {
		if p.Username != wolf {
			out = append(out, p.Username)
		}
	}
	return out
}

func hasPlayer(players []Player, username string) bool {
	return slices.ContainsFunc(players, func(p Player) bool { return p.Username == username })
}

func rosterChanged(s *State) []Event {
	if s.Phase.Ranking() {
		s.Rankable = rankable(s.Players, s.Wolf)
		return []Event{{Type: EvtRosterChanged, Phase: s.Phase}}
	}
	return nil
}

// scorePlayers applies a round result. A full roster from the server wins,
// then explicit per-player totals, and otherwise every pack member gains the
// pack score.
func scorePlayers(players []Player, wolf string, r RoundResult) []Player {
	if len(r.Players) > 0 {
		return slices.Clone(r.Players)
	}
	out := slices.Clone(players)
	for i := range out {
		if r.Scores != nil {
			if score, ok := r.Scores[out[i].Username]; ok {
				out[i].Score = score
			}
			continue
		}
		if out[i].Username != wolf {
			out[i].Score += r.PackScore
		}
	}
	return out
}
