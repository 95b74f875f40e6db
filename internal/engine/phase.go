package engine

type Phase string

const (
	PhaseWaiting        Phase = "waiting"
	PhaseWolfRanking    Phase = "wolf_ranking"
	PhasePackRanking    Phase = "pack_ranking"
	PhaseWaitingResults Phase = "waiting_results"
	PhaseResults        Phase = "results"
	PhaseGameEnd        Phase = "game_end"
)

// Forward edges within a round. A new round (results -> waiting, or a
// round_start for a later round) is handled by the commands themselves.
var transitions = map[Phase][]Phase{
	PhaseWaiting:        {PhaseWolfRanking, PhaseGameEnd},
	PhaseWolfRanking:    {PhasePackRanking, PhaseGameEnd},
	PhasePackRanking:    {PhaseWaitingResults, PhaseResults, PhaseGameEnd},
	PhaseWaitingResults: {PhaseResults, PhaseGameEnd},
	PhaseResults:        {PhaseWaiting, PhaseGameEnd},
	PhaseGameEnd:        {},
}

func (p Phase) CanTransitionTo(next Phase) bool {
	for _, allowed := range transitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

var phaseOrder = map[Phase]int{
	PhaseWaiting:        0,
	PhaseWolfRanking:    1,
	PhasePackRanking:    2,
	PhaseWaitingResults: 3,
	PhaseResults:        4,
	PhaseGameEnd:        5,
}

// After reports whether p comes later than q within one round.
func (p Phase) After(q Phase) bool {
	return phaseOrder[p] > phaseOrder[q]
}

// Ranking reports whether a countdown runs in this phase.
func (p Phase) Ranking() bool {
	return p == PhaseWolfRanking || p == PhasePackRanking
}

func ParsePhase(s string) (Phase, bool) {
	p := Phase(s)
	_, ok := transitions[p]
	return p, ok
}
