package ranking

import (
	"errors"
	"slices"
)

var ErrUnknownPlayer = errors.New("player is not rankable")
var ErrPositionOutOfRange = errors.New("position out of range")

// Store is the position <-> player assignment a ranker builds during one
// ranking phase. Positions are 1..Size(). Both maps are always kept as
// inverses of each other.
type Store struct {
	size     int
	players  []string
	byPos    map[int]string
	byPlayer map[string]int
}

// New starts a ranking with one position per player.
func New(players []string) *Store {
	return &Store{
		size:     len(players),
		players:  slices.Clone(players),
		byPos:    make(map[int]string),
		byPlayer: make(map[string]int),
	}
}

func (s *Store) Size() int { return s.size }

// Players is the current rankable set, in roster order.
func (s *Store) Players() []string { return slices.Clone(s.players) }

// Assign drops player on position. If the position is held by someone else
// the two swap when player already had a position; otherwise the previous
// occupant becomes unpositioned.
func (s *Store) Assign(player string, position int) error {
	if !slices.Contains(s.players, player) {
		return ErrUnknownPlayer
	}
	if position < 1 || position > s.size {
		return ErrPositionOutOfRange
	}

	from, positioned := s.byPlayer[player]
	occupant, occupied := s.byPos[position]

	switch {
	case occupied && occupant == player:
		return nil
	case occupied && positioned:
		s.byPos[from] = occupant
		s.byPlayer[occupant] = from
	case occupied:
		delete(s.byPlayer, occupant)
	case positioned:
		delete(s.byPos, from)
	}
	s.byPos[position] = player
	s.byPlayer[player] = position
	return nil
}

// Unassign clears position and returns who was there.
func (s *Store) Unassign(position int) (string, bool) {
	player, ok := s.byPos[position]
	if !ok {
		return "", false
	}
	delete(s.byPos, position)
	delete(s.byPlayer, player)
	return player, true
}

func (s *Store) PlayerAt(position int) (string, bool) {
	p, ok := s.byPos[position]
	return p, ok
}

func (s *Store) PositionOf(player string) (int, bool) {
	pos, ok := s.byPlayer[player]
	return pos, ok
}

// Unpositioned returns rankable players without a position, in roster order.
func (s *Store) Unpositioned() []string {
	out := make([]string, 0, len(s.players))
	for _, p := range s.players {
		if _, ok := s.byPlayer[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}

// Derive lists the assigned players by position, skipping empty positions.
func (s *Store) Derive() []string {
	out := make([]string, 0, len(s.byPos))
	for pos := 1; pos <= s.size; pos++ {
		if p, ok := s.byPos[pos]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Order is Derive as the wire rank map, ranks starting at 1.
func (s *Store) Order() map[string]int {
	derived := s.Derive()
	out := make(map[string]int, len(derived))
	for i, p := range derived {
		out[p] = i + 1
	}
	return out
}

// SetPlayers updates the rankable set mid-round. Positions grow with the
// roster but never shrink; players that left lose their assignment.
func (s *Store) SetPlayers(players []string) {
	for p, pos := range s.byPlayer {
		if !slices.Contains(players, p) {
			delete(s.byPlayer, p)
			delete(s.byPos, pos)
		}
	}
	s.players = slices.Clone(players)
	s.size = max(s.size, len(players))
}
