package ranking

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkBijection fails the test if any player or position appears twice.
func checkBijection(t *testing.T, s *Store) {
	t.Helper()
	require.Equal(t, len(s.byPos), len(s.byPlayer), "maps differ in size")
	for pos, p := range s.byPos {
		back, ok := s.byPlayer[p]
		require.True(t, ok, "player %s at %d missing from reverse map", p, pos)
		require.Equal(t, pos, back, "player %s: position mismatch", p)
		require.GreaterOrEqual(t, pos, 1)
		require.LessOrEqual(t, pos, s.Size())
	}
}

func TestAssign(t *testing.T) {
	cases := []struct {
		name   string
		setup  map[string]int
		player string
		target int
		want   map[int]string
	}{
		{
			name:   "empty target",
			setup:  map[string]int{},
			player: "a",
			target: 2,
			want:   map[int]string{2: "a"},
		},
		{
			name:   "move vacates previous position",
			setup:  map[string]int{"a": 1},
			player: "a",
			target: 3,
			want:   map[int]string{3: "a"},
		},
		{
			name:   "positioned player swaps with occupant",
			setup:  map[string]int{"a": 1, "b": 2},
			player: "a",
			target: 2,
			want:   map[int]string{1: "b", 2: "a"},
		},
		{
			name:   "unpositioned player displaces occupant",
			setup:  map[string]int{"b": 2},
			player: "a",
			target: 2,
			want:   map[int]string{2: "a"},
		},
		{
			name:   "same position is a no-op",
			setup:  map[string]int{"a": 1},
			player: "a",
			target: 1,
			want:   map[int]string{1: "a"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New([]string{"a", "b", "c"})
			for p, pos := range tc.setup {
				require.NoError(t, s.Assign(p, pos))
			}

			require.NoError(t, s.Assign(tc.player, tc.target))

			assert.Equal(t, tc.want, s.byPos)
			checkBijection(t, s)
		})
	}
}

func TestAssign_DisplacedPlayerIsUnpositioned(t *testing.T) {
	s := New([]string{"x", "y"})
	require.NoError(t, s.Assign("y", 1))
	require.NoError(t, s.Assign("x", 1))

	_, ok := s.PositionOf("y")
	assert.False(t, ok)
	assert.Equal(t, []string{"y"}, s.Unpositioned())
}

func TestAssign_Errors(t *testing.T) {
	s := New([]string{"a", "b"})

	assert.ErrorIs(t, s.Assign("zed", 1), ErrUnknownPlayer)
	assert.ErrorIs(t, s.Assign("a", 0), ErrPositionOutOfRange)
	assert.ErrorIs(t, s.Assign("a", 3), ErrPositionOutOfRange)
	assert.Empty(t, s.Derive())
}

func TestDerive_SkipsGaps(t *testing.T) {
	s := New([]string{"A", "B", "C"})
	require.NoError(t, s.Assign("A", 1))
	require.NoError(t, s.Assign("B", 2))

	assert.Equal(t, []string{"A", "B"}, s.Derive())

	require.NoError(t, s.Assign("C", 3))
	p, ok := s.Unassign(2)
	require.True(t, ok)
	assert.Equal(t, "B", p)
	assert.Equal(t, []string{"A", "C"}, s.Derive())
	assert.Equal(t, map[string]int{"A": 1, "C": 2}, s.Order())
}

func TestUnassign_Empty(t *testing.T) {
	s := New([]string{"a"})
	_, ok := s.Unassign(1)
	assert.False(t, ok)
}

func TestSetPlayers_GrowsNeverShrinks(t *testing.T) {
	s := New([]string{"a", "b"})
	require.NoError(t, s.Assign("a", 1))
	require.NoError(t, s.Assign("b", 2))

	s.SetPlayers([]string{"a", "b", "c"})
	assert.Equal(t, 3, s.Size())
	require.NoError(t, s.Assign("c", 3))

	s.SetPlayers([]string{"a", "c"})
	assert.Equal(t, 3, s.Size(), "positions must not shrink")
	assert.Equal(t, []string{"a", "c"}, s.Derive())
	_, ok := s.PlayerAt(2)
	assert.False(t, ok, "departed player keeps no position")
	checkBijection(t, s)
}

func TestRandomSequencesKeepBijection(t *testing.T) {
	players := []string{"p1", "p2", "p3", "p4", "p5", "p6"}
	rng := rand.New(rand.NewPCG(7, 11))

	for run := 0; run < 200; run++ {
		s := New(players)
		for op := 0; op < 50; op++ {
			if rng.IntN(4) == 0 {
				s.Unassign(1 + rng.IntN(s.Size()))
			} else {
				p := players[rng.IntN(len(players))]
				require.NoError(t, s.Assign(p, 1+rng.IntN(s.Size())))
			}
			checkBijection(t, s)
		}
		derived := s.Derive()
		assert.Len(t, derived, len(s.byPos))
		seen := map[string]bool{}
		for _, p := range derived {
			require.False(t, seen[p], "player %s derived twice", p)
			seen[p] = true
		}
	}
}
