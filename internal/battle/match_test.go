package battle

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tesar-games/arena-server/internal/battle/elixir"
)

var epoch = time.Unix(1_700_000_000, 0).UTC()

func TestNewMatchDuelLayout(t *testing.T) {
	m, err := NewMatch(42, KindDuel, "alice", epoch)
	require.NoError(t, err)

	assert.Equal(t, StatusWaiting, m.Status)
	assert.Equal(t, []string{"alice", ""}, m.Players)
	assert.Equal(t, NoSide, m.Winner)
	assert.Equal(t, []bool{false, false}, m.RewardClaimed)
	assert.Equal(t, elixir.Pool{500, 500}, m.Elixir)
	assert.Empty(t, m.Entities)
	assert.Equal(t, ResidencyDurable, m.Residency)

	assert.Equal(t, int32(3000), m.Towers[0].Health)
	assert.Equal(t, int32(1500), m.Towers[1].Health)
	assert.Equal(t, int32(1500), m.Towers[2].Health)
	assert.Equal(t, int32(3000), m.Towers[3].Health)
	assert.Equal(t, int32(1500), m.Towers[4].Health)
	assert.Equal(t, int32(1500), m.Towers[5].Health)

	assert.True(t, m.Towers[0].IsKing)
	assert.True(t, m.Towers[3].IsKing)
	assert.Equal(t, Side(0), m.Towers[1].Owner)
	assert.Equal(t, Side(1), m.Towers[4].Owner)

	assert.Equal(t, int32(-20), m.Towers[0].Y)
	assert.Equal(t, int32(20), m.Towers[3].Y)
	assert.Equal(t, int32(-10), m.Towers[4].X)
	assert.Equal(t, int32(15), m.Towers[5].Y)
}

func TestNewMatchTeamLayout(t *testing.T) {
	m, err := NewMatch(7, KindTeam, "alice", epoch)
	require.NoError(t, err)

	assert.Len(t, m.Players, 4)
	assert.Len(t, m.RewardClaimed, 4)
	assert.Len(t, m.Elixir, 2, "teams share one pool per side")
	assert.Equal(t, int32(4000), m.Towers[0].Health)
	assert.Equal(t, int32(2500), m.Towers[1].Health)
	assert.Equal(t, int32(4000), m.Towers[3].Health)
	assert.Equal(t, int32(2500), m.Towers[5].Health)
}

func TestNewMatchRejectsBadInput(t *testing.T) {
	_, err := NewMatch(1, Kind(9), "alice", epoch)
	assert.ErrorIs(t, err, ErrInvalidKind)

	_, err = NewMatch(1, KindDuel, "", epoch)
	assert.ErrorIs(t, err, ErrNotAPlayer)
}

func TestJoinDuel(t *testing.T) {
	m, err := NewMatch(42, KindDuel, "alice", epoch)
	require.NoError(t, err)

	_, err = m.Join("alice", epoch)
	assert.ErrorIs(t, err, ErrAlreadyJoined)

	later := epoch.Add(3 * time.Second)
	slot, err := m.Join("bob", later)
	require.NoError(t, err)
	assert.Equal(t, 1, slot)
	assert.Equal(t, StatusActive, m.Status)
	assert.Equal(t, later, m.LastEconomyUpdate)

	_, err = m.Join("carol", later)
	assert.ErrorIs(t, err, ErrNotWaiting)
	assert.Equal(t, ClassState, ClassOf(err))
}

func TestJoinTeamActivatesWhenFull(t *testing.T) {
	m, err := NewMatch(7, KindTeam, "p0", epoch)
	require.NoError(t, err)

	for i, p := range []string{"p1", "p2"} {
		slot, err := m.Join(p, epoch)
		require.NoError(t, err)
		assert.Equal(t, i+1, slot)
		assert.Equal(t, StatusWaiting, m.Status)
	}

	slot, err := m.Join("p3", epoch)
	require.NoError(t, err)
	assert.Equal(t, 3, slot)
	assert.Equal(t, StatusActive, m.Status)
}

func TestJoinFullWhileWaiting(t *testing.T) {
	// A waiting match with no empty slot can only be produced by hand.
	m := &Match{Kind: KindDuel, Players: []string{"a", "b"}, Status: StatusWaiting}
	_, err := m.Join("c", epoch)
	assert.ErrorIs(t, err, ErrMatchFull)
	assert.Equal(t, ClassConsistency, ClassOf(err))
}

func TestSideOfSlot(t *testing.T) {
	duel := &Match{Kind: KindDuel}
	assert.Equal(t, Side(0), duel.SideOfSlot(0))
	assert.Equal(t, Side(1), duel.SideOfSlot(1))

	team := &Match{Kind: KindTeam}
	assert.Equal(t, Side(0), team.SideOfSlot(0))
	assert.Equal(t, Side(0), team.SideOfSlot(1))
	assert.Equal(t, Side(1), team.SideOfSlot(2))
	assert.Equal(t, Side(1), team.SideOfSlot(3))
}

func activeDuel(t *testing.T) *Match {
	t.Helper()
	m, err := NewMatch(42, KindDuel, "alice", epoch)
	require.NoError(t, err)
	_, err = m.Join("bob", epoch)
	require.NoError(t, err)
	return m
}

func TestEnd(t *testing.T) {
	t.Run("declared winner", func(t *testing.T) {
		m := activeDuel(t)
		require.NoError(t, m.End("bob", 1, epoch))
		assert.Equal(t, StatusCompleted, m.Status)
		assert.Equal(t, Side(1), m.Winner)

		err := m.End("alice", 0, epoch)
		assert.ErrorIs(t, err, ErrNotActive)
		assert.Equal(t, Side(1), m.Winner, "winner is never overwritten")
	})

	t.Run("draw", func(t *testing.T) {
		m := activeDuel(t)
		require.NoError(t, m.End("alice", DrawSentinel, epoch))
		assert.Equal(t, StatusCompleted, m.Status)
		assert.Equal(t, NoSide, m.Winner)
	})

	t.Run("outsider", func(t *testing.T) {
		m := activeDuel(t)
		err := m.End("mallory", 0, epoch)
		assert.ErrorIs(t, err, ErrNotAPlayer)
		assert.Equal(t, ClassAuthorization, ClassOf(err))
		assert.Equal(t, StatusActive, m.Status)
	})

	t.Run("invalid declared value", func(t *testing.T) {
		m := activeDuel(t)
		err := m.End("alice", 7, epoch)
		assert.ErrorIs(t, err, ErrInvalidWinner)
		assert.Equal(t, StatusActive, m.Status)
	})

	t.Run("waiting match", func(t *testing.T) {
		m, err := NewMatch(1, KindDuel, "alice", epoch)
		require.NoError(t, err)
		assert.ErrorIs(t, m.End("alice", 0, epoch), ErrNotActive)
	})
}

func TestCompleteGuardsWinner(t *testing.T) {
	m := activeDuel(t)
	m.Winner = 0
	assert.ErrorIs(t, m.Complete(1, epoch), ErrWinnerAlreadySet)
}

func TestDamageTower(t *testing.T) {
	m := activeDuel(t)
	require.NoError(t, m.DamageTower(4, 500, epoch))
	assert.Equal(t, int32(1000), m.Towers[4].Health)

	assert.ErrorIs(t, m.DamageTower(6, 1, epoch), ErrInvalidTower)
	assert.ErrorIs(t, m.DamageTower(-1, 1, epoch), ErrInvalidTower)
	assert.ErrorIs(t, m.DamageTower(1, -5, epoch), ErrInvalidTower)
}

func TestCloneIsDeep(t *testing.T) {
	m := activeDuel(t)
	target := uint32(3)
	m.Entities = append(m.Entities, Entity{ID: 1, TargetID: &target})

	c := m.Clone()
	c.Players[0] = "eve"
	c.Elixir[0] = 0
	c.RewardClaimed[0] = true
	*c.Entities[0].TargetID = 99
	c.Towers[0].Health = 1

	assert.Equal(t, "alice", m.Players[0])
	assert.Equal(t, elixir.Start, m.Elixir[0])
	assert.False(t, m.RewardClaimed[0])
	assert.Equal(t, uint32(3), *m.Entities[0].TargetID)
	assert.Equal(t, int32(3000), m.Towers[0].Health)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "match:42", Key(42))

	id, err := ParseKey("match:42")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id)

	_, err = ParseKey("player:42")
	assert.Error(t, err)
	_, err = ParseKey("match:x")
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("1v1")
	require.NoError(t, err)
	assert.Equal(t, KindDuel, k)

	k, err = ParseKind("Team")
	require.NoError(t, err)
	assert.Equal(t, KindTeam, k)

	_, err = ParseKind("3v3")
	assert.ErrorIs(t, err, ErrInvalidKind)
}

func TestErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("deploy: %w", ErrNotEnoughElixir)
	assert.Equal(t, ClassResource, ClassOf(wrapped))
	assert.Equal(t, "NOT_ENOUGH_ELIXIR", CodeOf(wrapped))
	assert.True(t, errors.Is(wrapped, ErrNotEnoughElixir))

	assert.Equal(t, ClassUnknown, ClassOf(errors.New("db down")))
	assert.Equal(t, "", CodeOf(errors.New("db down")))
	assert.Equal(t, ClassNotFound, ClassOf(ErrMatchNotFound))
	assert.Equal(t, "not_found", ClassNotFound.String())
}
