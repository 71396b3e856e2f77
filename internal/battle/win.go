package battle

import "time"

// DetectWinner rescans the towers and completes the match if a king tower
// has fallen. Princess towers are credited to the opposing side. It is a
// no-op once a winner is set, and reports whether it set one.
func DetectWinner(m *Match, now time.Time) bool {
	if m.Winner != NoSide || m.Status != StatusActive {
		return false
	}

	var destroyed [2]uint8
	winner := NoSide
	for _, t := range m.Towers {
		if !t.Destroyed() {
			continue
		}
		if t.IsKing {
			winner = 1 - t.Owner
			break
		}
		destroyed[1-t.Owner]++
	}
	m.TowersDestroyed = destroyed
	m.DamageDealt = damageDealt(m)

	if winner == NoSide {
		return false
	}
	m.Winner = winner
	m.Status = StatusCompleted
	m.LastActivity = now
	return true
}

// damageDealt sums, per side, the health the opponent's towers have lost.
func damageDealt(m *Match) [2]uint64 {
	var dealt [2]uint64
	for _, t := range m.Towers {
		current := t.Health
		if current < 0 {
			current = 0
		}
		lost := InitialTowerHealth(m.Kind, t.IsKing) - current
		if lost > 0 {
			dealt[1-t.Owner] += uint64(lost)
		}
	}
	return dealt
}
