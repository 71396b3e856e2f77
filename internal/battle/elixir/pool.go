// Package elixir implements the per-side elixir economy of a match.
//
// Amounts are stored scaled by Scale, so a full bar of 10 elixir is 1000.
package elixir

import "time"

const (
	// Scale converts whole elixir into pool units.
	Scale uint32 = 100
	// Max is the pool cap.
	Max uint32 = 10 * Scale
	// Start is the balance each side begins with.
	Start uint32 = 5 * Scale
	// RegenPerSecond is the regeneration per elapsed whole second.
	RegenPerSecond uint32 = 1 * Scale
)

// Pool holds one balance per side. It carries no lock: a pool is only
// mutated inside an atomic match update.
type Pool []uint32

// NewPool returns a pool with every side at Start.
func NewPool(sides int) Pool {
	p := make(Pool, sides)
	for i := range p {
		p[i] = Start
	}
	return p
}

// Balance returns the balance of a side, or 0 for an unknown side.
func (p Pool) Balance(side int) uint32 {
	if side < 0 || side >= len(p) {
		return 0
	}
	return p[side]
}

// Spend debits amount from a side.
// Returns false without mutating the pool if the balance is insufficient.
func (p Pool) Spend(side int, amount uint32) bool {
	if side < 0 || side >= len(p) {
		return false
	}
	if p[side] < amount {
		return false
	}
	p[side] -= amount
	return true
}

// Add credits amount to every side, clamped to Max.
func (p Pool) Add(amount uint64) {
	for i := range p {
		total := uint64(p[i]) + amount
		if total > uint64(Max) {
			total = uint64(Max)
		}
		p[i] = uint32(total)
	}
}

// Copy returns an independent copy of the pool.
func (p Pool) Copy() Pool {
	if p == nil {
		return nil
	}
	out := make(Pool, len(p))
	copy(out, p)
	return out
}

// Regenerate applies lazy catch-up for the whole seconds elapsed since last.
// Elapsed time is measured on unix seconds so sub-second calls accrue nothing.
// It returns the new checkpoint: now if anything accrued, otherwise last.
func Regenerate(p Pool, last, now time.Time) time.Time {
	elapsed := now.Unix() - last.Unix()
	if elapsed <= 0 {
		return last
	}
	p.Add(uint64(elapsed) * uint64(RegenPerSecond))
	return now
}
