// Package budget tracks working-context usage against the soft and
// hard limits. SoftBreach means cleanup should run; HardBreach means a
// snapshot must not be sent to the model until usage is brought back
// down. The tracker never mutates the store; it only reads and
// classifies.
package budget

import (
	"metaboliq/internal/block"
	"metaboliq/internal/config"
	"metaboliq/internal/journal"
	"metaboliq/internal/logging"
)

// State classifies current usage against the thresholds.
type State int

const (
	// Nominal: usage below the soft limit.
	Nominal State = iota
	// SoftBreach: usage at or above the soft limit; collection should run.
	SoftBreach
	// HardBreach: usage at or above the hard limit; calling the model
	// in this state is a precondition failure.
	HardBreach
)

func (s State) String() string {
	switch s {
	case Nominal:
		return "nominal"
	case SoftBreach:
		return "soft_breach"
	case HardBreach:
		return "hard_breach"
	}
	return "unknown"
}

// Tracker computes usage from the block store. Usage is the summed
// size estimate of all live blocks plus two fixed overheads: the
// snapshot framing around the identity block (role scaffolding and the
// tool schemas sent with every call) and the next expected model
// response. The identity block's own text is already in store usage;
// the overhead covers the framing, not the text again.
type Tracker struct {
	store *block.Store
	jrnl  *journal.Journal

	soft             int
	hard             int
	responseReserve  int
	identityOverhead int

	last State
}

// NewTracker builds a tracker over the given store. The config must
// have been validated (soft < hard, both positive).
func NewTracker(store *block.Store, jrnl *journal.Journal, cfg config.BudgetConfig) *Tracker {
	return &Tracker{
		store:            store,
		jrnl:             jrnl,
		soft:             cfg.SoftLimit,
		hard:             cfg.HardLimit,
		responseReserve:  cfg.ResponseReserve,
		identityOverhead: cfg.IdentityOverhead,
		last:             Nominal,
	}
}

// Usage returns the current budget consumption in estimated tokens.
func (t *Tracker) Usage() int {
	return t.store.Usage() + t.identityOverhead + t.responseReserve
}

// SoftLimit returns the configured cleanup threshold.
func (t *Tracker) SoftLimit() int { return t.soft }

// HardLimit returns the configured safety cutoff.
func (t *Tracker) HardLimit() int { return t.hard }

// Headroom returns how many tokens remain before the hard limit.
// Negative when already over.
func (t *Tracker) Headroom() int {
	return t.hard - t.Usage()
}

// Classify returns the current state without side effects.
func (t *Tracker) Classify() State {
	usage := t.Usage()
	switch {
	case usage >= t.hard:
		return HardBreach
	case usage >= t.soft:
		return SoftBreach
	default:
		return Nominal
	}
}

// Check classifies usage and journals threshold crossings. Only
// transitions are journaled; staying in a state is not an event.
func (t *Tracker) Check(step int) State {
	state := t.Classify()
	if state != t.last {
		t.jrnl.Append(step, journal.KindBudgetBreach, map[string]any{
			"from":  t.last.String(),
			"to":    state.String(),
			"usage": t.Usage(),
			"soft":  t.soft,
			"hard":  t.hard,
		})
		logging.Get(logging.CategoryBudget).Infow("budget state change",
			"from", t.last, "to", state, "usage", t.Usage())
		t.last = state
	}
	return state
}
