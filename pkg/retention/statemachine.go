package retention

import "time"

var transitions = map[State][]State{
	StateActive:             {StateArchived},
	StateArchived:           {StatePendingDestruction},
	StatePendingDestruction: {StateDestroyed, StateArchived},
}

// CanTransition reports whether from -> to is a legal edge. The only
// backward edge is PENDING_DESTRUCTION -> ARCHIVED when a destruction is
// cancelled before execution.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NextState returns the state policy calls for at now, and false when the
// set should stay where it is. It never returns DESTROYED: that edge only
// happens through Engine.Execute.
func NextState(p Policy, set RecordSet, now time.Time) (State, bool) {
	age := now.Sub(set.BasisDate(p.Basis))
	switch set.State {
	case StateActive:
		if age >= p.ArchiveOffset {
			return StateArchived, true
		}
	case StateArchived:
		if age >= p.RetentionDuration {
			return StatePendingDestruction, true
		}
	}
	return set.State, false
}

// Frozen reports whether any hold in holds covers set at now
func Frozen(holds []LegalHold, set RecordSet, now time.Time) (LegalHold, bool) {
	for _, h := range holds {
		if h.Covers(set, now) {
			return h, true
		}
	}
	return LegalHold{}, false
}
