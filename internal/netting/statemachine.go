package netting

import "fmt"

var transitions = map[SessionStatus][]SessionStatus{
	StatusDraft:           {StatusPendingApproval, StatusCancelled},
	StatusPendingApproval: {StatusApproved, StatusCancelled},
	StatusApproved:        {StatusSettled},
}

// CanTransition reports whether the lifecycle permits moving from one status to another
func CanTransition(from, to SessionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition exists from status
func IsTerminal(status SessionStatus) bool {
	return len(transitions[status]) == 0
}

func requireTransition(s *Session, to SessionStatus) error {
	if !CanTransition(s.Status, to) {
		return ErrInvalidState.WithMessage(fmt.Sprintf("session %s cannot move from %s to %s", s.SessionID, s.Status, to))
	}
	return nil
}

// requireDraft guards writes to positions and instructions
func requireDraft(s *Session) error {
	if s.Status != StatusDraft {
		return ErrSessionLocked.WithMessage(fmt.Sprintf("session %s is %s", s.SessionID, s.Status))
	}
	return nil
}
