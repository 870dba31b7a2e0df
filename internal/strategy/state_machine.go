package strategy

import "fmt"

// nextPhase is the lifecycle table. Events that do not apply to the current
// phase leave it unchanged.
func nextPhase(current Phase, event Event) Phase {
	switch current {
	case PhaseIdle:
		if event == EventEnter {
			return PhaseEntered
		}
	case PhaseEntered:
		if event == EventExit || event == EventEntryAbort {
			return PhaseExiting
		}
	case PhaseExiting:
		if event == EventDone {
			return PhaseIdle
		}
	}
	return current
}

func transition(current Phase, event Event) (Phase, error) {
	next := nextPhase(current, event)
	if next == current {
		return current, fmt.Errorf("event %s not allowed in phase %s", event, current)
	}
	return next, nil
}
