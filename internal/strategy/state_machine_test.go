package strategy

import "testing"

func TestNextPhaseLifecycle(t *testing.T) {
	phase := PhaseIdle
	for _, step := range []struct {
		event Event
		want  Phase
	}{
		{EventEnter, PhaseEntered},
		{EventExit, PhaseExiting},
		{EventDone, PhaseIdle},
		{EventEnter, PhaseEntered},
		{EventEntryAbort, PhaseExiting},
		{EventDone, PhaseIdle},
	} {
		phase = nextPhase(phase, step.event)
		if phase != step.want {
			t.Fatalf("after %s expected %s, got %s", step.event, step.want, phase)
		}
	}
}

func TestTransitionRejectsOutOfOrderEvents(t *testing.T) {
	cases := []struct {
		phase Phase
		event Event
	}{
		{PhaseIdle, EventExit},
		{PhaseIdle, EventDone},
		{PhaseEntered, EventEnter},
		{PhaseEntered, EventDone},
		{PhaseExiting, EventEnter},
		{PhaseExiting, EventExit},
	}
	for _, tc := range cases {
		if _, err := transition(tc.phase, tc.event); err == nil {
			t.Fatalf("expected %s in %s to be rejected", tc.event, tc.phase)
		}
	}
}
