package sequence

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func twoStepSequence() *Sequence {
	return &Sequence{
		ID:     "seq-1",
		Status: StatusActive,
		Steps: []Step{
			{ID: "s0", ActionType: ActionSendMessage, DelayDays: 0, SortOrder: 1},
			{ID: "s1", ActionType: ActionCreateTask, DelayDays: 3, SortOrder: 2},
		},
	}
}

func TestPlan_AdvancesThenCompletes(t *testing.T) {
	seq := twoStepSequence()
	e := Enrollment{ID: "e1", Status: EnrollmentActive, CurrentStep: 0}

	first, err := Plan(e, seq, t0)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if first.Execute == nil || first.Execute.ID != "s0" {
		t.Fatalf("expected step s0 to execute, got %+v", first.Execute)
	}
	if first.Status != EnrollmentActive || first.CurrentStep != 1 {
		t.Fatalf("expected active at step 1, got %s at %d", first.Status, first.CurrentStep)
	}
	if want := t0.Add(72 * time.Hour); first.NextActionAt == nil || !first.NextActionAt.Equal(want) {
		t.Fatalf("expected next action at %s, got %v", want, first.NextActionAt)
	}

	e.CurrentStep = first.CurrentStep
	later := t0.Add(72 * time.Hour)
	second, err := Plan(e, seq, later)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if second.Execute == nil || second.Execute.ID != "s1" {
		t.Fatalf("expected step s1 to execute, got %+v", second.Execute)
	}
	if second.Status != EnrollmentCompleted || second.CurrentStep != 2 {
		t.Fatalf("expected completed at step 2, got %s at %d", second.Status, second.CurrentStep)
	}
	if second.CompletedAt == nil || !second.CompletedAt.Equal(later) {
		t.Fatalf("expected completed_at %s, got %v", later, second.CompletedAt)
	}
}

func TestPlan_CursorPastEndCompletesWithoutWork(t *testing.T) {
	e := Enrollment{Status: EnrollmentActive, CurrentStep: 5}
	tr, err := Plan(e, twoStepSequence(), t0)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if tr.Status != EnrollmentCompleted || tr.Execute != nil || tr.CurrentStep != 5 {
		t.Fatalf("expected completion without execution, got %+v", tr)
	}
}

func TestPlan_EmptySequenceCompletes(t *testing.T) {
	tr, err := Plan(Enrollment{Status: EnrollmentActive}, &Sequence{Status: StatusActive}, t0)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if tr.Status != EnrollmentCompleted || tr.Execute != nil {
		t.Fatalf("expected immediate completion, got %+v", tr)
	}
}

func TestPlan_InactiveSequenceCancels(t *testing.T) {
	for _, status := range []Status{StatusPaused, StatusDraft} {
		seq := twoStepSequence()
		seq.Status = status
		tr, err := Plan(Enrollment{Status: EnrollmentActive, CurrentStep: 1}, seq, t0)
		if err != nil {
			t.Fatalf("plan: %v", err)
		}
		if tr.Status != EnrollmentCancelled || tr.Execute != nil {
			t.Fatalf("%s: expected cancellation without execution, got %+v", status, tr)
		}
		if tr.CurrentStep != 1 {
			t.Fatalf("%s: expected cursor untouched, got %d", status, tr.CurrentStep)
		}
	}
}

func TestPlan_MissingSequenceCancels(t *testing.T) {
	tr, err := Plan(Enrollment{Status: EnrollmentProcessing}, nil, t0)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if tr.Status != EnrollmentCancelled {
		t.Fatalf("expected cancelled, got %s", tr.Status)
	}
}

func TestPlan_TerminalAndPausedRejected(t *testing.T) {
	for _, st := range []EnrollmentStatus{EnrollmentCompleted, EnrollmentCancelled, EnrollmentFailed} {
		if _, err := Plan(Enrollment{Status: st}, twoStepSequence(), t0); !errors.Is(err, ErrTerminal) {
			t.Errorf("%s: expected ErrTerminal, got %v", st, err)
		}
	}
	if _, err := Plan(Enrollment{Status: EnrollmentPaused}, twoStepSequence(), t0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("paused: expected ErrInvalidTransition, got %v", err)
	}
}

func TestFirstActionAt(t *testing.T) {
	seq := twoStepSequence()
	seq.Steps[0].DelayDays = 2
	if got := FirstActionAt(*seq, t0); !got.Equal(t0.Add(48 * time.Hour)) {
		t.Fatalf("expected first step delay applied, got %s", got)
	}
	if got := FirstActionAt(Sequence{}, t0); !got.Equal(t0) {
		t.Fatalf("expected now for empty sequence, got %s", got)
	}
}
