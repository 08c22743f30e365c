package sequence

import "time"

// Transition is the state an enrollment moves to after one processing pass.
// Execute is nil when no step runs (cancel or complete without work).
type Transition struct {
	Status       EnrollmentStatus
	CurrentStep  int
	NextActionAt *time.Time
	CompletedAt  *time.Time
	Execute      *Step
	Reason       string
}

// Plan decides the next state of a due enrollment. It is pure: the caller
// executes Transition.Execute and persists the result.
func Plan(e Enrollment, seq *Sequence, now time.Time) (Transition, error) {
	if e.Status.Terminal() {
		return Transition{}, ErrTerminal
	}
	if e.Status != EnrollmentActive && e.Status != EnrollmentProcessing {
		return Transition{}, ErrInvalidTransition
	}

	if seq == nil {
		return Transition{Status: EnrollmentCancelled, CurrentStep: e.CurrentStep, Reason: "sequence deleted"}, nil
	}
	if seq.Status != StatusActive {
		return Transition{Status: EnrollmentCancelled, CurrentStep: e.CurrentStep, Reason: "sequence " + string(seq.Status)}, nil
	}

	step, ok := seq.StepAt(e.CurrentStep)
	if !ok {
		done := now
		return Transition{Status: EnrollmentCompleted, CurrentStep: e.CurrentStep, CompletedAt: &done}, nil
	}

	next := e.CurrentStep + 1
	t := Transition{CurrentStep: next, Execute: &step}
	if following, ok := seq.StepAt(next); ok {
		at := now.Add(time.Duration(following.DelayDays) * 24 * time.Hour)
		t.Status = EnrollmentActive
		t.NextActionAt = &at
		return t, nil
	}
	done := now
	t.Status = EnrollmentCompleted
	t.CompletedAt = &done
	return t, nil
}

// FirstActionAt is when a fresh enrollment becomes due.
func FirstActionAt(seq Sequence, now time.Time) time.Time {
	if step, ok := seq.StepAt(0); ok {
		return now.Add(time.Duration(step.DelayDays) * 24 * time.Hour)
	}
	return now
}

// CanPause, CanResume and CanCancel guard the manual transitions.
func CanPause(s EnrollmentStatus) bool  { return s == EnrollmentActive }
func CanResume(s EnrollmentStatus) bool { return s == EnrollmentPaused }
func CanCancel(s EnrollmentStatus) bool { return s == EnrollmentActive || s == EnrollmentPaused }
