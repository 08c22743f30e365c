package sequence

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("sequence: not found")
	ErrAlreadyEnrolled   = errors.New("sequence: customer already enrolled")
	ErrTerminal          = errors.New("sequence: enrollment is terminal")
	ErrClaimLost         = errors.New("sequence: enrollment claim lost")
	ErrInvalidTransition = errors.New("sequence: invalid enrollment transition")
	ErrInvalidSequence   = errors.New("sequence: invalid definition")
	ErrSequenceInactive  = errors.New("sequence: sequence is not active")
)

// Status is the lifecycle state of a sequence definition.
type Status string

const (
	StatusDraft  Status = "draft"
	StatusActive Status = "active"
	StatusPaused Status = "paused"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusPaused:
		return true
	}
	return false
}

// EnrollmentStatus is the lifecycle state of one customer inside a sequence.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentPaused    EnrollmentStatus = "paused"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentCancelled EnrollmentStatus = "cancelled"
	EnrollmentFailed    EnrollmentStatus = "failed"
	// EnrollmentProcessing marks a row claimed by a processor run.
	EnrollmentProcessing EnrollmentStatus = "processing"
)

// Terminal reports whether the enrollment can never be processed again.
func (s EnrollmentStatus) Terminal() bool {
	switch s {
	case EnrollmentCompleted, EnrollmentCancelled, EnrollmentFailed:
		return true
	}
	return false
}

// ActionType names what a step does when executed.
type ActionType string

const (
	ActionSendMessage    ActionType = "send_message"
	ActionCreateActivity ActionType = "create_activity"
	ActionCreateTask     ActionType = "create_task"
)

func (a ActionType) Valid() bool {
	switch a {
	case ActionSendMessage, ActionCreateActivity, ActionCreateTask:
		return true
	}
	return false
}

type Sequence struct {
	ID                string
	TenantID          string
	Name              string
	Description       string
	TriggerConditions string
	Status            Status
	CreatedBy         string
	Steps             []Step
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Step is a template executed once per enrollment. Steps are ordered by
// SortOrder and addressed by their index in that order.
type Step struct {
	ID         string
	SequenceID string
	ActionType ActionType
	Channel    string
	Subject    string
	Body       string
	Config     map[string]any
	DelayDays  int
	SortOrder  int
}

// StepAt returns the step at index i of the ordered step list.
func (s Sequence) StepAt(i int) (Step, bool) {
	if i < 0 || i >= len(s.Steps) {
		return Step{}, false
	}
	return s.Steps[i], true
}

type Enrollment struct {
	ID           string
	TenantID     string
	SequenceID   string
	CustomerID   string
	DealID       string
	EnrolledBy   string
	Status       EnrollmentStatus
	CurrentStep  int
	NextActionAt *time.Time
	CompletedAt  *time.Time
	PausedAt     *time.Time
	PauseReason  string
	LastError    string
	ClaimToken   string
	ClaimedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Summary is a sequence listing row with its live enrollment count.
type Summary struct {
	Sequence
	StepCount         int
	ActiveEnrollments int
}
