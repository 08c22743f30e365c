package sequence

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"fieldcrm/activity"
	"fieldcrm/customer"
	"fieldcrm/messaging"
)

const (
	ChannelEmail = "email"

	sourceSequence = "sequence"
)

// Messenger queues outbound messages for delivery.
type Messenger interface {
	Enqueue(ctx context.Context, msg messaging.Message) (string, error)
}

// ActivityWriter records activities and tasks on a customer.
type ActivityWriter interface {
	Create(ctx context.Context, a activity.Activity) (activity.Activity, error)
}

// Collaborators are the side-effect ports available to a step.
type Collaborators struct {
	Messages   Messenger
	Activities ActivityWriter
	Logger     *slog.Logger
	Now        time.Time
}

// Target is everything a step needs to know about the enrollment it runs for.
type Target struct {
	Enrollment Enrollment
	Sequence   Sequence
	Step       Step
	Customer   customer.Customer
}

// Action is the executable form of a step. The set of variants is closed:
// each one carries its own executor.
type Action interface {
	execute(ctx context.Context, c Collaborators, t Target) error
}

type SendMessage struct {
	Channel string
	Subject string
	Body    string
}

type CreateActivity struct {
	ActivityType string
	Title        string
	Description  string
}

type CreateTask struct {
	Title       string
	Description string
	DueInDays   int
}

// Unsupported stands in for action types this build does not know. It does
// nothing so the enrollment still advances.
type Unsupported struct {
	Type ActionType
}

// ActionFor maps a stored step onto its executable variant.
func ActionFor(step Step) Action {
	switch step.ActionType {
	case ActionSendMessage:
		channel := step.Channel
		if channel == "" {
			channel = ChannelEmail
		}
		return SendMessage{Channel: channel, Subject: step.Subject, Body: step.Body}
	case ActionCreateActivity:
		kind := configString(step.Config, "activity_type")
		if kind == "" {
			kind = activity.TypeNote
		}
		return CreateActivity{
			ActivityType: kind,
			Title:        firstNonEmpty(configString(step.Config, "title"), step.Subject),
			Description:  firstNonEmpty(configString(step.Config, "description"), step.Body),
		}
	case ActionCreateTask:
		return CreateTask{
			Title:       firstNonEmpty(configString(step.Config, "title"), step.Subject),
			Description: firstNonEmpty(configString(step.Config, "description"), step.Body),
			DueInDays:   configInt(step.Config, "due_in_days"),
		}
	default:
		return Unsupported{Type: step.ActionType}
	}
}

// Execute runs the step described by t.
func Execute(ctx context.Context, c Collaborators, t Target) error {
	return ActionFor(t.Step).execute(ctx, c, t)
}

func (a SendMessage) execute(ctx context.Context, c Collaborators, t Target) error {
	if c.Messages == nil {
		return fmt.Errorf("sequence: send_message: no messenger configured")
	}
	recipient := t.Customer.Phone
	if a.Channel == ChannelEmail {
		recipient = t.Customer.Email
	}
	_, err := c.Messages.Enqueue(ctx, messaging.Message{
		TenantID:   t.Enrollment.TenantID,
		CustomerID: t.Enrollment.CustomerID,
		DealID:     t.Enrollment.DealID,
		Channel:    a.Channel,
		Recipient:  recipient,
		Subject:    Render(a.Subject, t.Customer),
		Body:       Render(a.Body, t.Customer),
		Metadata: map[string]any{
			"source":        sourceSequence,
			"sequence_id":   t.Sequence.ID,
			"step_id":       t.Step.ID,
			"enrollment_id": t.Enrollment.ID,
		},
	})
	if err != nil {
		return fmt.Errorf("sequence: send_message: %w", err)
	}
	return nil
}

func (a CreateActivity) execute(ctx context.Context, c Collaborators, t Target) error {
	if c.Activities == nil {
		return fmt.Errorf("sequence: create_activity: no activity writer configured")
	}
	_, err := c.Activities.Create(ctx, activity.Activity{
		TenantID:    t.Enrollment.TenantID,
		CustomerID:  t.Enrollment.CustomerID,
		DealID:      t.Enrollment.DealID,
		Type:        a.ActivityType,
		Title:       firstNonEmpty(Render(a.Title, t.Customer), t.Sequence.Name),
		Description: Render(a.Description, t.Customer),
		IsAutomated: true,
		Metadata: map[string]any{
			"source":      sourceSequence,
			"sequence_id": t.Sequence.ID,
		},
	})
	if err != nil {
		return fmt.Errorf("sequence: create_activity: %w", err)
	}
	return nil
}

func (a CreateTask) execute(ctx context.Context, c Collaborators, t Target) error {
	if c.Activities == nil {
		return fmt.Errorf("sequence: create_task: no activity writer configured")
	}
	var due *time.Time
	if a.DueInDays > 0 {
		at := c.Now.Add(time.Duration(a.DueInDays) * 24 * time.Hour)
		due = &at
	}
	_, err := c.Activities.Create(ctx, activity.Activity{
		TenantID:    t.Enrollment.TenantID,
		CustomerID:  t.Enrollment.CustomerID,
		DealID:      t.Enrollment.DealID,
		UserID:      t.Enrollment.EnrolledBy,
		Type:        activity.TypeTask,
		Title:       firstNonEmpty(Render(a.Title, t.Customer), t.Sequence.Name),
		Description: Render(a.Description, t.Customer),
		IsAutomated: true,
		DueAt:       due,
		Metadata: map[string]any{
			"source":      sourceSequence,
			"sequence_id": t.Sequence.ID,
		},
	})
	if err != nil {
		return fmt.Errorf("sequence: create_task: %w", err)
	}
	return nil
}

func (a Unsupported) execute(ctx context.Context, c Collaborators, t Target) error {
	if c.Logger != nil {
		c.Logger.DebugContext(ctx, "skipping unsupported sequence action",
			slog.String("enrollment_id", t.Enrollment.ID),
			slog.String("action_type", string(a.Type)),
		)
	}
	return nil
}

// Render substitutes the customer tokens in a template. Unknown tokens are
// left as written.
func Render(tmpl string, c customer.Customer) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return strings.NewReplacer(
		"{{nome}}", c.Name,
		"{{empresa}}", c.CompanyName,
		"{{email}}", c.Email,
	).Replace(tmpl)
}

func configString(cfg map[string]any, key string) string {
	if s, ok := cfg[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// configInt accepts JSON numbers and numeric strings.
func configInt(cfg map[string]any, key string) int {
	switch v := cfg[key].(type) {
	case float64:
		return int(math.Round(v))
	case int:
		return v
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil {
			return n
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
