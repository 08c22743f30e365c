package sequence

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"fieldcrm/customer"
)

var ErrInvalidTrigger = errors.New("sequence: invalid trigger expression")

// ScoreFacts is the lead score view exposed to trigger expressions.
type ScoreFacts struct {
	TotalPoints int
	Grade       string
}

// Trigger evaluates a sequence's trigger_conditions, a CEL expression over
// `customer` (the customer's columns) and `score` (total_points, grade),
// for example:
//
//	score.grade in ["A", "B"] && customer.segment == "enterprise"
type Trigger struct {
	env      *cel.Env
	programs sync.Map
}

func NewTrigger() (*Trigger, error) {
	env, err := cel.NewEnv(
		cel.Variable("customer", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("score", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("sequence: build trigger env: %w", err)
	}
	return &Trigger{env: env}, nil
}

// Compile validates expr and caches the program. An empty expression is
// valid and never matches.
func (t *Trigger) Compile(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}
	_, err := t.program(expr)
	return err
}

// Matches reports whether the customer satisfies the sequence trigger.
// Sequences without a trigger never match.
func (t *Trigger) Matches(seq Sequence, c customer.Customer, score ScoreFacts) (bool, error) {
	expr := strings.TrimSpace(seq.TriggerConditions)
	if expr == "" {
		return false, nil
	}
	program, err := t.program(expr)
	if err != nil {
		return false, err
	}

	attrs := c.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	out, _, err := program.Eval(map[string]any{
		"customer": attrs,
		"score": map[string]any{
			"total_points": int64(score.TotalPoints),
			"grade":        score.Grade,
		},
	})
	if err != nil {
		return false, fmt.Errorf("sequence: evaluate trigger: %w", err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: result is %T, want bool", ErrInvalidTrigger, out.Value())
	}
	return v, nil
}

func (t *Trigger) program(expr string) (cel.Program, error) {
	if cached, ok := t.programs.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	ast, issues := t.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTrigger, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: output type %s, want bool", ErrInvalidTrigger, out)
	}
	program, err := t.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}
	t.programs.Store(expr, program)
	return program, nil
}
