package schemas

// -- Task Schemas --

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StepKind identifies a single browser interaction primitive.
type StepKind string

const (
	StepNavigate   StepKind = "navigate"
	StepWait       StepKind = "wait"
	StepExtract    StepKind = "extract"
	StepAct        StepKind = "act"
	StepRender     StepKind = "render"
	StepScreenshot StepKind = "screenshot"
)

// Action verbs accepted by an "act" step.
const (
	ActionClick  = "click"
	ActionType   = "type"
	ActionSubmit = "submit"
)

// Step is one element of a task's interaction sequence. Which fields are
// required depends on the kind; Validate enforces the combinations.
type Step struct {
	Kind StepKind `json:"kind"`

	// URL is the navigation target for a "navigate" step.
	URL string `json:"url,omitempty"`

	// Selector is a CSS selector for "wait", "extract" and "act" steps.
	Selector string `json:"selector,omitempty"`

	// Action and Value configure an "act" step (e.g. type "hello" into the
	// element matched by Selector).
	Action string `json:"action,omitempty"`
	Value  string `json:"value,omitempty"`

	// Output names the payload key an "extract", "render" or "screenshot"
	// step writes its result under.
	Output string `json:"output,omitempty"`

	// Timeout overrides the engine's default per-step sub-timeout.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Validate checks that the step carries the fields its kind requires.
func (s Step) Validate() error {
	switch s.Kind {
	case StepNavigate:
		if s.URL == "" {
			return errors.New("navigate step requires a url")
		}
	case StepWait:
		if s.Selector == "" {
			return errors.New("wait step requires a selector")
		}
	case StepExtract:
		if s.Selector == "" {
			return errors.New("extract step requires a selector")
		}
		if s.Output == "" {
			return errors.New("extract step requires an output key")
		}
	case StepAct:
		if s.Selector == "" {
			return errors.New("act step requires a selector")
		}
		switch s.Action {
		case ActionClick, ActionSubmit:
		case ActionType:
			if s.Value == "" {
				return errors.New("type action requires a value")
			}
		default:
			return fmt.Errorf("unknown action %q", s.Action)
		}
	case StepRender, StepScreenshot:
		if s.Output == "" {
			return fmt.Errorf("%s step requires an output key", s.Kind)
		}
	default:
		return fmt.Errorf("unknown step kind %q", s.Kind)
	}
	if s.Timeout < 0 {
		return errors.New("step timeout must not be negative")
	}
	return nil
}

// Task represents a unit of work: an ordered sequence of steps driven
// against one isolated browsing session, bounded by a deadline and a
// retry budget. A Task is consumed exactly once per attempt.
type Task struct {
	ID    string `json:"id"`
	Steps []Step `json:"steps"`

	// Timeout bounds the whole task including retries. Zero means the
	// engine default applies.
	Timeout time.Duration `json:"timeout,omitempty"`

	// RetryBudget is the number of additional attempts permitted after the
	// first one fails transiently. Total attempts never exceed 1+RetryBudget.
	RetryBudget int `json:"retry_budget,omitempty"`
}

// NewTask builds a task with a fresh ID around the given steps.
func NewTask(steps ...Step) Task {
	return Task{ID: uuid.New().String(), Steps: steps}
}

// Validate checks the task and every step in it.
func (t *Task) Validate() error {
	if t.ID == "" {
		return errors.New("task id must not be empty")
	}
	if t.RetryBudget < 0 {
		return errors.New("retry budget must not be negative")
	}
	if t.Timeout < 0 {
		return errors.New("task timeout must not be negative")
	}
	for i, s := range t.Steps {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}
