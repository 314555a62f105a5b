package planner

import (
	"context"
	"fmt"

	"commandcore/internal/domain"
)

// Attachment is optional binary context for plan generation.
type Attachment struct {
	Data     []byte
	MimeType string
}

// Planner turns a task label into an execution plan.
type Planner interface {
	GeneratePlan(ctx context.Context, label string, att *Attachment) (domain.ExecutionPlan, error)
}

// GenerationError wraps a model call that never produced output.
type GenerationError struct {
	Model string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("plan generation failed (model %s): %v", e.Model, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// ParseError means the model produced output that does not decode
// into a valid plan. The raw output is retained for diagnostics.
type ParseError struct {
	Raw    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("plan response rejected: %s", e.Reason)
}
