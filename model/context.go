package model

import (
	"context"
	"errors"
	"fmt"
)

// StepContext identifies the step a skill invocation belongs to. It is attached
// to the context passed to invokers so that transports and loggers can tag
// their output without widening every signature.
type StepContext struct {
	ExecutionID   string
	WorkflowID    string
	StepID        string
	SkillID       string
	Stage         int
	Attempt       int
	CorrelationID string
}

// Validate checks that all mandatory fields are present.
func (sc *StepContext) Validate() error {
	var errs []error
	if sc.ExecutionID == "" {
		errs = append(errs, fmt.Errorf("ExecutionID is required"))
	}
	if sc.StepID == "" {
		errs = append(errs, fmt.Errorf("StepID is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

type contextKey struct{}

// WithStepContext attaches a StepContext to the given context.
func WithStepContext(ctx context.Context, sc *StepContext) context.Context {
	return context.WithValue(ctx, contextKey{}, sc)
}

// StepContextFrom extracts the StepContext from the context, or returns nil
// if not present.
func StepContextFrom(ctx context.Context) *StepContext {
	sc, _ := ctx.Value(contextKey{}).(*StepContext)
	return sc
}

type correlationKey struct{}

// WithCorrelationID attaches the request correlation ID to ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFrom returns the correlation ID attached to ctx, or "".
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
