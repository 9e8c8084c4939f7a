package saga

import (
	"context"
	"time"
)

// SagaState represents the current state of a saga execution
type SagaState string

const (
	SagaStateRunning     SagaState = "running"
	SagaStateCompleted   SagaState = "completed"
	SagaStateCompensated SagaState = "compensated"
)

// StepState represents the state of an individual step
type StepState string

const (
	StepStatePending     StepState = "pending"
	StepStateCompleted   StepState = "completed"
	StepStateFailed      StepState = "failed"
	StepStateCompensated StepState = "compensated"
)

// StepID uniquely identifies a step within a saga
type StepID string

// SagaData holds the shared data for a saga execution
type SagaData map[string]any

// Step represents a single step in a saga. Compensate undoes a completed
// Execute and must tolerate being called on partially acquired resources.
type Step interface {
	ID() StepID
	Execute(ctx context.Context, data SagaData) error
	Compensate(ctx context.Context, data SagaData) error
}

// SagaDefinition defines the steps and flow of a saga
type SagaDefinition interface {
	ID() string
	Steps() []Step
	Timeout() time.Duration
}

// SagaInstance records one execution
type SagaInstance struct {
	Definition  string          `json:"definition"`
	State       SagaState       `json:"state"`
	Steps       []StepExecution `json:"steps"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	Error       string          `json:"error,omitempty"`
}

// StepExecution represents the execution state of a step
type StepExecution struct {
	ID    StepID    `json:"id"`
	State StepState `json:"state"`
	Error string    `json:"error,omitempty"`
}

// StepFunc adapts a pair of functions to Step
type StepFunc struct {
	Name StepID
	Do   func(ctx context.Context, data SagaData) error
	Undo func(ctx context.Context, data SagaData) error
}

func (s StepFunc) ID() StepID { return s.Name }

func (s StepFunc) Execute(ctx context.Context, data SagaData) error {
	return s.Do(ctx, data)
}

func (s StepFunc) Compensate(ctx context.Context, data SagaData) error {
	if s.Undo == nil {
		return nil
	}
	return s.Undo(ctx, data)
}
