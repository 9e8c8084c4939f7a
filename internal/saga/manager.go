package saga

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Manager runs saga definitions. Execution is synchronous: Run returns after
// every step completed or the completed ones were compensated in reverse.
type Manager struct {
	logger *zap.Logger
}

// NewManager creates a new saga manager
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger}
}

// Run executes def. On a step failure it compensates the completed steps and
// returns the step error wrapped with the step id.
func (m *Manager) Run(ctx context.Context, def SagaDefinition, data SagaData) (*SagaInstance, error) {
	steps := def.Steps()
	instance := &SagaInstance{
		Definition: def.ID(),
		State:      SagaStateRunning,
		Steps:      make([]StepExecution, len(steps)),
		StartedAt:  time.Now(),
	}
	for i, step := range steps {
		instance.Steps[i] = StepExecution{ID: step.ID(), State: StepStatePending}
	}
	if data == nil {
		data = SagaData{}
	}

	runCtx := ctx
	if timeout := def.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	lastCompletedStep := -1
	var failure error
	for i, step := range steps {
		if err := runCtx.Err(); err != nil {
			failure = fmt.Errorf("saga %s: %w", def.ID(), err)
			break
		}
		if err := step.Execute(runCtx, data); err != nil {
			instance.Steps[i].State = StepStateFailed
			instance.Steps[i].Error = err.Error()
			failure = fmt.Errorf("step %s: %w", step.ID(), err)

			m.logger.Error("Step failed",
				zap.String("saga", def.ID()),
				zap.String("stepID", string(step.ID())),
				zap.Error(err))
			break
		}
		instance.Steps[i].State = StepStateCompleted
		lastCompletedStep = i

		m.logger.Debug("Step completed",
			zap.String("saga", def.ID()),
			zap.String("stepID", string(step.ID())))
	}

	if failure == nil {
		instance.State = SagaStateCompleted
		instance.CompletedAt = time.Now()
		m.logger.Info("Saga completed", zap.String("saga", def.ID()))
		return instance, nil
	}

	// Compensation runs even when the run context is done.
	compensateCtx := context.WithoutCancel(ctx)
	m.compensate(compensateCtx, def.ID(), steps, instance, data, lastCompletedStep)

	instance.State = SagaStateCompensated
	instance.Error = failure.Error()
	instance.CompletedAt = time.Now()
	return instance, failure
}

// compensate runs compensation for completed steps in reverse order
func (m *Manager) compensate(ctx context.Context, sagaID string, steps []Step, instance *SagaInstance, data SagaData, lastCompletedStep int) {
	for i := lastCompletedStep; i >= 0; i-- {
		step := steps[i]

		m.logger.Info("Compensating step",
			zap.String("saga", sagaID),
			zap.String("stepID", string(step.ID())))

		if err := step.Compensate(ctx, data); err != nil {
			m.logger.Error("Compensation failed",
				zap.String("saga", sagaID),
				zap.String("stepID", string(step.ID())),
				zap.Error(err))
			continue
		}
		instance.Steps[i].State = StepStateCompensated
	}

	m.logger.Info("Saga compensated", zap.String("saga", sagaID))
}

