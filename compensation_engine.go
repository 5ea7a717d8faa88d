package sagabus

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/sagabus/storage"
)

// CompensationEngine undoes the completed steps of a compensating saga one at
// a time, highest order first. A failing compensation halts the rollback
// until an operator resumes or force-fails it.
type CompensationEngine struct {
	machine            *sagaMachine
	runner             *actionRunner
	defaultStepTimeout time.Duration
}

func newCompensationEngine(machine *sagaMachine, runner *actionRunner, defaultStepTimeout time.Duration) *CompensationEngine {
	return &CompensationEngine{
		machine:            machine,
		runner:             runner,
		defaultStepTimeout: defaultStepTimeout,
	}
}

// step applies one compensation transition and reports whether the saga
// progressed. It waits while any step is still running or compensating.
func (e *CompensationEngine) step(ctx context.Context, saga *Saga, steps []SagaStep) (bool, error) {
	if saga.CompensationHalted {
		return false, nil
	}

	var next *SagaStep
	compensated := 0
	for i := range steps {
		switch steps[i].Status {
		case storage.StepStatusRunning, storage.StepStatusCompensating:
			// Either in flight on another worker or lost; the stuck step sweep
			// resolves it once its deadline passes.
			return false, nil
		case storage.StepStatusCompensated:
			compensated++
		case storage.StepStatusCompleted:
			if next == nil || steps[i].Order > next.Order {
				next = &steps[i]
			}
		}
	}

	if next == nil {
		return true, e.finish(ctx, saga, compensated)
	}
	if !next.HasCompensation() {
		return true, e.skipCompensation(ctx, next)
	}
	return e.compensate(ctx, saga, next)
}

// finish ends the rollback. A saga where nothing had to be undone ends Failed
// rather than Compensated.
func (e *CompensationEngine) finish(ctx context.Context, saga *Saga, compensated int) error {
	now := e.machine.now()
	if compensated > 0 {
		saga.Status = storage.SagaStatusCompensated
		saga.CompletedAt = &now
	} else {
		saga.Status = storage.SagaStatusFailed
		saga.FailedAt = &now
	}
	if err := e.machine.updateSaga(ctx, saga); err != nil {
		return err
	}

	e.machine.metrics.IncrementCounter(metricSagaFinished, map[string]string{"type": saga.Type, "status": string(saga.Status)})
	e.machine.logger.Info("Saga rollback finished",
		zap.String("saga_id", saga.ID),
		zap.String("status", string(saga.Status)),
		zap.Int("compensated_steps", compensated))
	return nil
}

// skipCompensation records a step without a compensation action as
// compensated so it still shows up in the rollback trail.
func (e *CompensationEngine) skipCompensation(ctx context.Context, step *SagaStep) error {
	now := e.machine.now()
	step.Status = storage.StepStatusCompensated
	step.CompensationStartedAt = &now
	step.CompensationCompletedAt = &now
	if err := e.machine.updateStep(ctx, step); err != nil {
		return err
	}
	e.machine.logger.Debug("Step has nothing to compensate",
		zap.String("saga_id", step.SagaID),
		zap.Int("step_order", step.Order))
	return nil
}

func (e *CompensationEngine) compensate(ctx context.Context, saga *Saga, step *SagaStep) (bool, error) {
	timeout := e.timeoutOf(step)
	now := e.machine.now()
	deadline := now.Add(timeout)

	// Claim the saga first so a concurrent operator action or coordinator
	// loses the race instead of interleaving with this invocation.
	saga.NextWakeAt = &deadline
	if err := e.machine.updateSaga(ctx, saga); err != nil {
		return false, err
	}

	step.Status = storage.StepStatusCompensating
	step.CompensationStartedAt = &now
	step.DeadlineAt = &deadline
	if err := e.machine.updateStep(ctx, step); err != nil {
		return false, err
	}

	fields := []zap.Field{
		zap.String("saga_id", saga.ID),
		zap.String("step_name", step.Name),
		zap.Int("step_order", step.Order),
	}
	e.machine.logger.Info("Compensating step", fields...)
	e.machine.metrics.IncrementCounter(metricCompensationInvoked, map[string]string{"service": step.ServiceName})

	sagaContext := cloneContext(saga.Context)
	_, err := e.runner.run(ctx, ActionCall{
		SagaID:       saga.ID,
		StepID:       step.ID,
		StepName:     step.Name,
		ServiceName:  step.ServiceName,
		ActionType:   *step.CompensationActionType,
		Payload:      step.CompensationPayload,
		Context:      sagaContext,
		Timeout:      timeout,
		Compensation: true,
	})
	if err != nil && ctx.Err() != nil {
		// Interrupted by shutdown rather than failed: hand the step back.
		return false, e.release(context.WithoutCancel(ctx), step)
	}
	if err != nil {
		return false, e.halt(ctx, step, err)
	}

	done := e.machine.now()
	step.Status = storage.StepStatusCompensated
	step.CompensationCompletedAt = &done
	step.DeadlineAt = nil
	if err := e.machine.updateStep(ctx, step); err != nil {
		return false, err
	}
	if err := e.saveContext(ctx, saga.ID, sagaContext); err != nil {
		e.machine.logger.Error("Failed to save saga context after compensation", append(fields, zap.Error(err))...)
	}

	e.machine.logger.Info("Step compensated", fields...)
	return true, nil
}

// halt leaves the step compensating and flags the saga for an operator.
func (e *CompensationEngine) halt(ctx context.Context, step *SagaStep, cause error) error {
	message := fmt.Sprintf("compensation of step %q (order %d) failed: %v", step.Name, step.Order, cause)
	step.ErrorMessage = &message
	step.DeadlineAt = nil
	if err := e.machine.updateStep(ctx, step); err != nil {
		return err
	}

	_, err := e.machine.mutateSaga(ctx, step.SagaID, func(saga *Saga) error {
		if saga.Status != storage.SagaStatusCompensating {
			return fmt.Errorf("saga %s is %s: %w", saga.ID, saga.Status, storage.ErrConflict)
		}
		saga.CompensationHalted = true
		saga.ErrorMessage = &message
		saga.NextWakeAt = nil
		return nil
	})
	if err != nil {
		return err
	}

	e.machine.metrics.IncrementCounter(metricCompensationHalted, map[string]string{"service": step.ServiceName})
	e.machine.logger.Error("Compensation failed, saga halted awaiting operator",
		zap.String("saga_id", step.SagaID),
		zap.String("step_name", step.Name),
		zap.Int("step_order", step.Order),
		zap.Error(cause))
	return nil
}

func (e *CompensationEngine) release(ctx context.Context, step *SagaStep) error {
	step.Status = storage.StepStatusCompleted
	step.CompensationStartedAt = nil
	step.DeadlineAt = nil
	if err := e.machine.updateStep(ctx, step); err != nil {
		return err
	}
	return e.machine.setWake(ctx, step.SagaID, nil)
}

func (e *CompensationEngine) saveContext(ctx context.Context, sagaID string, sagaContext SagaContext) error {
	_, err := e.machine.mutateSaga(ctx, sagaID, func(saga *Saga) error {
		saga.Context = sagaContext
		saga.NextWakeAt = nil
		return nil
	})
	return err
}

func (e *CompensationEngine) timeoutOf(step *SagaStep) time.Duration {
	if step.Timeout != nil && *step.Timeout > 0 {
		return *step.Timeout
	}
	return e.defaultStepTimeout
}
