package sagabus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/sagabus/storage"
)

const (
	stuckStepGrace          = 5 * time.Second
	defaultSagaConcurrency  = 4
	stepTimedOutMessage     = "step invocation lost: deadline passed while running"
	compensationLostMessage = "compensation invocation lost: deadline passed while compensating"
)

// SagaCoordinator drives sagas forward step by step and hands failed ones to
// the CompensationEngine. Any number of coordinators may run against the same
// store; every transition is a compare-and-set on the saga or step version.
type SagaCoordinator struct {
	machine      *sagaMachine
	runner       *actionRunner
	compensation *CompensationEngine
	scheduler    *RetryScheduler

	batchSize          int
	maxStepsPerTick    int
	concurrency        int
	defaultStepTimeout time.Duration
}

// NewSagaCoordinator создает новый экземпляр SagaCoordinator.
func NewSagaCoordinator(
	store storage.SagaStore,
	invoker ActionInvoker,
	scheduler *RetryScheduler,
	logger *zap.Logger,
	metrics MetricsCollector,
	clock clockwork.Clock,
	opts ...SagaCoordinatorOption,
) *SagaCoordinator {
	options := &sagaCoordinatorOptions{
		batchSize:          defaultSagaBatchSize,
		maxStepsPerTick:    defaultMaxStepsPerTick,
		concurrency:        defaultSagaConcurrency,
		defaultStepTimeout: defaultStepTimeout,
	}
	for _, opt := range opts {
		opt(options)
	}
	if scheduler == nil {
		scheduler = NewRetryScheduler(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if options.concurrency < 1 {
		options.concurrency = 1
	}

	machine := &sagaMachine{store: store, logger: logger, metrics: metrics, clock: clock}
	runner := newActionRunner(invoker, metrics)
	return &SagaCoordinator{
		machine:            machine,
		runner:             runner,
		compensation:       newCompensationEngine(machine, runner, options.defaultStepTimeout),
		scheduler:          scheduler,
		batchSize:          options.batchSize,
		maxStepsPerTick:    options.maxStepsPerTick,
		concurrency:        options.concurrency,
		defaultStepTimeout: options.defaultStepTimeout,
	}
}

// ProcessSagas is the worker function of the coordinator: it ticks every saga
// with pending work, several sagas in parallel. Sagas waiting on a backoff or
// an in-flight invocation are not listed until their wake time.
func (c *SagaCoordinator) ProcessSagas(ctx context.Context) error {
	start := c.machine.clock.Now()
	now := c.machine.now()
	notHalted, notViolated := false, false
	sagas, err := c.machine.store.ListSagas(ctx, storage.SagaFilter{
		Statuses: []storage.SagaStatus{
			storage.SagaStatusCreated,
			storage.SagaStatusRunning,
			storage.SagaStatusCompensating,
		},
		CompensationHalted: &notHalted,
		InvariantViolated:  &notViolated,
		DueBy:              &now,
		Limit:              c.batchSize,
	})
	if err != nil {
		return fmt.Errorf("failed to list active sagas: %w", err)
	}
	if len(sagas) == 0 {
		return nil
	}

	sem := make(chan struct{}, c.concurrency)
	var wg sync.WaitGroup
	for _, saga := range sagas {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(sagaID string) {
			defer func() {
				<-sem
				wg.Done()
			}()
			if err := c.Tick(ctx, sagaID); err != nil {
				c.machine.logger.Error("Saga tick failed", zap.String("saga_id", sagaID), zap.Error(err))
			}
		}(saga.ID)
	}
	wg.Wait()

	c.machine.metrics.RecordDuration(metricSagaTickDuration, c.machine.clock.Since(start), nil)
	return nil
}

// Tick advances one saga as far as it can go right now: it stops when the
// saga reaches a terminal state, waits for a retry backoff, has an invocation
// in flight elsewhere, or halts. Losing a race against another worker is not
// an error.
func (c *SagaCoordinator) Tick(ctx context.Context, sagaID string) error {
	for i := 0; i < c.maxStepsPerTick; i++ {
		if ctx.Err() != nil {
			return nil
		}
		progressed, err := c.advance(ctx, sagaID)
		if errors.Is(err, storage.ErrConflict) {
			c.machine.logger.Debug("Saga moved by another worker", zap.String("saga_id", sagaID))
			return nil
		}
		if err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
	return nil
}

func (c *SagaCoordinator) advance(ctx context.Context, sagaID string) (bool, error) {
	saga, steps, err := c.machine.load(ctx, sagaID)
	if err != nil {
		return false, err
	}
	if saga.InvariantViolated {
		return false, nil
	}

	switch saga.Status {
	case storage.SagaStatusCreated:
		return true, c.start(ctx, saga)
	case storage.SagaStatusRunning:
		if err := checkStepOrder(saga, steps); err != nil {
			return false, c.reportInvariantViolation(ctx, saga, err)
		}
		return c.forward(ctx, saga, steps)
	case storage.SagaStatusCompensating:
		return c.compensation.step(ctx, saga, steps)
	default:
		return false, nil
	}
}

func (c *SagaCoordinator) start(ctx context.Context, saga *Saga) error {
	now := c.machine.now()
	saga.Status = storage.SagaStatusRunning
	saga.StartedAt = &now
	if err := c.machine.updateSaga(ctx, saga); err != nil {
		return err
	}
	c.machine.metrics.IncrementCounter(metricSagaStarted, map[string]string{"type": saga.Type})
	c.machine.logger.Info("Saga started", zap.String("saga_id", saga.ID), zap.String("saga_type", saga.Type))
	return nil
}

func (c *SagaCoordinator) forward(ctx context.Context, saga *Saga, steps []SagaStep) (bool, error) {
	now := c.machine.now()
	if saga.Timeout != nil && saga.StartedAt != nil && now.Sub(*saga.StartedAt) > *saga.Timeout {
		reason := fmt.Sprintf("saga timed out after %s", *saga.Timeout)
		_, err := c.machine.rollback(ctx, saga.ID, reason, storage.SagaStatusRunning)
		return true, err
	}

	idx := saga.CurrentStepIndex
	if idx >= saga.TotalSteps {
		return true, c.complete(ctx, saga)
	}

	step := &steps[idx]
	switch step.Status {
	case storage.StepStatusCompleted:
		// The step finished but the saga row was not advanced, e.g. after a crash.
		return true, c.advanceIndex(ctx, saga.ID, idx, nil)
	case storage.StepStatusFailed:
		reason := "step failed"
		if step.ErrorMessage != nil {
			reason = *step.ErrorMessage
		}
		_, err := c.machine.rollback(ctx, saga.ID, fmt.Sprintf("step %q failed: %s", step.Name, reason), storage.SagaStatusRunning)
		return true, err
	case storage.StepStatusPending:
		for _, prior := range steps[:idx] {
			if prior.Status != storage.StepStatusCompleted {
				return false, c.reportInvariantViolation(ctx, saga,
					invariantViolation("saga %s: step %d is %s while step %d is about to run", saga.ID, prior.Order, prior.Status, idx))
			}
		}
		if step.NextAttemptAt != nil && step.NextAttemptAt.After(now) {
			if wake := wakeAt(saga, *step.NextAttemptAt); saga.NextWakeAt == nil || !saga.NextWakeAt.Equal(*wake) {
				// The retry was scheduled without a saga wake time, e.g. a crash
				// between the two writes.
				saga.NextWakeAt = wake
				return false, c.machine.updateSaga(ctx, saga)
			}
			return false, nil
		}
		return c.execute(ctx, saga, step)
	default:
		// Running elsewhere, or being skipped by a concurrent abort.
		return false, nil
	}
}

func (c *SagaCoordinator) execute(ctx context.Context, saga *Saga, step *SagaStep) (bool, error) {
	timeout := c.timeoutOf(step)
	now := c.machine.now()
	deadline := now.Add(timeout)

	// Claim the saga before the step so a concurrent abort either sees the
	// step running or makes this claim fail.
	saga.CurrentRetryAttempt = step.RetryAttempts
	saga.NextWakeAt = wakeAt(saga, deadline)
	if err := c.machine.updateSaga(ctx, saga); err != nil {
		return false, err
	}

	step.Status = storage.StepStatusRunning
	step.StartedAt = &now
	step.DeadlineAt = &deadline
	step.NextAttemptAt = nil
	if err := c.machine.updateStep(ctx, step); err != nil {
		return false, err
	}

	fields := []zap.Field{
		zap.String("saga_id", saga.ID),
		zap.String("step_name", step.Name),
		zap.Int("step_order", step.Order),
		zap.Int("attempt", step.RetryAttempts+1),
	}
	c.machine.logger.Info("Invoking step", fields...)
	c.machine.metrics.IncrementCounter(metricStepInvoked, map[string]string{"service": step.ServiceName, "action": step.ActionType})

	sagaContext := cloneContext(saga.Context)
	response, err := c.runner.run(ctx, ActionCall{
		SagaID:      saga.ID,
		StepID:      step.ID,
		StepName:    step.Name,
		ServiceName: step.ServiceName,
		ActionType:  step.ActionType,
		Payload:     step.ActionPayload,
		Context:     sagaContext,
		Timeout:     timeout,
	})
	if err != nil && ctx.Err() != nil {
		// Interrupted by shutdown rather than failed: hand the step back
		// without spending an attempt.
		step.Status = storage.StepStatusPending
		step.DeadlineAt = nil
		if err := c.machine.updateStep(context.WithoutCancel(ctx), step); err != nil {
			return false, err
		}
		return false, c.machine.setWake(context.WithoutCancel(ctx), saga.ID, nil)
	}
	if err != nil {
		c.machine.logger.Warn("Step failed", append(fields, zap.Error(err))...)
		return true, c.recordFailure(ctx, step, err)
	}

	done := c.machine.now()
	step.Status = storage.StepStatusCompleted
	step.CompletedAt = &done
	step.ResponsePayload = response
	step.ErrorMessage = nil
	step.DeadlineAt = nil
	if err := c.machine.updateStep(ctx, step); err != nil {
		return false, err
	}
	c.machine.logger.Info("Step completed", fields...)
	return true, c.advanceIndex(ctx, saga.ID, step.Order, sagaContext)
}

// recordFailure spends one attempt of the step. While retries remain the step
// goes back to pending with a backoff; otherwise it fails and the saga rolls
// back. Permanent errors skip the remaining retries.
func (c *SagaCoordinator) recordFailure(ctx context.Context, step *SagaStep, cause error) error {
	now := c.machine.now()
	message := cause.Error()
	step.RetryAttempts++
	step.ErrorMessage = &message
	step.DeadlineAt = nil

	c.machine.metrics.IncrementCounter(metricStepFailed, map[string]string{"service": step.ServiceName, "action": step.ActionType})

	decision := c.scheduler.Decide(step.RetryAttempts, step.MaxRetries, now)
	if decision.ShouldRetry && !IsPermanent(cause) {
		step.Status = storage.StepStatusPending
		step.NextAttemptAt = &decision.NextAttemptAt
		if err := c.machine.updateStep(ctx, step); err != nil {
			return err
		}
		_, err := c.machine.mutateSaga(ctx, step.SagaID, func(saga *Saga) error {
			if saga.Status != storage.SagaStatusRunning || saga.CurrentStepIndex != step.Order {
				return fmt.Errorf("saga %s moved on: %w", saga.ID, storage.ErrConflict)
			}
			saga.CurrentRetryAttempt = step.RetryAttempts
			saga.NextWakeAt = wakeAt(saga, decision.NextAttemptAt)
			return nil
		})
		if errors.Is(err, storage.ErrConflict) {
			// Rolled back while the step was in flight; it will not run again.
			step.Status = storage.StepStatusFailed
			step.FailedAt = &now
			step.NextAttemptAt = nil
			if err := c.machine.updateStep(ctx, step); err != nil {
				return err
			}
			return c.machine.setWake(ctx, step.SagaID, nil)
		}
		if err != nil {
			return err
		}
		c.machine.logger.Info("Scheduling step for retry",
			zap.String("saga_id", step.SagaID),
			zap.Int("step_order", step.Order),
			zap.Int("retry_attempts", step.RetryAttempts),
			zap.Int("max_retries", step.MaxRetries),
			zap.Time("next_attempt_at", decision.NextAttemptAt))
		return nil
	}

	step.Status = storage.StepStatusFailed
	step.FailedAt = &now
	step.NextAttemptAt = nil
	if err := c.machine.updateStep(ctx, step); err != nil {
		return err
	}
	reason := fmt.Sprintf("step %q failed after %d attempt(s): %s", step.Name, step.RetryAttempts, message)
	_, err := c.machine.rollback(ctx, step.SagaID, reason, storage.SagaStatusRunning)
	if errors.Is(err, storage.ErrConflict) {
		// The saga already left forward execution, e.g. it was aborted.
		return nil
	}
	return err
}

// advanceIndex moves the saga past a completed step and persists the context
// the step produced. If the saga was rolled back meanwhile only the context
// is kept.
func (c *SagaCoordinator) advanceIndex(ctx context.Context, sagaID string, order int, sagaContext SagaContext) error {
	saga, err := c.machine.mutateSaga(ctx, sagaID, func(saga *Saga) error {
		if sagaContext != nil {
			saga.Context = sagaContext
		}
		saga.NextWakeAt = nil
		if saga.Status != storage.SagaStatusRunning || saga.CurrentStepIndex != order {
			return nil
		}
		saga.CurrentStepIndex = order + 1
		saga.CurrentRetryAttempt = 0
		if saga.CurrentStepIndex == saga.TotalSteps {
			now := c.machine.now()
			saga.Status = storage.SagaStatusCompleted
			saga.CompletedAt = &now
		}
		return nil
	})
	if err != nil {
		return err
	}
	if saga.Status == storage.SagaStatusCompleted {
		c.finished(saga)
	}
	return nil
}

func (c *SagaCoordinator) complete(ctx context.Context, saga *Saga) error {
	now := c.machine.now()
	saga.Status = storage.SagaStatusCompleted
	saga.CompletedAt = &now
	if err := c.machine.updateSaga(ctx, saga); err != nil {
		return err
	}
	c.finished(saga)
	return nil
}

func (c *SagaCoordinator) finished(saga *Saga) {
	c.machine.metrics.IncrementCounter(metricSagaFinished, map[string]string{"type": saga.Type, "status": string(saga.Status)})
	c.machine.logger.Info("Saga completed", zap.String("saga_id", saga.ID), zap.String("saga_type", saga.Type))
}

// reportInvariantViolation records the defect on the saga and returns it.
// The saga is flagged and no longer processed; it needs a data or code fix,
// not a retry.
func (c *SagaCoordinator) reportInvariantViolation(ctx context.Context, saga *Saga, violation error) error {
	message := violation.Error()
	c.machine.logger.Error("Saga invariant violated, processing halted",
		zap.String("saga_id", saga.ID),
		zap.Error(violation))
	if !saga.InvariantViolated || saga.ErrorMessage == nil || *saga.ErrorMessage != message {
		saga.ErrorMessage = &message
		saga.InvariantViolated = true
		if err := c.machine.updateSaga(ctx, saga); err != nil && !errors.Is(err, storage.ErrConflict) {
			c.machine.logger.Error("Failed to record invariant violation", zap.String("saga_id", saga.ID), zap.Error(err))
		}
	}
	return violation
}

// RecoverStuckSteps is the worker function of the stuck step sweep. A step
// still running past its deadline counts as a failed attempt; a compensation
// still running past its deadline halts the rollback.
func (c *SagaCoordinator) RecoverStuckSteps(ctx context.Context) error {
	cutoff := c.machine.now().Add(-stuckStepGrace)
	steps, err := c.machine.store.FetchExpiredSteps(ctx,
		[]storage.StepStatus{storage.StepStatusRunning, storage.StepStatusCompensating},
		cutoff, c.batchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch expired steps: %w", err)
	}
	if len(steps) == 0 {
		return nil
	}

	recovered := 0
	for i := range steps {
		if ctx.Err() != nil {
			break
		}
		if err := c.recoverStep(ctx, &steps[i]); err != nil {
			if !errors.Is(err, storage.ErrConflict) {
				c.machine.logger.Error("Failed to recover stuck step",
					zap.String("saga_id", steps[i].SagaID),
					zap.Int("step_order", steps[i].Order),
					zap.Error(err))
			}
			continue
		}
		recovered++
	}

	c.machine.metrics.RecordGauge(metricStuckStepsRecovered, float64(recovered), nil)
	c.machine.logger.Info("Stuck step recovery completed", zap.Int("recovered_count", recovered))
	return nil
}

func (c *SagaCoordinator) recoverStep(ctx context.Context, step *SagaStep) error {
	saga, err := c.machine.store.GetSaga(ctx, step.SagaID)
	if err != nil {
		return fmt.Errorf("failed to get saga %s: %w", step.SagaID, err)
	}

	if step.Status == storage.StepStatusCompensating {
		return c.compensation.halt(ctx, step, errors.New(compensationLostMessage))
	}

	if saga.Status == storage.SagaStatusRunning {
		return c.recordFailure(ctx, step, errors.New(stepTimedOutMessage))
	}

	// The saga is already rolling back; the lost invocation is not retried.
	now := c.machine.now()
	message := stepTimedOutMessage
	step.Status = storage.StepStatusFailed
	step.FailedAt = &now
	step.ErrorMessage = &message
	step.DeadlineAt = nil
	if err := c.machine.updateStep(ctx, step); err != nil {
		return err
	}
	return c.machine.setWake(ctx, step.SagaID, nil)
}

func (c *SagaCoordinator) timeoutOf(step *SagaStep) time.Duration {
	if step.Timeout != nil && *step.Timeout > 0 {
		return *step.Timeout
	}
	return c.defaultStepTimeout
}
