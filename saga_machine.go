package sagabus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/sagabus/storage"
)

// maxCASAttempts bounds how often a saga update is re-read and re-applied
// after losing a compare-and-set race.
const maxCASAttempts = 3

// sagaMachine holds the persisted saga transitions that are shared by the
// coordinator, the compensation engine and the operator API. It never caches
// rows: every transition starts from a fresh read.
type sagaMachine struct {
	store   storage.SagaStore
	logger  *zap.Logger
	metrics MetricsCollector
	clock   clockwork.Clock
}

func (m *sagaMachine) now() time.Time {
	return m.clock.Now().UTC()
}

func (m *sagaMachine) load(ctx context.Context, sagaID string) (*Saga, []SagaStep, error) {
	saga, err := m.store.GetSaga(ctx, sagaID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get saga %s: %w", sagaID, err)
	}
	steps, err := m.store.ListSagaSteps(ctx, sagaID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list steps of saga %s: %w", sagaID, err)
	}
	return saga, steps, nil
}

// mutateSaga re-reads the saga and applies fn until the compare-and-set
// succeeds. An error from fn abandons the update and is returned as is.
func (m *sagaMachine) mutateSaga(ctx context.Context, sagaID string, fn func(*Saga) error) (*Saga, error) {
	for attempt := 1; ; attempt++ {
		saga, err := m.store.GetSaga(ctx, sagaID)
		if err != nil {
			return nil, fmt.Errorf("failed to get saga %s: %w", sagaID, err)
		}
		if err := fn(saga); err != nil {
			return nil, err
		}
		err = m.store.UpdateSaga(ctx, saga)
		if err == nil {
			return saga, nil
		}
		if !errors.Is(err, storage.ErrConflict) || attempt >= maxCASAttempts {
			return nil, fmt.Errorf("failed to update saga %s: %w", sagaID, err)
		}
	}
}

func (m *sagaMachine) updateSaga(ctx context.Context, saga *Saga) error {
	if err := m.store.UpdateSaga(ctx, saga); err != nil {
		return fmt.Errorf("failed to update saga %s: %w", saga.ID, err)
	}
	return nil
}

func (m *sagaMachine) updateStep(ctx context.Context, step *SagaStep) error {
	if err := m.store.UpdateSagaStep(ctx, step); err != nil {
		return fmt.Errorf("failed to update step %d of saga %s: %w", step.Order, step.SagaID, err)
	}
	return nil
}

// setWake records when the saga next needs a worker; nil means now.
func (m *sagaMachine) setWake(ctx context.Context, sagaID string, at *time.Time) error {
	_, err := m.mutateSaga(ctx, sagaID, func(saga *Saga) error {
		saga.NextWakeAt = at
		return nil
	})
	return err
}

// wakeAt caps t at the saga timeout so a waiting saga is still seen when it
// expires.
func wakeAt(saga *Saga, t time.Time) *time.Time {
	if saga.Timeout != nil && saga.StartedAt != nil {
		if expiry := saga.StartedAt.Add(*saga.Timeout); expiry.Before(t) {
			t = expiry
		}
	}
	return &t
}

// rollback takes a saga out of forward execution. Pending steps are skipped,
// then the saga moves to Compensating when some step completed or may still
// complete, or straight to Failed when nothing ran.
func (m *sagaMachine) rollback(ctx context.Context, sagaID, reason string, from ...SagaStatus) (SagaStatus, error) {
	saga, steps, err := m.load(ctx, sagaID)
	if err != nil {
		return "", err
	}
	if !slices.Contains(from, saga.Status) {
		return saga.Status, fmt.Errorf("saga %s is %s: %w", sagaID, saga.Status, storage.ErrConflict)
	}

	now := m.now()
	needsCompensation := false
	var inFlightUntil *time.Time
	for i := range steps {
		switch steps[i].Status {
		case storage.StepStatusRunning:
			needsCompensation = true
			if d := steps[i].DeadlineAt; d != nil && (inFlightUntil == nil || d.After(*inFlightUntil)) {
				inFlightUntil = d
			}
		case storage.StepStatusCompleted:
			needsCompensation = true
		case storage.StepStatusPending:
			steps[i].Status = storage.StepStatusSkipped
			steps[i].NextAttemptAt = nil
			if err := m.updateStep(ctx, &steps[i]); err != nil {
				return "", err
			}
		}
	}

	saga.ErrorMessage = &reason
	// An in-flight step settles by its deadline; until then there is nothing
	// to compensate.
	saga.NextWakeAt = inFlightUntil
	if needsCompensation {
		saga.Status = storage.SagaStatusCompensating
	} else {
		saga.Status = storage.SagaStatusFailed
		saga.FailedAt = &now
	}
	if err := m.updateSaga(ctx, saga); err != nil {
		return "", err
	}

	m.logger.Warn("Saga rolled back",
		zap.String("saga_id", sagaID),
		zap.String("status", string(saga.Status)),
		zap.String("reason", reason))
	if saga.Status == storage.SagaStatusFailed {
		m.metrics.IncrementCounter(metricSagaFinished, map[string]string{"type": saga.Type, "status": string(saga.Status)})
	}
	return saga.Status, nil
}

// checkStepOrder verifies that steps carry the orders 0..TotalSteps-1 exactly once.
func checkStepOrder(saga *Saga, steps []SagaStep) error {
	if len(steps) != saga.TotalSteps {
		return invariantViolation("saga %s has %d steps, expected %d", saga.ID, len(steps), saga.TotalSteps)
	}
	for i, step := range steps {
		if step.Order != i {
			return invariantViolation("saga %s: expected step order %d, found %d", saga.ID, i, step.Order)
		}
	}
	return nil
}
