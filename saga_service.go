package sagabus

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/sagabus/storage"
)

// StepDefinition describes one step of a saga at creation time.
type StepDefinition struct {
	Name                   string `validate:"required,max=255"`
	ServiceName            string `validate:"required,max=100"`
	ActionType             string `validate:"required,max=100"`
	ActionPayload          []byte
	CompensationActionType string `validate:"max=100"`
	CompensationPayload    []byte
	// MaxRetries defaults to the saga's MaxRetryAttempts when nil.
	MaxRetries *int `validate:"omitempty,min=0"`
	Timeout    *time.Duration
	Metadata   map[string]string
}

// CreateSagaRequest is the input of CreateSaga. Steps run in slice order.
type CreateSagaRequest struct {
	Name             string `validate:"required,max=255"`
	Description      string
	Type             string           `validate:"required,max=100"`
	Steps            []StepDefinition `validate:"required,min=1,max=100,dive"`
	CorrelationID    *string
	Context          SagaContext
	Timeout          *time.Duration
	MaxRetryAttempts *int `validate:"omitempty,min=0"`
}

// SagaDetails is a saga together with its steps in execution order.
type SagaDetails struct {
	Saga  Saga
	Steps []SagaStep
}

// SagaService is the producer and operator surface of the saga engine.
type SagaService struct {
	machine  *sagaMachine
	validate *validator.Validate
}

// NewSagaService creates a new SagaService.
func NewSagaService(store storage.SagaStore, logger *zap.Logger, metrics MetricsCollector, clock clockwork.Clock) *SagaService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SagaService{
		machine: &sagaMachine{
			store:   store,
			logger:  logger,
			metrics: metrics,
			clock:   clock,
		},
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// CreateSaga persists a saga and its steps in the Created state and returns
// its id. Only input validation can fail it synchronously.
func (s *SagaService) CreateSaga(ctx context.Context, req CreateSagaRequest) (string, error) {
	if err := s.validate.StructCtx(ctx, req); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			return "", invalidArgument("%s", validationErrs.Error())
		}
		return "", fmt.Errorf("failed to validate saga: %w", err)
	}
	if req.Timeout != nil && *req.Timeout <= 0 {
		return "", invalidArgument("saga timeout must be positive")
	}

	maxRetryAttempts := defaultMaxRetryAttempts
	if req.MaxRetryAttempts != nil {
		maxRetryAttempts = *req.MaxRetryAttempts
	}

	now := s.machine.now()
	saga := &storage.Saga{
		ID:               uuid.NewString(),
		Name:             req.Name,
		Description:      req.Description,
		Type:             req.Type,
		Status:           storage.SagaStatusCreated,
		CreatedAt:        now,
		CorrelationID:    req.CorrelationID,
		Context:          cloneContext(req.Context),
		TotalSteps:       len(req.Steps),
		MaxRetryAttempts: maxRetryAttempts,
		Timeout:          req.Timeout,
	}

	steps := make([]storage.SagaStep, len(req.Steps))
	for i, def := range req.Steps {
		if def.Timeout != nil && *def.Timeout <= 0 {
			return "", invalidArgument("timeout of step %q must be positive", def.Name)
		}
		maxRetries := maxRetryAttempts
		if def.MaxRetries != nil {
			maxRetries = *def.MaxRetries
		}
		var compensation *string
		if def.CompensationActionType != "" {
			compensation = &def.CompensationActionType
		}
		steps[i] = storage.SagaStep{
			ID:                     uuid.NewString(),
			SagaID:                 saga.ID,
			Order:                  i,
			Name:                   def.Name,
			ServiceName:            def.ServiceName,
			ActionType:             def.ActionType,
			ActionPayload:          def.ActionPayload,
			CompensationActionType: compensation,
			CompensationPayload:    def.CompensationPayload,
			Status:                 storage.StepStatusPending,
			CreatedAt:              now,
			MaxRetries:             maxRetries,
			Timeout:                def.Timeout,
			Metadata:               maps.Clone(def.Metadata),
		}
	}

	if err := s.machine.store.CreateSaga(ctx, saga, steps); err != nil {
		return "", fmt.Errorf("failed to create saga: %w", err)
	}

	s.machine.logger.Info("Saga created",
		zap.String("saga_id", saga.ID),
		zap.String("saga_type", saga.Type),
		zap.Int("total_steps", saga.TotalSteps))
	return saga.ID, nil
}

// Get loads a saga and its steps.
func (s *SagaService) Get(ctx context.Context, sagaID string) (*SagaDetails, error) {
	saga, steps, err := s.machine.load(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	return &SagaDetails{Saga: *saga, Steps: steps}, nil
}

// AbortSaga cancels a saga. A saga that has not started fails directly; a
// running one is rolled back as if its current step had exhausted its
// retries. Aborting a compensating saga is a no-op, aborting a finished one
// yields ErrConflict.
func (s *SagaService) AbortSaga(ctx context.Context, sagaID string) error {
	for attempt := 1; ; attempt++ {
		saga, err := s.machine.store.GetSaga(ctx, sagaID)
		if err != nil {
			return fmt.Errorf("failed to get saga %s: %w", sagaID, err)
		}
		switch saga.Status {
		case storage.SagaStatusCompensating:
			return nil
		case storage.SagaStatusCreated, storage.SagaStatusRunning:
		default:
			return fmt.Errorf("saga %s is already %s: %w", sagaID, saga.Status, storage.ErrConflict)
		}

		_, err = s.machine.rollback(ctx, sagaID, "saga aborted", storage.SagaStatusCreated, storage.SagaStatusRunning)
		if err == nil {
			s.machine.logger.Info("Saga aborted", zap.String("saga_id", sagaID))
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) || attempt >= maxCASAttempts {
			return fmt.Errorf("failed to abort saga %s: %w", sagaID, err)
		}
	}
}

// ListStuckCompensations returns sagas whose compensation halted on a failure
// and waits for an operator.
func (s *SagaService) ListStuckCompensations(ctx context.Context, limit, offset int) ([]Saga, error) {
	if limit <= 0 {
		limit = defaultBatchSize
	}
	halted := true
	sagas, err := s.machine.store.ListSagas(ctx, storage.SagaFilter{
		Statuses:           []storage.SagaStatus{storage.SagaStatusCompensating},
		CompensationHalted: &halted,
		Limit:              limit,
		Offset:             offset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck compensations: %w", err)
	}
	return sagas, nil
}

// ListStuckSagas returns every active saga waiting for an operator: halted
// compensations and sagas whose steps violate an invariant.
func (s *SagaService) ListStuckSagas(ctx context.Context, limit, offset int) ([]Saga, error) {
	if limit <= 0 {
		limit = defaultBatchSize
	}
	sagas, err := s.machine.store.ListSagas(ctx, storage.SagaFilter{
		Statuses: []storage.SagaStatus{
			storage.SagaStatusCreated,
			storage.SagaStatusRunning,
			storage.SagaStatusCompensating,
		},
		Stuck:  true,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck sagas: %w", err)
	}
	return sagas, nil
}

// ForceFailCompensation gives up on a halted compensation. The step whose
// compensation failed is marked failed and the saga ends Failed with the
// operator's note appended to its error message.
func (s *SagaService) ForceFailCompensation(ctx context.Context, sagaID, note string) error {
	if note == "" {
		return invalidArgument("an audit note is required to force-fail a compensation")
	}

	saga, steps, err := s.machine.load(ctx, sagaID)
	if err != nil {
		return err
	}
	if err := requireHalted(saga); err != nil {
		return err
	}

	now := s.machine.now()
	for i := range steps {
		if steps[i].Status != storage.StepStatusCompensating {
			continue
		}
		steps[i].Status = storage.StepStatusFailed
		steps[i].FailedAt = &now
		steps[i].DeadlineAt = nil
		if err := s.machine.updateStep(ctx, &steps[i]); err != nil {
			return err
		}
	}

	previous := ""
	if saga.ErrorMessage != nil {
		previous = *saga.ErrorMessage
	}
	message := fmt.Sprintf("%s; compensation force-failed by operator: %s", previous, note)
	saga.Status = storage.SagaStatusFailed
	saga.FailedAt = &now
	saga.ErrorMessage = &message
	saga.CompensationHalted = false
	saga.NextWakeAt = nil
	if err := s.machine.updateSaga(ctx, saga); err != nil {
		return err
	}

	s.machine.metrics.IncrementCounter(metricSagaFinished, map[string]string{"type": saga.Type, "status": string(saga.Status)})
	s.machine.logger.Warn("Compensation force-failed",
		zap.String("saga_id", sagaID),
		zap.String("note", note))
	return nil
}

// ResumeCompensation re-arms a halted compensation: the step whose
// compensation failed returns to Completed and the coordinator retries it on
// its next pass.
func (s *SagaService) ResumeCompensation(ctx context.Context, sagaID string) error {
	saga, steps, err := s.machine.load(ctx, sagaID)
	if err != nil {
		return err
	}
	if err := requireHalted(saga); err != nil {
		return err
	}

	for i := range steps {
		if steps[i].Status != storage.StepStatusCompensating {
			continue
		}
		steps[i].Status = storage.StepStatusCompleted
		steps[i].CompensationStartedAt = nil
		steps[i].DeadlineAt = nil
		if err := s.machine.updateStep(ctx, &steps[i]); err != nil {
			return err
		}
	}

	saga.CompensationHalted = false
	saga.NextWakeAt = nil
	if err := s.machine.updateSaga(ctx, saga); err != nil {
		return err
	}

	s.machine.logger.Info("Compensation resumed", zap.String("saga_id", sagaID))
	return nil
}

func requireHalted(saga *Saga) error {
	if saga.Status != storage.SagaStatusCompensating || !saga.CompensationHalted {
		return fmt.Errorf("saga %s has no halted compensation (status %s): %w", saga.ID, saga.Status, storage.ErrConflict)
	}
	return nil
}
