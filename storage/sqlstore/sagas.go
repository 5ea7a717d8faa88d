package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/overtonx/sagabus/storage"
)

const sagaColumns = `id, name, description, saga_type, status, created_at, started_at, completed_at,
	failed_at, error_message, correlation_id, context, current_step_index, total_steps,
	max_retry_attempts, current_retry_attempt, timeout_ms, compensation_halted, invariant_violated,
	next_wake_at, version`

const stepColumns = `id, saga_id, step_order, name, service_name, action_type, action_payload,
	compensation_action_type, compensation_payload, status, created_at, started_at, completed_at,
	failed_at, compensation_started_at, compensation_completed_at, error_message, response_payload,
	retry_attempts, max_retries, timeout_ms, next_attempt_at, deadline_at, metadata, version`

const (
	insertSagaQuery = `
		INSERT INTO sagas (` + sagaColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertStepQuery = `
		INSERT INTO saga_steps (` + stepColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	getSagaQuery = `SELECT ` + sagaColumns + ` FROM sagas WHERE id = ?`

	listStepsQuery = `SELECT ` + stepColumns + ` FROM saga_steps WHERE saga_id = ? ORDER BY step_order`

	updateSagaQuery = `
		UPDATE sagas
		SET status = ?, started_at = ?, completed_at = ?, failed_at = ?, error_message = ?, context = ?,
			current_step_index = ?, current_retry_attempt = ?, compensation_halted = ?, invariant_violated = ?,
			next_wake_at = ?, version = version + 1
		WHERE id = ? AND version = ?`

	updateStepQuery = `
		UPDATE saga_steps
		SET status = ?, started_at = ?, completed_at = ?, failed_at = ?, compensation_started_at = ?,
			compensation_completed_at = ?, error_message = ?, response_payload = ?, retry_attempts = ?,
			next_attempt_at = ?, deadline_at = ?, metadata = ?, version = version + 1
		WHERE id = ? AND version = ?`
)

func (s *Store) CreateSaga(ctx context.Context, saga *storage.Saga, steps []storage.SagaStep) error {
	return s.trManager.Do(ctx, func(ctx context.Context) error {
		sagaContext, err := encodeJSON(saga.Context, saga.Context == nil)
		if err != nil {
			return fmt.Errorf("failed to encode saga context: %w", err)
		}
		_, err = s.exec(ctx, insertSagaQuery,
			saga.ID,
			saga.Name,
			saga.Description,
			saga.Type,
			string(saga.Status),
			saga.CreatedAt.UTC(),
			timeArg(saga.StartedAt),
			timeArg(saga.CompletedAt),
			timeArg(saga.FailedAt),
			stringArg(saga.ErrorMessage),
			stringArg(saga.CorrelationID),
			sagaContext,
			saga.CurrentStepIndex,
			saga.TotalSteps,
			saga.MaxRetryAttempts,
			saga.CurrentRetryAttempt,
			durationArg(saga.Timeout),
			saga.CompensationHalted,
			saga.InvariantViolated,
			timeArg(saga.NextWakeAt),
			saga.Version,
		)
		if err != nil {
			return fmt.Errorf("failed to save saga %s: %w", saga.ID, err)
		}
		for i := range steps {
			if err := s.insertStep(ctx, &steps[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) insertStep(ctx context.Context, step *storage.SagaStep) error {
	metadata, err := encodeJSON(step.Metadata, len(step.Metadata) == 0)
	if err != nil {
		return fmt.Errorf("failed to encode step metadata: %w", err)
	}
	_, err = s.exec(ctx, insertStepQuery,
		step.ID,
		step.SagaID,
		step.Order,
		step.Name,
		step.ServiceName,
		step.ActionType,
		step.ActionPayload,
		stringArg(step.CompensationActionType),
		step.CompensationPayload,
		string(step.Status),
		step.CreatedAt.UTC(),
		timeArg(step.StartedAt),
		timeArg(step.CompletedAt),
		timeArg(step.FailedAt),
		timeArg(step.CompensationStartedAt),
		timeArg(step.CompensationCompletedAt),
		stringArg(step.ErrorMessage),
		step.ResponsePayload,
		step.RetryAttempts,
		step.MaxRetries,
		durationArg(step.Timeout),
		timeArg(step.NextAttemptAt),
		timeArg(step.DeadlineAt),
		metadata,
		step.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to save step %d of saga %s: %w", step.Order, step.SagaID, err)
	}
	return nil
}

func (s *Store) GetSaga(ctx context.Context, id string) (*storage.Saga, error) {
	saga, err := scanSaga(s.tr(ctx).QueryRowContext(ctx, getSagaQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load saga %s: %w", id, err)
	}
	return &saga, nil
}

func (s *Store) ListSagaSteps(ctx context.Context, sagaID string) ([]storage.SagaStep, error) {
	rows, err := s.tr(ctx).QueryContext(ctx, listStepsQuery, sagaID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps of saga %s: %w", sagaID, err)
	}
	return scanSteps(rows)
}

func (s *Store) ListSagas(ctx context.Context, filter storage.SagaFilter) ([]storage.Saga, error) {
	q := s.sb.Select(sagaColumns).From(tableSagas)
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			statuses[i] = string(status)
		}
		q = q.Where(sq.Eq{"status": statuses})
	}
	if filter.CompensationHalted != nil {
		q = q.Where(sq.Eq{"compensation_halted": *filter.CompensationHalted})
	}
	if filter.InvariantViolated != nil {
		q = q.Where(sq.Eq{"invariant_violated": *filter.InvariantViolated})
	}
	if filter.DueBy != nil {
		q = q.Where(sq.Or{sq.Eq{"next_wake_at": nil}, sq.LtOrEq{"next_wake_at": filter.DueBy.UTC()}})
	}
	if filter.Stuck {
		q = q.Where(sq.Or{sq.Eq{"compensation_halted": true}, sq.Eq{"invariant_violated": true}})
	}
	if filter.Type != "" {
		q = q.Where(sq.Eq{"saga_type": filter.Type})
	}
	q = offsetLimit(q.OrderBy("created_at", "id"), filter.Offset, filter.Limit)

	rows, err := s.queryBuilder(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query sagas: %w", err)
	}
	defer rows.Close()

	var out []storage.Saga
	for rows.Next() {
		saga, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan saga row: %w", err)
		}
		out = append(out, saga)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading saga rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateSaga(ctx context.Context, saga *storage.Saga) error {
	sagaContext, err := encodeJSON(saga.Context, saga.Context == nil)
	if err != nil {
		return fmt.Errorf("failed to encode saga context: %w", err)
	}
	affected, err := s.exec(ctx, updateSagaQuery,
		string(saga.Status),
		timeArg(saga.StartedAt),
		timeArg(saga.CompletedAt),
		timeArg(saga.FailedAt),
		stringArg(saga.ErrorMessage),
		sagaContext,
		saga.CurrentStepIndex,
		saga.CurrentRetryAttempt,
		saga.CompensationHalted,
		saga.InvariantViolated,
		timeArg(saga.NextWakeAt),
		saga.ID,
		saga.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update saga %s: %w", saga.ID, err)
	}
	if affected == 0 {
		return s.missing(ctx, tableSagas, saga.ID)
	}
	saga.Version++
	return nil
}

func (s *Store) UpdateSagaStep(ctx context.Context, step *storage.SagaStep) error {
	metadata, err := encodeJSON(step.Metadata, len(step.Metadata) == 0)
	if err != nil {
		return fmt.Errorf("failed to encode step metadata: %w", err)
	}
	affected, err := s.exec(ctx, updateStepQuery,
		string(step.Status),
		timeArg(step.StartedAt),
		timeArg(step.CompletedAt),
		timeArg(step.FailedAt),
		timeArg(step.CompensationStartedAt),
		timeArg(step.CompensationCompletedAt),
		stringArg(step.ErrorMessage),
		step.ResponsePayload,
		step.RetryAttempts,
		timeArg(step.NextAttemptAt),
		timeArg(step.DeadlineAt),
		metadata,
		step.ID,
		step.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update step %s: %w", step.ID, err)
	}
	if affected == 0 {
		return s.missing(ctx, tableSagaSteps, step.ID)
	}
	step.Version++
	return nil
}

func (s *Store) FetchExpiredSteps(ctx context.Context, statuses []storage.StepStatus, now time.Time, limit int) ([]storage.SagaStep, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, len(statuses))
	for i, status := range statuses {
		values[i] = string(status)
	}
	q := s.sb.Select(stepColumns).From(tableSagaSteps).
		Where(sq.Eq{"status": values}).
		Where(sq.Lt{"deadline_at": now.UTC()}).
		OrderBy("deadline_at")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	rows, err := s.queryBuilder(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired steps: %w", err)
	}
	return scanSteps(rows)
}

func scanSaga(row rowScanner) (storage.Saga, error) {
	var (
		saga          storage.Saga
		description   sql.NullString
		status        string
		startedAt     sql.NullTime
		completedAt   sql.NullTime
		failedAt      sql.NullTime
		errorMessage  sql.NullString
		correlationID sql.NullString
		sagaContext   []byte
		timeout       sql.NullInt64
		nextWakeAt    sql.NullTime
	)
	if err := row.Scan(
		&saga.ID,
		&saga.Name,
		&description,
		&saga.Type,
		&status,
		&saga.CreatedAt,
		&startedAt,
		&completedAt,
		&failedAt,
		&errorMessage,
		&correlationID,
		&sagaContext,
		&saga.CurrentStepIndex,
		&saga.TotalSteps,
		&saga.MaxRetryAttempts,
		&saga.CurrentRetryAttempt,
		&timeout,
		&saga.CompensationHalted,
		&saga.InvariantViolated,
		&nextWakeAt,
		&saga.Version,
	); err != nil {
		return storage.Saga{}, err
	}
	if len(sagaContext) > 0 {
		if err := json.Unmarshal(sagaContext, &saga.Context); err != nil {
			return storage.Saga{}, fmt.Errorf("failed to decode context of saga %s: %w", saga.ID, err)
		}
	}
	saga.Description = description.String
	saga.Status = storage.SagaStatus(status)
	saga.CreatedAt = saga.CreatedAt.UTC()
	saga.StartedAt = timePtr(startedAt)
	saga.CompletedAt = timePtr(completedAt)
	saga.FailedAt = timePtr(failedAt)
	saga.ErrorMessage = stringPtr(errorMessage)
	saga.CorrelationID = stringPtr(correlationID)
	saga.Timeout = durationPtr(timeout)
	saga.NextWakeAt = timePtr(nextWakeAt)
	return saga, nil
}

func scanStep(row rowScanner) (storage.SagaStep, error) {
	var (
		step                    storage.SagaStep
		compensationActionType  sql.NullString
		status                  string
		startedAt               sql.NullTime
		completedAt             sql.NullTime
		failedAt                sql.NullTime
		compensationStartedAt   sql.NullTime
		compensationCompletedAt sql.NullTime
		errorMessage            sql.NullString
		timeout                 sql.NullInt64
		nextAttemptAt           sql.NullTime
		deadlineAt              sql.NullTime
		metadata                []byte
	)
	if err := row.Scan(
		&step.ID,
		&step.SagaID,
		&step.Order,
		&step.Name,
		&step.ServiceName,
		&step.ActionType,
		&step.ActionPayload,
		&compensationActionType,
		&step.CompensationPayload,
		&status,
		&step.CreatedAt,
		&startedAt,
		&completedAt,
		&failedAt,
		&compensationStartedAt,
		&compensationCompletedAt,
		&errorMessage,
		&step.ResponsePayload,
		&step.RetryAttempts,
		&step.MaxRetries,
		&timeout,
		&nextAttemptAt,
		&deadlineAt,
		&metadata,
		&step.Version,
	); err != nil {
		return storage.SagaStep{}, err
	}
	decoded, err := decodeStringMap(metadata)
	if err != nil {
		return storage.SagaStep{}, fmt.Errorf("failed to decode metadata of step %s: %w", step.ID, err)
	}
	step.CompensationActionType = stringPtr(compensationActionType)
	step.Status = storage.StepStatus(status)
	step.CreatedAt = step.CreatedAt.UTC()
	step.StartedAt = timePtr(startedAt)
	step.CompletedAt = timePtr(completedAt)
	step.FailedAt = timePtr(failedAt)
	step.CompensationStartedAt = timePtr(compensationStartedAt)
	step.CompensationCompletedAt = timePtr(compensationCompletedAt)
	step.ErrorMessage = stringPtr(errorMessage)
	step.Timeout = durationPtr(timeout)
	step.NextAttemptAt = timePtr(nextAttemptAt)
	step.DeadlineAt = timePtr(deadlineAt)
	step.Metadata = decoded
	return step, nil
}

func scanSteps(rows *sql.Rows) ([]storage.SagaStep, error) {
	defer rows.Close()
	var out []storage.SagaStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		out = append(out, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading step rows: %w", err)
	}
	return out, nil
}
