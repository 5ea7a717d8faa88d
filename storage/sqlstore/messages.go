package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/overtonx/sagabus/storage"
)

const messageColumns = `id, topic, payload, status, priority, created_at, updated_at, processed_at,
	expires_at, next_attempt_at, retry_count, max_retries, error_message, correlation_id, headers`

const (
	createMessageQuery = `
		INSERT INTO messages (` + messageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	getMessageQuery = `SELECT ` + messageColumns + ` FROM messages WHERE id = ?`

	fetchDueQuery = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY priority DESC, created_at, id
		LIMIT ?`

	fetchStuckQuery = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at
		LIMIT ?`

	fetchOverdueQuery = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE status IN (?, ?) AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at
		LIMIT ?`

	rescheduleQuery = `
		UPDATE messages
		SET status = ?, retry_count = ?, next_attempt_at = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status = ?`

	failMessageQuery = `
		UPDATE messages
		SET status = ?, retry_count = ?, next_attempt_at = NULL, error_message = ?, updated_at = ?
		WHERE id = ? AND status = ?`
)

func (s *Store) CreateMessage(ctx context.Context, msg *storage.Message) error {
	headers, err := encodeJSON(msg.Headers, len(msg.Headers) == 0)
	if err != nil {
		return fmt.Errorf("failed to encode message headers: %w", err)
	}
	_, err = s.exec(ctx, createMessageQuery,
		msg.ID,
		msg.Topic,
		msg.Payload,
		string(msg.Status),
		msg.Priority,
		msg.CreatedAt.UTC(),
		msg.UpdatedAt.UTC(),
		timeArg(msg.ProcessedAt),
		timeArg(msg.ExpiresAt),
		timeArg(msg.NextAttemptAt),
		msg.RetryCount,
		msg.MaxRetries,
		stringArg(msg.ErrorMessage),
		stringArg(msg.CorrelationID),
		headers,
	)
	if err != nil {
		return fmt.Errorf("failed to save message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*storage.Message, error) {
	msg, err := scanMessage(s.tr(ctx).QueryRowContext(ctx, getMessageQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message %s: %w", id, err)
	}
	return &msg, nil
}

func (s *Store) FetchDueMessages(ctx context.Context, now time.Time, limit int) ([]storage.Message, error) {
	rows, err := s.tr(ctx).QueryContext(ctx, fetchDueQuery, string(storage.MessageStatusPending), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due messages: %w", err)
	}
	return scanMessages(rows)
}

func (s *Store) FetchStuckMessages(ctx context.Context, olderThan time.Time, limit int) ([]storage.Message, error) {
	rows, err := s.tr(ctx).QueryContext(ctx, fetchStuckQuery, string(storage.MessageStatusProcessing), olderThan.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck messages: %w", err)
	}
	return scanMessages(rows)
}

func (s *Store) FetchOverdueMessages(ctx context.Context, now time.Time, limit int) ([]storage.Message, error) {
	rows, err := s.tr(ctx).QueryContext(ctx, fetchOverdueQuery,
		string(storage.MessageStatusPending), string(storage.MessageStatusProcessing), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue messages: %w", err)
	}
	return scanMessages(rows)
}

func (s *Store) UpdateMessageStatus(ctx context.Context, id string, from []storage.MessageStatus, to storage.MessageStatus, at time.Time) error {
	q := s.sb.Update(tableMessages).
		Set("status", string(to)).
		Set("updated_at", at.UTC()).
		Where(sq.Eq{"id": id, "status": statusStrings(from)})
	if to == storage.MessageStatusDelivered {
		q = q.Set("processed_at", at.UTC())
	}
	affected, err := s.execBuilder(ctx, q)
	if err != nil {
		return fmt.Errorf("failed to move message %s to %s: %w", id, to, err)
	}
	if affected == 0 {
		return s.missing(ctx, tableMessages, id)
	}
	return nil
}

func (s *Store) RescheduleMessage(ctx context.Context, id string, from storage.MessageStatus, retryCount int, nextAttemptAt time.Time, lastError string, at time.Time) error {
	affected, err := s.exec(ctx, rescheduleQuery,
		string(storage.MessageStatusPending), retryCount, nextAttemptAt.UTC(), lastError, at.UTC(), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to reschedule message %s: %w", id, err)
	}
	if affected == 0 {
		return s.missing(ctx, tableMessages, id)
	}
	return nil
}

func (s *Store) FailMessage(ctx context.Context, id string, from storage.MessageStatus, retryCount int, dl *storage.DeadLetterMessage) error {
	return s.trManager.Do(ctx, func(ctx context.Context) error {
		affected, err := s.exec(ctx, failMessageQuery,
			string(storage.MessageStatusFailed), retryCount, dl.FailureReason, dl.FailedAt.UTC(), id, string(from))
		if err != nil {
			return fmt.Errorf("failed to mark message %s failed: %w", id, err)
		}
		if affected == 0 {
			return s.missing(ctx, tableMessages, id)
		}
		return s.insertDeadLetter(ctx, dl)
	})
}

func (s *Store) DeleteMessages(ctx context.Context, statuses []storage.MessageStatus, before time.Time) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	q := s.sb.Delete(tableMessages).
		Where(sq.Eq{"status": statusStrings(statuses)}).
		Where(sq.Lt{"updated_at": before.UTC()})
	deleted, err := s.execBuilder(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}
	return deleted, nil
}

func statusStrings(statuses []storage.MessageStatus) []string {
	out := make([]string, len(statuses))
	for i, status := range statuses {
		out[i] = string(status)
	}
	return out
}

func scanMessage(row rowScanner) (storage.Message, error) {
	var (
		msg           storage.Message
		status        string
		processedAt   sql.NullTime
		expiresAt     sql.NullTime
		nextAttemptAt sql.NullTime
		errorMessage  sql.NullString
		correlationID sql.NullString
		headers       []byte
	)
	if err := row.Scan(
		&msg.ID,
		&msg.Topic,
		&msg.Payload,
		&status,
		&msg.Priority,
		&msg.CreatedAt,
		&msg.UpdatedAt,
		&processedAt,
		&expiresAt,
		&nextAttemptAt,
		&msg.RetryCount,
		&msg.MaxRetries,
		&errorMessage,
		&correlationID,
		&headers,
	); err != nil {
		return storage.Message{}, err
	}
	decoded, err := decodeStringMap(headers)
	if err != nil {
		return storage.Message{}, fmt.Errorf("failed to decode headers of message %s: %w", msg.ID, err)
	}
	msg.Status = storage.MessageStatus(status)
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.UpdatedAt = msg.UpdatedAt.UTC()
	msg.ProcessedAt = timePtr(processedAt)
	msg.ExpiresAt = timePtr(expiresAt)
	msg.NextAttemptAt = timePtr(nextAttemptAt)
	msg.ErrorMessage = stringPtr(errorMessage)
	msg.CorrelationID = stringPtr(correlationID)
	msg.Headers = decoded
	return msg, nil
}

func scanMessages(rows *sql.Rows) ([]storage.Message, error) {
	defer rows.Close()
	var messages []storage.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading message rows: %w", err)
	}
	return messages, nil
}
