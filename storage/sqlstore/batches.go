package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/overtonx/sagabus/storage"
)

const (
	insertBatchQuery = `
		INSERT INTO message_batches (id, batch_name, created_at, completed_at, status, total_messages, processed_messages, failed_messages)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	insertBatchMemberQuery = `INSERT INTO batch_messages (batch_id, message_id, position) VALUES (?, ?, ?)`

	getBatchQuery = `
		SELECT id, batch_name, created_at, completed_at, status, total_messages, processed_messages, failed_messages
		FROM message_batches
		WHERE id = ?`

	lockBatchQuery = getBatchQuery + ` FOR UPDATE`

	batchMembersQuery = `SELECT message_id FROM batch_messages WHERE batch_id = ? ORDER BY position`

	openBatchIDsQuery = `
		SELECT b.id
		FROM message_batches b
		JOIN batch_messages m ON m.batch_id = b.id
		WHERE m.message_id = ? AND b.status = ?
		ORDER BY b.id`

	lockBatchMemberQuery = `SELECT succeeded FROM batch_messages WHERE batch_id = ? AND message_id = ? FOR UPDATE`

	recordMemberOutcomeQuery = `UPDATE batch_messages SET succeeded = ?, recorded_at = ? WHERE batch_id = ? AND message_id = ?`

	updateBatchTotalsQuery = `
		UPDATE message_batches
		SET processed_messages = ?, failed_messages = ?, status = ?, completed_at = ?
		WHERE id = ?`
)

func (s *Store) CreateBatch(ctx context.Context, batch *storage.MessageBatch) error {
	return s.trManager.Do(ctx, func(ctx context.Context) error {
		_, err := s.exec(ctx, insertBatchQuery,
			batch.ID,
			batch.BatchName,
			batch.CreatedAt.UTC(),
			timeArg(batch.CompletedAt),
			string(batch.Status),
			batch.TotalMessages,
			batch.ProcessedMessages,
			batch.FailedMessages,
		)
		if err != nil {
			return fmt.Errorf("failed to save batch %s: %w", batch.ID, err)
		}
		for i, messageID := range batch.MessageIDs {
			if _, err := s.exec(ctx, insertBatchMemberQuery, batch.ID, messageID, i); err != nil {
				return fmt.Errorf("failed to add message %s to batch %s: %w", messageID, batch.ID, err)
			}
		}
		return nil
	})
}

func (s *Store) GetBatch(ctx context.Context, id string) (*storage.MessageBatch, error) {
	return s.loadBatch(ctx, getBatchQuery, id)
}

func (s *Store) FindOpenBatchIDs(ctx context.Context, messageID string) ([]string, error) {
	rows, err := s.tr(ctx).QueryContext(ctx, openBatchIDsQuery, messageID, string(storage.BatchStatusOpen))
	if err != nil {
		return nil, fmt.Errorf("failed to query open batches of message %s: %w", messageID, err)
	}
	return scanStrings(rows)
}

func (s *Store) RecordBatchOutcome(ctx context.Context, batchID, messageID string, succeeded bool, at time.Time) (*storage.MessageBatch, bool, error) {
	var (
		batch    *storage.MessageBatch
		recorded bool
	)
	err := s.trManager.Do(ctx, func(ctx context.Context) error {
		var err error
		batch, err = s.loadBatch(ctx, lockBatchQuery, batchID)
		if err != nil {
			return err
		}

		var outcome sql.NullBool
		err = s.tr(ctx).QueryRowContext(ctx, lockBatchMemberQuery, batchID, messageID).Scan(&outcome)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %s in batch %s: %w", messageID, batchID, storage.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock batch member %s: %w", messageID, err)
		}
		if outcome.Valid {
			return nil
		}

		if _, err := s.exec(ctx, recordMemberOutcomeQuery, succeeded, at.UTC(), batchID, messageID); err != nil {
			return fmt.Errorf("failed to record outcome of message %s: %w", messageID, err)
		}
		if succeeded {
			batch.ProcessedMessages++
		} else {
			batch.FailedMessages++
		}
		if batch.Status == storage.BatchStatusOpen && batch.ProcessedMessages+batch.FailedMessages == batch.TotalMessages {
			completedAt := at.UTC()
			batch.CompletedAt = &completedAt
			batch.Status = storage.BatchStatusCompleted
			if batch.FailedMessages > 0 {
				batch.Status = storage.BatchStatusCompletedWithFailures
			}
		}
		if _, err := s.exec(ctx, updateBatchTotalsQuery,
			batch.ProcessedMessages, batch.FailedMessages, string(batch.Status), timeArg(batch.CompletedAt), batchID); err != nil {
			return fmt.Errorf("failed to update batch %s totals: %w", batchID, err)
		}
		recorded = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return batch, recorded, nil
}

func (s *Store) loadBatch(ctx context.Context, query, id string) (*storage.MessageBatch, error) {
	var (
		batch       storage.MessageBatch
		completedAt sql.NullTime
		status      string
	)
	err := s.tr(ctx).QueryRowContext(ctx, query, id).Scan(
		&batch.ID,
		&batch.BatchName,
		&batch.CreatedAt,
		&completedAt,
		&status,
		&batch.TotalMessages,
		&batch.ProcessedMessages,
		&batch.FailedMessages,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load batch %s: %w", id, err)
	}
	batch.CreatedAt = batch.CreatedAt.UTC()
	batch.CompletedAt = timePtr(completedAt)
	batch.Status = storage.BatchStatus(status)

	rows, err := s.tr(ctx).QueryContext(ctx, batchMembersQuery, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query members of batch %s: %w", id, err)
	}
	batch.MessageIDs, err = scanStrings(rows)
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading rows: %w", err)
	}
	return out, nil
}
