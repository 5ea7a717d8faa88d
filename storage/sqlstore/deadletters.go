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

const deadLetterColumns = `id, original_message_id, topic, payload, failure_reason, retry_count,
	failed_at, retried_at, is_discarded, stack_trace, headers`

const (
	insertDeadLetterQuery = `
		INSERT INTO dead_letter_messages (` + deadLetterColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	getDeadLetterQuery = `SELECT ` + deadLetterColumns + ` FROM dead_letter_messages WHERE id = ?`

	getDeadLetterByMessageQuery = `SELECT ` + deadLetterColumns + ` FROM dead_letter_messages WHERE original_message_id = ?`

	discardDeadLetterQuery = `UPDATE dead_letter_messages SET is_discarded = TRUE WHERE id = ? AND is_discarded = FALSE`

	replayDeadLetterQuery = `
		UPDATE dead_letter_messages
		SET retried_at = ?
		WHERE id = ? AND is_discarded = FALSE AND retried_at IS NULL`

	deleteDiscardedQuery = `DELETE FROM dead_letter_messages WHERE is_discarded = TRUE AND failed_at < ?`
)

func (s *Store) insertDeadLetter(ctx context.Context, dl *storage.DeadLetterMessage) error {
	headers, err := encodeJSON(dl.Headers, len(dl.Headers) == 0)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter headers: %w", err)
	}
	_, err = s.exec(ctx, insertDeadLetterQuery,
		dl.ID,
		dl.OriginalMessageID,
		dl.Topic,
		dl.Payload,
		dl.FailureReason,
		dl.RetryCount,
		dl.FailedAt.UTC(),
		timeArg(dl.RetriedAt),
		dl.IsDiscarded,
		stringArg(dl.StackTrace),
		headers,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter for message %s: %w", dl.OriginalMessageID, err)
	}
	return nil
}

func (s *Store) GetDeadLetter(ctx context.Context, id string) (*storage.DeadLetterMessage, error) {
	return s.getDeadLetter(ctx, getDeadLetterQuery, id)
}

func (s *Store) GetDeadLetterByMessageID(ctx context.Context, messageID string) (*storage.DeadLetterMessage, error) {
	return s.getDeadLetter(ctx, getDeadLetterByMessageQuery, messageID)
}

func (s *Store) getDeadLetter(ctx context.Context, query, key string) (*storage.DeadLetterMessage, error) {
	dl, err := scanDeadLetter(s.tr(ctx).QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dead letter %s: %w", key, err)
	}
	return &dl, nil
}

func (s *Store) ListDeadLetters(ctx context.Context, filter storage.DeadLetterFilter) ([]storage.DeadLetterMessage, error) {
	q := s.sb.Select(deadLetterColumns).From(tableDeadLetters)
	if filter.Topic != "" {
		q = q.Where(sq.Eq{"topic": filter.Topic})
	}
	if !filter.IncludeDiscarded {
		q = q.Where(sq.Eq{"is_discarded": false})
	}
	q = offsetLimit(q.OrderBy("failed_at", "id"), filter.Offset, filter.Limit)

	rows, err := s.queryBuilder(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var out []storage.DeadLetterMessage
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter row: %w", err)
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading dead letter rows: %w", err)
	}
	return out, nil
}

func (s *Store) DiscardDeadLetter(ctx context.Context, id string) error {
	affected, err := s.exec(ctx, discardDeadLetterQuery, id)
	if err != nil {
		return fmt.Errorf("failed to discard dead letter %s: %w", id, err)
	}
	if affected > 0 {
		return nil
	}
	// Already discarded is not an error.
	if err := s.missing(ctx, tableDeadLetters, id); !errors.Is(err, storage.ErrConflict) {
		return err
	}
	return nil
}

func (s *Store) ReplayDeadLetter(ctx context.Context, id string, at time.Time, replay *storage.Message) error {
	return s.trManager.Do(ctx, func(ctx context.Context) error {
		affected, err := s.exec(ctx, replayDeadLetterQuery, at.UTC(), id)
		if err != nil {
			return fmt.Errorf("failed to stamp dead letter %s: %w", id, err)
		}
		if affected == 0 {
			return s.missing(ctx, tableDeadLetters, id)
		}
		return s.CreateMessage(ctx, replay)
	})
}

func (s *Store) DeleteDiscardedDeadLetters(ctx context.Context, before time.Time) (int64, error) {
	deleted, err := s.exec(ctx, deleteDiscardedQuery, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete discarded dead letters: %w", err)
	}
	return deleted, nil
}

func scanDeadLetter(row rowScanner) (storage.DeadLetterMessage, error) {
	var (
		dl         storage.DeadLetterMessage
		retriedAt  sql.NullTime
		stackTrace sql.NullString
		headers    []byte
	)
	if err := row.Scan(
		&dl.ID,
		&dl.OriginalMessageID,
		&dl.Topic,
		&dl.Payload,
		&dl.FailureReason,
		&dl.RetryCount,
		&dl.FailedAt,
		&retriedAt,
		&dl.IsDiscarded,
		&stackTrace,
		&headers,
	); err != nil {
		return storage.DeadLetterMessage{}, err
	}
	decoded, err := decodeStringMap(headers)
	if err != nil {
		return storage.DeadLetterMessage{}, fmt.Errorf("failed to decode headers of dead letter %s: %w", dl.ID, err)
	}
	dl.FailedAt = dl.FailedAt.UTC()
	dl.RetriedAt = timePtr(retriedAt)
	dl.StackTrace = stringPtr(stackTrace)
	dl.Headers = decoded
	return dl, nil
}
