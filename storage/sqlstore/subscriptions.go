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

const subscriptionColumns = `id, topic, consumer_name, queue_name, is_active, created_at,
	last_activity_at, messages_consumed, configuration`

const (
	insertSubscriptionQuery = `
		INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	getSubscriptionQuery = `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = ?`

	setSubscriptionActiveQuery = `UPDATE subscriptions SET is_active = ? WHERE id = ? AND is_active <> ?`

	recordConsumptionQuery = `
		UPDATE subscriptions
		SET messages_consumed = messages_consumed + 1, last_activity_at = ?
		WHERE id = ? AND is_active = TRUE`
)

func (s *Store) CreateSubscription(ctx context.Context, sub *storage.Subscription) error {
	configuration, err := encodeJSON(sub.Configuration, len(sub.Configuration) == 0)
	if err != nil {
		return fmt.Errorf("failed to encode subscription configuration: %w", err)
	}
	_, err = s.exec(ctx, insertSubscriptionQuery,
		sub.ID,
		sub.Topic,
		sub.ConsumerName,
		sub.QueueName,
		sub.IsActive,
		sub.CreatedAt.UTC(),
		timeArg(sub.LastActivityAt),
		sub.MessagesConsumed,
		configuration,
	)
	if err != nil {
		return fmt.Errorf("failed to save subscription %s/%s: %w", sub.Topic, sub.ConsumerName, err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, id string) (*storage.Subscription, error) {
	sub, err := scanSubscription(s.tr(ctx).QueryRowContext(ctx, getSubscriptionQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription %s: %w", id, err)
	}
	return &sub, nil
}

func (s *Store) ListSubscriptions(ctx context.Context, filter storage.SubscriptionFilter) ([]storage.Subscription, error) {
	q := s.sb.Select(subscriptionColumns).From(tableSubscriptions)
	if filter.Topic != "" {
		q = q.Where(sq.Eq{"topic": filter.Topic})
	}
	if filter.ActiveOnly {
		q = q.Where(sq.Eq{"is_active": true})
	}
	rows, err := s.queryBuilder(ctx, q.OrderBy("topic", "consumer_name"))
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []storage.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription row: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading subscription rows: %w", err)
	}
	return out, nil
}

func (s *Store) SetSubscriptionActive(ctx context.Context, id string, active bool) error {
	affected, err := s.exec(ctx, setSubscriptionActiveQuery, active, id, active)
	if err != nil {
		return fmt.Errorf("failed to update subscription %s: %w", id, err)
	}
	if affected > 0 {
		return nil
	}
	// Already in the requested state.
	if err := s.missing(ctx, tableSubscriptions, id); !errors.Is(err, storage.ErrConflict) {
		return err
	}
	return nil
}

func (s *Store) RecordConsumption(ctx context.Context, id string, at time.Time) error {
	affected, err := s.exec(ctx, recordConsumptionQuery, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record consumption on subscription %s: %w", id, err)
	}
	if affected == 0 {
		return s.missing(ctx, tableSubscriptions, id)
	}
	return nil
}

func scanSubscription(row rowScanner) (storage.Subscription, error) {
	var (
		sub            storage.Subscription
		lastActivityAt sql.NullTime
		configuration  []byte
	)
	if err := row.Scan(
		&sub.ID,
		&sub.Topic,
		&sub.ConsumerName,
		&sub.QueueName,
		&sub.IsActive,
		&sub.CreatedAt,
		&lastActivityAt,
		&sub.MessagesConsumed,
		&configuration,
	); err != nil {
		return storage.Subscription{}, err
	}
	decoded, err := decodeStringMap(configuration)
	if err != nil {
		return storage.Subscription{}, fmt.Errorf("failed to decode configuration of subscription %s: %w", sub.ID, err)
	}
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.LastActivityAt = timePtr(lastActivityAt)
	sub.Configuration = decoded
	return sub, nil
}
