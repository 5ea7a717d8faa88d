package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional transition did not match the
	// expected current state, usually because another worker moved the row first.
	ErrConflict = errors.New("conflict")
	// ErrAlreadyExists is returned on a duplicate primary or unique key.
	ErrAlreadyExists = errors.New("already exists")
)

// MessageStore persists messages and their delivery lifecycle.
// Every mutating method is a conditional transition and returns ErrConflict
// when the row is not in one of the expected states.
type MessageStore interface {
	// CreateMessage inserts a new message row.
	CreateMessage(ctx context.Context, msg *Message) error
	// GetMessage loads a message by id.
	GetMessage(ctx context.Context, id string) (*Message, error)
	// FetchDueMessages returns pending messages whose next attempt is due,
	// highest priority first, oldest first within a priority.
	FetchDueMessages(ctx context.Context, now time.Time, limit int) ([]Message, error)
	// FetchStuckMessages returns processing messages not touched since olderThan.
	FetchStuckMessages(ctx context.Context, olderThan time.Time, limit int) ([]Message, error)
	// FetchOverdueMessages returns pending or processing messages past their expiry.
	FetchOverdueMessages(ctx context.Context, now time.Time, limit int) ([]Message, error)
	// UpdateMessageStatus moves a message from one of the given states to another.
	// Moving to delivered also stamps processed_at.
	UpdateMessageStatus(ctx context.Context, id string, from []MessageStatus, to MessageStatus, at time.Time) error
	// RescheduleMessage returns a message to pending for another attempt.
	RescheduleMessage(ctx context.Context, id string, from MessageStatus, retryCount int, nextAttemptAt time.Time, lastError string, at time.Time) error
	// FailMessage marks a message failed and inserts its dead letter in one transaction.
	FailMessage(ctx context.Context, id string, from MessageStatus, retryCount int, dl *DeadLetterMessage) error
	// DeleteMessages removes messages in the given states last updated before the cut-off.
	DeleteMessages(ctx context.Context, statuses []MessageStatus, before time.Time) (int64, error)
}

// DeadLetterStore persists quarantined messages.
type DeadLetterStore interface {
	GetDeadLetter(ctx context.Context, id string) (*DeadLetterMessage, error)
	GetDeadLetterByMessageID(ctx context.Context, messageID string) (*DeadLetterMessage, error)
	ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterMessage, error)
	// DiscardDeadLetter sets is_discarded. It never clears it.
	DiscardDeadLetter(ctx context.Context, id string) error
	// ReplayDeadLetter stamps retried_at on a live, not yet retried entry and
	// inserts the replacement message in the same transaction.
	ReplayDeadLetter(ctx context.Context, id string, at time.Time, replay *Message) error
	// DeleteDiscardedDeadLetters removes discarded entries that failed before the cut-off.
	DeleteDiscardedDeadLetters(ctx context.Context, before time.Time) (int64, error)
}

// BatchStore persists message batches and per-message outcomes.
type BatchStore interface {
	CreateBatch(ctx context.Context, batch *MessageBatch) error
	GetBatch(ctx context.Context, id string) (*MessageBatch, error)
	// FindOpenBatchIDs returns the open batches the message belongs to.
	FindOpenBatchIDs(ctx context.Context, messageID string) ([]string, error)
	// RecordBatchOutcome records the outcome of one member at most once and
	// rolls the batch totals up. recorded is false for a duplicate call.
	RecordBatchOutcome(ctx context.Context, batchID, messageID string, succeeded bool, at time.Time) (batch *MessageBatch, recorded bool, err error)
}

// SubscriptionStore persists topic to consumer bindings.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	ListSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]Subscription, error)
	SetSubscriptionActive(ctx context.Context, id string, active bool) error
	// RecordConsumption bumps messages_consumed on an active subscription.
	RecordConsumption(ctx context.Context, id string, at time.Time) error
}

// SagaStore persists sagas and their steps. Sagas and steps are versioned;
// updates compare-and-set on Version and bump it on success.
type SagaStore interface {
	// CreateSaga inserts a saga together with all of its steps.
	CreateSaga(ctx context.Context, saga *Saga, steps []SagaStep) error
	GetSaga(ctx context.Context, id string) (*Saga, error)
	// ListSagaSteps returns the steps of a saga ordered by Order ascending.
	ListSagaSteps(ctx context.Context, sagaID string) ([]SagaStep, error)
	ListSagas(ctx context.Context, filter SagaFilter) ([]Saga, error)
	UpdateSaga(ctx context.Context, saga *Saga) error
	UpdateSagaStep(ctx context.Context, step *SagaStep) error
	// FetchExpiredSteps returns steps in the given states whose deadline passed.
	FetchExpiredSteps(ctx context.Context, statuses []StepStatus, now time.Time, limit int) ([]SagaStep, error)
}

// Store groups every persistence concern of the engine.
type Store interface {
	MessageStore
	DeadLetterStore
	BatchStore
	SubscriptionStore
	SagaStore
}
