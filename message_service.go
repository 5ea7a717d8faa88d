package sagabus

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/overtonx/sagabus/storage"
)

// PublishRequest describes a message handed to Publish.
type PublishRequest struct {
	Topic         string
	Payload       []byte
	Priority      int
	MaxRetries    int
	ExpiresAt     *time.Time
	CorrelationID *string
	Headers       map[string]string
}

// MessageService owns the delivery lifecycle of messages.
type MessageService struct {
	store     storage.MessageStore
	batches   *BatchTracker
	scheduler *RetryScheduler
	logger    *zap.Logger
	metrics   MetricsCollector
	clock     clockwork.Clock
}

// NewMessageService creates a new MessageService. batches may be nil when
// batch bookkeeping is not needed.
func NewMessageService(
	store storage.MessageStore,
	batches *BatchTracker,
	scheduler *RetryScheduler,
	logger *zap.Logger,
	metrics MetricsCollector,
	clock clockwork.Clock,
) *MessageService {
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
	return &MessageService{
		store:     store,
		batches:   batches,
		scheduler: scheduler,
		logger:    logger,
		metrics:   metrics,
		clock:     clock,
	}
}

// Publish persists a new pending message and returns its id.
// The current trace context is injected into the message headers.
func (s *MessageService) Publish(ctx context.Context, req PublishRequest) (string, error) {
	if req.Topic == "" {
		return "", invalidArgument("topic is required")
	}
	if req.MaxRetries < 0 {
		return "", invalidArgument("max retries must not be negative, got %d", req.MaxRetries)
	}

	headers := make(map[string]string, len(req.Headers))
	maps.Copy(headers, req.Headers)
	otel.GetTextMapPropagator().Inject(ctx, HeaderCarrier(headers))

	now := s.clock.Now().UTC()
	msg := &storage.Message{
		ID:            uuid.NewString(),
		Topic:         req.Topic,
		Payload:       req.Payload,
		Status:        storage.MessageStatusPending,
		Priority:      req.Priority,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     req.ExpiresAt,
		MaxRetries:    req.MaxRetries,
		CorrelationID: req.CorrelationID,
		Headers:       headers,
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("failed to save message: %w", err)
	}

	s.metrics.IncrementCounter(metricMessagePublished, map[string]string{"topic": req.Topic})
	s.logger.Debug("Message published",
		zap.String("message_id", msg.ID),
		zap.String("topic", msg.Topic),
		zap.Int("priority", msg.Priority))
	return msg.ID, nil
}

// Get loads a message.
func (s *MessageService) Get(ctx context.Context, messageID string) (*Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", messageID, err)
	}
	return msg, nil
}

// FetchDue returns pending messages whose next attempt is due, highest
// priority first.
func (s *MessageService) FetchDue(ctx context.Context, limit int) ([]Message, error) {
	msgs, err := s.store.FetchDueMessages(ctx, s.clock.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch due messages: %w", err)
	}
	return msgs, nil
}

// FetchStuck returns processing messages not updated since olderThan.
func (s *MessageService) FetchStuck(ctx context.Context, olderThan time.Time, limit int) ([]Message, error) {
	msgs, err := s.store.FetchStuckMessages(ctx, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stuck messages: %w", err)
	}
	return msgs, nil
}

// MarkProcessing claims a pending message for dispatch. It returns ErrConflict
// when the message is not pending, typically because another worker claimed it.
func (s *MessageService) MarkProcessing(ctx context.Context, messageID string) error {
	err := s.store.UpdateMessageStatus(ctx, messageID,
		[]storage.MessageStatus{storage.MessageStatusPending},
		storage.MessageStatusProcessing,
		s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark message %s as processing: %w", messageID, err)
	}
	return nil
}

// Complete marks a processing message delivered. Completing an already
// delivered message is a no-op.
func (s *MessageService) Complete(ctx context.Context, messageID string) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("failed to get message %s: %w", messageID, err)
	}
	if msg.Status == storage.MessageStatusDelivered {
		return nil
	}

	err = s.store.UpdateMessageStatus(ctx, messageID,
		[]storage.MessageStatus{storage.MessageStatusProcessing},
		storage.MessageStatusDelivered,
		s.clock.Now().UTC())
	if errors.Is(err, storage.ErrConflict) {
		// Another caller may have completed it between the read and the update.
		if current, getErr := s.store.GetMessage(ctx, messageID); getErr == nil && current.Status == storage.MessageStatusDelivered {
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("failed to mark message %s as delivered: %w", messageID, err)
	}

	s.metrics.IncrementCounter(metricMessageDelivered, map[string]string{"topic": msg.Topic})
	s.reportOutcome(ctx, messageID, true)
	return nil
}

// Fail records a failed delivery attempt of a processing message. While the
// retry budget lasts the message returns to pending with a backoff; after
// that it is marked failed and mirrored into the dead-letter store in the
// same transaction. The resulting status is returned.
func (s *MessageService) Fail(ctx context.Context, messageID, reason string) (MessageStatus, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return "", fmt.Errorf("failed to get message %s: %w", messageID, err)
	}
	if msg.Status != storage.MessageStatusProcessing {
		return msg.Status, fmt.Errorf("message %s is %s: %w", messageID, msg.Status, storage.ErrConflict)
	}

	now := s.clock.Now().UTC()
	retryCount := msg.RetryCount + 1
	decision := s.scheduler.Decide(retryCount, msg.MaxRetries, now)
	fields := []zap.Field{
		zap.String("message_id", messageID),
		zap.String("topic", msg.Topic),
		zap.Int("retry_count", retryCount),
		zap.Int("max_retries", msg.MaxRetries),
	}

	if decision.ShouldRetry {
		err := s.store.RescheduleMessage(ctx, messageID, storage.MessageStatusProcessing,
			retryCount, decision.NextAttemptAt, reason, now)
		if err != nil {
			return "", fmt.Errorf("failed to reschedule message %s: %w", messageID, err)
		}
		s.metrics.IncrementCounter(metricMessageRetried, map[string]string{"topic": msg.Topic})
		s.logger.Info("Scheduling message for retry", append(fields,
			zap.Time("next_attempt_at", decision.NextAttemptAt),
			zap.String("reason", reason))...)
		return storage.MessageStatusPending, nil
	}

	deadLetter := &storage.DeadLetterMessage{
		ID:                uuid.NewString(),
		OriginalMessageID: msg.ID,
		Topic:             msg.Topic,
		Payload:           msg.Payload,
		FailureReason:     reason,
		RetryCount:        retryCount,
		FailedAt:          now,
		Headers:           msg.Headers,
	}
	if err := s.store.FailMessage(ctx, messageID, storage.MessageStatusProcessing, retryCount, deadLetter); err != nil {
		return "", fmt.Errorf("failed to move message %s to dead letters: %w", messageID, err)
	}

	s.metrics.IncrementCounter(metricMessageDeadLettered, map[string]string{"topic": msg.Topic})
	s.logger.Warn("Message exhausted retries, moved to dead letters", append(fields,
		zap.String("dead_letter_id", deadLetter.ID),
		zap.String("reason", reason))...)
	s.reportOutcome(ctx, messageID, false)
	return storage.MessageStatusFailed, nil
}

// ExpireOverdue moves pending and processing messages past their expiry to
// expired. It returns how many messages were expired.
func (s *MessageService) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	expired := 0
	for {
		msgs, err := s.store.FetchOverdueMessages(ctx, now, defaultBatchSize)
		if err != nil {
			return expired, fmt.Errorf("failed to fetch overdue messages: %w", err)
		}
		if len(msgs) == 0 {
			return expired, nil
		}

		progressed := false
		for _, msg := range msgs {
			if err := s.expire(ctx, msg, now); err != nil {
				if errors.Is(err, storage.ErrConflict) {
					continue
				}
				return expired, err
			}
			expired++
			progressed = true
		}
		if !progressed || len(msgs) < defaultBatchSize {
			return expired, nil
		}
	}
}

func (s *MessageService) expire(ctx context.Context, msg storage.Message, now time.Time) error {
	err := s.store.UpdateMessageStatus(ctx, msg.ID,
		[]storage.MessageStatus{storage.MessageStatusPending, storage.MessageStatusProcessing},
		storage.MessageStatusExpired,
		now)
	if err != nil {
		return fmt.Errorf("failed to expire message %s: %w", msg.ID, err)
	}
	s.metrics.IncrementCounter(metricMessageExpired, map[string]string{"topic": msg.Topic})
	s.logger.Info("Message expired",
		zap.String("message_id", msg.ID),
		zap.String("topic", msg.Topic),
		zap.Timep("expires_at", msg.ExpiresAt))
	s.reportOutcome(ctx, msg.ID, false)
	return nil
}

func (s *MessageService) reportOutcome(ctx context.Context, messageID string, succeeded bool) {
	if s.batches != nil {
		s.batches.ReportMessageOutcome(ctx, messageID, succeeded)
	}
}
