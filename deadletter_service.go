package sagabus

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/sagabus/storage"
)

// DeadLetterService is the operator surface over quarantined messages.
type DeadLetterService struct {
	deadLetters storage.DeadLetterStore
	messages    storage.MessageStore
	logger      *zap.Logger
	metrics     MetricsCollector
	clock       clockwork.Clock
}

// NewDeadLetterService создает новый экземпляр DeadLetterService.
func NewDeadLetterService(
	deadLetters storage.DeadLetterStore,
	messages storage.MessageStore,
	logger *zap.Logger,
	metrics MetricsCollector,
	clock clockwork.Clock,
) *DeadLetterService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &DeadLetterService{
		deadLetters: deadLetters,
		messages:    messages,
		logger:      logger,
		metrics:     metrics,
		clock:       clock,
	}
}

// List returns dead letters matching filter, oldest failure first.
func (s *DeadLetterService) List(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterMessage, error) {
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, invalidArgument("limit and offset must not be negative")
	}
	if filter.Limit == 0 {
		filter.Limit = defaultBatchSize
	}
	entries, err := s.deadLetters.ListDeadLetters(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return entries, nil
}

// Get loads a dead letter by id.
func (s *DeadLetterService) Get(ctx context.Context, id string) (*DeadLetterMessage, error) {
	dl, err := s.deadLetters.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter %s: %w", id, err)
	}
	return dl, nil
}

// GetByMessageID loads the dead letter mirroring a failed message.
func (s *DeadLetterService) GetByMessageID(ctx context.Context, messageID string) (*DeadLetterMessage, error) {
	dl, err := s.deadLetters.GetDeadLetterByMessageID(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter of message %s: %w", messageID, err)
	}
	return dl, nil
}

// Discard marks a dead letter as discarded. Discarding twice is a no-op and
// a discarded entry can never be un-discarded.
func (s *DeadLetterService) Discard(ctx context.Context, id string) error {
	if err := s.deadLetters.DiscardDeadLetter(ctx, id); err != nil {
		return fmt.Errorf("failed to discard dead letter %s: %w", id, err)
	}
	s.metrics.IncrementCounter(metricDeadLetterDiscarded, nil)
	s.logger.Info("Dead letter discarded", zap.String("dead_letter_id", id))
	return nil
}

// RetryFromDeadLetter emits a brand-new pending message with the payload of
// the dead letter and stamps retried_at on the entry. The original message
// stays failed. Discarded or already retried entries yield ErrConflict.
func (s *DeadLetterService) RetryFromDeadLetter(ctx context.Context, id string) (string, error) {
	dl, err := s.deadLetters.GetDeadLetter(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to get dead letter %s: %w", id, err)
	}
	if dl.IsDiscarded {
		return "", fmt.Errorf("dead letter %s is discarded: %w", id, storage.ErrConflict)
	}
	if dl.RetriedAt != nil {
		return "", fmt.Errorf("dead letter %s was already retried: %w", id, storage.ErrConflict)
	}

	now := s.clock.Now().UTC()
	headers := make(map[string]string, len(dl.Headers)+1)
	maps.Copy(headers, dl.Headers)
	headers[HeaderReplayedFrom] = dl.ID

	replay := &storage.Message{
		ID:         uuid.NewString(),
		Topic:      dl.Topic,
		Payload:    dl.Payload,
		Status:     storage.MessageStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: defaultMaxRetryAttempts,
		Headers:    headers,
	}

	original, err := s.messages.GetMessage(ctx, dl.OriginalMessageID)
	switch {
	case err == nil:
		replay.Priority = original.Priority
		replay.MaxRetries = original.MaxRetries
		replay.CorrelationID = original.CorrelationID
	case errors.Is(err, storage.ErrNotFound):
		s.logger.Warn("Original message of dead letter is gone, replaying with defaults",
			zap.String("dead_letter_id", id),
			zap.String("message_id", dl.OriginalMessageID))
	default:
		return "", fmt.Errorf("failed to get original message %s: %w", dl.OriginalMessageID, err)
	}

	if err := s.deadLetters.ReplayDeadLetter(ctx, id, now, replay); err != nil {
		return "", fmt.Errorf("failed to replay dead letter %s: %w", id, err)
	}

	s.metrics.IncrementCounter(metricDeadLetterReplayed, map[string]string{"topic": dl.Topic})
	s.logger.Info("Dead letter replayed",
		zap.String("dead_letter_id", id),
		zap.String("original_message_id", dl.OriginalMessageID),
		zap.String("message_id", replay.ID))
	return replay.ID, nil
}
