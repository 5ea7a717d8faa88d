package sagabus

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/sagabus/storage"
)

// CleanupService выполняет очистку старых записей.
// Failed messages are kept for audit next to their dead letters; only
// delivered and expired messages and discarded dead letters are removed.
type CleanupService struct {
	messages            storage.MessageStore
	deadLetters         storage.DeadLetterStore
	logger              *zap.Logger
	metrics             MetricsCollector
	clock               clockwork.Clock
	deliveredRetention  time.Duration
	deadLetterRetention time.Duration
}

// NewCleanupService создает новый экземпляр CleanupService.
func NewCleanupService(
	messages storage.MessageStore,
	deadLetters storage.DeadLetterStore,
	logger *zap.Logger,
	metrics MetricsCollector,
	clock clockwork.Clock,
	opts ...CleanupServiceOption,
) *CleanupService {
	options := &cleanupServiceOptions{
		deliveredRetention:  defaultDeliveredRetention,
		deadLetterRetention: defaultDeadLetterRetention,
	}
	for _, opt := range opts {
		opt(options)
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
	return &CleanupService{
		messages:            messages,
		deadLetters:         deadLetters,
		logger:              logger,
		metrics:             metrics,
		clock:               clock,
		deliveredRetention:  options.deliveredRetention,
		deadLetterRetention: options.deadLetterRetention,
	}
}

// Cleanup - это workFunc для воркера, который выполняет очистку.
// It always returns nil; failures are logged and retried on the next pass.
func (s *CleanupService) Cleanup(ctx context.Context) error {
	start := s.clock.Now()
	defer func() {
		s.metrics.RecordDuration(metricCleanupDuration, s.clock.Since(start), nil)
	}()

	now := start.UTC()
	deleted, err := s.messages.DeleteMessages(ctx,
		[]storage.MessageStatus{storage.MessageStatusDelivered, storage.MessageStatusExpired},
		now.Add(-s.deliveredRetention))
	if err != nil {
		s.logger.Error("Failed to clean up delivered messages", zap.Error(err))
	} else if deleted > 0 {
		s.logger.Info("Cleaned up delivered messages", zap.Int64("count", deleted))
		s.metrics.RecordGauge(metricCleanupDeleted, float64(deleted), map[string]string{"table": "messages"})
	}

	dlDeleted, err := s.deadLetters.DeleteDiscardedDeadLetters(ctx, now.Add(-s.deadLetterRetention))
	if err != nil {
		s.logger.Error("Failed to clean up discarded dead letters", zap.Error(err))
	} else if dlDeleted > 0 {
		s.logger.Info("Cleaned up discarded dead letters", zap.Int64("count", dlDeleted))
		s.metrics.RecordGauge(metricCleanupDeleted, float64(dlDeleted), map[string]string{"table": "dead_letter_messages"})
	}

	return nil
}
