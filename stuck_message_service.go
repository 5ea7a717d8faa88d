package sagabus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/sagabus/storage"
)

// StuckMessageService finds messages that have been in the processing state
// for too long, usually because the worker that claimed them died, and counts
// the lost attempt as a failure.
type StuckMessageService struct {
	messages     *MessageService
	logger       *zap.Logger
	metrics      MetricsCollector
	clock        clockwork.Clock
	batchSize    int
	stuckTimeout time.Duration
}

// NewStuckMessageService создает новый экземпляр StuckMessageService.
func NewStuckMessageService(
	messages *MessageService,
	logger *zap.Logger,
	metrics MetricsCollector,
	clock clockwork.Clock,
	opts ...StuckMessageServiceOption,
) *StuckMessageService {
	options := &stuckMessageServiceOptions{
		batchSize:    defaultBatchSize,
		stuckTimeout: defaultStuckMessageTimeout,
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
	return &StuckMessageService{
		messages:     messages,
		logger:       logger,
		metrics:      metrics,
		clock:        clock,
		batchSize:    options.batchSize,
		stuckTimeout: options.stuckTimeout,
	}
}

// RecoverStuckMessages is the worker function of the stuck message sweep.
func (s *StuckMessageService) RecoverStuckMessages(ctx context.Context) error {
	threshold := s.clock.Now().UTC().Add(-s.stuckTimeout)
	msgs, err := s.messages.FetchStuck(ctx, threshold, s.batchSize)
	if err != nil {
		return fmt.Errorf("failed to query stuck messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	recovered := 0
	for _, msg := range msgs {
		status, err := s.messages.Fail(ctx, msg.ID, stuckRecoveryFailureMessage)
		if err != nil {
			if !errors.Is(err, storage.ErrConflict) {
				s.logger.Error("Failed to recover stuck message", zap.String("message_id", msg.ID), zap.Error(err))
			}
			continue
		}
		recovered++
		s.metrics.IncrementCounter(metricStuckRecovered, map[string]string{"status": string(status)})
	}

	s.logger.Info("Stuck message recovery completed",
		zap.Int("recovered_count", recovered),
		zap.Duration("stuck_threshold", s.stuckTimeout))
	return nil
}
