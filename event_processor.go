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

// EventProcessor is the dispatch loop: it claims due messages, publishes them
// and records the outcome.
type EventProcessor struct {
	messages       *MessageService
	publisher      Publisher
	logger         *zap.Logger
	metrics        MetricsCollector
	clock          clockwork.Clock
	batchSize      int
	publishTimeout time.Duration
}

// NewEventProcessor создает новый экземпляр EventProcessor.
func NewEventProcessor(
	messages *MessageService,
	publisher Publisher,
	logger *zap.Logger,
	metrics MetricsCollector,
	clock clockwork.Clock,
	opts ...EventProcessorOption,
) *EventProcessor {
	options := &eventProcessorOptions{
		batchSize:      defaultBatchSize,
		publishTimeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(options)
	}
	if publisher == nil {
		publisher = NewNopPublisher()
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
	return &EventProcessor{
		messages:       messages,
		publisher:      publisher,
		logger:         logger,
		metrics:        metrics,
		clock:          clock,
		batchSize:      options.batchSize,
		publishTimeout: options.publishTimeout,
	}
}

// ProcessMessages is the worker function of the dispatch loop.
func (p *EventProcessor) ProcessMessages(ctx context.Context) error {
	start := p.clock.Now()
	msgs, err := p.messages.FetchDue(ctx, p.batchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	p.logger.Debug("Fetched messages for dispatch", zap.Int("count", len(msgs)))
	p.metrics.RecordGauge(metricProcessorBatchSize, float64(len(msgs)), nil)

	var delivered, failed, skipped int
	for _, msg := range msgs {
		// Сообщения, которые не успели захватить, останутся pending до следующего тика.
		if ctx.Err() != nil {
			p.logger.Warn("Context cancelled during dispatch", zap.Error(ctx.Err()))
			break
		}

		ok, err := p.processSingleMessage(ctx, msg)
		switch {
		case errors.Is(err, storage.ErrConflict):
			skipped++
		case err != nil:
			failed++
			p.logger.Error("Failed to process message", zap.String("message_id", msg.ID), zap.Error(err))
		case ok:
			delivered++
		default:
			failed++
		}
	}

	p.logger.Info("Dispatch pass completed",
		zap.Int("delivered", delivered),
		zap.Int("failed", failed),
		zap.Int("skipped", skipped))
	p.metrics.RecordDuration(metricProcessorDuration, p.clock.Since(start), nil)
	return nil
}

// processSingleMessage reports whether the message was delivered.
func (p *EventProcessor) processSingleMessage(ctx context.Context, msg storage.Message) (bool, error) {
	if err := p.messages.MarkProcessing(ctx, msg.ID); err != nil {
		return false, err
	}

	now := p.clock.Now().UTC()
	if msg.ExpiresAt != nil && !msg.ExpiresAt.After(now) {
		return false, p.messages.expire(ctx, msg, now)
	}

	msg.Status = storage.MessageStatusProcessing
	publishCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	err := p.publisher.Publish(publishCtx, msg)
	cancel()

	if err != nil {
		p.logger.Warn("Failed to publish message",
			zap.String("message_id", msg.ID),
			zap.String("topic", msg.Topic),
			zap.Error(err))
		if _, failErr := p.messages.Fail(ctx, msg.ID, err.Error()); failErr != nil {
			return false, failErr
		}
		return false, nil
	}

	if err := p.messages.Complete(ctx, msg.ID); err != nil {
		// Сообщение опубликовано, но статус не обновлен. StuckMessageService это исправит.
		return false, err
	}
	return true, nil
}
