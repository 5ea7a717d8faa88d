package sagabus

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/sagabus/storage"
)

// BatchTracker rolls per-message outcomes up into batch totals.
type BatchTracker struct {
	store   storage.BatchStore
	logger  *zap.Logger
	metrics MetricsCollector
	clock   clockwork.Clock
}

// NewBatchTracker creates a new BatchTracker.
func NewBatchTracker(store storage.BatchStore, logger *zap.Logger, metrics MetricsCollector, clock clockwork.Clock) *BatchTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &BatchTracker{store: store, logger: logger, metrics: metrics, clock: clock}
}

// CreateBatch opens a batch over messageIDs and returns its id.
func (t *BatchTracker) CreateBatch(ctx context.Context, name string, messageIDs []string) (string, error) {
	if name == "" {
		return "", invalidArgument("batch name is required")
	}
	if len(messageIDs) == 0 {
		return "", invalidArgument("batch %q has no messages", name)
	}
	seen := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		if id == "" {
			return "", invalidArgument("batch %q contains an empty message id", name)
		}
		if _, dup := seen[id]; dup {
			return "", invalidArgument("batch %q contains message %s twice", name, id)
		}
		seen[id] = struct{}{}
	}

	batch := &storage.MessageBatch{
		ID:            uuid.NewString(),
		BatchName:     name,
		MessageIDs:    slices.Clone(messageIDs),
		CreatedAt:     t.clock.Now().UTC(),
		Status:        storage.BatchStatusOpen,
		TotalMessages: len(messageIDs),
	}
	if err := t.store.CreateBatch(ctx, batch); err != nil {
		return "", fmt.Errorf("failed to create batch: %w", err)
	}

	t.logger.Info("Batch created",
		zap.String("batch_id", batch.ID),
		zap.String("batch_name", name),
		zap.Int("total_messages", batch.TotalMessages))
	return batch.ID, nil
}

// Get loads a batch.
func (t *BatchTracker) Get(ctx context.Context, batchID string) (*MessageBatch, error) {
	batch, err := t.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to get batch %s: %w", batchID, err)
	}
	return batch, nil
}

// RecordOutcome records the terminal outcome of one member message. A second
// call for the same message leaves the batch unchanged.
func (t *BatchTracker) RecordOutcome(ctx context.Context, batchID, messageID string, succeeded bool) (*MessageBatch, error) {
	current, err := t.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to get batch %s: %w", batchID, err)
	}
	if !slices.Contains(current.MessageIDs, messageID) {
		return nil, invalidArgument("message %s is not a member of batch %s", messageID, batchID)
	}

	batch, recorded, err := t.store.RecordBatchOutcome(ctx, batchID, messageID, succeeded, t.clock.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to record outcome of message %s in batch %s: %w", messageID, batchID, err)
	}
	if !recorded {
		t.logger.Debug("Duplicate batch outcome ignored",
			zap.String("batch_id", batchID),
			zap.String("message_id", messageID))
		return batch, nil
	}

	if batch.Status != storage.BatchStatusOpen && current.Status == storage.BatchStatusOpen {
		t.metrics.IncrementCounter(metricBatchCompleted, map[string]string{"status": string(batch.Status)})
		t.logger.Info("Batch completed",
			zap.String("batch_id", batch.ID),
			zap.String("status", string(batch.Status)),
			zap.Int("processed", batch.ProcessedMessages),
			zap.Int("failed", batch.FailedMessages))
	}
	return batch, nil
}

// ReportMessageOutcome records the outcome in every open batch the message
// belongs to. Failures are logged; batch bookkeeping never fails the caller.
func (t *BatchTracker) ReportMessageOutcome(ctx context.Context, messageID string, succeeded bool) {
	batchIDs, err := t.store.FindOpenBatchIDs(ctx, messageID)
	if err != nil {
		t.logger.Error("Failed to find batches for message", zap.String("message_id", messageID), zap.Error(err))
		return
	}
	for _, batchID := range batchIDs {
		if _, err := t.RecordOutcome(ctx, batchID, messageID, succeeded); err != nil {
			t.logger.Error("Failed to record batch outcome",
				zap.String("batch_id", batchID),
				zap.String("message_id", messageID),
				zap.Error(err))
		}
	}
}
