package sagabus

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/overtonx/sagabus/storage"
)

func TestBatchTracker_CreateBatch_Validation(t *testing.T) {
	env := newTestEnv(t)
	tracker := env.carrier.Batches()
	ctx := context.Background()

	tests := []struct {
		name      string
		batchName string
		ids       []string
	}{
		{name: "empty name", batchName: "", ids: []string{"a"}},
		{name: "no messages", batchName: "b", ids: nil},
		{name: "empty id", batchName: "b", ids: []string{"a", ""}},
		{name: "duplicate id", batchName: "b", ids: []string{"a", "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tracker.CreateBatch(ctx, tt.batchName, tt.ids)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestBatchTracker_RecordOutcome(t *testing.T) {
	env := newTestEnv(t)
	tracker := env.carrier.Batches()
	ctx := context.Background()

	batchID, err := tracker.CreateBatch(ctx, "import", []string{"m1", "m2"})
	require.NoError(t, err)

	batch, err := tracker.Get(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, BatchStatusOpen, batch.Status)
	assert.Equal(t, 2, batch.TotalMessages)
	assert.Nil(t, batch.CompletedAt)

	batch, err = tracker.RecordOutcome(ctx, batchID, "m1", true)
	require.NoError(t, err)
	assert.Equal(t, BatchStatusOpen, batch.Status)
	assert.Equal(t, 1, batch.ProcessedMessages)

	// A duplicate report leaves the totals unchanged.
	batch, err = tracker.RecordOutcome(ctx, batchID, "m1", false)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.ProcessedMessages)
	assert.Equal(t, 0, batch.FailedMessages)

	batch, err = tracker.RecordOutcome(ctx, batchID, "m2", true)
	require.NoError(t, err)
	assert.Equal(t, BatchStatusCompleted, batch.Status)
	require.NotNil(t, batch.CompletedAt)
	assert.Equal(t, env.clock.Now(), *batch.CompletedAt)

	_, err = tracker.RecordOutcome(ctx, batchID, "stranger", true)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = tracker.RecordOutcome(ctx, "missing", "m1", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBatchTracker_RecordOutcome_Concurrent(t *testing.T) {
	env := newTestEnv(t)
	tracker := env.carrier.Batches()
	ctx := context.Background()

	const members = 50
	ids := make([]string, members)
	for i := range ids {
		ids[i] = fmt.Sprintf("m%d", i)
	}
	batchID, err := tracker.CreateBatch(ctx, "fan-out", ids)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i, id := range ids {
		// Every member is reported twice from different goroutines.
		for range 2 {
			wg.Add(1)
			go func(id string, succeeded bool) {
				defer wg.Done()
				_, err := tracker.RecordOutcome(ctx, batchID, id, succeeded)
				assert.NoError(t, err)
			}(id, i%10 != 0)
		}
	}
	wg.Wait()

	batch, err := tracker.Get(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, members, batch.ProcessedMessages+batch.FailedMessages)
	assert.Equal(t, 5, batch.FailedMessages)
	assert.Equal(t, BatchStatusCompletedWithFailures, batch.Status)
}

func TestBatchTracker_ReportMessageOutcome_LogsStoreErrors(t *testing.T) {
	mockStore := new(storage.MockBatchStore)
	tracker := NewBatchTracker(mockStore, zap.NewNop(), nil, nil)

	mockStore.On("FindOpenBatchIDs", mock.Anything, "m1").Return([]string{"b1"}, nil).Once()
	mockStore.On("GetBatch", mock.Anything, "b1").Return(nil, assert.AnError).Once()

	assert.NotPanics(t, func() {
		tracker.ReportMessageOutcome(context.Background(), "m1", true)
	})
	mockStore.AssertExpectations(t)
}
