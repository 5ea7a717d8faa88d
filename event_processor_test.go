package sagabus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/overtonx/sagabus/storage"
)

func newMockedEventProcessor(mockStore *storage.MockMessageStore, publisher Publisher) *EventProcessor {
	messages := NewMessageService(mockStore, nil, NewRetryScheduler(NewFixedBackoffStrategy(0)), zap.NewNop(), nil, nil)
	return NewEventProcessor(messages, publisher, zap.NewNop(), nil, nil, WithEventProcessorBatchSize(10))
}

func TestEventProcessor_ProcessMessages_HappyPath(t *testing.T) {
	mockStore := new(storage.MockMessageStore)
	mockPublisher := new(MockPublisher)
	processor := newMockedEventProcessor(mockStore, mockPublisher)

	msg := storage.Message{ID: "msg-1", Topic: "test-topic", Status: storage.MessageStatusPending, MaxRetries: 3}
	processing := msg
	processing.Status = storage.MessageStatusProcessing

	mockStore.On("FetchDueMessages", mock.Anything, mock.Anything, 10).Return([]storage.Message{msg}, nil).Once()
	mockStore.On("UpdateMessageStatus", mock.Anything, "msg-1",
		[]storage.MessageStatus{storage.MessageStatusPending}, storage.MessageStatusProcessing, mock.Anything).Return(nil).Once()
	mockPublisher.On("Publish", mock.Anything, processing).Return(nil).Once()
	mockStore.On("GetMessage", mock.Anything, "msg-1").Return(&processing, nil).Once()
	mockStore.On("UpdateMessageStatus", mock.Anything, "msg-1",
		[]storage.MessageStatus{storage.MessageStatusProcessing}, storage.MessageStatusDelivered, mock.Anything).Return(nil).Once()

	err := processor.ProcessMessages(context.Background())
	assert.NoError(t, err)

	mockStore.AssertExpectations(t)
	mockPublisher.AssertExpectations(t)
}

func TestEventProcessor_ProcessMessages_NoMessages(t *testing.T) {
	mockStore := new(storage.MockMessageStore)
	mockPublisher := new(MockPublisher)
	processor := newMockedEventProcessor(mockStore, mockPublisher)

	mockStore.On("FetchDueMessages", mock.Anything, mock.Anything, 10).Return([]storage.Message{}, nil).Once()

	err := processor.ProcessMessages(context.Background())
	assert.NoError(t, err)

	mockStore.AssertExpectations(t)
	mockPublisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestEventProcessor_ProcessMessages_FetchFails(t *testing.T) {
	mockStore := new(storage.MockMessageStore)
	processor := newMockedEventProcessor(mockStore, new(MockPublisher))
	dbErr := errors.New("db error")

	mockStore.On("FetchDueMessages", mock.Anything, mock.Anything, 10).Return(nil, dbErr).Once()

	err := processor.ProcessMessages(context.Background())
	assert.ErrorIs(t, err, dbErr)
	mockStore.AssertExpectations(t)
}

func TestEventProcessor_ProcessMessages_ClaimedByAnotherWorker(t *testing.T) {
	mockStore := new(storage.MockMessageStore)
	mockPublisher := new(MockPublisher)
	processor := newMockedEventProcessor(mockStore, mockPublisher)

	msg := storage.Message{ID: "msg-1", Topic: "test-topic", Status: storage.MessageStatusPending}
	mockStore.On("FetchDueMessages", mock.Anything, mock.Anything, 10).Return([]storage.Message{msg}, nil).Once()
	mockStore.On("UpdateMessageStatus", mock.Anything, "msg-1",
		[]storage.MessageStatus{storage.MessageStatusPending}, storage.MessageStatusProcessing, mock.Anything).
		Return(storage.ErrConflict).Once()

	err := processor.ProcessMessages(context.Background())
	assert.NoError(t, err)

	mockStore.AssertExpectations(t)
	mockPublisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestEventProcessor_ProcessMessages_PublishFailsSchedulesRetry(t *testing.T) {
	mockStore := new(storage.MockMessageStore)
	mockPublisher := new(MockPublisher)
	processor := newMockedEventProcessor(mockStore, mockPublisher)

	msg := storage.Message{ID: "msg-1", Topic: "test-topic", Status: storage.MessageStatusPending, MaxRetries: 3}
	processing := msg
	processing.Status = storage.MessageStatusProcessing
	publishErr := errors.New("broker unavailable")

	mockStore.On("FetchDueMessages", mock.Anything, mock.Anything, 10).Return([]storage.Message{msg}, nil).Once()
	mockStore.On("UpdateMessageStatus", mock.Anything, "msg-1",
		[]storage.MessageStatus{storage.MessageStatusPending}, storage.MessageStatusProcessing, mock.Anything).Return(nil).Once()
	mockPublisher.On("Publish", mock.Anything, processing).Return(publishErr).Once()
	mockStore.On("GetMessage", mock.Anything, "msg-1").Return(&processing, nil).Once()
	mockStore.On("RescheduleMessage", mock.Anything, "msg-1", storage.MessageStatusProcessing, 1,
		mock.Anything, "broker unavailable", mock.Anything).Return(nil).Once()

	err := processor.ProcessMessages(context.Background())
	assert.NoError(t, err)

	mockStore.AssertExpectations(t)
	mockPublisher.AssertExpectations(t)
}

func TestEventProcessor_ProcessMessages_ExpiredMessageIsNotPublished(t *testing.T) {
	env := newTestEnv(t)
	publisher := &funcPublisher{}
	ctx := context.Background()

	expiresAt := env.clock.Now()
	id, err := env.carrier.Messages().Publish(ctx, PublishRequest{Topic: "orders", ExpiresAt: &expiresAt})
	require.NoError(t, err)

	processor := NewEventProcessor(env.carrier.Messages(), publisher, zap.NewNop(), nil, env.clock)
	require.NoError(t, processor.ProcessMessages(ctx))

	assert.Empty(t, publisher.published)
	msg, err := env.carrier.Messages().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, MessageStatusExpired, msg.Status)
}

func TestEventProcessor_BatchWithPartialFailures(t *testing.T) {
	publisher := &funcPublisher{publishFn: func(msg Message) error {
		if msg.Headers["fail"] == "true" {
			return errors.New("rejected by broker")
		}
		return nil
	}}
	env := newTestEnv(t, WithPublisher(publisher))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		headers := map[string]string{}
		if i >= 3 {
			headers["fail"] = "true"
		}
		id, err := env.carrier.Messages().Publish(ctx, PublishRequest{Topic: "orders", Headers: headers})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	batchID, err := env.carrier.Batches().CreateBatch(ctx, "nightly-export", ids)
	require.NoError(t, err)

	require.NoError(t, env.carrier.NewEventProcessor().ProcessMessages(ctx))

	assert.Len(t, publisher.published, 5)
	batch, err := env.carrier.Batches().Get(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, BatchStatusCompletedWithFailures, batch.Status)
	assert.Equal(t, 5, batch.TotalMessages)
	assert.Equal(t, 3, batch.ProcessedMessages)
	assert.Equal(t, 2, batch.FailedMessages)
	assert.NotNil(t, batch.CompletedAt)

	for _, id := range ids[3:] {
		dl, err := env.carrier.DeadLetters().GetByMessageID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "rejected by broker", dl.FailureReason)
	}
}
