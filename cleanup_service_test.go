package sagabus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/overtonx/sagabus/storage"
)

var terminalCleanupStatuses = []storage.MessageStatus{storage.MessageStatusDelivered, storage.MessageStatusExpired}

func TestCleanupService_Cleanup_HappyPath(t *testing.T) {
	mockMessages := new(storage.MockMessageStore)
	mockDeadLetters := new(storage.MockDeadLetterStore)
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	sentRetention := 24 * time.Hour
	dlRetention := 7 * 24 * time.Hour

	service := NewCleanupService(
		mockMessages,
		mockDeadLetters,
		zap.NewNop(),
		nil, // No metrics
		clock,
		WithCleanupServiceDeliveredRetention(sentRetention),
		WithCleanupServiceDeadLetterRetention(dlRetention),
	)

	mockMessages.On("DeleteMessages", mock.Anything, terminalCleanupStatuses, clock.Now().Add(-sentRetention)).
		Return(int64(10), nil).Once()
	mockDeadLetters.On("DeleteDiscardedDeadLetters", mock.Anything, clock.Now().Add(-dlRetention)).
		Return(int64(5), nil).Once()

	err := service.Cleanup(context.Background())
	assert.NoError(t, err)

	mockMessages.AssertExpectations(t)
	mockDeadLetters.AssertExpectations(t)
}

func TestCleanupService_Cleanup_StoreFails(t *testing.T) {
	mockMessages := new(storage.MockMessageStore)
	mockDeadLetters := new(storage.MockDeadLetterStore)
	storeErr := errors.New("db error")

	service := NewCleanupService(mockMessages, mockDeadLetters, zap.NewNop(), nil, nil)

	mockMessages.On("DeleteMessages", mock.Anything, terminalCleanupStatuses, mock.Anything).Return(int64(0), storeErr).Once()
	mockDeadLetters.On("DeleteDiscardedDeadLetters", mock.Anything, mock.Anything).Return(int64(0), storeErr).Once()

	// The cleanup service should not return an error, just log it.
	err := service.Cleanup(context.Background())
	assert.NoError(t, err)

	mockMessages.AssertExpectations(t)
	mockDeadLetters.AssertExpectations(t)
}

func TestCleanupService_Cleanup_KeepsFailedMessages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	svc := env.carrier.Messages()

	delivered, err := svc.Publish(ctx, PublishRequest{Topic: "orders"})
	assert.NoError(t, err)
	assert.NoError(t, svc.MarkProcessing(ctx, delivered))
	assert.NoError(t, svc.Complete(ctx, delivered))

	failed, err := svc.Publish(ctx, PublishRequest{Topic: "orders"})
	assert.NoError(t, err)
	assert.NoError(t, svc.MarkProcessing(ctx, failed))
	_, err = svc.Fail(ctx, failed, "rejected")
	assert.NoError(t, err)

	env.clock.Advance(48 * time.Hour)
	assert.NoError(t, env.carrier.NewCleanupService().Cleanup(ctx))

	_, err = svc.Get(ctx, delivered)
	assert.ErrorIs(t, err, ErrNotFound)
	msg, err := svc.Get(ctx, failed)
	assert.NoError(t, err)
	assert.Equal(t, MessageStatusFailed, msg.Status)
	_, err = env.carrier.DeadLetters().GetByMessageID(ctx, failed)
	assert.NoError(t, err, "live dead letters are never cleaned up")
}
