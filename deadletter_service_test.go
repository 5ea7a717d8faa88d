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

// deadLetter publishes a message and fails it straight into the dead-letter store.
func deadLetter(t *testing.T, env *testEnv, req PublishRequest) (string, *DeadLetterMessage) {
	t.Helper()
	ctx := context.Background()
	id, err := env.carrier.Messages().Publish(ctx, req)
	require.NoError(t, err)
	require.NoError(t, env.carrier.Messages().MarkProcessing(ctx, id))
	status, err := env.carrier.Messages().Fail(ctx, id, "handler crashed")
	require.NoError(t, err)
	require.Equal(t, MessageStatusFailed, status)
	dl, err := env.carrier.DeadLetters().GetByMessageID(ctx, id)
	require.NoError(t, err)
	return id, dl
}

func TestDeadLetterService_RetryFromDeadLetter(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	correlationID := "order-7"

	originalID, dl := deadLetter(t, env, PublishRequest{
		Topic:         "payments",
		Payload:       []byte(`{"amount":10}`),
		Priority:      3,
		CorrelationID: &correlationID,
		Headers:       map[string]string{"tenant": "acme"},
	})

	replayID, err := env.carrier.DeadLetters().RetryFromDeadLetter(ctx, dl.ID)
	require.NoError(t, err)
	assert.NotEqual(t, originalID, replayID)

	replay, err := env.carrier.Messages().Get(ctx, replayID)
	require.NoError(t, err)
	assert.Equal(t, MessageStatusPending, replay.Status)
	assert.Equal(t, "payments", replay.Topic)
	assert.Equal(t, []byte(`{"amount":10}`), replay.Payload)
	assert.Equal(t, 3, replay.Priority)
	assert.Equal(t, 0, replay.RetryCount)
	assert.Equal(t, &correlationID, replay.CorrelationID)
	assert.Equal(t, "acme", replay.Headers["tenant"])
	assert.Equal(t, dl.ID, replay.Headers[HeaderReplayedFrom])

	original, err := env.carrier.Messages().Get(ctx, originalID)
	require.NoError(t, err)
	assert.Equal(t, MessageStatusFailed, original.Status, "replay never resurrects the original")

	entry, err := env.carrier.DeadLetters().Get(ctx, dl.ID)
	require.NoError(t, err)
	require.NotNil(t, entry.RetriedAt)
	assert.Equal(t, env.clock.Now(), *entry.RetriedAt)
	assert.False(t, entry.IsDiscarded)

	_, err = env.carrier.DeadLetters().RetryFromDeadLetter(ctx, dl.ID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestDeadLetterService_Discard(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, dl := deadLetter(t, env, PublishRequest{Topic: "payments"})
	service := env.carrier.DeadLetters()

	require.NoError(t, service.Discard(ctx, dl.ID))
	require.NoError(t, service.Discard(ctx, dl.ID))

	entry, err := service.Get(ctx, dl.ID)
	require.NoError(t, err)
	assert.True(t, entry.IsDiscarded)

	_, err = service.RetryFromDeadLetter(ctx, dl.ID)
	assert.ErrorIs(t, err, ErrConflict)

	assert.ErrorIs(t, service.Discard(ctx, "missing"), ErrNotFound)
}

func TestDeadLetterService_List(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	service := env.carrier.DeadLetters()

	_, payments := deadLetter(t, env, PublishRequest{Topic: "payments"})
	_, orders := deadLetter(t, env, PublishRequest{Topic: "orders"})
	require.NoError(t, service.Discard(ctx, orders.ID))

	live, err := service.List(ctx, DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, payments.ID, live[0].ID)

	all, err := service.List(ctx, DeadLetterFilter{IncludeDiscarded: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byTopic, err := service.List(ctx, DeadLetterFilter{Topic: "orders", IncludeDiscarded: true})
	require.NoError(t, err)
	require.Len(t, byTopic, 1)
	assert.Equal(t, orders.ID, byTopic[0].ID)

	_, err = service.List(ctx, DeadLetterFilter{Limit: -1})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDeadLetterService_RetryFromDeadLetter_OriginalGone(t *testing.T) {
	mockDeadLetters := new(storage.MockDeadLetterStore)
	mockMessages := new(storage.MockMessageStore)
	service := NewDeadLetterService(mockDeadLetters, mockMessages, zap.NewNop(), nil, nil)

	dl := &storage.DeadLetterMessage{ID: "dl-1", OriginalMessageID: "msg-1", Topic: "orders", Payload: []byte("p")}
	mockDeadLetters.On("GetDeadLetter", mock.Anything, "dl-1").Return(dl, nil).Once()
	mockMessages.On("GetMessage", mock.Anything, "msg-1").Return(nil, storage.ErrNotFound).Once()
	mockDeadLetters.On("ReplayDeadLetter", mock.Anything, "dl-1", mock.Anything, mock.MatchedBy(func(m *storage.Message) bool {
		return m.MaxRetries == defaultMaxRetryAttempts &&
			m.Status == storage.MessageStatusPending &&
			m.Headers[HeaderReplayedFrom] == "dl-1"
	})).Return(nil).Once()

	_, err := service.RetryFromDeadLetter(context.Background(), "dl-1")
	require.NoError(t, err)

	mockDeadLetters.AssertExpectations(t)
	mockMessages.AssertExpectations(t)
}

func TestDeadLetterService_RetryFromDeadLetter_StoreFails(t *testing.T) {
	mockDeadLetters := new(storage.MockDeadLetterStore)
	service := NewDeadLetterService(mockDeadLetters, new(storage.MockMessageStore), zap.NewNop(), nil, nil)
	dbErr := errors.New("db error")

	mockDeadLetters.On("GetDeadLetter", mock.Anything, "dl-1").Return(nil, dbErr).Once()

	_, err := service.RetryFromDeadLetter(context.Background(), "dl-1")
	assert.ErrorIs(t, err, dbErr)
	mockDeadLetters.AssertExpectations(t)
}
