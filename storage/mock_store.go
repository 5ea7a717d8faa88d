package storage

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockMessageStore is a mock implementation of the MessageStore interface for testing.
type MockMessageStore struct {
	mock.Mock
}

func (m *MockMessageStore) CreateMessage(ctx context.Context, msg *Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockMessageStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	args := m.Called(ctx, id)
	msg, _ := args.Get(0).(*Message)
	return msg, args.Error(1)
}

func (m *MockMessageStore) FetchDueMessages(ctx context.Context, now time.Time, limit int) ([]Message, error) {
	args := m.Called(ctx, now, limit)
	msgs, _ := args.Get(0).([]Message)
	return msgs, args.Error(1)
}

func (m *MockMessageStore) FetchStuckMessages(ctx context.Context, olderThan time.Time, limit int) ([]Message, error) {
	args := m.Called(ctx, olderThan, limit)
	msgs, _ := args.Get(0).([]Message)
	return msgs, args.Error(1)
}

func (m *MockMessageStore) FetchOverdueMessages(ctx context.Context, now time.Time, limit int) ([]Message, error) {
	args := m.Called(ctx, now, limit)
	msgs, _ := args.Get(0).([]Message)
	return msgs, args.Error(1)
}

func (m *MockMessageStore) UpdateMessageStatus(ctx context.Context, id string, from []MessageStatus, to MessageStatus, at time.Time) error {
	args := m.Called(ctx, id, from, to, at)
	return args.Error(0)
}

func (m *MockMessageStore) RescheduleMessage(ctx context.Context, id string, from MessageStatus, retryCount int, nextAttemptAt time.Time, lastError string, at time.Time) error {
	args := m.Called(ctx, id, from, retryCount, nextAttemptAt, lastError, at)
	return args.Error(0)
}

func (m *MockMessageStore) FailMessage(ctx context.Context, id string, from MessageStatus, retryCount int, dl *DeadLetterMessage) error {
	args := m.Called(ctx, id, from, retryCount, dl)
	return args.Error(0)
}

func (m *MockMessageStore) DeleteMessages(ctx context.Context, statuses []MessageStatus, before time.Time) (int64, error) {
	args := m.Called(ctx, statuses, before)
	return args.Get(0).(int64), args.Error(1)
}

// MockBatchStore is a mock implementation of the BatchStore interface for testing.
type MockBatchStore struct {
	mock.Mock
}

func (m *MockBatchStore) CreateBatch(ctx context.Context, batch *MessageBatch) error {
	args := m.Called(ctx, batch)
	return args.Error(0)
}

func (m *MockBatchStore) GetBatch(ctx context.Context, id string) (*MessageBatch, error) {
	args := m.Called(ctx, id)
	batch, _ := args.Get(0).(*MessageBatch)
	return batch, args.Error(1)
}

func (m *MockBatchStore) FindOpenBatchIDs(ctx context.Context, messageID string) ([]string, error) {
	args := m.Called(ctx, messageID)
	ids, _ := args.Get(0).([]string)
	return ids, args.Error(1)
}

func (m *MockBatchStore) RecordBatchOutcome(ctx context.Context, batchID, messageID string, succeeded bool, at time.Time) (*MessageBatch, bool, error) {
	args := m.Called(ctx, batchID, messageID, succeeded, at)
	batch, _ := args.Get(0).(*MessageBatch)
	return batch, args.Bool(1), args.Error(2)
}

// MockDeadLetterStore is a mock implementation of the DeadLetterStore interface for testing.
type MockDeadLetterStore struct {
	mock.Mock
}

func (m *MockDeadLetterStore) GetDeadLetter(ctx context.Context, id string) (*DeadLetterMessage, error) {
	args := m.Called(ctx, id)
	dl, _ := args.Get(0).(*DeadLetterMessage)
	return dl, args.Error(1)
}

func (m *MockDeadLetterStore) GetDeadLetterByMessageID(ctx context.Context, messageID string) (*DeadLetterMessage, error) {
	args := m.Called(ctx, messageID)
	dl, _ := args.Get(0).(*DeadLetterMessage)
	return dl, args.Error(1)
}

func (m *MockDeadLetterStore) ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterMessage, error) {
	args := m.Called(ctx, filter)
	dls, _ := args.Get(0).([]DeadLetterMessage)
	return dls, args.Error(1)
}

func (m *MockDeadLetterStore) DiscardDeadLetter(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDeadLetterStore) ReplayDeadLetter(ctx context.Context, id string, at time.Time, replay *Message) error {
	args := m.Called(ctx, id, at, replay)
	return args.Error(0)
}

func (m *MockDeadLetterStore) DeleteDiscardedDeadLetters(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

// MockSagaStore is a mock implementation of the SagaStore interface for testing.
type MockSagaStore struct {
	mock.Mock
}

func (m *MockSagaStore) CreateSaga(ctx context.Context, saga *Saga, steps []SagaStep) error {
	args := m.Called(ctx, saga, steps)
	return args.Error(0)
}

func (m *MockSagaStore) GetSaga(ctx context.Context, id string) (*Saga, error) {
	args := m.Called(ctx, id)
	saga, _ := args.Get(0).(*Saga)
	return saga, args.Error(1)
}

func (m *MockSagaStore) ListSagaSteps(ctx context.Context, sagaID string) ([]SagaStep, error) {
	args := m.Called(ctx, sagaID)
	steps, _ := args.Get(0).([]SagaStep)
	return steps, args.Error(1)
}

func (m *MockSagaStore) ListSagas(ctx context.Context, filter SagaFilter) ([]Saga, error) {
	args := m.Called(ctx, filter)
	sagas, _ := args.Get(0).([]Saga)
	return sagas, args.Error(1)
}

func (m *MockSagaStore) UpdateSaga(ctx context.Context, saga *Saga) error {
	args := m.Called(ctx, saga)
	return args.Error(0)
}

func (m *MockSagaStore) UpdateSagaStep(ctx context.Context, step *SagaStep) error {
	args := m.Called(ctx, step)
	return args.Error(0)
}

func (m *MockSagaStore) FetchExpiredSteps(ctx context.Context, statuses []StepStatus, now time.Time, limit int) ([]SagaStep, error) {
	args := m.Called(ctx, statuses, now, limit)
	steps, _ := args.Get(0).([]SagaStep)
	return steps, args.Error(1)
}
