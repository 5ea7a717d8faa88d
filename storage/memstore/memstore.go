// Package memstore is an in-process storage.Store. It applies the same
// conditional-transition rules as the SQL store and is meant for tests and
// single-process embedding.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/overtonx/sagabus/storage"
)

var _ storage.Store = (*Store)(nil)

type batchState struct {
	batch    storage.MessageBatch
	outcomes map[string]bool
}

// Store keeps all rows in maps guarded by a single mutex.
// Values are copied on the way in and out so callers never share row state.
type Store struct {
	mu sync.Mutex

	messages      map[string]storage.Message
	deadLetters   map[string]storage.DeadLetterMessage
	batches       map[string]*batchState
	subscriptions map[string]storage.Subscription
	sagas         map[string]storage.Saga
	steps         map[string]storage.SagaStep
}

// New creates an empty store.
func New() *Store {
	return &Store{
		messages:      make(map[string]storage.Message),
		deadLetters:   make(map[string]storage.DeadLetterMessage),
		batches:       make(map[string]*batchState),
		subscriptions: make(map[string]storage.Subscription),
		sagas:         make(map[string]storage.Saga),
		steps:         make(map[string]storage.SagaStep),
	}
}

//
// Messages
//

func (s *Store) CreateMessage(_ context.Context, msg *storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; ok {
		return storage.ErrAlreadyExists
	}
	s.messages[msg.ID] = copyMessage(*msg)
	return nil
}

func (s *Store) GetMessage(_ context.Context, id string) (*storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := copyMessage(msg)
	return &out, nil
}

func (s *Store) FetchDueMessages(_ context.Context, now time.Time, limit int) ([]storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Message
	for _, msg := range s.messages {
		if msg.Status != storage.MessageStatusPending {
			continue
		}
		if msg.NextAttemptAt != nil && msg.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, copyMessage(msg))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return truncate(out, limit), nil
}

func (s *Store) FetchStuckMessages(_ context.Context, olderThan time.Time, limit int) ([]storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Message
	for _, msg := range s.messages {
		if msg.Status == storage.MessageStatusProcessing && msg.UpdatedAt.Before(olderThan) {
			out = append(out, copyMessage(msg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return truncate(out, limit), nil
}

func (s *Store) FetchOverdueMessages(_ context.Context, now time.Time, limit int) ([]storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Message
	for _, msg := range s.messages {
		if msg.Status != storage.MessageStatusPending && msg.Status != storage.MessageStatusProcessing {
			continue
		}
		if msg.ExpiresAt != nil && !msg.ExpiresAt.After(now) {
			out = append(out, copyMessage(msg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	return truncate(out, limit), nil
}

func (s *Store) UpdateMessageStatus(_ context.Context, id string, from []storage.MessageStatus, to storage.MessageStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return storage.ErrNotFound
	}
	if !slices.Contains(from, msg.Status) {
		return storage.ErrConflict
	}
	msg.Status = to
	msg.UpdatedAt = at
	if to == storage.MessageStatusDelivered {
		processedAt := at
		msg.ProcessedAt = &processedAt
	}
	s.messages[id] = msg
	return nil
}

func (s *Store) RescheduleMessage(_ context.Context, id string, from storage.MessageStatus, retryCount int, nextAttemptAt time.Time, lastError string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return storage.ErrNotFound
	}
	if msg.Status != from {
		return storage.ErrConflict
	}
	msg.Status = storage.MessageStatusPending
	msg.RetryCount = retryCount
	next := nextAttemptAt
	msg.NextAttemptAt = &next
	msg.ErrorMessage = &lastError
	msg.UpdatedAt = at
	s.messages[id] = msg
	return nil
}

func (s *Store) FailMessage(_ context.Context, id string, from storage.MessageStatus, retryCount int, dl *storage.DeadLetterMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return storage.ErrNotFound
	}
	if msg.Status != from {
		return storage.ErrConflict
	}
	for _, existing := range s.deadLetters {
		if existing.OriginalMessageID == id {
			return storage.ErrAlreadyExists
		}
	}
	if _, ok := s.deadLetters[dl.ID]; ok {
		return storage.ErrAlreadyExists
	}
	reason := dl.FailureReason
	msg.Status = storage.MessageStatusFailed
	msg.RetryCount = retryCount
	msg.ErrorMessage = &reason
	msg.NextAttemptAt = nil
	msg.UpdatedAt = dl.FailedAt
	s.messages[id] = msg
	s.deadLetters[dl.ID] = copyDeadLetter(*dl)
	return nil
}

func (s *Store) DeleteMessages(_ context.Context, statuses []storage.MessageStatus, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, msg := range s.messages {
		if slices.Contains(statuses, msg.Status) && msg.UpdatedAt.Before(before) {
			delete(s.messages, id)
			deleted++
		}
	}
	return deleted, nil
}

//
// Dead letters
//

func (s *Store) GetDeadLetter(_ context.Context, id string) (*storage.DeadLetterMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.deadLetters[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := copyDeadLetter(dl)
	return &out, nil
}

func (s *Store) GetDeadLetterByMessageID(_ context.Context, messageID string) (*storage.DeadLetterMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dl := range s.deadLetters {
		if dl.OriginalMessageID == messageID {
			out := copyDeadLetter(dl)
			return &out, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) ListDeadLetters(_ context.Context, filter storage.DeadLetterFilter) ([]storage.DeadLetterMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.DeadLetterMessage
	for _, dl := range s.deadLetters {
		if filter.Topic != "" && dl.Topic != filter.Topic {
			continue
		}
		if dl.IsDiscarded && !filter.IncludeDiscarded {
			continue
		}
		out = append(out, copyDeadLetter(dl))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].FailedAt.Before(out[j].FailedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, filter.Offset, filter.Limit), nil
}

func (s *Store) DiscardDeadLetter(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.deadLetters[id]
	if !ok {
		return storage.ErrNotFound
	}
	dl.IsDiscarded = true
	s.deadLetters[id] = dl
	return nil
}

func (s *Store) ReplayDeadLetter(_ context.Context, id string, at time.Time, replay *storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.deadLetters[id]
	if !ok {
		return storage.ErrNotFound
	}
	if dl.IsDiscarded || dl.RetriedAt != nil {
		return storage.ErrConflict
	}
	if _, ok := s.messages[replay.ID]; ok {
		return storage.ErrAlreadyExists
	}
	retriedAt := at
	dl.RetriedAt = &retriedAt
	s.deadLetters[id] = dl
	s.messages[replay.ID] = copyMessage(*replay)
	return nil
}

func (s *Store) DeleteDiscardedDeadLetters(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, dl := range s.deadLetters {
		if dl.IsDiscarded && dl.FailedAt.Before(before) {
			delete(s.deadLetters, id)
			deleted++
		}
	}
	return deleted, nil
}

//
// Batches
//

func (s *Store) CreateBatch(_ context.Context, batch *storage.MessageBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batch.ID]; ok {
		return storage.ErrAlreadyExists
	}
	s.batches[batch.ID] = &batchState{
		batch:    copyBatch(*batch),
		outcomes: make(map[string]bool),
	}
	return nil
}

func (s *Store) GetBatch(_ context.Context, id string) (*storage.MessageBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.batches[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := copyBatch(state.batch)
	return &out, nil
}

func (s *Store) FindOpenBatchIDs(_ context.Context, messageID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, state := range s.batches {
		if state.batch.Status != storage.BatchStatusOpen {
			continue
		}
		for _, member := range state.batch.MessageIDs {
			if member == messageID {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) RecordBatchOutcome(_ context.Context, batchID, messageID string, succeeded bool, at time.Time) (*storage.MessageBatch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.batches[batchID]
	if !ok {
		return nil, false, storage.ErrNotFound
	}
	member := false
	for _, id := range state.batch.MessageIDs {
		if id == messageID {
			member = true
			break
		}
	}
	if !member {
		return nil, false, fmt.Errorf("message %s in batch %s: %w", messageID, batchID, storage.ErrNotFound)
	}
	if _, seen := state.outcomes[messageID]; seen {
		out := copyBatch(state.batch)
		return &out, false, nil
	}
	state.outcomes[messageID] = succeeded
	if succeeded {
		state.batch.ProcessedMessages++
	} else {
		state.batch.FailedMessages++
	}
	if state.batch.Status == storage.BatchStatusOpen &&
		state.batch.ProcessedMessages+state.batch.FailedMessages == state.batch.TotalMessages {
		completedAt := at
		state.batch.CompletedAt = &completedAt
		if state.batch.FailedMessages == 0 {
			state.batch.Status = storage.BatchStatusCompleted
		} else {
			state.batch.Status = storage.BatchStatusCompletedWithFailures
		}
	}
	out := copyBatch(state.batch)
	return &out, true, nil
}

//
// Subscriptions
//

func (s *Store) CreateSubscription(_ context.Context, sub *storage.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscriptions[sub.ID]; ok {
		return storage.ErrAlreadyExists
	}
	for _, existing := range s.subscriptions {
		if existing.Topic == sub.Topic && existing.ConsumerName == sub.ConsumerName {
			return storage.ErrAlreadyExists
		}
	}
	s.subscriptions[sub.ID] = copySubscription(*sub)
	return nil
}

func (s *Store) GetSubscription(_ context.Context, id string) (*storage.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := copySubscription(sub)
	return &out, nil
}

func (s *Store) ListSubscriptions(_ context.Context, filter storage.SubscriptionFilter) ([]storage.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Subscription
	for _, sub := range s.subscriptions {
		if filter.Topic != "" && sub.Topic != filter.Topic {
			continue
		}
		if filter.ActiveOnly && !sub.IsActive {
			continue
		}
		out = append(out, copySubscription(sub))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].ConsumerName < out[j].ConsumerName
	})
	return out, nil
}

func (s *Store) SetSubscriptionActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return storage.ErrNotFound
	}
	sub.IsActive = active
	s.subscriptions[id] = sub
	return nil
}

func (s *Store) RecordConsumption(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return storage.ErrNotFound
	}
	if !sub.IsActive {
		return storage.ErrConflict
	}
	sub.MessagesConsumed++
	last := at
	sub.LastActivityAt = &last
	s.subscriptions[id] = sub
	return nil
}

//
// Sagas
//

func (s *Store) CreateSaga(_ context.Context, saga *storage.Saga, steps []storage.SagaStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sagas[saga.ID]; ok {
		return storage.ErrAlreadyExists
	}
	orders := make(map[int]struct{}, len(steps))
	for _, step := range steps {
		if _, ok := s.steps[step.ID]; ok {
			return storage.ErrAlreadyExists
		}
		if _, dup := orders[step.Order]; dup {
			return fmt.Errorf("step order %d of saga %s: %w", step.Order, saga.ID, storage.ErrAlreadyExists)
		}
		orders[step.Order] = struct{}{}
	}
	s.sagas[saga.ID] = copySaga(*saga)
	for _, step := range steps {
		s.steps[step.ID] = copyStep(step)
	}
	return nil
}

func (s *Store) GetSaga(_ context.Context, id string) (*storage.Saga, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saga, ok := s.sagas[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := copySaga(saga)
	return &out, nil
}

func (s *Store) ListSagaSteps(_ context.Context, sagaID string) ([]storage.SagaStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.SagaStep
	for _, step := range s.steps {
		if step.SagaID == sagaID {
			out = append(out, copyStep(step))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (s *Store) ListSagas(_ context.Context, filter storage.SagaFilter) ([]storage.Saga, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Saga
	for _, saga := range s.sagas {
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, saga.Status) {
			continue
		}
		if filter.CompensationHalted != nil && saga.CompensationHalted != *filter.CompensationHalted {
			continue
		}
		if filter.InvariantViolated != nil && saga.InvariantViolated != *filter.InvariantViolated {
			continue
		}
		if filter.DueBy != nil && saga.NextWakeAt != nil && saga.NextWakeAt.After(*filter.DueBy) {
			continue
		}
		if filter.Stuck && !saga.CompensationHalted && !saga.InvariantViolated {
			continue
		}
		if filter.Type != "" && saga.Type != filter.Type {
			continue
		}
		out = append(out, copySaga(saga))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, filter.Offset, filter.Limit), nil
}

func (s *Store) UpdateSaga(_ context.Context, saga *storage.Saga) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sagas[saga.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if current.Version != saga.Version {
		return storage.ErrConflict
	}
	saga.Version++
	s.sagas[saga.ID] = copySaga(*saga)
	return nil
}

func (s *Store) UpdateSagaStep(_ context.Context, step *storage.SagaStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.steps[step.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if current.Version != step.Version {
		return storage.ErrConflict
	}
	step.Version++
	s.steps[step.ID] = copyStep(*step)
	return nil
}

func (s *Store) FetchExpiredSteps(_ context.Context, statuses []storage.StepStatus, now time.Time, limit int) ([]storage.SagaStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.SagaStep
	for _, step := range s.steps {
		if !slices.Contains(statuses, step.Status) {
			continue
		}
		if step.DeadlineAt != nil && step.DeadlineAt.Before(now) {
			out = append(out, copyStep(step))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadlineAt.Before(*out[j].DeadlineAt) })
	return truncate(out, limit), nil
}
