package sagabus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeReader serves queued messages and then blocks until the context ends.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		km := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return km, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) offsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, km := range r.committed {
		out = append(out, km.Offset)
	}
	return out
}

func TestSubscriptionConsumer_RetriesFailedMessageBeforeMovingOn(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub, err := env.carrier.Subscriptions().Register(ctx, "orders", "billing", "", nil)
	require.NoError(t, err)

	reader := &fakeReader{queue: []kafka.Message{
		{Topic: "orders", Offset: 1, Value: []byte("a"), Headers: []kafka.Header{
			{Key: HeaderMessageID, Value: []byte("msg-1")},
			{Key: HeaderCorrelationID, Value: []byte("order-1")},
		}},
		{Topic: "orders", Offset: 2, Value: []byte("flaky")},
		{Topic: "orders", Offset: 3, Value: []byte("c")},
	}}

	var mu sync.Mutex
	var handled []string
	flakyFailures := 0
	handler := func(_ context.Context, msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, string(msg.Payload))
		if string(msg.Payload) == "flaky" && flakyFailures < 2 {
			flakyFailures++
			return errors.New("downstream unavailable")
		}
		return nil
	}

	consumer := newSubscriptionConsumer(reader, *sub, env.carrier.Subscriptions(), handler, zap.NewNop())
	consumer.retryBaseDelay = time.Millisecond
	consumer.retryMaxDelay = 5 * time.Millisecond
	assert.Equal(t, "consumer:orders:billing", consumer.Name())

	go consumer.Start(ctx)
	assert.Eventually(t, func() bool {
		return len(reader.offsets()) == 3
	}, time.Second, 5*time.Millisecond)
	consumer.Stop()

	assert.Equal(t, []int64{1, 2, 3}, reader.offsets())
	assert.True(t, reader.closed)

	mu.Lock()
	assert.Equal(t, []string{"a", "flaky", "flaky", "flaky", "c"}, handled)
	mu.Unlock()

	stored, err := env.carrier.Subscriptions().Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.MessagesConsumed)
}

func TestSubscriptionConsumer_NeverCommitsPastFailingMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub, err := env.carrier.Subscriptions().Register(ctx, "orders", "billing", "", nil)
	require.NoError(t, err)

	reader := &fakeReader{queue: []kafka.Message{
		{Topic: "orders", Offset: 1, Value: []byte("a")},
		{Topic: "orders", Offset: 2, Value: []byte("poison")},
		{Topic: "orders", Offset: 3, Value: []byte("c")},
	}}

	var mu sync.Mutex
	poisonAttempts := 0
	handler := func(_ context.Context, msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		switch string(msg.Payload) {
		case "poison":
			poisonAttempts++
			return errors.New("cannot decode")
		case "c":
			t.Errorf("message after the failing one must not be handled")
		}
		return nil
	}

	consumer := newSubscriptionConsumer(reader, *sub, env.carrier.Subscriptions(), handler, zap.NewNop())
	consumer.retryBaseDelay = time.Millisecond
	consumer.retryMaxDelay = 2 * time.Millisecond

	go consumer.Start(ctx)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return poisonAttempts >= 3
	}, time.Second, 2*time.Millisecond)
	consumer.Stop()

	for _, offset := range reader.offsets() {
		assert.Less(t, offset, int64(2))
	}
	assert.Equal(t, []int64{1}, reader.offsets())
	assert.True(t, reader.closed)

	stored, err := env.carrier.Subscriptions().Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.MessagesConsumed)
}

func TestSubscriptionConsumer_StopBeforeStart(t *testing.T) {
	consumer := newSubscriptionConsumer(&fakeReader{}, Subscription{Topic: "t", ConsumerName: "c"}, nil, nil, zap.NewNop())
	assert.NotPanics(t, consumer.Stop)
}
