package sagabus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/overtonx/sagabus/storage/memstore"
)

// MockPublisher is a mock implementation of the Publisher interface.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, msg Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}

// funcPublisher publishes through a function. Safe for concurrent use.
type funcPublisher struct {
	mu        sync.Mutex
	published []Message
	publishFn func(msg Message) error
}

func (p *funcPublisher) Publish(_ context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, msg)
	if p.publishFn != nil {
		return p.publishFn(msg)
	}
	return nil
}

func (p *funcPublisher) Close() error { return nil }

// invocation is one call observed by recordingInvoker.
type invocation struct {
	Service      string
	Action       string
	Compensation bool
	StepName     string
}

// recordingInvoker records every call and answers through handle.
type recordingInvoker struct {
	mu     sync.Mutex
	calls  []invocation
	handle func(call ActionCall) ([]byte, error)
}

func (r *recordingInvoker) Invoke(_ context.Context, call ActionCall) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, invocation{
		Service:      call.ServiceName,
		Action:       call.ActionType,
		Compensation: call.Compensation,
		StepName:     call.StepName,
	})
	handle := r.handle
	r.mu.Unlock()
	if handle != nil {
		return handle(call)
	}
	return []byte(`{"ok":true}`), nil
}

func (r *recordingInvoker) invocations() []invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]invocation(nil), r.calls...)
}

func (r *recordingInvoker) compensations() []string {
	var names []string
	for _, call := range r.invocations() {
		if call.Compensation {
			names = append(names, call.StepName)
		}
	}
	return names
}

type testEnv struct {
	store   *memstore.Store
	clock   *clockwork.FakeClock
	carrier *Carrier
	invoker *recordingInvoker
}

func newTestEnv(t *testing.T, opts ...CarrierOption) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   memstore.New(),
		clock:   clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		invoker: &recordingInvoker{},
	}
	base := []CarrierOption{
		WithClock(env.clock),
		WithInvoker(env.invoker),
		WithBackoffStrategy(NewFixedBackoffStrategy(0)),
	}
	carrier, err := NewCarrier(env.store, append(base, opts...)...)
	require.NoError(t, err)
	env.carrier = carrier
	return env
}

func intPtr(v int) *int { return &v }

func durationPtr(d time.Duration) *time.Duration { return &d }
