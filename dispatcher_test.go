package sagabus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockWorker blocks in Start until it is stopped or its context ends.
// It can be started again after a stop.
type mockWorker struct {
	name        string
	startCalled chan bool
	stopCalled  chan bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newMockWorker(name string) *mockWorker {
	return &mockWorker{
		name:        name,
		startCalled: make(chan bool, 4),
		stopCalled:  make(chan bool, 4),
	}
}

func (m *mockWorker) Name() string {
	return m.name
}

func (m *mockWorker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mu.Lock()
	m.cancel, m.done = cancel, done
	m.mu.Unlock()
	defer close(done)

	m.startCalled <- true
	<-ctx.Done()
}

func (m *mockWorker) Stop() {
	m.stopCalled <- true
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done // Wait for the Start loop to exit.
}

func expectSignal(t *testing.T, ch <-chan bool, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal(what)
	}
}

func TestDispatcher_StartAndStop(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	worker1 := newMockWorker("worker1")
	worker2 := newMockWorker("worker2")

	dispatcher := NewDispatcher(logger, worker1, worker2)
	assert.False(t, dispatcher.IsStarted(), "Dispatcher should not be started initially")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Start(ctx)
	}()

	expectSignal(t, worker1.startCalled, "worker1.Start was not called")
	expectSignal(t, worker2.startCalled, "worker2.Start was not called")
	assert.True(t, dispatcher.IsStarted(), "Dispatcher should be in started state")

	dispatcher.Stop()

	expectSignal(t, worker1.stopCalled, "worker1.Stop was not called")
	expectSignal(t, worker2.stopCalled, "worker2.Stop was not called")

	wg.Wait()
	assert.False(t, dispatcher.IsStarted(), "Dispatcher should be in stopped state after Stop()")
}

func TestDispatcher_ContextCancellation(t *testing.T) {
	worker := newMockWorker("test-worker")
	dispatcher := NewDispatcher(zap.NewNop(), worker)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	dispatcher.Start(ctx)

	expectSignal(t, worker.stopCalled, "worker.Stop was not called after context cancellation")
	assert.False(t, dispatcher.IsStarted())
}

func TestDispatcher_RestartAfterStop(t *testing.T) {
	worker := newMockWorker("test-worker")
	dispatcher := NewDispatcher(zap.NewNop(), worker)
	ctx := context.Background()

	for round := 1; round <= 2; round++ {
		finished := make(chan struct{})
		go func() {
			dispatcher.Start(ctx)
			close(finished)
		}()
		expectSignal(t, worker.startCalled, "worker was not started")
		assert.True(t, dispatcher.IsStarted())

		// A second Start while running is a no-op.
		dispatcher.Start(ctx)

		dispatcher.Stop()
		expectSignal(t, worker.stopCalled, "worker was not stopped")
		<-finished
		assert.False(t, dispatcher.IsStarted(), "round %d", round)
	}

	// Stopping an idle dispatcher is a no-op.
	assert.NotPanics(t, dispatcher.Stop)
}

func TestDispatcher_Add(t *testing.T) {
	first := newMockWorker("first")
	late := newMockWorker("late")
	dispatcher := NewDispatcher(zap.NewNop())
	dispatcher.Add(first)

	finished := make(chan struct{})
	go func() {
		dispatcher.Start(context.Background())
		close(finished)
	}()
	expectSignal(t, first.startCalled, "added worker was not started")

	dispatcher.Add(late)
	dispatcher.Stop()
	<-finished

	select {
	case <-late.startCalled:
		t.Fatal("a worker added to a running dispatcher must not start")
	default:
	}
	require.Len(t, dispatcher.workers, 1)
}
