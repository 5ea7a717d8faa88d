package sagabus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// WorkFunc is one pass of a periodic worker.
type WorkFunc func(ctx context.Context) error

// WorkerOption configures a BaseWorker.
type WorkerOption func(*BaseWorker)

// WithWorkerClock replaces the clock driving the ticker.
func WithWorkerClock(clock clockwork.Clock) WorkerOption {
	return func(w *BaseWorker) {
		w.clock = clock
	}
}

// WithWorkerRunOnStart runs the first pass immediately instead of after one interval.
func WithWorkerRunOnStart() WorkerOption {
	return func(w *BaseWorker) {
		w.runOnStart = true
	}
}

// WithWorkerMetrics records the duration and failures of every pass.
func WithWorkerMetrics(metrics MetricsCollector) WorkerOption {
	return func(w *BaseWorker) {
		w.metrics = metrics
	}
}

// BaseWorker is a generic, ticker-based worker implementation.
// It runs a given function at a specified interval and handles graceful shutdown.
// A panicking pass is logged and the loop continues.
type BaseWorker struct {
	name       string
	interval   time.Duration
	logger     *zap.Logger
	metrics    MetricsCollector
	clock      clockwork.Clock
	workFunc   WorkFunc
	runOnStart bool

	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopOnce sync.Once
	stopChan chan struct{}
	started  bool
}

// NewBaseWorker creates a new generic worker.
func NewBaseWorker(name string, interval time.Duration, logger *zap.Logger, workFunc WorkFunc, opts ...WorkerOption) *BaseWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &BaseWorker{
		name:     name,
		interval: interval,
		logger:   logger,
		metrics:  NewNopMetricsCollector(),
		clock:    clockwork.NewRealClock(),
		workFunc: workFunc,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins the worker's execution loop.
// It blocks until the worker is stopped via the context or a call to Stop().
func (w *BaseWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		w.logger.Warn("Worker already started", zap.String("name", w.name))
		return
	}
	w.started = true
	w.mu.Unlock()

	w.logger.Info("Worker starting", zap.String("name", w.name), zap.Duration("interval", w.interval))
	defer w.logger.Info("Worker finished", zap.String("name", w.name))

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	if w.runOnStart {
		w.execute(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.Chan():
			// Stop may have been called while the tick was pending.
			select {
			case <-w.stopChan:
				return
			default:
			}
			w.execute(ctx)
		}
	}
}

// execute runs one pass; Stop waits for it to complete.
func (w *BaseWorker) execute(ctx context.Context) {
	w.wg.Add(1)
	defer w.wg.Done()

	if ctx.Err() != nil {
		return
	}

	tags := map[string]string{"worker": w.name}
	start := w.clock.Now()
	err := w.safeRun(ctx)
	w.metrics.RecordDuration("sagabus.worker.duration", w.clock.Since(start), tags)
	if err != nil {
		w.metrics.IncrementCounter("sagabus.worker.failed", tags)
		w.logger.Error("Worker function failed", zap.String("name", w.name), zap.Error(err))
	}
}

func (w *BaseWorker) safeRun(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %s panicked: %v", w.name, r)
		}
	}()
	return w.workFunc(ctx)
}

// Stop gracefully shuts down the worker.
// It waits for any in-progress pass to complete and is safe to call multiple times.
func (w *BaseWorker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.RLock()
		defer w.mu.RUnlock()
		if !w.started {
			return
		}
		close(w.stopChan)
		w.wg.Wait()
	})
}

// Name returns the name of the worker.
func (w *BaseWorker) Name() string {
	return w.name
}
