package sagabus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Dispatcher runs a set of workers and owns their lifecycle.
type Dispatcher struct {
	logger *zap.Logger
	wg     sync.WaitGroup

	mu       sync.RWMutex
	workers  []Worker
	stopChan chan struct{}
	stopOnce *sync.Once
	started  bool
}

// NewDispatcher creates a dispatcher for the given workers.
func NewDispatcher(logger *zap.Logger, workers ...Worker) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		logger:  logger,
		workers: workers,
	}
}

// Add registers another worker. It has no effect once the dispatcher runs.
func (d *Dispatcher) Add(worker Worker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		d.logger.Warn("Cannot add a worker to a running dispatcher", zap.String("worker_name", worker.Name()))
		return
	}
	d.workers = append(d.workers, worker)
}

// Start runs every worker in its own goroutine and blocks until the context
// is cancelled or Stop is called, then waits for all workers to return.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		d.logger.Warn("Dispatcher already started")
		return
	}
	d.started = true
	d.stopChan = make(chan struct{})
	d.stopOnce = &sync.Once{}
	workers := append([]Worker(nil), d.workers...)
	stopChan := d.stopChan
	d.mu.Unlock()

	d.logger.Info("Starting dispatcher", zap.Int("worker_count", len(workers)))

	for _, w := range workers {
		d.wg.Add(1)
		go func(worker Worker) {
			defer d.wg.Done()
			d.logger.Info("Starting worker", zap.String("worker_name", worker.Name()))
			worker.Start(ctx)
			d.logger.Info("Worker stopped", zap.String("worker_name", worker.Name()))
		}(w)
	}

	select {
	case <-ctx.Done():
		d.logger.Info("Context cancelled, stopping dispatcher")
		d.Stop()
	case <-stopChan:
	}

	d.wg.Wait()
	d.logger.Info("Dispatcher shutdown complete")

	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
}

// Stop signals every worker to stop and waits for their in-flight passes.
// It is safe to call Stop multiple times.
func (d *Dispatcher) Stop() {
	d.mu.RLock()
	if !d.started {
		d.mu.RUnlock()
		d.logger.Debug("Dispatcher is not running")
		return
	}
	once, stopChan, workers := d.stopOnce, d.stopChan, d.workers
	d.mu.RUnlock()

	once.Do(func() {
		d.logger.Info("Stopping dispatcher")
		close(stopChan)
		for _, worker := range workers {
			worker.Stop()
		}
	})
}

// IsStarted returns true if the dispatcher is currently running.
func (d *Dispatcher) IsStarted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.started
}
