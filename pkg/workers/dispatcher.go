// Package workers runs detached background tasks for the transcript service.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/penf-transcripts/pkg/logging"
	"github.com/otherjamesbrown/penf-transcripts/pkg/observability"
)

// ErrDispatcherClosed is returned by Submit after Shutdown has begun.
var ErrDispatcherClosed = errors.New("dispatcher is shutting down")

// Task is a unit of background work.
type Task func(ctx context.Context) error

// DispatcherStatus represents the dispatcher's current status.
type DispatcherStatus string

const (
	DispatcherStatusAccepting DispatcherStatus = "accepting"
	DispatcherStatusDraining  DispatcherStatus = "draining"
	DispatcherStatusStopped   DispatcherStatus = "stopped"
)

// Dispatcher runs each submitted task on its own goroutine. Tasks are
// detached from the submitter: their context is cancelled only when a
// shutdown deadline expires. There is no limit on concurrent tasks.
type Dispatcher struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	status DispatcherStatus

	inFlight  atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64

	metrics *observability.PipelineMetrics
	logger  logging.Logger
}

// NewDispatcher creates a dispatcher. metrics may be nil.
func NewDispatcher(metrics *observability.PipelineMetrics, logger logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		ctx:     ctx,
		cancel:  cancel,
		status:  DispatcherStatusAccepting,
		metrics: metrics,
		logger:  logger.With(logging.F("component", "dispatcher")),
	}
}

// Submit starts fn in the background and returns its task ID immediately.
func (d *Dispatcher) Submit(name string, fn Task) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.status != DispatcherStatusAccepting {
		return "", ErrDispatcherClosed
	}

	taskID := uuid.New().String()
	d.wg.Add(1)
	d.inFlight.Add(1)
	if d.metrics != nil {
		d.metrics.TaskStarted()
	}

	go d.run(taskID, name, fn)
	return taskID, nil
}

func (d *Dispatcher) run(taskID, name string, fn Task) {
	start := time.Now()
	log := d.logger.With(logging.F("task_id", taskID), logging.F("task", name))

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}

		status := "completed"
		if err != nil {
			status = "failed"
			d.failed.Add(1)
			log.Error("Background task failed",
				logging.Err(err),
				logging.F("duration", time.Since(start)))
		} else {
			d.processed.Add(1)
			log.Debug("Background task completed",
				logging.F("duration", time.Since(start)))
		}

		d.inFlight.Add(-1)
		if d.metrics != nil {
			d.metrics.TaskFinished(status)
		}
		d.wg.Done()
	}()

	err = fn(d.ctx)
}

// Shutdown stops accepting tasks and waits for running ones. If ctx ends
// first, running tasks are cancelled and ctx's error is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.status == DispatcherStatusStopped {
		d.mu.Unlock()
		return nil
	}
	d.status = DispatcherStatusDraining
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("Shutdown deadline reached, cancelling tasks",
			logging.F("in_flight", d.inFlight.Load()))
		d.cancel()
		<-done
		err = ctx.Err()
	}

	d.cancel()
	d.mu.Lock()
	d.status = DispatcherStatusStopped
	d.mu.Unlock()
	return err
}

// Stats returns dispatcher statistics.
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return DispatcherStats{
		Status:    d.status,
		InFlight:  d.inFlight.Load(),
		Processed: d.processed.Load(),
		Failed:    d.failed.Load(),
	}
}

// DispatcherStats contains dispatcher statistics.
type DispatcherStats struct {
	Status    DispatcherStatus
	InFlight  int64
	Processed int64
	Failed    int64
}
