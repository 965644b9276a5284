package l2lv

import (
	"context"
	"sync/atomic"

	"gosuda.org/l2lv/internal/jobq"
	"gosuda.org/l2lv/internal/metrics"
)

// JobStats is a snapshot of a dispatcher's job pool.
type JobStats = jobq.Stats

// DefaultJobPool is the number of drain jobs a dispatcher holds.
const DefaultJobPool = jobq.DefaultCapacity

// Dispatcher drains the links that share its job queue on one goroutine.
// Port notifications push jobs; Run pops them and dispatches the frames.
type Dispatcher struct {
	jobs    *jobq.Queue[*Link]
	metrics *metrics.Metrics
	running atomic.Bool
}

func newDispatcher(capacity int, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		jobs:    jobq.New[*Link](capacity, m.JobsDropped.Inc),
		metrics: m,
	}
}

// push queues a drain of l. When the pool is exhausted the wake-up is dropped and
// counted; the frames stay in the port until the next drain of l.
func (d *Dispatcher) push(l *Link) bool {
	if !d.jobs.Push(l) {
		return false
	}
	d.metrics.JobsPushed.Inc()
	return true
}

// Run drains links until ctx is done. Only one Run may be active at a time.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer d.running.Store(false)

	err := d.jobs.Run(ctx, (*Link).drain)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Stats returns a snapshot of the job pool.
func (d *Dispatcher) Stats() JobStats {
	return d.jobs.Stats()
}
