// Package jobq moves work out of notification context onto a worker goroutine.
//
// A Queue owns a fixed pool of jobs. Every job is either free or pending. Push takes
// a free job, fills it and makes it pending; it never blocks and never allocates, so
// it is safe from notification callbacks. When the pool is exhausted the push is
// dropped and counted. Pop blocks a worker until a job is pending.
package jobq

import (
	"context"
	"errors"
	"sync/atomic"

	"gosuda.org/l2lv/internal/mpmc"
)

// DefaultCapacity is the pool size used when New is given zero.
const DefaultCapacity = 512

var ErrCorrupt = errors.New("jobq: job index lost")

// Stats is a snapshot of the pool. At quiescence Free+Pending equals Capacity.
type Stats struct {
	Free     int
	Pending  int
	Capacity int
	Dropped  uint64
}

// Queue is a bounded job queue. The zero value is not usable; call New.
type Queue[T any] struct {
	slots   []T
	free    *mpmc.MPMCRing[uint32]
	pending *mpmc.MPMCRing[uint32]
	wake    chan struct{}

	dropped atomic.Uint64
	onDrop  func()
}

// New returns a queue with capacity jobs. onDrop, when not nil, is called for every
// push that finds no free job.
func New[T any](capacity int, onDrop func()) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	q := &Queue[T]{
		slots:   make([]T, capacity),
		free:    mpmc.NewMPMCRing[uint32](uint64(capacity)),
		pending: mpmc.NewMPMCRing[uint32](uint64(capacity)),
		wake:    make(chan struct{}, 1),
		onDrop:  onDrop,
	}
	for i := 0; i < capacity; i++ {
		q.free.TryEnqueue(uint32(i))
	}
	return q
}

// Push queues v. It reports false when the pool is exhausted and v was dropped.
func (q *Queue[T]) Push(v T) bool {
	idx, ok := q.free.TryDequeue()
	if !ok {
		q.dropped.Add(1)
		if q.onDrop != nil {
			q.onDrop()
		}
		return false
	}

	q.slots[idx] = v
	q.schedule(idx)
	return true
}

func (q *Queue[T]) schedule(idx uint32) {
	if !q.pending.TryEnqueue(idx) {
		// Both rings hold at most len(slots) indices.
		panic(ErrCorrupt)
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) release(idx uint32) T {
	v := q.slots[idx]
	var zero T
	q.slots[idx] = zero
	if !q.free.TryEnqueue(idx) {
		panic(ErrCorrupt)
	}
	return v
}

// TryPop takes a pending job without blocking.
func (q *Queue[T]) TryPop() (v T, ok bool) {
	idx, ok := q.pending.TryDequeue()
	if !ok {
		return v, false
	}
	return q.release(idx), true
}

// Pop blocks until a job is pending or ctx is done.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	idx, err := q.popIndex(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	return q.release(idx), nil
}

func (q *Queue[T]) popIndex(ctx context.Context) (uint32, error) {
	for {
		if idx, ok := q.pending.TryDequeue(); ok {
			return idx, nil
		}

		select {
		case <-q.wake:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Run pops jobs and hands them to drain until ctx is done. When drain reports
// true the job is queued again on the slot it already holds, so a consumer that
// re-armed its source and found it non-empty always gets another pass, however
// many pushes are competing for free jobs.
func (q *Queue[T]) Run(ctx context.Context, drain func(T) bool) error {
	for {
		idx, err := q.popIndex(ctx)
		if err != nil {
			return err
		}
		if drain(q.slots[idx]) {
			q.schedule(idx)
			continue
		}
		q.release(idx)
	}
}

// Stats returns a snapshot of the pool. A job being drained by Run is neither
// free nor pending.
func (q *Queue[T]) Stats() Stats {
	return Stats{
		Free:     q.free.Len(),
		Pending:  q.pending.Len(),
		Capacity: len(q.slots),
		Dropped:  q.dropped.Load(),
	}
}
