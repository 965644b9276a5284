package qport

import (
	"context"
	"sync"

	"gosuda.org/l2lv/internal/mpmc"
)

// DefaultDepth is the number of frames a port holds when no depth is given.
const DefaultDepth = 64

// Memory is an in-process Provider. Opening the same name as Source and as
// Destination connects the two handles, which lets two links in one process talk
// through real queueing-port semantics.
type Memory struct {
	depth int

	mu     sync.Mutex
	queues map[string]*queue
}

// NewMemory returns a provider whose ports hold depth frames.
func NewMemory(depth int) *Memory {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Memory{depth: depth, queues: make(map[string]*queue)}
}

// Open implements Provider.
func (m *Memory) Open(name string, dir Direction) (Handle, error) {
	if name == "" {
		return nil, ErrEmptyName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[name]
	if !ok {
		q = &queue{
			ring: mpmc.NewMPMCRing[slot](uint64(m.depth)),
			bell: newChanBell(),
		}
		m.queues[name] = q
	}
	return newEndpoint(name, dir, q, nil), nil
}

// chanBell is a doorbell for waiters in the same process.
type chanBell struct {
	mu sync.Mutex
	n  uint32
	ch chan struct{}
}

func newChanBell() *chanBell {
	return &chanBell{ch: make(chan struct{})}
}

func (b *chanBell) ring() {
	b.mu.Lock()
	b.n++
	close(b.ch)
	b.ch = make(chan struct{})
	b.mu.Unlock()
}

func (b *chanBell) seq() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

func (b *chanBell) wait(ctx context.Context, seen uint32) error {
	b.mu.Lock()
	if b.n != seen {
		b.mu.Unlock()
		return nil
	}
	ch := b.ch
	b.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
