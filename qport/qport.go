// Package qport provides the queueing-port capability a link transport runs on.
//
// A queueing port is a bounded, unidirectional, frame-oriented queue that crosses a
// partition boundary. A port is opened by name either as a Source (send side) or a
// Destination (receive side); full duplex is two ports opened in opposite
// directions. Writes and reads never block. A Destination can wait for the writer's
// doorbell, which is how the transport learns that frames arrived.
package qport

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"gosuda.org/l2lv/internal/mpmc"
	"gosuda.org/l2lv/internal/protocol"
)

// Direction is fixed when a port is opened.
type Direction int

const (
	Source      Direction = iota // Frames are written into the port
	Destination                  // Frames are read out of the port
)

func (d Direction) String() string {
	switch d {
	case Source:
		return "source"
	case Destination:
		return "destination"
	default:
		return "unknown"
	}
}

var (
	ErrFull        = errors.New("qport: port is full")
	ErrEmpty       = errors.New("qport: port is empty")
	ErrTooLarge    = errors.New("qport: frame exceeds port size")
	ErrDirection   = errors.New("qport: operation not allowed for port direction")
	ErrClosed      = errors.New("qport: port closed")
	ErrEmptyName   = errors.New("qport: empty port name")
	ErrInit        = errors.New("qport: port memory never initialized")
	ErrUnsupported = errors.New("qport: backend not supported on this platform")
)

// Status is the result of Handle.Stat.
type Status struct {
	Pending  int // Frames waiting to be read
	Capacity int // Frames the port can hold
}

// Handle is one opened queueing port.
type Handle interface {
	Name() string
	Direction() Direction
	Stat() (Status, error)
	// Write enqueues one frame. It fails with ErrFull instead of blocking.
	Write(b []byte) (int, error)
	// Read dequeues one frame into b. It fails with ErrEmpty instead of blocking.
	Read(b []byte) (int, error)
	// Wait blocks until a frame was written since the previous Wait returned.
	Wait(ctx context.Context) error
	Close() error
}

// Provider opens queueing ports by name.
type Provider interface {
	Open(name string, dir Direction) (Handle, error)
}

// slot is one frame as stored in the ring.
type slot struct {
	n    uint32
	_    uint32
	data [protocol.MaxFrameSize]byte
}

// bell is the doorbell a writer rings after every frame.
type bell interface {
	ring()
	seq() uint32
	wait(ctx context.Context, seen uint32) error
}

// queue is the shared state behind both ends of one port name.
type queue struct {
	ring *mpmc.MPMCRing[slot]
	bell bell
}

// endpoint implements Handle on top of a queue.
type endpoint struct {
	name    string
	dir     Direction
	q       *queue
	seen    uint32
	closed  atomic.Bool
	release func() error
}

func newEndpoint(name string, dir Direction, q *queue, release func() error) *endpoint {
	return &endpoint{
		name:    name,
		dir:     dir,
		q:       q,
		seen:    q.bell.seq(),
		release: release,
	}
}

func (e *endpoint) Name() string { return e.name }

func (e *endpoint) Direction() Direction { return e.dir }

func (e *endpoint) Stat() (Status, error) {
	if e.closed.Load() {
		return Status{}, ErrClosed
	}
	return Status{Pending: e.q.ring.Len(), Capacity: e.q.ring.Cap()}, nil
}

func (e *endpoint) Write(b []byte) (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	if e.dir != Source {
		return 0, ErrDirection
	}
	if len(b) > protocol.MaxFrameSize {
		return 0, ErrTooLarge
	}

	ok := e.q.ring.TryEnqueueFunc(func(s *slot) {
		s.n = uint32(copy(s.data[:], b))
	})
	if !ok {
		return 0, ErrFull
	}
	e.q.bell.ring()
	return len(b), nil
}

func (e *endpoint) Read(b []byte) (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	if e.dir != Destination {
		return 0, ErrDirection
	}

	var n int
	var short bool
	ok := e.q.ring.TryDequeueFunc(func(s *slot) {
		size := int(s.n)
		if size > len(s.data) {
			size = len(s.data)
		}
		n = copy(b, s.data[:size])
		short = n < size
	})
	if !ok {
		return 0, ErrEmpty
	}
	if short {
		return n, io.ErrShortBuffer
	}
	return n, nil
}

func (e *endpoint) Wait(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if e.dir != Destination {
		return ErrDirection
	}

	cur := e.q.bell.seq()
	if cur != e.seen {
		e.seen = cur
		return nil
	}
	if err := e.q.bell.wait(ctx, cur); err != nil {
		return err
	}
	e.seen = e.q.bell.seq()
	return nil
}

func (e *endpoint) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.release != nil {
		return e.release()
	}
	return nil
}
