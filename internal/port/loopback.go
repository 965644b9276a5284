package port

import (
	"sync/atomic"

	"gosuda.org/l2lv/internal/mpmc"
	"gosuda.org/l2lv/internal/protocol"
)

type frame struct {
	n    uint32
	_    uint32
	data [protocol.MaxFrameSize]byte
}

// loopback is one end of an in-process port pair.
type loopback struct {
	inbox     *mpmc.MPMCRing[frame]
	notify    func() bool
	redeliver redelivery
	peer      atomic.Pointer[loopback]
	closed    atomic.Bool

	sendBuf [protocol.MaxFrameSize]byte
}

func newLoopback(depth int, notify func() bool) *loopback {
	return &loopback{
		inbox:  mpmc.NewMPMCRing[frame](uint64(depth)),
		notify: notify,
	}
}

// Connect pairs two loopback ports so that each one's sends land in the other's
// inbox.
func Connect(a, b Port) error {
	la, ok := a.(*loopback)
	if !ok {
		return ErrNotLoopback
	}
	lb, ok := b.(*loopback)
	if !ok {
		return ErrNotLoopback
	}
	if !la.peer.CompareAndSwap(nil, lb) {
		return ErrAlreadyPeers
	}
	if !lb.peer.CompareAndSwap(nil, la) {
		la.peer.Store(nil)
		return ErrAlreadyPeers
	}
	return nil
}

func (l *loopback) Close() error {
	l.closed.Store(true)
	return nil
}

// EnableInterrupt reports nothing pending: every send notifies the peer and a
// dropped notification is redelivered, so no wake-up can be lost between a drain
// and a re-arm.
func (l *loopback) EnableInterrupt() bool { return false }

func (l *loopback) DisableInterrupt() {}

func (l *loopback) NotifyMissed() {
	if !l.closed.Load() {
		l.redeliver.schedule(l.retry)
	}
}

func (l *loopback) retry() {
	if l.closed.Load() || l.RxState() == RxEmpty {
		return
	}
	if !l.notify() {
		l.NotifyMissed()
	}
}

func (l *loopback) TxState() TxState {
	p := l.peer.Load()
	if l.closed.Load() || p == nil || p.inbox.Len() >= p.inbox.Cap() {
		return TxFull
	}
	return TxNotFull
}

func (l *loopback) SendBuffer() []byte {
	return l.sendBuf[:]
}

func (l *loopback) Send(size int) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if size < 0 || size > len(l.sendBuf) {
		return ErrTooLarge
	}
	p := l.peer.Load()
	if p == nil {
		return ErrNoPeer
	}
	if p.closed.Load() {
		return ErrClosed
	}

	ok := p.inbox.TryEnqueueFunc(func(f *frame) {
		f.n = uint32(copy(f.data[:], l.sendBuf[:size]))
	})
	if !ok {
		return ErrFull
	}
	if !p.notify() {
		p.NotifyMissed()
	}
	return nil
}

func (l *loopback) RxState() RxState {
	if l.inbox.Len() == 0 {
		return RxEmpty
	}
	return RxNotEmpty
}

func (l *loopback) Receive(buf []byte) (int, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}
	var n int
	ok := l.inbox.TryDequeueFunc(func(f *frame) {
		n = copy(buf, f.data[:f.n])
	})
	if !ok {
		return 0, ErrEmpty
	}
	return n, nil
}
