// Package port is the message port a link runs on.
//
// A Port couples one receive and one send direction. The queueing backend sits on a
// pair of qport handles. The loopback backend connects two ports of the same
// process back to back with a bounded inbox on each side.
package port

import (
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gosuda.org/l2lv/internal/logging"
	"gosuda.org/l2lv/qport"
)

// TxState reports whether the send direction accepts another frame.
type TxState int

const (
	TxNotFull TxState = iota // Send will accept a frame
	TxFull                   // Send would fail
)

func (s TxState) String() string {
	if s == TxFull {
		return "full"
	}
	return "not-full"
}

// RxState reports whether frames wait on the receive direction.
type RxState int

const (
	RxEmpty    RxState = iota // Nothing to receive
	RxNotEmpty                // Receive will return a frame
)

func (s RxState) String() string {
	if s == RxNotEmpty {
		return "not-empty"
	}
	return "empty"
}

var (
	ErrConfig       = errors.New("port: receive and send names must both be set or both be empty")
	ErrNoProvider   = errors.New("port: queueing port provider is nil")
	ErrClosed       = errors.New("port: port closed")
	ErrFull         = errors.New("port: send direction full")
	ErrEmpty        = errors.New("port: receive direction empty")
	ErrTooLarge     = errors.New("port: frame larger than port size")
	ErrNoPeer       = errors.New("port: loopback port not connected")
	ErrNotLoopback  = errors.New("port: not a loopback port")
	ErrAlreadyPeers = errors.New("port: loopback port already connected")
)

// DefaultLoopbackDepth is the inbox depth of a loopback port.
const DefaultLoopbackDepth = 16

// notifyRetry is how long a port waits before redelivering a notification that
// Notify could not take.
const notifyRetry = 5 * time.Millisecond

// Port is a full-duplex frame port.
type Port interface {
	// Close releases the port. Calling it again is a no-op.
	Close() error

	// EnableInterrupt re-arms the receive notification and reports whether frames
	// are already pending, in which case the caller must drain again.
	EnableInterrupt() bool
	DisableInterrupt()
	// NotifyMissed reports a notification that was not acted on. The port re-arms
	// and notifies again while frames are pending.
	NotifyMissed()

	TxState() TxState
	// SendBuffer is the single send buffer of the port, protocol.MaxFrameSize long.
	// Callers serialise its use.
	SendBuffer() []byte
	// Send transmits the first size bytes of the send buffer.
	Send(size int) error

	RxState() RxState
	// Receive copies the next frame into buf.
	Receive(buf []byte) (int, error)
}

// Config selects and configures a backend.
type Config struct {
	RxName string // Queueing port to receive from
	TxName string // Queueing port to send to

	// Provider opens the queueing ports. Unused in loopback mode.
	Provider qport.Provider

	// Notify is called when frames arrive while the interrupt is armed. It runs on a
	// notifier goroutine, a timer or the sending goroutine and must not block. It
	// returns false when the notification was dropped; the port then delivers it
	// again later.
	Notify func() bool

	// LoopbackDepth is the inbox depth in loopback mode.
	LoopbackDepth int

	Logger *zap.Logger
}

// Open opens a port. Empty RxName and TxName select loopback mode; the loopback
// port must then be paired with Connect before it can send.
func Open(cfg Config) (Port, error) {
	if (cfg.RxName == "") != (cfg.TxName == "") {
		return nil, ErrConfig
	}

	logger := logging.OrNop(cfg.Logger)
	notify := cfg.Notify
	if notify == nil {
		notify = func() bool { return true }
	}

	if cfg.RxName == "" {
		depth := cfg.LoopbackDepth
		if depth <= 0 {
			depth = DefaultLoopbackDepth
		}
		return newLoopback(depth, notify), nil
	}

	if cfg.Provider == nil {
		return nil, ErrNoProvider
	}
	return openQueueing(cfg.Provider, cfg.RxName, cfg.TxName, notify, logger.Named("port"))
}

// redelivery schedules at most one pending retry of a dropped notification.
type redelivery struct {
	scheduled atomic.Bool
}

func (r *redelivery) schedule(retry func()) {
	if r.scheduled.CompareAndSwap(false, true) {
		time.AfterFunc(notifyRetry, func() {
			r.scheduled.Store(false)
			retry()
		})
	}
}
