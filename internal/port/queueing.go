package port

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"gosuda.org/l2lv/internal/protocol"
	"gosuda.org/l2lv/qport"
)

// queueing is a Port over two qport handles.
type queueing struct {
	rx, tx qport.Handle
	notify func() bool
	logger *zap.Logger

	armed     atomic.Bool
	redeliver redelivery
	closed atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	sendBuf [protocol.MaxFrameSize]byte
}

func openQueueing(p qport.Provider, rxName, txName string, notify func() bool, logger *zap.Logger) (*queueing, error) {
	rx, err := p.Open(rxName, qport.Destination)
	if err != nil {
		return nil, fmt.Errorf("port: open receive port %q: %w", rxName, err)
	}
	tx, err := p.Open(txName, qport.Source)
	if err != nil {
		rx.Close()
		return nil, fmt.Errorf("port: open send port %q: %w", txName, err)
	}

	q := &queueing{
		rx:     rx,
		tx:     tx,
		notify: notify,
		logger: logger.With(zap.String("rx", rxName), zap.String("tx", txName)),
		done:   make(chan struct{}),
	}

	// Frames left over from a previous session belong to nobody.
	if n := q.drainStale(); n > 0 {
		q.logger.Info("discarded stale frames", zap.Int("frames", n))
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	go q.notifier(ctx)

	return q, nil
}

func (q *queueing) drainStale() int {
	var scratch [protocol.MaxFrameSize]byte
	n := 0
	for {
		_, err := q.rx.Read(scratch[:])
		if errors.Is(err, qport.ErrEmpty) || errors.Is(err, qport.ErrClosed) {
			return n
		}
		n++
	}
}

// notifier turns doorbell rings into Notify calls. The interrupt is masked after
// each delivery until EnableInterrupt re-arms it, or until the delivery is retried
// because Notify dropped it.
func (q *queueing) notifier(ctx context.Context) {
	defer close(q.done)
	for {
		if err := q.rx.Wait(ctx); err != nil {
			if ctx.Err() == nil {
				q.logger.Warn("receive port wait failed", zap.Error(err))
			}
			return
		}
		q.deliver()
	}
}

func (q *queueing) deliver() {
	if q.armed.CompareAndSwap(true, false) && !q.notify() {
		q.NotifyMissed()
	}
}

func (q *queueing) NotifyMissed() {
	if q.closed.Load() {
		return
	}
	q.armed.Store(true)
	q.redeliver.schedule(q.retry)
}

// retry redelivers a dropped notification if frames are still waiting. With
// nothing pending the port stays armed for the next doorbell.
func (q *queueing) retry() {
	if q.closed.Load() || q.RxState() == RxEmpty {
		return
	}
	q.deliver()
}

func (q *queueing) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	q.armed.Store(false)
	q.cancel()
	<-q.done

	return errors.Join(q.rx.Close(), q.tx.Close())
}

func (q *queueing) EnableInterrupt() bool {
	if q.closed.Load() {
		return false
	}
	q.armed.Store(true)
	return q.RxState() == RxNotEmpty
}

func (q *queueing) DisableInterrupt() {
	q.armed.Store(false)
}

func (q *queueing) TxState() TxState {
	if q.closed.Load() {
		return TxFull
	}
	st, err := q.tx.Stat()
	if err != nil || st.Pending >= st.Capacity {
		return TxFull
	}
	return TxNotFull
}

func (q *queueing) SendBuffer() []byte {
	return q.sendBuf[:]
}

func (q *queueing) Send(size int) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if size < 0 || size > len(q.sendBuf) {
		return ErrTooLarge
	}
	_, err := q.tx.Write(q.sendBuf[:size])
	switch {
	case err == nil:
		return nil
	case errors.Is(err, qport.ErrFull):
		return ErrFull
	default:
		return fmt.Errorf("port: send: %w", err)
	}
}

func (q *queueing) RxState() RxState {
	if q.closed.Load() {
		return RxEmpty
	}
	st, err := q.rx.Stat()
	if err != nil || st.Pending == 0 {
		return RxEmpty
	}
	return RxNotEmpty
}

func (q *queueing) Receive(buf []byte) (int, error) {
	if q.closed.Load() {
		return 0, ErrClosed
	}
	n, err := q.rx.Read(buf)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, qport.ErrEmpty):
		return 0, ErrEmpty
	default:
		return n, fmt.Errorf("port: receive: %w", err)
	}
}
