package l2lv

import (
	"errors"

	"go.uber.org/zap"

	"gosuda.org/l2lv/internal/metrics"
	"gosuda.org/l2lv/internal/port"
	"gosuda.org/l2lv/internal/protocol"
)

// drain receives and dispatches frames until the port is empty or the budget is
// spent, then re-arms the port interrupt. It reports whether the link needs
// another pass.
func (l *Link) drain() bool {
	for i := 0; i < drainBudget; i++ {
		l.mu.Lock()
		if l.closed || l.port == nil {
			l.mu.Unlock()
			return false
		}
		if l.port.RxState() == port.RxEmpty {
			pending := l.port.EnableInterrupt()
			l.mu.Unlock()
			return pending
		}
		n, err := l.port.Receive(l.rxBuf[:])
		l.mu.Unlock()

		if err != nil {
			if !errors.Is(err, port.ErrEmpty) {
				l.drop(metrics.ReasonReceive, "receive failed", zap.Error(err))
			}
			continue
		}
		l.dispatch(l.rxBuf[:n])
	}
	return true
}

// dispatch routes one received frame. frame holds exactly the bytes received.
func (l *Link) dispatch(frame []byte) {
	h, err := protocol.ParseHeader(frame)
	if err != nil {
		reason := metrics.ReasonShort
		if errors.Is(err, protocol.ErrSizeMismatch) {
			reason = metrics.ReasonSize
		}
		l.drop(reason, "malformed frame dropped",
			zap.Error(err),
			zap.Int("received", len(frame)),
			zap.Uint16("declared", h.Size),
		)
		return
	}
	payload := frame[protocol.HeaderSize:h.Size]

	l.mu.Lock()
	_, ch, ok := l.channels.Find(func(c *Channel) bool { return c.id == h.Channel })
	if !ok {
		l.mu.Unlock()
		l.drop(metrics.ReasonChannel, "frame for unknown channel", zapChannel(h.Channel))
		return
	}

	if h.Type == protocol.MsgSync {
		l.metrics.FramesReceived.WithLabelValues(l.role.String(), "sync").Inc()
		ev, err := protocol.ParseSync(payload)
		if err != nil {
			l.mu.Unlock()
			l.drop(metrics.ReasonSync, "bad sync frame", zapChannel(h.Channel), zap.Error(err))
			return
		}
		l.metrics.SyncEvents.WithLabelValues(l.role.String(), ev.String()).Inc()
		after := l.handleSync(ch, ev)
		l.mu.Unlock()

		if after != nil {
			after()
		}
		return
	}

	l.metrics.FramesReceived.WithLabelValues(l.role.String(), "data").Inc()
	deliver := l.acceptData(ch)
	l.mu.Unlock()
	if !deliver {
		return
	}

	if ch.onReceive != nil {
		if err := ch.onReceive(ch, h.Type, payload); err != nil {
			l.drop(metrics.ReasonReceive, "receive callback failed",
				zapChannel(ch.id),
				zap.Stringer("type", h.Type),
				zap.Error(err),
			)
		}
	}

	if l.role == RoleClient {
		l.completeRequest(ch)
	}
}

// clientSync applies a SYNC event to a client channel.
func (l *Link) clientSync(ch *Channel, ev SyncEvent) func() {
	st := ch.state.(ClientState)

	switch {
	case st == ClientOffline && ev == SyncOpenAck:
		ch.setStateLocked(ClientReady)
		return ch.syncCallback(ev)

	case (st == ClientReady || st == ClientReqData) && ev == SyncServerInit:
		// The server restarted. Shared state is gone; open again. A sender
		// blocked in REQ_DATA wakes up and sees OFFLINE.
		ch.setStateLocked(ClientOffline)
		if err := l.sendSyncLocked(ch, SyncOpenReq); err != nil {
			l.warn("re-open after server restart failed", zapChannel(ch.id), zap.Error(err))
		}
		return ch.syncCallback(ev)

	case st == ClientUnavail:
		l.warn("sync event on closed channel", zapChannel(ch.id), zap.Stringer("event", ev))
		return nil

	default:
		l.warn("unexpected sync event, channel out of sync",
			zapChannel(ch.id),
			zapState("state", st),
			zap.Stringer("event", ev),
		)
		ch.setStateLocked(ClientOffline)
		return nil
	}
}

// serverSync applies a SYNC event to a server channel.
func (l *Link) serverSync(ch *Channel, ev SyncEvent) func() {
	st := ch.state.(ServerState)

	if ev == SyncOpenReq && (st == ServerOffline || st == ServerReady) {
		// A second OPEN_REQ on a READY channel means the client restarted.
		ch.setStateLocked(ServerReady)
		if err := l.sendSyncLocked(ch, SyncOpenAck); err != nil {
			l.warn("open ack failed", zapChannel(ch.id), zap.Error(err))
		}
		return ch.syncCallback(ev)
	}

	l.warn("unexpected sync event",
		zapChannel(ch.id),
		zapState("state", st),
		zap.Stringer("event", ev),
	)
	return nil
}

func (l *Link) clientAcceptData(ch *Channel) bool {
	switch ch.state {
	case ClientReady, ClientReqData:
		return true
	}
	l.drop(metrics.ReasonState, "data on channel that is not open",
		zapChannel(ch.id),
		zapState("state", ch.state),
	)
	return false
}

func (l *Link) serverAcceptData(ch *Channel) bool {
	if ch.state == ServerReady {
		return true
	}
	l.drop(metrics.ReasonState, "data on channel that is not open",
		zapChannel(ch.id),
		zapState("state", ch.state),
	)
	return false
}

// completeRequest treats data from the server as the answer a client sender in
// REQ_DATA is waiting for.
func (l *Link) completeRequest(ch *Channel) {
	l.mu.Lock()
	if ch.checkLocked() == nil && ch.state == ClientReqData {
		ch.setStateLocked(ClientReady)
	}
	l.mu.Unlock()
}
