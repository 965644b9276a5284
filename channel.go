package l2lv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gosuda.org/l2lv/internal/arena"
	"gosuda.org/l2lv/internal/protocol"
	"gosuda.org/l2lv/shm"
)

// MaxChannels is the number of channels one link can carry.
const MaxChannels = 16

// ReceiveFunc handles a data frame. payload is only valid until it returns.
type ReceiveFunc func(ch *Channel, typ MsgType, payload []byte) error

// SyncFunc observes the SYNC events that moved a channel.
type SyncFunc func(ch *Channel, ev SyncEvent)

// ChannelConfig describes a channel to add to a link.
//
// Callbacks run on the dispatcher goroutine without the link lock held. They may
// call Send without waiting for an acknowledgement, but must not block on one.
type ChannelConfig struct {
	ID        uint16
	ShmName   string // Shared memory region backing bulk payloads, optional
	OnReceive ReceiveFunc
	OnSync    SyncFunc
	User      any
}

// Channel is one logical conversation on a link.
type Channel struct {
	id        uint16
	link      *Link
	handle    arena.Handle
	region    *shm.Region
	onReceive ReceiveFunc
	onSync    SyncFunc
	user      any

	// Guarded by link.mu. changed is closed and replaced on every transition.
	state   ChannelState
	changed chan struct{}
	req     *request // outstanding wait-for-ack send
}

// request is a client send waiting in REQ_DATA. done is closed once the channel
// leaves REQ_DATA; err is nil only when the server answered.
type request struct {
	done chan struct{}
	err  error
}

// ID returns the channel id, unique within its link.
func (c *Channel) ID() uint16 { return c.id }

// Link returns the link carrying the channel.
func (c *Channel) Link() *Link { return c.link }

// User returns the value given as ChannelConfig.User.
func (c *Channel) User() any { return c.user }

// Shm returns the shared memory of the channel, or nil when it has none.
func (c *Channel) Shm() []byte {
	if c.region == nil {
		return nil
	}
	return c.region.Bytes()
}

// State returns the current state of the channel.
func (c *Channel) State() ChannelState {
	c.link.mu.Lock()
	st := c.state
	c.link.mu.Unlock()
	return st
}

// checkLocked rejects handles to removed channels and channels of closed links.
func (c *Channel) checkLocked() error {
	if c.link.closed || c.link.port == nil {
		return ErrNoPort
	}
	if got, ok := c.link.channels.Get(c.handle); !ok || got != c {
		return ErrNoDevice
	}
	return nil
}

func (c *Channel) setStateLocked(s ChannelState) {
	from := c.state
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})

	if c.req != nil && s != ClientReqData {
		req := c.req
		c.req = nil
		if s != ClientReady {
			req.err = ErrAgain
		}
		close(req.done)
	}

	if from != s {
		l := c.link
		l.metrics.Transitions.WithLabelValues(l.role.String(), from.String(), s.String()).Inc()
		l.logger.Debug("channel state",
			zapChannel(c.id),
			zapState("from", from),
			zapState("to", s),
		)
	}
}

var errWaitTimeout = errors.New("l2lv: wait timed out")

// waitLocked releases the link lock until done accepts the channel state, ctx is
// done or timeout expires. A zero timeout waits without limit. The lock is held
// again when it returns.
func (c *Channel) waitLocked(ctx context.Context, timeout time.Duration, done func(ChannelState) bool) error {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for !done(c.state) {
		changed := c.changed
		c.link.mu.Unlock()

		var err error
		select {
		case <-changed:
		case <-expired:
			err = errWaitTimeout
		case <-ctx.Done():
			err = ctx.Err()
		}

		c.link.mu.Lock()
		if err != nil {
			if done(c.state) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Open brings the channel up.
//
// On a client link it sends OPEN_REQ and waits up to the link's open timeout for
// OPEN_ACK. A timeout returns ErrNoDevice; a channel closed meanwhile returns
// ErrAgain. Opening a channel that is already open succeeds immediately.
//
// On a server link it moves the channel to OFFLINE and announces SERVER_INIT so
// that clients holding the channel open re-open it.
func (c *Channel) Open(ctx context.Context) error {
	l := c.link
	l.mu.Lock()
	if err := c.checkLocked(); err != nil {
		l.mu.Unlock()
		return err
	}

	if l.role == RoleServer {
		c.setStateLocked(ServerOffline)
		err := l.sendSyncLocked(c, SyncServerInit)
		l.mu.Unlock()
		return err
	}

	switch c.state {
	case ClientReady, ClientReqData:
		l.mu.Unlock()
		return nil
	}

	c.setStateLocked(ClientOffline)
	if err := l.sendSyncLocked(c, SyncOpenReq); err != nil {
		l.mu.Unlock()
		return err
	}

	err := c.waitLocked(ctx, l.openTimeout, func(s ChannelState) bool {
		return s != ClientOffline
	})
	st := c.state
	l.mu.Unlock()

	switch {
	case errors.Is(err, errWaitTimeout):
		return fmt.Errorf("open channel %d on link %d: %w", c.id, l.id, ErrNoDevice)
	case err != nil:
		return err
	case st == ClientReady || st == ClientReqData:
		return nil
	default:
		return ErrAgain
	}
}

// Close marks the channel UNAVAIL and wakes everything waiting on it.
func (c *Channel) Close() error {
	l := c.link
	l.mu.Lock()
	if err := c.checkLocked(); err != nil {
		l.mu.Unlock()
		return err
	}
	c.setStateLocked(unavailState(l.role))
	l.mu.Unlock()
	return nil
}

// Send transmits payload as a typ frame.
//
// Only READY channels send. On a client link with waitAck set the channel moves to
// REQ_DATA and Send blocks until the server answers with a data frame, which
// returns nil, or the channel is knocked out of REQ_DATA by a server restart or a
// local close, which returns ErrAgain. If ctx ends first the channel goes back to
// READY. Server links never wait.
func (c *Channel) Send(ctx context.Context, typ MsgType, payload []byte, waitAck bool) error {
	if len(payload) > MaxPayloadSize {
		return ErrInvalid
	}
	return c.send(ctx, typ, waitAck, func(b []byte) (int, error) {
		return copy(b, payload), nil
	})
}

// SendShm copies data into the channel's shared memory at offset and sends a typ
// frame referring to it. The peer reads it back with ReadShm.
func (c *Channel) SendShm(ctx context.Context, typ MsgType, offset int, data []byte, waitAck bool) error {
	if c.region == nil {
		return ErrNoShm
	}
	if offset < 0 || offset+len(data) > c.region.Size() {
		return ErrInvalid
	}
	return c.send(ctx, typ, waitAck, func(b []byte) (int, error) {
		mem := c.region.Bytes()
		if mem == nil {
			return 0, shm.ErrClosed
		}
		copy(mem[offset:], data)
		return protocol.PutShmRef(b, protocol.ShmRef{
			Offset: uint32(offset),
			Length: uint32(len(data)),
		}), nil
	})
}

// ReadShm resolves a payload sent with SendShm to the bytes it refers to. The
// returned slice aliases the shared memory.
func (c *Channel) ReadShm(payload []byte) ([]byte, error) {
	if c.region == nil {
		return nil, ErrNoShm
	}
	mem := c.region.Bytes()
	ref, err := protocol.ParseShmRef(payload, len(mem))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return mem[ref.Offset : ref.Offset+ref.Length], nil
}

// send runs the send path with the link lock held. fill writes the payload into
// the frame and returns its length.
func (c *Channel) send(ctx context.Context, typ MsgType, waitAck bool, fill func([]byte) (int, error)) error {
	if typ == MsgSync {
		return ErrInvalid
	}

	l := c.link
	l.mu.Lock()
	if err := c.checkLocked(); err != nil {
		l.mu.Unlock()
		return err
	}
	if err := l.txReadyLocked(); err != nil {
		l.mu.Unlock()
		return err
	}
	if err := sendableState(c.state); err != nil {
		l.mu.Unlock()
		return err
	}

	if l.role == RoleServer || !waitAck {
		err := l.sendDataLocked(c, typ, fill)
		l.mu.Unlock()
		return err
	}

	req := &request{done: make(chan struct{})}
	c.req = req
	c.setStateLocked(ClientReqData)
	if err := l.sendDataLocked(c, typ, fill); err != nil {
		c.setStateLocked(ClientReady)
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()

	select {
	case <-req.done:
		return req.err
	case <-ctx.Done():
	}

	l.mu.Lock()
	if c.req == req {
		// Give up on the answer but keep the channel usable.
		c.req = nil
		c.setStateLocked(ClientReady)
		l.mu.Unlock()
		return ctx.Err()
	}
	l.mu.Unlock()
	// The request ended while the lock was released.
	<-req.done
	return req.err
}

func sendableState(s ChannelState) error {
	switch s {
	case ClientReady, ServerReady:
		return nil
	case ClientOffline, ServerOffline:
		return ErrNoDevice
	case ClientReqData:
		return ErrAgain
	default:
		return ErrInvalid
	}
}

func (c *Channel) syncCallback(ev SyncEvent) func() {
	if c.onSync == nil {
		return nil
	}
	return func() { c.onSync(c, ev) }
}
