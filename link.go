// Package l2lv multiplexes logical channels over one full-duplex queueing port
// between two isolated partitions.
//
// A Link owns a port and up to MaxChannels channels. Every channel runs a small
// state machine (client or server, fixed by the link) that performs the open
// handshake, re-synchronises after a server restart and, on clients, lets a
// sender wait for the server's answer. Frames arriving on a port are drained by a
// Dispatcher goroutine; the port notification itself only queues a job.
package l2lv

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gosuda.org/l2lv/internal/arena"
	"gosuda.org/l2lv/internal/metrics"
	"gosuda.org/l2lv/internal/port"
	"gosuda.org/l2lv/internal/protocol"
	"gosuda.org/l2lv/shm"
)

// LoopbackID is the id of the same-process link pair every registry carries.
const LoopbackID uint32 = 0xFFFFFFFF

// DefaultOpenTimeout bounds how long a client waits for OPEN_ACK.
const DefaultOpenTimeout = 300 * time.Millisecond

// drainBudget is the number of frames one job may dispatch before the link is
// queued again behind other links.
const drainBudget = 64

// LinkConfig describes a link to add to a registry.
type LinkConfig struct {
	ID     uint32
	Role   Role
	RxName string // Queueing port the link receives on
	TxName string // Queueing port the link sends on
}

// Link is one point-to-point transport carrying several channels.
type Link struct {
	id          uint32
	role        Role
	disp        *Dispatcher
	mapper      shm.Mapper
	logger      *zap.Logger
	metrics     *metrics.Metrics
	warnLimit   *rate.Limiter
	openTimeout time.Duration

	// Role handlers, fixed at construction. Both run with mu held.
	handleSync func(ch *Channel, ev SyncEvent) func()
	acceptData func(ch *Channel) bool

	// mu serialises the channel table, every use of the port and the single
	// send buffer behind it.
	mu       sync.Mutex
	closed   bool
	port     port.Port
	channels *arena.Arena[*Channel]

	// Only touched by the dispatcher goroutine.
	rxBuf [protocol.MaxFrameSize]byte
}

type linkDeps struct {
	disp        *Dispatcher
	mapper      shm.Mapper
	logger      *zap.Logger
	metrics     *metrics.Metrics
	openTimeout time.Duration
}

func newLink(id uint32, role Role, deps linkDeps) *Link {
	l := &Link{
		id:          id,
		role:        role,
		disp:        deps.disp,
		mapper:      deps.mapper,
		logger:      deps.logger.With(zap.Uint32("link", id), zap.Stringer("role", role)),
		metrics:     deps.metrics,
		warnLimit:   rate.NewLimiter(rate.Every(100*time.Millisecond), 10),
		openTimeout: deps.openTimeout,
		channels:    arena.New[*Channel](MaxChannels),
	}
	if l.openTimeout <= 0 {
		l.openTimeout = DefaultOpenTimeout
	}

	switch role {
	case RoleClient:
		l.handleSync = l.clientSync
		l.acceptData = l.clientAcceptData
	default:
		l.handleSync = l.serverSync
		l.acceptData = l.serverAcceptData
	}
	return l
}

// ID returns the link id.
func (l *Link) ID() uint32 { return l.id }

// Role returns whether the link's channels act as clients or servers.
func (l *Link) Role() Role { return l.role }

// AddChannel adds a channel in the UNINITIALIZED state. When cfg.ShmName is set
// the named shared memory region is mapped for the lifetime of the channel.
func (l *Link) AddChannel(cfg ChannelConfig) (*Channel, error) {
	var region *shm.Region
	if cfg.ShmName != "" {
		if l.mapper == nil {
			return nil, ErrNoShm
		}
		r, err := l.mapper.Map(cfg.ShmName)
		if err != nil {
			return nil, err
		}
		region = r
	}

	ch := &Channel{
		id:        cfg.ID,
		link:      l,
		region:    region,
		onReceive: cfg.OnReceive,
		onSync:    cfg.OnSync,
		user:      cfg.User,
		state:     initialState(l.role),
		changed:   make(chan struct{}),
	}

	l.mu.Lock()
	err := l.insertLocked(ch)
	l.mu.Unlock()

	if err != nil {
		if region != nil {
			region.Close()
		}
		return nil, err
	}
	return ch, nil
}

func (l *Link) insertLocked(ch *Channel) error {
	if l.closed {
		return ErrNoPort
	}
	if _, _, dup := l.channels.Find(func(c *Channel) bool { return c.id == ch.id }); dup {
		return ErrExist
	}
	h, err := l.channels.Insert(ch)
	if err != nil {
		return ErrChannelFull
	}
	ch.handle = h
	return nil
}

// RemoveChannel closes the channel, unmaps its shared memory and frees its slot.
// Channel values obtained earlier fail with ErrNoDevice afterwards.
func (l *Link) RemoveChannel(id uint16) error {
	l.mu.Lock()
	h, ch, ok := l.channels.Find(func(c *Channel) bool { return c.id == id })
	if !ok {
		l.mu.Unlock()
		return ErrNoDevice
	}
	ch.setStateLocked(unavailState(l.role))
	l.channels.Remove(h)
	l.mu.Unlock()

	if ch.region != nil {
		return ch.region.Close()
	}
	return nil
}

// Channel returns the channel with the given id.
func (l *Link) Channel(id uint16) (*Channel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrNoPort
	}
	_, ch, ok := l.channels.Find(func(c *Channel) bool { return c.id == id })
	if !ok {
		return nil, ErrNoDevice
	}
	return ch, nil
}

// Channels returns the ids of all channels in slot order.
func (l *Link) Channels() []uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]uint16, 0, l.channels.Len())
	l.channels.Range(func(_ arena.Handle, c *Channel) bool {
		ids = append(ids, c.id)
		return true
	})
	return ids
}

// Closed reports whether the link was torn down.
func (l *Link) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// kick queues a drain of the link. It never blocks and is the port's notify hook;
// false means the job pool was exhausted and the port will notify again.
func (l *Link) kick() bool {
	return l.disp != nil && l.disp.push(l)
}

// start drains frames that arrived before the link was wired up. The port is
// masked until the first drain, so a dropped kick is handed back to it.
func (l *Link) start() {
	if !l.kick() {
		l.port.NotifyMissed()
	}
}

// txReadyLocked rejects sends the port could not take.
func (l *Link) txReadyLocked() error {
	if l.port.TxState() == port.TxFull {
		l.metrics.FramesDropped.WithLabelValues(l.role.String(), metrics.ReasonTxFull).Inc()
		return ErrAgain
	}
	return nil
}

// sendSyncLocked emits a SYNC frame for ch and queues a drain of the link so that
// an immediate answer is picked up promptly. The answer also rings the port, so a
// dropped kick here loses nothing.
func (l *Link) sendSyncLocked(ch *Channel, ev SyncEvent) error {
	if err := l.txReadyLocked(); err != nil {
		return err
	}
	n := protocol.PutSync(l.port.SendBuffer(), ch.id, ev)
	if err := l.port.Send(n); err != nil {
		l.metrics.FramesDropped.WithLabelValues(l.role.String(), metrics.ReasonSendFail).Inc()
		return portError(err)
	}
	l.metrics.FramesSent.WithLabelValues(l.role.String(), "sync").Inc()
	l.logger.Debug("sync sent", zapChannel(ch.id), zap.Stringer("event", ev))

	l.kick()
	return nil
}

func (l *Link) sendDataLocked(ch *Channel, typ MsgType, fill func([]byte) (int, error)) error {
	buf := l.port.SendBuffer()
	n, err := fill(buf[protocol.HeaderSize:])
	if err != nil {
		return err
	}
	size := protocol.HeaderSize + n
	protocol.PutHeader(buf, protocol.Header{Channel: ch.id, Size: uint16(size), Type: typ})

	if err := l.port.Send(size); err != nil {
		l.metrics.FramesDropped.WithLabelValues(l.role.String(), metrics.ReasonSendFail).Inc()
		return portError(err)
	}
	l.metrics.FramesSent.WithLabelValues(l.role.String(), "data").Inc()
	return nil
}

// Open opens channel id. See Channel.Open.
func (l *Link) Open(ctx context.Context, id uint16) error {
	ch, err := l.Channel(id)
	if err != nil {
		return err
	}
	return ch.Open(ctx)
}

// Close closes channel id. See Channel.Close.
func (l *Link) Close(id uint16) error {
	ch, err := l.Channel(id)
	if err != nil {
		return err
	}
	return ch.Close()
}

// Send sends on channel id. See Channel.Send.
func (l *Link) Send(ctx context.Context, id uint16, typ MsgType, payload []byte, waitAck bool) error {
	ch, err := l.Channel(id)
	if err != nil {
		return err
	}
	return ch.Send(ctx, typ, payload, waitAck)
}

// State returns the state of channel id.
func (l *Link) State(id uint16) (ChannelState, error) {
	ch, err := l.Channel(id)
	if err != nil {
		return nil, err
	}
	return ch.State(), nil
}

// shutdown closes the port and every channel. Waiters see UNAVAIL.
func (l *Link) shutdown() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true

	var regions []*shm.Region
	l.channels.Range(func(h arena.Handle, c *Channel) bool {
		c.setStateLocked(unavailState(l.role))
		l.channels.Remove(h)
		if c.region != nil {
			regions = append(regions, c.region)
		}
		return true
	})

	var err error
	if l.port != nil {
		err = l.port.Close()
	}
	l.mu.Unlock()

	for _, r := range regions {
		err = errors.Join(err, r.Close())
	}
	l.logger.Info("link closed")
	return err
}

func (l *Link) warn(msg string, fields ...zap.Field) {
	if l.warnLimit.Allow() {
		l.logger.Warn(msg, fields...)
	}
}

func (l *Link) drop(reason, msg string, fields ...zap.Field) {
	l.metrics.FramesDropped.WithLabelValues(l.role.String(), reason).Inc()
	l.warn(msg, append(fields, zap.String("reason", reason))...)
}

func zapChannel(id uint16) zap.Field {
	return zap.Uint16("channel", id)
}

func zapState(key string, s ChannelState) zap.Field {
	return zap.Stringer(key, s)
}
