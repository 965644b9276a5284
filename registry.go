package l2lv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"gosuda.org/l2lv/internal/arena"
	"gosuda.org/l2lv/internal/logging"
	"gosuda.org/l2lv/internal/metrics"
	"gosuda.org/l2lv/internal/port"
	"gosuda.org/l2lv/qport"
	"gosuda.org/l2lv/shm"
)

// DefaultMaxLinks is the registry capacity, the loopback link included.
const DefaultMaxLinks = 8

// Options configures a Registry. The zero value is usable.
type Options struct {
	Logger     *zap.Logger
	Registerer prometheus.Registerer // Metrics stay unregistered when nil

	// Ports opens the queueing ports of links added with AddLink.
	Ports qport.Provider
	// Mapper maps channel shared memory. A process-local HeapMapper when nil.
	Mapper shm.Mapper

	OpenTimeout   time.Duration
	JobPool       int
	MaxLinks      int
	LoopbackDepth int
}

func (o *Options) setDefaults() {
	o.Logger = logging.OrNop(o.Logger)
	if o.Mapper == nil {
		o.Mapper = shm.NewHeapMapper(shm.DefaultSize)
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = DefaultOpenTimeout
	}
	if o.JobPool <= 0 {
		o.JobPool = DefaultJobPool
	}
	if o.MaxLinks <= 0 {
		o.MaxLinks = DefaultMaxLinks
	}
	if o.LoopbackDepth <= 0 {
		o.LoopbackDepth = port.DefaultLoopbackDepth
	}
}

// Registry holds the links of one partition and the dispatcher draining them.
//
// Adding and removing links is serialised by a semaphore. Sending and dispatching
// never touch it; they only take the mutex of the link involved.
type Registry struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
	disp    *Dispatcher

	sem    *semaphore.Weighted
	closed bool
	links  *arena.Arena[*Link]

	loopClient *Link
	loopServer *Link
}

// NewRegistry builds a registry together with its loopback link pair. Callers
// should treat an error as fatal: code on both sides assumes the loopback link is
// always present.
func NewRegistry(opts Options) (*Registry, error) {
	opts.setDefaults()

	m := metrics.New(opts.Registerer)
	r := &Registry{
		opts:    opts,
		logger:  opts.Logger.Named("l2lv"),
		metrics: m,
		disp:    newDispatcher(opts.JobPool, m),
		sem:     semaphore.NewWeighted(1),
		links:   arena.New[*Link](opts.MaxLinks),
	}

	if err := r.initLoopback(); err != nil {
		return nil, fmt.Errorf("l2lv: loopback link: %w", err)
	}
	return r, nil
}

func (r *Registry) deps() linkDeps {
	return linkDeps{
		disp:        r.disp,
		mapper:      r.opts.Mapper,
		logger:      r.logger,
		metrics:     r.metrics,
		openTimeout: r.opts.OpenTimeout,
	}
}

func (r *Registry) initLoopback() error {
	client := newLink(LoopbackID, RoleClient, r.deps())
	server := newLink(LoopbackID, RoleServer, r.deps())

	cp, err := port.Open(port.Config{Notify: client.kick, LoopbackDepth: r.opts.LoopbackDepth})
	if err != nil {
		return err
	}
	sp, err := port.Open(port.Config{Notify: server.kick, LoopbackDepth: r.opts.LoopbackDepth})
	if err != nil {
		cp.Close()
		return err
	}
	if err := port.Connect(cp, sp); err != nil {
		cp.Close()
		sp.Close()
		return err
	}
	client.port = cp
	server.port = sp

	if _, err := r.links.Insert(server); err != nil {
		cp.Close()
		sp.Close()
		return ErrRegistryFull
	}
	r.loopClient = client
	r.loopServer = server
	r.metrics.Links.Set(float64(r.links.Len()))

	client.start()
	server.start()
	return nil
}

// Dispatcher returns the dispatcher draining the registry's links.
func (r *Registry) Dispatcher() *Dispatcher {
	return r.disp
}

// Run runs the dispatcher until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	return r.disp.Run(ctx)
}

// Loopback returns the client side of the loopback link pair.
func (r *Registry) Loopback() *Link {
	return r.loopClient
}

// LoopbackServer returns the server side of the loopback link pair.
func (r *Registry) LoopbackServer() *Link {
	return r.loopServer
}

// AddLink opens the queueing ports named by cfg and adds the link. Adding
// LoopbackID returns the loopback server link. The link is drained once right
// away so that frames queued after its port opened are seen.
func (r *Registry) AddLink(ctx context.Context, cfg LinkConfig) (*Link, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)

	if r.closed {
		return nil, ErrClosed
	}
	if cfg.ID == LoopbackID {
		return r.loopServer, nil
	}
	if _, _, ok := r.findLocked(cfg.ID); ok {
		return nil, fmt.Errorf("link %d: %w", cfg.ID, ErrExist)
	}
	if r.links.Len() >= r.links.Cap() {
		return nil, ErrRegistryFull
	}
	if cfg.RxName == "" || cfg.TxName == "" {
		return nil, fmt.Errorf("link %d: port names required: %w", cfg.ID, ErrInvalid)
	}
	if r.opts.Ports == nil {
		return nil, ErrNoPort
	}

	l := newLink(cfg.ID, cfg.Role, r.deps())
	p, err := port.Open(port.Config{
		RxName:   cfg.RxName,
		TxName:   cfg.TxName,
		Provider: r.opts.Ports,
		Notify:   l.kick,
		Logger:   l.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("link %d: %w", cfg.ID, err)
	}
	l.port = p

	if _, err := r.links.Insert(l); err != nil {
		p.Close()
		return nil, ErrRegistryFull
	}
	r.metrics.Links.Set(float64(r.links.Len()))
	l.logger.Info("link added", zap.String("rx", cfg.RxName), zap.String("tx", cfg.TxName))

	l.start()
	return l, nil
}

// RemoveLink tears a link down. The loopback link cannot be removed.
func (r *Registry) RemoveLink(ctx context.Context, id uint32) error {
	if id == LoopbackID {
		return ErrInvalid
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	h, l, ok := r.findLocked(id)
	if ok {
		r.links.Remove(h)
		r.metrics.Links.Set(float64(r.links.Len()))
	}
	r.sem.Release(1)

	if !ok {
		return ErrNotFound
	}
	return l.shutdown()
}

// Lookup returns the link with the given id.
func (r *Registry) Lookup(ctx context.Context, id uint32) (*Link, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)

	if r.closed {
		return nil, ErrClosed
	}
	_, l, ok := r.findLocked(id)
	if !ok {
		return nil, ErrNotFound
	}
	return l, nil
}

// Links returns the ids of all links, the loopback link included.
func (r *Registry) Links(ctx context.Context) ([]uint32, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)

	ids := make([]uint32, 0, r.links.Len())
	r.links.Range(func(_ arena.Handle, l *Link) bool {
		ids = append(ids, l.id)
		return true
	})
	return ids, nil
}

// Close tears down every link. Run keeps working until its context ends.
func (r *Registry) Close() error {
	if err := r.sem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	if r.closed {
		r.sem.Release(1)
		return nil
	}
	r.closed = true

	var links []*Link
	r.links.Range(func(h arena.Handle, l *Link) bool {
		links = append(links, l)
		r.links.Remove(h)
		return true
	})
	r.metrics.Links.Set(0)
	r.sem.Release(1)

	var errs []error
	for _, l := range append(links, r.loopClient) {
		errs = append(errs, l.shutdown())
	}
	return errors.Join(errs...)
}

func (r *Registry) findLocked(id uint32) (arena.Handle, *Link, bool) {
	return r.links.Find(func(l *Link) bool { return l.id == id })
}
