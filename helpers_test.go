package l2lv

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gosuda.org/l2lv/internal/protocol"
	"gosuda.org/l2lv/qport"
)

const waitFor = 2 * time.Second

// newTestRegistry returns a registry whose dispatcher runs until the test ends.
func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}

	reg, err := NewRegistry(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reg.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		assert.NoError(t, reg.Close())
	})
	return reg
}

func dropped(reg *Registry, role Role, reason string) float64 {
	return testutil.ToFloat64(reg.metrics.FramesDropped.WithLabelValues(role.String(), reason))
}

// peer plays the far end of a queueing-port link with raw frames.
type peer struct {
	t      *testing.T
	tx, rx qport.Handle
}

// newPeer reads what the link sends on linkTx and writes what the link receives
// on linkRx.
func newPeer(t *testing.T, prov qport.Provider, linkTx, linkRx string) *peer {
	t.Helper()
	rx, err := prov.Open(linkTx, qport.Destination)
	require.NoError(t, err)
	tx, err := prov.Open(linkRx, qport.Source)
	require.NoError(t, err)
	t.Cleanup(func() {
		rx.Close()
		tx.Close()
	})
	return &peer{t: t, tx: tx, rx: rx}
}

func (p *peer) write(frame []byte) {
	p.t.Helper()
	_, err := p.tx.Write(frame)
	require.NoError(p.t, err)
}

func (p *peer) sendSync(ch uint16, ev SyncEvent) {
	p.t.Helper()
	var b [protocol.SyncFrameSize]byte
	p.write(b[:protocol.PutSync(b[:], ch, ev)])
}

func (p *peer) sendData(ch uint16, typ MsgType, payload string) {
	p.t.Helper()
	var b [protocol.MaxFrameSize]byte
	n, err := protocol.PutData(b[:], ch, typ, []byte(payload))
	require.NoError(p.t, err)
	p.write(b[:n])
}

func (p *peer) tryNext(d time.Duration) ([]byte, bool) {
	deadline := time.Now().Add(d)
	buf := make([]byte, protocol.MaxFrameSize)
	for {
		n, err := p.rx.Read(buf)
		if err == nil {
			return buf[:n], true
		}
		if !errors.Is(err, qport.ErrEmpty) || time.Now().After(deadline) {
			return nil, false
		}
		time.Sleep(time.Millisecond)
	}
}

func (p *peer) next() (protocol.Header, []byte) {
	p.t.Helper()
	frame, ok := p.tryNext(waitFor)
	require.True(p.t, ok, "no frame from link")
	h, err := protocol.ParseHeader(frame)
	require.NoError(p.t, err)
	return h, frame[protocol.HeaderSize:]
}

func (p *peer) expectSync(ch uint16, ev SyncEvent) {
	p.t.Helper()
	h, payload := p.next()
	require.Equal(p.t, MsgSync, h.Type)
	require.Equal(p.t, ch, h.Channel)
	got, err := protocol.ParseSync(payload)
	require.NoError(p.t, err)
	require.Equal(p.t, ev, got)
}

func (p *peer) expectData(ch uint16, typ MsgType) string {
	p.t.Helper()
	h, payload := p.next()
	require.Equal(p.t, typ, h.Type)
	require.Equal(p.t, ch, h.Channel)
	return string(payload)
}

func (p *peer) expectNothing(d time.Duration) {
	p.t.Helper()
	frame, ok := p.tryNext(d)
	require.False(p.t, ok, "unexpected frame % x", frame)
}

// recorder collects callback invocations.
type recorder struct {
	mu     sync.Mutex
	events []SyncEvent
	data   []string
	types  []MsgType
}

func (r *recorder) onSync(_ *Channel, ev SyncEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) onReceive(_ *Channel, typ MsgType, payload []byte) error {
	r.mu.Lock()
	r.data = append(r.data, string(payload))
	r.types = append(r.types, typ)
	r.mu.Unlock()
	return nil
}

func (r *recorder) syncEvents() []SyncEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SyncEvent(nil), r.events...)
}

func (r *recorder) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.data...)
}

func (r *recorder) receivedTypes() []MsgType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]MsgType(nil), r.types...)
}

func waitState(t *testing.T, ch *Channel, want ChannelState) {
	t.Helper()
	require.Eventually(t, func() bool { return ch.State() == want }, waitFor, time.Millisecond,
		"channel %d never reached %s, last %s", ch.ID(), want, ch.State())
}

func recv[T any](t *testing.T, c <-chan T) T {
	t.Helper()
	var zero T
	select {
	case v := <-c:
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out")
	}
	return zero
}
