package l2lv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gosuda.org/l2lv/internal/metrics"
	"gosuda.org/l2lv/internal/protocol"
	"gosuda.org/l2lv/qport"
)

// clientLink adds a client link whose far end is driven by the returned peer.
func clientLink(t *testing.T, opts Options) (*Registry, *Link, *peer) {
	t.Helper()
	prov := qport.NewMemory(8)
	opts.Ports = prov
	reg := newTestRegistry(t, opts)

	l, err := reg.AddLink(context.Background(), LinkConfig{ID: 1, Role: RoleClient, RxName: "s2c", TxName: "c2s"})
	require.NoError(t, err)
	return reg, l, newPeer(t, prov, "c2s", "s2c")
}

// serverLink adds a server link whose far end is driven by the returned peer.
func serverLink(t *testing.T, opts Options) (*Registry, *Link, *peer) {
	t.Helper()
	prov := qport.NewMemory(8)
	opts.Ports = prov
	reg := newTestRegistry(t, opts)

	l, err := reg.AddLink(context.Background(), LinkConfig{ID: 2, Role: RoleServer, RxName: "c2s", TxName: "s2c"})
	require.NoError(t, err)
	return reg, l, newPeer(t, prov, "s2c", "c2s")
}

// openClient runs the open handshake with p acting as server.
func openClient(t *testing.T, ch *Channel, p *peer) {
	t.Helper()
	opened := make(chan error, 1)
	go func() { opened <- ch.Open(context.Background()) }()

	p.expectSync(ch.ID(), SyncOpenReq)
	p.sendSync(ch.ID(), SyncOpenAck)
	require.NoError(t, recv(t, opened))
	require.Equal(t, ClientReady, ch.State())
}

// openServer runs the open handshake with p acting as client.
func openServer(t *testing.T, ch *Channel, p *peer) {
	t.Helper()
	require.NoError(t, ch.Open(context.Background()))
	p.expectSync(ch.ID(), SyncServerInit)
	p.sendSync(ch.ID(), SyncOpenReq)
	p.expectSync(ch.ID(), SyncOpenAck)
	waitState(t, ch, ServerReady)
}

func TestClientOpenAndResync(t *testing.T) {
	_, l, p := clientLink(t, Options{OpenTimeout: waitFor})

	var rec recorder
	ch, err := l.AddChannel(ChannelConfig{ID: 3, OnSync: rec.onSync})
	require.NoError(t, err)
	assert.Equal(t, ClientUninitialized, ch.State())

	opened := make(chan error, 1)
	go func() { opened <- ch.Open(context.Background()) }()

	p.expectSync(3, SyncOpenReq)
	assert.Equal(t, ClientOffline, ch.State())
	p.sendSync(3, SyncOpenAck)
	require.NoError(t, recv(t, opened))
	assert.Equal(t, ClientReady, ch.State())

	// Opening an open channel does not touch the wire.
	require.NoError(t, ch.Open(context.Background()))
	p.expectNothing(20 * time.Millisecond)

	// A server restart makes the client re-open without being asked.
	p.sendSync(3, SyncServerInit)
	p.expectSync(3, SyncOpenReq)
	assert.Equal(t, ClientOffline, ch.State())

	p.sendSync(3, SyncOpenAck)
	waitState(t, ch, ClientReady)
	require.Eventually(t, func() bool { return len(rec.syncEvents()) == 3 }, waitFor, time.Millisecond)
	assert.Equal(t, []SyncEvent{SyncOpenAck, SyncServerInit, SyncOpenAck}, rec.syncEvents())
}

func TestClientOpenTimeout(t *testing.T) {
	_, l, p := clientLink(t, Options{OpenTimeout: 30 * time.Millisecond})
	ch, err := l.AddChannel(ChannelConfig{ID: 1})
	require.NoError(t, err)

	start := time.Now()
	err = l.Open(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNoDevice)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, ClientOffline, ch.State())
	p.expectSync(1, SyncOpenReq)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, ch.Open(ctx), context.Canceled)
}

func TestClientOpenInterruptedByClose(t *testing.T) {
	_, l, p := clientLink(t, Options{OpenTimeout: waitFor})
	ch, err := l.AddChannel(ChannelConfig{ID: 1})
	require.NoError(t, err)

	opened := make(chan error, 1)
	go func() { opened <- ch.Open(context.Background()) }()
	p.expectSync(1, SyncOpenReq)

	require.NoError(t, l.Close(1))
	assert.ErrorIs(t, recv(t, opened), ErrAgain)
	assert.Equal(t, ClientUnavail, ch.State())

	// Closed channels ignore the server.
	p.sendSync(1, SyncOpenAck)
	p.sendSync(1, SyncServerInit)
	p.expectNothing(20 * time.Millisecond)
	assert.Equal(t, ClientUnavail, ch.State())
}

func TestClientSendWaitAck(t *testing.T) {
	_, l, p := clientLink(t, Options{OpenTimeout: waitFor})
	var rec recorder
	ch, err := l.AddChannel(ChannelConfig{ID: 4, OnReceive: rec.onReceive})
	require.NoError(t, err)
	openClient(t, ch, p)

	sent := make(chan error, 1)
	go func() { sent <- ch.Send(context.Background(), 0x10, []byte("ping"), true) }()

	assert.Equal(t, "ping", p.expectData(4, 0x10))
	assert.Equal(t, ClientReqData, ch.State())

	// A second request while one is outstanding is refused.
	assert.ErrorIs(t, ch.Send(context.Background(), 0x10, []byte("again"), true), ErrAgain)

	p.sendData(4, 0x11, "pong")
	require.NoError(t, recv(t, sent))
	assert.Equal(t, ClientReady, ch.State())
	assert.Equal(t, []string{"pong"}, rec.received())
}

func TestClientSendWaitAckServerRestart(t *testing.T) {
	_, l, p := clientLink(t, Options{OpenTimeout: waitFor})
	ch, err := l.AddChannel(ChannelConfig{ID: 5})
	require.NoError(t, err)
	openClient(t, ch, p)

	sent := make(chan error, 1)
	go func() { sent <- ch.Send(context.Background(), 0x10, []byte("req"), true) }()
	p.expectData(5, 0x10)

	p.sendSync(5, SyncServerInit)
	assert.ErrorIs(t, recv(t, sent), ErrAgain)

	// The channel re-opens on its own and is usable again.
	p.expectSync(5, SyncOpenReq)
	p.sendSync(5, SyncOpenAck)
	waitState(t, ch, ClientReady)
	require.NoError(t, ch.Open(context.Background()))
	require.NoError(t, ch.Send(context.Background(), 0x10, []byte("after"), false))
	assert.Equal(t, "after", p.expectData(5, 0x10))
}

func TestClientSendWaitAckContext(t *testing.T) {
	_, l, p := clientLink(t, Options{OpenTimeout: waitFor})
	ch, err := l.AddChannel(ChannelConfig{ID: 6})
	require.NoError(t, err)
	openClient(t, ch, p)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = ch.Send(ctx, 0x10, []byte("lost"), true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, ClientReady, ch.State())
	p.expectData(6, 0x10)
}

func TestClientDesync(t *testing.T) {
	_, l, p := clientLink(t, Options{OpenTimeout: waitFor})
	ch, err := l.AddChannel(ChannelConfig{ID: 7})
	require.NoError(t, err)
	openClient(t, ch, p)

	// OPEN_ACK on a READY channel is not in the table.
	p.sendSync(7, SyncOpenAck)
	waitState(t, ch, ClientOffline)
}

func TestSendErrors(t *testing.T) {
	reg, l, p := clientLink(t, Options{OpenTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	ch, err := l.AddChannel(ChannelConfig{ID: 8})
	require.NoError(t, err)

	assert.ErrorIs(t, l.Send(ctx, 99, 0x10, nil, false), ErrNoDevice)
	assert.ErrorIs(t, ch.Send(ctx, 0x10, nil, false), ErrInvalid)

	assert.ErrorIs(t, ch.Open(ctx), ErrNoDevice)
	p.expectSync(8, SyncOpenReq)
	assert.ErrorIs(t, ch.Send(ctx, 0x10, nil, false), ErrNoDevice)

	p.sendSync(8, SyncOpenAck)
	waitState(t, ch, ClientReady)

	assert.ErrorIs(t, ch.Send(ctx, MsgSync, nil, false), ErrInvalid)
	assert.ErrorIs(t, ch.Send(ctx, 0x10, make([]byte, MaxPayloadSize+1), false), ErrInvalid)
	assert.ErrorIs(t, ch.SendShm(ctx, 0x10, 0, []byte("x"), false), ErrNoShm)

	// The peer stops reading: the port fills and sends are refused.
	for i := 0; i < 8; i++ {
		require.NoError(t, ch.Send(ctx, 0x10, []byte{byte(i)}, false))
	}
	assert.ErrorIs(t, ch.Send(ctx, 0x10, []byte("overflow"), false), ErrAgain)
	assert.Equal(t, 1.0, dropped(reg, RoleClient, metrics.ReasonTxFull))
	assert.Equal(t, ClientReady, ch.State())
}

func TestServerHandshakeAndReopen(t *testing.T) {
	_, l, p := serverLink(t, Options{})
	var rec recorder
	ch, err := l.AddChannel(ChannelConfig{ID: 1, OnSync: rec.onSync})
	require.NoError(t, err)
	assert.Equal(t, ServerUninitialized, ch.State())

	openServer(t, ch, p)

	// A client that restarted sends OPEN_REQ again.
	p.sendSync(1, SyncOpenReq)
	p.expectSync(1, SyncOpenAck)
	assert.Equal(t, ServerReady, ch.State())
	require.Eventually(t, func() bool { return len(rec.syncEvents()) == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, []SyncEvent{SyncOpenReq, SyncOpenReq}, rec.syncEvents())

	// Anything else leaves the server alone.
	p.sendSync(1, SyncOpenAck)
	p.sendSync(1, SyncServerInit)
	p.expectNothing(20 * time.Millisecond)
	assert.Equal(t, ServerReady, ch.State())

	// Re-opening announces a restart.
	require.NoError(t, ch.Open(context.Background()))
	assert.Equal(t, ServerOffline, ch.State())
	p.expectSync(1, SyncServerInit)
}

func TestServerSendNeverWaits(t *testing.T) {
	_, l, p := serverLink(t, Options{})
	ch, err := l.AddChannel(ChannelConfig{ID: 2})
	require.NoError(t, err)

	assert.ErrorIs(t, ch.Send(context.Background(), 0x20, []byte("x"), true), ErrInvalid)
	openServer(t, ch, p)

	require.NoError(t, ch.Send(context.Background(), 0x20, []byte("event"), true))
	assert.Equal(t, "event", p.expectData(2, 0x20))
	assert.Equal(t, ServerReady, ch.State())
}

func TestDispatchDropsMalformedFrames(t *testing.T) {
	reg, l, p := serverLink(t, Options{})
	var rec recorder
	ch, err := l.AddChannel(ChannelConfig{ID: 1, OnReceive: rec.onReceive})
	require.NoError(t, err)

	// Data before the channel is open is dropped.
	p.sendData(1, 0x20, "early")

	openServer(t, ch, p)

	var b [protocol.MaxFrameSize]byte
	n, err := protocol.PutData(b[:], 1, 0x20, []byte("abcd"))
	require.NoError(t, err)

	// Declared size larger than what arrives.
	protocol.PutHeader(b[:], protocol.Header{Channel: 1, Size: uint16(n + 4), Type: 0x20})
	p.write(b[:n])

	// Declared size smaller than what arrives.
	protocol.PutHeader(b[:], protocol.Header{Channel: 1, Size: uint16(n - 2), Type: 0x20})
	p.write(b[:n])

	p.write([]byte{1, 0, 3})
	p.sendData(9, 0x20, "nobody")
	// SYNC frame whose payload is too short to carry an event.
	p.write([]byte{1, 0, 9, 0, 0, 0, 0, 0, 9})

	p.sendData(1, 0x20, "ok")
	require.Eventually(t, func() bool { return len(rec.received()) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"ok"}, rec.received())

	assert.Equal(t, 2.0, dropped(reg, RoleServer, metrics.ReasonSize))
	assert.Equal(t, 1.0, dropped(reg, RoleServer, metrics.ReasonShort))
	assert.Equal(t, 1.0, dropped(reg, RoleServer, metrics.ReasonChannel))
	assert.Equal(t, 1.0, dropped(reg, RoleServer, metrics.ReasonState))
	assert.Equal(t, 1.0, dropped(reg, RoleServer, metrics.ReasonSync))
	assert.Equal(t, ServerReady, ch.State())
}

func TestChannelTable(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	l := reg.Loopback()

	ch, err := l.AddChannel(ChannelConfig{ID: 5, User: "user"})
	require.NoError(t, err)
	assert.Equal(t, "user", ch.User())
	assert.Same(t, l, ch.Link())
	assert.Nil(t, ch.Shm())

	_, err = l.AddChannel(ChannelConfig{ID: 5})
	assert.ErrorIs(t, err, ErrExist)

	require.NoError(t, l.RemoveChannel(5))
	assert.ErrorIs(t, l.RemoveChannel(5), ErrNoDevice)

	// The old value must not reach a channel that reuses the slot.
	fresh, err := l.AddChannel(ChannelConfig{ID: 5})
	require.NoError(t, err)
	assert.ErrorIs(t, ch.Send(context.Background(), 0x10, nil, false), ErrNoDevice)
	assert.ErrorIs(t, ch.Open(context.Background()), ErrNoDevice)
	assert.ErrorIs(t, ch.Close(), ErrNoDevice)
	assert.Equal(t, ClientUnavail, ch.State())
	assert.Equal(t, ClientUninitialized, fresh.State())

	for id := uint16(100); len(l.Channels()) < MaxChannels; id++ {
		_, err := l.AddChannel(ChannelConfig{ID: id})
		require.NoError(t, err)
	}
	_, err = l.AddChannel(ChannelConfig{ID: 1})
	assert.ErrorIs(t, err, ErrChannelFull)

	st, err := l.State(5)
	require.NoError(t, err)
	assert.Equal(t, ClientUninitialized, st)
	_, err = l.State(1)
	assert.ErrorIs(t, err, ErrNoDevice)
}
