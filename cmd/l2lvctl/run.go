package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"gosuda.org/l2lv"
)

// Message types used by the echo server.
const (
	typeText  l2lv.MsgType = 0x10
	typeShm   l2lv.MsgType = 0x11
	typeReply l2lv.MsgType = 0x90
)

// shmOffset is where shm-send places its text inside the channel region.
const shmOffset = 0

type request struct {
	Command string
	Channel uint16
	Text    string
	Link    *l2lv.LinkConfig // loopback when nil
}

func parseRequest(args []string) (request, error) {
	if len(args) == 0 {
		return request{}, errors.New("missing command")
	}
	req := request{Command: args[0]}

	want := 1
	switch req.Command {
	case "serve":
		want = 0
	case "open", "close", "state":
	case "test-payload", "shm-send":
		want = 2
	default:
		return request{}, fmt.Errorf("unknown command %q", req.Command)
	}
	if len(args)-1 != want {
		return request{}, fmt.Errorf("%s: expected %d argument(s), got %d", req.Command, want, len(args)-1)
	}
	if want == 0 {
		return req, nil
	}

	id, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil || id >= l2lv.MaxChannels {
		return request{}, fmt.Errorf("%s: channel must be below %d, got %q", req.Command, l2lv.MaxChannels, args[1])
	}
	req.Channel = uint16(id)
	if want == 2 {
		req.Text = args[2]
		if len(req.Text) > l2lv.MaxPayloadSize {
			return request{}, fmt.Errorf("%s: text longer than %d bytes", req.Command, l2lv.MaxPayloadSize)
		}
	}
	return req, nil
}

func parseRole(s string) (l2lv.Role, error) {
	switch s {
	case l2lv.RoleClient.String():
		return l2lv.RoleClient, nil
	case l2lv.RoleServer.String():
		return l2lv.RoleServer, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// run executes req while the dispatcher and, when addr is set, the metrics
// endpoint run beside it. It returns once the command is done or ctx ends.
func run(ctx context.Context, reg *l2lv.Registry, prom *prometheus.Registry, addr string, req request, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reg.Run(gctx) })
	if addr != "" && prom != nil {
		g.Go(func() error { return serveMetrics(gctx, addr, prom) })
	}
	g.Go(func() error {
		defer cancel()
		c := &commander{reg: reg, out: &syncWriter{w: out}}
		return c.execute(gctx, req)
	})
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, prom *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prom, promhttp.HandlerOpts{Registry: prom}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return fmt.Errorf("metrics: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type commander struct {
	reg *l2lv.Registry
	out io.Writer
}

func (c *commander) execute(ctx context.Context, req request) error {
	if req.Command == "serve" {
		return c.serve(ctx, req)
	}

	link, err := c.link(ctx, req)
	if err != nil {
		return err
	}
	if req.Link == nil {
		if err := c.echoServer(ctx, req.Channel); err != nil {
			return err
		}
	}

	replies := make(chan []byte, 1)
	cfg := l2lv.ChannelConfig{
		ID: req.Channel,
		OnReceive: func(_ *l2lv.Channel, typ l2lv.MsgType, payload []byte) error {
			if typ == typeReply {
				select {
				case replies <- bytes.Clone(payload):
				default:
				}
			}
			return nil
		},
		OnSync: c.printSync,
	}
	if req.Command == "shm-send" {
		cfg.ShmName = shmName(req.Channel)
	}
	ch, err := link.AddChannel(cfg)
	if err != nil {
		return err
	}

	switch req.Command {
	case "state":
		fmt.Fprintf(c.out, "channel %d: %s\n", ch.ID(), ch.State())
		return nil
	case "open":
		err = ch.Open(ctx)
		fmt.Fprintf(c.out, "channel %d: %s\n", ch.ID(), ch.State())
		return err
	case "close":
		if err := ch.Open(ctx); err != nil {
			return err
		}
		err = ch.Close()
		fmt.Fprintf(c.out, "channel %d: %s\n", ch.ID(), ch.State())
		return err
	}

	if err := ch.Open(ctx); err != nil {
		return fmt.Errorf("open channel %d: %w", ch.ID(), err)
	}
	switch req.Command {
	case "test-payload":
		err = ch.Send(ctx, typeText, []byte(req.Text), true)
	case "shm-send":
		err = ch.SendShm(ctx, typeShm, shmOffset, []byte(req.Text), true)
	}
	if err != nil {
		return fmt.Errorf("send on channel %d: %w", ch.ID(), err)
	}

	select {
	case reply := <-replies:
		fmt.Fprintf(c.out, "channel %d: reply %q\n", ch.ID(), reply)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *commander) link(ctx context.Context, req request) (*l2lv.Link, error) {
	if req.Link == nil {
		return c.reg.Loopback(), nil
	}
	return c.reg.AddLink(ctx, *req.Link)
}

// serve answers every channel of the link until ctx ends.
func (c *commander) serve(ctx context.Context, req request) error {
	var link *l2lv.Link
	if req.Link != nil {
		var err error
		if link, err = c.reg.AddLink(ctx, *req.Link); err != nil {
			return err
		}
	} else {
		link = c.reg.LoopbackServer()
	}

	for id := uint16(0); id < l2lv.MaxChannels; id++ {
		ch, err := link.AddChannel(c.echoConfig(id))
		if err != nil {
			return err
		}
		if link.Role() == l2lv.RoleServer {
			if err := ch.Open(ctx); err != nil {
				return err
			}
		}
	}
	fmt.Fprintf(c.out, "serving link %d as %s\n", link.ID(), link.Role())
	<-ctx.Done()
	return nil
}

func (c *commander) echoServer(ctx context.Context, id uint16) error {
	ch, err := c.reg.LoopbackServer().AddChannel(c.echoConfig(id))
	if err != nil {
		return err
	}
	return ch.Open(ctx)
}

func (c *commander) echoConfig(id uint16) l2lv.ChannelConfig {
	return l2lv.ChannelConfig{ID: id, ShmName: shmName(id), OnReceive: c.echo, OnSync: c.printSync}
}

func (c *commander) echo(ch *l2lv.Channel, typ l2lv.MsgType, payload []byte) error {
	data := payload
	if typ == typeShm {
		var err error
		if data, err = ch.ReadShm(payload); err != nil {
			return err
		}
	}
	fmt.Fprintf(c.out, "channel %d: received %q\n", ch.ID(), data)
	if len(data) > l2lv.MaxPayloadSize {
		data = data[:l2lv.MaxPayloadSize]
	}
	return ch.Send(context.Background(), typeReply, bytes.ToUpper(data), false)
}

func (c *commander) printSync(ch *l2lv.Channel, ev l2lv.SyncEvent) {
	fmt.Fprintf(c.out, "channel %d: %s\n", ch.ID(), ev)
}

func shmName(id uint16) string {
	return "l2lv-ch" + strconv.Itoa(int(id))
}

// syncWriter serialises output from the dispatcher and the command.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}
