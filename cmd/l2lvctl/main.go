// Command l2lvctl drives channels of an l2lv registry from the shell.
//
//	l2lvctl [flags] serve
//	l2lvctl [flags] open CHANNEL
//	l2lvctl [flags] close CHANNEL
//	l2lvctl [flags] state CHANNEL
//	l2lvctl [flags] test-payload CHANNEL TEXT
//	l2lvctl [flags] shm-send CHANNEL TEXT
//
// Without -rx and -tx every command runs over the loopback link, with an echo
// server on the server side. With them, the command runs over a queueing-port
// link and the peer is another l2lvctl running serve with the names swapped.
// Settings beyond the flags come from L2LV_* environment variables.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"gosuda.org/l2lv"
	"gosuda.org/l2lv/internal/config"
	"gosuda.org/l2lv/internal/logging"
	"gosuda.org/l2lv/qport"
	"gosuda.org/l2lv/shm"
)

func main() {
	linkID := flag.Uint("link", 1, "Link id used with -rx and -tx")
	rx := flag.String("rx", "", "Receive queueing port name")
	tx := flag.String("tx", "", "Transmit queueing port name")
	role := flag.String("role", "client", "Link role: client or server")
	flag.Usage = usage
	flag.Parse()

	req, err := parseRequest(flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		os.Exit(2)
	}
	if *rx != "" || *tx != "" {
		r, err := parseRole(*role)
		if err != nil {
			log.Fatal(err)
		}
		req.Link = &l2lv.LinkConfig{ID: uint32(*linkID), Role: r, RxName: *rx, TxName: *tx}
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	prom := prometheus.NewRegistry()
	prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	reg, err := l2lv.NewRegistry(l2lv.Options{
		Logger:        logger,
		Registerer:    prom,
		Ports:         qport.Shm{Dir: cfg.QPort.Dir, Depth: cfg.QPort.Depth},
		Mapper:        shm.FileMapper{Dir: cfg.Shm.Dir, Size: cfg.Shm.Size},
		OpenTimeout:   cfg.Link.OpenTimeout,
		JobPool:       cfg.Link.JobPool,
		MaxLinks:      cfg.Link.MaxLinks,
		LoopbackDepth: cfg.Link.LoopbackDepth,
	})
	if err != nil {
		// Nothing works without the loopback link.
		logger.Fatal("Failed to create registry", zap.Error(err))
	}
	defer reg.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, reg, prom, cfg.Metrics.Addr, req, os.Stdout); err != nil {
		logger.Error("Command failed", zap.String("command", req.Command), zap.Error(err))
		stop()
		reg.Close()
		logger.Sync()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] serve|open|close|state|test-payload|shm-send [CHANNEL [TEXT]]\n", os.Args[0])
	flag.PrintDefaults()
}
