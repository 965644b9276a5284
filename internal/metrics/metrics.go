// Package metrics holds the Prometheus collectors of the transport.
//
// Collectors are registered on the Registerer passed to New, never on the global
// default registry, so several transports (and tests) can coexist in one process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons used as the "reason" label of FramesDropped.
const (
	ReasonSize     = "size_mismatch"
	ReasonShort    = "short_frame"
	ReasonChannel  = "unknown_channel"
	ReasonState    = "unexpected_state"
	ReasonSync     = "bad_sync"
	ReasonReceive  = "receive_error"
	ReasonTxFull   = "tx_full"
	ReasonSendFail = "send_error"
)

// Metrics holds all transport collectors.
type Metrics struct {
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
	SyncEvents     *prometheus.CounterVec
	Transitions    *prometheus.CounterVec

	JobsDropped prometheus.Counter
	JobsPushed  prometheus.Counter

	Links prometheus.Gauge
}

// New creates the collectors and registers them on reg. A nil reg leaves them
// unregistered, which is what tests and embedded users without a scrape endpoint want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "l2lv_frames_sent_total",
				Help: "Frames written to link ports",
			},
			[]string{"role", "type"},
		),
		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "l2lv_frames_received_total",
				Help: "Frames read from link ports and dispatched",
			},
			[]string{"role", "type"},
		),
		FramesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "l2lv_frames_dropped_total",
				Help: "Frames discarded on receive or rejected on send",
			},
			[]string{"role", "reason"},
		),
		SyncEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "l2lv_sync_events_total",
				Help: "SYNC events handled by channel state machines",
			},
			[]string{"role", "event"},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "l2lv_channel_transitions_total",
				Help: "Channel state transitions",
			},
			[]string{"role", "from", "to"},
		),
		JobsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "l2lv_jobs_dropped_total",
				Help: "Drain notifications dropped because the job pool was exhausted",
			},
		),
		JobsPushed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "l2lv_jobs_pushed_total",
				Help: "Drain notifications queued for the dispatcher",
			},
		),
		Links: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "l2lv_links",
				Help: "Links currently held by the registry",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.FramesSent,
			m.FramesReceived,
			m.FramesDropped,
			m.SyncEvents,
			m.Transitions,
			m.JobsDropped,
			m.JobsPushed,
			m.Links,
		)
	}
	return m
}
