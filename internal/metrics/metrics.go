// Package metrics registers the bridge's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FirehoseEvents counts frames received per stream ("atproto" or the
	// relay URL for nostr).
	FirehoseEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossfed_firehose_events_total",
		Help: "Firehose frames received, by stream.",
	}, []string{"stream"})

	// EventsEnqueued counts receive tasks enqueued per source protocol.
	EventsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossfed_events_enqueued_total",
		Help: "Receive tasks enqueued, by source protocol.",
	}, []string{"protocol"})

	// EventsDropped counts events dropped before enqueue, by reason
	// ("irrelevant", "bad-sig", "loopback", "blocklisted", "malformed",
	// "queue-full").
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossfed_events_dropped_total",
		Help: "Events dropped before enqueue, by reason.",
	}, []string{"reason"})

	// CommitQueueDepth is the current depth of the atproto commit channel.
	CommitQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crossfed_commit_queue_depth",
		Help: "Pending ops in the atproto commit queue.",
	})

	// Sends counts send-engine outcomes per destination protocol.
	Sends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossfed_sends_total",
		Help: "Send engine results, by destination protocol and outcome.",
	}, []string{"protocol", "outcome"})

	// OracleFailures counts failed calls to external oracles (plc, dns,
	// nip05, appview, relay, chat, mod).
	OracleFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossfed_oracle_failures_total",
		Help: "Failed external oracle calls, by oracle.",
	}, []string{"oracle"})
)
