// Package stats exposes engine counters as Prometheus metrics. A nil
// Collector is valid and turns every increment into a no-op, so the engine
// can run without metrics wired.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Collector struct {
	MessagesSent      prometheus.Counter
	MessagesReceived  prometheus.Counter
	Retransmissions   prometheus.Counter
	CacheHits         prometheus.Counter
	MalformedMessages prometheus.Counter
	BlocksSent        prometheus.Counter
}

// NewCollector creates the counter set and registers it with registerer
// (pass prometheus.DefaultRegisterer for the usual global registry).
func NewCollector(registerer prometheus.Registerer) *Collector {
	collector := &Collector{
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coap",
			Name:      "messages_sent_total",
			Help:      "CoAP messages handed to the datagram socket",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coap",
			Name:      "messages_received_total",
			Help:      "CoAP messages received from the datagram socket",
		}),
		Retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coap",
			Name:      "retransmissions_total",
			Help:      "Confirmable messages re-sent after an ACK timeout",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coap",
			Name:      "response_cache_hits_total",
			Help:      "Duplicate requests answered from the response cache",
		}),
		MalformedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coap",
			Name:      "malformed_messages_total",
			Help:      "Incoming datagrams rejected by wire-format validation",
		}),
		BlocksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coap",
			Name:      "blocks_sent_total",
			Help:      "Blocks emitted by block-wise transfers",
		}),
	}
	registerer.MustRegister(
		collector.MessagesSent,
		collector.MessagesReceived,
		collector.Retransmissions,
		collector.CacheHits,
		collector.MalformedMessages,
		collector.BlocksSent,
	)
	return collector
}

func inc(counter prometheus.Counter) {
	if counter != nil {
		counter.Inc()
	}
}

func (c *Collector) IncMessagesSent() {
	if c != nil {
		inc(c.MessagesSent)
	}
}

func (c *Collector) IncMessagesReceived() {
	if c != nil {
		inc(c.MessagesReceived)
	}
}

func (c *Collector) IncRetransmissions() {
	if c != nil {
		inc(c.Retransmissions)
	}
}

func (c *Collector) IncCacheHits() {
	if c != nil {
		inc(c.CacheHits)
	}
}

func (c *Collector) IncMalformedMessages() {
	if c != nil {
		inc(c.MalformedMessages)
	}
}

func (c *Collector) IncBlocksSent() {
	if c != nil {
		inc(c.BlocksSent)
	}
}
