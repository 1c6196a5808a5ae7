package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorCounts(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.IncMessagesSent()
	collector.IncMessagesSent()
	collector.IncRetransmissions()
	collector.IncCacheHits()

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.MessagesSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.Retransmissions))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.CacheHits))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.MalformedMessages))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var collector *Collector
	collector.IncMessagesSent()
	collector.IncMessagesReceived()
	collector.IncRetransmissions()
	collector.IncCacheHits()
	collector.IncMalformedMessages()
	collector.IncBlocksSent()
}
