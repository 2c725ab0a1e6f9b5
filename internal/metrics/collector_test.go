package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveRequest("/v1/chat/completions", "primary", "200", 150*time.Millisecond)
	c.ObserveRequest("/v1/chat/completions", "primary", "200", 90*time.Millisecond)
	c.AdmissionDenied("rate_limited")
	c.CacheLookup(true, "memory")
	c.CacheLookup(false, "")
	c.ReservationSettled("tokens", "commit")
	c.TokensSpent("key", 128)
	c.StreamFinalized("completed")
	c.MCPCall("srv1", "tools/list")

	count := testutil.ToFloat64(c.requestsTotal.WithLabelValues("/v1/chat/completions", "primary", "200"))
	assert.Equal(t, 2.0, count)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.admissionDenials.WithLabelValues("rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("hit", "memory")))
	assert.Equal(t, 128.0, testutil.ToFloat64(c.tokensSpent.WithLabelValues("key")))

	expected := `
		# HELP gateway_stream_finalizations_total Streaming finalizer runs by trigger (completed/error/aborted).
		# TYPE gateway_stream_finalizations_total counter
		gateway_stream_finalizations_total{trigger="completed"} 1
	`
	require.NoError(t, testutil.CollectAndCompare(c.streamFinalizations, strings.NewReader(expected)))
}

func TestNilCollectorSafe(t *testing.T) {
	var c *Collector
	c.ObserveRequest("/v1/responses", "b", "200", time.Second)
	c.AdmissionDenied("x")
	c.BackendAttempt("b", "ok")
	c.CacheLookup(false, "")
	c.BreakerTransition("b", "open")
	c.RouterDegraded("m")
	c.ReservationSettled("tokens", "rollback")
	c.TokensSpent("key", 1)
	c.CostSpent("key", 1)
	c.StreamFinalized("aborted")
	c.MCPCall("s", "tools/call")
}
