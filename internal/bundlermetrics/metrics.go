// Package bundlermetrics registers the bundler's metric series against
// go-ethereum's own metrics package using a get-or-create pattern, and
// exposes them over a Prometheus-style HTTP endpoint via metrics.Enable()
// + exp.Setup(address).
package bundlermetrics

import (
	"fmt"
	"net"

	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/metrics/exp"
)

// Series holds every counter/gauge the bundler reports. Fields are
// registered against metrics.DefaultRegistry at construction, a single
// fixed struct rather than a dynamic registry since the bundler's metric
// set is known up front.
type Series struct {
	MempoolSize             metrics.Gauge
	BundlesSentTotal        metrics.Counter
	BundlesFailedTotal      metrics.Counter
	ReputationBannedTotal   metrics.Counter
	ReputationThrottledGauge metrics.Gauge
	ValidationFailuresTotal metrics.Counter
}

// NewSeries registers the bundler's metric series against
// metrics.DefaultRegistry.
func NewSeries() *Series {
	return &Series{
		MempoolSize:              metrics.GetOrRegisterGauge("bundler/mempool_size", metrics.DefaultRegistry),
		BundlesSentTotal:         metrics.GetOrRegisterCounter("bundler/bundles_sent_total", metrics.DefaultRegistry),
		BundlesFailedTotal:       metrics.GetOrRegisterCounter("bundler/bundles_failed_total", metrics.DefaultRegistry),
		ReputationBannedTotal:    metrics.GetOrRegisterCounter("bundler/reputation_banned_total", metrics.DefaultRegistry),
		ReputationThrottledGauge: metrics.GetOrRegisterGauge("bundler/reputation_throttled", metrics.DefaultRegistry),
		ValidationFailuresTotal:  metrics.GetOrRegisterCounter("bundler/validation_failures_total", metrics.DefaultRegistry),
	}
}

// Serve enables the metrics subsystem and starts the Prometheus-style
// /debug/metrics/prometheus HTTP endpoint on addr:port.
func Serve(addr string, port int) {
	metrics.Enable()
	exp.Setup(net.JoinHostPort(addr, fmt.Sprintf("%d", port)))
}
