package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	packetsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sacn_packets_sent_total",
		Help: "Estimated sACN data packets transmitted, by universe: one per universe per nominal 44 Hz transmit tick; discovery packets are not counted.",
	}, []string{"universe"})

	sourcesLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sacn_sources_lost_total",
		Help: "Total sources evicted after their loss timeout elapsed.",
	})

	mergedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sacn_merged_frames_total",
		Help: "Total merged-frame notifications delivered, by universe.",
	}, []string{"universe"})
)

// serveMetrics starts the /metrics HTTP endpoint in the background if
// addr is non-empty. Errors are logged, not fatal: a dead metrics
// endpoint shouldn't take down the source/receiver it's instrumenting.
func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warn().Err(err).Str("addr", addr).Msg("sacnmon: metrics server stopped")
		}
	}()
}
