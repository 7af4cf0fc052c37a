// Package metrics provides Prometheus metrics for the recorder and player.
// Labels are limited to view and source identifiers; never session ids.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MuxPacketsTotal counts packets written to the container, by view.
	MuxPacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_mux_packets_total",
		Help: "Total number of packets written to the recording, by view.",
	}, []string{"view"})

	// MuxDTSRepairsTotal counts packets whose decode timestamp was bumped
	// forward to keep the stream strictly increasing.
	MuxDTSRepairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_mux_dts_repairs_total",
		Help: "Total number of non-increasing decode timestamps repaired, by view.",
	}, []string{"view"})

	// MuxWriteErrorsTotal counts packets the muxer failed to write.
	MuxWriteErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_mux_write_errors_total",
		Help: "Total number of packet write failures, by view.",
	}, []string{"view"})

	// FillerPacketsTotal counts filler packets written for unmapped views.
	FillerPacketsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replay_filler_packets_total",
		Help: "Total number of filler packets written for unmapped views.",
	})

	// HeartbeatCatchUpTotal counts frame indices emitted late by the heartbeat.
	HeartbeatCatchUpTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replay_heartbeat_catchup_total",
		Help: "Total number of frame indices emitted to catch up a late heartbeat.",
	})

	// SourceConnectsTotal counts connection attempts by source and result.
	SourceConnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_source_connects_total",
		Help: "Total number of source connection attempts, by source and result.",
	}, []string{"source", "result"})

	// SourceDisconnectsTotal counts capture sessions that ended, by reason.
	SourceDisconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_source_disconnects_total",
		Help: "Total number of capture sessions ended, by source and reason.",
	}, []string{"source", "reason"})

	// SourceDecodeErrorsTotal counts packets skipped because they failed to decode.
	SourceDecodeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_source_decode_errors_total",
		Help: "Total number of source packets that failed to decode, by source.",
	}, []string{"source"})

	// SourceFramesDroppedTotal counts frames evicted from a full jitter buffer.
	SourceFramesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_source_frames_dropped_total",
		Help: "Total number of frames evicted from a full jitter buffer, by source.",
	}, []string{"source"})

	// SourceUp reports 1 while a source is capturing.
	SourceUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "replay_source_up",
		Help: "Whether a source is currently capturing (1) or not (0).",
	}, []string{"source"})

	// PlayerSeeksTotal counts hard seeks performed by the tailing player.
	PlayerSeeksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_player_seeks_total",
		Help: "Total number of hard seeks, by cause.",
	}, []string{"cause"})

	// PlayerEOFWaitsTotal counts times the player caught up with the writer.
	PlayerEOFWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replay_player_eof_waits_total",
		Help: "Total number of times playback reached the end of the growing file.",
	})

	// PlayerFramesDeliveredTotal counts frames pushed to view sinks.
	PlayerFramesDeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_player_frames_delivered_total",
		Help: "Total number of frames delivered to view sinks, by view.",
	}, []string{"view"})

	// HTTPRequestDuration observes control API latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "replay_http_request_duration_seconds",
		Help:    "Control API request latency in seconds, by method, route and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	// FeedClients reports connected status feed clients.
	FeedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "replay_feed_clients",
		Help: "Number of connected status feed clients.",
	})
)

// Label formats a view or source index as a label value.
func Label(i int) string {
	return strconv.Itoa(i)
}
