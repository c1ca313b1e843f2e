package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Resolutions counts stream URL resolutions by outcome.
// The "result" label is "cache", "network", or an error kind (network_error, resolution_error, parse_error).
var Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "emeltv_resolutions_total",
	Help: "Stream URL resolutions by result",
}, []string{"result"})

// CacheLookups counts lookups of the persisted stream cache.
// The "outcome" label is one of hit, miss, expired, corrupt.
var CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "emeltv_cache_lookups_total",
	Help: "Stream cache lookups by outcome",
}, []string{"outcome"})

// RetriesScheduled counts delayed pipeline restarts.
var RetriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
	Name: "emeltv_retries_scheduled_total",
	Help: "Number of delayed pipeline restarts scheduled",
})

// PlaybackErrors counts playback errors reported by the engine or the media element.
var PlaybackErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "emeltv_playback_errors_total",
	Help: "Playback errors by source and fatality",
}, []string{"source", "fatal"})

// PipelineState exposes the current pipeline state as a 0/1 gauge per state name.
var PipelineState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "emeltv_pipeline_state",
	Help: "Current pipeline state (1 for the active state)",
}, []string{"state"})

// EngineBytes tracks bytes written by the software engine into the player.
var EngineBytes = promauto.NewCounter(prometheus.CounterOpts{
	Name: "emeltv_engine_bytes_total",
	Help: "Bytes of media written by the streaming engine",
})

// EngineSegments counts segments fetched by the engine, labelled by result (ok, error).
var EngineSegments = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "emeltv_engine_segments_total",
	Help: "Media segments fetched by the streaming engine",
}, []string{"result"})

// KeyPresses counts remote-control key presses by routed action.
var KeyPresses = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "emeltv_key_presses_total",
	Help: "Remote-control key presses by action",
}, []string{"action"})

// SetPipelineState flips the gauge so only the named state reads 1.
func SetPipelineState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		PipelineState.WithLabelValues(s).Set(v)
	}
}
