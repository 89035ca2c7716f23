// Package metrics holds the Prometheus collectors of an encode session.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name unless the session names
// another.
const DefaultNamespace = "av1ctl"

// Metrics holds the session's collectors.
type Metrics struct {
	// Frame metrics
	FramesProcessed *prometheus.CounterVec
	FrameErrors     *prometheus.CounterVec
	Concealments    prometheus.Counter
	TilesPerFrame   prometheus.Histogram

	// Rate control metrics
	BufferFullness prometheus.Gauge
	RateResets     prometheus.Counter

	// Stitch metrics
	StitchedBytes    prometheus.Histogram
	IncompleteFrames prometheus.Counter
}

// New creates the collectors and registers them with reg. Every metric
// carries a session label so that several sessions can share one
// registry. A nil reg gets a private registry.
func New(reg prometheus.Registerer, namespace, session string) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	labels := prometheus.Labels{"session": session}
	f := promauto.With(reg)

	return &Metrics{
		FramesProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "frames_processed_total",
			Help:        "Frames planned, by picture type",
			ConstLabels: labels,
		}, []string{"picture_type"}),
		FrameErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "frame_errors_total",
			Help:        "Frames aborted, by failing stage",
			ConstLabels: labels,
		}, []string{"stage"}),
		Concealments: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "reference_concealments_total",
			Help:        "Stale references replaced by a valid one",
			ConstLabels: labels,
		}),
		TilesPerFrame: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "tiles_per_frame",
			Help:        "Tiles per planned frame",
			Buckets:     []float64{1, 2, 4, 8, 16, 32, 64, 128},
			ConstLabels: labels,
		}),
		BufferFullness: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "vbv_fullness_bits",
			Help:        "Rate control buffer fullness after the last completed frame",
			ConstLabels: labels,
		}),
		RateResets: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "rate_control_resets_total",
			Help:        "Rate control model initialisations and resets",
			ConstLabels: labels,
		}),
		StitchedBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "stitched_frame_bytes",
			Help:        "Bitstream bytes of completed frames",
			Buckets:     prometheus.ExponentialBuckets(1024, 4, 8),
			ConstLabels: labels,
		}),
		IncompleteFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "incomplete_frames_total",
			Help:        "Frames the hardware did not finish or that overflowed the bitstream buffer",
			ConstLabels: labels,
		}),
	}
}

// FramePlanned records a planned frame.
func (m *Metrics) FramePlanned(pictureType string, tiles, concealed int) {
	m.FramesProcessed.WithLabelValues(pictureType).Inc()
	m.TilesPerFrame.Observe(float64(tiles))
	if concealed > 0 {
		m.Concealments.Add(float64(concealed))
	}
}

// FrameFailed records a frame aborted in stage.
func (m *Metrics) FrameFailed(stage string) {
	m.FrameErrors.WithLabelValues(stage).Inc()
}

// FrameCompleted records the outcome of hardware execution.
func (m *Metrics) FrameCompleted(ok bool, bytes int, fullness float64) {
	if !ok {
		m.IncompleteFrames.Inc()
		return
	}
	m.StitchedBytes.Observe(float64(bytes))
	m.BufferFullness.Set(fullness)
}
