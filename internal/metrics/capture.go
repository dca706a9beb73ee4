// Package metrics provides Prometheus metrics for capture backends.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

var (
	captureGrabs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "framegrab",
		Subsystem: "capture",
		Name:      "grabs_total",
		Help:      "Frame grabs by backend and result",
	}, []string{"backend", "result"})

	captureInits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "framegrab",
		Subsystem: "capture",
		Name:      "init_total",
		Help:      "Backend initializations by result",
	}, []string{"backend", "result"})

	captureReinits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "framegrab",
		Subsystem: "capture",
		Name:      "reinit_total",
		Help:      "Sessions rebuilt after the backend invalidated them",
	}, []string{"backend"})

	captureGrabDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "framegrab",
		Subsystem: "capture",
		Name:      "grab_duration_seconds",
		Help:      "Time spent in GrabFrame",
		Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.016, 0.033, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"backend"})

	captureSlowGrabs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "framegrab",
		Subsystem: "capture",
		Name:      "slow_grabs_total",
		Help:      "Grabs slower than the configured threshold",
	}, []string{"backend"})

	captureFrameWidth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "framegrab",
		Subsystem: "capture",
		Name:      "frame_width",
		Help:      "Width of the last delivered frame",
	}, []string{"backend"})

	captureFrameHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "framegrab",
		Subsystem: "capture",
		Name:      "frame_height",
		Help:      "Height of the last delivered frame",
	}, []string{"backend"})
)

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}

// ObserveGrab records one GrabFrame call.
func ObserveGrab(backend string, d time.Duration, err error) {
	captureGrabs.WithLabelValues(backend, result(err)).Inc()
	captureGrabDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// ObserveInit records one Initialize call.
func ObserveInit(backend string, err error) {
	captureInits.WithLabelValues(backend, result(err)).Inc()
}

// AddReinits records n in-place session rebuilds.
func AddReinits(backend string, n uint64) {
	if n == 0 {
		return
	}
	captureReinits.WithLabelValues(backend).Add(float64(n))
}

// IncSlowGrab records a grab over the slow threshold.
func IncSlowGrab(backend string) {
	captureSlowGrabs.WithLabelValues(backend).Inc()
}

// SetFrameGeometry records the size of the last delivered frame.
func SetFrameGeometry(backend string, width, height int) {
	captureFrameWidth.WithLabelValues(backend).Set(float64(width))
	captureFrameHeight.WithLabelValues(backend).Set(float64(height))
}

// DeleteBackendMetrics removes the per-backend gauges.
func DeleteBackendMetrics(backend string) {
	captureFrameWidth.DeleteLabelValues(backend)
	captureFrameHeight.DeleteLabelValues(backend)
}
