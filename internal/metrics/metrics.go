// Package metrics exposes Prometheus instrumentation for the video
// pipeline and its fan-out.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FramesEncoded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kvm",
		Subsystem: "video",
		Name:      "frames_encoded_total",
		Help:      "Frames pushed through the hardware encoder",
	})

	KeyframesEncoded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kvm",
		Subsystem: "video",
		Name:      "keyframes_encoded_total",
		Help:      "Encoded units containing an IDR slice",
	})

	EncodedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kvm",
		Subsystem: "video",
		Name:      "encoded_bytes_total",
		Help:      "H.264 bytes produced by the encoder",
	})

	CaptureTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kvm",
		Subsystem: "video",
		Name:      "capture_timeouts_total",
		Help:      "Capture dequeue deadline expiries",
	})

	SessionRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kvm",
		Subsystem: "video",
		Name:      "session_restarts_total",
		Help:      "Capture sessions torn down and rebuilt",
	})

	ClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kvm",
		Subsystem: "stream",
		Name:      "clients",
		Help:      "WebSocket clients currently attached to the hub",
	})

	ClientsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kvm",
		Subsystem: "stream",
		Name:      "clients_evicted_total",
		Help:      "Clients dropped on broadcast write failure",
	})

	BroadcastBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kvm",
		Subsystem: "stream",
		Name:      "broadcast_bytes_total",
		Help:      "Bytes written to clients, summed across the fan-out",
	})

	InputEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvm",
		Subsystem: "input",
		Name:      "events_total",
		Help:      "HID events injected, by device",
	}, []string{"device"})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
