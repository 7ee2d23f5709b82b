package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay collects relay server metrics.
type Relay struct {
	sessions         prometheus.Gauge
	framesIn         *prometheus.CounterVec
	framesOut        prometheus.Counter
	decodeErrors     prometheus.Counter
	dialogueDuration prometheus.Histogram
	dialogueFallback prometheus.Counter
}

func NewRelay(reg prometheus.Registerer) *Relay {
	factory := promauto.With(reg)
	return &Relay{
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relay",
			Name: "active_sessions", Help: "Open WebSocket sessions",
		}),
		framesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay",
			Name: "frames_received_total", Help: "Decoded inbound envelopes by kind",
		}, []string{"kind"}),
		framesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay",
			Name: "frames_sent_total", Help: "Envelopes written to clients",
		}),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay",
			Name: "decode_errors_total", Help: "Inbound frames dropped because they could not be decoded",
		}),
		dialogueDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "relay",
			Name:    "dialogue_duration_seconds",
			Help:    "Dialogue engine round-trip time",
			Buckets: prometheus.DefBuckets,
		}),
		dialogueFallback: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay",
			Name: "dialogue_fallback_total", Help: "Replies served from the canned fallback response",
		}),
	}
}

func (r *Relay) SessionOpened() {
	if r != nil {
		r.sessions.Inc()
	}
}

func (r *Relay) SessionClosed() {
	if r != nil {
		r.sessions.Dec()
	}
}

func (r *Relay) FrameReceived(kind string) {
	if r != nil {
		r.framesIn.WithLabelValues(kind).Inc()
	}
}

func (r *Relay) FrameSent() {
	if r != nil {
		r.framesOut.Inc()
	}
}

func (r *Relay) DecodeError() {
	if r != nil {
		r.decodeErrors.Inc()
	}
}

func (r *Relay) DialogueDone(d time.Duration, fallback bool) {
	if r == nil {
		return
	}
	r.dialogueDuration.Observe(d.Seconds())
	if fallback {
		r.dialogueFallback.Inc()
	}
}
