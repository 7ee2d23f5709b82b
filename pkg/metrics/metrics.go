// Package metrics defines the prometheus collectors for the chat client and the relay.
//
// All recording methods are nil-safe so components can run without metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatline"

// Client collects connection manager metrics.
type Client struct {
	connects       prometheus.Counter
	reconnects     prometheus.Counter
	exhausted      prometheus.Counter
	decodeErrors   prometheus.Counter
	framesIn       *prometheus.CounterVec
	framesOut      prometheus.Counter
	sendRejected   prometheus.Counter
	reconnectDelay prometheus.Histogram
	state          *prometheus.GaugeVec
}

// NewClient registers the client collectors on reg.
func NewClient(reg prometheus.Registerer) *Client {
	factory := promauto.With(reg)
	return &Client{
		connects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "client",
			Name: "connects_total", Help: "Successful transport opens",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "client",
			Name: "reconnects_scheduled_total", Help: "Reconnect timers scheduled after unexpected closes",
		}),
		exhausted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "client",
			Name: "reconnects_exhausted_total", Help: "Times the reconnect ceiling was reached",
		}),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "client",
			Name: "decode_errors_total", Help: "Inbound frames dropped because they could not be decoded",
		}),
		framesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "client",
			Name: "frames_received_total", Help: "Decoded inbound envelopes by kind",
		}, []string{"kind"}),
		framesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "client",
			Name: "frames_sent_total", Help: "Envelopes handed to the transport",
		}),
		sendRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "client",
			Name: "send_rejected_total", Help: "Sends rejected because the connection was not open",
		}),
		reconnectDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "client",
			Name:    "reconnect_delay_seconds",
			Help:    "Scheduled reconnect delays",
			Buckets: []float64{1, 2, 4, 8, 10, 30},
		}),
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "client",
			Name: "state", Help: "1 for the current connection state, 0 otherwise",
		}, []string{"state"}),
	}
}

func (c *Client) Connected() {
	if c != nil {
		c.connects.Inc()
	}
}

func (c *Client) ReconnectScheduled(delaySeconds float64) {
	if c != nil {
		c.reconnects.Inc()
		c.reconnectDelay.Observe(delaySeconds)
	}
}

func (c *Client) ReconnectExhausted() {
	if c != nil {
		c.exhausted.Inc()
	}
}

func (c *Client) DecodeError() {
	if c != nil {
		c.decodeErrors.Inc()
	}
}

func (c *Client) FrameReceived(kind string) {
	if c != nil {
		c.framesIn.WithLabelValues(kind).Inc()
	}
}

func (c *Client) FrameSent() {
	if c != nil {
		c.framesOut.Inc()
	}
}

func (c *Client) SendRejected() {
	if c != nil {
		c.sendRejected.Inc()
	}
}

// StateChanged flips the state gauge from one state label to another.
func (c *Client) StateChanged(from, to string) {
	if c == nil {
		return
	}
	if from != "" {
		c.state.WithLabelValues(from).Set(0)
	}
	c.state.WithLabelValues(to).Set(1)
}
