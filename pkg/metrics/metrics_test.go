package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestClientCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewClient(reg)

	c.Connected()
	c.ReconnectScheduled(2)
	c.ReconnectScheduled(4)
	c.DecodeError()
	c.FrameReceived("message")
	c.StateChanged("", "connecting")
	c.StateChanged("connecting", "open")

	require.Equal(t, 1.0, testutil.ToFloat64(c.connects))
	require.Equal(t, 2.0, testutil.ToFloat64(c.reconnects))
	require.Equal(t, 1.0, testutil.ToFloat64(c.decodeErrors))
	require.Equal(t, 1.0, testutil.ToFloat64(c.framesIn.WithLabelValues("message")))
	require.Equal(t, 0.0, testutil.ToFloat64(c.state.WithLabelValues("connecting")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.state.WithLabelValues("open")))
}

func TestNilCollectorsAreNoops(t *testing.T) {
	var c *Client
	c.Connected()
	c.ReconnectScheduled(1)
	c.StateChanged("a", "b")

	var r *Relay
	r.SessionOpened()
	r.DialogueDone(time.Second, true)
}

func TestRelayCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRelay(reg)

	r.SessionOpened()
	r.SessionOpened()
	r.SessionClosed()
	r.DialogueDone(150*time.Millisecond, true)

	require.Equal(t, 1.0, testutil.ToFloat64(r.sessions))
	require.Equal(t, 1.0, testutil.ToFloat64(r.dialogueFallback))
}
