package relay

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatline/pkg/session"
)

type closeRecorder struct {
	mu     sync.Mutex
	code   int
	closed bool
}

func (c *closeRecorder) ReadMessage() ([]byte, error) { select {} }
func (c *closeRecorder) WriteMessage([]byte) error    { return nil }
func (c *closeRecorder) Close(code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.code, c.closed = code, true
	return nil
}

func TestConnPoolTracksSessions(t *testing.T) {
	p := newConnPool()
	a1, a2, b := &closeRecorder{}, &closeRecorder{}, &closeRecorder{}
	p.Add("session_b", b)
	p.Add("session_a", a1)
	p.Add("session_a", a2)
	require.Equal(t, 3, p.Count())
	require.Equal(t, []sessionInfo{
		{SessionID: "session_a", Connections: 2},
		{SessionID: "session_b", Connections: 1},
	}, p.Sessions())

	p.Remove("session_a", a1)
	p.Remove("session_a", a1)
	p.Remove(session.ID("unknown"), a1)
	require.Equal(t, 2, p.Count())

	p.CloseAll(1001, "bye")
	require.True(t, a2.closed)
	require.Equal(t, 1001, b.code)
	require.False(t, a1.closed)

	p.Remove("session_a", a2)
	p.Remove("session_b", b)
	require.Empty(t, p.Sessions())
}
