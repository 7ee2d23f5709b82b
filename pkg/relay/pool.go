package relay

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatline/pkg/session"
	"github.com/go-go-golems/chatline/pkg/transport"
)

// connPool tracks the open sockets per session. A session may briefly hold
// two sockets while a reconnecting client replaces a half-dead one.
type connPool struct {
	mu    sync.Mutex
	conns map[session.ID]map[transport.Conn]struct{}
}

func newConnPool() *connPool {
	return &connPool{conns: map[session.ID]map[transport.Conn]struct{}{}}
}

func (p *connPool) Add(id session.ID, conn transport.Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.conns[id]
	if !ok {
		set = map[transport.Conn]struct{}{}
		p.conns[id] = set
	}
	set[conn] = struct{}{}
}

func (p *connPool) Remove(id session.ID, conn transport.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.conns[id]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(p.conns, id)
	}
}

// Count returns the number of open sockets.
func (p *connPool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, set := range p.conns {
		n += len(set)
	}
	return n
}

type sessionInfo struct {
	SessionID   string `json:"session_id"`
	Connections int    `json:"connections"`
}

func (p *connPool) Sessions() []sessionInfo {
	p.mu.Lock()
	out := make([]sessionInfo, 0, len(p.conns))
	for id, set := range p.conns {
		out = append(out, sessionInfo{SessionID: id.String(), Connections: len(set)})
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// CloseAll closes every tracked socket. The session goroutines observe the
// failed reads and unregister themselves.
func (p *connPool) CloseAll(code int, reason string) {
	p.mu.Lock()
	var all []transport.Conn
	for _, set := range p.conns {
		for conn := range set {
			all = append(all, conn)
		}
	}
	p.mu.Unlock()
	for _, conn := range all {
		if err := conn.Close(code, reason); err != nil {
			log.Debug().Err(err).Str("component", "relay").Msg("closing socket")
		}
	}
}
