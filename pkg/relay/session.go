package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatline/pkg/envelope"
	"github.com/go-go-golems/chatline/pkg/relay/dialogue"
	"github.com/go-go-golems/chatline/pkg/session"
	"github.com/go-go-golems/chatline/pkg/transport"
)

func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	id, err := session.Parse(chi.URLParam(r, "sessionId"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		s.log.Warn().Err(err).Str("session_id", id.String()).Msg("websocket upgrade failed")
		return
	}
	conn := transport.NewConn(c, s.connOptions())
	s.serveSession(s.baseCtx, id, conn)
}

// chatSession is one WebSocket attached to a session id. Every frame written
// to the socket comes from the session's stream topic, so the welcome, echoes,
// typing indicators and replies reach the client in publish order.
type chatSession struct {
	srv  *Server
	id   session.ID
	conn transport.Conn
	work chan string
	log  zerolog.Logger
}

func (s *Server) serveSession(ctx context.Context, id session.ID, conn transport.Conn) {
	cs := &chatSession{
		srv:  s,
		id:   id,
		conn: conn,
		work: make(chan string, s.cfg.WorkQueue),
		log:  s.log.With().Str("session_id", id.String()).Logger(),
	}

	s.pool.Add(id, conn)
	s.metrics.SessionOpened()
	cs.log.Info().Msg("session opened")
	defer func() {
		s.pool.Remove(id, conn)
		s.metrics.SessionClosed()
		cs.log.Info().Msg("session closed")
	}()

	if err := cs.run(ctx); err != nil {
		cs.log.Debug().Err(err).Msg("session ended")
	}
}

func (cs *chatSession) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// the subscription ends with the first member to exit, so a dead writer
	// cannot leave publishers waiting for acks on the session topic
	eg, egCtx := errgroup.WithContext(ctx)
	updates, err := cs.srv.backend.Subscribe(egCtx, cs.id)
	if err != nil {
		cs.log.Error().Err(err).Msg("subscribe failed")
		_ = cs.conn.Close(transport.CloseInternal, "stream unavailable")
		return err
	}
	if err := cs.publish(egCtx, envelope.NewSystem(cs.srv.cfg.Welcome, time.Now().UTC())); err != nil {
		_ = cs.conn.Close(transport.CloseInternal, "stream unavailable")
		return err
	}

	eg.Go(func() error {
		<-egCtx.Done()
		code, reason := transport.CloseNormal, ""
		if ctx.Err() != nil {
			code, reason = transport.CloseGoingAway, "server shutting down"
		}
		_ = cs.conn.Close(code, reason)
		return nil
	})
	eg.Go(func() error { return cs.writeLoop(egCtx, updates) })
	eg.Go(func() error { return cs.worker(egCtx) })
	eg.Go(func() error { return cs.readLoop(egCtx) })
	return eg.Wait()
}

func (cs *chatSession) readLoop(ctx context.Context) error {
	for {
		data, err := cs.conn.ReadMessage()
		if err != nil {
			code, reason := transport.CloseInfo(err)
			cs.log.Debug().Int("code", code).Str("reason", reason).Msg("read ended")
			return err
		}
		env, err := envelope.Decode(data)
		if err != nil {
			cs.srv.metrics.DecodeError()
			cs.log.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		cs.srv.metrics.FrameReceived(env.Kind.String())

		switch env.Kind {
		case envelope.KindTyping:
			if err := cs.publish(ctx, envelope.NewTyping(env.Typing, time.Now().UTC())); err != nil {
				return err
			}
		case envelope.KindMessage:
			if env.Sender != envelope.SenderUser {
				cs.log.Debug().Str("sender", env.Sender.String()).Msg("ignoring non-user message")
				continue
			}
			if err := cs.acceptUserMessage(ctx, env); err != nil {
				return err
			}
		default:
			cs.log.Debug().Str("kind", env.Kind.String()).Msg("ignoring frame")
		}
	}
}

func (cs *chatSession) acceptUserMessage(ctx context.Context, env envelope.Envelope) error {
	now := time.Now().UTC()
	if env.Timestamp.IsZero() {
		env.Timestamp = now
	}
	if err := cs.publish(ctx, envelope.NewUserMessage(env.Text, env.Timestamp)); err != nil {
		return err
	}
	if err := cs.publish(ctx, envelope.NewTyping(true, now)); err != nil {
		return err
	}
	select {
	case cs.work <- env.Text:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cs *chatSession) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case text := <-cs.work:
			if err := cs.answer(ctx, text); err != nil {
				return err
			}
		}
	}
}

func (cs *chatSession) answer(ctx context.Context, text string) error {
	start := time.Now()
	reply, err := cs.srv.engine.Respond(ctx, cs.id, text)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		cs.log.Warn().Err(err).Msg("dialogue engine failed, using fallback reply")
		reply = dialogue.FallbackReply(time.Now().UTC())
	}
	cs.srv.metrics.DialogueDone(time.Since(start), reply.Fallback)

	for _, msg := range reply.Messages {
		if err := cs.publish(ctx, msg); err != nil {
			return err
		}
	}
	if len(reply.Messages) == 0 {
		return cs.publish(ctx, envelope.NewTyping(false, time.Now().UTC()))
	}
	return nil
}

func (cs *chatSession) writeLoop(ctx context.Context, updates <-chan envelope.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-updates:
			if !ok {
				return nil
			}
			data, err := envelope.Encode(env)
			if err != nil {
				cs.log.Error().Err(err).Str("kind", env.Kind.String()).Msg("dropping unencodable envelope")
				continue
			}
			if err := cs.conn.WriteMessage(data); err != nil {
				return err
			}
			cs.srv.metrics.FrameSent()
		}
	}
}

func (cs *chatSession) publish(ctx context.Context, env envelope.Envelope) error {
	if err := cs.srv.backend.Publish(ctx, cs.id, env); err != nil {
		cs.log.Error().Err(err).Str("kind", env.Kind.String()).Msg("publish failed")
		return err
	}
	return nil
}
