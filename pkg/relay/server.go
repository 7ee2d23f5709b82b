// Package relay is the server side of the chat transport: it accepts
// WebSocket sessions on /ws/chat/{sessionId}, forwards user messages to a
// dialogue engine and streams the replies back.
package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatline/pkg/metrics"
	"github.com/go-go-golems/chatline/pkg/relay/dialogue"
	"github.com/go-go-golems/chatline/pkg/relay/stream"
	"github.com/go-go-golems/chatline/pkg/transport"
)

const WelcomeText = "Connected to healthcare chatbot. How can I help you today?"

type Config struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	Welcome         string        `mapstructure:"welcome" yaml:"welcome"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout" yaml:"shutdown-timeout"`
	PingInterval    time.Duration `mapstructure:"ping-interval" yaml:"ping-interval"`
	// WorkQueue is the number of user messages a session may have waiting for
	// the dialogue engine.
	WorkQueue int `mapstructure:"work-queue" yaml:"work-queue"`
}

func DefaultConfig() Config {
	return Config{
		Addr:            ":8000",
		Welcome:         WelcomeText,
		ShutdownTimeout: 30 * time.Second,
		PingInterval:    25 * time.Second,
		WorkQueue:       16,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.Welcome == "" {
		c.Welcome = d.Welcome
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.PingInterval < 0 {
		c.PingInterval = 0
	}
	if c.WorkQueue <= 0 {
		c.WorkQueue = d.WorkQueue
	}
	return c
}

type Server struct {
	cfg      Config
	engine   dialogue.Engine
	backend  stream.Backend
	metrics  *metrics.Relay
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	version  string

	baseCtx context.Context
	pool    *connPool
	log     zerolog.Logger
}

type Option func(*Server)

// WithMetrics records relay metrics and serves gatherer on /metrics.
func WithMetrics(m *metrics.Relay, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = gatherer
	}
}

func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

func NewServer(cfg Config, engine dialogue.Engine, backend stream.Backend, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg.withDefaults(),
		engine:  engine,
		backend: backend,
		version: "dev",
		baseCtx: context.Background(),
		pool:    newConnPool(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// sessions are unauthenticated; any page may open one
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.With().Str("component", "relay").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the chi router with every relay route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/debug/dialogue-status", s.handleDialogueStatus)
	r.Get("/debug/sessions", s.handleSessions)
	r.Get("/ws/chat/{sessionId}", s.handleChatSocket)
	r.Post("/api/v1/chat", s.handleChat)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// ActiveSessions returns the number of open WebSocket sessions.
func (s *Server) ActiveSessions() int { return s.pool.Count() }

// Run serves until ctx is cancelled, then shuts down gracefully and closes
// open sessions.
func (s *Server) Run(ctx context.Context) error {
	srvCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.baseCtx = srvCtx

	httpSrv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(srvCtx)
	eg.Go(func() error {
		s.log.Info().Str("addr", httpSrv.Addr).Msg("starting relay server")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		s.log.Info().Msg("shutting down relay server")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancelShutdown()
		// hijacked websocket connections are not tracked by Shutdown
		cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		s.pool.CloseAll(transport.CloseGoingAway, "server shutting down")
		if err != nil {
			s.log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		s.log.Info().Msg("relay server shutdown complete")
		return nil
	})
	return eg.Wait()
}

func (s *Server) connOptions() transport.Options {
	opts := transport.DefaultOptions()
	opts.PingInterval = s.cfg.PingInterval
	return opts
}
