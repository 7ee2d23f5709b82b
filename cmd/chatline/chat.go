package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatline/pkg/config"
	"github.com/go-go-golems/chatline/pkg/connection"
	"github.com/go-go-golems/chatline/pkg/conversation"
	"github.com/go-go-golems/chatline/pkg/metrics"
	"github.com/go-go-golems/chatline/pkg/session"
	"github.com/go-go-golems/chatline/pkg/ui"
)

const defaultTUILogFile = "chatline.log"

func newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open a chat session against a relay",
		Args:  cobra.NoArgs,
		RunE:  runChat,
	}
	fs := cmd.Flags()
	fs.String("base-url", "", "Relay base URL (ws://, wss://, http:// or https://)")
	fs.String("origin", "http://localhost", "Page origin used to derive the relay address when --base-url is empty")
	fs.String("session-id", "", "Resume an existing session instead of starting a new one")
	fs.Bool("plain", false, "Line-oriented mode even when stdout is a terminal")
	fs.Bool("markdown", true, "Render bot messages as markdown")
	fs.String("metrics-addr", "", "Serve client metrics on this address (e.g. :9091)")
	cobra.CheckErr(viper.BindPFlags(fs))
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	s, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	plain := viper.GetBool("plain") || !isatty.IsTerminal(os.Stdout.Fd())
	if !plain && s.Logging.File == "" {
		// keep log lines off the alternate screen
		tuiLog := s.Logging
		tuiLog.File = defaultTUILogFile
		if err := initLogger(tuiLog); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	opts := []connection.Option{connection.WithMetrics(metrics.NewClient(reg))}
	if s.SessionID != "" {
		id, err := session.Parse(s.SessionID)
		if err != nil {
			return errors.Wrap(err, "invalid --session-id")
		}
		opts = append(opts, connection.WithSessionID(id))
	}
	mgr, err := connection.NewManager(s.Connection(), opts...)
	if err != nil {
		return err
	}
	log.Info().Str("session_id", mgr.SessionID().String()).Str("url", mgr.URL()).Msg("starting chat session")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		// the UI may quit before Run gets scheduled
		if err := mgr.Run(ctx); err != nil && !errors.Is(err, connection.ErrManagerClosed) {
			return err
		}
		return nil
	})
	if s.MetricsAddr != "" {
		eg.Go(func() error { return serveMetrics(ctx, s.MetricsAddr, reg) })
	}
	if err := mgr.Connect(); err != nil {
		return err
	}

	conv := conversation.New()
	eg.Go(func() error {
		defer cancel()
		if plain {
			return ui.NewPlain(mgr, mgr.Events(), conv, cmd.OutOrStdout()).Run(ctx, cmd.InOrStdin())
		}
		model := ui.NewModel(mgr, mgr.Events(), conv, ui.Settings{
			SessionID: mgr.SessionID().String(),
			Markdown:  s.Markdown,
		})
		_, err := tea.NewProgram(model, tea.WithAltScreen()).Run()
		if closeErr := mgr.Close(); err == nil {
			err = closeErr
		}
		return err
	})

	return eg.Wait()
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("serving client metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics listener")
	}
	return nil
}
