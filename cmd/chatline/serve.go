package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chatline/pkg/config"
	"github.com/go-go-golems/chatline/pkg/metrics"
	"github.com/go-go-golems/chatline/pkg/relay"
	"github.com/go-go-golems/chatline/pkg/relay/dialogue"
	"github.com/go-go-golems/chatline/pkg/relay/stream"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat relay server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	fs := cmd.Flags()
	fs.String("addr", ":8000", "Listen address")
	fs.Bool("echo", false, "Answer with the built-in echo engine instead of the dialogue webhook")
	fs.String("dialogue-url", "", "Dialogue engine base URL")
	fs.Bool("redis-enabled", false, "Route session streams through Redis Streams")
	fs.String("redis-addr", "", "Redis address")
	cobra.CheckErr(viper.BindPFlag("addr", fs.Lookup("addr")))
	cobra.CheckErr(viper.BindPFlag("echo", fs.Lookup("echo")))
	cobra.CheckErr(viper.BindPFlag("dialogue.url", fs.Lookup("dialogue-url")))
	cobra.CheckErr(viper.BindPFlag("redis.enabled", fs.Lookup("redis-enabled")))
	cobra.CheckErr(viper.BindPFlag("redis.addr", fs.Lookup("redis-addr")))
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	s, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var engine dialogue.Engine = dialogue.Echo{}
	if !s.Echo {
		client := dialogue.NewWebhookClient(s.Dialogue, &http.Client{Timeout: s.Dialogue.Timeout})
		if err := client.WaitReady(ctx); err != nil {
			// replies fall back to the canned response until the engine is up
			log.Warn().Err(err).Strs("urls", client.URLs()).Msg("dialogue engine not ready, continuing")
		}
		engine = client
	}

	backend, err := stream.New(ctx, s.Redis)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Warn().Err(err).Msg("closing stream backend")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	srv := relay.NewServer(s.Relay, engine, backend,
		relay.WithMetrics(metrics.NewRelay(reg), reg),
		relay.WithVersion(version),
	)
	return srv.Run(ctx)
}
