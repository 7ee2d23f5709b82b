package main

import (
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chatline/pkg/config"
	"github.com/go-go-golems/chatline/pkg/logging"
)

var version = "dev"

// logCloser releases the current log file, if any.
var logCloser io.Closer

var rootCmd = &cobra.Command{
	Use:          "chatline",
	Short:        "chatline is a resilient terminal client and relay for real-time chat sessions",
	Version:      version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// flags are parsed now, so --config and --log-* can be honoured
		if err := config.Init(viper.GetViper(), "chatline", cmd.Root()); err != nil {
			return err
		}
		return initLogger(logging.SettingsFromViper())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func initLogger(s logging.Settings) error {
	closer, err := logging.Init(s)
	if err != nil {
		return err
	}
	if logCloser != nil {
		_ = logCloser.Close()
	}
	logCloser = closer
	return nil
}

func main() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default $HOME/.chatline/config.yaml)")
	logging.AddFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		newChatCommand(),
		newServeCommand(),
		newSessionIDCommand(),
		newConfigCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("chatline failed")
		os.Exit(1)
	}
}
