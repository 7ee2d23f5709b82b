// Package config loads chatline settings from flags, CHATLINE_* environment
// variables and an optional config file through viper.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatline/pkg/connection"
	"github.com/go-go-golems/chatline/pkg/logging"
	"github.com/go-go-golems/chatline/pkg/redisstream"
	"github.com/go-go-golems/chatline/pkg/relay"
	"github.com/go-go-golems/chatline/pkg/relay/dialogue"
	"github.com/go-go-golems/chatline/pkg/transport"
)

const EnvPrefix = "CHATLINE"

type ReconnectSettings struct {
	InitialDelay time.Duration `mapstructure:"initial-delay" yaml:"initial-delay"`
	Multiplier   float64       `mapstructure:"multiplier" yaml:"multiplier"`
	MaxDelay     time.Duration `mapstructure:"max-delay" yaml:"max-delay"`
	MaxAttempts  int           `mapstructure:"max-attempts" yaml:"max-attempts"`
}

// Settings is the effective configuration of both the chat client and the
// relay server.
type Settings struct {
	BaseURL     string            `mapstructure:"base-url" yaml:"base-url,omitempty"`
	Origin      string            `mapstructure:"origin" yaml:"origin,omitempty"`
	SessionID   string            `mapstructure:"session-id" yaml:"session-id,omitempty"`
	DialTimeout time.Duration     `mapstructure:"dial-timeout" yaml:"dial-timeout"`
	Reconnect   ReconnectSettings `mapstructure:"reconnect" yaml:"reconnect"`
	Markdown    bool              `mapstructure:"markdown" yaml:"markdown"`
	MetricsAddr string            `mapstructure:"metrics-addr" yaml:"metrics-addr,omitempty"`

	Relay relay.Config `mapstructure:",squash" yaml:",inline"`
	// Echo answers with the built-in echo engine instead of the webhook.
	Echo     bool                 `mapstructure:"echo" yaml:"echo"`
	Dialogue dialogue.Config      `mapstructure:"dialogue" yaml:"dialogue"`
	Redis    redisstream.Settings `mapstructure:"redis" yaml:"redis"`

	Logging logging.Settings `mapstructure:",squash" yaml:",inline"`
}

// Init configures v the way every chatline command expects: CHATLINE_*
// environment variables, ~/.chatline/config.yaml (or --config), and the
// root command's persistent flags.
func Init(v *viper.Viper, appName string, rootCmd *cobra.Command) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if rootCmd != nil {
		if err := v.BindPFlags(rootCmd.PersistentFlags()); err != nil {
			return errors.Wrap(err, "bind persistent flags")
		}
	}

	configFile := v.GetString("config")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, "."+appName))
		}
		v.AddConfigPath(filepath.Join("/etc", appName))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return errors.Wrap(err, "read config")
		}
	}
	return nil
}

// SetDefaults registers every key so that environment variables are picked up
// by Load even when no flag or file mentions them.
func SetDefaults(v *viper.Viper) {
	conn := connection.DefaultConfig()
	v.SetDefault("base-url", "")
	v.SetDefault("origin", transport.DefaultOrigin)
	v.SetDefault("session-id", "")
	v.SetDefault("dial-timeout", conn.DialTimeout)
	v.SetDefault("reconnect.initial-delay", conn.Reconnect.InitialDelay)
	v.SetDefault("reconnect.multiplier", conn.Reconnect.Multiplier)
	v.SetDefault("reconnect.max-delay", conn.Reconnect.MaxDelay)
	v.SetDefault("reconnect.max-attempts", conn.Reconnect.MaxAttempts)
	v.SetDefault("markdown", true)
	v.SetDefault("metrics-addr", "")

	rc := relay.DefaultConfig()
	v.SetDefault("addr", rc.Addr)
	v.SetDefault("welcome", rc.Welcome)
	v.SetDefault("shutdown-timeout", rc.ShutdownTimeout)
	v.SetDefault("ping-interval", rc.PingInterval)
	v.SetDefault("work-queue", rc.WorkQueue)
	v.SetDefault("echo", false)

	dc := dialogue.DefaultConfig()
	v.SetDefault("dialogue.url", dc.URL)
	v.SetDefault("dialogue.fallback-urls", dc.FallbackURLs)
	v.SetDefault("dialogue.timeout", dc.Timeout)
	v.SetDefault("dialogue.health-timeout", dc.HealthTimeout)
	v.SetDefault("dialogue.ready-attempts", dc.ReadyAttempts)
	v.SetDefault("dialogue.ready-interval", dc.ReadyInterval)

	rs := redisstream.DefaultSettings()
	v.SetDefault("redis.enabled", rs.Enabled)
	v.SetDefault("redis.addr", rs.Addr)
	v.SetDefault("redis.password", rs.Password)
	v.SetDefault("redis.db", rs.DB)
	v.SetDefault("redis.group", rs.Group)
	v.SetDefault("redis.max-len", rs.MaxLen)

	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "text")
	v.SetDefault("log-file", "")
	v.SetDefault("with-caller", false)
}

// Load decodes the effective settings from v.
func Load(v *viper.Viper) (Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "decode settings")
	}
	return s, nil
}

// Connection returns the connection manager configuration.
func (s Settings) Connection() connection.Config {
	cfg := connection.DefaultConfig()
	cfg.Address = transport.AddressConfig{BaseURL: s.BaseURL, Origin: s.Origin}
	cfg.DialTimeout = s.DialTimeout
	cfg.Reconnect = connection.ReconnectConfig{
		InitialDelay: s.Reconnect.InitialDelay,
		Multiplier:   s.Reconnect.Multiplier,
		MaxDelay:     s.Reconnect.MaxDelay,
		MaxAttempts:  s.Reconnect.MaxAttempts,
	}
	return cfg
}

// YAML renders the settings for `config show`. The Redis password is masked.
func (s Settings) YAML() ([]byte, error) {
	if s.Redis.Password != "" {
		s.Redis.Password = "***"
	}
	b, err := yaml.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "marshal settings")
	}
	return b, nil
}
