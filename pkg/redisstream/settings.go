package redisstream

// Settings holds the Redis Streams transport configuration for the relay.
type Settings struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" yaml:"db"`
	// Group prefixes the per-session consumer groups.
	Group string `mapstructure:"group" yaml:"group"`
	// MaxLen caps each session stream (approximate trimming on every XADD).
	MaxLen int64 `mapstructure:"max-len" yaml:"max-len"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:   "localhost:6379",
		Group:  "chatline-relay",
		MaxLen: 1000,
	}
}
