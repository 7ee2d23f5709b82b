package connection

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/go-go-golems/chatline/pkg/transport"
)

// ReconnectConfig defines the retry policy after unexpected closes.
type ReconnectConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// MaxAttempts is the reconnect ceiling. Zero means the default, a negative
	// value disables automatic reconnects.
	MaxAttempts int
}

// Config defines a Manager.
type Config struct {
	Address     transport.AddressConfig
	DialTimeout time.Duration
	Reconnect   ReconnectConfig
	// SendBuffer is the number of encoded frames that may wait for the writer.
	SendBuffer  int
	EventBuffer int
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     10 * time.Second,
		MaxAttempts:  5,
	}
}

func DefaultConfig() Config {
	return Config{
		DialTimeout: 10 * time.Second,
		Reconnect:   DefaultReconnectConfig(),
		SendBuffer:  64,
		EventBuffer: 256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.Reconnect.InitialDelay <= 0 {
		c.Reconnect.InitialDelay = d.Reconnect.InitialDelay
	}
	if c.Reconnect.Multiplier < 1 {
		c.Reconnect.Multiplier = d.Reconnect.Multiplier
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = d.Reconnect.MaxDelay
	}
	switch {
	case c.Reconnect.MaxAttempts == 0:
		c.Reconnect.MaxAttempts = d.Reconnect.MaxAttempts
	case c.Reconnect.MaxAttempts < 0:
		// negative disables automatic reconnects
		c.Reconnect.MaxAttempts = 0
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}

// newBackOff builds the delay sequence min(initial*multiplier^n, max) with no
// jitter and no elapsed-time cutoff. The attempt ceiling is enforced by the
// manager, not by the backoff.
func newBackOff(cfg ReconnectConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.Multiplier = cfg.Multiplier
	b.MaxInterval = cfg.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
