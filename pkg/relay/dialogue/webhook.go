package dialogue

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatline/pkg/envelope"
	"github.com/go-go-golems/chatline/pkg/session"
)

type Config struct {
	URL          string        `mapstructure:"url" yaml:"url"`
	FallbackURLs []string      `mapstructure:"fallback-urls" yaml:"fallback-urls"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// HealthTimeout bounds the health and readiness probes.
	HealthTimeout time.Duration `mapstructure:"health-timeout" yaml:"health-timeout"`
	ReadyAttempts int           `mapstructure:"ready-attempts" yaml:"ready-attempts"`
	ReadyInterval time.Duration `mapstructure:"ready-interval" yaml:"ready-interval"`
}

func DefaultConfig() Config {
	return Config{
		URL: "http://localhost:5005",
		FallbackURLs: []string{
			"http://localhost:5005",
			"http://127.0.0.1:5005",
			"http://rasa:5005",
		},
		Timeout:       30 * time.Second,
		HealthTimeout: 5 * time.Second,
		ReadyAttempts: 5,
		ReadyInterval: 2 * time.Second,
	}
}

type webhookRequest struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

type webhookButton struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

type webhookMessage struct {
	RecipientID string          `json:"recipient_id"`
	Text        string          `json:"text"`
	Image       string          `json:"image"`
	Buttons     []webhookButton `json:"buttons"`
}

// WebhookClient posts user messages to a REST webhook channel
// ({url}/webhooks/rest/webhook), trying each configured URL in order.
type WebhookClient struct {
	cfg    Config
	urls   []string
	client *http.Client
	now    func() time.Time
	log    zerolog.Logger
}

var _ Engine = (*WebhookClient)(nil)

func NewWebhookClient(cfg Config, httpClient *http.Client) *WebhookClient {
	d := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = d.HealthTimeout
	}
	if cfg.ReadyAttempts <= 0 {
		cfg.ReadyAttempts = d.ReadyAttempts
	}
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = d.ReadyInterval
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	urls := candidateURLs(cfg.URL, cfg.FallbackURLs)
	cfg.URL = strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if cfg.URL == "" && len(urls) > 0 {
		cfg.URL = urls[0]
	}
	return &WebhookClient{
		cfg:    cfg,
		urls:   urls,
		client: httpClient,
		now:    func() time.Time { return time.Now().UTC() },
		log:    log.With().Str("component", "dialogue").Logger(),
	}
}

// candidateURLs returns the primary URL followed by the fallbacks, without
// duplicates or trailing slashes.
func candidateURLs(primary string, fallbacks []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, u := range append([]string{primary}, fallbacks...) {
		u = strings.TrimRight(strings.TrimSpace(u), "/")
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

func (c *WebhookClient) URL() string { return c.cfg.URL }

func (c *WebhookClient) URLs() []string { return append([]string(nil), c.urls...) }

// Respond returns the engine's messages. When no URL answers it returns the
// fallback reply; the only error is a cancelled ctx.
func (c *WebhookClient) Respond(ctx context.Context, id session.ID, text string) (Reply, error) {
	for _, u := range c.urls {
		msgs, err := c.post(ctx, u, id, text)
		if err != nil {
			if ctx.Err() != nil {
				return Reply{}, ctx.Err()
			}
			c.log.Warn().Err(err).Str("url", u).Str("session_id", id.String()).Msg("dialogue engine request failed")
			continue
		}
		if len(msgs) == 0 {
			c.log.Warn().Str("url", u).Msg("dialogue engine returned no responses")
			return FallbackReply(c.now()), nil
		}
		c.log.Debug().Str("url", u).Int("messages", len(msgs)).Msg("dialogue engine replied")
		return Reply{Messages: msgs}, nil
	}
	c.log.Error().Strs("urls", c.urls).Msg("all dialogue engine urls failed, using fallback reply")
	return FallbackReply(c.now()), nil
}

func (c *WebhookClient) post(ctx context.Context, base string, id session.ID, text string) ([]envelope.Envelope, error) {
	body, err := json.Marshal(webhookRequest{Sender: id.String(), Message: text})
	if err != nil {
		return nil, errors.Wrap(err, "marshal webhook request")
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/webhooks/rest/webhook", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "post webhook")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, errors.Errorf("webhook returned status %d", resp.StatusCode)
	}

	var raw []webhookMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "decode webhook response")
	}
	now := c.now()
	msgs := make([]envelope.Envelope, 0, len(raw))
	for _, m := range raw {
		text := m.Text
		if text == "" {
			text = m.Image
		}
		if text == "" && len(m.Buttons) == 0 {
			continue
		}
		actions := make([]envelope.Action, 0, len(m.Buttons))
		for _, b := range m.Buttons {
			actions = append(actions, envelope.Action{Label: b.Title, Value: b.Payload})
		}
		msgs = append(msgs, envelope.NewBotMessage(text, now, actions...))
	}
	return msgs, nil
}

// Healthy probes the primary URL.
func (c *WebhookClient) Healthy(ctx context.Context) bool {
	return c.probe(ctx, c.cfg.URL+"/") == nil
}

// WaitReady polls the primary URL's /status endpoint until it answers or the
// attempts run out.
func (c *WebhookClient) WaitReady(ctx context.Context) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.ReadyInterval), uint64(c.cfg.ReadyAttempts-1)),
		ctx,
	)
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := c.probe(ctx, c.cfg.URL+"/status")
		if err != nil {
			c.log.Info().Int("attempt", attempt).Int("max", c.cfg.ReadyAttempts).Msg("waiting for dialogue engine")
		}
		return err
	}, b)
	if err != nil {
		return errors.Wrap(err, "dialogue engine not ready")
	}
	c.log.Info().Str("url", c.cfg.URL).Msg("dialogue engine is ready")
	return nil
}

func (c *WebhookClient) probe(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build probe request")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "probe %s", url)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("probe %s returned status %d", url, resp.StatusCode)
	}
	return nil
}
