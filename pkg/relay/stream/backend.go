// Package stream carries envelopes from the dialogue worker to the socket
// writer of a session, through watermill.
package stream

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatline/pkg/envelope"
	"github.com/go-go-golems/chatline/pkg/logging"
	"github.com/go-go-golems/chatline/pkg/redisstream"
	"github.com/go-go-golems/chatline/pkg/session"
)

const metadataSessionID = "session_id"

// Backend publishes envelopes to a session topic and fans them out to the
// session's subscribers.
type Backend interface {
	Publish(ctx context.Context, id session.ID, env envelope.Envelope) error
	// Subscribe delivers envelopes published after the call until ctx is
	// cancelled, then closes the returned channel.
	Subscribe(ctx context.Context, id session.ID) (<-chan envelope.Envelope, error)
	Close() error
}

// Topic is the watermill topic (and Redis stream) for a session.
func Topic(id session.ID) string {
	return "chat." + id.String()
}

type watermillBackend struct {
	publisher message.Publisher
	// subscriber returns the subscriber for one subscription and, when the
	// subscriber is private to it, a release func run when it ends.
	subscriber func(ctx context.Context, topic string) (message.Subscriber, func(), error)
	closers    []func() error
}

// NewInMemory returns a backend on watermill's gochannel pubsub.
func NewInMemory() Backend {
	logger := logging.NewWatermill(log.Logger)
	// blocking publish keeps the per-topic order
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            256,
		BlockPublishUntilSubscriberAck: true,
	}, logger)
	return &watermillBackend{
		publisher: ch,
		subscriber: func(context.Context, string) (message.Subscriber, func(), error) {
			return ch, nil, nil
		},
		closers: []func() error{ch.Close},
	}
}

// NewRedis returns a backend on Redis Streams. Every subscription gets its own
// consumer group created at the stream tail.
func NewRedis(ctx context.Context, s redisstream.Settings) (Backend, error) {
	client := redisstream.NewClient(s)
	if err := redisstream.Ping(ctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}
	return newRedisBackend(client, s.Group, s.MaxLen)
}

func newRedisBackend(client redis.UniversalClient, groupPrefix string, maxLen int64) (Backend, error) {
	logger := logging.NewWatermill(log.Logger)
	pub, err := redisstream.BuildPublisher(client, maxLen, logger)
	if err != nil {
		return nil, err
	}
	return &watermillBackend{
		publisher: pub,
		subscriber: func(ctx context.Context, topic string) (message.Subscriber, func(), error) {
			group := groupPrefix + ":" + topic + ":" + watermill.NewShortUUID()
			if err := redisstream.EnsureGroupAtTail(ctx, client, topic, group); err != nil {
				return nil, nil, err
			}
			sub, err := redisstream.BuildGroupSubscriber(client, group, "ws-forwarder", logger)
			if err != nil {
				return nil, nil, err
			}
			release := func() {
				if err := sub.Close(); err != nil {
					log.Debug().Err(err).Str("topic", topic).Msg("closing subscriber")
				}
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := redisstream.ReleaseGroup(ctx, client, topic, group); err != nil {
					log.Debug().Err(err).Str("topic", topic).Str("group", group).Msg("releasing consumer group")
				}
			}
			return sub, release, nil
		},
		closers: []func() error{pub.Close, client.Close},
	}, nil
}

// New picks the Redis backend when enabled and the in-memory one otherwise.
func New(ctx context.Context, s redisstream.Settings) (Backend, error) {
	if s.Enabled {
		return NewRedis(ctx, s)
	}
	return NewInMemory(), nil
}

// Publish returns once every subscriber of the topic has taken the envelope,
// or with ctx's error when ctx ends first.
func (b *watermillBackend) Publish(ctx context.Context, id session.ID, env envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataSessionID, id.String())
	msg.SetContext(ctx)

	done := make(chan error, 1)
	go func() { done <- b.publisher.Publish(Topic(id), msg) }()
	select {
	case err := <-done:
		if err != nil {
			return errors.Wrapf(err, "publish to %s", Topic(id))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *watermillBackend) Subscribe(ctx context.Context, id session.ID) (<-chan envelope.Envelope, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	topic := Topic(id)
	sub, release, err := b.subscriber(ctx, topic)
	if err != nil {
		return nil, errors.Wrap(err, "build subscriber")
	}
	msgs, err := sub.Subscribe(ctx, topic)
	if err != nil {
		if release != nil {
			release()
		}
		return nil, errors.Wrapf(err, "subscribe to %s", topic)
	}

	out := make(chan envelope.Envelope, 16)
	go func() {
		defer close(out)
		if release != nil {
			defer release()
		}
		for msg := range msgs {
			env, err := envelope.Decode(msg.Payload)
			msg.Ack()
			if err != nil {
				log.Warn().Err(err).Str("topic", topic).Str("message_id", msg.UUID).Msg("dropping undecodable stream message")
				continue
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *watermillBackend) Close() error {
	var first error
	for _, c := range b.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
