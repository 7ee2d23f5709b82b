// Package redisstream builds watermill publishers and subscribers on Redis
// Streams.
package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func NewClient(s Settings) redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:     s.Addr,
		Password: s.Password,
		DB:       s.DB,
	})
}

// Ping checks that the server is reachable.
func Ping(ctx context.Context, client redis.UniversalClient) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "ping redis")
	}
	return nil
}

// BuildPublisher returns a publisher that trims every stream to about maxLen
// entries. Zero disables trimming.
func BuildPublisher(client redis.UniversalClient, maxLen int64, logger watermill.LoggerAdapter) (message.Publisher, error) {
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:        client,
		Marshaller:    rstream.DefaultMarshallerUnmarshaller{},
		DefaultMaxlen: maxLen,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "create redis publisher")
	}
	return pub, nil
}

// BuildGroupSubscriber returns a Redis Streams subscriber bound to the given
// consumer group/name.
func BuildGroupSubscriber(client redis.UniversalClient, group, consumer string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      consumer,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "create redis subscriber")
	}
	return sub, nil
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't exist.
// This prevents full historical replay on first subscribe.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// group already exists
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

// deleteIfUnused drops the stream once no consumer group reads it. The check
// and the delete run as one script so a group created concurrently survives.
var deleteIfUnused = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
if #redis.call('XINFO', 'GROUPS', KEYS[1]) > 0 then return 0 end
return redis.call('DEL', KEYS[1])
`)

// ReleaseGroup destroys a consumer group and deletes the stream when it was
// the last one.
func ReleaseGroup(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	if err := client.XGroupDestroy(ctx, stream, group).Err(); err != nil {
		return errors.Wrapf(err, "destroy consumer group %s on %s", group, stream)
	}
	deleted, err := deleteIfUnused.Run(ctx, client, []string{stream}).Int()
	if err != nil {
		return errors.Wrapf(err, "delete stream %s", stream)
	}
	if deleted > 0 {
		log.Debug().Str("stream", stream).Msg("deleted unused redis stream")
	}
	return nil
}
