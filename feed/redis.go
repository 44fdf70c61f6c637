package feed

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBridge carries change batches between server processes over a
// Redis Pub/Sub channel. Local commits are forwarded to Redis; everything
// received from Redis, including this process's own batches, is published
// to the output hub that clients subscribe to.
type RedisBridge[T any] struct {
	client  *redis.Client
	channel string
	out     *Hub[T]
	log     zerolog.Logger
}

func NewRedisBridge[T any](client *redis.Client, channel string, out *Hub[T], log zerolog.Logger) *RedisBridge[T] {
	return &RedisBridge[T]{client: client, channel: channel, out: out, log: log}
}

// Publish sends one batch to the channel.
func (b *RedisBridge[T]) Publish(ctx context.Context, changes []Change[T]) error {
	payload, err := json.Marshal(changes)
	if err != nil {
		return errors.Wrap(err, "marshal change batch")
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return errors.Wrapf(err, "publish to %s", b.channel)
	}
	return nil
}

// Forward publishes every batch read from local until it closes or ctx
// is done.
func (b *RedisBridge[T]) Forward(ctx context.Context, local <-chan []Change[T]) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-local:
			if !ok {
				b.log.Warn().Str("channel", b.channel).Msg("local change stream closed")
				return
			}
			if err := b.Publish(ctx, batch); err != nil {
				b.log.Error().Err(err).Int("changes", len(batch)).Msg("failed to forward changes")
			}
		}
	}
}

// Run relays messages from Redis into the output hub until ctx is done.
func (b *RedisBridge[T]) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return errors.Wrapf(err, "subscribe to %s", b.channel)
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var batch []Change[T]
			if err := json.Unmarshal([]byte(msg.Payload), &batch); err != nil {
				b.log.Warn().Err(err).Str("channel", b.channel).Msg("dropping undecodable change batch")
				continue
			}
			b.out.Publish(batch)
		}
	}
}
