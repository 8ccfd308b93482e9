// Package notify forwards significant recording state changes to a Redis
// stream for downstream workflow consumers.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"capture_scheduler/core-go/internal/recording"
)

// StreamAdder is the slice of *redis.Client the publisher needs.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

type RedisPublisher struct {
	client StreamAdder
	stream string
	log    zerolog.Logger
}

func NewRedisPublisher(client StreamAdder, stream string, log zerolog.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, stream: stream, log: log}
}

// Dial connects to redisURL and verifies the connection before returning.
func Dial(ctx context.Context, redisURL, stream string, log zerolog.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisPublisher(client, stream, log), nil
}

func (p *RedisPublisher) PublishRecordingState(ctx context.Context, job recording.Job) error {
	fields := map[string]any{
		"event_id":      job.EventID,
		"state":         job.State.String(),
		"last_modified": job.LastModified.UTC().Format(time.RFC3339Nano),
	}
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: fields,
	}).Result()
	if err != nil {
		return fmt.Errorf("publish recording state: %w", err)
	}
	p.log.Debug().
		Str("stream", p.stream).
		Str("message_id", id).
		Str("event_id", job.EventID).
		Str("state", job.State.String()).
		Msg("published recording state")
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
