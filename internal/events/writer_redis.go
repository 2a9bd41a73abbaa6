package events

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
)

// RedisWriter appends the events to a redis stream named after the topic.
type RedisWriter struct {
	client redis.UniversalClient
	maxLen int64
}

func NewRedisWriter(client redis.UniversalClient, maxLen int64) *RedisWriter {
	return &RedisWriter{client: client, maxLen: maxLen}
}

func (r *RedisWriter) Write(ctx context.Context, topic string, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{
			"id":    e.ID,
			"type":  e.Type,
			"event": string(data),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}

	return r.client.XAdd(ctx, args).Err()
}

// Close leaves the client open, it is shared with the queue.
func (r *RedisWriter) Close(_ context.Context) error {
	return nil
}
