package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	consumerGroup = "agents"
	payloadField  = "payload"
)

type RedisConfig struct {
	Addrs    []string
	Username string
	Password string
	DB       int
}

// NewRedisClient connects to redis and checks the connection.
func NewRedisClient(cfg RedisConfig) (redis.UniversalClient, error) {
	redis.SetLogger(&redisLogger{})
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addrs,
		DB:       cfg.DB,
		Username: cfg.Username,
		Password: cfg.Password,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}

	return client, nil
}

// RedisQueue keeps one stream per worker, read through a consumer group so
// that unacked entries stay pending and are delivered again.
type RedisQueue struct {
	client redis.UniversalClient
	prefix string
	block  time.Duration
	groups sync.Map
}

var _ Queue = (*RedisQueue)(nil)

func NewRedisQueue(client redis.UniversalClient, prefix string, block time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = "geolake"
	}
	return &RedisQueue{
		client: client,
		prefix: prefix,
		block:  block,
	}
}

func (q *RedisQueue) streamKey(workerID uint) string {
	return fmt.Sprintf("%s:dispatch:%d", q.prefix, workerID)
}

func (q *RedisQueue) notifyChannel() string {
	return fmt.Sprintf("%s:notify", q.prefix)
}

func consumerName(workerID uint) string {
	return fmt.Sprintf("worker-%d", workerID)
}

func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	stream := q.streamKey(msg.WorkerID)
	if err := q.ensureGroup(ctx, stream); err != nil {
		return err
	}

	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{payloadField: string(payload)},
	}).Err()
}

func (q *RedisQueue) Receive(ctx context.Context, workerID uint) (*Delivery, error) {
	stream := q.streamKey(workerID)
	if err := q.ensureGroup(ctx, stream); err != nil {
		return nil, err
	}

	// entries delivered before but never acked come first
	d, err := q.read(ctx, stream, workerID, "0", -1)
	if err != nil || d != nil {
		return d, err
	}

	d, err = q.read(ctx, stream, workerID, ">", q.block)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrEmpty
	}
	return d, nil
}

func (q *RedisQueue) read(ctx context.Context, stream string, workerID uint, id string, block time.Duration) (*Delivery, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumerName(workerID),
		Streams:  []string{stream, id},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	for _, s := range streams {
		for _, m := range s.Messages {
			raw, ok := m.Values[payloadField].(string)
			if !ok {
				// the entry was trimmed while pending, drop it
				if err := q.ack(ctx, stream, m.ID); err != nil {
					return nil, err
				}
				continue
			}

			var msg Message
			if err := json.Unmarshal([]byte(raw), &msg); err != nil {
				zap.S().Named("queue").Errorw("dropping malformed dispatch message", "stream", stream, "id", m.ID, "error", err)
				if err := q.ack(ctx, stream, m.ID); err != nil {
					return nil, err
				}
				continue
			}

			entryID := m.ID
			return &Delivery{
				Message: msg,
				ack: func(ctx context.Context) error {
					return q.ack(ctx, stream, entryID)
				},
			}, nil
		}
	}
	return nil, nil
}

func (q *RedisQueue) ack(ctx context.Context, stream, id string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, stream, consumerGroup, id)
		pipe.XDel(ctx, stream, id)
		return nil
	})
	return err
}

func (q *RedisQueue) ensureGroup(ctx context.Context, stream string) error {
	if _, ok := q.groups.Load(stream); ok {
		return nil
	}

	err := q.client.XGroupCreateMkStream(ctx, stream, consumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}

	q.groups.Store(stream, struct{}{})
	return nil
}

func (q *RedisQueue) Notify(ctx context.Context) error {
	return q.client.Publish(ctx, q.notifyChannel(), "dispatch").Err()
}

func (q *RedisQueue) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	pubsub := q.client.Subscribe(ctx, q.notifyChannel())
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	return out, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

type redisLogger struct{}

func (l *redisLogger) Printf(ctx context.Context, format string, v ...interface{}) {
	zap.S().Named("redis").Infof(format, v...)
}
