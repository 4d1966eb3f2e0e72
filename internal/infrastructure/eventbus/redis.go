// Package eventbus provides concrete ports.EventBus implementations. Redis
// is grounded on the teacher's go-redis/v9 usage in
// pkg/security/webhook_replay_protection.go and pkg/ratelimit (pipelines,
// Incr/Expire) generalized to Streams (durable replay log) plus Pub/Sub
// (ephemeral broadcast), matching §4.C/§4.N's "persisted... and also
// broadcast ephemerally" requirement.
package eventbus

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/rail-service/erasure_service/internal/domain/ports"
	"github.com/rail-service/erasure_service/pkg/logger"
)

// Redis implements ports.EventBus backed by a single redis.Client.
type Redis struct {
	client *redis.Client
	log    *logger.Logger
}

func NewRedis(client *redis.Client, log *logger.Logger) *Redis {
	return &Redis{client: client, log: log}
}

func streamName(topic, groupKey string) string {
	return "events:stream:" + topic + ":" + groupKey
}

func pubsubChannel(topic, groupKey string) string {
	return "events:pubsub:" + topic + ":" + groupKey
}

// Publish appends to a durable Redis Stream (events:stream:{topic}:{groupKey})
// and additionally publishes to the Pub/Sub channel
// events:pubsub:{topic}:{groupKey} for ephemeral, low-latency broadcast.
func (r *Redis) Publish(ctx context.Context, topic, groupKey string, payload []byte) error {
	pipe := r.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName(topic, groupKey),
		Values: map[string]any{"payload": payload},
	})
	pipe.Publish(ctx, pubsubChannel(topic, groupKey), payload)

	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Error("event bus publish failed", "topic", topic, "groupKey", groupKey, "error", err)
		return err
	}
	return nil
}

// Replay reads the full durable stream for (topic, groupKey) in append
// order, used by durable consumers recovering after a restart.
func (r *Redis) Replay(ctx context.Context, topic, groupKey string) ([]ports.Event, error) {
	msgs, err := r.client.XRange(ctx, streamName(topic, groupKey), "-", "+").Result()
	if err != nil {
		return nil, err
	}

	out := make([]ports.Event, 0, len(msgs))
	for _, m := range msgs {
		raw, _ := m.Values["payload"].(string)
		ts := parseStreamTimestamp(m.ID)
		out = append(out, ports.Event{
			Topic:     topic,
			GroupKey:  groupKey,
			Payload:   []byte(raw),
			Timestamp: ts,
		})
	}
	return out, nil
}

func parseStreamTimestamp(id string) int64 {
	for i, c := range id {
		if c == '-' {
			ms, err := strconv.ParseInt(id[:i], 10, 64)
			if err != nil {
				return 0
			}
			return ms * int64(1e6)
		}
	}
	return 0
}

var _ ports.EventBus = (*Redis)(nil)
