package events

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	streamKeyPrefix = "arbor:events:"
	streamMaxLen    = 10000
	appendTimeout   = 2 * time.Second
)

// RedisSink appends events to a per-topic Redis Stream so external consumers
// (dashboards, audit pipelines) can tail orchestration activity. Failures
// are logged and dropped; the stream is not a source of truth.
type RedisSink struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisSink wraps an existing Redis client.
func NewRedisSink(client *redis.Client, logger *zap.Logger) *RedisSink {
	return &RedisSink{client: client, logger: logger}
}

// Append implements Sink.
func (s *RedisSink) Append(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()

	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKeyPrefix + evt.Topic,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":      string(evt.Type),
			"agent_id":  evt.AgentID,
			"graph_id":  evt.GraphID,
			"message":   evt.Message,
			"timestamp": evt.Timestamp.Format(time.RFC3339Nano),
			"seq":       evt.Seq,
		},
	}).Err()
	if err != nil {
		s.logger.Warn("Failed to append event to Redis stream",
			zap.String("topic", evt.Topic),
			zap.String("type", string(evt.Type)),
			zap.Error(err),
		)
	}
}
