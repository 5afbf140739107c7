package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"eegflow/api/internal/util"

	"github.com/redis/go-redis/v9"
)

// Publisher pushes change events onto the feed consumed by sync broadcasters.
type Publisher interface {
	Publish(ctx context.Context, event ChangeEvent) error
}

// RedisPublisher publishes change events on a redis pub/sub channel. Delivery
// retry on a dropped connection is go-redis's concern, not the caller's.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, event ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

func newChangeEvent(collection, docID string, changeType ChangeType, doc map[string]any) ChangeEvent {
	return ChangeEvent{
		EventID:    util.NewID("evt"),
		Collection: collection,
		DocID:      docID,
		Type:       changeType,
		Doc:        doc,
		At:         time.Now(),
	}
}
