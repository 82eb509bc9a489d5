package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisDeadLetterQueue stores items in a Redis hash with a list preserving
// arrival order. The list is capped; the oldest items are dropped first.
type RedisDeadLetterQueue struct {
	client   redis.Cmdable
	itemsKey string
	orderKey string
	capacity int64
}

// NewRedisDeadLetterQueue creates a queue under keyPrefix.
func NewRedisDeadLetterQueue(client redis.Cmdable, keyPrefix string, capacity int) *RedisDeadLetterQueue {
	if keyPrefix == "" {
		keyPrefix = "guardduty-sentinel:deadletter"
	}
	if capacity <= 0 {
		capacity = 1000
	}
	return &RedisDeadLetterQueue{
		client:   client,
		itemsKey: keyPrefix + ":items",
		orderKey: keyPrefix + ":order",
		capacity: int64(capacity),
	}
}

// Send implements DeadLetterSink.
func (q *RedisDeadLetterQueue) Send(ctx context.Context, item DeadLetterItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encoding dead-letter item: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.itemsKey, item.ID, data)
	pipe.RPush(ctx, q.orderKey, item.ID)
	length := pipe.LLen(ctx, q.orderKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing dead-letter item %s: %w", item.ID, err)
	}

	overflow := length.Val() - q.capacity
	if overflow <= 0 {
		return nil
	}
	dropped, err := q.client.LPopCount(ctx, q.orderKey, int(overflow)).Result()
	if err != nil {
		return fmt.Errorf("trimming dead-letter queue: %w", err)
	}
	if len(dropped) > 0 {
		if err := q.client.HDel(ctx, q.itemsKey, dropped...).Err(); err != nil {
			return fmt.Errorf("trimming dead-letter items: %w", err)
		}
	}
	return nil
}

// List returns items oldest first.
func (q *RedisDeadLetterQueue) List(ctx context.Context) ([]DeadLetterItem, error) {
	ids, err := q.client.LRange(ctx, q.orderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing dead-letter queue: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	values, err := q.client.HMGet(ctx, q.itemsKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading dead-letter items: %w", err)
	}

	items := make([]DeadLetterItem, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var item DeadLetterItem
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			return nil, fmt.Errorf("decoding dead-letter item: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

// Get returns one item.
func (q *RedisDeadLetterQueue) Get(ctx context.Context, id string) (*DeadLetterItem, error) {
	data, err := q.client.HGet(ctx, q.itemsKey, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading dead-letter item %s: %w", id, err)
	}
	var item DeadLetterItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("decoding dead-letter item %s: %w", id, err)
	}
	return &item, nil
}

// Remove deletes one item.
func (q *RedisDeadLetterQueue) Remove(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	del := pipe.HDel(ctx, q.itemsKey, id)
	pipe.LRem(ctx, q.orderKey, 0, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("removing dead-letter item %s: %w", id, err)
	}
	if del.Val() == 0 {
		return ErrDeadLetterNotFound
	}
	return nil
}
