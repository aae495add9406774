// Package feed publishes committed relocations to per-agent Redis streams.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/tempus/internal/travel"
)

const streamPrefix = "tempus:agent:"

// DefaultMaxLen caps each agent stream; older entries are trimmed
// approximately.
const DefaultMaxLen = 10000

// Bus is a Redis Streams relocation feed.
type Bus struct {
	rdb    *redis.Client
	maxLen int64
	logger *zap.Logger
}

var _ travel.Publisher = (*Bus)(nil)

// New connects to redisURL and verifies the connection.
func New(ctx context.Context, redisURL string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{rdb: rdb, maxLen: DefaultMaxLen, logger: logger}, nil
}

// Stream returns the stream key for agentID.
func Stream(agentID string) string { return streamPrefix + agentID }

// Publish appends e to its agent's stream.
func (b *Bus) Publish(ctx context.Context, e *travel.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", e.ID, err)
	}

	stream := Stream(e.AgentID)
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{
			"event_id": e.ID,
			"kind":     string(e.Kind),
			"data":     string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	b.logger.Debug("published relocation",
		zap.String("agent", e.AgentID),
		zap.Int64("event_id", e.ID),
		zap.String("kind", string(e.Kind)))
	return nil
}

// Subscribe follows an agent's stream from the current tail. The channel
// closes when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, agentID string) <-chan *travel.Event {
	ch := make(chan *travel.Event, 16)
	stream := Stream(agentID)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			if ctx.Err() != nil {
				return
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					b.logger.Warn("feed read failed", zap.String("stream", stream), zap.Error(err))
					time.Sleep(100 * time.Millisecond)
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					ev, ok := decode(msg)
					if !ok {
						continue
					}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// History returns up to count of the agent's most recent feed entries,
// oldest first.
func (b *Bus) History(ctx context.Context, agentID string, count int64) ([]*travel.Event, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, Stream(agentID), "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read history %s: %w", agentID, err)
	}
	out := make([]*travel.Event, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		if ev, ok := decode(msgs[i]); ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func decode(msg redis.XMessage) (*travel.Event, bool) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, false
	}
	var ev travel.Event
	if json.Unmarshal([]byte(data), &ev) != nil {
		return nil, false
	}
	return &ev, true
}

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
