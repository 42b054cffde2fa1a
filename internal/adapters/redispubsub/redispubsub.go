// Package redispubsub implements PubSubManager on top of go-redis,
// following the teacher's realtime/bus redisBus shape: one *redis.Client,
// JSON-encoded payloads, and a goroutine per subscription forwarding onto a
// channel until its context is cancelled.
package redispubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ionforge/orchestrator/internal/platform/logger"
	"github.com/ionforge/orchestrator/internal/ports"
)

type Manager struct {
	log *logger.Logger
	rdb *redis.Client
}

func New(rdb *redis.Client, log *logger.Logger) *Manager {
	return &Manager{rdb: rdb, log: log.With("service", "redispubsub.Manager")}
}

func (m *Manager) Publish(ctx context.Context, topic string, event any) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal pubsub event: %w", err)
	}
	return m.rdb.Publish(ctx, topic, raw).Err()
}

func (m *Manager) Subscribe(ctx context.Context, topic string) (<-chan any, error) {
	sub := m.rdb.Subscribe(ctx, topic)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe %q: %w", topic, err)
	}

	out := make(chan any, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-ch:
				if !ok || payload == nil {
					return
				}
				var event any
				if err := json.Unmarshal([]byte(payload.Payload), &event); err != nil {
					m.log.Warn("bad pubsub payload", "topic", topic, "error", err.Error())
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

var _ ports.PubSubManager = (*Manager)(nil)
