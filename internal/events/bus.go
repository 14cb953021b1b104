// Package events carries git-sync status events between service instances.
// Events published here fan out through Redis pub/sub so every instance can
// rebroadcast them to its locally connected websocket clients.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const channel = "ejunz:base:events"

// Event is a sync status notification for one document.
type Event struct {
	Type     string         `json:"type"`
	DomainID string         `json:"domainId"`
	DocID    string         `json:"docId"`
	Branch   string         `json:"branch,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	At       time.Time      `json:"at"`
}

// Event types emitted by the sync service.
const (
	TypeStatus = "status"
	TypeExport = "export"
	TypeImport = "import"
	TypeCommit = "commit"
	TypePush   = "push"
	TypePull   = "pull"
	TypeBranch = "branch"
)

// Bus publishes events to interested subscribers.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// RedisBus is the production Bus: every instance publishes to one Redis
// channel and replays received events into a local handler.
type RedisBus struct {
	client *redis.Client
	sub    *redis.PubSub
	done   chan struct{}
}

func NewRedisBus(redisURL string) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisBus{client: client, done: make(chan struct{})}, nil
}

// NewRedisBusWithClient wires a bus onto an existing client (tests).
func NewRedisBusWithClient(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, done: make(chan struct{})}
}

func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe replays every event received on the shared channel into handler
// until Close. Malformed payloads are dropped.
func (b *RedisBus) Subscribe(ctx context.Context, handler func(Event)) {
	b.sub = b.client.Subscribe(ctx, channel)
	go func() {
		messages := b.sub.Channel()
		for {
			select {
			case <-b.done:
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				handler(event)
			}
		}
	}()
}

func (b *RedisBus) Close() error {
	close(b.done)
	if b.sub != nil {
		_ = b.sub.Close()
	}
	return b.client.Close()
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
