// Package eventbus implements render.EventPublisher over Redis pub/sub
// with go-redis/v9, publishing each event to a single channel.
package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/renderforge/dispatcher/internal/render"
)

const defaultChannel = "events:render"

// Publisher is a render.EventPublisher backed by a Redis client.
type Publisher struct {
	rdb     *redis.Client
	channel string
	timeout time.Duration
}

// New wraps an existing *redis.Client. channel defaults to
// "events:render" when empty.
func New(rdb *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = defaultChannel
	}
	return &Publisher{rdb: rdb, channel: channel, timeout: 2 * time.Second}
}

type terminalEvent struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Device    string `json:"device,omitempty"`
}

// PublishTerminal broadcasts a task's terminal status. Publish errors
// are swallowed, neither returned nor logged, because a missing
// subscriber must never fail a render.
func (p *Publisher) PublishTerminal(task *render.Task, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	payload, err := json.Marshal(terminalEvent{
		TaskID:    task.ID,
		SessionID: task.Request.SessionID,
		Status:    status,
	})
	if err != nil {
		return
	}
	p.rdb.Publish(ctx, p.channel, payload)
}
