package eventbus

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/renderforge/dispatcher/internal/render"
)

func TestPublishTerminalDoesNotPanicWithoutARedisServer(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}) // nothing listens here
	p := New(rdb, "")
	p.timeout = 10 * time.Millisecond

	task := &render.Task{ID: "t1", Request: &render.RenderRequest{SessionID: "s1"}}
	p.PublishTerminal(task, "succeeded") // must swallow the connection error, not panic
}

func TestNewDefaultsChannel(t *testing.T) {
	p := New(redis.NewClient(&redis.Options{}), "")
	if p.channel != defaultChannel {
		t.Fatalf("channel: want %s, got %s", defaultChannel, p.channel)
	}
}
