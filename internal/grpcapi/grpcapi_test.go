package grpcapi

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/renderforge/dispatcher/internal/render"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", true)
}

func TestWatchReflectsDispatcherState(t *testing.T) {
	s := New()
	d := render.NewDispatcher(testLogger(), func(string) render.RuntimeAdapter { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Watch(ctx, d, 5*time.Millisecond)
		close(done)
	}()

	resp, err := s.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: serviceName})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("initial status: want NOT_SERVING, got %v", resp.Status)
	}

	cancel()
	<-done
}
