package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestSinkRecordsQueueDepth(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(reg)

	s.QueueDepth(3)

	m := &dto.Metric{}
	if err := s.queueDepth.Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if m.GetGauge().GetValue() != 3 {
		t.Fatalf("queueDepth: want 3, got %v", m.GetGauge().GetValue())
	}
}

func TestSinkRecordsTaskFinished(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(reg)

	s.TaskFinished("cpu", "succeeded", 2*time.Second)

	m := &dto.Metric{}
	if err := s.tasksTotal.WithLabelValues("cpu", "succeeded").Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if m.GetCounter().GetValue() != 1 {
		t.Fatalf("tasksTotal: want 1, got %v", m.GetCounter().GetValue())
	}
}

func TestSinkWorkerAliveToggles(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(reg)

	s.WorkerAlive("cuda:0", true)
	m := &dto.Metric{}
	_ = s.workerAlive.WithLabelValues("cuda:0").Write(m)
	if m.GetGauge().GetValue() != 1 {
		t.Fatalf("WorkerAlive(true): want 1, got %v", m.GetGauge().GetValue())
	}

	s.WorkerAlive("cuda:0", false)
	m = &dto.Metric{}
	_ = s.workerAlive.WithLabelValues("cuda:0").Write(m)
	if m.GetGauge().GetValue() != 0 {
		t.Fatalf("WorkerAlive(false): want 0, got %v", m.GetGauge().GetValue())
	}
}
