package render

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", true)
}

func noopAdapterFactory(device string) RuntimeAdapter {
	return &stubAdapter{device: device}
}

func newTestDispatcher() *Dispatcher {
	d := NewDispatcher(testLogger(), noopAdapterFactory)
	d.lockTimeout = 200 * time.Millisecond
	return d
}

// addAliveWorker registers a worker entry directly, bypassing
// StartWorker/runWorker: these tests exercise queue admission and
// eligibility, not the worker goroutine lifecycle.
func addAliveWorker(d *Dispatcher, device string) {
	d.workers[device] = &workerInfo{device: device, deviceName: device, alive: true, stop: make(chan struct{}), done: make(chan struct{})}
}

func TestEnqueueRejectsWithNoWorkers(t *testing.T) {
	d := newTestDispatcher()
	_, err := d.Enqueue(&RenderRequest{SessionID: "s1"}, "t1")
	if err != ErrNoWorkers {
		t.Fatalf("Enqueue: want ErrNoWorkers, got %v", err)
	}
}

func TestEnqueueRejectsDuplicatePending(t *testing.T) {
	d := newTestDispatcher()
	addAliveWorker(d, "cpu")

	if _, err := d.Enqueue(&RenderRequest{SessionID: "s1"}, "t1"); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if _, err := d.Enqueue(&RenderRequest{SessionID: "s1"}, "t2"); err != ErrPending {
		t.Fatalf("second Enqueue: want ErrPending, got %v", err)
	}
}

func TestEnqueueAllowsNewSessionAfterPriorTerminal(t *testing.T) {
	d := newTestDispatcher()
	addAliveWorker(d, "cpu")

	first, err := d.Enqueue(&RenderRequest{SessionID: "s1"}, "t1")
	if err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	first.setResponse([]byte(`{"status":"succeeded"}`))

	if _, err := d.Enqueue(&RenderRequest{SessionID: "s1"}, "t2"); err != nil {
		t.Fatalf("second Enqueue after completion: %v", err)
	}
}

func TestSelectNextTaskFIFO(t *testing.T) {
	d := newTestDispatcher()
	addAliveWorker(d, "cpu")

	a, _ := d.Enqueue(&RenderRequest{SessionID: "s1"}, "t1")
	b, _ := d.Enqueue(&RenderRequest{SessionID: "s2"}, "t2")

	got, err := d.SelectNextTask("cpu")
	if err != nil {
		t.Fatalf("SelectNextTask: %v", err)
	}
	if got != a {
		t.Fatalf("SelectNextTask: want the first-enqueued task, got a different one")
	}
	got2, _ := d.SelectNextTask("cpu")
	if got2 != b {
		t.Fatal("SelectNextTask: want second task on next call")
	}
	if d.QueueLen() != 0 {
		t.Fatalf("QueueLen: want 0 after draining, got %d", d.QueueLen())
	}
}

func TestSelectNextTaskSkipsCPUWhenGPUPresent(t *testing.T) {
	d := newTestDispatcher()
	addAliveWorker(d, "cpu")
	addAliveWorker(d, "cuda:0")

	task, _ := d.Enqueue(&RenderRequest{SessionID: "s1"}, "t1")

	got, err := d.SelectNextTask("cpu")
	if err != nil {
		t.Fatalf("SelectNextTask(cpu): %v", err)
	}
	if got != nil {
		t.Fatal("SelectNextTask(cpu): unpinned task should wait for a GPU worker while one is alive")
	}

	got, err = d.SelectNextTask("cuda:0")
	if err != nil {
		t.Fatalf("SelectNextTask(cuda:0): %v", err)
	}
	if got != task {
		t.Fatal("SelectNextTask(cuda:0): expected the pending task to be picked up by the GPU worker")
	}
}

func TestSelectNextTaskHonorsDevicePin(t *testing.T) {
	d := newTestDispatcher()
	addAliveWorker(d, "cuda:0")
	addAliveWorker(d, "cuda:1")

	task, _ := d.Enqueue(&RenderRequest{SessionID: "s1", RenderDevice: "cuda:1"}, "t1")

	if got, _ := d.SelectNextTask("cuda:0"); got != nil {
		t.Fatal("SelectNextTask(cuda:0): pinned task must not run on a different device")
	}
	got, err := d.SelectNextTask("cuda:1")
	if err != nil {
		t.Fatalf("SelectNextTask(cuda:1): %v", err)
	}
	if got != task {
		t.Fatal("SelectNextTask(cuda:1): expected the pinned task")
	}
}

func TestSelectNextTaskPinnedToDeadDeviceFails(t *testing.T) {
	d := newTestDispatcher()
	addAliveWorker(d, "cuda:0")

	task, _ := d.Enqueue(&RenderRequest{SessionID: "s1", RenderDevice: "cuda:1"}, "t1")

	got, err := d.SelectNextTask("cuda:0")
	if err != nil {
		t.Fatalf("SelectNextTask: %v", err)
	}
	if got != task {
		t.Fatal("SelectNextTask: expected the unsatisfiable task to be surfaced for error handling")
	}
	if got.Error() == nil {
		t.Fatal("Error: expected the pinned-to-dead-device error to be set")
	}
}

func TestSelectNextTaskFaceCorrectionWaitsForFirstCUDA(t *testing.T) {
	d := newTestDispatcher()
	addAliveWorker(d, "cpu")
	addAliveWorker(d, "cuda:1")

	task, _ := d.Enqueue(&RenderRequest{SessionID: "s1", UseFaceCorrection: "gfpgan"}, "t1")

	if got, _ := d.SelectNextTask("cpu"); got != nil {
		t.Fatal("SelectNextTask(cpu): face-correction task must never run on CPU")
	}
	got, err := d.SelectNextTask("cuda:1")
	if err != nil {
		t.Fatalf("SelectNextTask(cuda:1): %v", err)
	}
	if got != task {
		t.Fatal("SelectNextTask(cuda:1): expected the face-correction task since cuda:1 is the only (and thus first) CUDA device")
	}
}

func TestSelectNextTaskFaceCorrectionNoCUDAFails(t *testing.T) {
	d := newTestDispatcher()
	addAliveWorker(d, "cpu")

	task, _ := d.Enqueue(&RenderRequest{SessionID: "s1", UseFaceCorrection: "gfpgan"}, "t1")

	got, err := d.SelectNextTask("cpu")
	if err != nil {
		t.Fatalf("SelectNextTask: %v", err)
	}
	if got != task || got.Error() == nil {
		t.Fatal("SelectNextTask: expected the face-correction task to be surfaced with an error when no CUDA device exists")
	}
}

func TestSelectNextTaskFaceCorrectionPinnedToCPUFailsInstead(t *testing.T) {
	d := newTestDispatcher()
	addAliveWorker(d, "cpu")
	addAliveWorker(d, "cuda:0")

	task, _ := d.Enqueue(&RenderRequest{SessionID: "s1", RenderDevice: "cpu", UseFaceCorrection: "gfpgan"}, "t1")

	got, err := d.SelectNextTask("cuda:0")
	if err != nil {
		t.Fatalf("SelectNextTask(cuda:0): %v", err)
	}
	if got != task || got.Error() == nil {
		t.Fatal("SelectNextTask(cuda:0): expected the cpu-pinned face-correction task to be surfaced with an error instead of waiting forever")
	}
}

func TestIsAliveCudaZeroMeansFirstCUDA(t *testing.T) {
	d := newTestDispatcher()
	addAliveWorker(d, "cuda:2")

	if d.IsAlive("cuda:2") != 1 {
		t.Fatal("IsAlive(cuda:2): expected 1")
	}
	if d.IsAlive("cuda:0") != 1 {
		t.Fatal("IsAlive(cuda:0): expected cuda:0 to resolve to the only alive CUDA device, cuda:2")
	}
	if d.IsAlive("cuda:1") != 0 {
		t.Fatal("IsAlive(cuda:1): expected 0, cuda:1 is not registered")
	}
}

func TestIsAliveEmptyNameCountsAll(t *testing.T) {
	d := newTestDispatcher()
	addAliveWorker(d, "cpu")
	addAliveWorker(d, "cuda:0")

	if n := d.IsAlive(""); n != 2 {
		t.Fatalf("IsAlive(\"\"): want 2, got %d", n)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	d := newTestDispatcher()
	d.Shutdown()
	d.Shutdown()
	if !d.ShuttingDown() {
		t.Fatal("ShuttingDown: expected true after Shutdown")
	}
	if d.StateErr() != ErrShutdown {
		t.Fatalf("StateErr: want ErrShutdown, got %v", d.StateErr())
	}
}

func TestCancelAllMarksCurrentTasksCancelled(t *testing.T) {
	d := newTestDispatcher()
	addAliveWorker(d, "cpu")
	task := newTask("t1", &RenderRequest{SessionID: "s1"})
	d.workers["cpu"].currentTask = task

	if n := d.CancelAll(); n != 1 {
		t.Fatalf("CancelAll: want 1 task cancelled, got %d", n)
	}
	if !task.IsCancelled() {
		t.Fatal("IsCancelled: expected the worker's current task to be cancelled")
	}
	if n := d.CancelAll(); n != 0 {
		t.Fatalf("CancelAll: want 0 on a second call (already cancelled), got %d", n)
	}
}

func TestStartWorkerFailsOnFailedInit(t *testing.T) {
	d := newTestDispatcher()
	d.deviceStartTimeout = 30 * time.Millisecond
	d.newAdapter = func(device string) RuntimeAdapter {
		return &stubAdapter{device: device, initErr: context.DeadlineExceeded}
	}

	err := d.StartWorker(context.Background(), "cuda:0")
	if err == nil {
		t.Fatal("StartWorker: expected an error when device init fails")
	}
	if _, ok := d.workers["cuda:0"]; ok {
		t.Fatal("workers: a failed worker must not remain registered")
	}
}
