// Package runtime ships a demo RuntimeAdapter. A production image
// model runtime is explicitly out of scope (spec.md Non-goals); this
// adapter exists to let internal/render's dispatcher and worker loop
// be exercised end to end without one, by synthesizing plausible
// progress chunks on a timer instead of running real inference.
package runtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/renderforge/dispatcher/internal/gpudetect"
	"github.com/renderforge/dispatcher/internal/render"
)

// DemoAdapter is a render.RuntimeAdapter that fabricates a handful of
// progress chunks per render call, sleeping briefly between each to
// simulate GPU work, and honors RequestStop within one chunk.
type DemoAdapter struct {
	device     string
	deviceName string

	chunksPerRender int
	chunkDelay      time.Duration

	stopRequested int32
}

// NewDemoAdapter builds the adapter factory Dispatcher.NewDispatcher
// expects: one DemoAdapter per started device.
func NewDemoAdapter(chunksPerRender int, chunkDelay time.Duration) render.AdapterFactory {
	if chunksPerRender <= 0 {
		chunksPerRender = 5
	}
	if chunkDelay <= 0 {
		chunkDelay = 200 * time.Millisecond
	}
	return func(device string) render.RuntimeAdapter {
		return &DemoAdapter{device: device, chunksPerRender: chunksPerRender, chunkDelay: chunkDelay}
	}
}

func (a *DemoAdapter) DeviceInit(ctx context.Context, device string) error {
	a.device = device
	if render.IsCPUTag(device) {
		a.deviceName = "CPU"
		return nil
	}
	devices, err := gpudetect.List(ctx)
	if err != nil {
		return fmt.Errorf("runtime: list CUDA devices: %w", err)
	}
	for _, d := range devices {
		if d.Tag() == device {
			a.deviceName = d.Name
			return nil
		}
	}
	// nvidia-smi didn't enumerate this tag (e.g. a dev box with no GPU
	// but a caller that pinned cuda:0 anyway); fail the same way the
	// real runtime would refuse to bind an unavailable device.
	return fmt.Errorf("runtime: device %s not present", device)
}

func (a *DemoAdapter) CurrentDevice() string     { return a.device }
func (a *DemoAdapter) CurrentDeviceName() string { return a.deviceName }

func (a *DemoAdapter) LoadModel(ctx context.Context, ckptPath, vaePath string) error {
	select {
	case <-time.After(50 * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *DemoAdapter) UnloadModels()  {}
func (a *DemoAdapter) UnloadFilters() {}

func (a *DemoAdapter) Render(ctx context.Context, req *render.RenderRequest) (render.ChunkStream, error) {
	atomic.StoreInt32(&a.stopRequested, 0)
	return &demoStream{adapter: a, req: req, delay: a.chunkDelay, total: a.chunksPerRender}, nil
}

func (a *DemoAdapter) RequestStop() {
	atomic.StoreInt32(&a.stopRequested, 1)
}

func (a *DemoAdapter) stopped() bool {
	return atomic.LoadInt32(&a.stopRequested) == 1
}

// IsFirstCUDADevice reports whether tag is the lowest-index CUDA
// device this process currently sees on the machine, independent of
// which of those devices the dispatcher has started a worker for.
func (a *DemoAdapter) IsFirstCUDADevice(tag string) bool {
	devices, err := gpudetect.List(context.Background())
	if err != nil || len(devices) == 0 {
		return false
	}
	return devices[0].Tag() == tag
}

func (a *DemoAdapter) Base64Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// demoStream implements render.ChunkStream, pumping out `total`
// chunks, the last one carrying synthesized output, and stopping
// early once the adapter observes RequestStop.
type demoStream struct {
	adapter *DemoAdapter
	req     *render.RenderRequest

	mu    sync.Mutex
	delay time.Duration
	total int
	n     int
}

func (s *demoStream) Next(ctx context.Context) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.adapter.stopped() {
		return nil, false, nil
	}
	if s.n >= s.total {
		return nil, false, nil
	}

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-time.After(s.delay):
	}

	s.n++
	last := s.n == s.total
	status := "rendering"
	var outputs []render.ChunkOutput
	if last {
		status = "succeeded"
		n := s.req.NumOutputs
		if n <= 0 {
			n = 1
		}
		pixel := []byte{0xff, 0xd8, 0xff, 0xd9} // minimal JPEG-ish marker bytes
		encoded := base64.StdEncoding.EncodeToString(pixel)
		for i := 0; i < n; i++ {
			outputs = append(outputs, render.ChunkOutput{Data: encoded})
		}
	}

	chunk := render.Chunk{
		Status: status,
		Detail: fmt.Sprintf("step %d/%d on %s", s.n, s.total, s.adapter.device),
		Output: outputs,
	}
	return json.Marshal(chunk)
}
