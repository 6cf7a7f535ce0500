package runtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/renderforge/dispatcher/internal/render"
)

// FindRenderWorkerExe locates an external renderer executable: the
// RENDER_WORKER_PATH environment variable first, then a short list of
// conventional relative locations. Returns "" if none is found.
func FindRenderWorkerExe() string {
	if env := os.Getenv("RENDER_WORKER_PATH"); env != "" {
		if _, err := os.Stat(env); err == nil {
			return env
		}
	}
	candidates := []string{
		"./render-worker.exe",
		"./render-worker/render-worker.exe",
		"../render-worker/render-worker.exe",
		"./bin/render-worker.exe",
	}
	for _, p := range candidates {
		if _, err := os.Stat(filepath.Clean(p)); err == nil {
			return filepath.Clean(p)
		}
	}
	return ""
}

// subprocessRequest is what gets written to the external renderer's
// stdin: one render call plus its device.
type subprocessRequest struct {
	Device  string               `json:"device"`
	Request *render.RenderRequest `json:"request"`
}

// subprocessResponse is a single terminal response read back from the
// external renderer's stdout. Unlike DemoAdapter, the subprocess
// renderer is not expected to stream incremental chunks: it runs to
// completion and prints one JSON object.
type subprocessResponse struct {
	Status string               `json:"status"`
	Detail string               `json:"detail,omitempty"`
	Output []render.ChunkOutput `json:"output,omitempty"`
}

// SubprocessAdapter is a render.RuntimeAdapter that delegates actual
// rendering to an external executable, one process per Render call.
// This is the pluggable-external-renderer seam spec.md's RuntimeAdapter
// describes: the dispatcher never needs to know how the subprocess
// actually draws anything.
type SubprocessAdapter struct {
	exePath    string
	device     string
	deviceName string
	timeout    time.Duration

	mu      sync.Mutex
	stopped bool
}

// NewSubprocessAdapterFactory builds the adapter factory
// Dispatcher.NewDispatcher expects, bound to one external executable
// path shared by every started device.
func NewSubprocessAdapterFactory(exePath string, timeout time.Duration) render.AdapterFactory {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return func(device string) render.RuntimeAdapter {
		return &SubprocessAdapter{exePath: exePath, device: device, timeout: timeout}
	}
}

func (a *SubprocessAdapter) DeviceInit(ctx context.Context, device string) error {
	if a.exePath == "" {
		return fmt.Errorf("runtime: no external render worker configured")
	}
	a.device = device
	a.deviceName = device
	return nil
}

func (a *SubprocessAdapter) CurrentDevice() string     { return a.device }
func (a *SubprocessAdapter) CurrentDeviceName() string { return a.deviceName }

func (a *SubprocessAdapter) LoadModel(ctx context.Context, ckptPath, vaePath string) error {
	return nil // the external process loads whatever it needs per-request
}

func (a *SubprocessAdapter) UnloadModels()  {}
func (a *SubprocessAdapter) UnloadFilters() {}

func (a *SubprocessAdapter) Render(ctx context.Context, req *render.RenderRequest) (render.ChunkStream, error) {
	a.mu.Lock()
	a.stopped = false
	a.mu.Unlock()

	resp, err := a.runOnce(ctx, req)
	if err != nil {
		return nil, err
	}
	chunk, err := json.Marshal(render.Chunk{Status: resp.Status, Detail: resp.Detail, Output: resp.Output})
	if err != nil {
		return nil, err
	}
	return &oneShotStream{chunk: chunk}, nil
}

func (a *SubprocessAdapter) runOnce(ctx context.Context, req *render.RenderRequest) (*subprocessResponse, error) {
	data, err := json.Marshal(subprocessRequest{Device: a.device, Request: req})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, a.exePath)
	cmd.Stdin = bytes.NewReader(data)

	out, err := cmd.CombinedOutput()
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("runtime: external render worker timed out after %s", a.timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("runtime: external render worker failed: %w: %s", err, string(out))
	}

	var resp subprocessResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("runtime: invalid JSON from external render worker: %w: %s", err, string(out))
	}
	return &resp, nil
}

func (a *SubprocessAdapter) RequestStop() {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	// The external process runs to completion within its own timeout;
	// there is no mid-flight cancellation channel to signal here.
}

func (a *SubprocessAdapter) IsFirstCUDADevice(tag string) bool {
	return render.IsCUDATag(tag) && tag == "cuda:0"
}

func (a *SubprocessAdapter) Base64Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// oneShotStream emits the external process's single terminal chunk and
// then ends the stream.
type oneShotStream struct {
	chunk []byte
	done  bool
}

func (s *oneShotStream) Next(ctx context.Context) ([]byte, bool, error) {
	if s.done {
		return nil, false, nil
	}
	s.done = true
	return s.chunk, true, nil
}
