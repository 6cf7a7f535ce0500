package render

import (
	"context"
	"encoding/base64"
	"sync"
)

// stubAdapter is a minimal RuntimeAdapter used across this package's
// tests. Real adapters live in internal/runtime; this one exists only
// to exercise the dispatcher and worker loop without a GPU.
type stubAdapter struct {
	device  string
	initErr error
	loadErr error

	mu          sync.Mutex
	stopped     bool
	renderCalls int
	stream      *fakeChunkStream // if set, returned by every Render call
	renderErr   error
}

func (a *stubAdapter) DeviceInit(ctx context.Context, device string) error {
	return a.initErr
}

func (a *stubAdapter) CurrentDevice() string     { return a.device }
func (a *stubAdapter) CurrentDeviceName() string { return a.device }

func (a *stubAdapter) LoadModel(ctx context.Context, ckptPath, vaePath string) error {
	return a.loadErr
}

func (a *stubAdapter) UnloadModels() {}
func (a *stubAdapter) UnloadFilters() {}

func (a *stubAdapter) Render(ctx context.Context, req *RenderRequest) (ChunkStream, error) {
	a.mu.Lock()
	a.renderCalls++
	a.mu.Unlock()
	if a.renderErr != nil {
		return nil, a.renderErr
	}
	if a.stream != nil {
		return a.stream, nil
	}
	return &fakeChunkStream{chunks: [][]byte{[]byte(`{"status":"succeeded"}`)}}, nil
}

func (a *stubAdapter) RequestStop() {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
}

func (a *stubAdapter) Stopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

func (a *stubAdapter) IsFirstCUDADevice(tag string) bool { return false }

func (a *stubAdapter) Base64Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// fakeChunkStream replays a fixed chunk sequence, one per Next call,
// and ignores RequestStop. If nextErr is set, every Next call returns
// it instead of a chunk.
type fakeChunkStream struct {
	mu        sync.Mutex
	chunks    [][]byte
	pos       int
	nextErr   error
}

func (s *fakeChunkStream) Next(ctx context.Context) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextErr != nil {
		return nil, false, s.nextErr
	}
	if s.pos >= len(s.chunks) {
		return nil, false, nil
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, true, nil
}
