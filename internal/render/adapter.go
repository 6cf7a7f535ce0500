package render

import "context"

// ChunkStream is the explicit pull iterator standing in for the
// source's generator-style chunk sequence (spec.md §9): the worker
// calls Next once per publish point; ok is false once the sequence is
// exhausted. Cancellation is cooperative — the producer is expected to
// poll whatever RequestStop set and wind down within a bounded number
// of further Next calls.
type ChunkStream interface {
	Next(ctx context.Context) (chunk []byte, ok bool, err error)
}

// RuntimeAdapter is the external contract a RenderWorker needs from the
// inference engine (spec.md §4.4). It is intentionally out of this
// module's scope to implement for production use — internal/runtime
// ships a demo adapter sufficient to exercise the dispatcher end to
// end.
type RuntimeAdapter interface {
	DeviceInit(ctx context.Context, device string) error
	CurrentDevice() string
	CurrentDeviceName() string

	LoadModel(ctx context.Context, ckptPath, vaePath string) error
	UnloadModels()
	UnloadFilters()

	// Render starts a job and returns a finite lazy chunk sequence.
	Render(ctx context.Context, req *RenderRequest) (ChunkStream, error)
	// RequestStop is idempotent; it asks the current Render call's
	// stream to wind down cooperatively.
	RequestStop()

	// IsFirstCUDADevice reports whether tag names the lowest-index CUDA
	// GPU currently in use by any worker.
	IsFirstCUDADevice(tag string) bool

	Base64Decode(s string) ([]byte, error)
}
