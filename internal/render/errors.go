package render

import "errors"

// Admission errors, returned synchronously from Dispatcher.Enqueue.
var (
	ErrNoWorkers       = errors.New("render: no worker is currently alive")
	ErrPending         = errors.New("render: session already has a pending task")
	ErrAdmissionFailed = errors.New("render: failed to admit task into cache")
)

// Per-task error kinds, stored on Task.err and surfaced as a terminal chunk.
var (
	ErrFilterUnavailable = errors.New("render: face-correction filter unavailable on this device")
	ErrDeviceUnavailable = errors.New("render: requested device is not currently active")
	ErrRuntimeFailure    = errors.New("render: inference runtime failed")
	ErrCancelled         = errors.New("render: cancelled by client")
)

// Infrastructure errors: broken invariants or timeouts, never recoverable
// by retrying the same call.
var (
	ErrLockTimeout = errors.New("render: failed to acquire lock within timeout")
	ErrShutdown    = errors.New("render: dispatcher is shutting down")
)

// ErrInvariant marks a fatal assertion failure (e.g. double-acquiring a
// task's running flag). It never happens in correct code; seeing it means
// a bug, not bad input.
var ErrInvariant = errors.New("render: invariant violated")
