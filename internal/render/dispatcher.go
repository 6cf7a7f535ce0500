package render

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Design-fixed constants from spec.md §6.
const (
	TaskTTL            = 900 * time.Second
	LockTimeout        = 15 * time.Second
	DeviceStartTimeout = 60 * time.Second
	CPUUnloadTimeout   = 240 * time.Second
)

// MetricsSink receives dispatcher/worker observability events. Any
// method may be called with a nil receiver-safe implementation; a nil
// MetricsSink on the Dispatcher simply means metrics are not recorded.
type MetricsSink interface {
	TaskEnqueued()
	TaskStarted(device string)
	TaskFinished(device, status string, d time.Duration)
	QueueDepth(n int)
	WorkerAlive(device string, alive bool)
}

// EventPublisher broadcasts terminal task status to external
// subscribers (see internal/eventbus).
type EventPublisher interface {
	PublishTerminal(task *Task, status string)
}

// AuditStore persists a record of terminal tasks for short-term
// operational history (see internal/store).
type AuditStore interface {
	RecordTerminal(ctx context.Context, task *Task, device, status string, err error)
}

// Tracer starts a span covering one task from the moment a worker
// picks it up off the queue to its terminal chunk (see
// internal/tracing).
type Tracer interface {
	StartTask(ctx context.Context, task *Task) (context.Context, func(err error))
}

// AdapterFactory constructs the RuntimeAdapter instance a newly
// started worker should own. Each worker gets its own adapter; state
// is never shared across devices (spec.md §4.4).
type AdapterFactory func(device string) RuntimeAdapter

type workerInfo struct {
	device     string
	deviceName string
	alive      bool
	initErr    error

	mu            sync.Mutex
	lastActive    time.Time
	hasLastActive bool
	currentTask   *Task // the task this worker is actively rendering, if any

	stop   chan struct{} // closed to ask this specific worker to exit
	done   chan struct{} // closed when the worker loop returns
}

// Dispatcher owns the global FIFO task queue and the worker registry
// (spec.md §4.2). queue and workers are protected by a single manager
// lock; because select_next_task needs to call an "is alive" check
// while already holding that lock, the Python original uses a
// re-entrant lock. Here we take the alternative the spec's design
// notes call out: IsAlive acquires the lock, and selectNextTask uses
// an internal isAliveLocked that assumes the caller already holds it.
type Dispatcher struct {
	lockTimeout        time.Duration
	taskTTL            time.Duration
	deviceStartTimeout time.Duration
	cpuUnloadTimeout   time.Duration

	cache *TaskCache
	log   *logrus.Entry

	metrics MetricsSink
	events  EventPublisher
	audit   AuditStore
	tracer  Tracer

	newAdapter AdapterFactory

	mgrMu   tmutex
	queue   []*Task
	workers map[string]*workerInfo

	state *sharedState

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// Option configures optional Dispatcher collaborators.
type Option func(*Dispatcher)

func WithMetrics(m MetricsSink) Option   { return func(d *Dispatcher) { d.metrics = m } }
func WithEvents(e EventPublisher) Option { return func(d *Dispatcher) { d.events = e } }
func WithAudit(a AuditStore) Option      { return func(d *Dispatcher) { d.audit = a } }
func WithTracer(t Tracer) Option         { return func(d *Dispatcher) { d.tracer = t } }

// NewDispatcher builds a Dispatcher with the design-fixed timeouts.
// newAdapter is called once per started worker to build its private
// RuntimeAdapter.
func NewDispatcher(log *logrus.Entry, newAdapter AdapterFactory, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		lockTimeout:        LockTimeout,
		taskTTL:            TaskTTL,
		deviceStartTimeout: DeviceStartTimeout,
		cpuUnloadTimeout:   CPUUnloadTimeout,
		cache:              NewTaskCache(LockTimeout),
		log:                log,
		newAdapter:         newAdapter,
		mgrMu:              newTMutex(),
		workers:            make(map[string]*workerInfo),
		state:              newSharedState(),
		shutdownCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Cache() *TaskCache { return d.cache }
func (d *Dispatcher) State() State      { return d.state.Get() }
func (d *Dispatcher) StateErr() error   { return d.state.Err() }

// Enqueue admits a fully-populated request (spec.md §4.2 "Enqueue").
func (d *Dispatcher) Enqueue(req *RenderRequest, id string) (*Task, error) {
	if d.IsAlive("") <= 0 {
		return nil, ErrNoWorkers
	}

	if existing, ok := d.cache.TryGet(req.SessionID); ok && existing.Pending() {
		return nil, ErrPending
	}

	task := newTask(id, req)

	if err := d.cache.Put(req.SessionID, task, d.taskTTL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdmissionFailed, err)
	}

	// Use twice the normal timeout for the queue append: this makes the
	// cache the single source of truth for admission, because the
	// cache.Put above would fail on lock contention before this would.
	if err := d.mgrMu.Lock(d.lockTimeout * 2); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdmissionFailed, err)
	}
	d.queue = append(d.queue, task)
	qlen := len(d.queue)
	d.mgrMu.Unlock()

	if d.metrics != nil {
		d.metrics.TaskEnqueued()
		d.metrics.QueueDepth(qlen)
	}
	return task, nil
}

// SelectNextTask scans the queue in FIFO order for the first task
// eligible for device D, per the rules in spec.md §4.2. The matched
// task is removed from the queue and returned.
func (d *Dispatcher) SelectNextTask(device string) (*Task, error) {
	if err := d.mgrMu.Lock(d.lockTimeout); err != nil {
		return nil, err
	}
	defer d.mgrMu.Unlock()

	idx := -1
	var picked *Task
	for i, t := range d.queue {
		if d.eligibleLocked(t, device) {
			idx = i
			picked = t
			break
		}
	}
	if picked == nil {
		return nil, nil
	}
	d.queue = append(d.queue[:idx], d.queue[idx+1:]...)
	if d.metrics != nil {
		d.metrics.QueueDepth(len(d.queue))
	}
	return picked, nil
}

// eligibleLocked implements the per-task eligibility rules. Caller
// must already hold mgrMu. Tasks that are unsatisfiable (e.g. a pinned
// device that never started) still "match" here after having an error
// attached, so the polling worker can surface it and free the queue
// slot — mirrors the Python original returning the errored task rather
// than looping forever.
func (d *Dispatcher) eligibleLocked(t *Task, device string) bool {
	if t.Request.UseFaceCorrection != "" && isCPU(t.PinnedDevice) {
		// Pinned to cpu and requires face correction: no device will
		// ever satisfy both at once (face correction needs CUDA, the
		// pin forbids it), so whichever worker polls first must
		// surface the failure instead of each side deferring to the
		// other forever.
		t.setError(fmt.Errorf("%w: no CUDA device available; remove face-correction filter", ErrFilterUnavailable))
		return true
	}
	if t.Request.UseFaceCorrection != "" {
		firstCUDA, ok := d.firstCUDAAliveLocked()
		if !ok {
			if isCPU(device) {
				// No CUDA device is alive and never will pick this task up;
				// the CPU worker is the only one that will ever see it, so
				// it must surface the failure itself.
				t.setError(fmt.Errorf("%w: no CUDA device available; remove face-correction filter", ErrFilterUnavailable))
				return true
			}
			return false
		}
		if device != firstCUDA {
			return false // wait for cuda:0, including when device is cpu
		}
	}

	if t.PinnedDevice != "" && t.PinnedDevice != device {
		if d.isAliveLocked(t.PinnedDevice) > 0 {
			return false // the pinned worker will pick it up
		}
		t.setError(fmt.Errorf("%w: %s is not currently active", ErrDeviceUnavailable, t.PinnedDevice))
		return true
	}

	if t.PinnedDevice == "" && isCPU(device) && d.hasNonCPUWorkerLocked() {
		return false
	}

	return true
}

func (d *Dispatcher) hasNonCPUWorkerLocked() bool {
	for tag, w := range d.workers {
		if w.alive && !isCPU(tag) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) firstCUDAAliveLocked() (string, bool) {
	var alive []string
	for tag, w := range d.workers {
		if w.alive {
			alive = append(alive, tag)
		}
	}
	return firstCUDADevice(alive)
}

// isAliveLocked counts workers matching name that are alive. Caller
// must hold mgrMu. name == "" means "any device"; name == "cuda:0"
// matches whichever worker is currently the first CUDA device.
func (d *Dispatcher) isAliveLocked(name string) int {
	n := 0
	if name == "" {
		for _, w := range d.workers {
			if w.alive {
				n++
			}
		}
		return n
	}
	if name == "cuda:0" {
		// "cuda:0" means "the first CUDA device", not literally the tag
		// "cuda:0" — matches whichever device currently holds that rank.
		first, ok := d.firstCUDAAliveLocked()
		if !ok {
			return 0
		}
		if w, exists := d.workers[first]; exists && w.alive {
			return 1
		}
		return 0
	}
	if w, ok := d.workers[name]; ok && w.alive {
		return 1
	}
	return 0
}

// IsAlive is the exported, lock-acquiring counterpart of
// isAliveLocked.
func (d *Dispatcher) IsAlive(name string) int {
	if err := d.mgrMu.Lock(d.lockTimeout); err != nil {
		return 0
	}
	defer d.mgrMu.Unlock()
	return d.isAliveLocked(name)
}

// GetDevices returns a snapshot of device -> human name for every
// alive worker.
func (d *Dispatcher) GetDevices() map[string]string {
	if err := d.mgrMu.Lock(d.lockTimeout); err != nil {
		return map[string]string{}
	}
	defer d.mgrMu.Unlock()
	out := make(map[string]string, len(d.workers))
	for tag, w := range d.workers {
		if w.alive {
			out[tag] = w.deviceName
		}
	}
	return out
}

// QueueLen reports the current queue length.
func (d *Dispatcher) QueueLen() int {
	if err := d.mgrMu.Lock(d.lockTimeout); err != nil {
		return 0
	}
	defer d.mgrMu.Unlock()
	return len(d.queue)
}

// StartWorker spawns a RenderWorker loop for device and waits up to
// DeviceStartTimeout for it to register success or failure.
func (d *Dispatcher) StartWorker(ctx context.Context, device string) error {
	if err := d.mgrMu.Lock(d.lockTimeout); err != nil {
		return err
	}
	if _, exists := d.workers[device]; exists {
		d.mgrMu.Unlock()
		return fmt.Errorf("render: worker for %s already registered", device)
	}
	info := &workerInfo{device: device, stop: make(chan struct{}), done: make(chan struct{})}
	d.workers[device] = info
	d.mgrMu.Unlock()

	adapter := d.newAdapter(device)
	go runWorker(ctx, d, info, adapter)

	deadline := time.After(d.deviceStartTimeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		info.mu.Lock()
		alive, initErr := info.alive, info.initErr
		info.mu.Unlock()
		if initErr != nil {
			d.removeWorkerLocked(device)
			return initErr
		}
		if alive {
			if d.metrics != nil {
				d.metrics.WorkerAlive(device, true)
			}
			return nil
		}
		select {
		case <-deadline:
			d.removeWorkerLocked(device)
			return fmt.Errorf("render: worker %s did not start within %s", device, d.deviceStartTimeout)
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) removeWorkerLocked(device string) {
	if err := d.mgrMu.Lock(d.lockTimeout); err != nil {
		return
	}
	delete(d.workers, device)
	d.mgrMu.Unlock()
}

// UpdateWorkers reconciles the live worker set to exactly `requested`:
// starting workers for newly-requested devices and signalling
// termination for devices no longer requested (spec.md §4.2
// "update_workers").
func (d *Dispatcher) UpdateWorkers(ctx context.Context, requested []string) error {
	if err := d.mgrMu.Lock(d.lockTimeout); err != nil {
		return err
	}
	want := make(map[string]bool, len(requested))
	for _, tag := range requested {
		want[tag] = true
	}
	active := make(map[string]bool, len(d.workers))
	for tag, info := range d.workers {
		select {
		case <-info.done:
			delete(d.workers, tag) // loop has exited; drop it so it can be started again
			continue
		default:
		}
		active[tag] = true
		if !want[tag] {
			select {
			case <-info.stop: // already asked to stop
			default:
				close(info.stop)
			}
		}
	}
	d.mgrMu.Unlock()

	var firstErr error
	for tag := range want {
		if active[tag] {
			continue
		}
		if err := d.StartWorker(ctx, tag); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Shutdown broadcasts the shutdown sentinel to every worker. It is
// idempotent.
func (d *Dispatcher) Shutdown() {
	d.shutdownOnce.Do(func() {
		d.state.SetErr(ErrShutdown)
		close(d.shutdownCh)
	})
}

// ShuttingDown reports whether Shutdown has been called.
func (d *Dispatcher) ShuttingDown() bool {
	select {
	case <-d.shutdownCh:
		return true
	default:
		return false
	}
}

// CancelAll cooperatively cancels whatever task every worker is
// currently rendering, mirroring the HTTP layer's "stop everything"
// control (spec.md §6, GET /image/stop with no task id). Queued tasks
// are left alone; they will simply be picked up next.
func (d *Dispatcher) CancelAll() int {
	if err := d.mgrMu.Lock(d.lockTimeout); err != nil {
		return 0
	}
	defer d.mgrMu.Unlock()
	n := 0
	for _, w := range d.workers {
		w.mu.Lock()
		if w.currentTask != nil && !w.currentTask.IsCancelled() {
			w.currentTask.SetCancelled()
			n++
		}
		w.mu.Unlock()
	}
	return n
}
