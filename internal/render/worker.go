package render

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// runWorker is the per-device loop described in spec.md §4.3. It runs
// for the lifetime of one device's worker and is always started via
// Dispatcher.StartWorker, which also waits for the init handshake
// below (info.alive or info.initErr being set).
func runWorker(ctx context.Context, d *Dispatcher, info *workerInfo, adapter RuntimeAdapter) {
	defer close(info.done)

	if err := adapter.DeviceInit(ctx, info.device); err != nil {
		info.mu.Lock()
		info.initErr = err
		info.mu.Unlock()
		d.log.WithFields(logFields(info.device)).WithError(err).Error("render worker: device init failed")
		return
	}

	info.mu.Lock()
	info.alive = true
	info.deviceName = adapter.CurrentDeviceName()
	info.mu.Unlock()

	onlyWorker := d.IsAlive("") == 1
	if !isCPU(info.device) || onlyWorker {
		preloadModel(ctx, d, adapter)
	}

	log := d.log.WithFields(logFields(info.device))
	log.Info("render worker: online")

	for {
		d.cache.Clean()

		if d.ShuttingDown() {
			d.state.Set(StateUnavailable)
			markDead(d, info)
			log.Info("render worker: shutdown observed, exiting")
			return
		}

		select {
		case <-info.stop:
			markDead(d, info)
			log.Info("render worker: stop requested, exiting")
			return
		default:
		}

		task, err := d.SelectNextTask(info.device)
		if err != nil {
			log.WithError(err).Error("render worker: select_next_task failed")
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			maybeUnloadIdleCPU(d, info, adapter)
			sleepOrStop(info.stop, time.Second)
			continue
		}

		if task.Error() != nil {
			finishRejected(d, info, task)
			continue
		}
		if stateErr := d.state.Err(); stateErr != nil && stateErr != ErrShutdown {
			task.setError(stateErr)
			finishRejected(d, info, task)
			continue
		}

		runTask(ctx, d, info, adapter, task, log)
	}
}

func logFields(device string) logrus.Fields {
	return logrus.Fields{"device": device}
}

func preloadModel(ctx context.Context, d *Dispatcher, adapter RuntimeAdapter) {
	ckpt, vae := d.state.DefaultModel()
	cur, curVAE := d.state.CurrentModel()
	if ckpt == cur && vae == curVAE {
		return
	}
	d.state.Set(StateLoadingModel)
	if err := adapter.LoadModel(ctx, ckpt, vae); err != nil {
		d.state.SetErr(err)
		d.state.Set(StateUnavailable)
		d.log.WithError(err).Error("render worker: failed to preload default model")
		return
	}
	d.state.SetCurrentModel(ckpt, vae)
	d.state.ClearErr()
	d.state.Set(StateOnline)
}

func markDead(d *Dispatcher, info *workerInfo) {
	info.mu.Lock()
	info.alive = false
	info.mu.Unlock()
	if d.metrics != nil {
		d.metrics.WorkerAlive(info.device, false)
	}
}

func maybeUnloadIdleCPU(d *Dispatcher, info *workerInfo, adapter RuntimeAdapter) {
	if !isCPU(info.device) {
		return
	}
	if d.IsAlive("") <= 1 {
		return
	}
	info.mu.Lock()
	idle := info.hasLastActive && time.Since(info.lastActive) > d.cpuUnloadTimeout
	info.mu.Unlock()
	if !idle {
		return
	}
	adapter.UnloadModels()
	adapter.UnloadFilters()
	info.mu.Lock()
	info.hasLastActive = false
	info.mu.Unlock()
}

func sleepOrStop(stop <-chan struct{}, d time.Duration) {
	select {
	case <-stop:
	case <-time.After(d):
	}
}

// finishRejected handles a task whose error was already set before it
// reached a worker (admission-side rejection, or a pre-existing
// dispatcher state error): emit a single failed chunk and record it,
// without ever acquiring running_flag.
func finishRejected(d *Dispatcher, info *workerInfo, task *Task) {
	chunk, _ := json.Marshal(Chunk{Status: "failed", Detail: task.Error().Error()})
	task.buffer.Push(chunk)
	task.setResponse(chunk)
	d.cache.Keep(task.Request.SessionID, d.taskTTL)
	finalizeObservability(d, info.device, task, "failed", task.Error())
}

// runTask drives one task through RuntimeAdapter.Render to completion,
// cancellation, or failure (spec.md §4.3 steps d-k).
func runTask(ctx context.Context, d *Dispatcher, info *workerInfo, adapter RuntimeAdapter, task *Task, log *logrus.Entry) {
	if !task.TryAcquireRunning() {
		log.WithError(ErrInvariant).Error("render worker: got a task from the queue with running_flag already held")
		return
	}
	start := time.Now()
	info.mu.Lock()
	info.currentTask = task
	info.mu.Unlock()
	if d.metrics != nil {
		d.metrics.TaskStarted(info.device)
	}
	if isCPU(info.device) && d.IsAlive("") > 1 {
		info.mu.Lock()
		info.lastActive = time.Now()
		info.hasLastActive = true
		info.mu.Unlock()
	}

	spanCtx := ctx
	var endSpan func(error)
	if d.tracer != nil {
		spanCtx, endSpan = d.tracer.StartTask(ctx, task)
	}

	status, runErr := driveGenerator(spanCtx, d, adapter, task, log)

	info.mu.Lock()
	info.currentTask = nil
	info.mu.Unlock()

	task.ReleaseRunning()
	d.cache.Keep(task.Request.SessionID, d.taskTTL)

	if endSpan != nil {
		endSpan(runErr)
	}

	switch status {
	case "cancelled":
		log.Info("render worker: task cancelled")
	case "failed":
		log.WithError(runErr).Warn("render worker: task failed")
	default:
		log.Info("render worker: task completed")
	}
	d.state.Set(StateOnline)

	if d.metrics != nil {
		d.metrics.TaskFinished(info.device, status, time.Since(start))
	}
	finalizeObservability(d, info.device, task, status, runErr)
}

func finalizeObservability(d *Dispatcher, device string, task *Task, status string, err error) {
	if d.events != nil {
		d.events.PublishTerminal(task, status)
	}
	if d.audit != nil {
		d.audit.RecordTerminal(context.Background(), task, device, status, err)
	}
}

// driveGenerator opens the render stream and pumps chunks into the
// task buffer until the stream ends, handling cancellation and
// shutdown at each chunk boundary (spec.md §4.3 step j, "Cancellation").
func driveGenerator(ctx context.Context, d *Dispatcher, adapter RuntimeAdapter, task *Task, log *logrus.Entry) (status string, retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("%w: panic: %v", ErrRuntimeFailure, r)
			status = "failed"
			task.setError(retErr)
			chunk, _ := json.Marshal(Chunk{Status: "failed", Detail: retErr.Error()})
			task.buffer.Push(chunk)
			task.setResponse(chunk)
		}
	}()

	stream, err := adapter.Render(ctx, task.Request)
	if err != nil {
		task.setError(fmt.Errorf("%w: %v", ErrRuntimeFailure, err))
		chunk, _ := json.Marshal(Chunk{Status: "failed", Detail: err.Error()})
		task.buffer.Push(chunk)
		task.setResponse(chunk)
		return "failed", err
	}

	ckpt, _ := d.state.CurrentModel()
	if ckpt == task.Request.UseStableDiffusionModel {
		d.state.Set(StateRendering)
	} else {
		d.state.Set(StateLoadingModel)
	}

	firstChunk := true
	for {
		stopRequested := d.ShuttingDown() || task.IsCancelled()
		if stopRequested {
			adapter.RequestStop()
		}

		chunk, ok, err := stream.Next(ctx)
		if err != nil {
			task.setError(fmt.Errorf("%w: %v", ErrRuntimeFailure, err))
			chunk, _ := json.Marshal(Chunk{Status: "failed", Detail: err.Error()})
			task.buffer.Push(chunk)
			task.setResponse(chunk)
			return "failed", err
		}
		if !ok {
			break
		}

		if firstChunk && d.state.Get() == StateLoadingModel {
			d.state.Set(StateRendering)
			d.state.SetCurrentModel(task.Request.UseStableDiffusionModel, task.Request.UseVAEModel)
		}
		firstChunk = false

		if task.Request.StreamProgressUpdates {
			task.buffer.Push(chunk)
		}

		var parsed Chunk
		if err := json.Unmarshal(chunk, &parsed); err == nil {
			task.setResponse(chunk)
			for i, out := range parsed.Output {
				switch {
				case out.Path != "":
					// server-local path: the real runtime would copy the
					// buffered image named by the path; this module has no
					// on-disk image store to copy from (ModelRuntime is out
					// of scope), so the slot is left for Base64Decode data.
				case out.Data != "":
					if buf, err := adapter.Base64Decode(out.Data); err == nil {
						task.setTempImage(i, buf)
					}
				}
			}
		} else {
			task.setResponse(chunk)
		}

		d.cache.Keep(task.Request.SessionID, d.taskTTL)
	}

	if task.IsCancelled() {
		return "cancelled", nil
	}
	if task.Error() != nil {
		return "failed", task.Error()
	}
	return "succeeded", nil
}
