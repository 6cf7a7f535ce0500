// Package gpudetect shells out to nvidia-smi/nvcc to enumerate CUDA
// devices, the same way the pack's cuda-worker and gpu-cluster-executor
// probe hardware before starting a job.
package gpudetect

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Device describes one GPU nvidia-smi reports.
type Device struct {
	Index      int
	Name       string
	MemTotalMB int
	MemUsedMB  int
}

// Tag returns the dispatcher-facing device tag for this GPU, "cuda:N".
func (d Device) Tag() string { return fmt.Sprintf("cuda:%d", d.Index) }

// Available reports whether both nvcc and nvidia-smi are on PATH and
// runnable, mirroring cuda-worker's checkCUDA.
func Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "nvcc", "--version").Run(); err != nil {
		return false
	}
	if err := exec.CommandContext(ctx, "nvidia-smi").Run(); err != nil {
		return false
	}
	return true
}

// List queries nvidia-smi for every visible GPU. It returns an empty
// slice, not an error, when nvidia-smi is absent or reports nothing —
// callers should treat "no CUDA devices" as a normal, CPU-only
// environment.
func List(ctx context.Context) ([]Device, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=index,name,memory.total,memory.used",
		"--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		return nil, nil
	}
	return parseCSV(string(out)), nil
}

func parseCSV(out string) []Device {
	var devices []Device
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 4 {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			continue
		}
		total, _ := strconv.Atoi(strings.TrimSpace(fields[2]))
		used, _ := strconv.Atoi(strings.TrimSpace(fields[3]))
		devices = append(devices, Device{
			Index:      idx,
			Name:       strings.TrimSpace(fields[1]),
			MemTotalMB: total,
			MemUsedMB:  used,
		})
	}
	return devices
}

// ResolveRequested expands the config's render_devices list: "auto"
// becomes one CPU worker if no GPU is detected, else one worker per
// detected CUDA device (never both); anything else passes through
// unchanged so an operator can still pin a device set by hand.
func ResolveRequested(ctx context.Context, requested []string) []string {
	auto := false
	var out []string
	for _, tag := range requested {
		if strings.EqualFold(tag, "auto") {
			auto = true
			continue
		}
		out = append(out, tag)
	}
	if !auto {
		return out
	}
	devices, _ := List(ctx)
	return append(out, expandAuto(devices)...)
}

// expandAuto is the device-list half of the "auto" expansion, split out
// so it can be exercised without shelling out to nvidia-smi.
func expandAuto(devices []Device) []string {
	if len(devices) == 0 {
		return []string{"cpu"}
	}
	out := make([]string, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.Tag())
	}
	return out
}
