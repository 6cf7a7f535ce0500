package gpudetect

import (
	"context"
	"testing"
)

func TestParseCSV(t *testing.T) {
	out := "0, NVIDIA GeForce RTX 4090, 24576, 1024\n1, NVIDIA A100, 40960, 2048\n"
	devices := parseCSV(out)
	if len(devices) != 2 {
		t.Fatalf("len: want 2, got %d", len(devices))
	}
	if devices[0].Tag() != "cuda:0" || devices[0].Name != "NVIDIA GeForce RTX 4090" {
		t.Fatalf("devices[0]: got %+v", devices[0])
	}
	if devices[1].MemTotalMB != 40960 {
		t.Fatalf("devices[1].MemTotalMB: want 40960, got %d", devices[1].MemTotalMB)
	}
}

func TestResolveRequestedAutoAddsCPUAndNoDevices(t *testing.T) {
	// No GPU in this test environment: auto should still include cpu.
	got := ResolveRequested(context.Background(), []string{"auto"})
	if len(got) == 0 || got[0] != "cpu" {
		t.Fatalf("ResolveRequested: want cpu first, got %v", got)
	}
}

func TestExpandAutoGPUPresentSkipsCPU(t *testing.T) {
	got := expandAuto([]Device{{Index: 0, Name: "A100"}, {Index: 1, Name: "A100"}})
	if len(got) != 2 || got[0] != "cuda:0" || got[1] != "cuda:1" {
		t.Fatalf("expandAuto: want [cuda:0 cuda:1] with no cpu, got %v", got)
	}
}

func TestExpandAutoNoDevicesFallsBackToCPU(t *testing.T) {
	got := expandAuto(nil)
	if len(got) != 1 || got[0] != "cpu" {
		t.Fatalf("expandAuto: want [cpu], got %v", got)
	}
}

func TestResolveRequestedPassthrough(t *testing.T) {
	got := ResolveRequested(context.Background(), []string{"cpu", "cuda:0"})
	if len(got) != 2 || got[0] != "cpu" || got[1] != "cuda:0" {
		t.Fatalf("ResolveRequested: want passthrough, got %v", got)
	}
}
