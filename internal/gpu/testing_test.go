package gpu_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/hellhand/kube/internal/gpu"
	"github.com/hellhand/kube/internal/gpu/gputest"
)

func testConfig(d *gputest.Driver) gpu.Config {
	cfg := gpu.DefaultConfig()
	cfg.Surface = d.Surface()
	cfg.Window = &gputest.Window{Width: 800, Height: 600}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

func newContext(t *testing.T, d *gputest.Driver) *gpu.DeviceContext {
	t.Helper()
	c, err := gpu.NewDeviceContext(d, testConfig(d))
	if err != nil {
		t.Fatalf("NewDeviceContext: %v", err)
	}
	return c
}

// checkClean fails the test if d still holds objects or saw misuse.
func checkClean(t *testing.T, d *gputest.Driver) {
	t.Helper()
	if live := d.LiveTotal(); len(live) != 0 {
		t.Errorf("objects left alive: %v", live)
	}
	for _, e := range d.Errors {
		t.Errorf("driver misuse: %s", e)
	}
}
