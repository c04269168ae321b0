package main

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/hellhand/kube/internal/gpu"
)

func TestFPSCounter(t *testing.T) {
	var c fpsCounter
	if c.tick(500 * time.Millisecond) {
		t.Error("average published before a second elapsed")
	}
	if !c.tick(time.Second) || c.value != 2 {
		t.Fatalf("after 1s: value %v", c.value)
	}
	if c.String() != "FPS: 2.0" {
		t.Errorf("String() = %q", c.String())
	}
	c.tick(1500 * time.Millisecond)
	if !c.tick(2500*time.Millisecond) || math.Abs(c.value-2/1.5) > 1e-9 {
		t.Errorf("second window: value %v", c.value)
	}
}

func TestBuildOverlayMesh(t *testing.T) {
	extent := gpu.Extent2D{Width: 800, Height: 600}
	mesh := buildOverlayMesh("1", extent)
	// The glyph for 1 lights eight cells.
	if len(mesh.Vertices) != 8*4 || len(mesh.Indices) != 8*6 {
		t.Fatalf("%d vertices %d indices", len(mesh.Vertices), len(mesh.Indices))
	}
	for i, idx := range mesh.Indices {
		if int(idx) >= len(mesh.Vertices) {
			t.Fatalf("index %d = %d out of range", i, idx)
		}
	}
	for _, v := range mesh.Vertices {
		if v.pos.X() < -1 || v.pos.X() > 1 || v.pos.Y() < -1 || v.pos.Y() > 1 {
			t.Errorf("vertex %v outside clip space", v.pos)
		}
	}

	// The first lit cell of "1" is column 1 of the top row; the text is
	// anchored at the top-left, which is +Y in a flipped viewport.
	first := mesh.Vertices[0].pos
	wantX := float32((8.0+8.0)/800.0*2 - 1)
	wantY := float32(1 - 8.0/600.0*2)
	if math.Abs(float64(first.X()-wantX)) > 1e-6 || math.Abs(float64(first.Y()-wantY)) > 1e-6 {
		t.Errorf("first vertex %v, want (%v, %v)", first, wantX, wantY)
	}
}

func TestBuildOverlayMeshLimits(t *testing.T) {
	if m := buildOverlayMesh("FPS", gpu.Extent2D{}); len(m.Vertices) != 0 {
		t.Error("zero extent produced geometry")
	}
	if m := buildOverlayMesh("?!", gpu.Extent2D{Width: 10, Height: 10}); len(m.Indices) != 0 {
		t.Error("unknown glyphs produced geometry")
	}
	m := buildOverlayMesh(strings.Repeat("8", 100), gpu.Extent2D{Width: 1 << 16, Height: 64})
	if len(m.Indices) != 6*maxOverlayQuads || len(m.Vertices) != 4*maxOverlayQuads {
		t.Errorf("capped mesh has %d indices %d vertices", len(m.Indices), len(m.Vertices))
	}
}
