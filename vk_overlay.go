package main

import (
	"fmt"
	"time"

	mgl32 "github.com/go-gl/mathgl/mgl32"
	"github.com/loov/hrtime"

	"github.com/hellhand/kube/internal/gpu"
)

const maxOverlayQuads = 512

// fpsCounter averages frames over windows of at least one second.
type fpsCounter struct {
	last   time.Duration
	frames int
	value  float64
}

// tick counts a frame at now and reports whether the average changed.
func (c *fpsCounter) tick(now time.Duration) bool {
	c.frames++
	elapsed := now - c.last
	if elapsed < time.Second {
		return false
	}
	c.value = float64(c.frames) / elapsed.Seconds()
	c.frames = 0
	c.last = now
	return true
}

func (c *fpsCounter) String() string {
	return fmt.Sprintf("FPS: %.1f", c.value)
}

// fpsOverlay keeps one host-visible mesh per frame slot so a slot can be
// rewritten while the GPU still reads the others.
type fpsOverlay struct {
	counter fpsCounter
	alloc   *gpu.Allocator
	meshes  []*gpu.Mesh
	shown   []overlayState
}

type overlayState struct {
	text   string
	extent gpu.Extent2D
}

func newFPSOverlay(alloc *gpu.Allocator, slots int) (*fpsOverlay, error) {
	o := &fpsOverlay{
		counter: fpsCounter{last: hrtime.Now()},
		alloc:   alloc,
		shown:   make([]overlayState, slots),
	}
	capacity := gpu.HostMesh[vertex]{
		Vertices: make([]vertex, 4*maxOverlayQuads),
		Indices:  make([]uint32, 6*maxOverlayQuads),
	}
	for i := 0; i < slots; i++ {
		m, err := gpu.CreateMesh(alloc, capacity, false)
		if err != nil {
			o.Destroy(alloc)
			return nil, err
		}
		m.IndexCount = 0
		o.meshes = append(o.meshes, m)
	}
	return o, nil
}

func (o *fpsOverlay) Mesh(slot int) *gpu.Mesh {
	return o.meshes[slot]
}

// Update counts a frame and rewrites the slot's mesh when its text or the
// swapchain extent no longer match what it holds.
func (o *fpsOverlay) Update(slot int, extent gpu.Extent2D) error {
	o.counter.tick(hrtime.Now())
	want := overlayState{text: o.counter.String(), extent: extent}
	if o.shown[slot] == want {
		return nil
	}
	if err := gpu.CopyToHostVisibleMesh(o.alloc, o.meshes[slot], buildOverlayMesh(want.text, extent)); err != nil {
		return err
	}
	o.shown[slot] = want
	return nil
}

func (o *fpsOverlay) Destroy(alloc *gpu.Allocator) {
	for _, m := range o.meshes {
		gpu.DestroyMesh(alloc, m)
	}
	o.meshes = nil
}

// buildOverlayMesh turns text into indexed quads anchored at the top-left
// corner of a viewport of the given extent. Positions are already in clip
// space for a Y-flipped viewport.
func buildOverlayMesh(text string, extent gpu.Extent2D) gpu.HostMesh[vertex] {
	var mesh gpu.HostMesh[vertex]
	if extent.Width == 0 || extent.Height == 0 {
		return mesh
	}
	const (
		cellW  = 8
		cellH  = 12
		margin = 8
		space  = 4
	)
	color := mgl32.Vec4{1, 1, 1, 1}
	x := float32(margin)
	for _, ch := range text {
		pattern := glyphPattern(ch)
		for row := range pattern {
			for col := range pattern[row] {
				if pattern[row][col] != '1' {
					continue
				}
				if len(mesh.Indices) == 6*maxOverlayQuads {
					return mesh
				}
				px := x + float32(col)*cellW
				py := float32(margin) + float32(row)*cellH
				appendQuad(&mesh, px, py, cellW, cellH, color, extent)
			}
		}
		x += float32(len(pattern[0]))*cellW + space
	}
	return mesh
}

func appendQuad(mesh *gpu.HostMesh[vertex], x, y, w, h float32, color mgl32.Vec4, extent gpu.Extent2D) {
	toNDC := func(px, py float32) mgl32.Vec3 {
		nx := (px/float32(extent.Width))*2 - 1
		ny := 1 - (py/float32(extent.Height))*2
		return mgl32.Vec3{nx, ny, 0}
	}
	base := uint32(len(mesh.Vertices))
	mesh.Vertices = append(mesh.Vertices,
		vertex{pos: toNDC(x, y), color: color},
		vertex{pos: toNDC(x+w, y), color: color},
		vertex{pos: toNDC(x+w, y+h), color: color},
		vertex{pos: toNDC(x, y+h), color: color},
	)
	mesh.Indices = append(mesh.Indices, base, base+1, base+2, base+2, base+3, base)
}

var font = map[rune][]string{
	'0': {"111", "101", "101", "101", "111"},
	'1': {"010", "110", "010", "010", "111"},
	'2': {"111", "001", "111", "100", "111"},
	'3': {"111", "001", "111", "001", "111"},
	'4': {"101", "101", "111", "001", "001"},
	'5': {"111", "100", "111", "001", "111"},
	'6': {"111", "100", "111", "101", "111"},
	'7': {"111", "001", "001", "001", "001"},
	'8': {"111", "101", "111", "101", "111"},
	'9': {"111", "101", "111", "001", "111"},
	'F': {"111", "100", "110", "100", "100"},
	'P': {"111", "101", "111", "100", "100"},
	'S': {"111", "100", "111", "001", "111"},
	':': {"000", "010", "000", "010", "000"},
	'.': {"000", "000", "000", "000", "010"},
	' ': {"000", "000", "000", "000", "000"},
}

// glyphPattern returns the bitmap rows for ch, or a blank cell for
// characters the HUD font lacks.
func glyphPattern(ch rune) []string {
	if p, ok := font[ch]; ok {
		return p
	}
	return font[' ']
}
