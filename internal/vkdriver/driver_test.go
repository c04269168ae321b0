package vkdriver

import (
	"encoding/binary"
	"slices"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/vulkan-go/vulkan"

	"github.com/hellhand/kube/internal/gpu"
)

func TestHandles(t *testing.T) {
	var h handles
	a := h.put(&memory{size: 64})
	b := h.put(&commandPool{})
	if a == 0 || a == b {
		t.Fatalf("handles %d and %d", a, b)
	}
	if got := lookup[*memory](&h, a); got.size != 64 {
		t.Errorf("lookup returned %+v", got)
	}
	if got := lookup[*memory](&h, 0); got != nil {
		t.Errorf("null handle resolved to %+v", got)
	}
	h.drop(a)
	if h.len() != 1 {
		t.Errorf("%d objects after drop", h.len())
	}

	mustPanic(t, "unknown handle", func() { lookup[*memory](&h, a) })
	mustPanic(t, "wrong type", func() { lookup[*memory](&h, b) })
}

func mustPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.HasAssertionFailure(err) {
			t.Errorf("%s: recovered %v", name, r)
		}
	}()
	fn()
}

func TestDistinct(t *testing.T) {
	if got := distinct([]uint32{2, 0, 2, 1, 0}); !slices.Equal(got, []uint32{2, 0, 1}) {
		t.Errorf("distinct = %v", got)
	}
	if got := distinct([]uint32{3, 3}); len(got) != 1 {
		t.Errorf("distinct = %v", got)
	}
}

func TestSafeString(t *testing.T) {
	if safeString("VK_KHR_swapchain") != "VK_KHR_swapchain\x00" {
		t.Error("terminator not appended")
	}
	if safeString("done\x00") != "done\x00" {
		t.Error("terminator doubled")
	}
	if got := safeStrings([]string{"a", "b\x00"}); !slices.Equal(got, []string{"a\x00", "b\x00"}) {
		t.Errorf("safeStrings = %q", got)
	}
}

func TestPromotedFeatureAvailable(t *testing.T) {
	p := promotedFeatures["dynamicRendering"]
	old := &physicalDevice{apiVersion: vulkan.MakeVersion(1, 2, 0), extensions: map[string]bool{}}
	if p.available(old) {
		t.Error("1.2 device without the extension reports dynamic rendering")
	}
	old.extensions["VK_KHR_dynamic_rendering"] = true
	if !p.available(old) {
		t.Error("extension not honoured")
	}
	current := &physicalDevice{apiVersion: vulkan.MakeVersion(1, 3, 0)}
	if !p.available(current) {
		t.Error("core 1.3 device reports no dynamic rendering")
	}
}

func TestBytesToUint32(t *testing.T) {
	code := make([]byte, 8)
	binary.LittleEndian.PutUint32(code, 0x07230203)
	binary.LittleEndian.PutUint32(code[4:], 0x00010300)
	words := bytesToUint32(code)
	if len(words) != 2 || words[0] != 0x07230203 || words[1] != 0x00010300 {
		t.Errorf("words %x", words)
	}
}

func TestRetainSelectedPhysicalDevice(t *testing.T) {
	d := &Driver{}
	inst := &instance{}
	d.h.put(inst)
	var ids []uint64
	for i := 0; i < 3; i++ {
		id := d.h.put(&physicalDevice{inst: inst})
		inst.physical = append(inst.physical, id)
		ids = append(ids, id)
	}

	d.retainPhysical(inst, ids[1])
	if d.h.len() != 2 || !slices.Equal(inst.physical, []uint64{ids[1]}) {
		t.Fatalf("after selection: %d entries, physical %v", d.h.len(), inst.physical)
	}
	if pd := lookup[*physicalDevice](&d.h, ids[1]); pd.inst != inst {
		t.Error("selected device lost its instance")
	}
	mustPanic(t, "unselected device", func() { lookup[*physicalDevice](&d.h, ids[0]) })

	d.retainPhysical(inst, 0)
	if d.h.len() != 1 || len(inst.physical) != 0 {
		t.Errorf("instance teardown left %d entries, physical %v", d.h.len(), inst.physical)
	}
}

func TestEnabledExtensions(t *testing.T) {
	info := gpu.DeviceInfo{
		Extensions: []string{"VK_KHR_swapchain"},
		Features: gpu.Features{
			Vulkan12: []string{"separateDepthStencilLayouts"},
			Vulkan13: []string{"dynamicRendering"},
		},
	}
	old := &physicalDevice{apiVersion: vulkan.MakeVersion(1, 1, 0)}
	got, err := enabledExtensions(old, info)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"VK_KHR_swapchain", "VK_KHR_separate_depth_stencil_layouts", "VK_KHR_dynamic_rendering"}
	if !slices.Equal(got, want) {
		t.Errorf("1.1 device extensions %v, want %v", got, want)
	}

	core := &physicalDevice{apiVersion: vulkan.MakeVersion(1, 3, 0)}
	if got, _ := enabledExtensions(core, info); !slices.Equal(got, []string{"VK_KHR_swapchain"}) {
		t.Errorf("1.3 device extensions %v", got)
	}

	info.Features.Vulkan12 = append(info.Features.Vulkan12, "noSuchFeature")
	if _, err := enabledExtensions(core, info); err == nil {
		t.Error("unknown feature accepted")
	}
}
