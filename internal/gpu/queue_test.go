package gpu_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/vulkan-go/vulkan"

	"github.com/hellhand/kube/internal/gpu"
)

func family(index uint32, present bool, bits ...vulkan.QueueFlagBits) gpu.QueueFamily {
	var flags vulkan.QueueFlags
	for _, b := range bits {
		flags |= vulkan.QueueFlags(b)
	}
	return gpu.QueueFamily{Index: index, Flags: flags, Count: 1, Present: present}
}

const (
	g = vulkan.QueueGraphicsBit
	c = vulkan.QueueComputeBit
	x = vulkan.QueueTransferBit
)

func TestResolveFamily(t *testing.T) {
	tests := []struct {
		name          string
		families      []gpu.QueueFamily
		role          gpu.QueueRole
		wantFamily    uint32
		wantDedicated bool
	}{
		{"graphics single", []gpu.QueueFamily{family(0, true, g, c, x)}, gpu.RoleGraphics, 0, false},
		{"compute dedicated", []gpu.QueueFamily{family(0, true, g, c, x), family(1, false, c, x)}, gpu.RoleCompute, 1, true},
		{"compute prefers family without transfer", []gpu.QueueFamily{family(0, true, g, c, x), family(1, false, c, x), family(2, false, c)}, gpu.RoleCompute, 2, true},
		{"compute shared", []gpu.QueueFamily{family(0, true, g, c, x), family(1, false, x)}, gpu.RoleCompute, 0, false},
		{"transfer dedicated", []gpu.QueueFamily{family(0, true, g, c, x), family(1, false, c, x), family(2, false, x)}, gpu.RoleTransfer, 2, true},
		{"transfer not dedicated on compute family", []gpu.QueueFamily{family(0, true, g, c, x), family(1, false, c, x)}, gpu.RoleTransfer, 0, false},
		{"transfer implied by graphics", []gpu.QueueFamily{family(0, true, g)}, gpu.RoleTransfer, 0, false},
		{"present prefers graphics", []gpu.QueueFamily{family(0, true, c), family(1, true, g)}, gpu.RolePresent, 1, false},
		{"present elsewhere", []gpu.QueueFamily{family(0, false, g), family(1, true, c)}, gpu.RolePresent, 1, false},
		{"skips empty families", []gpu.QueueFamily{{Index: 0, Flags: vulkan.QueueFlags(c), Count: 0}, family(1, true, g, c)}, gpu.RoleCompute, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fam, dedicated, err := gpu.ResolveFamily(tt.families, tt.role)
			if err != nil {
				t.Fatalf("ResolveFamily: %v", err)
			}
			if fam != tt.wantFamily || dedicated != tt.wantDedicated {
				t.Errorf("got family %d dedicated %v, want %d %v", fam, dedicated, tt.wantFamily, tt.wantDedicated)
			}
		})
	}
}

func TestResolveFamilyMissing(t *testing.T) {
	_, _, err := gpu.ResolveFamily([]gpu.QueueFamily{family(0, false, g)}, gpu.RoleCompute)
	if !errors.Is(err, gpu.ErrNoQueue) {
		t.Fatalf("expected ErrNoQueue, got %v", err)
	}
	_, _, err = gpu.ResolveFamily([]gpu.QueueFamily{family(0, false, g)}, gpu.RolePresent)
	if !errors.Is(err, gpu.ErrNoQueue) {
		t.Fatalf("expected ErrNoQueue for present, got %v", err)
	}
}
