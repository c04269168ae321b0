package gpu

import (
	"github.com/cockroachdb/errors"
	"github.com/vulkan-go/vulkan"
)

type QueueRole int

const (
	RoleGraphics QueueRole = iota
	RolePresent
	RoleCompute
	RoleTransfer
)

func (r QueueRole) String() string {
	switch r {
	case RoleGraphics:
		return "graphics"
	case RolePresent:
		return "present"
	case RoleCompute:
		return "compute"
	case RoleTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Ownership records whether a handle is released by the record holding it
// or by some other owner.
type Ownership uint8

const (
	Owned Ownership = iota
	Borrowed
)

// QueueRecord is a resolved queue. Records for different roles may share
// the same queue.
type QueueRecord struct {
	Queue     Queue
	Family    uint32
	Role      QueueRole
	// Dedicated reports that the family does not serve graphics. A compute
	// family without the transfer bit is preferred over one with it, but
	// both count as dedicated. A dedicated transfer family serves neither
	// graphics nor compute.
	Dedicated bool
	Ownership Ownership
}

// ResolveFamily picks the queue family for role. A dedicated family, one
// that does not also serve the heavier roles, wins over a shared one.
func ResolveFamily(families []QueueFamily, role QueueRole) (family uint32, dedicated bool, err error) {
	if idx, ok := dedicatedFamily(families, role); ok {
		return idx, true, nil
	}
	if idx, ok := sharedFamily(families, role); ok {
		return idx, false, nil
	}
	return 0, false, errors.Wrapf(ErrNoQueue, "%s", role)
}

func dedicatedFamily(families []QueueFamily, role QueueRole) (uint32, bool) {
	if role == RoleCompute {
		for _, f := range families {
			if f.Count > 0 && f.has(vulkan.QueueComputeBit) && !f.has(vulkan.QueueGraphicsBit) && !f.has(vulkan.QueueTransferBit) {
				return f.Index, true
			}
		}
	}
	for _, f := range families {
		if f.Count == 0 {
			continue
		}
		switch role {
		case RoleCompute:
			if f.has(vulkan.QueueComputeBit) && !f.has(vulkan.QueueGraphicsBit) {
				return f.Index, true
			}
		case RoleTransfer:
			if f.has(vulkan.QueueTransferBit) && !f.has(vulkan.QueueGraphicsBit) && !f.has(vulkan.QueueComputeBit) {
				return f.Index, true
			}
		}
	}
	return 0, false
}

func sharedFamily(families []QueueFamily, role QueueRole) (uint32, bool) {
	if role == RolePresent {
		for _, f := range families {
			if f.Count > 0 && f.Present && f.has(vulkan.QueueGraphicsBit) {
				return f.Index, true
			}
		}
	}
	for _, f := range families {
		if f.Count == 0 {
			continue
		}
		switch role {
		case RoleGraphics:
			if f.has(vulkan.QueueGraphicsBit) {
				return f.Index, true
			}
		case RolePresent:
			if f.Present {
				return f.Index, true
			}
		case RoleCompute:
			if f.has(vulkan.QueueComputeBit) {
				return f.Index, true
			}
		case RoleTransfer:
			// Graphics and compute families accept transfer work even
			// when they do not advertise the transfer bit.
			if f.Flags&vulkan.QueueFlags(vulkan.QueueTransferBit|vulkan.QueueGraphicsBit|vulkan.QueueComputeBit) != 0 {
				return f.Index, true
			}
		}
	}
	return 0, false
}

// QueueResolver maps queue roles to queues of a logical device created with
// one queue in every family.
type QueueResolver struct {
	Driver   DeviceDriver
	Device   Device
	Families []QueueFamily
}

func (r QueueResolver) Resolve(role QueueRole) (QueueRecord, error) {
	family, dedicated, err := ResolveFamily(r.Families, role)
	if err != nil {
		return QueueRecord{}, err
	}
	return QueueRecord{
		Queue:     r.Driver.GetQueue(r.Device, family, 0),
		Family:    family,
		Role:      role,
		Dedicated: dedicated,
		Ownership: Borrowed,
	}, nil
}
