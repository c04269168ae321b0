package gpu

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vulkan-go/vulkan"
)

const swapchainExtension = "VK_KHR_swapchain"

type deviceRequirements struct {
	minVersion uint32
	extensions []string
	features   Features
}

func (r deviceRequirements) check(pd PhysicalDeviceInfo) error {
	var missing []string
	if pd.APIVersion < r.minVersion {
		missing = append(missing, fmt.Sprintf("api %s < %s", versionString(pd.APIVersion), versionString(r.minVersion)))
	}
	have := make(map[string]bool, len(pd.Extensions))
	for _, ext := range pd.Extensions {
		have[ext] = true
	}
	for _, ext := range r.extensions {
		if !have[ext] {
			missing = append(missing, "extension "+ext)
		}
	}
	for _, f := range r.features.all() {
		if !pd.Features[f] {
			missing = append(missing, "feature "+f)
		}
	}
	present := false
	for _, fam := range pd.QueueFamilies {
		if fam.Present && fam.Count > 0 {
			present = true
			break
		}
	}
	if !present {
		missing = append(missing, "surface presentation")
	}
	if len(missing) > 0 {
		return errors.Newf("%s: missing %s", pd.Name, strings.Join(missing, ", "))
	}
	return nil
}

func deviceScore(pd PhysicalDeviceInfo) int {
	switch pd.Type {
	case vulkan.PhysicalDeviceTypeDiscreteGpu:
		return 1000
	case vulkan.PhysicalDeviceTypeIntegratedGpu:
		return 500
	default:
		return 100
	}
}

// selectPhysicalDevice returns the highest scoring device that meets req.
// surfaceOK reports whether the surface offers formats and present modes on
// a device.
func selectPhysicalDevice(devices []PhysicalDeviceInfo, req deviceRequirements, surfaceOK func(PhysicalDeviceInfo) error) (PhysicalDeviceInfo, error) {
	var (
		selected PhysicalDeviceInfo
		found    bool
		best     = -1
		reasons  []string
	)
	for _, pd := range devices {
		if err := req.check(pd); err != nil {
			reasons = append(reasons, err.Error())
			continue
		}
		if err := surfaceOK(pd); err != nil {
			reasons = append(reasons, pd.Name+": "+err.Error())
			continue
		}
		if score := deviceScore(pd); score > best {
			best = score
			selected = pd
			found = true
		}
	}
	if !found {
		if len(reasons) == 0 {
			return PhysicalDeviceInfo{}, ErrNoDevice
		}
		return PhysicalDeviceInfo{}, errors.Wrapf(ErrNoDevice, "%s", strings.Join(reasons, "; "))
	}
	return selected, nil
}

func deviceTypeString(t vulkan.PhysicalDeviceType) string {
	switch t {
	case vulkan.PhysicalDeviceTypeIntegratedGpu:
		return "Integrated GPU"
	case vulkan.PhysicalDeviceTypeDiscreteGpu:
		return "Discrete GPU"
	case vulkan.PhysicalDeviceTypeVirtualGpu:
		return "Virtual GPU"
	case vulkan.PhysicalDeviceTypeCpu:
		return "CPU"
	default:
		return "Other"
	}
}
