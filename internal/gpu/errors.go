package gpu

import (
	"github.com/cockroachdb/errors"
	"github.com/vulkan-go/vulkan"
)

var (
	// ErrInit marks failures while building the device context or its
	// swapchain. The context is never handed out when this is returned.
	ErrInit = errors.New("gpu initialization failed")
	// ErrAllocation marks image and buffer creation failures.
	ErrAllocation = errors.New("gpu resource allocation failed")
	// ErrNoQueue is returned when no queue family supports a requested role.
	ErrNoQueue = errors.New("no queue family supports role")
	// ErrNoDevice is returned when no physical device meets the requirements.
	ErrNoDevice = errors.New("no suitable physical device")
)

func initError(err error, stage string) error {
	return errors.Mark(errors.Wrapf(err, "%s", stage), ErrInit)
}

func allocError(err error, what string) error {
	return errors.Mark(errors.Wrapf(err, "%s", what), ErrAllocation)
}

// resultError is vulkan.Error that never returns nil, for results that the
// caller already knows are unexpected.
func resultError(res vulkan.Result) error {
	if err := vulkan.Error(res); err != nil {
		return err
	}
	return errors.Newf("unexpected result %d", int(res))
}
