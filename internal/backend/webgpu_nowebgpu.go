//go:build !(webgpu && windows)

package backend

import (
	"errors"

	"github.com/samcharles93/shardpool/internal/device"
)

const webgpuEnabled = false

var errWebGPUUnavailable = errors.New("webgpu backend not available in this build (rebuild on windows with -tags webgpu)")

func newWebGPU() (device.Device, error) {
	return nil, errWebGPUUnavailable
}
