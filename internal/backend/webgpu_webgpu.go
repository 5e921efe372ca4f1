//go:build webgpu && windows

package backend

import (
	"github.com/samcharles93/shardpool/internal/backend/webgpu"
	"github.com/samcharles93/shardpool/internal/device"
)

const webgpuEnabled = true

func newWebGPU() (device.Device, error) {
	d, err := webgpu.New()
	if err != nil {
		return nil, err
	}
	return d, nil
}
