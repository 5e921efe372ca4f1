//go:build webgpu && windows

package webgpu

import "github.com/go-webgpu/webgpu/wgpu"

// DefaultMaxBufferSize is maxBufferSize under the WebGPU default limits.
const DefaultMaxBufferSize = 256 << 20

// requestDevice asks for everything the adapter supports, so a pool may use
// the adapter's maxBufferSize rather than the default. Adapters that cannot
// report limits get a default device. It returns the largest pool the device
// accepts.
func requestDevice(adapter *wgpu.Adapter) (*wgpu.Device, uint64, error) {
	supported, err := adapter.GetLimits()
	if err != nil || supported == nil {
		dev, err := adapter.RequestDevice(nil)
		return dev, DefaultMaxBufferSize, err
	}
	dev, err := adapter.RequestDevice(&wgpu.DeviceDescriptor{
		RequiredLimits: &wgpu.RequiredLimits{Limits: supported.Limits},
	})
	if err != nil {
		return nil, 0, err
	}
	return dev, poolLimit(supported.Limits.MaxBufferSize), nil
}

func poolLimit(reported uint64) uint64 {
	if reported == 0 {
		return DefaultMaxBufferSize
	}
	return reported
}
