// Package backend picks the device a state dict is loaded into.
package backend

import (
	"fmt"
	"strings"

	"github.com/samcharles93/shardpool/internal/device"
)

const (
	Host   = "host"
	CUDA   = "cuda"
	WebGPU = "webgpu"
	Auto   = "auto"
)

// Options tune the opened device. Zero values keep each device's defaults.
type Options struct {
	// Align overrides the host device's offset alignment.
	Align uint64
	// MemoryLimit caps host allocations.
	MemoryLimit uint64
	// Ordinal selects the CUDA device.
	Ordinal int
}

func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	switch backend {
	case "":
		return Auto, nil
	case "cpu":
		return Host, nil
	case Host, CUDA, WebGPU, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, host, cuda, or webgpu)", backend)
	}
}

// Open returns the named device. Auto tries cuda, then webgpu, and falls back
// to host memory.
func Open(name string, opts Options) (device.Device, error) {
	backend, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	switch backend {
	case Host:
		return newHost(opts), nil
	case CUDA:
		return newCUDA(opts)
	case WebGPU:
		return newWebGPU()
	}

	if cudaEnabled {
		if d, err := newCUDA(opts); err == nil {
			return d, nil
		}
	}
	if webgpuEnabled {
		if d, err := newWebGPU(); err == nil {
			return d, nil
		}
	}
	return newHost(opts), nil
}

func newHost(opts Options) device.Device {
	var hostOpts []device.HostOption
	if opts.Align != 0 {
		hostOpts = append(hostOpts, device.WithAlign(opts.Align))
	}
	if opts.MemoryLimit != 0 {
		hostOpts = append(hostOpts, device.WithMemoryLimit(opts.MemoryLimit))
	}
	return device.NewHost(hostOpts...)
}
