//go:build cuda

package backend

import (
	"github.com/samcharles93/shardpool/internal/backend/cuda"
	"github.com/samcharles93/shardpool/internal/device"
)

const cudaEnabled = true

func newCUDA(opts Options) (device.Device, error) {
	d, err := cuda.New(opts.Ordinal)
	if err != nil {
		return nil, err
	}
	return d, nil
}
