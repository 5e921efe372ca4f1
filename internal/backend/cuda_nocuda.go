//go:build !cuda

package backend

import (
	"errors"

	"github.com/samcharles93/shardpool/internal/device"
)

const cudaEnabled = false

var errCUDAUnavailable = errors.New("cuda backend not available in this build (rebuild with -tags cuda)")

func newCUDA(Options) (device.Device, error) {
	return nil, errCUDAUnavailable
}
