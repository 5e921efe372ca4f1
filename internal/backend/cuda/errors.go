//go:build cuda

package cuda

import (
	"fmt"

	"github.com/samcharles93/shardpool/internal/loaderr"
)

func execError(op string, err error) error {
	return fmt.Errorf("cuda %s failed: %w", op, err)
}

func allocError(label string, size uint64, err error) error {
	return loaderr.Wrap(loaderr.AllocationFailure, "", fmt.Errorf("cuda alloc of %d bytes: %w", size, err)).WithKey(label)
}
