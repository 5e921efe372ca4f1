//go:build unix

package shard

import (
	"os"

	"golang.org/x/sys/unix"
)

// readMapped copies the file out of a read-only mapping. It reports false when
// the file cannot be mapped so the caller can fall back to plain reads.
func readMapped(f *os.File, size int) ([]byte, bool) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, false
	}
	out := make([]byte, size)
	copy(out, data)
	_ = unix.Munmap(data)
	return out, true
}
