// Package device abstracts the memory a state dict is loaded into: a single
// pool allocation, transient staging buffers, and batched staging-to-pool
// copies whose completion can be awaited.
package device

import "context"

// Buffer is a device allocation.
type Buffer interface {
	Size() uint64
	Release()
}

// Batch collects copies for one device submission.
type Batch interface {
	// Copy enqueues a copy of all of src into dst starting at dstOffset.
	Copy(src, dst Buffer, dstOffset uint64) error
	// Len is the number of enqueued copies.
	Len() int
	// Submit issues every enqueued operation and blocks until the device has
	// finished them. A batch cannot be reused after Submit.
	Submit(ctx context.Context) error
}

// Device is the allocation and copy surface a loader needs.
type Device interface {
	Name() string
	// Requirements reports the byte size the device wants for a tensor of
	// size bytes and the alignment its offsets must honor. align is a power
	// of two.
	Requirements(size uint64) (alignedSize, align uint64)
	// Allocate reserves a pool of size bytes.
	Allocate(size uint64, label string) (Buffer, error)
	// Stage uploads data into a transient buffer that can be copied from.
	Stage(data []byte, label string) (Buffer, error)
	NewBatch() Batch
	Close() error
}

// Element describes the elements held by a staging buffer.
type Element struct {
	Count  uint64
	Wide16 bool
}

// Transform is a named preprocessing step run on a staging buffer before it
// is copied into the pool.
type Transform interface {
	Apply(batch Batch, staging Buffer, el Element) error
}

// Resolver maps transform names to device operations.
type Resolver interface {
	Resolve(name string) (Transform, error)
}

// Region is a byte range of a pool, as handed to kernels for binding.
type Region struct {
	Pool   Buffer
	Offset uint64
	Size   uint64
}
