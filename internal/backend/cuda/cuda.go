//go:build cuda

// Package cuda loads pools into CUDA device memory. Staging buffers are
// pinned host allocations, copies are queued on one stream, and a batch
// completes when the stream is synchronized.
package cuda

import (
	"context"
	"fmt"
	"sync"

	"github.com/samcharles93/shardpool/internal/backend/cuda/native"
	"github.com/samcharles93/shardpool/internal/device"
	"github.com/samcharles93/shardpool/internal/loaderr"
)

// Align is the offset alignment cudaMalloc guarantees.
const Align = 256

type Device struct {
	*device.Registry

	ordinal int
	stream  native.Stream
}

// New opens device ordinal and creates its copy stream.
func New(ordinal int) (*Device, error) {
	count, err := native.DeviceCount()
	if err != nil {
		return nil, fmt.Errorf("cuda device query failed: %w", err)
	}
	if count < 1 {
		return nil, fmt.Errorf("no cuda devices detected")
	}
	if ordinal < 0 || ordinal >= count {
		return nil, fmt.Errorf("cuda device %d out of range (have %d)", ordinal, count)
	}
	if err := native.SetDevice(ordinal); err != nil {
		return nil, execError("select device", err)
	}
	stream, err := native.NewStream()
	if err != nil {
		return nil, execError("create stream", err)
	}

	d := &Device{Registry: device.NewRegistry(), ordinal: ordinal, stream: stream}
	d.Register("neg_exp", pinnedFunc(device.NegExp))
	return d, nil
}

func (d *Device) Name() string { return fmt.Sprintf("cuda:%d", d.ordinal) }

func (d *Device) Requirements(size uint64) (uint64, uint64) {
	return (size + Align - 1) &^ (Align - 1), Align
}

func (d *Device) Allocate(size uint64, label string) (device.Buffer, error) {
	if free, _, err := native.MemInfo(); err == nil && size > free {
		return nil, loaderr.New(loaderr.AllocationFailure, label,
			"pool of %d bytes exceeds %d free on %s", size, free, d.Name())
	}
	buf, err := native.AllocDevice(size)
	if err != nil {
		return nil, allocError(label, size, err)
	}
	return &poolBuffer{buf: buf}, nil
}

func (d *Device) Stage(data []byte, label string) (device.Buffer, error) {
	buf, err := native.AllocHostPinned(uint64(len(data)))
	if err != nil {
		return nil, allocError(label, uint64(len(data)), err)
	}
	copy(buf.Bytes(), data)
	return &stagingBuffer{buf: buf}, nil
}

func (d *Device) NewBatch() device.Batch {
	return &batch{dev: d}
}

func (d *Device) Close() error {
	return d.stream.Destroy()
}

type poolBuffer struct {
	buf  native.DeviceBuffer
	once sync.Once
}

func (b *poolBuffer) Size() uint64 { return b.buf.Size() }

func (b *poolBuffer) Release() {
	b.once.Do(func() { _ = b.buf.Free() })
}

// ReadAt copies pool bytes back to the host.
func (b *poolBuffer) ReadAt(p []byte, off int64) (int, error) {
	if err := native.MemcpyD2H(p, b.buf, uint64(off)); err != nil {
		return 0, execError("read back", err)
	}
	return len(p), nil
}

type stagingBuffer struct {
	buf  native.HostBuffer
	once sync.Once
}

func (b *stagingBuffer) Size() uint64 { return uint64(len(b.buf.Bytes())) }

func (b *stagingBuffer) Release() {
	b.once.Do(func() { _ = b.buf.Free() })
}

// batch queues copies on the device stream as they are added; Submit waits
// for the stream to drain. Batches from concurrent loads share the stream, so
// a Submit may also wait for another load's copies.
type batch struct {
	dev  *Device
	n    int
	done bool
}

func (b *batch) Copy(src, dst device.Buffer, dstOffset uint64) error {
	s, ok := src.(*stagingBuffer)
	if !ok {
		return fmt.Errorf("cuda batch: source is %T", src)
	}
	p, ok := dst.(*poolBuffer)
	if !ok {
		return fmt.Errorf("cuda batch: destination is %T", dst)
	}
	if err := native.MemcpyH2DAsync(p.buf, dstOffset, s.buf, b.dev.stream); err != nil {
		return execError("queue copy", err)
	}
	b.n++
	return nil
}

func (b *batch) Len() int { return b.n }

func (b *batch) Submit(ctx context.Context) error {
	if b.done {
		return fmt.Errorf("cuda batch: already submitted")
	}
	b.done = true
	if b.n == 0 {
		return ctx.Err()
	}
	// Copies are already in flight; drain them even when ctx is done so
	// staging memory is not freed under the DMA engine.
	if err := b.dev.stream.Synchronize(); err != nil {
		return execError("synchronize", err)
	}
	return ctx.Err()
}

// pinnedFunc runs a host transform directly on pinned staging memory.
type pinnedFunc func([]byte, device.Element) error

func (f pinnedFunc) Apply(_ device.Batch, staging device.Buffer, el device.Element) error {
	s, ok := staging.(*stagingBuffer)
	if !ok {
		return fmt.Errorf("cuda transform on %T staging buffer", staging)
	}
	return f(s.buf.Bytes(), el)
}
