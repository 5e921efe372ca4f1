//go:build webgpu && windows

// Package webgpu loads pools into a WebGPU storage buffer through
// github.com/go-webgpu/webgpu.
package webgpu

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/samcharles93/shardpool/internal/device"
	"github.com/samcharles93/shardpool/internal/loaderr"
)

const (
	// OffsetAlign is the minStorageBufferOffsetAlignment every adapter
	// supports, so any slot can be bound as its own storage range.
	OffsetAlign = 256
	copyAlign   = 4
)

type Device struct {
	*device.Registry

	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	// maxBuffer is the device's maxBufferSize.
	maxBuffer uint64

	negExpOnce sync.Once
	negExp     *wgpu.ComputePipeline
	shader     *wgpu.ShaderModule
}

// New requests a high-performance adapter and a device with that adapter's
// limits.
func New() (d *Device, err error) {
	// go-webgpu panics when wgpu_native cannot be loaded.
	defer func() {
		if r := recover(); r != nil {
			d = nil
			err = fmt.Errorf("webgpu: native library not available: %v", r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, fmt.Errorf("webgpu: request adapter: %w", err)
	}
	dev, maxBuffer, err := requestDevice(adapter)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: request device: %w", err)
	}
	queue := dev.GetQueue()
	if queue == nil {
		dev.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: device has no queue")
	}

	d = &Device{
		Registry:  device.NewRegistry(),
		instance:  instance,
		adapter:   adapter,
		device:    dev,
		queue:     queue,
		maxBuffer: maxBuffer,
	}
	d.Register("neg_exp", negExpTransform{dev: d})
	return d, nil
}

func (d *Device) Name() string { return "webgpu" }

func (d *Device) Requirements(size uint64) (uint64, uint64) {
	return (size + OffsetAlign - 1) &^ (OffsetAlign - 1), OffsetAlign
}

func (d *Device) Allocate(size uint64, label string) (device.Buffer, error) {
	if size == 0 || size > d.maxBuffer {
		return nil, loaderr.New(loaderr.AllocationFailure, label,
			"pool of %d bytes outside (0, %d]", size, d.maxBuffer)
	}
	buf := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc,
		Size:  size,
	})
	if buf == nil {
		return nil, loaderr.New(loaderr.AllocationFailure, label, "CreateBuffer(%d) failed", size)
	}
	return &poolBuffer{dev: d, buf: buf, size: size}, nil
}

// Stage uploads data through a buffer mapped at creation. The buffer stays
// mapped until it is copied or handed to a kernel, so host transforms can
// edit it in place. Its size is rounded up to the 4-byte copy granularity.
func (d *Device) Stage(data []byte, label string) (device.Buffer, error) {
	size := (uint64(len(data)) + copyAlign - 1) &^ (copyAlign - 1)
	if size == 0 {
		return nil, loaderr.New(loaderr.AllocationFailure, label, "empty staging buffer")
	}
	buf := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	if buf == nil {
		return nil, loaderr.New(loaderr.AllocationFailure, label, "staging CreateBuffer(%d) failed", size)
	}
	mapped := unsafe.Slice((*byte)(buf.GetMappedRange(0, size)), size)
	copy(mapped, data)
	return &stagingBuffer{buf: buf, size: size, mapped: mapped}, nil
}

func (d *Device) NewBatch() device.Batch {
	return &batch{dev: d}
}

func (d *Device) Close() error {
	if d.negExp != nil {
		d.negExp.Release()
	}
	if d.shader != nil {
		d.shader.Release()
	}
	d.queue.Release()
	d.device.Release()
	d.adapter.Release()
	d.instance.Release()
	return nil
}

// readBuffer copies size bytes at offset out of src via a map-read buffer.
func (d *Device) readBuffer(src *wgpu.Buffer, offset, size uint64) ([]byte, error) {
	rb := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	if rb == nil {
		return nil, fmt.Errorf("webgpu: readback CreateBuffer(%d) failed", size)
	}
	defer rb.Release()

	enc := d.device.CreateCommandEncoder(nil)
	enc.CopyBufferToBuffer(src, offset, rb, 0, size)
	d.queue.Submit(enc.Finish(nil))

	if err := rb.MapAsync(d.device, wgpu.MapModeRead, 0, size); err != nil {
		return nil, fmt.Errorf("webgpu: map readback: %w", err)
	}
	out := make([]byte, size)
	copy(out, unsafe.Slice((*byte)(rb.GetMappedRange(0, size)), size))
	rb.Unmap()
	return out, nil
}

type poolBuffer struct {
	dev  *Device
	buf  *wgpu.Buffer
	size uint64
	once sync.Once
}

func (b *poolBuffer) Size() uint64 { return b.size }

func (b *poolBuffer) Release() {
	b.once.Do(b.buf.Release)
}

// ReadAt copies pool bytes back to the host. Offsets and lengths must be
// multiples of 4.
func (b *poolBuffer) ReadAt(p []byte, off int64) (int, error) {
	data, err := b.dev.readBuffer(b.buf, uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, data), nil
}

type stagingBuffer struct {
	buf    *wgpu.Buffer
	size   uint64
	mapped []byte // nil once unmapped
	once   sync.Once
}

func (b *stagingBuffer) Size() uint64 { return b.size }

func (b *stagingBuffer) unmap() {
	if b.mapped != nil {
		b.mapped = nil
		b.buf.Unmap()
	}
}

func (b *stagingBuffer) Release() {
	b.once.Do(func() {
		b.unmap()
		b.buf.Release()
	})
}

// batch records copies and kernels into one command encoder. Submit appends a
// copy into a map-read fence buffer and waits for it to map, which happens
// only after everything before it on the queue has executed.
type batch struct {
	dev       *Device
	enc       *wgpu.CommandEncoder
	last      *poolBuffer
	n         int
	transient []func()
	done      bool
}

func (b *batch) encoder() *wgpu.CommandEncoder {
	if b.enc == nil {
		b.enc = b.dev.device.CreateCommandEncoder(nil)
	}
	return b.enc
}

func (b *batch) Copy(src, dst device.Buffer, dstOffset uint64) error {
	s, ok := src.(*stagingBuffer)
	if !ok {
		return fmt.Errorf("webgpu batch: source is %T", src)
	}
	p, ok := dst.(*poolBuffer)
	if !ok {
		return fmt.Errorf("webgpu batch: destination is %T", dst)
	}
	if dstOffset%copyAlign != 0 {
		return fmt.Errorf("webgpu batch: offset %d is not %d-byte aligned", dstOffset, copyAlign)
	}
	if dstOffset+s.size > p.size {
		return fmt.Errorf("webgpu batch: copy of %d bytes at %d overflows %d-byte pool", s.size, dstOffset, p.size)
	}
	s.unmap()
	b.encoder().CopyBufferToBuffer(s.buf, 0, p.buf, dstOffset, s.size)
	b.last = p
	b.n++
	return nil
}

func (b *batch) Len() int { return b.n }

func (b *batch) Submit(ctx context.Context) error {
	if b.done {
		return fmt.Errorf("webgpu batch: already submitted")
	}
	b.done = true
	defer func() {
		for _, release := range b.transient {
			release()
		}
	}()
	if b.enc == nil {
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var fence *wgpu.Buffer
	if b.last != nil {
		fence = b.dev.device.CreateBuffer(&wgpu.BufferDescriptor{
			Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
			Size:  copyAlign,
		})
		if fence == nil {
			return fmt.Errorf("webgpu batch: fence CreateBuffer failed")
		}
		defer fence.Release()
		b.enc.CopyBufferToBuffer(b.last.buf, 0, fence, 0, copyAlign)
	}
	b.dev.queue.Submit(b.enc.Finish(nil))
	if fence == nil {
		return nil
	}
	if err := fence.MapAsync(b.dev.device, wgpu.MapModeRead, 0, copyAlign); err != nil {
		return fmt.Errorf("webgpu batch: wait for completion: %w", err)
	}
	fence.Unmap()
	return nil
}

func (b *batch) keep(release func()) {
	b.transient = append(b.transient, release)
}

// uniform uploads a 16-byte parameter block.
func (d *Device) uniform(words ...uint32) *wgpu.Buffer {
	const size = 16
	buf := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	mapped := unsafe.Slice((*byte)(buf.GetMappedRange(0, size)), size)
	for i, w := range words {
		binary.LittleEndian.PutUint32(mapped[i*4:], w)
	}
	buf.Unmap()
	return buf
}
