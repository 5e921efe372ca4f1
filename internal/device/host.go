package device

import (
	"context"
	"fmt"
	"io"
	"sync"
	"unsafe"

	"github.com/samcharles93/shardpool/internal/loaderr"
)

const (
	// DefaultAlign matches the storage-buffer offset alignment most GPU
	// drivers report, so host plans line up with device plans.
	DefaultAlign = 256
	copyAlign    = 4
)

// HostBuffer is a Buffer in process memory.
type HostBuffer struct {
	data  []byte
	label string
	host  *Host
	freed bool
}

func (b *HostBuffer) Size() uint64 { return uint64(len(b.data)) }

// ReadAt copies buffer contents into p, so callers holding the buffer
// cannot write to it.
func (b *HostBuffer) ReadAt(p []byte, off int64) (int, error) {
	if b.freed {
		return 0, fmt.Errorf("host buffer %q: read after release", b.label)
	}
	if off < 0 {
		return 0, fmt.Errorf("host buffer %q: negative offset %d", b.label, off)
	}
	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *HostBuffer) Label() string { return b.label }

func (b *HostBuffer) Release() {
	if b.freed {
		return
	}
	b.freed = true
	if b.host != nil {
		b.host.trackRelease(uint64(len(b.data)))
	}
	b.data = nil
}

// Host is a Device backed by ordinary memory. It is the default backend and
// the one tests run against.
type Host struct {
	*Registry

	align uint64
	limit uint64

	stats struct {
		sync.Mutex
		allocated uint64
		peak      uint64
		active    int64
		submits   int
	}
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithAlign sets the offset alignment reported by Requirements.
func WithAlign(align uint64) HostOption {
	return func(h *Host) { h.align = align }
}

// WithMemoryLimit caps the total bytes that may be live at once.
func WithMemoryLimit(limit uint64) HostOption {
	return func(h *Host) { h.limit = limit }
}

// NewHost returns a host device with neg_exp registered.
func NewHost(opts ...HostOption) *Host {
	h := &Host{Registry: NewRegistry(), align: DefaultAlign}
	for _, opt := range opts {
		opt(h)
	}
	h.Register("neg_exp", HostFunc(NegExp))
	return h
}

func (h *Host) Name() string { return "host" }

// Requirements rounds size up to the offset alignment, the way drivers report
// buffer memory requirements.
func (h *Host) Requirements(size uint64) (uint64, uint64) {
	align := max(h.align, copyAlign)
	return (size + align - 1) &^ (align - 1), align
}

func (h *Host) Allocate(size uint64, label string) (Buffer, error) {
	if size == 0 {
		return nil, loaderr.New(loaderr.AllocationFailure, label, "zero-sized pool")
	}
	if err := h.trackAlloc(size); err != nil {
		return nil, loaderr.New(loaderr.AllocationFailure, label, "%v", err)
	}
	return &HostBuffer{data: alignedBytes(size, h.align), label: label, host: h}, nil
}

func (h *Host) Stage(data []byte, label string) (Buffer, error) {
	size := uint64(len(data))
	if err := h.trackAlloc(size); err != nil {
		return nil, loaderr.New(loaderr.AllocationFailure, label, "staging: %v", err)
	}
	buf := make([]byte, size)
	copy(buf, data)
	return &HostBuffer{data: buf, label: label, host: h}, nil
}

func (h *Host) NewBatch() Batch {
	return &hostBatch{host: h}
}

func (h *Host) Close() error { return nil }

// HostStats reports memory accounting for a Host.
type HostStats struct {
	AllocatedBytes uint64
	PeakBytes      uint64
	ActiveBuffers  int64
	Submits        int
}

func (h *Host) Stats() HostStats {
	h.stats.Lock()
	defer h.stats.Unlock()
	return HostStats{
		AllocatedBytes: h.stats.allocated,
		PeakBytes:      h.stats.peak,
		ActiveBuffers:  h.stats.active,
		Submits:        h.stats.submits,
	}
}

func (h *Host) trackAlloc(size uint64) error {
	h.stats.Lock()
	defer h.stats.Unlock()
	if h.limit > 0 && h.stats.allocated+size > h.limit {
		return fmt.Errorf("%d bytes requested, %d of %d in use", size, h.stats.allocated, h.limit)
	}
	h.stats.allocated += size
	h.stats.active++
	if h.stats.allocated > h.stats.peak {
		h.stats.peak = h.stats.allocated
	}
	return nil
}

func (h *Host) trackRelease(size uint64) {
	h.stats.Lock()
	defer h.stats.Unlock()
	if h.stats.allocated >= size {
		h.stats.allocated -= size
	}
	h.stats.active--
}

type hostCopy struct {
	src, dst *HostBuffer
	off      uint64
}

type hostBatch struct {
	host *Host
	ops  []hostCopy
	done bool
}

func (b *hostBatch) Copy(src, dst Buffer, dstOffset uint64) error {
	s, ok := src.(*HostBuffer)
	if !ok {
		return fmt.Errorf("host batch: source is %T", src)
	}
	d, ok := dst.(*HostBuffer)
	if !ok {
		return fmt.Errorf("host batch: destination is %T", dst)
	}
	if dstOffset+s.Size() > d.Size() || dstOffset+s.Size() < dstOffset {
		return fmt.Errorf("host batch: copy of %d bytes at %d overflows %d-byte buffer", s.Size(), dstOffset, d.Size())
	}
	b.ops = append(b.ops, hostCopy{src: s, dst: d, off: dstOffset})
	return nil
}

func (b *hostBatch) Len() int { return len(b.ops) }

func (b *hostBatch) Submit(ctx context.Context) error {
	if b.done {
		return fmt.Errorf("host batch: already submitted")
	}
	b.done = true
	for _, op := range b.ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		copy(op.dst.data[op.off:], op.src.data)
	}
	b.host.stats.Lock()
	b.host.stats.submits++
	b.host.stats.Unlock()
	return nil
}

// alignedBytes returns a size-byte slice whose first element sits on an
// align boundary.
func alignedBytes(size, align uint64) []byte {
	if align <= 1 {
		return make([]byte, size)
	}
	buf := make([]byte, size+align-1)
	ptr := uint64(uintptr(unsafe.Pointer(&buf[0])))
	off := uint64(0)
	if mod := ptr % align; mod != 0 {
		off = align - mod
	}
	return buf[off : off+size]
}
