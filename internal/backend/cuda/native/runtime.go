//go:build cuda

// Package native binds the handful of CUDA runtime calls the pool loader
// needs: device selection, device and pinned host allocation, and
// stream-ordered host-to-device copies.
package native

/*
#cgo LDFLAGS: -lcudart

// Forward declarations so the CUDA headers are not needed at compile time.
// Linking still requires libcudart.
typedef void* cudaStream_t;
typedef int cudaError_t;

extern const char* cudaGetErrorString(cudaError_t err);
extern cudaError_t cudaGetDeviceCount(int* count);
extern cudaError_t cudaSetDevice(int device);
extern cudaError_t cudaMemGetInfo(unsigned long long* free, unsigned long long* total);
extern cudaError_t cudaStreamCreate(cudaStream_t* stream);
extern cudaError_t cudaStreamDestroy(cudaStream_t stream);
extern cudaError_t cudaStreamSynchronize(cudaStream_t stream);
extern cudaError_t cudaMalloc(void** ptr, unsigned long long size);
extern cudaError_t cudaFree(void* ptr);
extern cudaError_t cudaMemcpy(void* dst, const void* src, unsigned long long size, int kind);
extern cudaError_t cudaMemcpyAsync(void* dst, const void* src, unsigned long long size, int kind, cudaStream_t stream);
extern cudaError_t cudaMallocHost(void** ptr, unsigned long long size);
extern cudaError_t cudaFreeHost(void* ptr);

#define SP_MEMCPY_HOST_TO_DEVICE 1
#define SP_MEMCPY_DEVICE_TO_HOST 2

static int spDeviceCount(int* out) { return (int)cudaGetDeviceCount(out); }
static int spSetDevice(int dev) { return (int)cudaSetDevice(dev); }
static int spMemGetInfo(unsigned long long* free, unsigned long long* total) { return (int)cudaMemGetInfo(free, total); }
static int spStreamCreate(cudaStream_t* out) { return (int)cudaStreamCreate(out); }
static int spStreamDestroy(cudaStream_t s) { return (int)cudaStreamDestroy(s); }
static int spStreamSynchronize(cudaStream_t s) { return (int)cudaStreamSynchronize(s); }
static int spMalloc(void** ptr, unsigned long long size) { return (int)cudaMalloc(ptr, size); }
static int spFree(void* ptr) { return (int)cudaFree(ptr); }
static int spMallocHost(void** ptr, unsigned long long size) { return (int)cudaMallocHost(ptr, size); }
static int spFreeHost(void* ptr) { return (int)cudaFreeHost(ptr); }

static int spMemcpyH2DAsync(void* base, unsigned long long off, const void* src, unsigned long long size, cudaStream_t s) {
	return (int)cudaMemcpyAsync((char*)base + off, src, size, SP_MEMCPY_HOST_TO_DEVICE, s);
}

static int spMemcpyD2H(void* dst, const void* base, unsigned long long off, unsigned long long size) {
	return (int)cudaMemcpy(dst, (const char*)base + off, size, SP_MEMCPY_DEVICE_TO_HOST);
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

type Stream struct {
	ptr C.cudaStream_t
}

// DeviceBuffer is a cudaMalloc allocation.
type DeviceBuffer struct {
	ptr  unsafe.Pointer
	size uint64
}

// HostBuffer is page-locked host memory usable as an async copy source.
type HostBuffer struct {
	ptr  unsafe.Pointer
	size uint64
}

func DeviceCount() (int, error) {
	var count C.int
	if err := cudaErr(C.spDeviceCount(&count)); err != nil {
		return 0, err
	}
	return int(count), nil
}

func SetDevice(ordinal int) error {
	return cudaErr(C.spSetDevice(C.int(ordinal)))
}

// MemInfo reports free and total bytes on the current device.
func MemInfo() (free, total uint64, err error) {
	var f, t C.ulonglong
	if err := cudaErr(C.spMemGetInfo(&f, &t)); err != nil {
		return 0, 0, err
	}
	return uint64(f), uint64(t), nil
}

func NewStream() (Stream, error) {
	var s C.cudaStream_t
	if err := cudaErr(C.spStreamCreate(&s)); err != nil {
		return Stream{}, err
	}
	return Stream{ptr: s}, nil
}

func (s Stream) Destroy() error {
	if s.ptr == nil {
		return nil
	}
	return cudaErr(C.spStreamDestroy(s.ptr))
}

// Synchronize blocks until every operation queued on s has finished.
func (s Stream) Synchronize() error {
	if s.ptr == nil {
		return nil
	}
	return cudaErr(C.spStreamSynchronize(s.ptr))
}

func AllocDevice(size uint64) (DeviceBuffer, error) {
	if size == 0 {
		return DeviceBuffer{}, fmt.Errorf("device alloc size must be > 0")
	}
	var ptr unsafe.Pointer
	if err := cudaErr(C.spMalloc(&ptr, C.ulonglong(size))); err != nil {
		return DeviceBuffer{}, err
	}
	return DeviceBuffer{ptr: ptr, size: size}, nil
}

func (b DeviceBuffer) Free() error {
	if b.ptr == nil {
		return nil
	}
	return cudaErr(C.spFree(b.ptr))
}

func (b DeviceBuffer) Size() uint64 { return b.size }

func AllocHostPinned(size uint64) (HostBuffer, error) {
	if size == 0 {
		return HostBuffer{}, fmt.Errorf("host alloc size must be > 0")
	}
	var ptr unsafe.Pointer
	if err := cudaErr(C.spMallocHost(&ptr, C.ulonglong(size))); err != nil {
		return HostBuffer{}, err
	}
	return HostBuffer{ptr: ptr, size: size}, nil
}

func (b HostBuffer) Free() error {
	if b.ptr == nil {
		return nil
	}
	return cudaErr(C.spFreeHost(b.ptr))
}

// Bytes views the pinned memory as a Go slice. It is invalid after Free.
func (b HostBuffer) Bytes() []byte {
	if b.ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(b.ptr), b.size)
}

// MemcpyH2DAsync queues a copy of all of src into dst at offset on stream.
func MemcpyH2DAsync(dst DeviceBuffer, offset uint64, src HostBuffer, stream Stream) error {
	if src.size == 0 {
		return nil
	}
	if offset+src.size > dst.size {
		return fmt.Errorf("copy of %d bytes at %d overflows %d-byte device buffer", src.size, offset, dst.size)
	}
	return cudaErr(C.spMemcpyH2DAsync(dst.ptr, C.ulonglong(offset), src.ptr, C.ulonglong(src.size), stream.ptr))
}

// MemcpyD2H copies len(dst) bytes starting at offset back to the host,
// synchronously.
func MemcpyD2H(dst []byte, src DeviceBuffer, offset uint64) error {
	n := uint64(len(dst))
	if n == 0 {
		return nil
	}
	if offset+n > src.size {
		return fmt.Errorf("read of %d bytes at %d overflows %d-byte device buffer", n, offset, src.size)
	}
	return cudaErr(C.spMemcpyD2H(unsafe.Pointer(&dst[0]), src.ptr, C.ulonglong(offset), C.ulonglong(n)))
}

func cudaErr(code C.int) error {
	if code == 0 {
		return nil
	}
	msg := C.GoString(C.cudaGetErrorString(C.cudaError_t(code)))
	return fmt.Errorf("cuda runtime error %d: %s", int(code), msg)
}
