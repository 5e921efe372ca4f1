//go:build cuda

package native

import (
	"bytes"
	"testing"
)

func requireDevice(t *testing.T) {
	t.Helper()
	count, err := DeviceCount()
	if err != nil {
		t.Fatalf("DeviceCount: %v", err)
	}
	if count < 1 {
		t.Skip("no cuda device available")
	}
}

func TestPinnedCopyAtOffset(t *testing.T) {
	requireDevice(t)

	stream, err := NewStream()
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer func() {
		if err := stream.Destroy(); err != nil {
			t.Fatalf("stream destroy: %v", err)
		}
	}()

	pool, err := AllocDevice(1024)
	if err != nil {
		t.Fatalf("AllocDevice: %v", err)
	}
	defer func() { _ = pool.Free() }()

	src, err := AllocHostPinned(64)
	if err != nil {
		t.Fatalf("AllocHostPinned: %v", err)
	}
	defer func() { _ = src.Free() }()

	in := src.Bytes()
	for i := range in {
		in[i] = byte(i*7 + 3)
	}
	if err := MemcpyH2DAsync(pool, 512, src, stream); err != nil {
		t.Fatalf("MemcpyH2DAsync: %v", err)
	}
	if err := stream.Synchronize(); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}

	out := make([]byte, 64)
	if err := MemcpyD2H(out, pool, 512); err != nil {
		t.Fatalf("MemcpyD2H: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Fatalf("round trip mismatch:\n got %v\nwant %v", out, in)
	}
}

func TestCopyBoundsChecked(t *testing.T) {
	requireDevice(t)

	pool, err := AllocDevice(128)
	if err != nil {
		t.Fatalf("AllocDevice: %v", err)
	}
	defer func() { _ = pool.Free() }()
	src, err := AllocHostPinned(64)
	if err != nil {
		t.Fatalf("AllocHostPinned: %v", err)
	}
	defer func() { _ = src.Free() }()

	if err := MemcpyH2DAsync(pool, 100, src, Stream{}); err == nil {
		t.Fatal("expected overflow error")
	}
	if err := MemcpyD2H(make([]byte, 64), pool, 100); err == nil {
		t.Fatal("expected overflow error")
	}
}

func TestMemInfo(t *testing.T) {
	requireDevice(t)

	free, total, err := MemInfo()
	if err != nil {
		t.Fatalf("MemInfo: %v", err)
	}
	if total == 0 || free > total {
		t.Fatalf("implausible memory info: free=%d total=%d", free, total)
	}
}

func TestZeroSizedAllocRejected(t *testing.T) {
	if _, err := AllocDevice(0); err == nil {
		t.Fatal("expected error for zero-sized device alloc")
	}
	if _, err := AllocHostPinned(0); err == nil {
		t.Fatal("expected error for zero-sized host alloc")
	}
}
