package device

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/shardpool/internal/loaderr"
)

func TestHostRequirements(t *testing.T) {
	t.Parallel()

	h := NewHost(WithAlign(64))
	size, align := h.Requirements(10)
	require.Equal(t, uint64(64), size)
	require.Equal(t, uint64(64), align)

	size, _ = h.Requirements(64)
	require.Equal(t, uint64(64), size)
	size, _ = h.Requirements(65)
	require.Equal(t, uint64(128), size)

	size, align = NewHost(WithAlign(1)).Requirements(5)
	require.Equal(t, uint64(8), size)
	require.Equal(t, uint64(4), align)
}

func TestHostAllocateAligned(t *testing.T) {
	t.Parallel()

	h := NewHost()
	buf, err := h.Allocate(1000, "pool")
	require.NoError(t, err)
	defer buf.Release()

	hb := buf.(*HostBuffer)
	require.Equal(t, uint64(1000), hb.Size())
	require.Zero(t, uintptr(unsafe.Pointer(&hb.data[0]))%DefaultAlign)
	require.Equal(t, "pool", hb.Label())
}

func TestHostBufferReadAtCopies(t *testing.T) {
	t.Parallel()

	h := NewHost()
	buf, err := h.Allocate(8, "pool")
	require.NoError(t, err)
	hb := buf.(*HostBuffer)
	copy(hb.data, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	var _ io.ReaderAt = hb
	got := make([]byte, 4)
	n, err := hb.ReadAt(got, 2)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, []byte{3, 4, 5, 6}, got)

	// Writing to what was read leaves the pool alone.
	got[0] = 0xff
	require.Equal(t, byte(3), hb.data[2])

	n, err = hb.ReadAt(make([]byte, 4), 6)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 2, n)
	_, err = hb.ReadAt(got, 8)
	require.ErrorIs(t, err, io.EOF)
	_, err = hb.ReadAt(got, -1)
	require.Error(t, err)

	buf.Release()
	_, err = hb.ReadAt(got, 0)
	require.ErrorContains(t, err, "after release")
}

func TestHostAllocateFailures(t *testing.T) {
	t.Parallel()

	h := NewHost(WithMemoryLimit(100))
	_, err := h.Allocate(0, "pool")
	require.ErrorIs(t, err, loaderr.AllocationFailure)

	_, err = h.Allocate(101, "pool")
	require.ErrorIs(t, err, loaderr.AllocationFailure)

	buf, err := h.Allocate(80, "pool")
	require.NoError(t, err)
	_, err = h.Stage(make([]byte, 30), "stage")
	require.ErrorIs(t, err, loaderr.AllocationFailure)

	buf.Release()
	buf.Release()
	st := h.Stats()
	require.Zero(t, st.AllocatedBytes)
	require.Equal(t, uint64(80), st.PeakBytes)
	require.Zero(t, st.ActiveBuffers)
}

func TestHostBatchCopiesInOrder(t *testing.T) {
	t.Parallel()

	h := NewHost()
	pool, err := h.Allocate(8, "pool")
	require.NoError(t, err)

	a, err := h.Stage([]byte{1, 2, 3, 4}, "a")
	require.NoError(t, err)
	b, err := h.Stage([]byte{9, 9}, "b")
	require.NoError(t, err)

	batch := h.NewBatch()
	require.NoError(t, batch.Copy(a, pool, 0))
	require.NoError(t, batch.Copy(b, pool, 2))
	require.Equal(t, 2, batch.Len())

	// Nothing lands before Submit.
	require.Equal(t, make([]byte, 8), pool.(*HostBuffer).data)

	require.NoError(t, batch.Submit(context.Background()))
	require.Equal(t, []byte{1, 2, 9, 9, 0, 0, 0, 0}, pool.(*HostBuffer).data)
	require.Error(t, batch.Submit(context.Background()))
	require.Equal(t, 1, h.Stats().Submits)
}

func TestHostBatchRejectsOverflow(t *testing.T) {
	t.Parallel()

	h := NewHost()
	pool, err := h.Allocate(4, "pool")
	require.NoError(t, err)
	src, err := h.Stage([]byte{1, 2, 3}, "src")
	require.NoError(t, err)

	batch := h.NewBatch()
	require.Error(t, batch.Copy(src, pool, 2))
}

func TestHostBatchHonorsContext(t *testing.T) {
	t.Parallel()

	h := NewHost()
	pool, _ := h.Allocate(4, "pool")
	src, _ := h.Stage([]byte{1}, "src")
	batch := h.NewBatch()
	require.NoError(t, batch.Copy(src, pool, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, batch.Submit(ctx), context.Canceled)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	h := NewHost()
	_, err := h.Resolve("neg_exp")
	require.NoError(t, err)

	_, err = h.Resolve("transpose")
	require.ErrorIs(t, err, loaderr.UnknownPreprocessor)

	h.Register("noop", HostFunc(func([]byte, Element) error { return nil }))
	require.Equal(t, []string{"neg_exp", "noop"}, h.Names())
}

func TestNegExpFloat32(t *testing.T) {
	t.Parallel()

	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:], math.Float32bits(0))
	binary.LittleEndian.PutUint32(data[4:], math.Float32bits(float32(math.Log(3))))

	h := NewHost()
	staging, err := h.Stage(data, "A_log")
	require.NoError(t, err)
	tr, err := h.Resolve("neg_exp")
	require.NoError(t, err)
	require.NoError(t, tr.Apply(h.NewBatch(), staging, Element{Count: 2}))

	out := staging.(*HostBuffer).data
	require.Equal(t, float32(-1), math.Float32frombits(binary.LittleEndian.Uint32(out[0:])))
	require.InDelta(t, -3.0, math.Float32frombits(binary.LittleEndian.Uint32(out[4:])), 1e-5)
}

func TestNegExpFloat16(t *testing.T) {
	t.Parallel()

	data := make([]byte, 4)
	binary.LittleEndian.PutUint16(data[0:], Float32ToFloat16(0))
	binary.LittleEndian.PutUint16(data[2:], Float32ToFloat16(float32(math.Ln2)))

	require.NoError(t, NegExp(data, Element{Count: 2, Wide16: true}))
	require.Equal(t, float32(-1), Float16ToFloat32(binary.LittleEndian.Uint16(data[0:])))
	require.InDelta(t, -2.0, Float16ToFloat32(binary.LittleEndian.Uint16(data[2:])), 1e-2)

	require.Error(t, NegExp(make([]byte, 2), Element{Count: 2, Wide16: true}))
}

func TestHostFuncRejectsForeignBuffer(t *testing.T) {
	t.Parallel()

	err := HostFunc(NegExp).Apply(nil, fakeBuffer{}, Element{})
	require.Error(t, err)
}

type fakeBuffer struct{}

func (fakeBuffer) Size() uint64 { return 0 }
func (fakeBuffer) Release()     {}

func TestFloat16RoundTrip(t *testing.T) {
	t.Parallel()

	for _, v := range []float32{0, 1, -1, 0.5, 2, 65504, -0.25, 1.0009765625} {
		require.Equal(t, v, Float16ToFloat32(Float32ToFloat16(v)), "%v", v)
	}
	require.True(t, math.IsInf(float64(Float16ToFloat32(Float32ToFloat16(1e6))), 1))
	require.True(t, math.IsNaN(float64(Float16ToFloat32(Float32ToFloat16(float32(math.NaN()))))))
	// Smallest half subnormal widens correctly.
	require.Equal(t, float32(math.Ldexp(1, -24)), Float16ToFloat32(0x0001))
}
