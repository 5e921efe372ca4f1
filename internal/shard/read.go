package shard

import (
	"context"
	"io"
	"os"

	"github.com/samcharles93/shardpool/internal/loaderr"
)

// ReadData returns the raw bytes of d's weights.bin. The byte count is checked
// again because the file may have changed since Open validated it.
func ReadData(ctx context.Context, d *Descriptor) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(d.DataPath)
	if err != nil {
		return nil, loaderr.Wrap(loaderr.InvalidFile, d.DataPath, err).WithKey(d.Meta.Key)
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, loaderr.Wrap(loaderr.InvalidFile, d.DataPath, err).WithKey(d.Meta.Key)
	}
	if uint64(st.Size()) != d.ByteSize {
		return nil, incomplete(d, uint64(st.Size()))
	}
	if d.ByteSize == 0 {
		return []byte{}, nil
	}

	buf, ok := readMapped(f, int(d.ByteSize))
	if ok {
		return buf, nil
	}

	// Fallback path that does not require mmap support.
	buf = make([]byte, d.ByteSize)
	n, err := io.ReadFull(f, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return nil, incomplete(d, uint64(n))
	}
	if err != nil {
		return nil, loaderr.Wrap(loaderr.InvalidFile, d.DataPath, err).WithKey(d.Meta.Key)
	}
	return buf, nil
}

func incomplete(d *Descriptor, got uint64) error {
	e := loaderr.New(loaderr.IncompleteLayer, d.Meta.Key, "read %d bytes, want %d", got, d.ByteSize)
	if d.HasLayer {
		e = e.WithLayer(d.Layer)
	}
	return e.WithPath(d.DataPath)
}
