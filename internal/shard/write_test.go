package shard

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateRoundTrip(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	meta := Metadata{Key: "layers.2.mixer.in_proj.weight", Shape: []uint64{4, 2}, Wide16: true}
	dir, err := Create(root, meta, make([]byte, 16))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "layers.2.mixer.in_proj.weight"), dir)

	d, err := Open(dir)
	require.NoError(t, err)
	require.Equal(t, meta, d.Meta)
	require.Equal(t, uint64(16), d.ByteSize)
	require.True(t, d.HasLayer)
	require.Equal(t, 2, d.Layer)
}

func TestCreateRejects(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	_, err := Create(root, Metadata{Key: "norm_f.weight", Shape: []uint64{4}}, make([]byte, 15))
	require.ErrorContains(t, err, "needs 16")

	_, err = Create(root, Metadata{Shape: []uint64{1}}, make([]byte, 4))
	require.ErrorContains(t, err, "empty key")

	_, err = Create(root, Metadata{Key: "x", Shape: []uint64{0}}, nil)
	require.Error(t, err)
}
