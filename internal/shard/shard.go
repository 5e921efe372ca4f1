// Package shard reads one-tensor-per-directory checkpoints: each directory
// holds a metadata.json describing the tensor and a weights.bin with its raw
// little-endian, row-major elements.
package shard

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/samcharles93/shardpool/internal/loaderr"
)

const (
	MetadataFile = "metadata.json"
	DataFile     = "weights.bin"
)

// Metadata mirrors metadata.json.
type Metadata struct {
	Key    string   `json:"key"`
	Shape  []uint64 `json:"shape"`
	Wide16 bool     `json:"is16bit"`
}

// Stride is the element width in bytes: 2 for 16-bit shards, 4 otherwise.
func (m Metadata) Stride() uint64 {
	if m.Wide16 {
		return 2
	}
	return 4
}

// Descriptor is a validated shard ready to be routed to a collector.
type Descriptor struct {
	Meta     Metadata
	Dir      string
	DataPath string
	Layer    int
	HasLayer bool
	ByteSize uint64
}

// Elements is product(shape).
func (d *Descriptor) Elements() uint64 {
	return d.ByteSize / d.Meta.Stride()
}

func (d *Descriptor) String() string {
	if d.HasLayer {
		return fmt.Sprintf("%s (layer %d, %v, %d bytes)", d.Meta.Key, d.Layer, d.Meta.Shape, d.ByteSize)
	}
	return fmt.Sprintf("%s (%v, %d bytes)", d.Meta.Key, d.Meta.Shape, d.ByteSize)
}

var layerPattern = regexp.MustCompile(`(?:^|\.)layers\.(\d+)\.`)

// LayerNumber extracts N from a "layers.<N>." component of key. An N too
// large for int is reported as math.MaxInt so it still counts as a layer key
// and falls outside every model's layer range.
func LayerNumber(key string) (int, bool) {
	m := layerPattern.FindStringSubmatch(key)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return math.MaxInt, true
	}
	return n, true
}

// Open parses the shard rooted at path (the shard directory, or its
// metadata.json) and checks weights.bin holds exactly product(shape) * stride
// bytes.
func Open(path string) (*Descriptor, error) {
	dir := path
	if filepath.Base(path) == MetadataFile {
		dir = filepath.Dir(path)
	}
	metaPath := filepath.Join(dir, MetadataFile)

	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, loaderr.Wrap(loaderr.InvalidFile, metaPath, err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, loaderr.Wrap(loaderr.InvalidFile, metaPath, err)
	}
	if meta.Key == "" {
		return nil, loaderr.Wrap(loaderr.InvalidFile, metaPath, errors.New("empty key"))
	}
	n, err := numElements(meta.Shape)
	if err != nil {
		return nil, loaderr.Wrap(loaderr.InvalidFile, metaPath, err).WithKey(meta.Key)
	}
	stride := meta.Stride()
	if n > maxUint64/stride {
		return nil, loaderr.Wrap(loaderr.InvalidFile, metaPath, errors.New("tensor too large")).WithKey(meta.Key)
	}
	want := n * stride

	dataPath := filepath.Join(dir, DataFile)
	st, err := os.Stat(dataPath)
	if err != nil {
		return nil, loaderr.Wrap(loaderr.InvalidFile, dataPath, err)
	}
	if st.IsDir() {
		return nil, loaderr.Wrap(loaderr.InvalidFile, dataPath, errors.New("is a directory"))
	}
	if uint64(st.Size()) != want {
		e := loaderr.New(loaderr.FilesizeMismatch, meta.Key, "%s is %d bytes, shape %v x %d needs %d",
			DataFile, st.Size(), meta.Shape, stride, want)
		return nil, e.WithPath(dir)
	}

	d := &Descriptor{
		Meta:     meta,
		Dir:      dir,
		DataPath: dataPath,
		ByteSize: want,
	}
	d.Layer, d.HasLayer = LayerNumber(meta.Key)
	return d, nil
}

const maxUint64 = ^uint64(0)

func numElements(shape []uint64) (uint64, error) {
	if len(shape) == 0 {
		return 0, errors.New("empty shape")
	}
	n := uint64(1)
	for i, d := range shape {
		if d == 0 {
			return 0, fmt.Errorf("invalid dim %d at %d", d, i)
		}
		if n > maxUint64/d {
			return 0, errors.New("tensor too large")
		}
		n *= d
	}
	return n, nil
}
