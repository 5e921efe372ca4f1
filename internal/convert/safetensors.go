package convert

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"

	"github.com/samcharles93/shardpool/internal/device"
)

const (
	SafetensorsFile = "model.safetensors"
	IndexFile       = "model.safetensors.index.json"

	maxHeaderLen = 100 << 20
)

// Tensor locates one tensor inside a safetensors file.
type Tensor struct {
	Name  string
	DType string
	Shape []uint64
	File  string
	Start int64 // absolute file offsets
	End   int64
}

type tensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []uint64 `json:"shape"`
	DataOffsets []int64  `json:"data_offsets"`
}

// Checkpoint is the tensor index of one or more safetensors files.
type Checkpoint struct {
	Dir     string
	Tensors map[string]Tensor
}

// OpenCheckpoint indexes path, which is a .safetensors file or a directory
// holding model.safetensors or a model.safetensors.index.json weight map.
func OpenCheckpoint(path string) (*Checkpoint, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return openFiles(filepath.Dir(path), []string{path})
	}

	if raw, err := os.ReadFile(filepath.Join(path, IndexFile)); err == nil {
		var index struct {
			WeightMap map[string]string `json:"weight_map"`
		}
		if err := json.Unmarshal(raw, &index); err != nil {
			return nil, fmt.Errorf("parse %s: %w", IndexFile, err)
		}
		seen := make(map[string]bool)
		var files []string
		for _, f := range index.WeightMap {
			if !seen[f] {
				seen[f] = true
				files = append(files, filepath.Join(path, f))
			}
		}
		sort.Strings(files)
		return openFiles(path, files)
	}

	single := filepath.Join(path, SafetensorsFile)
	if _, err := os.Stat(single); err != nil {
		return nil, fmt.Errorf("no %s or %s in %s", SafetensorsFile, IndexFile, path)
	}
	return openFiles(path, []string{single})
}

func openFiles(dir string, files []string) (*Checkpoint, error) {
	c := &Checkpoint{Dir: dir, Tensors: make(map[string]Tensor)}
	for _, f := range files {
		if err := c.index(f); err != nil {
			return nil, err
		}
	}
	if len(c.Tensors) == 0 {
		return nil, fmt.Errorf("no tensors in %s", dir)
	}
	return c, nil
}

func (c *Checkpoint) index(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return err
	}

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return fmt.Errorf("%s: read header length: %w", path, err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen > maxHeaderLen || int64(8+headerLen) > st.Size() {
		return fmt.Errorf("%s: header length %d out of range", path, headerLen)
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(f, header); err != nil {
		return fmt.Errorf("%s: read header: %w", path, err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return fmt.Errorf("%s: parse header: %w", path, err)
	}
	delete(raw, "__metadata__")

	base := int64(8 + headerLen)
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return fmt.Errorf("%s: tensor %s: %w", path, name, err)
		}
		if len(th.DataOffsets) != 2 || th.DataOffsets[0] < 0 || th.DataOffsets[1] < th.DataOffsets[0] {
			return fmt.Errorf("%s: tensor %s: invalid data_offsets %v", path, name, th.DataOffsets)
		}
		t := Tensor{
			Name:  name,
			DType: th.DType,
			Shape: th.Shape,
			File:  path,
			Start: base + th.DataOffsets[0],
			End:   base + th.DataOffsets[1],
		}
		if t.End > st.Size() {
			return fmt.Errorf("%s: tensor %s ends at %d past end of file", path, name, t.End)
		}
		if _, dup := c.Tensors[name]; dup {
			return fmt.Errorf("%s: tensor %s appears in more than one file", path, name)
		}
		c.Tensors[name] = t
	}
	return nil
}

// Names lists tensors sorted by name.
func (c *Checkpoint) Names() []string {
	out := make([]string, 0, len(c.Tensors))
	for name := range c.Tensors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Elements reads a tensor and widens it to f32.
func (t Tensor) Elements() ([]float32, error) {
	n := uint64(1)
	for _, d := range t.Shape {
		n *= d
	}
	width, ok := dtypeWidth[t.DType]
	if !ok {
		return nil, fmt.Errorf("tensor %s: unsupported dtype %s", t.Name, t.DType)
	}
	if uint64(t.End-t.Start) != n*width {
		return nil, fmt.Errorf("tensor %s: %d bytes for shape %v of %s", t.Name, t.End-t.Start, t.Shape, t.DType)
	}

	f, err := os.Open(t.File)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	raw := make([]byte, t.End-t.Start)
	if _, err := f.ReadAt(raw, t.Start); err != nil {
		return nil, fmt.Errorf("read tensor %s: %w", t.Name, err)
	}

	out := make([]float32, n)
	switch t.DType {
	case "F32":
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "F16":
		for i := range out {
			out[i] = device.Float16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case "BF16":
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
	}
	return out, nil
}

var dtypeWidth = map[string]uint64{"F32": 4, "F16": 2, "BF16": 2}
