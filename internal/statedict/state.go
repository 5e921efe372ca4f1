package statedict

import (
	"fmt"
	"slices"

	"github.com/samcharles93/shardpool/internal/device"
)

// Parameter is one loaded tensor. Its pool offset is only reachable through
// Binding.
type Parameter struct {
	Name     string
	Key      string
	Shape    []uint64
	ByteSize uint64
	Wide16   bool

	pool   device.Buffer
	offset uint64
}

// Binding returns the pool region holding the tensor.
func (p Parameter) Binding() device.Region {
	return device.Region{Pool: p.pool, Offset: p.offset, Size: p.ByteSize}
}

// State is a finished load. It never changes after Build returns it.
type State struct {
	id     string
	device string
	pool   device.Buffer
	total  uint64
	base   map[string]Parameter
	layers []map[string]Parameter
}

func newState(id string, dev device.Device, pool device.Buffer, plan *Plan, layers int) *State {
	s := &State{
		id:     id,
		device: dev.Name(),
		pool:   pool,
		total:  plan.Total,
		base:   make(map[string]Parameter),
		layers: make([]map[string]Parameter, layers),
	}
	for i := range s.layers {
		s.layers[i] = make(map[string]Parameter)
	}
	for _, slot := range plan.Slots {
		p := Parameter{
			Name:     slot.Entry.Name,
			Key:      slot.Desc.Meta.Key,
			Shape:    slices.Clone(slot.Desc.Meta.Shape),
			ByteSize: slot.Desc.ByteSize,
			Wide16:   slot.Desc.Meta.Wide16,
			pool:     pool,
			offset:   slot.Offset,
		}
		if slot.Layer < 0 {
			s.base[p.Name] = p
		} else {
			s.layers[slot.Layer][p.Name] = p
		}
	}
	return s
}

// tie makes name resolve to the region already loaded for target in the same
// group.
func (s *State) tie(layer int, name, target string) {
	group := s.base
	if layer >= 0 {
		group = s.layers[layer]
	}
	p, ok := group[target]
	if !ok {
		return
	}
	p.Name = name
	group[name] = p
}

// ID is the load ID the pool was labelled with.
func (s *State) ID() string { return s.id }

// Base looks up a parameter outside the layer stack.
func (s *State) Base(name string) (Parameter, bool) {
	p, ok := s.base[name]
	if ok {
		p.Shape = slices.Clone(p.Shape)
	}
	return p, ok
}

// Layer looks up a parameter of layer i.
func (s *State) Layer(i int, name string) (Parameter, bool) {
	if i < 0 || i >= len(s.layers) {
		return Parameter{}, false
	}
	p, ok := s.layers[i][name]
	if ok {
		p.Shape = slices.Clone(p.Shape)
	}
	return p, ok
}

func (s *State) BaseNames() []string {
	return sortedKeys(s.base)
}

func (s *State) LayerCount() int { return len(s.layers) }

func (s *State) LayerNames(i int) []string {
	if i < 0 || i >= len(s.layers) {
		return nil
	}
	return sortedKeys(s.layers[i])
}

// Pool is the device allocation every parameter lives in. Backend buffers
// only hand their contents out as copies (io.ReaderAt), never as a writable
// view.
func (s *State) Pool() device.Buffer { return s.pool }

// TotalSize is the pool size in bytes, padding included.
func (s *State) TotalSize() uint64 { return s.total }

// Release frees the pool. Parameters must not be bound afterwards.
func (s *State) Release() {
	if s.pool != nil {
		s.pool.Release()
		s.pool = nil
	}
}

// Summary is a one-line description for logs and the CLI.
func (s *State) Summary() string {
	n := len(s.base)
	for _, l := range s.layers {
		n += len(l)
	}
	return fmt.Sprintf("%d parameters (%d base, %d layers) in %s on %s",
		n, len(s.base), len(s.layers), humanBytes(s.total), s.device)
}

func sortedKeys(m map[string]Parameter) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
