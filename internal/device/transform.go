package device

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/samcharles93/shardpool/internal/loaderr"
)

// Registry is a Resolver backed by a name → Transform map.
type Registry struct {
	mu         sync.RWMutex
	transforms map[string]Transform
}

func NewRegistry() *Registry {
	return &Registry{transforms: make(map[string]Transform)}
}

// Register adds or replaces a transform.
func (r *Registry) Register(name string, t Transform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transforms[name] = t
}

// Resolve fails with loaderr.UnknownPreprocessor for unregistered names.
func (r *Registry) Resolve(name string) (Transform, error) {
	r.mu.RLock()
	t, ok := r.transforms[name]
	r.mu.RUnlock()
	if !ok {
		return nil, loaderr.New(loaderr.UnknownPreprocessor, name, "no transform registered")
	}
	return t, nil
}

// Names lists registered transforms.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.transforms))
	for name := range r.transforms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HostFunc is an in-place transform over host memory.
type HostFunc func(data []byte, el Element) error

// Apply runs f on a host staging buffer.
func (f HostFunc) Apply(_ Batch, staging Buffer, el Element) error {
	hb, ok := staging.(*HostBuffer)
	if !ok {
		return fmt.Errorf("host transform on %T staging buffer", staging)
	}
	return f(hb.data, el)
}

// NegExp computes x = -exp(x) elementwise, the A_log → A step of a Mamba block.
func NegExp(data []byte, el Element) error {
	stride := uint64(4)
	if el.Wide16 {
		stride = 2
	}
	if uint64(len(data)) < el.Count*stride {
		return fmt.Errorf("neg_exp: buffer holds %d bytes, need %d", len(data), el.Count*stride)
	}
	if el.Wide16 {
		for i := uint64(0); i < el.Count; i++ {
			h := binary.LittleEndian.Uint16(data[i*2:])
			v := -float32(math.Exp(float64(Float16ToFloat32(h))))
			binary.LittleEndian.PutUint16(data[i*2:], Float32ToFloat16(v))
		}
		return nil
	}
	for i := uint64(0); i < el.Count; i++ {
		v := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		v = -float32(math.Exp(float64(v)))
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return nil
}
