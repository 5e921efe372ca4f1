// Package modelspec declares which tensors a model family expects and the
// shape each one must have for a given set of hyperparameters.
package modelspec

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Ref names one hyperparameter a shape formula may refer to.
type Ref uint8

const (
	// Unit evaluates to 1.
	Unit Ref = iota
	VocabSize
	ModelDim
	InnerDim
	StateDim
	ConvKernel
	DTRank
)

func (r Ref) String() string {
	switch r {
	case Unit:
		return "1"
	case VocabSize:
		return "vocab_size"
	case ModelDim:
		return "d_model"
	case InnerDim:
		return "d_inner"
	case StateDim:
		return "d_state"
	case ConvKernel:
		return "d_conv"
	case DTRank:
		return "dt_rank"
	default:
		return fmt.Sprintf("ref(%d)", uint8(r))
	}
}

// Hyperparams holds the values shape formulas are evaluated against.
type Hyperparams struct {
	VocabSize  int
	ModelDim   int
	InnerDim   int
	StateDim   int
	ConvKernel int
	DTRank     int
	Layers     int
	// TieEmbeddings lets the output head share the embedding matrix when a
	// checkpoint ships no separate lm_head.
	TieEmbeddings bool
}

// Value resolves ref against h.
func (h Hyperparams) Value(ref Ref) int {
	switch ref {
	case Unit:
		return 1
	case VocabSize:
		return h.VocabSize
	case ModelDim:
		return h.ModelDim
	case InnerDim:
		return h.InnerDim
	case StateDim:
		return h.StateDim
	case ConvKernel:
		return h.ConvKernel
	case DTRank:
		return h.DTRank
	default:
		return 0
	}
}

// Term is Scale * ref.
type Term struct {
	Scale int
	Ref   Ref
}

// Dim is one dimension of a shape formula: the sum of its terms.
type Dim []Term

// D is a single-term dimension.
func D(ref Ref) Dim { return Dim{{Scale: 1, Ref: ref}} }

// Scaled is scale * ref.
func Scaled(scale int, ref Ref) Dim { return Dim{{Scale: scale, Ref: ref}} }

// Sum concatenates dimensions into one additive formula.
func Sum(dims ...Dim) Dim {
	var out Dim
	for _, d := range dims {
		out = append(out, d...)
	}
	return out
}

// Eval computes the dimension for h.
func (d Dim) Eval(h Hyperparams) int {
	n := 0
	for _, t := range d {
		n += t.Scale * h.Value(t.Ref)
	}
	return n
}

func (d Dim) String() string {
	parts := make([]string, 0, len(d))
	for _, t := range d {
		if t.Scale == 1 {
			parts = append(parts, t.Ref.String())
			continue
		}
		parts = append(parts, fmt.Sprintf("%d*%s", t.Scale, t.Ref))
	}
	return strings.Join(parts, "+")
}

// Entry is one logical parameter slot.
type Entry struct {
	// Name is the logical name consumers look the parameter up by.
	Name string
	// MatchKey is matched by substring containment against shard keys.
	MatchKey string
	Shape    []Dim
	// Transform names an optional device preprocessing step.
	Transform string
	// TiedTo names another entry of the same group. When no shard fills
	// this entry, it resolves to that entry's pool region instead.
	TiedTo string
}

// Expected evaluates the entry's shape formula.
func (e Entry) Expected(h Hyperparams) []uint64 {
	out := make([]uint64, len(e.Shape))
	for i, d := range e.Shape {
		out[i] = uint64(d.Eval(h))
	}
	return out
}

// Spec is the full parameter table for one model.
type Spec struct {
	Name  string
	Hyper Hyperparams
	Base  []Entry
	Layer []Entry
}

// LayerCount is the number of repeated blocks.
func (s *Spec) LayerCount() int {
	return s.Hyper.Layers
}

// Validate checks the table is internally consistent.
func (s *Spec) Validate() error {
	if s == nil {
		return errors.New("modelspec: nil spec")
	}
	if s.Hyper.Layers < 0 {
		return fmt.Errorf("modelspec %s: negative layer count %d", s.Name, s.Hyper.Layers)
	}
	if len(s.Layer) == 0 && s.Hyper.Layers > 0 {
		return fmt.Errorf("modelspec %s: %d layers but no per-layer entries", s.Name, s.Hyper.Layers)
	}
	if err := validateGroup(s.Hyper, s.Base); err != nil {
		return fmt.Errorf("modelspec %s base: %w", s.Name, err)
	}
	if err := validateGroup(s.Hyper, s.Layer); err != nil {
		return fmt.Errorf("modelspec %s layer: %w", s.Name, err)
	}
	return nil
}

func validateGroup(h Hyperparams, entries []Entry) error {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.Name == "" || e.MatchKey == "" {
			return fmt.Errorf("entry %q/%q: empty name or match key", e.Name, e.MatchKey)
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("duplicate logical name %q", e.Name)
		}
		seen[e.Name] = struct{}{}
		if len(e.Shape) == 0 {
			return fmt.Errorf("entry %q: empty shape", e.Name)
		}
		for i, d := range e.Shape {
			if d.Eval(h) <= 0 {
				return fmt.Errorf("entry %q: dim %d (%s) evaluates to %d", e.Name, i, d, d.Eval(h))
			}
		}
	}
	for _, e := range entries {
		if e.TiedTo == "" {
			continue
		}
		target := slices.IndexFunc(entries, func(t Entry) bool { return t.Name == e.TiedTo })
		switch {
		case target < 0:
			return fmt.Errorf("entry %q: tied to unknown entry %q", e.Name, e.TiedTo)
		case entries[target].TiedTo != "":
			return fmt.Errorf("entry %q: tied to %q, which is itself tied", e.Name, e.TiedTo)
		case !slices.Equal(e.Expected(h), entries[target].Expected(h)):
			return fmt.Errorf("entry %q: shape %v differs from tied entry %q %v",
				e.Name, e.Expected(h), e.TiedTo, entries[target].Expected(h))
		}
	}
	return nil
}
