// Package loaderr defines the failure taxonomy shared by every stage of a
// state dict load. Each stage reports a *Error carrying one Kind, so callers
// can branch with errors.Is(err, loaderr.ShapeMismatch) regardless of which
// package produced the failure.
package loaderr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a load failure. Every Kind is terminal for the build that
// produced it.
type Kind uint8

const (
	// InvalidFile: shard metadata or data could not be read or decoded.
	InvalidFile Kind = iota + 1
	// FilesizeMismatch: weights.bin size differs from product(shape) * stride.
	FilesizeMismatch
	// UnknownEntry: the shard key matches no spec entry in its group.
	UnknownEntry
	// UnknownLayer: the shard's layer index is outside [0, layers).
	UnknownLayer
	// DuplicateEntry: a logical slot was filled twice.
	DuplicateEntry
	// ShapeMismatch: the shard shape differs from its entry's shape formula.
	ShapeMismatch
	// IncompleteState: at least one logical slot was never filled.
	IncompleteState
	// IncompleteLayer: fewer (or more) bytes were read than planned.
	IncompleteLayer
	// UnknownPreprocessor: a named transform could not be resolved.
	UnknownPreprocessor
	// AllocationFailure: the device rejected an allocation or layout.
	AllocationFailure
)

var kindNames = [...]string{
	InvalidFile:         "invalid file",
	FilesizeMismatch:    "filesize mismatch",
	UnknownEntry:        "unknown entry",
	UnknownLayer:        "unknown layer",
	DuplicateEntry:      "duplicate entry",
	ShapeMismatch:       "shape mismatch",
	IncompleteState:     "incomplete state",
	IncompleteLayer:     "incomplete layer",
	UnknownPreprocessor: "unknown preprocessor",
	AllocationFailure:   "allocation failure",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error makes Kind usable as an errors.Is target.
func (k Kind) Error() string {
	return k.String()
}

// NoLayer marks an Error that is not tied to a layer.
const NoLayer = -1

// Error describes one load failure.
type Error struct {
	Kind   Kind
	Key    string // shard key or logical slot name
	Layer  int    // NoLayer when not applicable
	Path   string // shard directory or file
	Detail string
	Err    error
}

// New builds an Error with no layer and a formatted detail message.
func New(kind Kind, key string, format string, args ...any) *Error {
	return &Error{Kind: kind, Key: key, Layer: NoLayer, Detail: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around a cause.
func Wrap(kind Kind, path string, err error) *Error {
	return &Error{Kind: kind, Layer: NoLayer, Path: path, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Key != "" {
		fmt.Fprintf(&b, ": %q", e.Key)
	}
	if e.Layer != NoLayer {
		fmt.Fprintf(&b, " (layer %d)", e.Layer)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " [%s]", e.Path)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare Kind target.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// WithLayer returns e with Layer set.
func (e *Error) WithLayer(layer int) *Error {
	e.Layer = layer
	return e
}

// WithKey returns e with Key set.
func (e *Error) WithKey(key string) *Error {
	e.Key = key
	return e
}

// WithPath returns e with Path set.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// KindOf returns the Kind carried by err, or 0 if err is not a load failure.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return 0
}
