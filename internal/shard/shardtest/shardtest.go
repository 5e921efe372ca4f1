// Package shardtest writes converted-checkpoint shard directories for tests.
package shardtest

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

// Shard describes one tensor to write.
type Shard struct {
	Key    string
	Shape  []uint64
	Wide16 bool
	// Data overrides the generated payload when non-nil.
	Data []byte
}

// Write creates root/<key>/{metadata.json,weights.bin} and returns the shard
// directory. Without Data, elements are filled with a pattern derived from
// the key so pool contents can be checked per tensor.
func Write(tb testing.TB, root string, s Shard) string {
	tb.Helper()

	dir := filepath.Join(root, strings.ReplaceAll(s.Key, "/", "_"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		tb.Fatalf("mkdir %s: %v", dir, err)
	}
	meta, err := json.Marshal(map[string]any{
		"key":     s.Key,
		"shape":   s.Shape,
		"is16bit": s.Wide16,
	})
	if err != nil {
		tb.Fatalf("marshal metadata: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), meta, 0o644); err != nil {
		tb.Fatalf("write metadata: %v", err)
	}
	data := s.Data
	if data == nil {
		data = Payload(s.Key, s.Shape, s.Wide16)
	}
	if err := os.WriteFile(filepath.Join(dir, "weights.bin"), data, 0o644); err != nil {
		tb.Fatalf("write weights: %v", err)
	}
	return dir
}

// Payload is the default weights.bin content Write generates.
func Payload(key string, shape []uint64, wide16 bool) []byte {
	n := uint64(1)
	for _, d := range shape {
		n *= d
	}
	seed := byte(len(key))
	for i := 0; i < len(key); i++ {
		seed = seed*31 + key[i]
	}
	stride := uint64(4)
	if wide16 {
		stride = 2
	}
	out := make([]byte, n*stride)
	for i := range out {
		out[i] = seed + byte(i)
	}
	return out
}

// Float32s encodes vals as little-endian f32.
func Float32s(vals ...float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}
