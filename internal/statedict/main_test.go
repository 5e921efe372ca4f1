package statedict

import (
	"fmt"
	"testing"

	"go.uber.org/goleak"

	"github.com/samcharles93/shardpool/internal/device"
	"github.com/samcharles93/shardpool/internal/logger"
	"github.com/samcharles93/shardpool/internal/modelspec"
	"github.com/samcharles93/shardpool/internal/shard/shardtest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func vec(refs ...modelspec.Ref) []modelspec.Dim {
	out := make([]modelspec.Dim, len(refs))
	for i, r := range refs {
		out[i] = modelspec.D(r)
	}
	return out
}

// tinySpec has an [V,D] embedding and a [D] norm at the base and a [D] norm
// per layer, with V=100 and D=8.
func tinySpec(layers int) *modelspec.Spec {
	return &modelspec.Spec{
		Name:  "tiny",
		Hyper: modelspec.Hyperparams{VocabSize: 100, ModelDim: 8, Layers: layers},
		Base: []modelspec.Entry{
			{Name: "embedding.weight", MatchKey: "embedding.weight", Shape: vec(modelspec.VocabSize, modelspec.ModelDim)},
			{Name: "norm.weight", MatchKey: "norm.weight", Shape: vec(modelspec.ModelDim)},
		},
		Layer: []modelspec.Entry{
			{Name: "norm.weight", MatchKey: "norm.weight", Shape: vec(modelspec.ModelDim)},
		},
	}
}

func tinyShards(layers int) []shardtest.Shard {
	out := []shardtest.Shard{
		{Key: "embedding.weight", Shape: []uint64{100, 8}},
		{Key: "norm.weight", Shape: []uint64{8}},
	}
	for i := range layers {
		out = append(out, shardtest.Shard{Key: layerKey(i, "norm.weight"), Shape: []uint64{8}})
	}
	return out
}

func layerKey(i int, name string) string {
	return fmt.Sprintf("layers.%d.%s", i, name)
}

// writeAll writes shards under a fresh directory and returns their paths in
// the same order.
func writeAll(t *testing.T, shards []shardtest.Shard) []string {
	t.Helper()
	root := t.TempDir()
	paths := make([]string, len(shards))
	for i, s := range shards {
		paths[i] = shardtest.Write(t, root, s)
	}
	return paths
}

func newTestBuilder(t *testing.T, spec *modelspec.Spec, dev device.Device, opts ...Option) *Builder {
	t.Helper()
	opts = append([]Option{WithLogger(logger.Discard())}, opts...)
	b, err := NewBuilder(spec, dev, opts...)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	return b
}

func includeAll(t *testing.T, b *Builder, paths []string) {
	t.Helper()
	for _, p := range paths {
		if err := b.Include(p); err != nil {
			t.Fatalf("Include(%s): %v", p, err)
		}
	}
}
