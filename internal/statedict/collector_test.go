package statedict

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/shardpool/internal/loaderr"
	"github.com/samcharles93/shardpool/internal/modelspec"
	"github.com/samcharles93/shardpool/internal/shard"
)

var smallMamba = modelspec.Hyperparams{VocabSize: 16, ModelDim: 4, InnerDim: 8, StateDim: 2, ConvKernel: 4, DTRank: 1, Layers: 1}

func desc(key string, shape ...uint64) *shard.Descriptor {
	n, has := shard.LayerNumber(key)
	return &shard.Descriptor{Meta: shard.Metadata{Key: key, Shape: shape}, Dir: "/shards/" + key, Layer: n, HasLayer: has}
}

func TestCollectorFirstMatchWins(t *testing.T) {
	t.Parallel()

	spec := modelspec.Mamba(smallMamba)
	c := newCollector(0, spec.Layer, spec.Hyper)

	tests := map[string]string{
		"backbone.layers.0.mixer.D":              "mixer.D",
		"backbone.layers.0.mixer.dt_proj.weight": "mixer.dt_proj.weight",
		"backbone.layers.0.mixer.dt_proj.bias":   "mixer.dt_proj.bias",
		"backbone.layers.0.mixer.conv1d.weight":  "mixer.conv1d.weight",
		"backbone.layers.0.norm.weight":          "norm.weight",
	}
	for key, want := range tests {
		i := c.match(key)
		require.GreaterOrEqual(t, i, 0, key)
		require.Equal(t, want, c.entries[i].Name, key)
	}
	require.Equal(t, -1, c.match("backbone.layers.0.mixer.gate"))

	// Declaration order decides when several match keys are contained.
	overlap := []modelspec.Entry{
		{Name: "first", MatchKey: "proj", Shape: []modelspec.Dim{modelspec.D(modelspec.ModelDim)}},
		{Name: "second", MatchKey: "in_proj", Shape: []modelspec.Dim{modelspec.D(modelspec.ModelDim)}},
	}
	c = newCollector(0, overlap, smallMamba)
	require.Equal(t, "first", c.entries[c.match("mixer.in_proj.weight")].Name)
}

func TestCollectorLifecycle(t *testing.T) {
	t.Parallel()

	spec := modelspec.Mamba(smallMamba)
	c := newCollector(loaderr.NoLayer, spec.Base, spec.Hyper)

	_, err := c.complete()
	require.ErrorIs(t, err, loaderr.IncompleteState)

	// Supplied out of order; complete returns declaration order.
	require.NoError(t, c.include(desc("lm_head.weight", 16, 4)))
	require.NoError(t, c.include(desc("backbone.embedding.weight", 16, 4)))
	require.Equal(t, 2, c.count())

	_, err = c.complete()
	var le *loaderr.Error
	require.ErrorAs(t, err, &le)
	require.Equal(t, loaderr.IncompleteState, le.Kind)
	require.Equal(t, "norm_f.weight", le.Key)
	require.Equal(t, loaderr.NoLayer, le.Layer)

	require.NoError(t, c.include(desc("backbone.norm_f.weight", 4)))
	got, err := c.complete()
	require.NoError(t, err)
	require.Equal(t, "backbone.embedding.weight", got[0].Meta.Key)
	require.Equal(t, "backbone.norm_f.weight", got[1].Meta.Key)
	require.Equal(t, "lm_head.weight", got[2].Meta.Key)
}

func TestCollectorTiedHead(t *testing.T) {
	t.Parallel()

	h := smallMamba
	h.TieEmbeddings = true
	spec := modelspec.Mamba(h)
	c := newCollector(loaderr.NoLayer, spec.Base, spec.Hyper)
	require.Equal(t, 2, c.expected())

	require.NoError(t, c.include(desc("embeddings.weight", 16, 4)))
	require.NoError(t, c.include(desc("norm_f.weight", 4)))
	got, err := c.complete()
	require.NoError(t, err)
	require.Equal(t, "embeddings.weight", got[0].Meta.Key)
	require.Nil(t, got[2])
	require.Len(t, c.ties(), 1)
	require.Equal(t, "lm_head.weight", c.ties()[0].Name)

	require.NoError(t, c.include(desc("lm_head.weight", 16, 4)))
	require.Empty(t, c.ties())
	require.Equal(t, 3, c.expected())
}

func TestCollectorRejects(t *testing.T) {
	t.Parallel()

	spec := modelspec.Mamba(smallMamba)
	c := newCollector(3, spec.Layer, spec.Hyper)

	err := c.include(desc("layers.3.mixer.x_proj.weight", 5, 9))
	require.ErrorIs(t, err, loaderr.ShapeMismatch)
	var le *loaderr.Error
	require.ErrorAs(t, err, &le)
	require.Equal(t, 3, le.Layer)
	require.Equal(t, "mixer.x_proj.weight", le.Key)
	require.Equal(t, "/shards/layers.3.mixer.x_proj.weight", le.Path)

	err = c.include(desc("layers.3.mixer.D", 8, 1))
	require.ErrorIs(t, err, loaderr.ShapeMismatch, "rank differs")

	err = c.include(desc("layers.3.mixer.zeta", 8))
	require.ErrorIs(t, err, loaderr.UnknownEntry)

	require.NoError(t, c.include(desc("layers.3.mixer.D", 8)))
	err = c.include(desc("model.layers.3.mixer.D", 8))
	require.ErrorIs(t, err, loaderr.DuplicateEntry)
	require.Equal(t, "layers.3.mixer.D", c.filled[c.match("mixer.D")].Meta.Key)
	require.Equal(t, 1, c.count())
}

func TestCompareShape(t *testing.T) {
	t.Parallel()

	require.NoError(t, compareShape([]uint64{2, 3}, []uint64{2, 3}))
	require.ErrorContains(t, compareShape([]uint64{2, 3}, []uint64{2}), "rank 1")
	require.ErrorContains(t, compareShape([]uint64{2, 3}, []uint64{2, 4}), "dim 1 is 4, want 3")
}
