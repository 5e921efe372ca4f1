package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/shardpool/internal/device"
	"github.com/samcharles93/shardpool/internal/logger"
	"github.com/samcharles93/shardpool/internal/modelspec"
	"github.com/samcharles93/shardpool/internal/shard"
	"github.com/samcharles93/shardpool/internal/statedict"
)

// mambaTensors builds zero-filled F32 tensors for every entry of spec,
// naming each with rename(logical key). An empty name drops the tensor.
func mambaTensors(h modelspec.Hyperparams, spec *modelspec.Spec, rename func(key string) string) []rawTensor {
	var tensors []rawTensor
	add := func(prefix string, entries []modelspec.Entry) {
		for _, e := range entries {
			name := rename(prefix + e.Name)
			if name == "" {
				continue
			}
			shape := e.Expected(h)
			n := uint64(1)
			for _, d := range shape {
				n *= d
			}
			tensors = append(tensors, rawTensor{name: name, dtype: "F32", shape: shape, data: f32(make([]float32, n)...)})
		}
	}
	add("", spec.Base)
	for i := range h.Layers {
		add(fmt.Sprintf("layers.%d.", i), spec.Layer)
	}
	return tensors
}

func convertAndBuild(t *testing.T, src string, spec *modelspec.Spec) (string, *statedict.State) {
	t.Helper()
	dst := t.TempDir()
	_, err := Convert(context.Background(), src, dst, DefaultOptions())
	require.NoError(t, err)

	paths, err := shard.Discover(dst)
	require.NoError(t, err)
	b, err := statedict.NewBuilder(spec, device.NewHost(), statedict.WithLogger(logger.Discard()))
	require.NoError(t, err)
	for _, p := range paths {
		require.NoError(t, b.Include(p))
	}
	st, err := b.Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(st.Release)
	return dst, st
}

// A converted checkpoint must load without further massaging.
func TestConvertedCheckpointLoads(t *testing.T) {
	t.Parallel()

	h := modelspec.Hyperparams{VocabSize: 16, ModelDim: 4, InnerDim: 8, StateDim: 2, ConvKernel: 4, DTRank: 1, Layers: 2}
	spec := modelspec.Mamba(h)

	// lm_head is not under the backbone in published checkpoints.
	tensors := mambaTensors(h, spec, func(key string) string {
		if key == "lm_head.weight" {
			return key
		}
		return "backbone." + key
	})
	src := t.TempDir()
	writeSafetensors(t, filepath.Join(src, SafetensorsFile), tensors...)
	_, st := convertAndBuild(t, src, spec)

	emb, ok := st.Base("embedding.weight")
	require.True(t, ok)
	require.True(t, emb.Wide16)
	require.Equal(t, uint64(16*4*2), emb.ByteSize)

	// A_log of zeros becomes A = -1 after neg_exp.
	a, ok := st.Layer(1, "mixer.A_log")
	require.True(t, ok)
	r := a.Binding()
	got := make([]byte, r.Size)
	_, err := r.Pool.(*device.HostBuffer).ReadAt(got, int64(r.Offset))
	require.NoError(t, err)
	require.Equal(t, f32(-1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1), got)
}

// Transformers checkpoints say "embeddings" and leave the head tied.
func TestConvertedTransformersCheckpointLoads(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	cfg := `{"model_type": "mamba", "hidden_size": 4, "num_hidden_layers": 2, "vocab_size": 16,
		"state_size": 2, "conv_kernel": 4, "expand": 2, "time_step_rank": 1}`
	require.NoError(t, os.WriteFile(filepath.Join(src, "config.json"), []byte(cfg), 0o644))
	h, err := modelspec.LoadConfig(filepath.Join(src, "config.json"))
	require.NoError(t, err)
	require.True(t, h.TieEmbeddings)
	spec := modelspec.Mamba(h)

	tensors := mambaTensors(h, spec, func(key string) string {
		switch key {
		case "lm_head.weight":
			return ""
		case "embedding.weight":
			return "backbone.embeddings.weight"
		}
		return "backbone." + key
	})
	writeSafetensors(t, filepath.Join(src, SafetensorsFile), tensors...)
	dst, st := convertAndBuild(t, src, spec)

	// The copied config reproduces the same table.
	copied, err := modelspec.LoadConfig(filepath.Join(dst, "config.json"))
	require.NoError(t, err)
	require.Equal(t, h, copied)

	emb, ok := st.Base("embedding.weight")
	require.True(t, ok)
	require.Equal(t, "embeddings.weight", emb.Key)
	head, ok := st.Base("lm_head.weight")
	require.True(t, ok)
	require.Equal(t, emb.Binding(), head.Binding())
	require.Equal(t, 2, st.LayerCount())
}
