package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/samcharles93/shardpool/internal/modelspec"
	"github.com/samcharles93/shardpool/internal/shard/shardtest"
)

// writeTransformersModel lays out a one-layer model the way a converted
// MambaForCausalLM checkpoint looks: "embeddings" and no lm_head.
func writeTransformersModel(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := `{"model_type": "mamba", "hidden_size": 4, "num_hidden_layers": 1, "vocab_size": 16,
		"state_size": 2, "conv_kernel": 4, "expand": 2, "time_step_rank": 1}`
	if err := os.WriteFile(filepath.Join(dir, hfConfigFile), []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	h, err := modelspec.ParseConfig([]byte(cfg))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	spec := modelspec.Mamba(h)
	for _, e := range spec.Base {
		switch e.Name {
		case "lm_head.weight":
			continue
		case "embedding.weight":
			shardtest.Write(t, dir, shardtest.Shard{Key: "embeddings.weight", Shape: e.Expected(h)})
		default:
			shardtest.Write(t, dir, shardtest.Shard{Key: e.Name, Shape: e.Expected(h)})
		}
	}
	for _, e := range spec.Layer {
		shardtest.Write(t, dir, shardtest.Shard{Key: fmt.Sprintf("layers.0.%s", e.Name), Shape: e.Expected(h)})
	}
	return dir
}

func isolateConfig(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
}

func TestPlanCommand(t *testing.T) {
	isolateConfig(t)
	dir := writeTransformersModel(t)

	cmd := planCmd()
	var out bytes.Buffer
	cmd.Writer = &out
	err := cmd.Run(context.Background(), []string{"plan", "--model", dir, "--backend", "host", "--log-level", "error"})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	text := out.String()
	for _, want := range []string{"embeddings.weight", "layers.0.mixer.A_log", "12 slots"} {
		if !strings.Contains(text, want) {
			t.Fatalf("plan output missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "lm_head") {
		t.Fatalf("tied head should take no slot:\n%s", text)
	}
}

func TestInspectCommand(t *testing.T) {
	isolateConfig(t)
	dir := writeTransformersModel(t)

	cmd := inspectCmd()
	var out bytes.Buffer
	cmd.Writer = &out
	err := cmd.Run(context.Background(), []string{"inspect", "--model", dir, "--filter", "mixer.D"})
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !strings.Contains(out.String(), "layers.0.mixer.D") {
		t.Fatalf("inspect output:\n%s", out.String())
	}
}
