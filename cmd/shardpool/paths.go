package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/samcharles93/shardpool/internal/modelspec"
	"github.com/samcharles93/shardpool/internal/shard"
)

const (
	envModelsDir = "SHARDPOOL_MODELS_DIR"
	hfConfigFile = "config.json"
)

// stdinIsTTY is a small seam for tests.
var stdinIsTTY = isTTY

// resolveConvertOut picks the directory a converted model is written to:
// --out when set, else <models dir>/<name>, else ./converted/<name>. The
// name is the checkpoint directory's base name. The bool reports whether
// the path was defaulted.
func resolveConvertOut(inPath, outFlag, modelsPath string) (string, bool, error) {
	if outFlag = strings.TrimSpace(outFlag); outFlag != "" {
		return filepath.Clean(outFlag), false, nil
	}

	in := filepath.Clean(inPath)
	if st, err := os.Stat(in); err == nil && !st.IsDir() {
		in = filepath.Dir(in)
	}
	base := filepath.Base(in)
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "", true, fmt.Errorf("cannot name output for %q; set --out", inPath)
	}

	outDir := strings.TrimSpace(modelsPath)
	if outDir == "" {
		outDir = strings.TrimSpace(os.Getenv(envModelsDir))
	}
	if outDir == "" {
		outDir = filepath.Join(".", "converted")
	}
	return filepath.Join(outDir, base), true, nil
}

// resolveModelDir picks the model directory from --model, falling back to
// the models directory (flag, config or env) and prompting when it holds
// more than one model. A bare --model name is looked up in the models
// directory when it is not a path on its own.
func resolveModelDir(modelFlag, modelsPath string, stdin io.Reader, stderr io.Writer) (string, error) {
	modelFlag = strings.TrimSpace(modelFlag)
	modelsDir := strings.TrimSpace(modelsPath)
	if modelsDir == "" {
		modelsDir = strings.TrimSpace(os.Getenv(envModelsDir))
	}

	if modelFlag != "" {
		if _, err := os.Stat(modelFlag); err != nil && modelsDir != "" && !filepath.IsAbs(modelFlag) {
			candidate := filepath.Join(modelsDir, modelFlag)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
		return filepath.Clean(modelFlag), nil
	}

	if modelsDir == "" {
		return "", fmt.Errorf("--model or --models-path is required unless %s is set", envModelsDir)
	}

	models, err := discoverModels(modelsDir)
	if err != nil {
		return "", err
	}
	switch len(models) {
	case 0:
		return "", fmt.Errorf("no converted models found in %s", modelsDir)
	case 1:
		_, _ = fmt.Fprintf(stderr, "using model %s\n", models[0])
		return models[0], nil
	default:
		if !stdinIsTTY() {
			return "", fmt.Errorf(
				"multiple models found in %s but stdin is not interactive; set --model",
				modelsDir,
			)
		}
		return selectModelInteractively(modelsDir, models, stdin, stderr)
	}
}

// discoverModels lists the subdirectories of dir that look like converted
// models: they carry a config.json or at least one tensor shard.
func discoverModels(dir string) ([]string, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("models directory is empty")
	}
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("models path is not a directory: %s", dir)
	}

	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	models := make([]string, 0, len(ents))
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if isModelDir(path) {
			models = append(models, path)
		}
	}
	sort.Strings(models)
	return models, nil
}

func isModelDir(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, hfConfigFile)); err == nil {
		return true
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, e.Name(), shard.MetadataFile)); err == nil {
			return true
		}
	}
	return false
}

func selectModelInteractively(modelsDir string, models []string, stdin io.Reader, stderr io.Writer) (string, error) {
	if len(models) == 0 {
		return "", fmt.Errorf("no models available in %s", modelsDir)
	}

	_, _ = fmt.Fprintf(stderr, "select a model from %s\n", modelsDir)
	for i, m := range models {
		_, _ = fmt.Fprintf(stderr, "%d. %s\n", i+1, modelDisplayName(modelsDir, m))
	}

	reader := bufio.NewReader(stdin)
	for {
		_, _ = fmt.Fprintf(stderr, "enter selection [1-%d]: ", len(models))
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if errors.Is(err, io.EOF) {
				return "", errors.New("no selection provided on stdin; set --model")
			}
			continue
		}

		idx, convErr := strconv.Atoi(line)
		if convErr != nil || idx < 1 || idx > len(models) {
			_, _ = fmt.Fprintf(stderr, "invalid selection %q\n", line)
			if errors.Is(err, io.EOF) {
				return "", errors.New("invalid selection provided on stdin; set --model")
			}
			continue
		}
		return models[idx-1], nil
	}
}

func modelDisplayName(modelsDir, modelPath string) string {
	rel, err := filepath.Rel(modelsDir, modelPath)
	if err != nil || rel == "." {
		return filepath.Base(modelPath)
	}
	return rel
}

// resolveHyperparams reads --preset, else --hf-config, else <model>/config.json.
// The second return names where the values came from.
func resolveHyperparams(modelDir, presetName, configPath string) (modelspec.Hyperparams, string, error) {
	if presetName = strings.TrimSpace(presetName); presetName != "" {
		h, ok := modelspec.Preset(presetName)
		if !ok {
			return modelspec.Hyperparams{}, "", fmt.Errorf(
				"unknown preset %q (known: %s)", presetName, strings.Join(modelspec.Presets(), ", "))
		}
		return h, "preset " + presetName, nil
	}
	if configPath = strings.TrimSpace(configPath); configPath == "" {
		configPath = filepath.Join(modelDir, hfConfigFile)
	}
	h, err := modelspec.LoadConfig(configPath)
	if err != nil {
		return modelspec.Hyperparams{}, "", fmt.Errorf("hyperparameters: %w (set --preset or --hf-config)", err)
	}
	return h, configPath, nil
}

func isTTY() bool {
	st, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (st.Mode() & os.ModeCharDevice) != 0
}
