package shard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
)

// DirName is the directory a shard with key is written to under its model
// root.
func DirName(key string) string {
	return strings.ReplaceAll(key, string(filepath.Separator), "_")
}

// Create writes root/<key>/{metadata.json,weights.bin}. data must hold
// product(shape) * stride bytes; Create refuses to write a shard Open would
// reject for its size.
func Create(root string, meta Metadata, data []byte) (string, error) {
	if meta.Key == "" {
		return "", fmt.Errorf("shard: empty key")
	}
	n, err := numElements(meta.Shape)
	if err != nil {
		return "", fmt.Errorf("shard %s: %w", meta.Key, err)
	}
	if want := n * meta.Stride(); uint64(len(data)) != want {
		return "", fmt.Errorf("shard %s: %d data bytes, shape %v x %d needs %d",
			meta.Key, len(data), meta.Shape, meta.Stride(), want)
	}
	dir := filepath.Join(root, DirName(meta.Key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("shard %s: marshal metadata: %w", meta.Key, err)
	}
	if err := os.WriteFile(filepath.Join(dir, MetadataFile), raw, 0o644); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, DataFile), data, 0o644); err != nil {
		return "", err
	}
	return dir, nil
}
