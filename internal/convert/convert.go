// Package convert explodes a safetensors Mamba checkpoint into the
// one-directory-per-tensor layout the loader reads.
package convert

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/shardpool/internal/device"
	"github.com/samcharles93/shardpool/internal/logger"
	"github.com/samcharles93/shardpool/internal/shard"
)

// DefaultPrefix is stripped from checkpoint keys.
const DefaultPrefix = "backbone."

// DefaultWide16 are the key fragments stored as f16: the large projection
// and embedding matrices. Everything else stays f32.
var DefaultWide16 = []string{"embedding", "lm_head", "in_proj", "out_proj", "x_proj"}

type Options struct {
	// StripPrefix is removed from the front of every key.
	StripPrefix string
	// Wide16 lists key fragments written as f16.
	Wide16 []string
	// Workers bounds tensors converted at once. Zero uses GOMAXPROCS.
	Workers int
	Log     logger.Logger
}

func DefaultOptions() Options {
	return Options{StripPrefix: DefaultPrefix, Wide16: DefaultWide16}
}

type Report struct {
	Tensors int
	Bytes   uint64
	Config  bool // config.json copied alongside
}

// Convert writes every tensor of the checkpoint at src under dst. A
// config.json next to the checkpoint is copied too, so the output loads
// without a preset.
func Convert(ctx context.Context, src, dst string, opts Options) (Report, error) {
	if opts.Log == nil {
		opts.Log = logger.Discard()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	ckpt, err := OpenCheckpoint(src)
	if err != nil {
		return Report{}, err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return Report{}, err
	}
	log := opts.Log.With("src", src, "dst", dst)
	log.Info("converting checkpoint", "tensors", len(ckpt.Tensors))

	var written atomic.Uint64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, name := range ckpt.Names() {
		t := ckpt.Tensors[name]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			n, err := writeTensor(dst, t, opts)
			if err != nil {
				return err
			}
			written.Add(n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	rep := Report{Tensors: len(ckpt.Tensors), Bytes: written.Load()}
	rep.Config, err = copyConfig(ckpt.Dir, dst)
	if err != nil {
		return Report{}, err
	}
	log.Info("checkpoint converted", "tensors", rep.Tensors, "data_bytes", rep.Bytes, "config", rep.Config)
	return rep, nil
}

func writeTensor(dst string, t Tensor, opts Options) (uint64, error) {
	vals, err := t.Elements()
	if err != nil {
		return 0, err
	}
	key := strings.TrimPrefix(t.Name, opts.StripPrefix)
	meta := shard.Metadata{Key: key, Shape: t.Shape, Wide16: isWide16(key, opts.Wide16)}
	data := encode(vals, meta.Wide16)
	if _, err := shard.Create(dst, meta, data); err != nil {
		return 0, err
	}
	opts.Log.Debug("tensor written", "key", key, "shape", t.Shape, "dtype", t.DType, "is16bit", meta.Wide16)
	return uint64(len(data)), nil
}

func isWide16(key string, fragments []string) bool {
	for _, f := range fragments {
		if strings.Contains(key, f) {
			return true
		}
	}
	return false
}

func encode(vals []float32, wide16 bool) []byte {
	if wide16 {
		out := make([]byte, 2*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint16(out[i*2:], device.Float32ToFloat16(v))
		}
		return out
	}
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func copyConfig(srcDir, dst string) (bool, error) {
	in, err := os.Open(filepath.Join(srcDir, "config.json"))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(filepath.Join(dst, "config.json"))
	if err != nil {
		return false, err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return false, fmt.Errorf("copy config.json: %w", err)
	}
	return true, out.Close()
}
