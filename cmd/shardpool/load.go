package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/shardpool/internal/backend"
	"github.com/samcharles93/shardpool/internal/device"
	"github.com/samcharles93/shardpool/internal/logger"
	"github.com/samcharles93/shardpool/internal/modelspec"
	"github.com/samcharles93/shardpool/internal/shard"
	"github.com/samcharles93/shardpool/internal/statedict"
)

// session is a builder with every shard of one model directory included.
type session struct {
	log     logger.Logger
	dev     device.Device
	builder *statedict.Builder
	dir     string
	shards  int
}

func (s *session) Close() {
	if err := s.dev.Close(); err != nil {
		s.log.Warn("device close failed", "error", err)
	}
}

// openSession merges the config file into the flags, then resolves the model,
// its hyperparameters and the device, and includes every shard.
func openSession(c *cli.Command) (*session, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	applyConfig(c.IsSet, cfg)

	log, err := setupLogger()
	if err != nil {
		return nil, err
	}
	for _, f := range []struct {
		name string
		v    int64
	}{
		{"align", align},
		{"memory-limit", memoryLimit},
		{"batch", int64(batchSize)},
		{"read-concurrency", int64(readConcurrency)},
	} {
		if err := checkNonNegative(f.name, f.v); err != nil {
			return nil, err
		}
	}

	dir, err := resolveModelDir(modelPath, modelsPath, os.Stdin, os.Stderr)
	if err != nil {
		return nil, err
	}
	hyper, source, err := resolveHyperparams(dir, preset, hfConfigPath)
	if err != nil {
		return nil, err
	}
	spec, err := modelspec.ForArch(arch, hyper)
	if err != nil {
		return nil, err
	}
	log = log.With("model_dir", dir)
	log.Info("hyperparameters resolved", "source", source,
		"d_model", hyper.ModelDim, "layers", hyper.Layers, "vocab", hyper.VocabSize, "dt_rank", hyper.DTRank)

	paths, err := shard.Discover(dir)
	if err != nil {
		return nil, err
	}

	dev, err := backend.Open(backendName, backend.Options{
		Align:       uint64(align),
		MemoryLimit: uint64(memoryLimit),
		Ordinal:     ordinal,
	})
	if err != nil {
		return nil, err
	}
	log.Info("device opened", "device", dev.Name(), "available", backend.Available())

	b, err := statedict.NewBuilder(spec, dev,
		statedict.WithLogger(log),
		statedict.WithBatchSize(batchSize),
		statedict.WithReadConcurrency(readConcurrency),
	)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	for _, p := range paths {
		if err := b.Include(p); err != nil {
			_ = dev.Close()
			return nil, err
		}
	}
	filled, expected := b.Included()
	log.Info("shards included", "shards", len(paths), "filled", filled, "expected", expected)

	return &session{log: log, dev: dev, builder: b, dir: dir, shards: len(paths)}, nil
}

func loadCmd() *cli.Command {
	var showParams bool
	return &cli.Command{
		Name:  "load",
		Usage: "Validate a converted model and load it into one device pool",
		Flags: flagSet(
			commonModelFlags(),
			deviceFlags(),
			loaderFlags(),
			loggingFlags(),
			[]cli.Flag{&cli.BoolFlag{Name: "params", Usage: "list every loaded parameter", Destination: &showParams}},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			s, err := openSession(c)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer s.Close()

			start := time.Now()
			st, err := s.builder.Build(ctx)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load %s: %v", s.dir, err), 1)
			}
			defer st.Release()

			fmt.Printf("Loaded %s in %s\n", s.dir, time.Since(start).Round(time.Millisecond))
			fmt.Printf("  load id: %s\n", st.ID())
			fmt.Printf("  %s\n", st.Summary())
			if showParams {
				printState(os.Stdout, st)
			}
			return nil
		},
	}
}

func planCmd() *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "Validate a converted model and print its pool layout without allocating",
		Flags: flagSet(commonModelFlags(), deviceFlags(), loggingFlags()),
		Action: func(_ context.Context, c *cli.Command) error {
			s, err := openSession(c)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer s.Close()

			p, err := s.builder.Plan()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: plan %s: %v", s.dir, err), 1)
			}
			printPlan(c.Root().Writer, p)
			return nil
		},
	}
}

func printPlan(w io.Writer, p *statedict.Plan) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "OFFSET\tBYTES\tRESERVED\tLAYER\tNAME\tKEY")
	for _, s := range p.Slots {
		layer := "-"
		if s.Layer >= 0 {
			layer = fmt.Sprint(s.Layer)
		}
		_, _ = fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\t%s\n",
			s.Offset, s.Desc.ByteSize, s.AlignedSize, layer, s.Entry.Name, s.Desc.Meta.Key)
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(w, "\n%d slots, pool %s, data %s\n",
		len(p.Slots), formatBytes(p.Total), formatBytes(p.DataBytes()))
}

func printState(w io.Writer, st *statedict.State) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "LAYER\tNAME\tSHAPE\tOFFSET\tBYTES")
	row := func(layer string, p statedict.Parameter) {
		r := p.Binding()
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%v\t%d\t%d\n", layer, p.Name, p.Shape, r.Offset, r.Size)
	}
	for _, name := range st.BaseNames() {
		p, _ := st.Base(name)
		row("-", p)
	}
	for i := range st.LayerCount() {
		for _, name := range st.LayerNames(i) {
			p, _ := st.Layer(i, name)
			row(fmt.Sprint(i), p)
		}
	}
	_ = tw.Flush()
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
