package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/shardpool/internal/convert"
)

func convertCmd() *cli.Command {
	var (
		inPath  string
		outPath string
		prefix  string
		workers int
	)

	return &cli.Command{
		Name:  "convert",
		Usage: "Explode a safetensors checkpoint into one shard directory per tensor",
		Flags: flagSet(
			[]cli.Flag{
				&cli.StringFlag{
					Name:        "in",
					Aliases:     []string{"i"},
					Usage:       "model.safetensors file or checkpoint directory",
					Destination: &inPath,
					Required:    true,
				},
				&cli.StringFlag{
					Name:        "out",
					Aliases:     []string{"o"},
					Usage:       "output directory (default <models-path>/<name> or ./converted/<name>)",
					Destination: &outPath,
				},
				&cli.StringFlag{
					Name:        "models-path",
					Aliases:     []string{"path"},
					Usage:       "directory converted models are written under",
					Destination: &modelsPath,
				},
				&cli.StringFlag{
					Name:        "strip-prefix",
					Usage:       "prefix removed from every tensor key",
					Value:       convert.DefaultPrefix,
					Destination: &prefix,
				},
				&cli.IntFlag{
					Name:        "workers",
					Usage:       "tensors converted in parallel (0 = GOMAXPROCS)",
					Destination: &workers,
				},
			},
			loggingFlags(),
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := LoadConfig()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			applyConfig(c.IsSet, cfg)

			log, err := setupLogger()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			out, defaulted, err := resolveConvertOut(inPath, outPath, modelsPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if defaulted {
				_, _ = fmt.Fprintf(os.Stderr, "convert: writing to %s\n", out)
			}

			opts := convert.DefaultOptions()
			opts.StripPrefix = prefix
			opts.Workers = workers
			opts.Log = log

			start := time.Now()
			rep, err := convert.Convert(ctx, inPath, out, opts)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: convert %s: %v", inPath, err), 1)
			}
			fmt.Printf("Converted %d tensors (%s) to %s in %s\n",
				rep.Tensors, formatBytes(rep.Bytes), out, time.Since(start).Round(time.Millisecond))
			if !rep.Config {
				fmt.Println("  no config.json found; load with --preset or --hf-config")
			}
			return nil
		},
	}
}
