package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/shardpool/internal/shard"
)

type inspectResult struct {
	shards   []*shard.Descriptor
	problems []error
	bytes    uint64
}

func inspectCmd() *cli.Command {
	var (
		filter string
		limit  int
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "List the tensor shards of a converted model",
		Flags: flagSet(
			commonModelFlags()[:2],
			[]cli.Flag{
				&cli.StringFlag{Name: "filter", Usage: "substring filter on shard keys", Destination: &filter},
				&cli.IntFlag{Name: "limit", Usage: "limit the listing (0 = no limit)", Destination: &limit},
			},
		),
		Action: func(_ context.Context, c *cli.Command) error {
			cfg, err := LoadConfig()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			applyConfig(c.IsSet, cfg)

			dir, err := resolveModelDir(modelPath, modelsPath, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			res, err := inspectModel(dir, filter)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			w := c.Root().Writer
			_, _ = fmt.Fprintf(w, "Shards: %s\n", dir)
			printShards(w, res, limit)
			if len(res.problems) > 0 {
				return cli.Exit(fmt.Sprintf("error: %d invalid shards", len(res.problems)), 1)
			}
			return nil
		},
	}
}

// inspectModel opens every shard under dir whose key contains filter. Invalid
// shards are collected rather than stopping the listing.
func inspectModel(dir, filter string) (*inspectResult, error) {
	paths, err := shard.Discover(dir)
	if err != nil {
		return nil, err
	}
	res := &inspectResult{}
	for _, p := range paths {
		d, err := shard.Open(p)
		if err != nil {
			res.problems = append(res.problems, err)
			continue
		}
		if filter != "" && !strings.Contains(d.Meta.Key, filter) {
			continue
		}
		res.shards = append(res.shards, d)
		res.bytes += d.ByteSize
	}
	return res, nil
}

func printShards(w io.Writer, res *inspectResult, limit int) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "KEY\tSHAPE\tSTRIDE\tBYTES\tLAYER")
	for i, d := range res.shards {
		if limit > 0 && i >= limit {
			_, _ = fmt.Fprintf(tw, "... %d more\t\t\t\t\n", len(res.shards)-limit)
			break
		}
		layer := "-"
		if d.HasLayer {
			layer = fmt.Sprint(d.Layer)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%v\t%d\t%d\t%s\n", d.Meta.Key, d.Meta.Shape, d.Meta.Stride(), d.ByteSize, layer)
	}
	_ = tw.Flush()

	_, _ = fmt.Fprintf(w, "\n%d shards, %s\n", len(res.shards), formatBytes(res.bytes))
	for _, err := range res.problems {
		_, _ = fmt.Fprintf(w, "invalid: %v\n", err)
	}
}
