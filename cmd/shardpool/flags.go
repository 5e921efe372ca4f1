package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/shardpool/internal/logger"
	"github.com/samcharles93/shardpool/internal/statedict"
)

var (
	modelPath       string
	modelsPath      string
	arch            string
	preset          string
	hfConfigPath    string
	backendName     string
	align           int64
	memoryLimit     int64
	ordinal         int
	batchSize       int
	readConcurrency int
	logLevel        string
	logFormat       string
	debug           bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "converted model directory (one subdirectory per tensor)",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "models-path",
			Aliases:     []string{"path"},
			Usage:       "directory containing converted models",
			Destination: &modelsPath,
		},
		&cli.StringFlag{
			Name:        "arch",
			Usage:       "architecture table to validate against",
			Value:       "mamba",
			Destination: &arch,
		},
		&cli.StringFlag{
			Name:        "preset",
			Usage:       "use published hyperparameters instead of config.json (e.g. mamba-130m)",
			Destination: &preset,
		},
		&cli.StringFlag{
			Name:        "hf-config",
			Usage:       "override path to config.json (default <model>/config.json)",
			Destination: &hfConfigPath,
		},
	}
}

func deviceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "device backend (auto, host, cuda, webgpu)",
			Value:       "auto",
			Destination: &backendName,
		},
		&cli.Int64Flag{
			Name:        "align",
			Usage:       "host offset alignment in bytes, a power of two (0 = device default)",
			Destination: &align,
		},
		&cli.Int64Flag{
			Name:        "memory-limit",
			Usage:       "cap host allocations at this many bytes (0 = unlimited)",
			Destination: &memoryLimit,
		},
		&cli.IntFlag{
			Name:        "device",
			Usage:       "cuda device ordinal",
			Destination: &ordinal,
		},
	}
}

func loaderFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "batch",
			Usage:       "copies per device submission (0 = one submission)",
			Destination: &batchSize,
		},
		&cli.IntFlag{
			Name:        "read-concurrency",
			Usage:       "shards read from disk in parallel",
			Value:       statedict.DefaultReadConcurrency,
			Destination: &readConcurrency,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func flagSet(groups ...[]cli.Flag) []cli.Flag {
	var out []cli.Flag
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func setupLogger() (logger.Logger, error) {
	level := slog.LevelDebug
	if !debug {
		var err error
		if level, err = logger.ParseLevel(logLevel); err != nil {
			return nil, err
		}
	}
	format, err := logger.ParseFormat(logFormat)
	if err != nil {
		return nil, err
	}
	return logger.Open(os.Stderr, format, level), nil
}

func checkNonNegative(name string, v int64) error {
	if v < 0 {
		return fmt.Errorf("--%s must be >= 0, got %d", name, v)
	}
	return nil
}
