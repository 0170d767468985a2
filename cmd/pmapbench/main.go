// pmapbench drives benchmark and crash-consistency workloads against
// a mapped hash map directory.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"github.com/urfave/cli/v3"

	"github.com/ucf-cs/pmap"
	"github.com/ucf-cs/pmap/logger"
	"github.com/ucf-cs/pmap/workload"
)

func main() {
	cmd := &cli.Command{
		Name:  "pmapbench",
		Usage: "benchmark and recovery harness for the persistent hash map",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "zerolog level (trace, debug, info, warn, error)",
				Value: "info",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "emit JSON logs instead of console output",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			viper.Set("json", cmd.Bool("json"))
			logger.SetLevel(cmd.String("log-level"))
			return logger.With(ctx, *logger.Default()), nil
		},
		Commands: []*cli.Command{
			runCommand(),
			recoverCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "dir",
			Aliases: []string{"f"},
			Usage:   "directory holding the generation files",
			Value:   "./pmap-data",
		},
		&cli.UintFlag{
			Name:    "threads",
			Aliases: []string{"t"},
			Usage:   "number of worker goroutines",
			Value:   8,
		},
		&cli.UintFlag{
			Name:    "ops",
			Aliases: []string{"n"},
			Usage:   "total number of operations across all workers",
			Value:   100000,
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "execute a workload driver",
		Flags: append(commonFlags(),
			&cli.StringFlag{
				Name:    "driver",
				Aliases: []string{"d"},
				Usage:   "workload driver (alternating, random, degree, reddit, ycsb)",
				Value:   "alternating",
			},
			&cli.UintFlag{
				Name:    "capacity",
				Aliases: []string{"c"},
				Usage:   "initial capacity exponent; the table starts at 2^capacity slots",
				Value:   16,
			},
			&cli.IntFlag{
				Name:  "seed",
				Usage: "base seed for the per-worker random streams",
				Value: 1,
			},
			&cli.DurationFlag{
				Name:  "crash-after",
				Usage: "kill the process this long after the start barrier (crash testing)",
			},
			&cli.BoolFlag{
				Name:  "fresh",
				Usage: "remove any existing generation files before the run",
			},
			&cli.StringSliceFlag{
				Name:  "edge-file",
				Usage: "edge-list shard for the degree driver; repeat once per worker",
			},
			&cli.StringFlag{
				Name:  "author-file",
				Usage: "pre-hashed author id file for the reddit driver",
			},
			&cli.StringFlag{
				Name:  "ycsb-load",
				Usage: "YCSB load trace",
			},
			&cli.StringFlag{
				Name:  "ycsb-run",
				Usage: "YCSB run trace",
			},
		),
		Action: runAction,
	}
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	dir := cmd.String("dir")
	if cmd.Bool("fresh") {
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
	}

	driver, err := pickDriver(cmd)
	if err != nil {
		return err
	}

	m, err := pmap.Open(pmap.Options{
		Dir:      dir,
		Capacity: uint64(1) << cmd.Uint("capacity"),
	})
	if err != nil {
		return err
	}
	defer m.Close()

	res, err := workload.Run(ctx, workload.NewMapContainer(m), driver, workload.Options{
		Threads:    int(cmd.Uint("threads")),
		Ops:        uint64(cmd.Uint("ops")),
		Seed:       int64(cmd.Int("seed")),
		CrashAfter: cmd.Duration("crash-after"),
	})
	if err != nil {
		return err
	}

	logger.From(ctx).Info().
		Str("run_id", res.RunID.String()).
		Str("driver", res.Driver).
		Uint64("size", res.Size).
		Dur("elapsed", res.Elapsed).
		Msg("done")
	return nil
}

func pickDriver(cmd *cli.Command) (workload.Driver, error) {
	switch name := cmd.String("driver"); name {
	case "alternating":
		return workload.Alternating{}, nil
	case "random":
		return workload.Random{}, nil
	case "degree":
		files := cmd.StringSlice("edge-file")
		if len(files) == 0 {
			return nil, fmt.Errorf("the degree driver needs at least one --edge-file")
		}
		return workload.Degree{Files: files, Report: true}, nil
	case "reddit":
		file := cmd.String("author-file")
		if file == "" {
			return nil, fmt.Errorf("the reddit driver needs --author-file")
		}
		return workload.Reddit{File: file, Report: true}, nil
	case "ycsb":
		load, run := cmd.String("ycsb-load"), cmd.String("ycsb-run")
		if load == "" || run == "" {
			return nil, fmt.Errorf("the ycsb driver needs --ycsb-load and --ycsb-run")
		}
		return &workload.YCSB{LoadFile: load, RunFile: run}, nil
	default:
		return nil, fmt.Errorf("unknown driver %q", name)
	}
}

func recoverCommand() *cli.Command {
	return &cli.Command{
		Name:  "recover",
		Usage: "reopen a map directory, finish any interrupted migration, and report",
		Flags: append(commonFlags(),
			&cli.BoolFlag{
				Name:  "check",
				Usage: "validate the surviving elements against the alternating pattern",
			},
		),
		Action: recoverAction,
	}
}

func recoverAction(ctx context.Context, cmd *cli.Command) error {
	log := logger.From(ctx)

	start := time.Now()
	m, err := pmap.Open(pmap.Options{Dir: cmd.String("dir")})
	if err != nil {
		return err
	}
	defer m.Close()

	log.Info().
		Dur("reopen", time.Since(start)).
		Uint64("size", m.Size()).
		Uint64("capacity", m.Capacity()).
		Msg("recovered")

	if cmd.Bool("check") {
		c := workload.NewMapContainer(m)
		if err := workload.CheckRecovered(c, int(cmd.Uint("threads")), uint64(cmd.Uint("ops"))); err != nil {
			return err
		}
		log.Info().Msg("recovery check complete")
	}
	return nil
}
