// Package cli implements the command-line interface for ctvol.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/eunmann/ctvol/pkg/config"
	"github.com/eunmann/ctvol/pkg/dataset"
	"github.com/eunmann/ctvol/pkg/logging"
	"github.com/eunmann/ctvol/pkg/membudget"
	"github.com/eunmann/ctvol/pkg/memdiag"
	"github.com/eunmann/ctvol/pkg/s3fetch"
	"github.com/eunmann/ctvol/pkg/volstats"
)

const usage = `usage: ctvol <command> [options]
commands:
  import   build a dataset from a folder of numbered image slices
  bin      bin a dataset in place by an integer factor
  info     describe a dataset
  stats    write per-slice statistics as Parquet
  fetch    download a dataset from S3
  push     upload a dataset to S3
  config   write the effective configuration as YAML`

// Run executes the CLI with the given arguments, writing command output to
// stdout.
func Run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}

	switch args[0] {
	case "import":
		return runImport(ctx, args[1:], stdout)
	case "bin":
		return runBin(ctx, args[1:], stdout)
	case "info":
		return runInfo(args[1:], stdout)
	case "stats":
		return runStats(ctx, args[1:], stdout)
	case "fetch":
		return runFetch(ctx, args[1:], stdout)
	case "push":
		return runPush(ctx, args[1:], stdout)
	case "config":
		return runConfig(args[1:], stdout)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\n%s", args[0], usage)
	}
}

// parseFlags layers configuration for one command: defaults, the YAML file
// named by --config, CTVOL_* variables, then flags. bind registers the
// command's flags against cfg and its own options o.
//
// The flags are parsed twice. The first pass only finds --config and
// reports bad flags; the second binds to the loaded config, so a flag
// overrides the file and environment only when it is passed.
func parseFlags[T any](name string, args []string, bind func(fs *pflag.FlagSet, cfg *config.Config, o *T)) (*config.Config, *T, error) {
	var configPath string
	probe := pflag.NewFlagSet(name, pflag.ContinueOnError)
	probe.SetOutput(io.Discard)
	probe.StringVar(&configPath, "config", "", "YAML config file")
	bind(probe, config.Default(), new(T))
	if err := probe.Parse(args); err != nil {
		return nil, nil, err
	}

	cfg := config.Default()
	if err := cfg.LoadFile(configPath); err != nil {
		return nil, nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, nil, err
	}

	o := new(T)
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "YAML config file")
	bind(fs, cfg, o)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logging.Init(cfg.Logging.Debug, cfg.Logging.Human)
	return cfg, o, nil
}

func datasetOptions(cfg *config.Config) dataset.Options {
	return dataset.Options{
		Storage:  cfg.StorageMode(),
		Budget:   cfg.Budget(),
		Volume:   cfg.VolumeOptions(),
		Workers:  cfg.Binning.Workers,
		Rounding: cfg.Rounding(),
	}
}

// trackMemory logs heap usage against budget while a command runs, when
// debug logging is on. The returned func stops it.
func trackMemory(cfg *config.Config, budget *membudget.Budget, phase string) func() {
	tr := memdiag.NewTracker(memdiag.Config{Enabled: cfg.Logging.Debug, Budget: budget})
	tr.Start()
	tr.SetPhase(phase)
	return tr.Stop
}

type importOpts struct {
	folder    string
	out       string
	pixelSize float64
	bin       int
}

func runImport(ctx context.Context, args []string, stdout io.Writer) error {
	cfg, o, err := parseFlags("import", args, func(fs *pflag.FlagSet, cfg *config.Config, o *importOpts) {
		cfg.AddFlags(fs)
		fs.IntVar(&cfg.Binning.Workers, "workers", cfg.Binning.Workers, "parallel slice workers")
		fs.IntVar(&cfg.Storage.ChunkDim, "chunk-dim", cfg.Storage.ChunkDim, "chunk edge of the new volume")
		fs.StringVar(&o.folder, "folder", "", "folder of numbered image slices")
		fs.StringVar(&o.out, "out", "", "output dataset directory")
		fs.Float64Var(&o.pixelSize, "pixel-size", 1, "pixel size stored in the volume header")
		fs.IntVar(&o.bin, "bin", 0, "bin the imported dataset by this factor (0: keep resolution)")
	})
	if err != nil {
		return err
	}
	if o.folder == "" {
		return errors.New("--folder is required")
	}
	if o.out == "" {
		return errors.New("--out is required")
	}
	if o.bin == 1 || o.bin < 0 {
		return fmt.Errorf("--bin %d: want 0 or a factor of at least 2", o.bin)
	}

	opts := datasetOptions(cfg)
	opts.PixelSize = o.pixelSize
	defer trackMemory(cfg, opts.Budget, "import")()
	res, err := dataset.Import(ctx, o.folder, o.out, cfg.Storage.ChunkDim, o.bin, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "imported %d slices into %s (%s)\n", res.Slices, o.out, res.Imported)
	if res.Binning != nil {
		fmt.Fprintf(stdout, "binned %dx: %s -> %s\n", res.Binning.Factor, res.Binning.Before, res.Binning.After)
	}
	return nil
}

type binOpts struct {
	dir       string
	pixelSize float64
}

func runBin(ctx context.Context, args []string, stdout io.Writer) error {
	cfg, o, err := parseFlags("bin", args, func(fs *pflag.FlagSet, cfg *config.Config, o *binOpts) {
		cfg.AddFlags(fs)
		cfg.AddBinningFlags(fs)
		fs.StringVar(&o.dir, "dataset", "", "dataset directory")
		fs.Float64Var(&o.pixelSize, "pixel-size", 0, "base pixel size before scaling (default: from the volume)")
	})
	if err != nil {
		return err
	}
	if o.dir == "" {
		return errors.New("--dataset is required")
	}

	opts := datasetOptions(cfg)
	opts.PixelSize = o.pixelSize
	defer trackMemory(cfg, opts.Budget, "bin")()
	res, err := dataset.Bin(ctx, o.dir, cfg.Binning.Factor, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "binned %dx: %s -> %s, pixel size %g\n", res.Factor, res.Before, res.After, res.PixelSize)
	return nil
}

type infoOpts struct {
	dir    string
	verify bool
}

func runInfo(args []string, stdout io.Writer) error {
	cfg, o, err := parseFlags("info", args, func(fs *pflag.FlagSet, cfg *config.Config, o *infoOpts) {
		cfg.AddFlags(fs)
		fs.StringVar(&o.dir, "dataset", "", "dataset directory")
		fs.BoolVar(&o.verify, "verify", false, "check files against manifest.json")
	})
	if err != nil {
		return err
	}
	if o.dir == "" {
		return errors.New("--dataset is required")
	}

	ds, err := dataset.Open(o.dir, datasetOptions(cfg))
	if err != nil {
		return err
	}
	defer ds.Close()

	v := ds.Volume
	d := v.Descriptor()
	fmt.Fprintf(stdout, "volume:     %dx%dx%d\n", d.Width, d.Height, d.Depth)
	fmt.Fprintf(stdout, "chunks:     %d (%dx%dx%d of %d³)\n", d.TotalChunks(), d.ChunkCountX(), d.ChunkCountY(), d.ChunkCountZ(), d.ChunkDim)
	fmt.Fprintf(stdout, "pixel size: %g\n", v.PixelSize())
	fmt.Fprintf(stdout, "payload:    %s\n", membudget.FormatBytes(uint64(d.PayloadBytes())))
	fmt.Fprintf(stdout, "storage:    %s\n", v.Storage())

	if ds.Labels == nil {
		fmt.Fprintln(stdout, "labels:     none")
	} else {
		counts, err := ds.Labels.Counts()
		if err != nil {
			return fmt.Errorf("count labels: %w", err)
		}
		var used int
		for id := 1; id < len(counts); id++ {
			if counts[id] > 0 {
				used++
			}
		}
		fmt.Fprintf(stdout, "labels:     %d materials, %d background voxels\n", used, counts[0])
	}

	if o.verify {
		if _, err := dataset.Verify(o.dir); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "manifest:   ok")
	}
	return nil
}

type statsOpts struct {
	dir string
	out string
}

func runStats(ctx context.Context, args []string, stdout io.Writer) error {
	cfg, o, err := parseFlags("stats", args, func(fs *pflag.FlagSet, cfg *config.Config, o *statsOpts) {
		cfg.AddFlags(fs)
		fs.IntVar(&cfg.Binning.Workers, "workers", cfg.Binning.Workers, "parallel slice workers")
		fs.StringVar(&o.dir, "dataset", "", "dataset directory")
		fs.StringVar(&o.out, "out", "", "Parquet output (default: <dataset>/stats.parquet)")
	})
	if err != nil {
		return err
	}
	if o.dir == "" {
		return errors.New("--dataset is required")
	}
	if o.out == "" {
		o.out = filepath.Join(o.dir, "stats.parquet")
	}

	opts := datasetOptions(cfg)
	defer trackMemory(cfg, opts.Budget, "stats")()
	ds, err := dataset.Open(o.dir, opts)
	if err != nil {
		return err
	}
	defer ds.Close()

	rows, err := volstats.Compute(ctx, ds.Volume, cfg.Binning.Workers)
	if err != nil {
		return err
	}
	if err := volstats.WriteFile(o.out, rows); err != nil {
		return err
	}
	sum := volstats.Summarize(rows)
	fmt.Fprintf(stdout, "slices %d, range [%d, %d], mean %.2f, non-zero %d of %d\n",
		sum.Slices, sum.Min, sum.Max, sum.Mean, sum.NonZero, sum.Voxels)
	fmt.Fprintf(stdout, "wrote %s\n", o.out)
	return nil
}

type remoteOpts struct {
	uri string
	dir string
}

func newFetcher(ctx context.Context, cfg *config.Config) (*s3fetch.Fetcher, error) {
	client, err := s3fetch.NewClient(ctx, cfg.Remote.Region, s3fetch.TransferConfig{
		Concurrency: cfg.Remote.Concurrency,
		PartSize:    cfg.PartSizeBytes(),
	})
	if err != nil {
		return nil, err
	}
	return s3fetch.NewFetcher(client), nil
}

func runFetch(ctx context.Context, args []string, stdout io.Writer) error {
	cfg, o, err := parseFlags("fetch", args, func(fs *pflag.FlagSet, cfg *config.Config, o *remoteOpts) {
		cfg.AddFlags(fs)
		cfg.AddRemoteFlags(fs)
		fs.StringVar(&o.uri, "uri", "", "remote dataset, s3://bucket/prefix")
		fs.StringVar(&o.dir, "out", "", "local dataset directory")
	})
	if err != nil {
		return err
	}
	if o.uri == "" {
		return errors.New("--uri is required")
	}
	if o.dir == "" {
		return errors.New("--out is required")
	}

	f, err := newFetcher(ctx, cfg)
	if err != nil {
		return err
	}
	res, err := f.Fetch(ctx, o.uri, o.dir)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "fetched %d files (%s) into %s\n", len(res.Files), membudget.FormatBytes(uint64(res.Bytes)), o.dir)
	for _, name := range res.Skipped {
		fmt.Fprintf(stdout, "  not present remotely: %s\n", name)
	}
	return nil
}

func runPush(ctx context.Context, args []string, stdout io.Writer) error {
	cfg, o, err := parseFlags("push", args, func(fs *pflag.FlagSet, cfg *config.Config, o *remoteOpts) {
		cfg.AddFlags(fs)
		cfg.AddRemoteFlags(fs)
		fs.StringVar(&o.dir, "dataset", "", "local dataset directory")
		fs.StringVar(&o.uri, "uri", "", "remote dataset, s3://bucket/prefix")
	})
	if err != nil {
		return err
	}
	if o.dir == "" {
		return errors.New("--dataset is required")
	}
	if o.uri == "" {
		return errors.New("--uri is required")
	}

	f, err := newFetcher(ctx, cfg)
	if err != nil {
		return err
	}
	res, err := f.Push(ctx, o.dir, o.uri)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "pushed %d files (%s) to %s\n", len(res.Files), membudget.FormatBytes(uint64(res.Bytes)), o.uri)
	return nil
}

type configOpts struct {
	out string
}

func runConfig(args []string, stdout io.Writer) error {
	cfg, o, err := parseFlags("config", args, func(fs *pflag.FlagSet, cfg *config.Config, o *configOpts) {
		cfg.AddFlags(fs)
		cfg.AddBinningFlags(fs)
		cfg.AddRemoteFlags(fs)
		fs.IntVar(&cfg.Storage.ChunkDim, "chunk-dim", cfg.Storage.ChunkDim, "chunk edge of new volumes")
		fs.StringVar(&o.out, "out", "", "file to write")
	})
	if err != nil {
		return err
	}
	if o.out == "" {
		return errors.New("--out is required")
	}
	if err := cfg.Save(o.out); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s\n", o.out)
	return nil
}
