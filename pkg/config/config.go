// Package config loads ctvol settings. Values are layered: built-in
// defaults, then an optional YAML file, then CTVOL_* environment variables,
// then command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/eunmann/ctvol/pkg/binning"
	"github.com/eunmann/ctvol/pkg/membudget"
	"github.com/eunmann/ctvol/pkg/volume"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CTVOL_"

// Config is the full ctvol configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Binning BinningConfig `yaml:"binning"`
	Logging LoggingConfig `yaml:"logging"`
	Remote  RemoteConfig  `yaml:"remote"`
}

// StorageConfig controls where volumes live and how voxel errors surface.
type StorageConfig struct {
	// Mode is auto, memory or mapped.
	Mode string `yaml:"mode"`
	// Access is strict or lenient.
	Access string `yaml:"access"`
	// ChunkDim is the chunk edge for newly created volumes.
	ChunkDim int `yaml:"chunkDim"`
	// MemoryBudget caps in-memory volume payload, e.g. "8GiB". Empty means
	// half of system RAM.
	MemoryBudget string `yaml:"memoryBudget"`
}

// BinningConfig controls the binning engine.
type BinningConfig struct {
	Factor   int    `yaml:"factor"`
	Workers  int    `yaml:"workers"`
	Rounding string `yaml:"rounding"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
	Human bool `yaml:"human"`
}

// RemoteConfig controls S3 transfers.
type RemoteConfig struct {
	Region      string `yaml:"region"`
	Concurrency int    `yaml:"concurrency"`
	// PartSize is the multipart chunk size, e.g. "16MiB".
	PartSize string `yaml:"partSize"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Mode:     string(membudget.ModeAuto),
			Access:   volume.Strict.String(),
			ChunkDim: 128,
		},
		Binning: BinningConfig{
			Factor:   2,
			Workers:  runtime.NumCPU(),
			Rounding: binning.Truncate.String(),
		},
		Remote: RemoteConfig{
			Concurrency: 8,
			PartSize:    "16MiB",
		},
	}
}

// LoadFile overlays the YAML file at path onto cfg. A missing file leaves
// cfg unchanged.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// envBinding maps one CTVOL_* variable onto a field.
type envBinding struct {
	name string
	set  func(c *Config, v string) error
}

func envString(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func envInt(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func envBool(dst func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

var envBindings = []envBinding{
	{"STORAGE_MODE", envString(func(c *Config) *string { return &c.Storage.Mode })},
	{"ACCESS", envString(func(c *Config) *string { return &c.Storage.Access })},
	{"CHUNK_DIM", envInt(func(c *Config) *int { return &c.Storage.ChunkDim })},
	{"MEMORY_BUDGET", envString(func(c *Config) *string { return &c.Storage.MemoryBudget })},
	{"BIN_FACTOR", envInt(func(c *Config) *int { return &c.Binning.Factor })},
	{"WORKERS", envInt(func(c *Config) *int { return &c.Binning.Workers })},
	{"ROUNDING", envString(func(c *Config) *string { return &c.Binning.Rounding })},
	{"DEBUG", envBool(func(c *Config) *bool { return &c.Logging.Debug })},
	{"HUMAN", envBool(func(c *Config) *bool { return &c.Logging.Human })},
	{"REGION", envString(func(c *Config) *string { return &c.Remote.Region })},
	{"CONCURRENCY", envInt(func(c *Config) *int { return &c.Remote.Concurrency })},
	{"PART_SIZE", envString(func(c *Config) *string { return &c.Remote.PartSize })},
}

// ApplyEnv overlays CTVOL_* variables found by lookup (os.LookupEnv in
// production).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := b.set(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, b.name, err)
		}
	}
	return nil
}

// AddFlags registers the storage and logging flags shared by every command.
// Flag defaults are the current values, so flags only override what the
// user actually passes.
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Storage.Mode, "storage", c.Storage.Mode, "volume storage: auto, memory or mapped")
	fs.StringVar(&c.Storage.Access, "access", c.Storage.Access, "voxel access errors: strict or lenient")
	fs.StringVar(&c.Storage.MemoryBudget, "memory-budget", c.Storage.MemoryBudget, "in-memory volume budget, e.g. 8GiB (default: half of RAM)")
	fs.BoolVar(&c.Logging.Debug, "debug", c.Logging.Debug, "enable debug logging")
	fs.BoolVar(&c.Logging.Human, "human", c.Logging.Human, "human-readable console logs")
}

// AddBinningFlags registers the binning flags.
func (c *Config) AddBinningFlags(fs *pflag.FlagSet) {
	fs.IntVar(&c.Binning.Factor, "factor", c.Binning.Factor, "binning factor (>= 2)")
	fs.IntVar(&c.Binning.Workers, "workers", c.Binning.Workers, "parallel slice workers")
	fs.StringVar(&c.Binning.Rounding, "rounding", c.Binning.Rounding, "box mean reduction: truncate or nearest")
}

// AddRemoteFlags registers the S3 transfer flags.
func (c *Config) AddRemoteFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Remote.Region, "region", c.Remote.Region, "AWS region (default: from AWS config)")
	fs.IntVar(&c.Remote.Concurrency, "concurrency", c.Remote.Concurrency, "parallel S3 transfers")
	fs.StringVar(&c.Remote.PartSize, "part-size", c.Remote.PartSize, "multipart part size, e.g. 16MiB")
}

// Validate checks every field and returns all problems at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := membudget.ParseMode(c.Storage.Mode); err != nil {
		errs = append(errs, err)
	}
	if _, err := volume.ParseAccessMode(c.Storage.Access); err != nil {
		errs = append(errs, err)
	}
	if c.Storage.ChunkDim < 1 || c.Storage.ChunkDim > volume.MaxChunkDim {
		errs = append(errs, fmt.Errorf("chunkDim %d not in [1, %d]", c.Storage.ChunkDim, volume.MaxChunkDim))
	}
	if c.Storage.MemoryBudget != "" {
		if _, err := membudget.ParseSize(c.Storage.MemoryBudget); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Binning.Factor < 2 {
		errs = append(errs, fmt.Errorf("binning factor %d must be at least 2", c.Binning.Factor))
	}
	if c.Binning.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers %d must not be negative", c.Binning.Workers))
	}
	if _, err := binning.ParseRounding(c.Binning.Rounding); err != nil {
		errs = append(errs, err)
	}
	if c.Remote.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("remote concurrency %d must be at least 1", c.Remote.Concurrency))
	}
	if _, err := membudget.ParseSize(c.Remote.PartSize); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// VolumeOptions returns the volume options for the configured access mode.
func (c *Config) VolumeOptions() volume.Options {
	mode, _ := volume.ParseAccessMode(c.Storage.Access)
	return volume.Options{Mode: mode, Workers: c.Binning.Workers}
}

// StorageMode returns the parsed storage mode.
func (c *Config) StorageMode() membudget.Mode {
	m, _ := membudget.ParseMode(c.Storage.Mode)
	return m
}

// Budget builds the memory budget.
func (c *Config) Budget() *membudget.Budget {
	if c.Storage.MemoryBudget == "" {
		return membudget.NewFromSystemRAM()
	}
	n, err := membudget.ParseSize(c.Storage.MemoryBudget)
	if err != nil {
		return membudget.NewFromSystemRAM()
	}
	return membudget.New(membudget.Config{TotalBytes: n, Source: membudget.BudgetSourceConfig})
}

// Rounding returns the parsed binning rounding.
func (c *Config) Rounding() binning.Rounding {
	r, _ := binning.ParseRounding(c.Binning.Rounding)
	return r
}

// PartSizeBytes returns the parsed remote part size.
func (c *Config) PartSizeBytes() int64 {
	n, _ := membudget.ParseSize(c.Remote.PartSize)
	return int64(n)
}

// Save writes cfg as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
