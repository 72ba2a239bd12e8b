package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"

	"github.com/eunmann/ctvol/pkg/binning"
	"github.com/eunmann/ctvol/pkg/membudget"
	"github.com/eunmann/ctvol/pkg/volume"
)

func mapLookup(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.StorageMode() != membudget.ModeAuto {
		t.Errorf("StorageMode = %v", cfg.StorageMode())
	}
	if cfg.VolumeOptions().Mode != volume.Strict {
		t.Errorf("access = %v", cfg.VolumeOptions().Mode)
	}
	if cfg.Rounding() != binning.Truncate {
		t.Errorf("rounding = %v", cfg.Rounding())
	}
	if cfg.PartSizeBytes() != 16<<20 {
		t.Errorf("part size = %d", cfg.PartSizeBytes())
	}
}

func TestLoadFileMissing(t *testing.T) {
	cfg := Default()
	if err := cfg.LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}
	if cfg.Storage.ChunkDim != 128 {
		t.Error("defaults changed by missing file")
	}
}

func TestLoadFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctvol.yaml")
	data := `
storage:
  mode: mapped
  chunkDim: 64
binning:
  rounding: nearest
logging:
  human: true
`
	os.WriteFile(path, []byte(data), 0o644)

	cfg := Default()
	if err := cfg.LoadFile(path); err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Mode != "mapped" || cfg.Storage.ChunkDim != 64 {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Storage.Access != "strict" {
		t.Errorf("unset field lost its default: access = %q", cfg.Storage.Access)
	}
	if cfg.Rounding() != binning.RoundNearest || !cfg.Logging.Human {
		t.Errorf("binning/logging not applied: %+v %+v", cfg.Binning, cfg.Logging)
	}
	if cfg.Binning.Factor != 2 {
		t.Errorf("factor = %d, want default 2", cfg.Binning.Factor)
	}
}

func TestLoadFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("storage: [unclosed"), 0o644)
	if err := Default().LoadFile(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(mapLookup(map[string]string{
		"CTVOL_STORAGE_MODE":  "memory",
		"CTVOL_ACCESS":        "lenient",
		"CTVOL_CHUNK_DIM":     "32",
		"CTVOL_BIN_FACTOR":    "4",
		"CTVOL_DEBUG":         "true",
		"CTVOL_MEMORY_BUDGET": " 2GiB ",
		"CTVOL_REGION":        "",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Mode != "memory" || cfg.Storage.ChunkDim != 32 || cfg.Storage.MemoryBudget != "2GiB" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.VolumeOptions().Mode != volume.Lenient {
		t.Errorf("access = %v", cfg.VolumeOptions().Mode)
	}
	if cfg.Binning.Factor != 4 || !cfg.Logging.Debug {
		t.Errorf("binning %+v logging %+v", cfg.Binning, cfg.Logging)
	}
	if b := cfg.Budget(); b.Total() != 2<<30 || b.Source() != membudget.BudgetSourceConfig {
		t.Errorf("budget = %d from %s", b.Total(), b.Source())
	}
}

func TestApplyEnvBadValue(t *testing.T) {
	err := Default().ApplyEnv(mapLookup(map[string]string{"CTVOL_WORKERS": "many"}))
	if err == nil || !strings.Contains(err.Error(), "CTVOL_WORKERS") {
		t.Errorf("got %v, want error naming CTVOL_WORKERS", err)
	}
}

func TestFlagsOverride(t *testing.T) {
	cfg := Default()
	cfg.Storage.Mode = "mapped"

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.AddFlags(fs)
	cfg.AddBinningFlags(fs)
	cfg.AddRemoteFlags(fs)
	if err := fs.Parse([]string{"--factor", "3", "--access", "lenient", "--concurrency=2"}); err != nil {
		t.Fatal(err)
	}
	if cfg.Binning.Factor != 3 || cfg.Storage.Access != "lenient" || cfg.Remote.Concurrency != 2 {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if cfg.Storage.Mode != "mapped" {
		t.Errorf("unpassed flag reset earlier layer: mode = %q", cfg.Storage.Mode)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Storage.Mode = "disk"
	cfg.Storage.ChunkDim = 0
	cfg.Binning.Factor = 1
	cfg.Binning.Rounding = "ceil"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"storage mode", "chunkDim", "factor", "rounding"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctvol.yaml")
	cfg := Default()
	cfg.Storage.MemoryBudget = "512MiB"
	cfg.Remote.Region = "eu-west-1"
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded := &Config{}
	if err := loaded.LoadFile(path); err != nil {
		t.Fatal(err)
	}
	if *loaded != *cfg {
		t.Errorf("loaded %+v, want %+v", loaded, cfg)
	}
}
