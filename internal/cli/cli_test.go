package cli

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eunmann/ctvol/pkg/config"
	"github.com/eunmann/ctvol/pkg/volstats"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := Run(context.Background(), args, &out)
	return out.String(), err
}

func TestRunNoArgs(t *testing.T) {
	_, err := run(t)
	if err == nil {
		t.Fatal("expected error with no args")
	}
	if !strings.Contains(err.Error(), "usage") {
		t.Errorf("expected usage message, got: %v", err)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	_, err := run(t, "unknown")
	if err == nil {
		t.Fatal("expected error with unknown command")
	}
	if !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("expected 'unknown command' error, got: %v", err)
	}
}

func TestRunHelp(t *testing.T) {
	out, err := run(t, "help")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "import") || !strings.Contains(out, "fetch") {
		t.Errorf("help output = %q", out)
	}
}

func TestRequiredFlags(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"import", "--out", "/out"}, "--folder"},
		{[]string{"import", "--folder", "/in"}, "--out"},
		{[]string{"import", "--folder", "/in", "--out", "/out", "--bin", "1"}, "--bin"},
		{[]string{"bin"}, "--dataset"},
		{[]string{"info"}, "--dataset"},
		{[]string{"stats"}, "--dataset"},
		{[]string{"fetch", "--out", "/out"}, "--uri"},
		{[]string{"fetch", "--uri", "s3://b/p"}, "--out"},
		{[]string{"push", "--uri", "s3://b/p"}, "--dataset"},
		{[]string{"push", "--dataset", "/ds"}, "--uri"},
		{[]string{"config"}, "--out"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			_, err := run(t, tt.args...)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q in error, got: %v", tt.want, err)
			}
		})
	}
}

func TestUnknownFlag(t *testing.T) {
	if _, err := run(t, "bin", "--no-such-flag"); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestInvalidConfiguration(t *testing.T) {
	_, err := run(t, "bin", "--dataset", t.TempDir(), "--storage", "tape")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("err = %v", err)
	}
}

func TestConfigLayering(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "ctvol.yaml")
	yaml := "storage:\n  mode: mapped\n  chunkDim: 64\nbinning:\n  factor: 3\n  rounding: nearest\n"
	if err := os.WriteFile(file, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CTVOL_BIN_FACTOR", "4")
	t.Setenv("CTVOL_CHUNK_DIM", "32")

	out := filepath.Join(dir, "effective.yaml")
	if _, err := run(t, "config", "--config", file, "--chunk-dim", "16", "--out", out); err != nil {
		t.Fatalf("config: %v", err)
	}

	got := config.Default()
	if err := got.LoadFile(out); err != nil {
		t.Fatal(err)
	}
	if got.Storage.Mode != "mapped" {
		t.Errorf("mode = %q, want mapped from file", got.Storage.Mode)
	}
	if got.Binning.Rounding != "nearest" {
		t.Errorf("rounding = %q, want nearest from file", got.Binning.Rounding)
	}
	if got.Binning.Factor != 4 {
		t.Errorf("factor = %d, want 4 from env", got.Binning.Factor)
	}
	if got.Storage.ChunkDim != 16 {
		t.Errorf("chunkDim = %d, want 16 from flag", got.Storage.ChunkDim)
	}
}

func writeSlices(t *testing.T, dir string, w, h, d int) {
	t.Helper()
	for z := 0; z < d; z++ {
		img := image.NewGray(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.SetGray(x, y, color.Gray{Y: byte(16 * z)})
			}
		}
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("scan%04d.png", z)))
		if err != nil {
			t.Fatal(err)
		}
		if err := png.Encode(f, img); err != nil {
			t.Fatal(err)
		}
		f.Close()
	}
}

func TestImportBinInfoStats(t *testing.T) {
	folder := t.TempDir()
	writeSlices(t, folder, 8, 8, 8)
	ds := filepath.Join(t.TempDir(), "dataset")

	out, err := run(t, "import", "--folder", folder, "--out", ds, "--chunk-dim", "4", "--bin", "2", "--storage", "memory")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !strings.Contains(out, "imported 8 slices") || !strings.Contains(out, "binned 2x") {
		t.Errorf("import output = %q", out)
	}

	out, err = run(t, "bin", "--dataset", ds, "--factor", "2", "--storage", "mapped")
	if err != nil {
		t.Fatalf("bin: %v", err)
	}
	if !strings.Contains(out, "pixel size 4") {
		t.Errorf("bin output = %q", out)
	}

	out, err = run(t, "info", "--dataset", ds, "--verify")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	for _, want := range []string{"volume:     2x2x2", "labels:     0 materials", "manifest:   ok"} {
		if !strings.Contains(out, want) {
			t.Errorf("info output lacks %q:\n%s", want, out)
		}
	}

	statsPath := filepath.Join(t.TempDir(), "stats.parquet")
	if _, err := run(t, "stats", "--dataset", ds, "--out", statsPath); err != nil {
		t.Fatalf("stats: %v", err)
	}
	rows, err := volstats.ReadFile(statsPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Errorf("stats rows = %d, want 2", len(rows))
	}
}

func TestInfoMissingDataset(t *testing.T) {
	if _, err := run(t, "info", "--dataset", t.TempDir()); err == nil {
		t.Fatal("expected error for empty directory")
	}
}
