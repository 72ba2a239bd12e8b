package volstats

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/eunmann/ctvol/pkg/volume"
)

func newVolume(t *testing.T, w, h, d int, fill func(x, y, z int) byte) *volume.Volume {
	t.Helper()
	desc, err := volume.NewDescriptor(w, h, d, 4)
	if err != nil {
		t.Fatal(err)
	}
	l := zerolog.Nop()
	v, err := volume.NewInMemory(desc, 1, volume.Options{Logger: &l})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { v.Release() })
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				if err := v.Set(x, y, z, fill(x, y, z)); err != nil {
					t.Fatal(err)
				}
			}
		}
	}
	return v
}

func TestComputePerSlice(t *testing.T) {
	v := newVolume(t, 4, 2, 3, func(x, y, z int) byte {
		if z == 1 {
			return 0
		}
		return byte(z*100 + x)
	})
	stats, err := Compute(context.Background(), v, 2)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if len(stats) != 3 {
		t.Fatalf("rows = %d, want 3", len(stats))
	}

	s0 := stats[0]
	if s0.Z != 0 || s0.Min != 0 || s0.Max != 3 || s0.NonZero != 6 {
		t.Errorf("slice 0 = %+v", s0)
	}
	if s0.Mean != 1.5 {
		t.Errorf("slice 0 mean = %v, want 1.5", s0.Mean)
	}
	if s0.Histogram[0] != 8 {
		t.Errorf("slice 0 bin 0 = %d, want 8", s0.Histogram[0])
	}

	s1 := stats[1]
	if s1.Min != 0 || s1.Max != 0 || s1.NonZero != 0 || s1.Mean != 0 {
		t.Errorf("slice 1 = %+v", s1)
	}

	s2 := stats[2]
	if s2.Min != 200 || s2.Max != 203 {
		t.Errorf("slice 2 range = [%d, %d], want [200, 203]", s2.Min, s2.Max)
	}
	if s2.Histogram[200*HistogramBins/256] != 8 {
		t.Errorf("slice 2 histogram = %v", s2.Histogram)
	}
}

func TestComputeDeterministicAcrossWorkers(t *testing.T) {
	v := newVolume(t, 9, 7, 11, func(x, y, z int) byte { return byte(x*31 + y*7 + z*13) })
	ref, err := Compute(context.Background(), v, 1)
	if err != nil {
		t.Fatal(err)
	}
	for _, workers := range []int{2, 8} {
		got, err := Compute(context.Background(), v, workers)
		if err != nil {
			t.Fatal(err)
		}
		for z := range ref {
			if got[z].Mean != ref[z].Mean || got[z].Min != ref[z].Min || got[z].Max != ref[z].Max {
				t.Fatalf("workers=%d slice %d differs", workers, z)
			}
		}
	}
}

func TestSummarize(t *testing.T) {
	v := newVolume(t, 4, 4, 2, func(x, y, z int) byte {
		if z == 0 {
			return 10
		}
		return 30
	})
	stats, err := Compute(context.Background(), v, 0)
	if err != nil {
		t.Fatal(err)
	}
	sum := Summarize(stats)
	if sum.Slices != 2 || sum.Voxels != 32 {
		t.Errorf("slices/voxels = %d/%d", sum.Slices, sum.Voxels)
	}
	if sum.Min != 10 || sum.Max != 30 || sum.Mean != 20 || sum.NonZero != 32 {
		t.Errorf("summary = %+v", sum)
	}

	empty := Summarize(nil)
	if empty.Min != 0 || empty.Max != 0 || empty.Voxels != 0 {
		t.Errorf("empty summary = %+v", empty)
	}
}

func TestParquetRoundTrip(t *testing.T) {
	v := newVolume(t, 5, 3, 6, func(x, y, z int) byte { return byte(x + y + z*40) })
	stats, err := Compute(context.Background(), v, 4)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "stats.parquet")
	if err := WriteFile(path, stats); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != len(stats) {
		t.Fatalf("rows = %d, want %d", len(got), len(stats))
	}
	for i := range stats {
		if got[i].Z != stats[i].Z || got[i].Mean != stats[i].Mean || got[i].NonZero != stats[i].NonZero {
			t.Errorf("row %d = %+v, want %+v", i, got[i], stats[i])
		}
		if len(got[i].Histogram) != HistogramBins {
			t.Fatalf("row %d histogram has %d bins", i, len(got[i].Histogram))
		}
		for b := range stats[i].Histogram {
			if got[i].Histogram[b] != stats[i].Histogram[b] {
				t.Errorf("row %d bin %d = %d, want %d", i, b, got[i].Histogram[b], stats[i].Histogram[b])
			}
		}
	}
}

func TestReadFileMissing(t *testing.T) {
	if _, err := ReadFile(filepath.Join(t.TempDir(), "nope.parquet")); err == nil {
		t.Fatal("expected error")
	}
}

func TestComputeReleasedVolume(t *testing.T) {
	v := newVolume(t, 4, 4, 3, func(x, y, z int) byte { return 1 })
	if err := v.Release(); err != nil {
		t.Fatal(err)
	}
	_, err := Compute(context.Background(), v, 2)
	var agg *volume.AggregateError
	if !errors.As(err, &agg) {
		t.Fatalf("err = %v, want AggregateError", err)
	}
	if got := agg.Indices(); len(got) != 3 {
		t.Errorf("indices = %v", got)
	}
	if !errors.Is(err, volume.ErrReleased) {
		t.Errorf("err = %v, want ErrReleased", err)
	}
}

func TestComputeCancelled(t *testing.T) {
	v := newVolume(t, 4, 4, 8, func(x, y, z int) byte { return 1 })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Compute(ctx, v, 2); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
