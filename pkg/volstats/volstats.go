// Package volstats computes per-slice intensity statistics of a volume and
// stores them as a Parquet table, one row per Z slice.
package volstats

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"golang.org/x/sync/errgroup"

	"github.com/eunmann/ctvol/pkg/fileutil"
	"github.com/eunmann/ctvol/pkg/logging"
	"github.com/eunmann/ctvol/pkg/volume"
)

// HistogramBins is the number of equal-width intensity bins per slice.
const HistogramBins = 16

// SliceStats summarizes one XY slice.
type SliceStats struct {
	Z         int32   `parquet:"z"`
	Min       int32   `parquet:"min"`
	Max       int32   `parquet:"max"`
	Mean      float64 `parquet:"mean"`
	NonZero   int64   `parquet:"non_zero"`
	Histogram []int64 `parquet:"histogram,list"`
}

// Summary aggregates SliceStats over a whole volume.
type Summary struct {
	Slices    int
	Voxels    int64
	Min       int
	Max       int
	Mean      float64
	NonZero   int64
	Histogram [HistogramBins]int64
}

// Compute scans every slice of v in parallel. Failed slices are reported
// together in one *volume.AggregateError.
func Compute(ctx context.Context, v *volume.Volume, workers int) ([]SliceStats, error) {
	d := v.Descriptor()
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	log := logging.WithPhase("stats")
	tracker := logging.NewProgressTracker("stats", "slices", int64(d.Depth), log)
	planes := volume.NewBufferPool(d.Width * d.Height)

	out := make([]SliceStats, d.Depth)
	var (
		mu       sync.Mutex
		failures []*volume.UnitError
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for z := 0; z < d.Depth; z++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			bp := planes.Get()
			defer planes.Put(bp)
			if err := v.ReadSliceZ(z, *bp); err != nil {
				tracker.Fail()
				mu.Lock()
				failures = append(failures, &volume.UnitError{Unit: "slice", Index: z, Err: err})
				mu.Unlock()
				return nil
			}
			out[z] = sliceStats(z, *bp)
			tracker.Done()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("stats cancelled: %w", err)
	}
	if len(failures) > 0 {
		slices.SortFunc(failures, func(a, b *volume.UnitError) int { return cmp.Compare(a.Index, b.Index) })
		return nil, volume.NewAggregateError("stats", d.Depth, failures)
	}
	return out, nil
}

func sliceStats(z int, plane []byte) SliceStats {
	s := SliceStats{Z: int32(z), Min: 255, Histogram: make([]int64, HistogramBins)}
	var sum int64
	for _, b := range plane {
		v := int32(b)
		s.Min = min(s.Min, v)
		s.Max = max(s.Max, v)
		sum += int64(b)
		if b != 0 {
			s.NonZero++
		}
		s.Histogram[int(b)*HistogramBins/256]++
	}
	if len(plane) > 0 {
		s.Mean = float64(sum) / float64(len(plane))
	}
	return s
}

// Summarize folds per-slice rows into volume-wide figures. Slices must all
// have the same voxel count, as they do for one volume.
func Summarize(stats []SliceStats) Summary {
	sum := Summary{Slices: len(stats), Min: 255}
	if len(stats) == 0 {
		sum.Min = 0
		return sum
	}
	var weighted float64
	for _, s := range stats {
		var n int64
		for i, c := range s.Histogram {
			if i < HistogramBins {
				sum.Histogram[i] += c
			}
			n += c
		}
		sum.Voxels += n
		sum.Min = min(sum.Min, int(s.Min))
		sum.Max = max(sum.Max, int(s.Max))
		sum.NonZero += s.NonZero
		weighted += s.Mean * float64(n)
	}
	if sum.Voxels > 0 {
		sum.Mean = weighted / float64(sum.Voxels)
	}
	return sum
}

// WriteFile stores stats at path as Parquet through a tmp file.
func WriteFile(path string, stats []SliceStats) error {
	start := time.Now()
	err := fileutil.WriteTmpThenMove(path, func(tmpPath string) error {
		f, err := os.Create(tmpPath)
		if err != nil {
			return fmt.Errorf("create stats file: %w", err)
		}
		w := parquet.NewGenericWriter[SliceStats](f)
		if _, err := w.Write(stats); err != nil {
			f.Close()
			return fmt.Errorf("write stats rows: %w", err)
		}
		if err := w.Close(); err != nil {
			f.Close()
			return fmt.Errorf("close parquet writer: %w", err)
		}
		return f.Close()
	})
	if err != nil {
		return err
	}
	info, _ := os.Stat(path)
	var size int64
	if info != nil {
		size = info.Size()
	}
	logging.FileCreated(logging.WithPhase("stats"), "stats", time.Since(start)).
		Str("path", path).
		Count("rows", int64(len(stats))).
		Bytes("size", size).
		LogDebug("stats file written")
	return nil
}

// ReadFile loads a stats table written by WriteFile.
func ReadFile(path string) ([]SliceStats, error) {
	rows, err := parquet.ReadFile[SliceStats](path)
	if err != nil {
		return nil, fmt.Errorf("read stats file: %w", err)
	}
	return rows, nil
}
