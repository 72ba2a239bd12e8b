// Package binning downsamples a grayscale volume by averaging cubic blocks of
// voxels.
//
// Each output voxel is the mean of the source voxels in its box
// [b*f, min((b+1)*f, dim)) along each axis, where f is the binning factor.
// Output dimensions are max(1, dim/f), so a trailing partial box along an
// axis is dropped unless it is the only box on that axis.
package binning

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/eunmann/ctvol/pkg/logging"
	"github.com/eunmann/ctvol/pkg/volume"
)

// ErrInvalidFactor indicates a binning factor below 2.
var ErrInvalidFactor = errors.New("binning factor must be at least 2")

// Rounding selects how a box sum is reduced to one byte.
type Rounding int

const (
	// Truncate computes sum/count with integer division.
	Truncate Rounding = iota
	// RoundNearest computes (sum + count/2)/count.
	RoundNearest
)

func (r Rounding) String() string {
	if r == RoundNearest {
		return "nearest"
	}
	return "truncate"
}

// ParseRounding parses "truncate" or "nearest".
func ParseRounding(s string) (Rounding, error) {
	switch s {
	case "truncate", "":
		return Truncate, nil
	case "nearest":
		return RoundNearest, nil
	default:
		return Truncate, fmt.Errorf("unknown rounding %q (want truncate or nearest)", s)
	}
}

// Options configures one binning pass.
type Options struct {
	// Factor is the edge length of the averaging box. Must be >= 2.
	Factor int
	// Workers bounds concurrent output slices. Default: runtime.NumCPU().
	Workers int
	// PixelSize overrides the source pixel size before scaling by Factor.
	// Zero uses the source volume's pixel size.
	PixelSize float64
	// OutputPath maps the output at this path. Empty keeps it in memory.
	OutputPath string
	// Rounding selects the reduction. Default: Truncate.
	Rounding Rounding
	// Volume configures the output store.
	Volume volume.Options
	// Logger receives progress and completion events. Default: logging.L().
	Logger *zerolog.Logger
}

// Result summarizes a binning pass.
type Result struct {
	Factor    int
	Before    volume.Descriptor
	After     volume.Descriptor
	PixelSize float64
	Elapsed   time.Duration
}

// OutputDims returns max(1, dim/factor) for each axis.
func OutputDims(width, height, depth, factor int) (int, int, int) {
	return max(1, width/factor), max(1, height/factor), max(1, depth/factor)
}

// Bin averages src into a new volume. The source is only read, so it may be
// mapped from the file being replaced. On any per-slice failure the output
// volume is released and an *volume.AggregateError lists every failed slice.
func Bin(ctx context.Context, src *volume.Volume, opts Options) (*volume.Volume, *Result, error) {
	if opts.Factor < 2 {
		return nil, nil, fmt.Errorf("%w: got %d", ErrInvalidFactor, opts.Factor)
	}
	log := logging.WithPhase("binning")
	if opts.Logger != nil {
		log = opts.Logger.With().Str("phase", "binning").Logger()
	}
	start := time.Now()

	in := src.Descriptor()
	w, h, d := OutputDims(in.Width, in.Height, in.Depth, opts.Factor)
	out, err := volume.NewDescriptor(w, h, d, in.ChunkDim)
	if err != nil {
		return nil, nil, err
	}

	pixel := src.PixelSize()
	if opts.PixelSize > 0 {
		pixel = opts.PixelSize
	}
	pixel *= float64(opts.Factor)

	dst, err := volume.Create(opts.OutputPath, volume.KindGrayscale, out, pixel, opts.Volume)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}

	log.Info().
		Int("factor", opts.Factor).
		Str("source", in.String()).
		Str("output", out.String()).
		Str("storage", dst.Storage().String()).
		Str("rounding", opts.Rounding.String()).
		Msg("binning volume")

	b := newBinner(src, dst, opts.Factor, opts.Rounding)
	if err := b.run(ctx, workerCount(opts.Workers), log); err != nil {
		dst.Release()
		return nil, nil, err
	}

	res := &Result{
		Factor:    opts.Factor,
		Before:    in,
		After:     out,
		PixelSize: pixel,
		Elapsed:   time.Since(start),
	}
	logging.PhaseComplete(log, "binning", res.Elapsed).
		Int("factor", opts.Factor).
		Dims("before", in.Width, in.Height, in.Depth).
		Dims("after", w, h, d).
		Float64("pixel_size", pixel).
		Throughput(in.Voxels()).
		Log("binning complete")
	return dst, res, nil
}

func workerCount(n int) int {
	if n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

type binner struct {
	src, dst volume.Descriptor
	srcVol   *volume.Volume
	dstVol   *volume.Volume
	factor   int
	rounding Rounding

	srcPlanes *volume.BufferPool
	dstPlanes *volume.BufferPool
	sums      sync.Pool
}

func newBinner(src, dst *volume.Volume, factor int, rounding Rounding) *binner {
	sd, dd := src.Descriptor(), dst.Descriptor()
	b := &binner{
		src:       sd,
		dst:       dd,
		srcVol:    src,
		dstVol:    dst,
		factor:    factor,
		rounding:  rounding,
		srcPlanes: volume.NewBufferPool(sd.Width * sd.Height),
		dstPlanes: volume.NewBufferPool(dd.Width * dd.Height),
	}
	cells := dd.Width * dd.Height
	b.sums.New = func() interface{} {
		s := make([]uint64, cells)
		return &s
	}
	return b
}

// run computes every output slice. Slices that fail are collected rather
// than cancelling their siblings; only ctx cancellation stops the pass early.
func (b *binner) run(ctx context.Context, workers int, log zerolog.Logger) error {
	tracker := logging.NewProgressTracker("binning", "slices", int64(b.dst.Depth), log)

	var (
		mu       sync.Mutex
		failures []*volume.UnitError
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for oz := 0; oz < b.dst.Depth; oz++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := b.slice(oz); err != nil {
				tracker.Fail()
				mu.Lock()
				failures = append(failures, &volume.UnitError{Unit: "slice", Index: oz, Err: err})
				mu.Unlock()
				return nil
			}
			tracker.Done()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("binning cancelled: %w", err)
	}
	return volume.NewAggregateError("bin", b.dst.Depth, sortFailures(failures))
}

// slice computes output slice oz from source slices [oz*f, min((oz+1)*f, depth)).
func (b *binner) slice(oz int) error {
	f := b.factor
	sw, sh := b.src.Width, b.src.Height
	dw, dh := b.dst.Width, b.dst.Height

	sp := b.sums.Get().(*[]uint64)
	defer b.sums.Put(sp)
	sums := *sp
	clear(sums)

	pp := b.srcPlanes.Get()
	defer b.srcPlanes.Put(pp)
	plane := *pp

	z0, z1 := boxRange(oz, f, b.src.Depth)
	xEnd, yEnd := min(dw*f, sw), min(dh*f, sh)
	for z := z0; z < z1; z++ {
		if err := b.srcVol.ReadSliceZ(z, plane); err != nil {
			return err
		}
		for y := 0; y < yEnd; y++ {
			row := plane[y*sw : y*sw+xEnd]
			acc := sums[(y/f)*dw : (y/f+1)*dw]
			for x, v := range row {
				acc[x/f] += uint64(v)
			}
		}
	}

	op := b.dstPlanes.Get()
	defer b.dstPlanes.Put(op)
	outPlane := *op

	zn := uint64(z1 - z0)
	for oy := 0; oy < dh; oy++ {
		y0, y1 := boxRange(oy, f, sh)
		yn := uint64(y1 - y0)
		for ox := 0; ox < dw; ox++ {
			x0, x1 := boxRange(ox, f, sw)
			count := uint64(x1-x0) * yn * zn
			outPlane[oy*dw+ox] = b.reduce(sums[oy*dw+ox], count)
		}
	}
	return b.dstVol.WriteSliceZ(oz, outPlane)
}

func (b *binner) reduce(sum, count uint64) byte {
	if b.rounding == RoundNearest {
		return byte((sum + count/2) / count)
	}
	return byte(sum / count)
}

// boxRange returns the source range [i*f, min((i+1)*f, dim)).
func boxRange(i, f, dim int) (int, int) {
	lo := i * f
	return lo, min(lo+f, dim)
}

func sortFailures(failures []*volume.UnitError) []*volume.UnitError {
	slices.SortFunc(failures, func(a, b *volume.UnitError) int {
		return cmp.Compare(a.Index, b.Index)
	})
	return failures
}
