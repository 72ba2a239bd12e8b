// Package benchutil generates synthetic volumes for benchmarks and tests.
package benchutil

import (
	"context"
	"math"
	"math/rand/v2"
	"os"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/eunmann/ctvol/pkg/volume"
)

// BenchmarkSeed is the default seed for reproducible noise.
const BenchmarkSeed = 42

// BenchmarkEdges are cube edge lengths for quick benchmark runs.
var BenchmarkEdges = []int{64, 128}

// ScalingEdges are larger edges, run only with CTVOL_LONG_BENCH=1.
var ScalingEdges = []int{256, 384, 512}

// SkipIfNoLongBench skips the benchmark if CTVOL_LONG_BENCH is not set.
func SkipIfNoLongBench(b *testing.B) {
	if os.Getenv("CTVOL_LONG_BENCH") == "" {
		b.Skip("set CTVOL_LONG_BENCH=1 to run scaling benchmark")
	}
}

// Phantom computes the value of one voxel.
type Phantom func(x, y, z int) byte

// Sphere is a bright ball of the given radius fraction (0..1 of the half
// edge) centred in a w×h×d volume, on a dark background.
func Sphere(w, h, d int, radius float64) Phantom {
	cx, cy, cz := float64(w-1)/2, float64(h-1)/2, float64(d-1)/2
	r := radius * min(cx, cy, cz)
	return func(x, y, z int) byte {
		dx, dy, dz := float64(x)-cx, float64(y)-cy, float64(z)-cz
		if math.Sqrt(dx*dx+dy*dy+dz*dz) <= r {
			return 220
		}
		return 20
	}
}

// Gradient ramps linearly from 0 at z=0 to 255 at the last slice.
func Gradient(d int) Phantom {
	return func(_, _, z int) byte {
		if d <= 1 {
			return 0
		}
		return byte(z * 255 / (d - 1))
	}
}

// Noise adds reproducible uniform noise of amplitude amp to base. The value
// depends only on seed and the voxel position, so fills in any order agree.
func Noise(base Phantom, amp int, seed uint64) Phantom {
	return func(x, y, z int) byte {
		pos := uint64(x) | uint64(y)<<21 | uint64(z)<<42
		r := rand.New(rand.NewPCG(seed, pos))
		v := int(base(x, y, z)) + r.IntN(2*amp+1) - amp
		return byte(min(max(v, 0), 255))
	}
}

// Fill writes p into every voxel of v, one Z slice per goroutine.
func Fill(ctx context.Context, v *volume.Volume, p Phantom) error {
	d := v.Descriptor()
	planes := volume.NewBufferPool(d.Width * d.Height)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for z := 0; z < d.Depth; z++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			bp := planes.Get()
			defer planes.Put(bp)
			plane := *bp
			for y := 0; y < d.Height; y++ {
				for x := 0; x < d.Width; x++ {
					plane[y*d.Width+x] = p(x, y, z)
				}
			}
			return v.WriteSliceZ(z, plane)
		})
	}
	return g.Wait()
}

// NewVolume creates an in-memory w×h×d volume filled with p.
func NewVolume(w, h, d, chunkDim int, p Phantom, opts volume.Options) (*volume.Volume, error) {
	desc, err := volume.NewDescriptor(w, h, d, chunkDim)
	if err != nil {
		return nil, err
	}
	v, err := volume.NewInMemory(desc, 1, opts)
	if err != nil {
		return nil, err
	}
	if err := Fill(context.Background(), v, p); err != nil {
		v.Release()
		return nil, err
	}
	return v, nil
}
