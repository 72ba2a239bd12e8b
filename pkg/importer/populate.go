// Package importer builds a volume from a stack of 2-D grayscale slices.
//
// The core entry point is Populate, which copies already-decoded frames into
// a store one Z slice at a time. Reading a folder of image files, ordering
// them by the slice number in their names and decoding them are boundary
// concerns handled by ListSlices, Decoder and FolderSource.
package importer

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/eunmann/ctvol/internal/logctx"
	"github.com/eunmann/ctvol/pkg/logging"
	"github.com/eunmann/ctvol/pkg/volume"
)

var (
	// ErrFrameCount indicates the number of frames differs from the volume depth.
	ErrFrameCount = errors.New("frame count does not match volume depth")
	// ErrFrameSize indicates a frame whose width or height differs from the volume.
	ErrFrameSize = errors.New("frame size does not match volume")
)

// FrameSource supplies decoded grayscale frames by Z index. Frame i is the
// slice at z = i. Size must be cheap; it is called for every frame before
// any frame is read.
type FrameSource interface {
	// Len returns the number of frames.
	Len() int
	// Size returns the width and height of frame i.
	Size(i int) (width, height int, err error)
	// ReadFrame decodes frame i into dst, row-major with X fastest.
	// dst holds exactly width*height bytes.
	ReadFrame(i int, dst []byte) error
}

// Populate fills vol from src. Every frame must match the volume's width and
// height and there must be exactly one frame per slice; these are checked
// before anything is written. Frames are then copied in parallel, one slice
// per task. Every failed slice is reported in one *volume.AggregateError.
// Progress is logged through the context logger.
func Populate(ctx context.Context, vol *volume.Volume, src FrameSource, workers int) error {
	d := vol.Descriptor()
	if n := src.Len(); n != d.Depth {
		return fmt.Errorf("%w: %d frames for depth %d", ErrFrameCount, n, d.Depth)
	}
	for i := 0; i < d.Depth; i++ {
		w, h, err := src.Size(i)
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		if w != d.Width || h != d.Height {
			return fmt.Errorf("%w: frame %d is %dx%d, volume is %dx%d", ErrFrameSize, i, w, h, d.Width, d.Height)
		}
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	log := logctx.FromContext(ctx).With().Str("phase", "import").Logger()
	tracker := logging.NewProgressTracker("import", "slices", int64(d.Depth), log)
	planes := volume.NewBufferPool(d.Width * d.Height)

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

			err := src.ReadFrame(z, *bp)
			if err == nil {
				err = vol.WriteSliceZ(z, *bp)
			}
			if err != nil {
				tracker.Fail()
				mu.Lock()
				failures = append(failures, &volume.UnitError{Unit: "slice", Index: z, Err: err})
				mu.Unlock()
				return nil
			}
			tracker.Done()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("import cancelled: %w", err)
	}
	slices.SortFunc(failures, func(a, b *volume.UnitError) int { return cmp.Compare(a.Index, b.Index) })
	return volume.NewAggregateError("import", d.Depth, failures)
}

// MemorySource serves frames already held in memory.
type MemorySource struct {
	Width, Height int
	Frames        [][]byte
}

// Len implements FrameSource.
func (m *MemorySource) Len() int { return len(m.Frames) }

// Size implements FrameSource.
func (m *MemorySource) Size(i int) (int, int, error) {
	if len(m.Frames[i]) != m.Width*m.Height {
		return 0, 0, fmt.Errorf("%w: frame %d has %d bytes, want %d", ErrFrameSize, i, len(m.Frames[i]), m.Width*m.Height)
	}
	return m.Width, m.Height, nil
}

// ReadFrame implements FrameSource.
func (m *MemorySource) ReadFrame(i int, dst []byte) error {
	copy(dst, m.Frames[i])
	return nil
}
