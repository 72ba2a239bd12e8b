package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/eunmann/ctvol/internal/logctx"
	"github.com/eunmann/ctvol/pkg/logging"
	"github.com/eunmann/ctvol/pkg/volume"
)

// FolderSource serves the numbered image files of a folder as frames.
type FolderSource struct {
	slices []Slice
	dec    Decoder
}

// NewFolderSource lists dir with ListSlices. A nil dec uses ImageDecoder.
func NewFolderSource(dir string, dec Decoder) (*FolderSource, error) {
	s, err := ListSlices(dir)
	if err != nil {
		return nil, err
	}
	if dec == nil {
		dec = ImageDecoder{}
	}
	return &FolderSource{slices: s, dec: dec}, nil
}

// Slices returns the ordered files.
func (f *FolderSource) Slices() []Slice { return f.slices }

// Len implements FrameSource.
func (f *FolderSource) Len() int { return len(f.slices) }

// Size implements FrameSource by decoding only the image header.
func (f *FolderSource) Size(i int) (int, int, error) {
	file, err := os.Open(f.slices[i].Path)
	if err != nil {
		return 0, 0, err
	}
	defer file.Close()

	w, h, err := f.dec.DecodeSize(file)
	if err != nil {
		return 0, 0, fmt.Errorf("%s: %w", f.slices[i].Path, err)
	}
	return w, h, nil
}

// ReadFrame implements FrameSource.
func (f *FolderSource) ReadFrame(i int, dst []byte) error {
	file, err := os.Open(f.slices[i].Path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := f.dec.DecodeGray(file, dst); err != nil {
		return fmt.Errorf("%s: %w", f.slices[i].Path, err)
	}
	return nil
}

// Options configures ImportFolder.
type Options struct {
	// ChunkDim is the chunk edge of the new volume.
	ChunkDim int
	// PixelSize is stored in the volume header.
	PixelSize float64
	// OutputPath maps the new volume at this path. Empty keeps it in memory.
	OutputPath string
	// Workers bounds concurrent slice decodes. Default: runtime.NumCPU().
	Workers int
	// Decoder decodes slice files. Default: ImageDecoder.
	Decoder Decoder
	// Volume configures the new store.
	Volume volume.Options
	// Logger replaces the context logger for this import.
	Logger *zerolog.Logger
}

// ImportFolder builds a grayscale volume from the numbered image slices in
// dir. The volume takes its width and height from the first slice and its
// depth from the number of slices. On failure the partial store is released
// and a mapped output file is removed.
func ImportFolder(ctx context.Context, dir string, opts Options) (*volume.Volume, error) {
	if opts.Logger != nil {
		ctx = logctx.WithLogger(ctx, *opts.Logger)
	}
	log := logctx.FromContext(ctx).With().Str("phase", "import").Logger()
	start := time.Now()

	src, err := NewFolderSource(dir, opts.Decoder)
	if err != nil {
		return nil, err
	}
	w, h, err := src.Size(0)
	if err != nil {
		return nil, fmt.Errorf("first slice: %w", err)
	}
	d, err := volume.NewDescriptor(w, h, src.Len(), opts.ChunkDim)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("folder", dir).
		Int("slices", src.Len()).
		Str("volume", d.String()).
		Msg("importing slices")

	vol, err := volume.Create(opts.OutputPath, volume.KindGrayscale, d, opts.PixelSize, opts.Volume)
	if err != nil {
		return nil, err
	}
	if err := Populate(ctx, vol, src, opts.Workers); err != nil {
		vol.Release()
		if opts.OutputPath != "" {
			if rmErr := os.Remove(opts.OutputPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				log.Warn().Err(rmErr).Str("path", opts.OutputPath).Msg("failed to remove partial volume")
			}
		}
		return nil, err
	}

	logging.PhaseComplete(log, "import", time.Since(start)).
		Str("folder", dir).
		Dims("dims", w, h, src.Len()).
		Int("chunk_dim", opts.ChunkDim).
		Bytes("payload", d.PayloadBytes()).
		Log("import complete")
	return vol, nil
}
