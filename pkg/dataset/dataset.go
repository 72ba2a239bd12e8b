// Package dataset manages a volume dataset directory: the grayscale volume,
// its label volume and the side files written next to them.
//
//	volume.bin          grayscale volume
//	labels.bin          label volume, same dimensions
//	volume.chk          legacy metadata record
//	labels.chk          opaque material table
//	binned_<f>x3d.txt   marker left by each binning pass
//	manifest.json       sizes and checksums of the files above
package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/eunmann/ctvol/pkg/binning"
	"github.com/eunmann/ctvol/pkg/fileutil"
	"github.com/eunmann/ctvol/pkg/format"
	"github.com/eunmann/ctvol/pkg/importer"
	"github.com/eunmann/ctvol/pkg/labels"
	"github.com/eunmann/ctvol/pkg/logging"
	"github.com/eunmann/ctvol/pkg/membudget"
	"github.com/eunmann/ctvol/pkg/volume"
)

// ErrNoVolume is returned when a directory has no volume.bin.
var ErrNoVolume = errors.New("dataset has no volume file")

// Options configures dataset operations.
type Options struct {
	// Storage picks in-memory or mapped stores. Default: membudget.ModeAuto.
	Storage membudget.Mode
	// Budget is consulted for ModeAuto. Default: 50% of system RAM.
	Budget *membudget.Budget
	// Volume configures every store the operation creates or opens.
	Volume volume.Options
	// Workers bounds parallel slice work. Default: runtime.NumCPU().
	Workers int
	// Rounding is passed to the binning engine.
	Rounding binning.Rounding
	// PixelSize overrides the stored pixel size when binning or importing.
	PixelSize float64
	// Decoder decodes slice images on import. Default: importer.ImageDecoder.
	Decoder importer.Decoder
	// Logger is used by Open and Create. Default: logging.WithComponent("dataset").
	Logger *zerolog.Logger
}

func (o Options) budget() *membudget.Budget {
	if o.Budget != nil {
		return o.Budget
	}
	return membudget.NewFromSystemRAM()
}

func (o Options) logger() zerolog.Logger {
	if o.Logger != nil {
		return *o.Logger
	}
	return logging.WithComponent("dataset")
}

// Paths locates the files of one dataset directory.
type Paths struct {
	Dir       string
	Volume    string
	Labels    string
	Legacy    string
	Materials string
}

// PathsFor returns the dataset file paths under dir.
func PathsFor(dir string) Paths {
	return Paths{
		Dir:       dir,
		Volume:    filepath.Join(dir, format.VolumeFile),
		Labels:    filepath.Join(dir, format.LabelFile),
		Legacy:    filepath.Join(dir, format.LegacyFile),
		Materials: filepath.Join(dir, format.MaterialsFile),
	}
}

// Dataset is an opened dataset directory.
type Dataset struct {
	Paths  Paths
	Volume *volume.Volume
	// Labels is nil when the directory has no label file.
	Labels *labels.Grid

	budget   *membudget.Budget
	reserved uint64
	labelVol *volume.Volume
}

// Open opens the grayscale volume in dir and its label volume when one is
// present. Stores are placed in memory or mapped according to opts.Storage.
func Open(dir string, opts Options) (*Dataset, error) {
	p := PathsFor(dir)
	log := opts.logger().With().Str("dataset", dir).Logger()
	info, err := os.Stat(p.Volume)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoVolume, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("stat volume: %w", err)
	}

	b := opts.budget()
	var labelSize int64
	if li, err := os.Stat(p.Labels); err == nil {
		labelSize = li.Size()
	}
	place := b.Place(opts.Storage, info.Size()+labelSize)
	ds := &Dataset{Paths: p, budget: b, reserved: place.Reserved}

	if place.Mapped {
		ds.Volume, err = volume.OpenMapped(p.Volume, opts.Volume)
	} else {
		ds.Volume, err = volume.Load(p.Volume, opts.Volume)
	}
	if err != nil {
		ds.Close()
		return nil, err
	}

	if labelSize > 0 {
		d := ds.Volume.Descriptor()
		if place.Mapped {
			ds.labelVol, err = volume.OpenLabelsMapped(p.Labels, d.Width, d.Height, d.Depth, opts.Volume)
		} else {
			ds.labelVol, err = volume.LoadLabels(p.Labels, d.Width, d.Height, d.Depth, opts.Volume)
		}
		if err == nil {
			ds.Labels, err = labels.FromVolume(ds.labelVol)
		}
		if err != nil {
			ds.Close()
			return nil, fmt.Errorf("open labels: %w", err)
		}
	}

	log.Debug().
		Str("volume", ds.Volume.Descriptor().String()).
		Str("storage", ds.Volume.Storage().String()).
		Bool("labels", ds.Labels != nil).
		Msg("dataset opened")
	return ds, nil
}

// Close releases both stores and any budget held for them.
func (ds *Dataset) Close() error {
	var errs []error
	if ds.Volume != nil {
		errs = append(errs, ds.Volume.Release())
	}
	if ds.labelVol != nil {
		errs = append(errs, ds.labelVol.Release())
	}
	if ds.reserved > 0 {
		ds.budget.Release(ds.reserved)
		ds.reserved = 0
	}
	return errors.Join(errs...)
}

// Create persists vol as a fresh dataset in dir: volume.bin, volume.chk, an
// all-background labels.bin and the manifest. A volume already mapped at
// dir/volume.bin is flushed in place.
func Create(dir string, vol *volume.Volume, opts Options) error {
	start := time.Now()
	log := opts.logger().With().Str("dataset", dir).Logger()
	p := PathsFor(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dataset dir: %w", err)
	}

	if samePath(vol.Path(), p.Volume) {
		if err := vol.Flush(); err != nil {
			return fmt.Errorf("flush volume: %w", err)
		}
	} else {
		err := fileutil.WriteTmpThenMove(p.Volume, func(tmp string) error {
			return volume.Save(vol, tmp)
		})
		if err != nil {
			return fmt.Errorf("save volume: %w", err)
		}
	}

	return finishCreate(p, vol.Descriptor(), vol.PixelSize(), log, start)
}

// finishCreate writes the companion files and the manifest around a
// volume.bin that is already in place.
func finishCreate(p Paths, d volume.Descriptor, pixelSize float64, log zerolog.Logger, start time.Time) error {
	if err := writeCompanions(p, d, pixelSize); err != nil {
		return err
	}
	if _, err := format.WriteManifest(p.Dir); err != nil {
		return err
	}

	logging.FileCreated(log, "dataset", time.Since(start)).
		Str("dir", p.Dir).
		Dims("dims", d.Width, d.Height, d.Depth).
		Int("chunk_dim", d.ChunkDim).
		Bytes("payload", d.PayloadBytes()).
		Log("dataset created")
	return nil
}

// writeCompanions writes the all-background labels.bin and volume.chk for a
// grayscale volume of descriptor d.
func writeCompanions(p Paths, d volume.Descriptor, pixelSize float64) error {
	if err := writeEmptyLabels(p.Labels, d); err != nil {
		return err
	}
	h := format.LegacyHeader{
		Width:     int32(d.Width),
		Height:    int32(d.Height),
		Depth:     int32(d.Depth),
		ChunkDim:  int32(d.ChunkDim),
		PixelSize: pixelSize,
	}
	return format.WriteLegacyFile(p.Legacy, h)
}

// writeEmptyLabels writes a label file whose every voxel is background. The
// payload is produced by extending the file, so no zero buffer is written.
func writeEmptyLabels(path string, d volume.Descriptor) error {
	header := format.EncodeLabelHeader(format.LabelHeader{
		ChunkDim:    int32(d.ChunkDim),
		ChunkCountX: int32(d.ChunkCountX()),
		ChunkCountY: int32(d.ChunkCountY()),
		ChunkCountZ: int32(d.ChunkCountZ()),
	})
	err := fileutil.WriteTmpThenMove(path, func(tmp string) error {
		f, err := os.Create(tmp)
		if err != nil {
			return err
		}
		if _, err := f.Write(header); err != nil {
			f.Close()
			return err
		}
		if err := f.Truncate(int64(len(header)) + d.PayloadBytes()); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
	if err != nil {
		return fmt.Errorf("write labels: %w", err)
	}
	return nil
}

func samePath(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == bb
}
