package dataset

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/eunmann/ctvol/internal/logctx"
	"github.com/eunmann/ctvol/pkg/binning"
	"github.com/eunmann/ctvol/pkg/fileutil"
	"github.com/eunmann/ctvol/pkg/format"
	"github.com/eunmann/ctvol/pkg/importer"
	"github.com/eunmann/ctvol/pkg/logging"
	"github.com/eunmann/ctvol/pkg/volume"
)

// Bin replaces the dataset in dir with its factor³ binned version.
//
// The source is read from volume.bin while the output is written to
// volume.bin.tmp. Both stores are released before the original is deleted
// and the tmp file renamed over it. labels.bin is then recreated empty at the
// new size, labels.chk is rewritten byte for byte, and volume.chk, the
// marker and the manifest are written for the new dimensions. On failure the
// original dataset is left untouched.
func Bin(ctx context.Context, dir string, factor int, opts Options) (*binning.Result, error) {
	ctx = logctx.WithOperation(logctx.WithDataset(ctx, dir), "bin")
	log := logctx.FromContext(ctx)
	start := time.Now()
	p := PathsFor(dir)
	if factor < 2 {
		return nil, fmt.Errorf("%w: got %d", binning.ErrInvalidFactor, factor)
	}

	if n, err := fileutil.CleanupTmpFiles(dir); err != nil {
		return nil, err
	} else if n > 0 {
		log.Warn().Int("files", n).Msg("removed leftover tmp files")
	}
	if !fileutil.VolumeFileValid(p.Volume) {
		return nil, fmt.Errorf("%w: %s", ErrNoVolume, dir)
	}

	b := opts.budget()
	srcPlace := b.Place(opts.Storage, fileSize(p.Volume))
	defer b.Release(srcPlace.Reserved)

	var (
		src *volume.Volume
		err error
	)
	if srcPlace.Mapped {
		src, err = volume.OpenMapped(p.Volume, opts.Volume)
	} else {
		src, err = volume.Load(p.Volume, opts.Volume)
	}
	if err != nil {
		return nil, err
	}
	defer src.Release()

	in := src.Descriptor()
	w, h, d := binning.OutputDims(in.Width, in.Height, in.Depth, factor)
	outDesc, err := volume.NewDescriptor(w, h, d, in.ChunkDim)
	if err != nil {
		return nil, err
	}
	outPlace := b.Place(opts.Storage, outDesc.PayloadBytes())
	defer b.Release(outPlace.Reserved)

	tmp := fileutil.TmpPath(p.Volume)
	binOpts := binning.Options{
		Factor:    factor,
		Workers:   opts.Workers,
		PixelSize: opts.PixelSize,
		Rounding:  opts.Rounding,
		Volume:    opts.Volume,
		Logger:    &log,
	}
	if outPlace.Mapped {
		binOpts.OutputPath = tmp
	}
	out, res, err := binning.Bin(ctx, src, binOpts)
	if err != nil {
		os.Remove(tmp)
		return nil, err
	}

	if outPlace.Mapped {
		err = out.Flush()
	} else {
		err = volume.Save(out, tmp)
	}
	if relErr := out.Release(); err == nil {
		err = relErr
	}
	if err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("write binned volume: %w", err)
	}

	materials, hasMaterials, err := format.ReadMaterials(p.Materials)
	if err != nil {
		os.Remove(tmp)
		return nil, err
	}

	if err := src.Release(); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("release source: %w", err)
	}
	if err := fileutil.ReplaceFile(tmp, p.Volume); err != nil {
		return nil, fmt.Errorf("replace volume: %w", err)
	}

	if err := writeCompanions(p, res.After, res.PixelSize); err != nil {
		return nil, err
	}
	if hasMaterials {
		if err := format.WriteMaterials(p.Materials, materials); err != nil {
			return nil, err
		}
	}
	marker := format.BinningMarker{
		Factor: factor,
		Before: [3]int{in.Width, in.Height, in.Depth},
		After:  [3]int{res.After.Width, res.After.Height, res.After.Depth},
	}
	if _, err := format.WriteMarker(dir, marker); err != nil {
		return nil, err
	}
	if _, err := format.WriteManifest(dir); err != nil {
		return nil, err
	}

	logging.PhaseComplete(log, "bin_dataset", time.Since(start)).
		Int("factor", factor).
		Dims("before", in.Width, in.Height, in.Depth).
		Dims("after", res.After.Width, res.After.Height, res.After.Depth).
		Bool("materials", hasMaterials).
		Log("dataset binned")
	return res, nil
}

// ImportResult summarizes Import.
type ImportResult struct {
	Slices   int
	Imported volume.Descriptor
	// Binning is nil when no binning pass ran.
	Binning *binning.Result
}

// Import builds a dataset in outDir from the numbered image slices in folder
// and bins it when factor is 2 or more. A factor of 0 or 1 keeps the
// imported resolution. A mapped import is written to volume.bin.tmp and only
// replaces an existing volume.bin once every slice is in place.
func Import(ctx context.Context, folder, outDir string, chunkDim, factor int, opts Options) (*ImportResult, error) {
	ctx = logctx.WithOperation(logctx.WithDataset(ctx, outDir), "import")
	log := logctx.FromContext(ctx)
	start := time.Now()
	p := PathsFor(outDir)

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create dataset dir: %w", err)
	}
	if n, err := fileutil.CleanupTmpFiles(outDir); err != nil {
		return nil, err
	} else if n > 0 {
		log.Warn().Int("files", n).Msg("removed leftover tmp files")
	}

	probe, err := importer.NewFolderSource(folder, opts.Decoder)
	if err != nil {
		return nil, err
	}
	w, h, err := probe.Size(0)
	if err != nil {
		return nil, fmt.Errorf("first slice: %w", err)
	}
	est, err := volume.NewDescriptor(w, h, probe.Len(), chunkDim)
	if err != nil {
		return nil, err
	}

	b := opts.budget()
	place := b.Place(opts.Storage, est.PayloadBytes())
	impOpts := importer.Options{
		ChunkDim:  chunkDim,
		PixelSize: opts.PixelSize,
		Workers:   opts.Workers,
		Decoder:   opts.Decoder,
		Volume:    opts.Volume,
		Logger:    &log,
	}
	tmp := fileutil.TmpPath(p.Volume)
	if place.Mapped {
		impOpts.OutputPath = tmp
	}
	vol, err := importer.ImportFolder(ctx, folder, impOpts)
	if err != nil {
		b.Release(place.Reserved)
		return nil, err
	}

	desc := vol.Descriptor()
	createOpts := opts
	createOpts.Logger = &log
	if place.Mapped {
		err = installMapped(vol, tmp, p.Volume)
		if err == nil {
			err = finishCreate(p, desc, vol.PixelSize(), log, start)
		}
	} else {
		err = Create(outDir, vol, createOpts)
	}
	if relErr := vol.Release(); err == nil {
		err = relErr
	}
	b.Release(place.Reserved)
	if err != nil {
		return nil, err
	}

	res := &ImportResult{Slices: probe.Len(), Imported: desc}
	if factor < 2 {
		return res, nil
	}
	res.Binning, err = Bin(ctx, outDir, factor, opts)
	if err != nil {
		return nil, fmt.Errorf("bin imported dataset: %w", err)
	}
	return res, nil
}

// installMapped flushes a volume mapped at tmp, unmaps it and moves tmp over
// final. tmp is removed when the flush fails.
func installMapped(vol *volume.Volume, tmp, final string) error {
	err := vol.Flush()
	if relErr := vol.Release(); err == nil {
		err = relErr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write imported volume: %w", err)
	}
	if err := fileutil.ReplaceFile(tmp, final); err != nil {
		return fmt.Errorf("replace volume: %w", err)
	}
	return nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Verify checks the files in dir against its manifest.
func Verify(dir string) (*format.Manifest, error) {
	m, err := format.ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	if err := format.VerifyManifest(dir, m); err != nil {
		return m, err
	}
	return m, nil
}
