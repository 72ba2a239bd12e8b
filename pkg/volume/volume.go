// Package volume implements the chunked voxel store: one byte per voxel,
// split into ChunkDim³ chunks held either in process memory or in a single
// memory-mapped file.
//
// A Volume is owned by one process. Voxel reads and writes to distinct voxels
// may run concurrently; bulk concurrent writers should partition their work
// by Z slice through ReadSliceZ and WriteSliceZ, which never share bytes
// between different z.
package volume

import (
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	"github.com/eunmann/ctvol/pkg/format"
	"github.com/eunmann/ctvol/pkg/logging"
)

// Kind distinguishes grayscale volumes from label volumes. The two share
// storage and addressing and differ only in their file header.
type Kind int

const (
	// KindGrayscale holds intensities and uses the 40-byte header.
	KindGrayscale Kind = iota
	// KindLabel holds material IDs and uses the 16-byte header.
	KindLabel
)

func (k Kind) String() string {
	if k == KindLabel {
		return "label"
	}
	return "grayscale"
}

// HeaderSize returns the on-disk header length for the kind.
func (k Kind) HeaderSize() int {
	if k == KindLabel {
		return format.LabelHeaderSize
	}
	return format.VolumeHeaderSize
}

// AccessMode selects how per-voxel Get and Set report failures.
type AccessMode int

const (
	// Strict returns ErrOutOfRange, ErrIO or ErrReleased to the caller.
	Strict AccessMode = iota
	// Lenient logs the failure, reads as background (0) and drops writes.
	Lenient
)

func (m AccessMode) String() string {
	if m == Lenient {
		return "lenient"
	}
	return "strict"
}

// ParseAccessMode parses "strict" or "lenient".
func ParseAccessMode(s string) (AccessMode, error) {
	switch s {
	case "strict", "":
		return Strict, nil
	case "lenient":
		return Lenient, nil
	default:
		return Strict, fmt.Errorf("unknown access mode %q (want strict or lenient)", s)
	}
}

// Options configures a Volume at construction.
type Options struct {
	// Mode is the per-voxel failure policy. Default: Strict.
	Mode AccessMode
	// Logger receives lenient-mode and incomplete-chunk diagnostics.
	// Default: logging.L().
	Logger *zerolog.Logger
	// Workers bounds the goroutines used to allocate in-memory chunks.
	// Default: runtime.NumCPU().
	Workers int
}

// Volume is a chunked byte volume.
type Volume struct {
	desc      Descriptor
	pixelSize float64
	kind      Kind
	mode      AccessMode
	storage   Storage
	path      string
	log       zerolog.Logger
	scratch   *BufferPool

	// mu guards be against Release; voxel access holds the read side.
	mu sync.RWMutex
	be backend
}

func newVolume(d Descriptor, pixelSize float64, kind Kind, storage Storage, path string, opts Options) *Volume {
	base := logging.L()
	if opts.Logger != nil {
		base = opts.Logger
	}
	ctx := base.With().Str("component", "volume").Str("kind", kind.String()).Str("storage", storage.String())
	if path != "" {
		ctx = ctx.Str("path", path)
	}
	return &Volume{
		desc:      d,
		pixelSize: pixelSize,
		kind:      kind,
		mode:      opts.Mode,
		storage:   storage,
		path:      path,
		log:       ctx.Logger(),
		scratch:   NewBufferPool(d.ChunkBytes()),
	}
}

func workers(n int) int {
	if n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// NewInMemory creates an all-zero grayscale volume in process memory.
func NewInMemory(d Descriptor, pixelSize float64, opts Options) (*Volume, error) {
	return newInMemory(d, pixelSize, KindGrayscale, opts)
}

// NewLabelsInMemory creates an all-background label volume in process memory.
func NewLabelsInMemory(d Descriptor, opts Options) (*Volume, error) {
	return newInMemory(d, 0, KindLabel, opts)
}

func newInMemory(d Descriptor, pixelSize float64, kind Kind, opts Options) (*Volume, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	be, err := newMemoryBackend(d, workers(opts.Workers))
	if err != nil {
		return nil, err
	}
	v := newVolume(d, pixelSize, kind, StorageMemory, "", opts)
	v.be = be
	return v, nil
}

// CreateMapped creates path as an all-zero grayscale volume file and maps it.
func CreateMapped(path string, d Descriptor, pixelSize float64, opts Options) (*Volume, error) {
	return createMappedKind(path, d, pixelSize, KindGrayscale, opts)
}

// CreateLabelsMapped creates path as an all-background label file and maps it.
func CreateLabelsMapped(path string, d Descriptor, opts Options) (*Volume, error) {
	return createMappedKind(path, d, 0, KindLabel, opts)
}

func createMappedKind(path string, d Descriptor, pixelSize float64, kind Kind, opts Options) (*Volume, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	v := newVolume(d, pixelSize, kind, StorageMapped, path, opts)
	be, err := createMapped(path, v.Header(), d.TotalChunks(), d.ChunkBytes())
	if err != nil {
		return nil, err
	}
	v.be = be
	return v, nil
}

// Create makes a volume of the given kind, mapped at path, or in memory when
// path is empty.
func Create(path string, kind Kind, d Descriptor, pixelSize float64, opts Options) (*Volume, error) {
	if path == "" {
		return newInMemory(d, pixelSize, kind, opts)
	}
	return createMappedKind(path, d, pixelSize, kind, opts)
}

// OpenMapped maps an existing grayscale volume file.
func OpenMapped(path string, opts Options) (*Volume, error) {
	buf, err := readHeader(path, format.VolumeHeaderSize)
	if err != nil {
		return nil, err
	}
	h, err := format.DecodeVolumeHeader(buf)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	d, err := NewDescriptor(int(h.Width), int(h.Height), int(h.Depth), int(h.ChunkDim))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	be, err := openMapped(path, format.VolumeHeaderSize, d.TotalChunks(), d.ChunkBytes())
	if err != nil {
		return nil, err
	}
	v := newVolume(d, h.PixelSize, KindGrayscale, StorageMapped, path, opts)
	v.be = be
	return v, nil
}

// OpenLabelsMapped maps an existing label file. Label files do not record
// their dimensions, so the caller supplies those of the paired grayscale
// volume; they must agree with the chunk counts in the header.
func OpenLabelsMapped(path string, width, height, depth int, opts Options) (*Volume, error) {
	buf, err := readHeader(path, format.LabelHeaderSize)
	if err != nil {
		return nil, err
	}
	d, err := labelDescriptor(buf, width, height, depth)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	be, err := openMapped(path, format.LabelHeaderSize, d.TotalChunks(), d.ChunkBytes())
	if err != nil {
		return nil, err
	}
	v := newVolume(d, 0, KindLabel, StorageMapped, path, opts)
	v.be = be
	return v, nil
}

func labelDescriptor(buf []byte, width, height, depth int) (Descriptor, error) {
	h, err := format.DecodeLabelHeader(buf)
	if err != nil {
		return Descriptor{}, err
	}
	d, err := NewDescriptor(width, height, depth, int(h.ChunkDim))
	if err != nil {
		return Descriptor{}, err
	}
	if d.ChunkCountX() != int(h.ChunkCountX) || d.ChunkCountY() != int(h.ChunkCountY) || d.ChunkCountZ() != int(h.ChunkCountZ) {
		return Descriptor{}, fmt.Errorf("%w: label chunk counts %dx%dx%d do not fit %s",
			format.ErrInvalidHeader, h.ChunkCountX, h.ChunkCountY, h.ChunkCountZ, d)
	}
	return d, nil
}

// Header returns the encoded file header for this volume's kind.
func (v *Volume) Header() []byte {
	d := v.desc
	if v.kind == KindLabel {
		return format.EncodeLabelHeader(format.LabelHeader{
			ChunkDim:    int32(d.ChunkDim),
			ChunkCountX: int32(d.ChunkCountX()),
			ChunkCountY: int32(d.ChunkCountY()),
			ChunkCountZ: int32(d.ChunkCountZ()),
		})
	}
	return format.EncodeVolumeHeader(format.VolumeHeader{
		Width:        int32(d.Width),
		Height:       int32(d.Height),
		Depth:        int32(d.Depth),
		ChunkDim:     int32(d.ChunkDim),
		BitsPerPixel: format.BitsPerPixel,
		PixelSize:    v.pixelSize,
		ChunkCountX:  int32(d.ChunkCountX()),
		ChunkCountY:  int32(d.ChunkCountY()),
		ChunkCountZ:  int32(d.ChunkCountZ()),
	})
}

// Descriptor returns the volume geometry.
func (v *Volume) Descriptor() Descriptor { return v.desc }

// PixelSize returns the physical voxel edge length in meters.
func (v *Volume) PixelSize() float64 { return v.pixelSize }

// Kind returns whether this is a grayscale or label volume.
func (v *Volume) Kind() Kind { return v.kind }

// Mode returns the per-voxel failure policy.
func (v *Volume) Mode() AccessMode { return v.mode }

// Storage returns the backend variant.
func (v *Volume) Storage() Storage { return v.storage }

// Path returns the backing file, or "" for in-memory volumes.
func (v *Volume) Path() string { return v.path }

// Get returns the voxel at (x, y, z). In Lenient mode failures read as 0 with
// a nil error.
func (v *Volume) Get(x, y, z int) (byte, error) {
	val, err := v.read(x, y, z)
	if err != nil {
		return 0, v.fail("get", x, y, z, err)
	}
	return val, nil
}

// Set stores value at (x, y, z). In Lenient mode failed writes are dropped
// with a nil error.
func (v *Volume) Set(x, y, z int, value byte) error {
	if err := v.write(x, y, z, value); err != nil {
		return v.fail("set", x, y, z, err)
	}
	return nil
}

func (v *Volume) read(x, y, z int) (byte, error) {
	if !v.desc.Contains(x, y, z) {
		return 0, fmt.Errorf("%w: voxel outside %s", ErrOutOfRange, v.desc)
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.be == nil {
		return 0, ErrReleased
	}
	ci, off := v.desc.ToChunk(x, y, z)
	return v.be.ReadVoxel(ci, off)
}

func (v *Volume) write(x, y, z int, value byte) error {
	if !v.desc.Contains(x, y, z) {
		return fmt.Errorf("%w: voxel outside %s", ErrOutOfRange, v.desc)
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.be == nil {
		return ErrReleased
	}
	ci, off := v.desc.ToChunk(x, y, z)
	return v.be.WriteVoxel(ci, off, value)
}

func (v *Volume) fail(op string, x, y, z int, err error) error {
	if v.mode == Strict {
		return fmt.Errorf("%s (%d,%d,%d): %w", op, x, y, z, err)
	}
	v.log.Warn().Err(err).Str("op", op).Int("x", x).Int("y", y).Int("z", z).Msg("voxel access failed")
	return nil
}

// ChunkBytes returns a copy of one chunk. Mutating the result never affects
// the volume.
func (v *Volume) ChunkBytes(chunk int) ([]byte, error) {
	buf := make([]byte, v.desc.ChunkBytes())
	if err := v.withBackend(func(be backend) error { return be.ReadChunk(chunk, buf) }); err != nil {
		return nil, fmt.Errorf("chunk %d: %w", chunk, err)
	}
	return buf, nil
}

// WriteChunk overwrites one whole chunk. src must hold ChunkDim³ bytes.
func (v *Volume) WriteChunk(chunk int, src []byte) error {
	if len(src) < v.desc.ChunkBytes() {
		return fmt.Errorf("%w: chunk buffer %d bytes, need %d", ErrOutOfRange, len(src), v.desc.ChunkBytes())
	}
	if err := v.withBackend(func(be backend) error { return be.WriteChunk(chunk, src) }); err != nil {
		return fmt.Errorf("chunk %d: %w", chunk, err)
	}
	return nil
}

// ReadSliceZ copies the XY plane at z into dst, row-major with X fastest.
// dst must hold Width*Height bytes. Calls with distinct z may run
// concurrently with each other and with WriteSliceZ on other z.
func (v *Volume) ReadSliceZ(z int, dst []byte) error {
	return v.sliceRuns(z, len(dst), func(be backend, ci, off int, plane []byte) error {
		return be.ReadRun(ci, off, plane)
	}, dst)
}

// WriteSliceZ overwrites the XY plane at z from plane.
func (v *Volume) WriteSliceZ(z int, plane []byte) error {
	return v.sliceRuns(z, len(plane), func(be backend, ci, off int, run []byte) error {
		return be.WriteRun(ci, off, run)
	}, plane)
}

// sliceRuns walks plane z as contiguous per-chunk row runs.
func (v *Volume) sliceRuns(z, n int, fn func(be backend, ci, off int, run []byte) error, plane []byte) error {
	d := v.desc
	if z < 0 || z >= d.Depth {
		return fmt.Errorf("%w: slice %d of depth %d", ErrOutOfRange, z, d.Depth)
	}
	if n < d.Width*d.Height {
		return fmt.Errorf("%w: slice buffer %d bytes, need %d", ErrOutOfRange, n, d.Width*d.Height)
	}
	return v.withBackend(func(be backend) error {
		for y := 0; y < d.Height; y++ {
			row := plane[y*d.Width : (y+1)*d.Width]
			for x0 := 0; x0 < d.Width; x0 += d.ChunkDim {
				x1 := min(x0+d.ChunkDim, d.Width)
				ci, off := d.ToChunk(x0, y, z)
				if err := fn(be, ci, off, row[x0:x1]); err != nil {
					return fmt.Errorf("slice %d row %d: %w", z, y, err)
				}
			}
		}
		return nil
	})
}

func (v *Volume) withBackend(fn func(be backend) error) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.be == nil {
		return ErrReleased
	}
	return fn(v.be)
}

// Flush forces mapped pages to disk. It is a no-op for in-memory volumes.
func (v *Volume) Flush() error {
	return v.withBackend(func(be backend) error { return be.Flush() })
}

// Release drops the mapping and file handle (or the chunk buffers) and marks
// the volume unusable. It is idempotent. The backing file may be deleted or
// renamed only after Release returns.
func (v *Volume) Release() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.be == nil {
		return nil
	}
	err := v.be.Close()
	v.be = nil
	v.log.Debug().Msg("volume released")
	return err
}

// Close implements io.Closer by calling Release.
func (v *Volume) Close() error {
	return v.Release()
}

// Released reports whether Release has been called.
func (v *Volume) Released() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.be == nil
}

var _ io.Closer = (*Volume)(nil)
