package volume

import "fmt"

const (
	// MaxDimension is the largest supported width, height or depth.
	MaxDimension = 65536
	// MaxChunkDim is the largest supported chunk edge.
	MaxChunkDim = 1024
)

// Descriptor is the immutable geometry of a volume. Chunks are cubes of
// ChunkDim voxels; edge chunks of a non-divisible dimension are padded to a
// full cube.
type Descriptor struct {
	Width    int
	Height   int
	Depth    int
	ChunkDim int
}

// NewDescriptor validates and returns a descriptor.
func NewDescriptor(width, height, depth, chunkDim int) (Descriptor, error) {
	d := Descriptor{Width: width, Height: height, Depth: depth, ChunkDim: chunkDim}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Validate checks the descriptor against the supported bounds.
func (d Descriptor) Validate() error {
	for _, dim := range [...]struct {
		name string
		v    int
	}{{"width", d.Width}, {"height", d.Height}, {"depth", d.Depth}} {
		if dim.v < 1 || dim.v > MaxDimension {
			return fmt.Errorf("%w: %s %d not in [1, %d]", ErrInvalidDimensions, dim.name, dim.v, MaxDimension)
		}
	}
	if d.ChunkDim < 1 || d.ChunkDim > MaxChunkDim {
		return fmt.Errorf("%w: chunk dim %d not in [1, %d]", ErrInvalidDimensions, d.ChunkDim, MaxChunkDim)
	}
	return nil
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%dx%dx%d/%d", d.Width, d.Height, d.Depth, d.ChunkDim)
}

// ChunkCountX returns the number of chunks along X.
func (d Descriptor) ChunkCountX() int { return ceilDiv(d.Width, d.ChunkDim) }

// ChunkCountY returns the number of chunks along Y.
func (d Descriptor) ChunkCountY() int { return ceilDiv(d.Height, d.ChunkDim) }

// ChunkCountZ returns the number of chunks along Z.
func (d Descriptor) ChunkCountZ() int { return ceilDiv(d.Depth, d.ChunkDim) }

// TotalChunks returns ChunkCountX*ChunkCountY*ChunkCountZ.
func (d Descriptor) TotalChunks() int {
	return d.ChunkCountX() * d.ChunkCountY() * d.ChunkCountZ()
}

// ChunkBytes returns the size of one chunk buffer, ChunkDim³.
func (d Descriptor) ChunkBytes() int {
	return d.ChunkDim * d.ChunkDim * d.ChunkDim
}

// PayloadBytes returns the size of the full chunk stream.
func (d Descriptor) PayloadBytes() int64 {
	return int64(d.TotalChunks()) * int64(d.ChunkBytes())
}

// Voxels returns the number of addressable voxels.
func (d Descriptor) Voxels() int64 {
	return int64(d.Width) * int64(d.Height) * int64(d.Depth)
}

// Contains reports whether (x, y, z) lies inside the logical volume.
func (d Descriptor) Contains(x, y, z int) bool {
	return x >= 0 && x < d.Width && y >= 0 && y < d.Height && z >= 0 && z < d.Depth
}

// ToChunk maps a voxel to its chunk index and intra-chunk offset. The
// coordinate must satisfy Contains.
func (d Descriptor) ToChunk(x, y, z int) (chunk, offset int) {
	cd := d.ChunkDim
	cx, cy, cz := x/cd, y/cd, z/cd
	lx, ly, lz := x-cx*cd, y-cy*cd, z-cz*cd
	chunk = (cz*d.ChunkCountY()+cy)*d.ChunkCountX() + cx
	offset = (lz*cd+ly)*cd + lx
	return chunk, offset
}

// FromChunk is the inverse of ToChunk. Offsets that fall in edge padding map
// to coordinates outside the logical volume.
func (d Descriptor) FromChunk(chunk, offset int) (x, y, z int) {
	cd := d.ChunkDim
	cx, cy, cz := d.ChunkCoord(chunk)
	lx := offset % cd
	ly := (offset / cd) % cd
	lz := offset / (cd * cd)
	return cx*cd + lx, cy*cd + ly, cz*cd + lz
}

// ChunkIndex returns the canonical (X fastest, then Y, then Z) index of a
// chunk coordinate.
func (d Descriptor) ChunkIndex(cx, cy, cz int) (int, error) {
	nx, ny, nz := d.ChunkCountX(), d.ChunkCountY(), d.ChunkCountZ()
	if cx < 0 || cx >= nx || cy < 0 || cy >= ny || cz < 0 || cz >= nz {
		return 0, fmt.Errorf("%w: chunk (%d,%d,%d) outside %dx%dx%d", ErrOutOfRange, cx, cy, cz, nx, ny, nz)
	}
	return (cz*ny+cy)*nx + cx, nil
}

// ChunkCoord is the inverse of ChunkIndex.
func (d Descriptor) ChunkCoord(chunk int) (cx, cy, cz int) {
	nx, ny := d.ChunkCountX(), d.ChunkCountY()
	return chunk % nx, (chunk / nx) % ny, chunk / (nx * ny)
}

// GlobalByteOffset returns the file offset of a voxel inside a mapped volume.
func GlobalByteOffset(chunk, localOffset, headerSize, chunkByteSize int) uint64 {
	return uint64(headerSize) + uint64(chunk)*uint64(chunkByteSize) + uint64(localOffset)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
