// Package labels gives one view over the two ways a material-label grid is
// held: a dense in-process array for small volumes, or a chunked label
// volume for large ones.
package labels

import (
	"fmt"

	"github.com/eunmann/ctvol/pkg/volume"
)

// Representation is the storage behind a Grid.
type Representation int

const (
	// Dense holds every label in one []byte, X fastest, then Y, then Z.
	Dense Representation = iota
	// Chunked holds labels in a *volume.Volume of KindLabel.
	Chunked
)

func (r Representation) String() string {
	if r == Chunked {
		return "chunked"
	}
	return "dense"
}

// Grid is a label grid in either representation. Callers use Width, Height,
// Depth, At and Set and never inspect the representation.
type Grid struct {
	rep                  Representation
	width, height, depth int
	dense                []byte
	vol                  *volume.Volume
}

// NewDense allocates an all-background dense grid.
func NewDense(width, height, depth int) (*Grid, error) {
	if err := checkDims(width, height, depth); err != nil {
		return nil, err
	}
	return &Grid{
		rep:    Dense,
		width:  width,
		height: height,
		depth:  depth,
		dense:  make([]byte, width*height*depth),
	}, nil
}

// Empty returns an all-background dense grid and panics on invalid
// dimensions. It is meant for tests and small placeholders.
func Empty(width, height, depth int) *Grid {
	g, err := NewDense(width, height, depth)
	if err != nil {
		panic(err)
	}
	return g
}

// FromDense wraps data, which must hold width*height*depth labels. The grid
// shares data with the caller.
func FromDense(width, height, depth int, data []byte) (*Grid, error) {
	if err := checkDims(width, height, depth); err != nil {
		return nil, err
	}
	if len(data) != width*height*depth {
		return nil, fmt.Errorf("%w: %d labels for %dx%dx%d", volume.ErrInvalidDimensions, len(data), width, height, depth)
	}
	return &Grid{rep: Dense, width: width, height: height, depth: depth, dense: data}, nil
}

// FromVolume wraps a label volume. The grid does not take ownership; the
// caller still releases v.
func FromVolume(v *volume.Volume) (*Grid, error) {
	if v.Kind() != volume.KindLabel {
		return nil, fmt.Errorf("label grid needs a label volume, got %s", v.Kind())
	}
	d := v.Descriptor()
	return &Grid{rep: Chunked, width: d.Width, height: d.Height, depth: d.Depth, vol: v}, nil
}

func checkDims(width, height, depth int) error {
	for _, n := range [...]int{width, height, depth} {
		if n < 1 || n > volume.MaxDimension {
			return fmt.Errorf("%w: label grid %dx%dx%d", volume.ErrInvalidDimensions, width, height, depth)
		}
	}
	return nil
}

// Representation reports the storage in use.
func (g *Grid) Representation() Representation { return g.rep }

// Width returns the X extent.
func (g *Grid) Width() int { return g.width }

// Height returns the Y extent.
func (g *Grid) Height() int { return g.height }

// Depth returns the Z extent.
func (g *Grid) Depth() int { return g.depth }

func (g *Grid) index(x, y, z int) (int, error) {
	if x < 0 || y < 0 || z < 0 || x >= g.width || y >= g.height || z >= g.depth {
		return 0, fmt.Errorf("%w: label (%d,%d,%d) outside %dx%dx%d",
			volume.ErrOutOfRange, x, y, z, g.width, g.height, g.depth)
	}
	return (z*g.height+y)*g.width + x, nil
}

// At returns the label at (x, y, z). A chunked grid follows its volume's
// access mode.
func (g *Grid) At(x, y, z int) (byte, error) {
	if g.rep == Chunked {
		return g.vol.Get(x, y, z)
	}
	i, err := g.index(x, y, z)
	if err != nil {
		return 0, err
	}
	return g.dense[i], nil
}

// Set stores label at (x, y, z).
func (g *Grid) Set(x, y, z int, label byte) error {
	if g.rep == Chunked {
		return g.vol.Set(x, y, z, label)
	}
	i, err := g.index(x, y, z)
	if err != nil {
		return err
	}
	g.dense[i] = label
	return nil
}

// ReadSliceZ copies the labels of plane z into dst, which holds
// Width*Height bytes.
func (g *Grid) ReadSliceZ(z int, dst []byte) error {
	if g.rep == Chunked {
		return g.vol.ReadSliceZ(z, dst)
	}
	n := g.width * g.height
	if z < 0 || z >= g.depth || len(dst) < n {
		return fmt.Errorf("%w: label slice %d", volume.ErrOutOfRange, z)
	}
	copy(dst, g.dense[z*n:(z+1)*n])
	return nil
}

// Counts returns how many voxels carry each label.
func (g *Grid) Counts() ([256]int64, error) {
	var counts [256]int64
	plane := make([]byte, g.width*g.height)
	for z := 0; z < g.depth; z++ {
		if err := g.ReadSliceZ(z, plane); err != nil {
			return counts, err
		}
		for _, l := range plane {
			counts[l]++
		}
	}
	return counts, nil
}

// ToVolume copies the grid into a new label volume. A chunked grid copies
// its volume slice by slice into the same kind of storage at path ("" for
// memory).
func (g *Grid) ToVolume(path string, chunkDim int, opts volume.Options) (*volume.Volume, error) {
	d, err := volume.NewDescriptor(g.width, g.height, g.depth, chunkDim)
	if err != nil {
		return nil, err
	}
	v, err := volume.Create(path, volume.KindLabel, d, 0, opts)
	if err != nil {
		return nil, err
	}
	plane := make([]byte, g.width*g.height)
	for z := 0; z < g.depth; z++ {
		err := g.ReadSliceZ(z, plane)
		if err == nil {
			err = v.WriteSliceZ(z, plane)
		}
		if err != nil {
			v.Release()
			return nil, fmt.Errorf("copy label slice %d: %w", z, err)
		}
	}
	return v, nil
}
