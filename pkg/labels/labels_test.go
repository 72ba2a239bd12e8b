package labels

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/eunmann/ctvol/pkg/volume"
)

func quietOptions() volume.Options {
	l := zerolog.Nop()
	return volume.Options{Logger: &l}
}

func labelVolume(t *testing.T, w, h, d int) *volume.Volume {
	t.Helper()
	desc, err := volume.NewDescriptor(w, h, d, 4)
	if err != nil {
		t.Fatal(err)
	}
	v, err := volume.NewLabelsInMemory(desc, quietOptions())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { v.Release() })
	return v
}

// grids returns one grid of each representation with the same extents.
func grids(t *testing.T, w, h, d int) map[string]*Grid {
	t.Helper()
	dense, err := NewDense(w, h, d)
	if err != nil {
		t.Fatal(err)
	}
	chunked, err := FromVolume(labelVolume(t, w, h, d))
	if err != nil {
		t.Fatal(err)
	}
	return map[string]*Grid{"dense": dense, "chunked": chunked}
}

func TestGridUniformAccess(t *testing.T) {
	for name, g := range grids(t, 6, 5, 7) {
		t.Run(name, func(t *testing.T) {
			if g.Width() != 6 || g.Height() != 5 || g.Depth() != 7 {
				t.Fatalf("extents = %d %d %d", g.Width(), g.Height(), g.Depth())
			}
			for z := 0; z < 7; z++ {
				for y := 0; y < 5; y++ {
					for x := 0; x < 6; x++ {
						if err := g.Set(x, y, z, byte((x+y+z)%4)); err != nil {
							t.Fatal(err)
						}
					}
				}
			}
			for z := 0; z < 7; z++ {
				for y := 0; y < 5; y++ {
					for x := 0; x < 6; x++ {
						got, err := g.At(x, y, z)
						if err != nil {
							t.Fatal(err)
						}
						if want := byte((x + y + z) % 4); got != want {
							t.Fatalf("At(%d,%d,%d) = %d, want %d", x, y, z, got, want)
						}
					}
				}
			}
		})
	}
}

func TestGridOutOfRange(t *testing.T) {
	for name, g := range grids(t, 3, 3, 3) {
		t.Run(name, func(t *testing.T) {
			if _, err := g.At(3, 0, 0); !errors.Is(err, volume.ErrOutOfRange) {
				t.Errorf("At: got %v, want ErrOutOfRange", err)
			}
			if err := g.Set(0, -1, 0, 1); !errors.Is(err, volume.ErrOutOfRange) {
				t.Errorf("Set: got %v, want ErrOutOfRange", err)
			}
		})
	}
}

func TestGridCounts(t *testing.T) {
	for name, g := range grids(t, 4, 4, 2) {
		t.Run(name, func(t *testing.T) {
			g.Set(0, 0, 0, 7)
			g.Set(3, 3, 1, 7)
			g.Set(1, 2, 1, 200)
			counts, err := g.Counts()
			if err != nil {
				t.Fatal(err)
			}
			if counts[0] != 29 || counts[7] != 2 || counts[200] != 1 {
				t.Errorf("counts = bg %d, 7:%d, 200:%d", counts[0], counts[7], counts[200])
			}
		})
	}
}

func TestFromDense(t *testing.T) {
	data := make([]byte, 2*3*4)
	data[(3*3+2)*2+1] = 9
	g, err := FromDense(2, 3, 4, data)
	if err != nil {
		t.Fatal(err)
	}
	if g.Representation() != Dense {
		t.Errorf("representation = %v", g.Representation())
	}
	if v, _ := g.At(1, 2, 3); v != 9 {
		t.Errorf("At(1,2,3) = %d, want 9", v)
	}

	if _, err := FromDense(2, 3, 4, data[:5]); !errors.Is(err, volume.ErrInvalidDimensions) {
		t.Errorf("short data: got %v", err)
	}
	if _, err := NewDense(0, 1, 1); !errors.Is(err, volume.ErrInvalidDimensions) {
		t.Errorf("zero width: got %v", err)
	}
}

func TestFromVolumeRejectsGrayscale(t *testing.T) {
	desc, _ := volume.NewDescriptor(2, 2, 2, 2)
	gray, err := volume.NewInMemory(desc, 1, quietOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer gray.Release()
	if _, err := FromVolume(gray); err == nil {
		t.Error("expected error for grayscale volume")
	}
}

func TestToVolume(t *testing.T) {
	g := Empty(5, 3, 2)
	g.Set(4, 2, 1, 3)
	g.Set(0, 0, 0, 1)

	path := filepath.Join(t.TempDir(), "labels.bin")
	v, err := g.ToVolume(path, 4, quietOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer v.Release()
	if v.Kind() != volume.KindLabel || v.Storage() != volume.StorageMapped {
		t.Errorf("kind %v storage %v", v.Kind(), v.Storage())
	}

	back, err := FromVolume(v)
	if err != nil {
		t.Fatal(err)
	}
	if back.Representation() != Chunked {
		t.Errorf("representation = %v", back.Representation())
	}
	if l, _ := back.At(4, 2, 1); l != 3 {
		t.Errorf("At(4,2,1) = %d, want 3", l)
	}
	if l, _ := back.At(0, 0, 0); l != 1 {
		t.Errorf("At(0,0,0) = %d, want 1", l)
	}
}
