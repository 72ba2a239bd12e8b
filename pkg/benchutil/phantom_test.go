package benchutil

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/eunmann/ctvol/pkg/volume"
)

func TestSphere(t *testing.T) {
	p := Sphere(9, 9, 9, 0.5)
	if got := p(4, 4, 4); got != 220 {
		t.Errorf("centre = %d, want 220", got)
	}
	if got := p(0, 0, 0); got != 20 {
		t.Errorf("corner = %d, want 20", got)
	}
}

func TestGradient(t *testing.T) {
	p := Gradient(6)
	if p(0, 0, 0) != 0 || p(3, 3, 5) != 255 {
		t.Errorf("ends = %d, %d", p(0, 0, 0), p(3, 3, 5))
	}
	if Gradient(1)(0, 0, 0) != 0 {
		t.Error("single slice gradient should be 0")
	}
}

func TestNoiseReproducible(t *testing.T) {
	a := Noise(Gradient(10), 5, BenchmarkSeed)
	b := Noise(Gradient(10), 5, BenchmarkSeed)
	for z := 0; z < 10; z++ {
		if a(1, 2, z) != b(1, 2, z) {
			t.Fatalf("noise differs at z=%d", z)
		}
		base := int(Gradient(10)(1, 2, z))
		if diff := int(a(1, 2, z)) - base; diff < -5 || diff > 5 {
			t.Errorf("z=%d: noise %d outside amplitude", z, diff)
		}
	}
}

func TestNewVolume(t *testing.T) {
	l := zerolog.Nop()
	p := Sphere(10, 7, 5, 0.8)
	v, err := NewVolume(10, 7, 5, 4, p, volume.Options{Logger: &l})
	if err != nil {
		t.Fatal(err)
	}
	defer v.Release()
	for z := 0; z < 5; z++ {
		for y := 0; y < 7; y++ {
			for x := 0; x < 10; x++ {
				got, err := v.Get(x, y, z)
				if err != nil || got != p(x, y, z) {
					t.Fatalf("(%d,%d,%d) = %d, %v; want %d", x, y, z, got, err, p(x, y, z))
				}
			}
		}
	}
}
