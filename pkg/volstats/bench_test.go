package volstats

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/eunmann/ctvol/pkg/benchutil"
	"github.com/eunmann/ctvol/pkg/volume"
)

func BenchmarkCompute(b *testing.B) {
	l := zerolog.Nop()
	for _, edge := range benchutil.BenchmarkEdges {
		b.Run(fmt.Sprintf("edge=%d", edge), func(b *testing.B) {
			v, err := benchutil.NewVolume(edge, edge, edge, 64, benchutil.Gradient(edge), volume.Options{Logger: &l})
			if err != nil {
				b.Fatal(err)
			}
			defer v.Release()
			b.SetBytes(v.Descriptor().Voxels())
			b.ResetTimer()
			for b.Loop() {
				if _, err := Compute(context.Background(), v, 0); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
