package volume

import (
	"golang.org/x/sync/errgroup"
)

type memoryBackend struct {
	chunks     [][]byte
	chunkBytes int
}

// newMemoryBackend allocates every chunk up front. Allocation is split across
// workers since the buffers are disjoint.
func newMemoryBackend(d Descriptor, workers int) (*memoryBackend, error) {
	total := d.TotalChunks()
	cb := d.ChunkBytes()
	chunks := make([][]byte, total)

	if workers < 1 {
		workers = 1
	}
	if workers > total {
		workers = total
	}
	per := ceilDiv(total, workers)

	var g errgroup.Group
	for lo := 0; lo < total; lo += per {
		hi := min(lo+per, total)
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				chunks[i] = make([]byte, cb)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &memoryBackend{chunks: chunks, chunkBytes: cb}, nil
}

func (m *memoryBackend) ReadVoxel(chunk, offset int) (byte, error) {
	if err := checkRun(len(m.chunks), m.chunkBytes, chunk, offset, 1); err != nil {
		return 0, err
	}
	return m.chunks[chunk][offset], nil
}

func (m *memoryBackend) WriteVoxel(chunk, offset int, v byte) error {
	if err := checkRun(len(m.chunks), m.chunkBytes, chunk, offset, 1); err != nil {
		return err
	}
	m.chunks[chunk][offset] = v
	return nil
}

func (m *memoryBackend) ReadRun(chunk, offset int, dst []byte) error {
	if err := checkRun(len(m.chunks), m.chunkBytes, chunk, offset, len(dst)); err != nil {
		return err
	}
	copy(dst, m.chunks[chunk][offset:])
	return nil
}

func (m *memoryBackend) WriteRun(chunk, offset int, src []byte) error {
	if err := checkRun(len(m.chunks), m.chunkBytes, chunk, offset, len(src)); err != nil {
		return err
	}
	copy(m.chunks[chunk][offset:], src)
	return nil
}

func (m *memoryBackend) ReadChunk(chunk int, dst []byte) error {
	return m.ReadRun(chunk, 0, dst[:m.chunkBytes])
}

func (m *memoryBackend) WriteChunk(chunk int, src []byte) error {
	return m.WriteRun(chunk, 0, src[:m.chunkBytes])
}

func (m *memoryBackend) Flush() error { return nil }

func (m *memoryBackend) Close() error {
	m.chunks = nil
	return nil
}
