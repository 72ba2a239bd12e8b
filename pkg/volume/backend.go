package volume

import "fmt"

// Storage identifies which backend holds a volume's chunks.
type Storage int

const (
	// StorageMemory keeps one heap buffer per chunk.
	StorageMemory Storage = iota
	// StorageMapped keeps all chunks in one memory-mapped file.
	StorageMapped
)

func (s Storage) String() string {
	switch s {
	case StorageMemory:
		return "memory"
	case StorageMapped:
		return "mapped"
	default:
		return fmt.Sprintf("storage(%d)", int(s))
	}
}

// backend is the byte store behind a Volume. Chunks occupy disjoint byte
// ranges, so calls touching different voxels may run concurrently; calls
// touching the same voxel concurrently, where one is a write, are undefined.
type backend interface {
	ReadVoxel(chunk, offset int) (byte, error)
	WriteVoxel(chunk, offset int, v byte) error
	// ReadRun copies len(dst) contiguous bytes of one chunk starting at offset.
	ReadRun(chunk, offset int, dst []byte) error
	// WriteRun is the mirror of ReadRun.
	WriteRun(chunk, offset int, src []byte) error
	ReadChunk(chunk int, dst []byte) error
	WriteChunk(chunk int, src []byte) error
	Flush() error
	Close() error
}

func checkRun(chunks, chunkBytes, chunk, offset, n int) error {
	if chunk < 0 || chunk >= chunks {
		return fmt.Errorf("%w: chunk %d of %d", ErrOutOfRange, chunk, chunks)
	}
	if offset < 0 || n < 0 || offset+n > chunkBytes {
		return fmt.Errorf("%w: bytes [%d,%d) of chunk size %d", ErrOutOfRange, offset, offset+n, chunkBytes)
	}
	return nil
}
