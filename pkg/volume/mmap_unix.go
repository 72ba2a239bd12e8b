//go:build unix

package volume

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/eunmann/ctvol/pkg/format"
)

// mmapBackend maps header+payload of one file read-write. Every voxel access
// goes through the single shared mapping.
type mmapBackend struct {
	file       *os.File
	data       []byte
	header     int
	chunks     int
	chunkBytes int
}

// createMapped creates or truncates path to its exact final size, writes
// header at offset 0, then maps the whole file.
func createMapped(path string, header []byte, chunks, chunkBytes int) (backend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, ioError("create file", err)
	}

	size := int64(len(header)) + int64(chunks)*int64(chunkBytes)
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, ioError("size file", err)
	}
	if _, err := f.WriteAt(header, 0); err != nil {
		f.Close()
		os.Remove(path)
		return nil, ioError("write header", err)
	}

	m, err := mapFile(f, size, len(header), chunks, chunkBytes)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return m, nil
}

// openMapped maps an existing file whose header is already on disk.
func openMapped(path string, headerSize, chunks, chunkBytes int) (backend, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, ioError("open file", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ioError("stat file", err)
	}
	size := int64(headerSize) + int64(chunks)*int64(chunkBytes)
	if info.Size() < size {
		f.Close()
		return nil, ioError("open file", fmt.Errorf("%w: %d < %d", format.ErrSizeMismatch, info.Size(), size))
	}

	m, err := mapFile(f, size, headerSize, chunks, chunkBytes)
	if err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

func mapFile(f *os.File, size int64, headerSize, chunks, chunkBytes int) (*mmapBackend, error) {
	if int64(int(size)) != size {
		return nil, ioError("mmap", fmt.Errorf("file size %d exceeds address space", size))
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, ioError("mmap", err)
	}
	return &mmapBackend{
		file:       f,
		data:       data,
		header:     headerSize,
		chunks:     chunks,
		chunkBytes: chunkBytes,
	}, nil
}

func (m *mmapBackend) pos(chunk, offset int) int {
	return int(GlobalByteOffset(chunk, offset, m.header, m.chunkBytes))
}

func (m *mmapBackend) ReadVoxel(chunk, offset int) (byte, error) {
	if err := checkRun(m.chunks, m.chunkBytes, chunk, offset, 1); err != nil {
		return 0, err
	}
	return m.data[m.pos(chunk, offset)], nil
}

func (m *mmapBackend) WriteVoxel(chunk, offset int, v byte) error {
	if err := checkRun(m.chunks, m.chunkBytes, chunk, offset, 1); err != nil {
		return err
	}
	m.data[m.pos(chunk, offset)] = v
	return nil
}

func (m *mmapBackend) ReadRun(chunk, offset int, dst []byte) error {
	if err := checkRun(m.chunks, m.chunkBytes, chunk, offset, len(dst)); err != nil {
		return err
	}
	copy(dst, m.data[m.pos(chunk, offset):])
	return nil
}

func (m *mmapBackend) WriteRun(chunk, offset int, src []byte) error {
	if err := checkRun(m.chunks, m.chunkBytes, chunk, offset, len(src)); err != nil {
		return err
	}
	copy(m.data[m.pos(chunk, offset):], src)
	return nil
}

func (m *mmapBackend) ReadChunk(chunk int, dst []byte) error {
	return m.ReadRun(chunk, 0, dst[:m.chunkBytes])
}

func (m *mmapBackend) WriteChunk(chunk int, src []byte) error {
	return m.WriteRun(chunk, 0, src[:m.chunkBytes])
}

func (m *mmapBackend) Flush() error {
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return ioError("msync", err)
	}
	return nil
}

// Close drops the mapping first, then the file handle.
func (m *mmapBackend) Close() error {
	var unmapErr error
	if m.data != nil {
		unmapErr = unix.Munmap(m.data)
		m.data = nil
	}
	closeErr := m.file.Close()
	if unmapErr != nil {
		return ioError("munmap", unmapErr)
	}
	if closeErr != nil {
		return ioError("close file", closeErr)
	}
	return nil
}

// readHeader reads the first n bytes of path.
func readHeader(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ioError("open file", err)
	}
	defer f.Close()

	buf := make([]byte, n)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, ioError("read header", fmt.Errorf("%w: %w", format.ErrInvalidHeader, err))
	}
	return buf, nil
}
