//go:build !unix

package volume

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/eunmann/ctvol/pkg/format"
)

func createMapped(path string, header []byte, chunks, chunkBytes int) (backend, error) {
	return nil, ioError("mmap", errors.ErrUnsupported)
}

func openMapped(path string, headerSize, chunks, chunkBytes int) (backend, error) {
	return nil, ioError("mmap", errors.ErrUnsupported)
}

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
