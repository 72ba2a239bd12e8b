package volume

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/eunmann/ctvol/pkg/format"
)

const streamBufferSize = 1 << 20

// WriteAllChunks streams every chunk to w in canonical order. Each chunk is
// copied into a scratch buffer first, so the mapping is never handed to w.
func (v *Volume) WriteAllChunks(w io.Writer) error {
	bp := v.scratch.Get()
	defer v.scratch.Put(bp)
	buf := *bp

	return v.withBackend(func(be backend) error {
		total := v.desc.TotalChunks()
		for ci := 0; ci < total; ci++ {
			if err := be.ReadChunk(ci, buf); err != nil {
				return fmt.Errorf("read chunk %d: %w", ci, err)
			}
			if _, err := w.Write(buf); err != nil {
				return ioError(fmt.Sprintf("write chunk %d", ci), err)
			}
		}
		return nil
	})
}

// ReadAllChunks fills every chunk from r in canonical order. A stream that
// ends early leaves the remainder zero; this is logged as ErrIncompleteChunk
// and does not fail the read.
func (v *Volume) ReadAllChunks(r io.Reader) error {
	bp := v.scratch.Get()
	defer v.scratch.Put(bp)
	buf := *bp

	return v.withBackend(func(be backend) error {
		total := v.desc.TotalChunks()
		short, firstShort := 0, -1
		for ci := 0; ci < total; ci++ {
			n, err := io.ReadFull(r, buf)
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					return ioError(fmt.Sprintf("read chunk %d", ci), err)
				}
				clear(buf[n:])
				short++
				if firstShort < 0 {
					firstShort = ci
				}
			}
			if err := be.WriteChunk(ci, buf); err != nil {
				return fmt.Errorf("write chunk %d: %w", ci, err)
			}
		}
		if short > 0 {
			v.log.Warn().
				Err(ErrIncompleteChunk).
				Int("first_chunk", firstShort).
				Int("short_chunks", short).
				Int("total_chunks", total).
				Msg("chunk stream ended early; zero-padded remainder")
		}
		return nil
	})
}

// Save writes v as a complete volume file: header, then the chunk stream.
func Save(v *Volume, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return ioError("create file", err)
	}

	w := bufio.NewWriterSize(f, streamBufferSize)
	if _, err := w.Write(v.Header()); err != nil {
		f.Close()
		return ioError("write header", err)
	}
	if err := v.WriteAllChunks(w); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return ioError("flush", err)
	}
	if err := f.Close(); err != nil {
		return ioError("close file", err)
	}
	return nil
}

// Load reads a grayscale volume file into an in-memory volume.
func Load(path string, opts Options) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ioError("open file", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, streamBufferSize)
	buf := make([]byte, format.VolumeHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, ioError("read header", fmt.Errorf("%w: %w", format.ErrInvalidHeader, err))
	}
	h, err := format.DecodeVolumeHeader(buf)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	d, err := NewDescriptor(int(h.Width), int(h.Height), int(h.Depth), int(h.ChunkDim))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	v, err := NewInMemory(d, h.PixelSize, opts)
	if err != nil {
		return nil, err
	}
	if err := v.ReadAllChunks(r); err != nil {
		v.Release()
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return v, nil
}

// LoadLabels reads a label file into an in-memory label volume with the
// dimensions of its paired grayscale volume.
func LoadLabels(path string, width, height, depth int, opts Options) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ioError("open file", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, streamBufferSize)
	buf := make([]byte, format.LabelHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, ioError("read header", fmt.Errorf("%w: %w", format.ErrInvalidHeader, err))
	}
	d, err := labelDescriptor(buf, width, height, depth)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	v, err := NewLabelsInMemory(d, opts)
	if err != nil {
		return nil, err
	}
	if err := v.ReadAllChunks(r); err != nil {
		v.Release()
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return v, nil
}
