// Package fileutil provides the tmp+rename file handling used when a
// dataset file is rebuilt in place.
package fileutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/eunmann/ctvol/pkg/format"
	"github.com/eunmann/ctvol/pkg/logging"
)

// TmpSuffix marks files that are still being written.
const TmpSuffix = ".tmp"

// TmpPath returns the in-progress name for path.
func TmpPath(path string) string {
	return path + TmpSuffix
}

// Exists returns true if the file exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsNonEmpty returns true if the file exists and has non-zero size.
func IsNonEmpty(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() > 0
}

// VolumeFileValid reports whether path holds a grayscale volume whose size
// matches its header.
func VolumeFileValid(path string) bool {
	buf, size, ok := readPrefix(path, format.VolumeHeaderSize)
	if !ok {
		return false
	}
	h, err := format.DecodeVolumeHeader(buf)
	if err != nil {
		return false
	}
	chunks := int64(h.ChunkCountX) * int64(h.ChunkCountY) * int64(h.ChunkCountZ)
	cd := int64(h.ChunkDim)
	return size == int64(format.VolumeHeaderSize)+chunks*cd*cd*cd
}

// LabelFileValid reports whether path holds a label volume matching a
// grayscale volume of the given dimensions.
func LabelFileValid(path string, width, height, depth int) bool {
	buf, size, ok := readPrefix(path, format.LabelHeaderSize)
	if !ok {
		return false
	}
	h, err := format.DecodeLabelHeader(buf)
	if err != nil {
		return false
	}
	if h.ChunkCountX != format.ChunkCount(int32(width), h.ChunkDim) ||
		h.ChunkCountY != format.ChunkCount(int32(height), h.ChunkDim) ||
		h.ChunkCountZ != format.ChunkCount(int32(depth), h.ChunkDim) {
		return false
	}
	chunks := int64(h.ChunkCountX) * int64(h.ChunkCountY) * int64(h.ChunkCountZ)
	cd := int64(h.ChunkDim)
	return size == int64(format.LabelHeaderSize)+chunks*cd*cd*cd
}

func readPrefix(path string, n int) ([]byte, int64, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, false
	}
	defer f.Close()

	buf := make([]byte, n)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, 0, false
	}
	info, err := f.Stat()
	if err != nil {
		return nil, 0, false
	}
	return buf, info.Size(), true
}

// WriteTmpThenMove writes outPath through its tmp name. writeFunc receives
// the tmp path and must write the complete file; on success the file is
// synced and renamed over outPath.
func WriteTmpThenMove(outPath string, writeFunc func(tmpPath string) error) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmpPath := TmpPath(outPath)
	if err := writeFunc(tmpPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := syncFile(tmpPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp to final: %w", err)
	}
	return nil
}

// ReplaceFile deletes finalPath, then renames tmpPath to it. Every handle
// and mapping of both files must already be released. A missing finalPath
// is not an error.
func ReplaceFile(tmpPath, finalPath string) error {
	if err := os.Remove(finalPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete original: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("rename temp to final: %w", err)
	}
	return SyncDir(filepath.Dir(finalPath))
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	err = f.Sync()
	f.Close()
	return err
}

// SyncDir fsyncs a directory so renames within it persist.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// CleanupTmpFiles removes leftover .tmp files directly inside dir and
// returns how many were removed.
func CleanupTmpFiles(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read dir: %w", err)
	}

	var removed int
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), TmpSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		logging.L().Debug().Int("files_removed", removed).Str("dir", dir).Msg("cleaned up tmp files")
	}
	return removed, nil
}
