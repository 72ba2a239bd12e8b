package format

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Dataset file names.
const (
	VolumeFile    = "volume.bin"
	LabelFile     = "labels.bin"
	LegacyFile    = "volume.chk"
	MaterialsFile = "labels.chk"
)

// MarkerFile returns the name of the informational marker written after a
// dataset is binned by factor.
func MarkerFile(factor int) string {
	return fmt.Sprintf("binned_%dx3d.txt", factor)
}

// WriteLegacyFile writes the volume.chk record at path.
func WriteLegacyFile(path string, h LegacyHeader) error {
	if err := os.WriteFile(path, EncodeLegacyHeader(h), 0o644); err != nil {
		return fmt.Errorf("write legacy header: %w", err)
	}
	return nil
}

// ReadLegacyFile reads the volume.chk record at path.
func ReadLegacyFile(path string) (LegacyHeader, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return LegacyHeader{}, fmt.Errorf("read legacy header: %w", err)
	}
	return DecodeLegacyHeader(buf)
}

// ReadMaterials returns the opaque material table stored at path. A missing
// file is not an error; ok reports whether one was found.
func ReadMaterials(path string) (blob []byte, ok bool, err error) {
	blob, err = os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read materials: %w", err)
	}
	return blob, true, nil
}

// WriteMaterials writes the material table back verbatim.
func WriteMaterials(path string, blob []byte) error {
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return fmt.Errorf("write materials: %w", err)
	}
	return nil
}

// BinningMarker describes one binning pass for the human-readable marker.
type BinningMarker struct {
	Factor int
	Before [3]int
	After  [3]int
}

// String renders the marker file contents.
func (m BinningMarker) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Binned %dx (3D)\n", m.Factor)
	fmt.Fprintf(&b, "Original: %dx%dx%d\n", m.Before[0], m.Before[1], m.Before[2])
	fmt.Fprintf(&b, "New: %dx%dx%d\n", m.After[0], m.After[1], m.After[2])
	return b.String()
}

// WriteMarker writes the marker for m into dir and returns its path.
func WriteMarker(dir string, m BinningMarker) (string, error) {
	path := filepath.Join(dir, MarkerFile(m.Factor))
	if err := os.WriteFile(path, []byte(m.String()), 0o644); err != nil {
		return "", fmt.Errorf("write marker: %w", err)
	}
	return path, nil
}
