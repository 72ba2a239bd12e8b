package format

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ManifestFile is the name of the dataset manifest.
const ManifestFile = "manifest.json"

// ManifestVersion is the current manifest format version.
const ManifestVersion = 1

// ErrManifestMismatch indicates a dataset file disagrees with its manifest.
var ErrManifestMismatch = errors.New("dataset file does not match manifest")

// Manifest describes the files of a dataset directory.
type Manifest struct {
	Version   int                 `json:"version"`
	CreatedAt time.Time           `json:"created_at"`
	Width     int                 `json:"width"`
	Height    int                 `json:"height"`
	Depth     int                 `json:"depth"`
	ChunkDim  int                 `json:"chunk_dim"`
	PixelSize float64             `json:"pixel_size"`
	Files     map[string]FileInfo `json:"files"`
}

// FileInfo describes one file of the dataset.
type FileInfo struct {
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"` // SHA-256 hex
}

// DatasetFiles lists every file a dataset directory may contain, required
// first. Only VolumeFile is mandatory.
func DatasetFiles() []string {
	return []string{VolumeFile, LegacyFile, LabelFile, MaterialsFile}
}

// WriteManifest checksums the dataset files present in dir and writes
// manifest.json. Geometry is taken from the volume header.
func WriteManifest(dir string) (*Manifest, error) {
	hdr, err := readVolumeHeaderFile(filepath.Join(dir, VolumeFile))
	if err != nil {
		return nil, err
	}
	m := Manifest{
		Version:   ManifestVersion,
		CreatedAt: time.Now().UTC(),
		Width:     int(hdr.Width),
		Height:    int(hdr.Height),
		Depth:     int(hdr.Depth),
		ChunkDim:  int(hdr.ChunkDim),
		PixelSize: hdr.PixelSize,
		Files:     make(map[string]FileInfo),
	}

	for _, name := range DatasetFiles() {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", name, err)
		}
		sum, err := checksumFile(path)
		if err != nil {
			return nil, fmt.Errorf("checksum %s: %w", name, err)
		}
		m.Files[name] = FileInfo{Size: info.Size(), Checksum: sum}
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := writeFileSync(filepath.Join(dir, ManifestFile), data); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return &m, nil
}

// ReadManifest reads manifest.json from dir.
func ReadManifest(dir string) (*Manifest, error) {
	f, err := os.Open(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	defer f.Close()
	return ParseManifest(f)
}

// ParseManifest decodes a manifest from r.
func ParseManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Version != ManifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	if _, ok := m.Files[VolumeFile]; !ok {
		return nil, fmt.Errorf("manifest does not list %s", VolumeFile)
	}
	return &m, nil
}

// VerifyManifest checks every listed file in dir against its size and
// checksum.
func VerifyManifest(dir string, m *Manifest) error {
	for name, want := range m.Files {
		path := filepath.Join(dir, name)
		stat, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("file %s: %w", name, err)
		}
		if stat.Size() != want.Size {
			return fmt.Errorf("%w: %s size %d, want %d", ErrManifestMismatch, name, stat.Size(), want.Size)
		}
		sum, err := checksumFile(path)
		if err != nil {
			return fmt.Errorf("checksum %s: %w", name, err)
		}
		if sum != want.Checksum {
			return fmt.Errorf("%w: %s checksum", ErrManifestMismatch, name)
		}
	}
	return nil
}

func readVolumeHeaderFile(path string) (VolumeHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return VolumeHeader{}, fmt.Errorf("open volume: %w", err)
	}
	defer f.Close()

	buf := make([]byte, VolumeHeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return VolumeHeader{}, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}
	return DecodeVolumeHeader(buf)
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeFileSync writes data to path and fsyncs it.
func writeFileSync(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
