//go:build unix

package volume

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/eunmann/ctvol/pkg/format"
)

func TestMappedCreateSizesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.bin")
	opts, _ := testOptions(Strict)
	d := mustDescriptor(t, 10, 10, 10, 4)

	v, err := CreateMapped(path, d, 0.25, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer v.Release()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(format.VolumeHeaderSize) + d.PayloadBytes(); info.Size() != want {
		t.Errorf("file size = %d, want %d", info.Size(), want)
	}
	if v.Storage() != StorageMapped || v.Path() != path {
		t.Errorf("storage/path = %v/%q", v.Storage(), v.Path())
	}
}

func TestMappedSetGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.bin")
	opts, _ := testOptions(Strict)
	v, err := CreateMapped(path, mustDescriptor(t, 13, 11, 9, 4), 1, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer v.Release()

	checkSetGetRoundTrip(t, v)
}

func TestMappedPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.bin")
	opts, _ := testOptions(Strict)
	d := mustDescriptor(t, 12, 7, 5, 4)

	v, err := CreateMapped(path, d, 3.5e-6, opts)
	if err != nil {
		t.Fatal(err)
	}
	fillPattern(t, v)
	if err := v.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := v.Release(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenMapped(path, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Release()
	if reopened.Descriptor() != d || reopened.PixelSize() != 3.5e-6 {
		t.Errorf("reopened %v px %v", reopened.Descriptor(), reopened.PixelSize())
	}
	checkPattern(t, reopened)

	// The mapped file is itself a valid full volume file.
	loaded, err := Load(path, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer loaded.Release()
	checkPattern(t, loaded)
}

func TestMappedMatchesInMemoryStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.bin")
	opts, _ := testOptions(Strict)
	d := mustDescriptor(t, 9, 9, 9, 4)

	mem, _ := NewInMemory(d, 1, opts)
	defer mem.Release()
	mapped, err := CreateMapped(path, d, 1, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer mapped.Release()
	fillPattern(t, mem)
	fillPattern(t, mapped)

	var a, b bytes.Buffer
	if err := mem.WriteAllChunks(&a); err != nil {
		t.Fatal(err)
	}
	if err := mapped.WriteAllChunks(&b); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Error("mapped and in-memory chunk streams differ")
	}

	// ReadAllChunks into a mapped store.
	other, err := CreateMapped(filepath.Join(t.TempDir(), "other.bin"), d, 1, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer other.Release()
	if err := other.ReadAllChunks(&a); err != nil {
		t.Fatal(err)
	}
	checkPattern(t, other)
}

func TestMappedReleaseAllowsRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "volume.bin.tmp")
	opts, _ := testOptions(Strict)

	v, err := CreateMapped(path, mustDescriptor(t, 4, 4, 4, 4), 1, opts)
	if err != nil {
		t.Fatal(err)
	}
	v.Set(1, 2, 3, 77)
	if err := v.Release(); err != nil {
		t.Fatal(err)
	}
	if err := v.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}

	final := filepath.Join(dir, "volume.bin")
	if err := os.Rename(path, final); err != nil {
		t.Fatal(err)
	}
	reopened, err := OpenMapped(final, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Release()
	if got, _ := reopened.Get(1, 2, 3); got != 77 {
		t.Errorf("Get after rename = %d, want 77", got)
	}
}

func TestMappedLabels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.bin")
	opts, _ := testOptions(Strict)
	d := mustDescriptor(t, 10, 6, 3, 4)

	labels, err := CreateLabelsMapped(path, d, opts)
	if err != nil {
		t.Fatal(err)
	}
	fillPattern(t, labels)
	labels.Release()

	info, _ := os.Stat(path)
	if want := int64(format.LabelHeaderSize) + d.PayloadBytes(); info.Size() != want {
		t.Errorf("label file size = %d, want %d", info.Size(), want)
	}

	reopened, err := OpenLabelsMapped(path, 10, 6, 3, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Release()
	checkPattern(t, reopened)

	if _, err := OpenLabelsMapped(path, 100, 6, 3, opts); !errors.Is(err, format.ErrInvalidHeader) {
		t.Errorf("expected ErrInvalidHeader for mismatched dims, got %v", err)
	}
}

func TestOpenMappedTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.bin")
	opts, _ := testOptions(Strict)
	d := mustDescriptor(t, 8, 8, 8, 4)
	v, err := CreateMapped(path, d, 1, opts)
	if err != nil {
		t.Fatal(err)
	}
	v.Release()

	if err := os.Truncate(path, int64(format.VolumeHeaderSize)+100); err != nil {
		t.Fatal(err)
	}
	_, err = OpenMapped(path, opts)
	if !errors.Is(err, ErrIO) || !errors.Is(err, format.ErrSizeMismatch) {
		t.Errorf("expected ErrIO wrapping ErrSizeMismatch, got %v", err)
	}
}

func TestCreateMappedUnwritableDir(t *testing.T) {
	opts, _ := testOptions(Strict)
	_, err := CreateMapped(filepath.Join(t.TempDir(), "missing", "volume.bin"), mustDescriptor(t, 4, 4, 4, 4), 1, opts)
	if !errors.Is(err, ErrIO) {
		t.Errorf("expected ErrIO, got %v", err)
	}
}
