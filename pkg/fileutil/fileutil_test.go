package fileutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/eunmann/ctvol/pkg/format"
)

func TestExists(t *testing.T) {
	tmpDir := t.TempDir()

	if Exists(filepath.Join(tmpDir, "nonexistent")) {
		t.Error("Exists returned true for non-existent file")
	}

	path := filepath.Join(tmpDir, "exists.txt")
	if err := os.WriteFile(path, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !Exists(path) {
		t.Error("Exists returned false for existing file")
	}
}

func TestIsNonEmpty(t *testing.T) {
	tmpDir := t.TempDir()

	if IsNonEmpty(filepath.Join(tmpDir, "nonexistent")) {
		t.Error("IsNonEmpty returned true for non-existent file")
	}

	emptyPath := filepath.Join(tmpDir, "empty.txt")
	os.WriteFile(emptyPath, nil, 0o644)
	if IsNonEmpty(emptyPath) {
		t.Error("IsNonEmpty returned true for empty file")
	}

	fullPath := filepath.Join(tmpDir, "full.txt")
	os.WriteFile(fullPath, []byte("x"), 0o644)
	if !IsNonEmpty(fullPath) {
		t.Error("IsNonEmpty returned false for non-empty file")
	}
}

func writeVolumeFile(t *testing.T, path string, payload int) {
	t.Helper()
	h := format.VolumeHeader{
		Width: 5, Height: 5, Depth: 5, ChunkDim: 4, BitsPerPixel: 8,
		PixelSize: 1, ChunkCountX: 2, ChunkCountY: 2, ChunkCountZ: 2,
	}
	data := append(format.EncodeVolumeHeader(h), make([]byte, payload)...)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestVolumeFileValid(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.bin")
	writeVolumeFile(t, good, 8*64)
	if !VolumeFileValid(good) {
		t.Error("complete volume reported invalid")
	}

	short := filepath.Join(dir, "short.bin")
	writeVolumeFile(t, short, 8*64-1)
	if VolumeFileValid(short) {
		t.Error("truncated volume reported valid")
	}

	garbage := filepath.Join(dir, "garbage.bin")
	os.WriteFile(garbage, make([]byte, 100), 0o644)
	if VolumeFileValid(garbage) {
		t.Error("zero header reported valid")
	}

	if VolumeFileValid(filepath.Join(dir, "missing.bin")) {
		t.Error("missing file reported valid")
	}
}

func TestLabelFileValid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.bin")
	h := format.LabelHeader{ChunkDim: 4, ChunkCountX: 2, ChunkCountY: 1, ChunkCountZ: 1}
	os.WriteFile(path, append(format.EncodeLabelHeader(h), make([]byte, 2*64)...), 0o644)

	if !LabelFileValid(path, 6, 4, 3) {
		t.Error("matching label file reported invalid")
	}
	if LabelFileValid(path, 9, 4, 3) {
		t.Error("label file for other dimensions reported valid")
	}
}

func TestWriteTmpThenMove(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "sub", "labels.chk")

	var sawTmp string
	err := WriteTmpThenMove(out, func(tmpPath string) error {
		sawTmp = tmpPath
		return os.WriteFile(tmpPath, []byte("materials"), 0o644)
	})
	if err != nil {
		t.Fatalf("WriteTmpThenMove failed: %v", err)
	}
	if sawTmp != out+".tmp" {
		t.Errorf("tmp path = %s", sawTmp)
	}
	if Exists(sawTmp) {
		t.Error("tmp file left behind")
	}
	if data, _ := os.ReadFile(out); string(data) != "materials" {
		t.Errorf("final contents = %q", data)
	}
}

func TestWriteTmpThenMoveError(t *testing.T) {
	out := filepath.Join(t.TempDir(), "volume.chk")
	wantErr := errors.New("write failed")

	err := WriteTmpThenMove(out, func(tmpPath string) error {
		os.WriteFile(tmpPath, []byte("partial"), 0o644)
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("got %v, want %v", err, wantErr)
	}
	if Exists(TmpPath(out)) || Exists(out) {
		t.Error("files left behind after failed write")
	}
}

func TestReplaceFile(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "volume.bin")
	tmp := TmpPath(final)

	os.WriteFile(final, []byte("old"), 0o644)
	os.WriteFile(tmp, []byte("new"), 0o644)
	if err := ReplaceFile(tmp, final); err != nil {
		t.Fatal(err)
	}
	if data, _ := os.ReadFile(final); string(data) != "new" {
		t.Errorf("final = %q, want new", data)
	}
	if Exists(tmp) {
		t.Error("tmp still exists")
	}

	// No original to delete.
	other := filepath.Join(dir, "labels.bin")
	os.WriteFile(TmpPath(other), []byte("fresh"), 0o644)
	if err := ReplaceFile(TmpPath(other), other); err != nil {
		t.Fatal(err)
	}

	if err := ReplaceFile(filepath.Join(dir, "nope.tmp"), filepath.Join(dir, "nope")); err == nil {
		t.Error("expected error for missing tmp file")
	}
}

func TestCleanupTmpFiles(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "volume.bin.tmp"), nil, 0o644)
	os.WriteFile(filepath.Join(dir, "labels.bin.tmp"), nil, 0o644)
	os.WriteFile(filepath.Join(dir, "volume.bin"), nil, 0o644)
	os.Mkdir(filepath.Join(dir, "keep.tmp"), 0o755)

	removed, err := CleanupTmpFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("removed %d, want 2", removed)
	}
	if !Exists(filepath.Join(dir, "volume.bin")) || !Exists(filepath.Join(dir, "keep.tmp")) {
		t.Error("non-tmp entries removed")
	}
}
