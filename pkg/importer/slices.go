package importer

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

var (
	// ErrNoSlices indicates a folder without any image files.
	ErrNoSlices = errors.New("no image slices found")
	// ErrSliceIndex indicates an image file name without a slice number, or
	// two files with the same number.
	ErrSliceIndex = errors.New("bad slice index")
)

// imageExts lists the extensions ListSlices treats as slices.
var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".tif":  true,
	".tiff": true,
	".bmp":  true,
}

var digitRun = regexp.MustCompile(`[0-9]+`)

// Slice is one image file of a stack.
type Slice struct {
	Path  string
	Index int
}

// SliceIndex returns the slice number of a file name: the last run of
// digits in the name without its extension.
func SliceIndex(name string) (int, error) {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	runs := digitRun.FindAllString(base, -1)
	if len(runs) == 0 {
		return 0, fmt.Errorf("%w: %s has no number", ErrSliceIndex, name)
	}
	n, err := strconv.Atoi(runs[len(runs)-1])
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrSliceIndex, name, err)
	}
	return n, nil
}

// ListSlices returns the image files of dir ordered by slice number, so
// "slice_10.png" follows "slice_9.png". Subdirectories and files with other
// extensions are ignored.
func ListSlices(dir string) ([]Slice, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read slice folder: %w", err)
	}

	var out []Slice
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		idx, err := SliceIndex(e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, Slice{Path: filepath.Join(dir, e.Name()), Index: idx})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoSlices, dir)
	}

	slices.SortFunc(out, func(a, b Slice) int { return cmp.Compare(a.Index, b.Index) })
	for i := 1; i < len(out); i++ {
		if out[i].Index == out[i-1].Index {
			return nil, fmt.Errorf("%w: %s and %s share number %d",
				ErrSliceIndex, filepath.Base(out[i-1].Path), filepath.Base(out[i].Path), out[i].Index)
		}
	}
	return out, nil
}
