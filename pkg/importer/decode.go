package importer

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// Decoder turns one encoded image into 8-bit grayscale pixels.
type Decoder interface {
	// DecodeSize reads only as much of r as needed to report the image size.
	DecodeSize(r io.Reader) (width, height int, err error)
	// DecodeGray decodes r into dst, row-major with X fastest. dst holds
	// exactly width*height bytes for the size DecodeSize reported.
	DecodeGray(r io.Reader, dst []byte) error
}

// ImageDecoder decodes PNG, JPEG, GIF, TIFF and BMP through the image
// package registry. Color images are reduced with the standard luma
// weights; 16-bit grayscale keeps its high byte.
type ImageDecoder struct{}

// DecodeSize implements Decoder.
func (ImageDecoder) DecodeSize(r io.Reader) (int, int, error) {
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return 0, 0, fmt.Errorf("decode image header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// DecodeGray implements Decoder.
func (ImageDecoder) DecodeGray(r io.Reader, dst []byte) error {
	img, _, err := image.Decode(r)
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	return toGray(img, dst)
}

func toGray(img image.Image, dst []byte) error {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if len(dst) < w*h {
		return fmt.Errorf("%w: %dx%d image into %d bytes", ErrFrameSize, w, h, len(dst))
	}

	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < h; y++ {
			off := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(dst[y*w:(y+1)*w], src.Pix[off:off+w])
		}
	case *image.Gray16:
		for y := 0; y < h; y++ {
			off := src.PixOffset(b.Min.X, b.Min.Y+y)
			row := dst[y*w : (y+1)*w]
			for x := range row {
				row[x] = src.Pix[off+2*x]
			}
		}
	default:
		for y := 0; y < h; y++ {
			row := dst[y*w : (y+1)*w]
			for x := range row {
				row[x] = color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
			}
		}
	}
	return nil
}
