// Package format defines the on-disk layouts of a volume dataset: the
// grayscale and label volume headers, the legacy metadata header, and the
// side files written next to them.
//
// All multi-byte fields are little-endian. Headers are written once, before
// any chunk payload, and never rewritten.
package format

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// VolumeHeaderSize is the size of the grayscale volume header in bytes.
	VolumeHeaderSize = 40
	// LabelHeaderSize is the size of the label volume header in bytes.
	LabelHeaderSize = 16
	// LegacyHeaderSize is the size of the volume.chk metadata record.
	LegacyHeaderSize = 4*4 + 8

	// BitsPerPixel is the only voxel depth the store supports.
	BitsPerPixel = 8
)

// VolumeHeader is the 40-byte header of a grayscale volume file.
//
//	0  width         i32
//	4  height        i32
//	8  depth         i32
//	12 chunkDim      i32
//	16 bitsPerPixel  i32
//	20 pixelSize     f64
//	28 chunkCountX   i32
//	32 chunkCountY   i32
//	36 chunkCountZ   i32
type VolumeHeader struct {
	Width        int32
	Height       int32
	Depth        int32
	ChunkDim     int32
	BitsPerPixel int32
	PixelSize    float64
	ChunkCountX  int32
	ChunkCountY  int32
	ChunkCountZ  int32
}

// LabelHeader is the 16-byte header of a label volume file. Label volumes
// carry no dimensions of their own; they always match the paired grayscale
// volume.
type LabelHeader struct {
	ChunkDim    int32
	ChunkCountX int32
	ChunkCountY int32
	ChunkCountZ int32
}

// LegacyHeader is the descriptive record stored in volume.chk.
type LegacyHeader struct {
	Width     int32
	Height    int32
	Depth     int32
	ChunkDim  int32
	PixelSize float64
}

// EncodeVolumeHeader serializes h into a new VolumeHeaderSize buffer.
func EncodeVolumeHeader(h VolumeHeader) []byte {
	buf := make([]byte, VolumeHeaderSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], uint32(h.Width))
	le.PutUint32(buf[4:8], uint32(h.Height))
	le.PutUint32(buf[8:12], uint32(h.Depth))
	le.PutUint32(buf[12:16], uint32(h.ChunkDim))
	le.PutUint32(buf[16:20], uint32(h.BitsPerPixel))
	le.PutUint64(buf[20:28], math.Float64bits(h.PixelSize))
	le.PutUint32(buf[28:32], uint32(h.ChunkCountX))
	le.PutUint32(buf[32:36], uint32(h.ChunkCountY))
	le.PutUint32(buf[36:40], uint32(h.ChunkCountZ))
	return buf
}

// DecodeVolumeHeader parses a grayscale header and checks that its chunk
// counts agree with its dimensions.
func DecodeVolumeHeader(buf []byte) (VolumeHeader, error) {
	if len(buf) < VolumeHeaderSize {
		return VolumeHeader{}, fmt.Errorf("%w: %d bytes, need %d", ErrInvalidHeader, len(buf), VolumeHeaderSize)
	}
	le := binary.LittleEndian
	h := VolumeHeader{
		Width:        int32(le.Uint32(buf[0:4])),
		Height:       int32(le.Uint32(buf[4:8])),
		Depth:        int32(le.Uint32(buf[8:12])),
		ChunkDim:     int32(le.Uint32(buf[12:16])),
		BitsPerPixel: int32(le.Uint32(buf[16:20])),
		PixelSize:    math.Float64frombits(le.Uint64(buf[20:28])),
		ChunkCountX:  int32(le.Uint32(buf[28:32])),
		ChunkCountY:  int32(le.Uint32(buf[32:36])),
		ChunkCountZ:  int32(le.Uint32(buf[36:40])),
	}
	if h.BitsPerPixel != BitsPerPixel {
		return VolumeHeader{}, fmt.Errorf("%w: bits per pixel %d", ErrInvalidHeader, h.BitsPerPixel)
	}
	if h.ChunkDim <= 0 || h.Width <= 0 || h.Height <= 0 || h.Depth <= 0 {
		return VolumeHeader{}, fmt.Errorf("%w: non-positive dimension %dx%dx%d chunk %d",
			ErrInvalidHeader, h.Width, h.Height, h.Depth, h.ChunkDim)
	}
	if h.ChunkCountX != ChunkCount(h.Width, h.ChunkDim) ||
		h.ChunkCountY != ChunkCount(h.Height, h.ChunkDim) ||
		h.ChunkCountZ != ChunkCount(h.Depth, h.ChunkDim) {
		return VolumeHeader{}, fmt.Errorf("%w: chunk counts %dx%dx%d disagree with dimensions",
			ErrInvalidHeader, h.ChunkCountX, h.ChunkCountY, h.ChunkCountZ)
	}
	return h, nil
}

// EncodeLabelHeader serializes h into a new LabelHeaderSize buffer.
func EncodeLabelHeader(h LabelHeader) []byte {
	buf := make([]byte, LabelHeaderSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], uint32(h.ChunkDim))
	le.PutUint32(buf[4:8], uint32(h.ChunkCountX))
	le.PutUint32(buf[8:12], uint32(h.ChunkCountY))
	le.PutUint32(buf[12:16], uint32(h.ChunkCountZ))
	return buf
}

// DecodeLabelHeader parses a label header.
func DecodeLabelHeader(buf []byte) (LabelHeader, error) {
	if len(buf) < LabelHeaderSize {
		return LabelHeader{}, fmt.Errorf("%w: %d bytes, need %d", ErrInvalidHeader, len(buf), LabelHeaderSize)
	}
	le := binary.LittleEndian
	h := LabelHeader{
		ChunkDim:    int32(le.Uint32(buf[0:4])),
		ChunkCountX: int32(le.Uint32(buf[4:8])),
		ChunkCountY: int32(le.Uint32(buf[8:12])),
		ChunkCountZ: int32(le.Uint32(buf[12:16])),
	}
	if h.ChunkDim <= 0 || h.ChunkCountX <= 0 || h.ChunkCountY <= 0 || h.ChunkCountZ <= 0 {
		return LabelHeader{}, fmt.Errorf("%w: chunk dim %d counts %dx%dx%d",
			ErrInvalidHeader, h.ChunkDim, h.ChunkCountX, h.ChunkCountY, h.ChunkCountZ)
	}
	return h, nil
}

// EncodeLegacyHeader serializes a volume.chk record.
func EncodeLegacyHeader(h LegacyHeader) []byte {
	buf := make([]byte, LegacyHeaderSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], uint32(h.Width))
	le.PutUint32(buf[4:8], uint32(h.Height))
	le.PutUint32(buf[8:12], uint32(h.Depth))
	le.PutUint32(buf[12:16], uint32(h.ChunkDim))
	le.PutUint64(buf[16:24], math.Float64bits(h.PixelSize))
	return buf
}

// DecodeLegacyHeader parses a volume.chk record.
func DecodeLegacyHeader(buf []byte) (LegacyHeader, error) {
	if len(buf) < LegacyHeaderSize {
		return LegacyHeader{}, fmt.Errorf("%w: %d bytes, need %d", ErrInvalidHeader, len(buf), LegacyHeaderSize)
	}
	le := binary.LittleEndian
	return LegacyHeader{
		Width:     int32(le.Uint32(buf[0:4])),
		Height:    int32(le.Uint32(buf[4:8])),
		Depth:     int32(le.Uint32(buf[8:12])),
		ChunkDim:  int32(le.Uint32(buf[12:16])),
		PixelSize: math.Float64frombits(le.Uint64(buf[16:24])),
	}, nil
}

// ChunkCount returns ceil(dim / chunkDim).
func ChunkCount(dim, chunkDim int32) int32 {
	return (dim + chunkDim - 1) / chunkDim
}
