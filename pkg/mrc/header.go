// Package mrc reads the header of MRC image stacks and volumes.
//
// Only the fields needed to plan external commands are decoded: the grid
// size, the data mode and the cell dimensions. Pixel data is never read.
package mrc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// HeaderSize is the size of the fixed MRC header in bytes
const HeaderSize = 1024

// Header holds the decoded MRC header fields
type Header struct {
	NX, NY, NZ int32
	Mode       int32
	MX, MY, MZ int32

	// CellA is the cell size in Å along x, y, z
	CellA [3]float32

	// ByteOrder is the byte order announced by the machine stamp
	ByteOrder binary.ByteOrder
}

// ErrNotMRC is returned when a file does not carry a valid MRC header
var ErrNotMRC = errors.New("not an MRC file")

var mapTag = []byte("MAP ")

// PixelSize returns the sampling along x in Å, zero when unset
func (h Header) PixelSize() float64 {
	if h.MX == 0 {
		return 0
	}
	return float64(h.CellA[0]) / float64(h.MX)
}

// ReadHeader decodes the header of the MRC file at path
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", path, ErrNotMRC, err)
	}

	h, err := decode(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}

// Dimensions returns the x, y and z size of the stack or volume at path
func Dimensions(path string) (x, y, z int, err error) {
	h, err := ReadHeader(path)
	if err != nil {
		return 0, 0, 0, err
	}
	return int(h.NX), int(h.NY), int(h.NZ), nil
}

func decode(buf []byte) (*Header, error) {
	order := byteOrder(buf)

	h := &Header{ByteOrder: order}
	ints := []*int32{&h.NX, &h.NY, &h.NZ, &h.Mode}
	for i, p := range ints {
		*p = int32(order.Uint32(buf[i*4:]))
	}
	// words 8-10 are the sampling grid, 11-13 the cell size
	for i, p := range []*int32{&h.MX, &h.MY, &h.MZ} {
		*p = int32(order.Uint32(buf[28+i*4:]))
	}
	for i := range h.CellA {
		bits := order.Uint32(buf[40+i*4:])
		h.CellA[i] = math.Float32frombits(bits)
	}

	if h.NX <= 0 || h.NY <= 0 || h.NZ <= 0 {
		return nil, fmt.Errorf("%w: invalid size %dx%dx%d", ErrNotMRC, h.NX, h.NY, h.NZ)
	}
	switch h.Mode {
	case 0, 1, 2, 3, 4, 6, 12, 16, 101:
	default:
		return nil, fmt.Errorf("%w: unsupported mode %d", ErrNotMRC, h.Mode)
	}
	return h, nil
}

// byteOrder reads the machine stamp at byte 212. Files written without a
// MAP tag predate the stamp and are assumed little endian.
func byteOrder(buf []byte) binary.ByteOrder {
	if bytes.Equal(buf[208:212], mapTag) && buf[212] == 0x11 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
