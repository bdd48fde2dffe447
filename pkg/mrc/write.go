package mrc

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// Create writes a header-only MRC file at path. The grid and cell default to
// the image size and a unit pixel when they are zero.
func Create(path string, h Header) error {
	if h.MX == 0 {
		h.MX, h.MY, h.MZ = h.NX, h.NY, h.NZ
	}
	if h.CellA == [3]float32{} {
		h.CellA = [3]float32{float32(h.MX), float32(h.MY), float32(h.MZ)}
	}

	buf := make([]byte, HeaderSize)
	order := binary.LittleEndian
	for i, v := range []int32{h.NX, h.NY, h.NZ, h.Mode} {
		order.PutUint32(buf[i*4:], uint32(v))
	}
	for i, v := range []int32{h.MX, h.MY, h.MZ} {
		order.PutUint32(buf[28+i*4:], uint32(v))
	}
	for i, v := range h.CellA {
		order.PutUint32(buf[40+i*4:], math.Float32bits(v))
	}
	// axis mapping columns, rows, sections
	for i, v := range []int32{1, 2, 3} {
		order.PutUint32(buf[64+i*4:], uint32(v))
	}
	copy(buf[208:], mapTag)
	buf[212], buf[213] = 0x44, 0x44

	if err := os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("failed to write MRC header: %w", err)
	}
	return nil
}
