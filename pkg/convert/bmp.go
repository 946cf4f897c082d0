package convert

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
)

const (
	bmpFileHeaderSize = 14
	bmpInfoHeaderSize = 40
	bmpPaletteSize    = 8 // two BGRA entries
)

// Encode1BitBMP writes img as an uncompressed 1 bit per pixel BMP.
// Palette index 0 is white and 1 is black. Rows are stored bottom-up,
// MSB first, padded to 4 bytes.
func Encode1BitBMP(img image.Image) ([]byte, error) {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("empty image %dx%d", width, height)
	}

	rowBytes := (width + 7) / 8
	stride := (rowBytes + 3) &^ 3
	imageSize := stride * height
	pixelOffset := bmpFileHeaderSize + bmpInfoHeaderSize + bmpPaletteSize
	fileSize := pixelOffset + imageSize

	buf := &bytes.Buffer{}
	buf.Grow(fileSize)

	// File header
	buf.Write([]byte{'B', 'M'})
	binary.Write(buf, binary.LittleEndian, uint32(fileSize))
	binary.Write(buf, binary.LittleEndian, uint32(0)) // reserved
	binary.Write(buf, binary.LittleEndian, uint32(pixelOffset))

	// BITMAPINFOHEADER
	binary.Write(buf, binary.LittleEndian, uint32(bmpInfoHeaderSize))
	binary.Write(buf, binary.LittleEndian, int32(width))
	binary.Write(buf, binary.LittleEndian, int32(height))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // planes
	binary.Write(buf, binary.LittleEndian, uint16(1)) // bits per pixel
	binary.Write(buf, binary.LittleEndian, uint32(0)) // BI_RGB
	binary.Write(buf, binary.LittleEndian, uint32(imageSize))
	binary.Write(buf, binary.LittleEndian, int32(2835)) // 72 dpi
	binary.Write(buf, binary.LittleEndian, int32(2835))
	binary.Write(buf, binary.LittleEndian, uint32(2)) // colors used
	binary.Write(buf, binary.LittleEndian, uint32(2)) // important colors

	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0x00})
	buf.Write([]byte{0x00, 0x00, 0x00, 0x00})

	row := make([]byte, stride)
	for y := b.Max.Y - 1; y >= b.Min.Y; y-- {
		clear(row)
		for x := 0; x < width; x++ {
			if isBlack(img, b.Min.X+x, y) {
				row[x/8] |= 0x80 >> uint(x%8)
			}
		}
		buf.Write(row)
	}

	return buf.Bytes(), nil
}

func isBlack(img image.Image, x, y int) bool {
	r, g, b, _ := img.At(x, y).RGBA()
	lum := (299*r + 587*g + 114*b) / 1000
	return lum < 0x8000
}
