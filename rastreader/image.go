package rastreader

import (
	"fmt"
	"math"
)

// Mask values.
const (
	Invalid uint8 = 0
	Valid   uint8 = 255
)

// ImageData is a tile worth of pixels. Data is band-major
// [bands][height][width]; Mask is [height][width].
type ImageData struct {
	Bands  int
	Height int
	Width  int
	Data   []float32
	Mask   []uint8
}

func NewImageData(bands, height, width int) *ImageData {
	return &ImageData{
		Bands:  bands,
		Height: height,
		Width:  width,
		Data:   make([]float32, bands*height*width),
		Mask:   make([]uint8, height*width),
	}
}

// Band returns the pixels of band i (0-based), sharing Data.
func (im *ImageData) Band(i int) []float32 {
	n := im.Height * im.Width
	return im.Data[i*n : (i+1)*n]
}

// Empty reports whether im carries no pixels at all.
func (im *ImageData) Empty() bool {
	return im == nil || im.Bands == 0 || im.Height == 0 || im.Width == 0
}

func (im *ImageData) Validate() error {
	if im.Bands < 0 || im.Height < 0 || im.Width < 0 {
		return fmt.Errorf("negative image shape (%d, %d, %d)", im.Bands, im.Height, im.Width)
	}
	if len(im.Data) != im.Bands*im.Height*im.Width {
		return fmt.Errorf("data has %d values, shape (%d, %d, %d) needs %d",
			len(im.Data), im.Bands, im.Height, im.Width, im.Bands*im.Height*im.Width)
	}
	if len(im.Mask) != im.Height*im.Width {
		return fmt.Errorf("mask has %d values, shape (%d, %d) needs %d",
			len(im.Mask), im.Height, im.Width, im.Height*im.Width)
	}
	return nil
}

// SameShape reports whether two images can be composited together.
func (im *ImageData) SameShape(o *ImageData) bool {
	return im.Bands == o.Bands && im.Height == o.Height && im.Width == o.Width
}

type band struct {
	pix    []float32
	noData float32
}

func (b band) valid(i int) bool {
	v := b.pix[i]
	return v != b.noData && !math.IsNaN(float64(v))
}

// stack builds an image from warped bands. A pixel is valid when at least
// one band holds data there.
func stack(bands []band, size int) *ImageData {
	im := NewImageData(len(bands), size, size)
	for i, b := range bands {
		copy(im.Band(i), b.pix)
	}
	for p := range im.Mask {
		for _, b := range bands {
			if b.valid(p) {
				im.Mask[p] = Valid
				break
			}
		}
	}
	return im
}
