package rastreader

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/golang/snappy"
	"github.com/terrascope/geometry"
	"github.com/terrascope/proj4go"
)

// Layer is the JSON sidecar stored at <raster>.json.
type Layer struct {
	Name   string    `json:"name"`
	XSize  int       `json:"x_size"`
	YSize  int       `json:"y_size"`
	Bands  []string  `json:"bands"`
	BBox   []float64 `json:"bbox"`
	Proj4  string    `json:"proj4"`
	NoData float32   `json:"no_data"`
	MinVal float32   `json:"min_value"`
	MaxVal float32   `json:"max_value"`
}

func sidecarURL(path string) string {
	return path + ".json"
}

func ReadLayer(ctx context.Context, f Fetcher, path string) (Layer, error) {
	var lyr Layer

	data, err := f.Get(ctx, sidecarURL(path))
	if err != nil {
		return lyr, fmt.Errorf("error reading metadata of %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &lyr); err != nil {
		return lyr, fmt.Errorf("error decoding metadata of %s: %w", path, err)
	}
	if lyr.XSize <= 0 || lyr.YSize <= 0 {
		return lyr, fmt.Errorf("metadata of %s: invalid size %dx%d", path, lyr.XSize, lyr.YSize)
	}
	if len(lyr.BBox) != 4 {
		return lyr, fmt.Errorf("metadata of %s: bbox needs 4 values, got %d", path, len(lyr.BBox))
	}
	if len(lyr.Bands) == 0 {
		lyr.Bands = []string{"b1"}
	}
	if lyr.Proj4 == "" {
		lyr.Proj4 = geographic
	}

	return lyr, nil
}

// Coverage returns the raster footprint in its native projection.
func (l Layer) Coverage() proj4go.Coverage {
	return proj4go.Coverage{
		Proj4:       l.Proj4,
		BoundingBox: geometry.BBox(l.BBox[0], l.BBox[1], l.BBox[2], l.BBox[3]),
	}
}

// Overlaps reports whether the layer footprint intersects tile t.
func (l Layer) Overlaps(t Tile) (bool, error) {
	cov := l.Coverage()
	if cov.Proj4 == geographic {
		// clamp to the latitudes web mercator can represent
		cov.BoundingBox = geometry.BBox(
			l.BBox[0], math.Max(l.BBox[1], -maxLatitude),
			l.BBox[2], math.Min(l.BBox[3], maxLatitude),
		)
	}
	merc, err := cov.Transform(webMerc)
	if err != nil {
		return false, fmt.Errorf("error reprojecting footprint of %s: %w", l.Name, err)
	}
	return intersects(merc.BoundingBox, t.Bounds()), nil
}

func (l Layer) bandSize() int {
	return l.XSize * l.YSize
}

// readPixels fetches and decompresses the pixels of a raster holding
// nBands bands of l's size.
func readPixels(ctx context.Context, f Fetcher, path string, l Layer, nBands int) ([]float32, error) {
	cdata, err := f.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	data, err := snappy.Decode(nil, cdata)
	if err != nil {
		return nil, fmt.Errorf("error decompressing %s: %w", path, err)
	}
	want := 4 * nBands * l.bandSize()
	if len(data) != want {
		return nil, fmt.Errorf("%s holds %d bytes, expected %d for %d bands of %dx%d",
			path, len(data), want, nBands, l.XSize, l.YSize)
	}

	pix := make([]float32, len(data)/4)
	for i := range pix {
		pix[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return pix, nil
}

// EncodePixels is the inverse of the raster blob format, used to write
// fixtures and archives.
func EncodePixels(pix []float32) []byte {
	data := make([]byte, 4*len(pix))
	for i, v := range pix {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return snappy.Encode(nil, data)
}
