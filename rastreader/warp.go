package rastreader

import (
	"image"

	"github.com/terrascope/proj4go"
	"github.com/terrascope/raster"
	"github.com/terrascope/scimage"
)

// warpBand resamples one band of a raster into a size x size web mercator
// tile. Pixels not covered by the source keep the no data value.
func warpBand(l Layer, pix []float32, t Tile, size int) band {
	src := &scimage.GrayF32{
		Pix:    pix,
		Stride: l.XSize,
		Rect:   image.Rect(0, 0, l.XSize, l.YSize),
		Min:    l.MinVal,
		Max:    l.MaxVal,
		NoData: l.NoData,
	}

	dst := scimage.NewGrayF32(image.Rect(0, 0, size, size), l.MinVal, l.MaxVal, l.NoData)
	for i := range dst.Pix {
		dst.Pix[i] = l.NoData
	}

	rMerc := &raster.Raster{Image: dst, Coverage: proj4go.Coverage{BoundingBox: t.Bounds(), Proj4: webMerc}}
	rMerc.Warp(&raster.Raster{Image: src, Coverage: l.Coverage()})

	return band{pix: dst.Pix, noData: l.NoData}
}
