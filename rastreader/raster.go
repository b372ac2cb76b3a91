package rastreader

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// RasterReader reads a single multi-band raster. Bands are addressed by
// 1-based index; expressions refer to them as b1, b2, ...
type RasterReader struct {
	f        Fetcher
	path     string
	layer    Layer
	tileSize int

	pix []float32
}

func OpenRaster(ctx context.Context, f Fetcher, path string, tileSize int) (*RasterReader, error) {
	lyr, err := ReadLayer(ctx, f, path)
	if err != nil {
		return nil, err
	}
	if lyr.Name == "" {
		lyr.Name = path
	}
	return &RasterReader{f: f, path: path, layer: lyr, tileSize: tileSize}, nil
}

func (r *RasterReader) Layer() Layer { return r.layer }

func (r *RasterReader) Describe() Description {
	return Description{Kind: KindIndexes}
}

func (r *RasterReader) Tile(ctx context.Context, t Tile, opts Options) (*ImageData, error) {
	ok, err := r.layer.Overlaps(t)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", r.path, t, ErrTileOutsideBounds)
	}

	if opts.Expression != "" {
		return r.expressionTile(ctx, t, opts.Expression)
	}

	indexes := opts.Indexes
	if len(indexes) == 0 {
		for i := range r.layer.Bands {
			indexes = append(indexes, i+1)
		}
	}

	bands := make([]band, 0, len(indexes))
	for _, idx := range indexes {
		b, err := r.band(ctx, idx, t)
		if err != nil {
			return nil, err
		}
		bands = append(bands, b)
	}

	return stack(bands, r.tileSize), nil
}

func (r *RasterReader) expressionTile(ctx context.Context, t Tile, src string) (*ImageData, error) {
	expr, err := ParseExpression(src)
	if err != nil {
		return nil, err
	}

	inputs := make(map[string][]float32, len(expr.Variables()))
	bands := make([]band, 0, len(expr.Variables()))
	for _, v := range expr.Variables() {
		idx, err := bandIndex(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", r.path, err)
		}
		b, err := r.band(ctx, idx, t)
		if err != nil {
			return nil, err
		}
		inputs[v] = b.pix
		bands = append(bands, b)
	}

	mask := stack(bands, r.tileSize).Mask
	out, err := expr.Evaluate(ctx, inputs, mask)
	if err != nil {
		return nil, err
	}

	im := NewImageData(len(out), r.tileSize, r.tileSize)
	for i, pix := range out {
		copy(im.Band(i), pix)
	}
	copy(im.Mask, mask)
	return im, nil
}

// bandIndex parses an expression variable of the form b<n> or B<n>.
func bandIndex(name string) (int, error) {
	if len(name) < 2 || (name[0] != 'b' && name[0] != 'B') {
		return 0, fmt.Errorf("invalid band name %q, expected b<index>", name)
	}
	idx, err := strconv.Atoi(strings.TrimLeft(name[1:], "0"))
	if err != nil || idx < 1 {
		return 0, fmt.Errorf("invalid band name %q, expected b<index>", name)
	}
	return idx, nil
}

func (r *RasterReader) band(ctx context.Context, idx int, t Tile) (band, error) {
	if idx < 1 || idx > len(r.layer.Bands) {
		return band{}, fmt.Errorf("%s: band index %d out of range 1-%d", r.path, idx, len(r.layer.Bands))
	}
	if r.pix == nil {
		pix, err := readPixels(ctx, r.f, r.path, r.layer, len(r.layer.Bands))
		if err != nil {
			return band{}, err
		}
		r.pix = pix
	}
	n := r.layer.bandSize()
	return warpBand(r.layer, r.pix[(idx-1)*n:idx*n], t, r.tileSize), nil
}

func (r *RasterReader) Close() error {
	r.pix = nil
	return nil
}
