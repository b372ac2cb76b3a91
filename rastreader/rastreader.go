// Package rastreader reads tiles out of snappy-compressed raw rasters.
//
// A raster is stored as a snappy block of little-endian float32 pixels in
// band-sequential order next to a JSON sidecar (see Layer). Readers warp the
// bands they are asked for into a web mercator tile.
package rastreader

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrTileOutsideBounds is returned when a tile does not intersect a raster.
var ErrTileOutsideBounds = errors.New("tile is outside the dataset bounds")

// ErrUnknownVariant is returned by Registry.Lookup for unregistered names.
var ErrUnknownVariant = errors.New("unknown reader")

// DefaultVariant is the reader used when a job does not name one.
const DefaultVariant = "raster"

// DefaultTileSize is the width and height of produced tiles.
const DefaultTileSize = 256

// Kind tells how the bands of a reader are addressed.
type Kind int

const (
	KindIndexes Kind = iota
	KindAssets
	KindBands
)

func (k Kind) String() string {
	switch k {
	case KindAssets:
		return "assets"
	case KindBands:
		return "bands"
	default:
		return "indexes"
	}
}

// Description advertises the band addressing of an open reader. Names is
// the default asset or band list, empty when the reader cannot tell.
type Description struct {
	Kind  Kind
	Names []string
}

// Options are the read parameters of a tile request. Expression, when set,
// replaces Indexes, Assets and Bands.
type Options struct {
	Indexes    []int
	Assets     []string
	Bands      []string
	Expression string
}

type Reader interface {
	Describe() Description
	Tile(ctx context.Context, t Tile, opts Options) (*ImageData, error)
	Close() error
}

// Fetcher returns the content of the object at url.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Variant is a named way of opening a dataset path as a Reader.
type Variant struct {
	Name string
	Kind Kind
	Open func(ctx context.Context, path string) (Reader, error)
}

// Registry is the fixed set of reader variants a worker accepts. Jobs name
// a variant; nothing outside the registry is ever resolved.
type Registry struct {
	variants map[string]Variant
}

// aliases maps reader names used by older job producers.
var aliases = map[string]string{
	"rio_tiler.io.COGReader":                 "raster",
	"rio_tiler.io.cogeo.COGReader":           "raster",
	"rio_tiler.io.STACReader":                "assets",
	"rio_tiler.io.stac.STACReader":           "assets",
	"rio_tiler_pds.sentinel.aws.S2COGReader": "bands",
	"rio_tiler_pds.landsat.aws.L8Reader":     "bands",
}

func NewRegistry(variants ...Variant) *Registry {
	r := &Registry{variants: make(map[string]Variant, len(variants))}
	for _, v := range variants {
		r.variants[v.Name] = v
	}
	return r
}

// DefaultVariants returns the raster, assets and bands readers.
func DefaultVariants(f Fetcher, tileSize int) []Variant {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	return []Variant{
		{
			Name: "raster",
			Kind: KindIndexes,
			Open: func(ctx context.Context, path string) (Reader, error) {
				return OpenRaster(ctx, f, path, tileSize)
			},
		},
		{
			Name: "assets",
			Kind: KindAssets,
			Open: func(ctx context.Context, path string) (Reader, error) {
				return OpenScene(ctx, f, path, KindAssets, tileSize)
			},
		},
		{
			Name: "bands",
			Kind: KindBands,
			Open: func(ctx context.Context, path string) (Reader, error) {
				return OpenScene(ctx, f, path, KindBands, tileSize)
			},
		},
	}
}

func (r *Registry) Lookup(name string) (Variant, error) {
	if name == "" {
		name = DefaultVariant
	}
	if alias, ok := aliases[name]; ok {
		name = alias
	}
	v, ok := r.variants[name]
	if !ok {
		return Variant{}, fmt.Errorf("%w %q (available: %v)", ErrUnknownVariant, name, r.Names())
	}
	return v, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.variants))
	for name := range r.variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
