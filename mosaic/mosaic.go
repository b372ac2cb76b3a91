// Package mosaic composites tiles out of MosaicJSON mosaics.
//
// A mosaic maps quadkeys at a fixed zoom to the assets covering them. For a
// requested tile the backend lists the assets of the overlapping quadkeys,
// reads them one after the other with a reader variant and merges them with
// a pixel selection method.
package mosaic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/prl900/tilebot/rastreader"
)

var (
	// ErrNoAssetFound is returned when no asset covers the tile.
	ErrNoAssetFound = errors.New("no assets found for tile")
	// ErrEmptyMosaic is returned when no asset produced data for the tile.
	ErrEmptyMosaic = errors.New("mosaic method returned empty array")
	// ErrMosaicNotFound is returned when a mosaic definition does not exist.
	ErrMosaicNotFound = errors.New("mosaic not found")
)

// Loader opens mosaic backends. Definitions are read with Fetcher, except
// for dynamodb:// urls that go through a DynamoDB client built by Dynamo.
type Loader struct {
	Fetcher rastreader.Fetcher
	Dynamo  func(ctx context.Context, region string) (DynamoAPI, error)

	mu      sync.Mutex
	clients map[string]DynamoAPI
}

func (l *Loader) dynamo(ctx context.Context, region string) (DynamoAPI, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if api, ok := l.clients[region]; ok {
		return api, nil
	}
	if l.Dynamo == nil {
		return nil, fmt.Errorf("dynamodb mosaics are not enabled")
	}
	api, err := l.Dynamo(ctx, region)
	if err != nil {
		return nil, err
	}
	if l.clients == nil {
		l.clients = map[string]DynamoAPI{}
	}
	l.clients[region] = api
	return api, nil
}

// Open loads the mosaic at url. Assets are opened with variant.
func (l *Loader) Open(ctx context.Context, url string, variant rastreader.Variant) (*Backend, error) {
	var idx Index

	if strings.HasPrefix(url, dynamoScheme) {
		region, table, id, err := parseDynamoURL(url)
		if err != nil {
			return nil, err
		}
		api, err := l.dynamo(ctx, region)
		if err != nil {
			return nil, err
		}
		if idx, err = openDynamoIndex(ctx, api, table, id); err != nil {
			return nil, err
		}
	} else {
		data, err := l.Fetcher.Get(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("reading mosaic %s: %w", url, err)
		}
		def, err := ParseDefinition(data)
		if err != nil {
			return nil, fmt.Errorf("mosaic %s: %w", url, err)
		}
		idx = def
	}

	return NewBackend(url, idx, variant), nil
}

type Backend struct {
	url     string
	index   Index
	variant rastreader.Variant
}

func NewBackend(url string, index Index, variant rastreader.Variant) *Backend {
	return &Backend{url: url, index: index, variant: variant}
}

func (b *Backend) URL() string { return b.url }

func (b *Backend) Info() Info { return b.index.Info() }

// Describe reports the addressing of the asset reader. A mosaic cannot
// list default names since every asset may differ.
func (b *Backend) Describe() rastreader.Description {
	return rastreader.Description{Kind: b.variant.Kind}
}

// Quadkeys returns the index quadkeys overlapping t.
func (b *Backend) Quadkeys(t rastreader.Tile) []string {
	qkz := b.index.Info().QuadkeyZoom
	switch {
	case t.Z >= qkz:
		return []string{t.Parent(qkz).Quadkey()}
	default:
		children := t.Children(qkz)
		qks := make([]string, len(children))
		for i, c := range children {
			qks[i] = c.Quadkey()
		}
		return qks
	}
}

// maxChildZoom bounds how many zooms below the quadkey zoom a tile may be
// requested at, 4^maxChildZoom quadkeys.
const maxChildZoom = 6

// AssetsForTile lists the assets covering t, in mosaic order and without
// duplicates. Tiles below the mosaic minimum zoom have no assets.
func (b *Backend) AssetsForTile(ctx context.Context, t rastreader.Tile) ([]string, error) {
	info := b.index.Info()
	if t.Z < info.MinZoom {
		return nil, fmt.Errorf("%s %s below minzoom %d: %w", b.url, t, info.MinZoom, ErrNoAssetFound)
	}
	if info.QuadkeyZoom-t.Z > maxChildZoom {
		return nil, fmt.Errorf("%s %s: zoom more than %d levels below quadkey zoom %d", b.url, t, maxChildZoom, info.QuadkeyZoom)
	}

	assets, err := b.index.Assets(ctx, b.Quadkeys(t))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(assets))
	out := assets[:0]
	for _, a := range assets {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out, nil
}

// Tile reads the assets covering t and merges them with the sel method.
// Assets not intersecting t are ignored; any other asset error aborts.
func (b *Backend) Tile(ctx context.Context, t rastreader.Tile, opts rastreader.Options, sel PixelSelection) (*rastreader.ImageData, error) {
	method, err := NewMethod(sel)
	if err != nil {
		return nil, err
	}

	assets, err := b.AssetsForTile(ctx, t)
	if err != nil {
		return nil, err
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("%s %s: %w", b.url, t, ErrNoAssetFound)
	}

	for _, asset := range assets {
		img, err := b.readAsset(ctx, asset, t, opts)
		if errors.Is(err, rastreader.ErrTileOutsideBounds) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if img.Empty() {
			continue
		}
		if err := method.Feed(img); err != nil {
			return nil, fmt.Errorf("asset %s: %w", asset, err)
		}
		if method.Done() {
			break
		}
	}

	out := method.Result()
	if out.Empty() {
		return nil, fmt.Errorf("%s %s: %w", b.url, t, ErrEmptyMosaic)
	}
	return out, nil
}

func (b *Backend) readAsset(ctx context.Context, asset string, t rastreader.Tile, opts rastreader.Options) (*rastreader.ImageData, error) {
	src, err := b.variant.Open(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("opening asset %s: %w", asset, err)
	}
	defer src.Close()

	return src.Tile(ctx, t, opts)
}

// Close releases the backend. Definitions are held in memory and DynamoDB
// clients are shared by the Loader, so there is nothing to free.
func (b *Backend) Close() error {
	return nil
}
