package mosaic

import (
	"context"
	"encoding/json"
	"fmt"
)

// Info is the part of a mosaic definition needed to find assets.
type Info struct {
	MinZoom     int
	MaxZoom     int
	QuadkeyZoom int
	Bounds      []float64
}

// Index answers which assets cover a set of quadkeys.
type Index interface {
	Info() Info
	Assets(ctx context.Context, quadkeys []string) ([]string, error)
}

// Definition is a MosaicJSON document.
type Definition struct {
	MosaicJSON  string              `json:"mosaicjson"`
	Name        string              `json:"name,omitempty"`
	Description string              `json:"description,omitempty"`
	Version     string              `json:"version,omitempty"`
	MinZoom     int                 `json:"minzoom"`
	MaxZoom     int                 `json:"maxzoom"`
	QuadkeyZoom *int                `json:"quadkey_zoom,omitempty"`
	Bounds      []float64           `json:"bounds,omitempty"`
	Center      []float64           `json:"center,omitempty"`
	Tiles       map[string][]string `json:"tiles"`
}

func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("decoding mosaicjson: %w", err)
	}
	if def.MinZoom < 0 || def.MaxZoom < def.MinZoom {
		return nil, fmt.Errorf("invalid mosaicjson zoom range %d-%d", def.MinZoom, def.MaxZoom)
	}
	if def.QuadkeyZoom != nil && *def.QuadkeyZoom < 0 {
		return nil, fmt.Errorf("invalid mosaicjson quadkey_zoom %d", *def.QuadkeyZoom)
	}
	return &def, nil
}

func (d *Definition) Info() Info {
	qkz := d.MinZoom
	if d.QuadkeyZoom != nil {
		qkz = *d.QuadkeyZoom
	}
	return Info{MinZoom: d.MinZoom, MaxZoom: d.MaxZoom, QuadkeyZoom: qkz, Bounds: d.Bounds}
}

func (d *Definition) Assets(_ context.Context, quadkeys []string) ([]string, error) {
	var assets []string
	for _, qk := range quadkeys {
		assets = append(assets, d.Tiles[qk]...)
	}
	return assets, nil
}
