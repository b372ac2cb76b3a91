package rastreader

import (
	"context"
	"fmt"
	"strings"
)

// SceneReader reads a scene made of one single-band raster per named
// member, stored at <path>/<name>.snp. The scene sidecar at <path>.json
// lists the members in its bands field and gives the scene footprint.
type SceneReader struct {
	f        Fetcher
	path     string
	kind     Kind
	scene    Layer
	tileSize int

	members map[string]Layer
}

func OpenScene(ctx context.Context, f Fetcher, path string, kind Kind, tileSize int) (*SceneReader, error) {
	path = strings.TrimSuffix(path, "/")
	scene, err := ReadLayer(ctx, f, path)
	if err != nil {
		return nil, err
	}
	if scene.Name == "" {
		scene.Name = path
	}
	return &SceneReader{
		f:        f,
		path:     path,
		kind:     kind,
		scene:    scene,
		tileSize: tileSize,
		members:  map[string]Layer{},
	}, nil
}

func (s *SceneReader) Describe() Description {
	return Description{Kind: s.kind, Names: append([]string(nil), s.scene.Bands...)}
}

func (s *SceneReader) memberURL(name string) string {
	return s.path + "/" + name + ".snp"
}

// resolve maps a requested name onto a scene member, ignoring case when
// there is no exact match.
func (s *SceneReader) resolve(name string) (string, error) {
	for _, m := range s.scene.Bands {
		if m == name {
			return m, nil
		}
	}
	for _, m := range s.scene.Bands {
		if strings.EqualFold(m, name) {
			return m, nil
		}
	}
	return "", fmt.Errorf("%s: invalid %s name %q (available: %s)",
		s.path, strings.TrimSuffix(s.kind.String(), "s"), name, strings.Join(s.scene.Bands, ","))
}

func (s *SceneReader) Tile(ctx context.Context, t Tile, opts Options) (*ImageData, error) {
	ok, err := s.scene.Overlaps(t)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", s.path, t, ErrTileOutsideBounds)
	}

	if opts.Expression != "" {
		return s.expressionTile(ctx, t, opts.Expression)
	}

	var names []string
	switch s.kind {
	case KindAssets:
		names = opts.Assets
	case KindBands:
		names = opts.Bands
	}
	if len(names) == 0 {
		names = s.scene.Bands
	}

	bands := make([]band, 0, len(names))
	for _, name := range names {
		b, err := s.band(ctx, name, t)
		if err != nil {
			return nil, err
		}
		bands = append(bands, b)
	}
	return stack(bands, s.tileSize), nil
}

func (s *SceneReader) expressionTile(ctx context.Context, t Tile, src string) (*ImageData, error) {
	expr, err := ParseExpression(src)
	if err != nil {
		return nil, err
	}

	inputs := make(map[string][]float32, len(expr.Variables()))
	bands := make([]band, 0, len(expr.Variables()))
	for _, v := range expr.Variables() {
		b, err := s.band(ctx, v, t)
		if err != nil {
			return nil, err
		}
		inputs[v] = b.pix
		bands = append(bands, b)
	}

	mask := stack(bands, s.tileSize).Mask
	out, err := expr.Evaluate(ctx, inputs, mask)
	if err != nil {
		return nil, err
	}

	im := NewImageData(len(out), s.tileSize, s.tileSize)
	for i, pix := range out {
		copy(im.Band(i), pix)
	}
	copy(im.Mask, mask)
	return im, nil
}

func (s *SceneReader) band(ctx context.Context, name string, t Tile) (band, error) {
	member, err := s.resolve(name)
	if err != nil {
		return band{}, err
	}

	url := s.memberURL(member)
	lyr, ok := s.members[member]
	if !ok {
		lyr, err = ReadLayer(ctx, s.f, url)
		if err != nil {
			return band{}, err
		}
		s.members[member] = lyr
	}

	pix, err := readPixels(ctx, s.f, url, lyr, 1)
	if err != nil {
		return band{}, err
	}
	return warpBand(lyr, pix, t, s.tileSize), nil
}

func (s *SceneReader) Close() error {
	s.members = nil
	return nil
}
