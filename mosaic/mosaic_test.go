package mosaic

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"github.com/prl900/tilebot/rastreader"
)

type memFetcher map[string][]byte

func (m memFetcher) Get(_ context.Context, url string) ([]byte, error) {
	data, ok := m[url]
	if !ok {
		return nil, fmt.Errorf("%s: not found", url)
	}
	return data, nil
}

// fakeReader returns the configured tile or error for every request.
type fakeReader struct {
	img    *rastreader.ImageData
	err    error
	closed *int
}

func (f fakeReader) Describe() rastreader.Description { return rastreader.Description{} }

func (f fakeReader) Tile(context.Context, rastreader.Tile, rastreader.Options) (*rastreader.ImageData, error) {
	return f.img, f.err
}

func (f fakeReader) Close() error {
	*f.closed++
	return nil
}

type fakeAssets struct {
	readers map[string]fakeReader
	opened  []string
	closed  int
}

func (f *fakeAssets) variant() rastreader.Variant {
	return rastreader.Variant{
		Name: "fake",
		Kind: rastreader.KindAssets,
		Open: func(_ context.Context, path string) (rastreader.Reader, error) {
			f.opened = append(f.opened, path)
			rd, ok := f.readers[path]
			if !ok {
				return nil, fmt.Errorf("open %s: no such asset", path)
			}
			rd.closed = &f.closed
			return rd, nil
		},
	}
}

const testMosaic = `{
	"mosaicjson": "0.0.2",
	"minzoom": 7,
	"maxzoom": 12,
	"quadkey_zoom": 8,
	"bounds": [-180, -85, 180, 85],
	"tiles": {
		"00000000": ["a.snp", "b.snp"],
		"00000001": ["b.snp", "c.snp"],
		"00000002": ["d.snp"]
	}
}`

func TestLoaderOpenMosaicJSON(t *testing.T) {
	r := require.New(t)
	l := &Loader{Fetcher: memFetcher{"gs://m/world.json": []byte(testMosaic)}}

	b, err := l.Open(context.Background(), "gs://m/world.json", rastreader.Variant{Kind: rastreader.KindBands})
	r.NoError(err)
	r.Equal(Info{MinZoom: 7, MaxZoom: 12, QuadkeyZoom: 8, Bounds: []float64{-180, -85, 180, 85}}, b.Info())
	r.Equal(rastreader.Description{Kind: rastreader.KindBands}, b.Describe())
	r.NoError(b.Close())

	_, err = l.Open(context.Background(), "gs://m/missing.json", rastreader.Variant{})
	r.Error(err)
}

func TestQuadkeyZoomDefaultsToMinZoom(t *testing.T) {
	def, err := ParseDefinition([]byte(`{"mosaicjson":"0.0.2","minzoom":3,"maxzoom":9,"tiles":{}}`))
	require.NoError(t, err)
	require.Equal(t, 3, def.Info().QuadkeyZoom)

	_, err = ParseDefinition([]byte(`{"minzoom":9,"maxzoom":3}`))
	require.Error(t, err)
}

func TestAssetsForTile(t *testing.T) {
	r := require.New(t)
	def, err := ParseDefinition([]byte(testMosaic))
	r.NoError(err)
	b := NewBackend("world", def, rastreader.Variant{})

	// deeper than the quadkey zoom: parent quadkey
	assets, err := b.AssetsForTile(context.Background(), rastreader.Tile{X: 2, Y: 1, Z: 10})
	r.NoError(err)
	r.Equal([]string{"a.snp", "b.snp"}, assets)

	// shallower: children at quadkey zoom, duplicates dropped
	r.Equal([]string{"00000000", "00000001", "00000003", "00000002"}, b.Quadkeys(rastreader.Tile{Z: 7}))
	assets, err = b.AssetsForTile(context.Background(), rastreader.Tile{Z: 7})
	r.NoError(err)
	r.Equal([]string{"a.snp", "b.snp", "c.snp", "d.snp"}, assets)
}

func full(val float32) *rastreader.ImageData {
	return img([]float32{val, val, val, val}, []uint8{v, v, v, v})
}

func TestBackendTileStopsWhenDone(t *testing.T) {
	r := require.New(t)
	def, err := ParseDefinition([]byte(testMosaic))
	r.NoError(err)

	assets := &fakeAssets{readers: map[string]fakeReader{
		"a.snp": {err: rastreader.ErrTileOutsideBounds},
		"b.snp": {img: full(2)},
		"c.snp": {img: full(3)},
	}}
	b := NewBackend("world", def, assets.variant())

	out, err := b.Tile(context.Background(), rastreader.Tile{Z: 7}, rastreader.Options{}, First)
	r.NoError(err)
	r.Equal([]float32{2, 2, 2, 2}, out.Data)
	r.Equal([]string{"a.snp", "b.snp"}, assets.opened)
	r.Equal(2, assets.closed)
}

func TestBackendTileMean(t *testing.T) {
	r := require.New(t)
	def, err := ParseDefinition([]byte(testMosaic))
	r.NoError(err)

	assets := &fakeAssets{readers: map[string]fakeReader{
		"a.snp": {img: full(1)},
		"b.snp": {img: full(2)},
		"c.snp": {img: full(3)},
		"d.snp": {img: full(6)},
	}}
	b := NewBackend("world", def, assets.variant())

	out, err := b.Tile(context.Background(), rastreader.Tile{Z: 7}, rastreader.Options{}, Mean)
	r.NoError(err)
	r.Equal([]float32{3, 3, 3, 3}, out.Data)
	r.Equal(4, assets.closed)
}

func TestBackendTileNoAssets(t *testing.T) {
	def, err := ParseDefinition([]byte(testMosaic))
	require.NoError(t, err)
	b := NewBackend("world", def, rastreader.Variant{})

	_, err = b.Tile(context.Background(), rastreader.Tile{X: 200, Y: 200, Z: 8}, rastreader.Options{}, First)
	require.True(t, errors.Is(err, ErrNoAssetFound))
}

func TestAssetsForTileZoomLimits(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	def, err := ParseDefinition([]byte(testMosaic))
	r.NoError(err)
	b := NewBackend("world", def, rastreader.Variant{})
	_, err = b.AssetsForTile(ctx, rastreader.Tile{Z: 6})
	r.ErrorIs(err, ErrNoAssetFound)
	_, err = b.Tile(ctx, rastreader.Tile{Z: 0}, rastreader.Options{}, First)
	r.ErrorIs(err, ErrNoAssetFound)

	deepDef, err := ParseDefinition([]byte(`{"mosaicjson":"0.0.3","minzoom":0,"maxzoom":14,"quadkey_zoom":12,"tiles":{}}`))
	r.NoError(err)
	deep := NewBackend("deep", deepDef, rastreader.Variant{})
	_, err = deep.AssetsForTile(ctx, rastreader.Tile{Z: 0})
	r.ErrorContains(err, "levels below quadkey zoom")
	r.False(errors.Is(err, ErrNoAssetFound))

	assets, err := deep.AssetsForTile(ctx, rastreader.Tile{Z: 6})
	r.NoError(err)
	r.Empty(assets)
}

func TestBackendTileEmpty(t *testing.T) {
	def, err := ParseDefinition([]byte(testMosaic))
	require.NoError(t, err)

	assets := &fakeAssets{readers: map[string]fakeReader{
		"a.snp": {err: rastreader.ErrTileOutsideBounds},
		"b.snp": {err: fmt.Errorf("b: %w", rastreader.ErrTileOutsideBounds)},
	}}
	b := NewBackend("world", def, assets.variant())

	_, err = b.Tile(context.Background(), rastreader.Tile{X: 0, Y: 0, Z: 8}, rastreader.Options{}, Median)
	require.True(t, errors.Is(err, ErrEmptyMosaic))
}

func TestBackendTileAssetError(t *testing.T) {
	def, err := ParseDefinition([]byte(testMosaic))
	require.NoError(t, err)

	boom := errors.New("boom")
	assets := &fakeAssets{readers: map[string]fakeReader{
		"a.snp": {err: boom},
	}}
	b := NewBackend("world", def, assets.variant())

	_, err = b.Tile(context.Background(), rastreader.Tile{X: 0, Y: 0, Z: 8}, rastreader.Options{}, First)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, assets.closed)

	_, err = b.Tile(context.Background(), rastreader.Tile{X: 0, Y: 0, Z: 8}, rastreader.Options{}, "mode")
	require.Error(t, err)
}

type fakeDynamo struct {
	items map[string]map[string]types.AttributeValue
	calls int
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.calls++
	id := in.Key["mosaicId"].(*types.AttributeValueMemberS).Value
	qk := in.Key["quadkey"].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: f.items[*in.TableName+"/"+id+"/"+qk]}, nil
}

func strList(values ...string) *types.AttributeValueMemberL {
	l := &types.AttributeValueMemberL{}
	for _, s := range values {
		l.Value = append(l.Value, &types.AttributeValueMemberS{Value: s})
	}
	return l
}

func TestLoaderOpenDynamo(t *testing.T) {
	r := require.New(t)

	api := &fakeDynamo{items: map[string]map[string]types.AttributeValue{
		"mytable/mymosaic/-1": {
			"minzoom":      &types.AttributeValueMemberN{Value: "7"},
			"maxzoom":      &types.AttributeValueMemberN{Value: "12"},
			"quadkey_zoom": &types.AttributeValueMemberN{Value: "8"},
			"bounds": &types.AttributeValueMemberL{Value: []types.AttributeValue{
				&types.AttributeValueMemberN{Value: "-10"},
				&types.AttributeValueMemberN{Value: "-10"},
				&types.AttributeValueMemberN{Value: "10"},
				&types.AttributeValueMemberN{Value: "10"},
			}},
		},
		"mytable/mymosaic/00000000": {"assets": strList("a.snp", "b.snp")},
	}}

	var regions []string
	l := &Loader{Dynamo: func(_ context.Context, region string) (DynamoAPI, error) {
		regions = append(regions, region)
		return api, nil
	}}

	b, err := l.Open(context.Background(), "dynamodb://us-west-2/mytable:mymosaic", rastreader.Variant{})
	r.NoError(err)
	r.Equal(Info{MinZoom: 7, MaxZoom: 12, QuadkeyZoom: 8, Bounds: []float64{-10, -10, 10, 10}}, b.Info())

	assets, err := b.AssetsForTile(context.Background(), rastreader.Tile{X: 0, Y: 0, Z: 9})
	r.NoError(err)
	r.Equal([]string{"a.snp", "b.snp"}, assets)

	assets, err = b.AssetsForTile(context.Background(), rastreader.Tile{X: 5, Y: 5, Z: 8})
	r.NoError(err)
	r.Empty(assets)

	_, err = l.Open(context.Background(), "dynamodb://us-west-2/mytable:other", rastreader.Variant{})
	r.True(errors.Is(err, ErrMosaicNotFound))
	r.Equal([]string{"us-west-2"}, regions)
}

func TestParseDynamoURL(t *testing.T) {
	tests := []struct {
		url, region, table, id string
	}{
		{"dynamodb://mytable:mymosaic", "", "mytable", "mymosaic"},
		{"dynamodb://us-east-1/mytable:mymosaic", "us-east-1", "mytable", "mymosaic"},
	}
	for _, tt := range tests {
		region, table, id, err := parseDynamoURL(tt.url)
		require.NoError(t, err)
		require.Equal(t, []string{tt.region, tt.table, tt.id}, []string{region, table, id})
	}

	for _, url := range []string{"dynamodb://mytable", "dynamodb://:m", "dynamodb://t:", "dynamodb://r/:m"} {
		_, _, _, err := parseDynamoURL(url)
		require.Error(t, err, url)
	}
}
