package tilebot

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prl900/tilebot/rastreader"
)

func TestSelectOptions(t *testing.T) {
	indexed := rastreader.Description{Kind: rastreader.KindIndexes}
	assets := rastreader.Description{Kind: rastreader.KindAssets, Names: []string{"red", "nir"}}
	bands := rastreader.Description{Kind: rastreader.KindBands, Names: []string{"B04", "B08"}}

	for _, tc := range []struct {
		name    string
		desc    rastreader.Description
		indexes string
		want    rastreader.Options
	}{
		{"indexes", indexed, "1,2,3", rastreader.Options{Indexes: []int{1, 2, 3}}},
		{"indexes with spaces", indexed, " 3 , 1", rastreader.Options{Indexes: []int{3, 1}}},
		{"no indexes", indexed, "", rastreader.Options{}},
		{"named assets", assets, "nir", rastreader.Options{Assets: []string{"nir"}}},
		{"default assets", assets, "", rastreader.Options{Assets: []string{"red", "nir"}}},
		{"named bands", bands, "B08,B04", rastreader.Options{Bands: []string{"B08", "B04"}}},
		{"default bands", bands, "", rastreader.Options{Bands: []string{"B04", "B08"}}},
		{"mosaic without names", rastreader.Description{Kind: rastreader.KindAssets}, "", rastreader.Options{}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := SelectOptions(tc.desc, tc.indexes)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestSelectOptionsErrors(t *testing.T) {
	indexed := rastreader.Description{Kind: rastreader.KindIndexes}
	for _, indexes := range []string{"red", "0", "1,-2", ",,"} {
		_, err := SelectOptions(indexed, indexes)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, indexes)
		require.Equal(t, "indexes", verr.Field)
	}
}
