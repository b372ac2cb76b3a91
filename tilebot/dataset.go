package tilebot

import (
	"fmt"
	"path"
	"strings"

	"github.com/prl900/tilebot/config"
	"github.com/prl900/tilebot/rastreader"
)

type Kind int

const (
	DirectRaster Kind = iota
	MosaicByID
	MosaicByPath
)

func (k Kind) String() string {
	switch k {
	case MosaicByID:
		return "mosaic-id"
	case MosaicByPath:
		return "mosaic-path"
	default:
		return "raster"
	}
}

// Dataset is a resolved dataset token of a job.
type Dataset struct {
	Kind  Kind
	URL   string
	Token string
	// Prefix is the directory of the dataset's artifacts.
	Prefix string
}

func (d Dataset) Mosaic() bool {
	return d.Kind == MosaicByID || d.Kind == MosaicByPath
}

// Key returns the artifact key of tile t.
func (d Dataset) Key(t rastreader.Tile, ext string) string {
	return fmt.Sprintf("%s/%d-%d-%d%s", d.Prefix, t.Z, t.X, t.Y, ext)
}

const (
	mosaicScheme   = "mosaic+"
	mosaicIDScheme = "mosaicid://"
)

// ResolveDataset classifies token as a mosaic id (mosaicid://name), a
// mosaic path (mosaic+scheme://path) or a raster path.
func ResolveDataset(token string, cfg config.Mosaic) (Dataset, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Dataset{}, invalid("dataset", "empty dataset")
	}
	ds := Dataset{Kind: DirectRaster, URL: token, Token: token}

	scheme, _, hasScheme := strings.Cut(token, "://")
	if hasScheme && (strings.HasPrefix(scheme, mosaicScheme) || scheme == "mosaicid") {
		rest := strings.TrimPrefix(token, mosaicScheme)
		if name, ok := strings.CutPrefix(rest, mosaicIDScheme); ok {
			if name == "" {
				return Dataset{}, invalid("dataset", "%q has no mosaic id", token)
			}
			if !cfg.Configured() {
				return Dataset{}, invalid("dataset", "%q needs a mosaic backend, none is configured", token)
			}
			ds.Kind = MosaicByID
			ds.URL = cfg.URL(name)
			ds.Prefix = path.Base(name)
			return ds, nil
		}
		ds.Kind = MosaicByPath
		ds.URL = rest
	}

	ds.Prefix = stem(ds.URL)
	if ds.Prefix == "" {
		return Dataset{}, invalid("dataset", "cannot derive an output name from %q", token)
	}
	return ds, nil
}

// stem is the base name of url up to its first dot.
func stem(url string) string {
	url, _, _ = strings.Cut(url, "?")
	base := path.Base(strings.TrimSuffix(url, "/"))
	base, _, _ = strings.Cut(base, ".")
	if base == "/" {
		return ""
	}
	return base
}
