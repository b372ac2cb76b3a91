// Package tilecodec serializes composited tiles, data and validity mask,
// into compressed self describing payloads.
package tilecodec

import (
	"fmt"
	"sort"
	"strings"

	"github.com/prl900/tilebot/rastreader"
)

const DefaultFormat = "npz"

type Codec interface {
	Name() string
	// Ext is the file extension of encoded payloads, including the dot.
	Ext() string
	ContentType() string
	Encode(img *rastreader.ImageData) ([]byte, error)
	Decode(data []byte) (*rastreader.ImageData, error)
}

var codecs = map[string]Codec{
	"npz": NPZ{},
	"snp": Snappy{},
}

// Lookup returns the codec named name. Empty selects the default.
func Lookup(name string) (Codec, error) {
	name = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), ".")
	if name == "" {
		name = DefaultFormat
	}
	c, ok := codecs[name]
	if !ok {
		return nil, fmt.Errorf("unknown output format %q, expected one of %v", name, Names())
	}
	return c, nil
}

func Names() []string {
	names := make([]string, 0, len(codecs))
	for n := range codecs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func checkImage(img *rastreader.ImageData) error {
	if img == nil {
		return fmt.Errorf("cannot encode nil image")
	}
	return img.Validate()
}
