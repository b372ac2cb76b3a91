package tilebot

import (
	"strconv"
	"strings"

	"github.com/prl900/tilebot/rastreader"
)

// SelectOptions builds the read options of a dataset from the job indexes.
// Indexes name assets or bands when the reader addresses them by name,
// otherwise they are 1-based band indexes. Without indexes the reader's
// default names are used.
func SelectOptions(desc rastreader.Description, indexes string) (rastreader.Options, error) {
	var opts rastreader.Options

	if indexes == "" {
		switch desc.Kind {
		case rastreader.KindAssets:
			opts.Assets = desc.Names
		case rastreader.KindBands:
			opts.Bands = desc.Names
		}
		return opts, nil
	}

	var fields []string
	for _, f := range strings.Split(indexes, ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	if len(fields) == 0 {
		return opts, invalid("indexes", "%q selects nothing", indexes)
	}

	switch desc.Kind {
	case rastreader.KindAssets:
		opts.Assets = fields
	case rastreader.KindBands:
		opts.Bands = fields
	default:
		for _, f := range fields {
			i, err := strconv.Atoi(f)
			if err != nil || i < 1 {
				return rastreader.Options{}, invalid("indexes", "%q is not a band index", f)
			}
			opts.Indexes = append(opts.Indexes, i)
		}
	}
	return opts, nil
}
