package objstore

import (
	"context"
	"fmt"
	"strings"
)

// Sink writes artifacts under a base location such as gs://bucket/prefix,
// s3://bucket or file:///data/tiles. A bare bucket name means GCS.
type Sink struct {
	store Store
	base  string
}

func NewSink(store Store, base string) (*Sink, error) {
	base = strings.TrimSuffix(strings.TrimSpace(base), "/")
	if base == "" {
		return nil, fmt.Errorf("empty output location")
	}
	if scheme, _ := Split(base); scheme == "" && !strings.HasPrefix(base, "/") && !strings.HasPrefix(base, ".") {
		base = "gs://" + base
	}
	return &Sink{store: store, base: base}, nil
}

// URL returns where key is stored.
func (s *Sink) URL(key string) string {
	return s.base + "/" + strings.TrimPrefix(key, "/")
}

func (s *Sink) Put(ctx context.Context, key string, body []byte, contentType string) error {
	return s.store.Put(ctx, s.URL(key), body, contentType)
}
