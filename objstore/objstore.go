// Package objstore reads and writes whole objects addressed by URL,
// routing each URL to a backend by scheme.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNotExist is returned by Get when the object does not exist.
var ErrNotExist = errors.New("object does not exist")

type Store interface {
	Get(ctx context.Context, url string) ([]byte, error)
	Put(ctx context.Context, url string, body []byte, contentType string) error
}

// Mux dispatches to the Store registered for the URL scheme. URLs
// without a scheme are local paths.
type Mux struct {
	mu      sync.RWMutex
	schemes map[string]Store
}

func NewMux() *Mux {
	return &Mux{schemes: map[string]Store{}}
}

// Default registers local, http(s) and gs stores, and s3 when s3 is not
// nil.
func Default(s3 *S3) *Mux {
	m := NewMux()
	m.Handle("file", Local{})
	h := NewHTTP(nil)
	m.Handle("http", h)
	m.Handle("https", h)
	m.Handle("gs", NewGCS())
	if s3 != nil {
		m.Handle("s3", s3)
	}
	return m
}

func (m *Mux) Handle(scheme string, s Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemes[scheme] = s
}

func (m *Mux) store(url string) (Store, error) {
	scheme, _ := Split(url)
	if scheme == "" {
		scheme = "file"
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schemes[scheme]
	if !ok {
		return nil, fmt.Errorf("no object store for scheme %q in %s", scheme, url)
	}
	return s, nil
}

func (m *Mux) Get(ctx context.Context, url string) ([]byte, error) {
	s, err := m.store(url)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, url)
}

func (m *Mux) Put(ctx context.Context, url string, body []byte, contentType string) error {
	s, err := m.store(url)
	if err != nil {
		return err
	}
	return s.Put(ctx, url, body, contentType)
}

// Split returns the scheme of url and the rest after "://". A URL without
// scheme is returned whole.
func Split(url string) (scheme, rest string) {
	i := strings.Index(url, "://")
	if i < 0 {
		return "", url
	}
	return url[:i], url[i+3:]
}

// bucketKey splits "scheme://bucket/key" into bucket and key.
func bucketKey(url string) (string, string, error) {
	_, rest := Split(url)
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid object url %q, expected scheme://bucket/key", url)
	}
	return bucket, key, nil
}
