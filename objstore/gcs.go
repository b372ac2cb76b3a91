package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"cloud.google.com/go/storage"
)

// GCS serves gs:// urls. The client is created on first use.
type GCS struct {
	once   sync.Once
	client *storage.Client
	err    error
}

func NewGCS() *GCS {
	return &GCS{}
}

// NewGCSWithClient wraps an existing client.
func NewGCSWithClient(c *storage.Client) *GCS {
	g := &GCS{client: c}
	g.once.Do(func() {})
	return g
}

// bucket creates the shared client on first use. The client outlives any
// single request, so it is not bound to the caller's context.
func (g *GCS) bucket(name string) (*storage.BucketHandle, error) {
	g.once.Do(func() {
		g.client, g.err = storage.NewClient(context.Background())
	})
	if g.err != nil {
		return nil, fmt.Errorf("error creating storage client: %w", g.err)
	}
	return g.client.Bucket(name), nil
}

func (g *GCS) Get(ctx context.Context, url string) ([]byte, error) {
	bucket, key, err := bucketKey(url)
	if err != nil {
		return nil, err
	}
	bkt, err := g.bucket(bucket)
	if err != nil {
		return nil, err
	}

	r, err := bkt.Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%s: %w", url, ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("error creating object reader %s: %w", url, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("error reading object %s: %w", url, err)
	}
	return data, nil
}

func (g *GCS) Put(ctx context.Context, url string, body []byte, contentType string) error {
	bucket, key, err := bucketKey(url)
	if err != nil {
		return err
	}
	bkt, err := g.bucket(bucket)
	if err != nil {
		return err
	}

	w := bkt.Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(body); err != nil {
		w.Close()
		return fmt.Errorf("error writing object %s: %w", url, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("error writing object %s: %w", url, err)
	}
	return nil
}

func (g *GCS) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}
