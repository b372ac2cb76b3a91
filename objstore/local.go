package objstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Local serves file:// urls and bare paths.
type Local struct{}

func localPath(url string) string {
	return strings.TrimPrefix(url, "file://")
}

func (Local) Get(_ context.Context, url string) ([]byte, error) {
	data, err := os.ReadFile(localPath(url))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", url, ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", url, err)
	}
	return data, nil
}

func (Local) Put(_ context.Context, url string, body []byte, _ string) error {
	path := localPath(url)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("error creating directory for %s: %w", url, err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("error writing %s: %w", url, err)
	}
	return nil
}
