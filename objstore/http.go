package objstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTP serves read-only http:// and https:// urls.
type HTTP struct {
	Client *http.Client
}

func NewHTTP(c *http.Client) *HTTP {
	if c == nil {
		c = http.DefaultClient
	}
	return &HTTP{Client: c}
}

func (h *HTTP) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error requesting %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", url, ErrNotExist)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("error requesting %s: %s", url, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", url, err)
	}
	return data, nil
}

func (h *HTTP) Put(_ context.Context, url string, _ []byte, _ string) error {
	return fmt.Errorf("cannot write %s: http objects are read only", url)
}
