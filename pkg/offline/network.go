package offline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxBody bounds a single upstream response kept in the cache.
const maxBody = 8 << 20

// Network fetches a URL from its origin.
type Network interface {
	Fetch(ctx context.Context, url string) (Entry, error)
}

// HTTPNetwork fetches over plain HTTP(S).  It never retries: a failure is
// reported and the worker falls back to the cache.
type HTTPNetwork struct {
	Client    *http.Client
	UserAgent string
}

// NewHTTPNetwork returns a network with a per-request timeout.
func NewHTTPNetwork(timeout time.Duration, userAgent string) *HTTPNetwork {
	return &HTTPNetwork{
		Client:    &http.Client{Timeout: timeout},
		UserAgent: userAgent,
	}
}

// Fetch performs a GET and reads the whole body.
func (n *HTTPNetwork) Fetch(ctx context.Context, url string) (Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Entry{}, err
	}
	if n.UserAgent != "" {
		req.Header.Set("User-Agent", n.UserAgent)
	}
	resp, err := n.Client.Do(req)
	if err != nil {
		return Entry{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return Entry{}, fmt.Errorf("read %s: %w", url, err)
	}
	if len(body) > maxBody {
		return Entry{}, fmt.Errorf("read %s: body exceeds %d bytes", url, maxBody)
	}
	return Entry{
		URL:         url,
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}
