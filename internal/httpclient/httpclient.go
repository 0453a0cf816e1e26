// Package httpclient provides the shared *http.Client used for every
// network call the update engine makes: channel/index lookups, keyring
// re-pulls, and image/delta downloads.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// maxFetchSize bounds how much of a response FetchContent will buffer in
// memory. channels.json and index.json are small JSON documents; nothing
// legitimate should ever approach this.
const maxFetchSize = 10 << 20

// New returns an *http.Client tuned for long-running downloads: bounded
// dial, TLS handshake, and response-header timeouts, but no overall
// request timeout, since a multi-gigabyte full image can legitimately
// take longer than any fixed deadline. Callers bound individual requests
// with a context deadline instead.
func New() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}
}

// FetchContent fetches url and returns its body. Intended for small
// documents (channels.json, index.json, keyring archives); responses
// larger than maxFetchSize are rejected. If client is nil, New() is used.
func FetchContent(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	if client == nil {
		client = New()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close on HTTP response

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: HTTP %d", url, resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, maxFetchSize+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("reading response body for %s: %w", url, err)
	}
	if len(body) > maxFetchSize {
		return nil, fmt.Errorf("fetching %s: response exceeds %d byte limit", url, maxFetchSize)
	}

	return body, nil
}
