package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mattjoyce/scatter/internal/config"
)

// HTTP reads remote objects with HEAD and ranged GET, and writes with PUT.
// Transient failures (connection errors, 5xx, 429) are retried.
type HTTP struct {
	client *retryablehttp.Client
}

// NewHTTP builds the HTTP backend. logger may be nil.
func NewHTTP(cfg config.HTTPConfig, logger *slog.Logger) *HTTP {
	c := retryablehttp.NewClient()
	c.RetryMax = cfg.RetryMax
	if cfg.Timeout > 0 {
		c.HTTPClient.Timeout = cfg.Timeout
	}
	c.Logger = nil
	if logger != nil {
		c.Logger = logger.With("component", "backend.http")
	}
	return &HTTP{client: c}
}

// SetRetryWait overrides the backoff window.
func (b *HTTP) SetRetryWait(minWait, maxWait time.Duration) {
	b.client.RetryWaitMin = minWait
	b.client.RetryWaitMax = maxWait
}

func (b *HTTP) do(ctx context.Context, method, locator string, body []byte, header http.Header) (*http.Response, error) {
	var raw any
	if body != nil {
		raw = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, locator, raw)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, locator, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, locator, err)
	}
	return resp, nil
}

// GetSize uses Content-Length from a HEAD request.
func (b *HTTP) GetSize(ctx context.Context, locator string) (uint64, error) {
	resp, err := b.do(ctx, http.MethodHead, locator, nil, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, fmt.Errorf("%s: %w", locator, ErrNotFound)
	case resp.StatusCode >= 300:
		return 0, fmt.Errorf("HEAD %s: unexpected status %s", locator, resp.Status)
	}

	if resp.ContentLength >= 0 {
		return uint64(resp.ContentLength), nil
	}
	if v := resp.Header.Get("Content-Length"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("HEAD %s: server did not report Content-Length", locator)
}

// ReadRange issues a GET with a Range header. Servers that ignore Range and
// answer 200 are handled by skipping to offset in the full body.
func (b *HTTP) ReadRange(ctx context.Context, locator string, offset, length uint64) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	header := http.Header{}
	header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := b.do(ctx, http.MethodGet, locator, nil, header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		if _, err := io.CopyN(io.Discard, resp.Body, int64(offset)); err != nil {
			if err == io.EOF {
				return []byte{}, nil
			}
			return nil, fmt.Errorf("GET %s: skip to %d: %w", locator, offset, err)
		}
	case http.StatusRequestedRangeNotSatisfiable:
		return []byte{}, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", locator, ErrNotFound)
	default:
		return nil, fmt.Errorf("GET %s: unexpected status %s", locator, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(body, int64(length)))
	if err != nil {
		return nil, fmt.Errorf("GET %s: read body: %w", locator, err)
	}
	return data, nil
}

// Put uploads data with PUT and expects a 2xx answer.
func (b *HTTP) Put(ctx context.Context, destination string, data []byte) error {
	header := http.Header{}
	header.Set("Content-Type", "application/octet-stream")
	resp, err := b.do(ctx, http.MethodPut, destination, data, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("PUT %s: unexpected status %s", destination, resp.Status)
	}
	return nil
}
