package backend

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/scatter/internal/config"
)

func newTestHTTP(retries int) *HTTP {
	b := NewHTTP(config.HTTPConfig{RetryMax: retries, Timeout: 5 * time.Second}, nil)
	b.SetRetryWait(time.Millisecond, 5*time.Millisecond)
	return b
}

func TestHTTPBackendRangedRead(t *testing.T) {
	content := strings.NewReader("the quick brown fox")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "fox.txt", time.Time{}, content)
	}))
	defer srv.Close()

	b := newTestHTTP(0)
	ctx := context.Background()

	size, err := b.GetSize(ctx, srv.URL+"/fox.txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(19), size)

	data, err := b.ReadRange(ctx, srv.URL+"/fox.txt", 4, 5)
	require.NoError(t, err)
	assert.Equal(t, "quick", string(data))

	data, err = b.ReadRange(ctx, srv.URL+"/fox.txt", 16, 10)
	require.NoError(t, err)
	assert.Equal(t, "fox", string(data))

	data, err = b.ReadRange(ctx, srv.URL+"/fox.txt", 40, 10)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestHTTPBackendIgnoredRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "0123456789")
	}))
	defer srv.Close()

	data, err := newTestHTTP(0).ReadRange(context.Background(), srv.URL, 6, 3)
	require.NoError(t, err)
	assert.Equal(t, "678", string(data))
}

func TestHTTPBackendNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	b := newTestHTTP(0)
	_, err := b.GetSize(context.Background(), srv.URL+"/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = b.ReadRange(context.Background(), srv.URL+"/missing", 0, 4)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPBackendRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Length", "5")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	size, err := newTestHTTP(3).GetSize(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), size)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPBackendGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestHTTP(1).ReadRange(context.Background(), srv.URL, 0, 4)
	assert.ErrorContains(t, err, "giving up")
}

func TestHTTPBackendPut(t *testing.T) {
	var (
		mu   sync.Mutex
		got  = map[string]string{}
		kind string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/forbidden" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got[r.URL.Path] = string(body)
		kind = r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	b := newTestHTTP(0)
	require.NoError(t, b.Put(context.Background(), srv.URL+"/out/a.bin/0", []byte("payload")))
	assert.Equal(t, "payload", got["/out/a.bin/0"])
	assert.Equal(t, "application/octet-stream", kind)

	err := b.Put(context.Background(), srv.URL+"/forbidden", []byte("x"))
	assert.ErrorContains(t, err, "403")
}
