package fetcher

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(t *testing.T, opts Options) *HTTPFetcher {
	t.Helper()
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Millisecond
	}
	f, err := NewHTTPFetcher(opts)
	require.NoError(t, err)
	return f
}

func parse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestFetchReturnsBodyAndFinalURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "drrcrawler-test", r.Header.Get("User-Agent"))
		assert.Equal(t, "yes", r.Header.Get("X-Extra"))
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>new</html>"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newTestFetcher(t, Options{UserAgent: "drrcrawler-test", Headers: map[string]string{"X-Extra": "yes"}})
	page, err := f.Fetch(context.Background(), parse(t, srv.URL+"/old"))
	require.NoError(t, err)

	assert.Equal(t, "<html>new</html>", string(page.Body))
	assert.Equal(t, srv.URL+"/new", page.Location().String())
	assert.Equal(t, srv.URL+"/old", page.URL.String())
	assert.Equal(t, http.StatusOK, page.StatusCode)
}

func TestFetchNotFoundIsPermanent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{MaxRetries: 3})
	_, err := f.Fetch(context.Background(), parse(t, srv.URL+"/missing"))
	require.Error(t, err)

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{MaxRetries: 3})
	page, err := f.Fetch(context.Background(), parse(t, srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(page.Body))
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetchGivesUpAfterMaxRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{MaxRetries: 2})
	_, err := f.Fetch(context.Background(), parse(t, srv.URL))
	require.Error(t, err)
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetchDecodesCompressedBodies(t *testing.T) {
	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, _ = gw.Write([]byte("gzipped"))
	require.NoError(t, gw.Close())

	var br bytes.Buffer
	bw := brotli.NewWriter(&br)
	_, _ = bw.Write([]byte("brotli"))
	require.NoError(t, bw.Close())

	mux := http.NewServeMux()
	mux.HandleFunc("/gz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(gz.Bytes())
	})
	mux.HandleFunc("/br", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		_, _ = w.Write(br.Bytes())
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newTestFetcher(t, Options{})
	page, err := f.Fetch(context.Background(), parse(t, srv.URL+"/gz"))
	require.NoError(t, err)
	assert.Equal(t, "gzipped", string(page.Body))

	page, err = f.Fetch(context.Background(), parse(t, srv.URL+"/br"))
	require.NoError(t, err)
	assert.Equal(t, "brotli", string(page.Body))
}

func TestFetchRejectsOversizedBody(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(bytes.Repeat([]byte("x"), 64))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{MaxBodyBytes: 16, MaxRetries: 3})
	_, err := f.Fetch(context.Background(), parse(t, srv.URL))
	require.Error(t, err)
	assert.ErrorIs(t, err, errBodyTooLarge)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := newTestFetcher(t, Options{Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := f.Fetch(context.Background(), parse(t, srv.URL))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
