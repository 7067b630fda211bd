package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poiesic/shopcache/core"
	"github.com/poiesic/shopcache/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		f, err := New(Config{Name: core.SourceAmazon, URL: "http://scraper:8080/amazon?q={query}"})
		require.NoError(t, err)
		assert.Equal(t, core.SourceAmazon, f.Name())
		assert.Equal(t, DefaultMaxAttempts, f.cfg.MaxAttempts)
		assert.Equal(t, DefaultTimeout, f.cfg.Timeout)
		assert.Nil(t, f.limiter)
	})

	t.Run("rate limited", func(t *testing.T) {
		f, err := New(Config{Name: core.SourceAmazon, URL: "http://scraper/{query}", Rate: 2})
		require.NoError(t, err)
		require.NotNil(t, f.limiter)
		assert.Equal(t, 1, f.limiter.Burst())
	})

	t.Run("missing name", func(t *testing.T) {
		_, err := New(Config{URL: "http://scraper/{query}"})
		assert.ErrorIs(t, err, ErrNameRequired)
	})

	t.Run("bad url", func(t *testing.T) {
		for _, u := range []string{"", "http://scraper/search", "/relative/{query}"} {
			_, err := New(Config{Name: core.SourceFlipkart, URL: u})
			assert.ErrorIs(t, err, ErrInvalidURL, u)
		}
	})
}

func TestStream(t *testing.T) {
	var gotQuery atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"name":"Women Cotton Kurti","link":"https://shop/1","price":"499","rating":"4.1","position":1}`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `{"name":"Rayon Kurti","price":"650","position":2,"delivery":"Tomorrow"}`)
	}))
	defer server.Close()

	f, err := New(Config{Name: core.SourceMyntra, URL: server.URL + "/search?q={query}"})
	require.NoError(t, err)

	records, err := source.Collect(context.Background(), f, "womens kurti & more")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "womens kurti & more", gotQuery.Load())
	assert.Equal(t, "Women Cotton Kurti", records[0].Name)
	assert.Equal(t, 1, records[0].Position)
	assert.Equal(t, "Tomorrow", records[1].Delivery)
	assert.Empty(t, records[1].Link, "defaults are applied downstream")
}

func TestStream_StopsEarly(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 1; i <= 10; i++ {
			fmt.Fprintf(w, `{"name":"item %d","position":%d}`+"\n", i, i)
		}
	}))
	defer server.Close()

	f, err := New(Config{Name: core.SourceAmazon, URL: server.URL + "/{query}"})
	require.NoError(t, err)

	seen := 0
	for _, err := range f.Stream(context.Background(), "x") {
		require.NoError(t, err)
		seen++
		if seen == 3 {
			break
		}
	}
	assert.Equal(t, 3, seen)
}

func TestStream_Errors(t *testing.T) {
	t.Run("retries server errors", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			fmt.Fprintln(w, `{"name":"Yoga Mat","position":1}`)
		}))
		defer server.Close()

		f, err := New(Config{Name: core.SourceAmazon, URL: server.URL + "/{query}", RetryDelay: time.Millisecond})
		require.NoError(t, err)
		records, err := source.Collect(context.Background(), f, "mat")
		require.NoError(t, err)
		assert.Len(t, records, 1)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusForbidden)
		}))
		defer server.Close()

		f, err := New(Config{Name: core.SourceAmazon, URL: server.URL + "/{query}", RetryDelay: time.Millisecond})
		require.NoError(t, err)
		_, err = source.Collect(context.Background(), f, "mat")
		assert.ErrorContains(t, err, "403")
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("malformed line ends the stream", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintln(w, `{"name":"ok","position":1}`)
			fmt.Fprintln(w, `{"name":`)
			fmt.Fprintln(w, `{"name":"never","position":3}`)
		}))
		defer server.Close()

		f, err := New(Config{Name: core.SourceAmazon, URL: server.URL + "/{query}"})
		require.NoError(t, err)
		records, err := source.Collect(context.Background(), f, "x")
		assert.ErrorContains(t, err, "line 2")
		assert.Len(t, records, 1)
	})
}

func TestStream_DownloadsImages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/img/1.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("jpeg-bytes"))
	})
	mux.HandleFunc("/img/missing.jpg", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	var server *httptest.Server
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"name":"Mat","position":1,"image_url":"%s/img/1.jpg"}`+"\n", server.URL)
		fmt.Fprintf(w, `{"name":"Band","position":2,"image_url":"%s/img/missing.jpg"}`+"\n", server.URL)
	})
	server = httptest.NewServer(mux)
	defer server.Close()

	imageDir := t.TempDir()
	f, err := New(Config{
		Name:       core.SourceFlipkart,
		URL:        server.URL + "/search?q={query}",
		ImageDir:   imageDir,
		RetryDelay: time.Millisecond,
	})
	require.NoError(t, err)

	records, err := source.Collect(context.Background(), f, "yoga mat")
	require.NoError(t, err)
	assert.Len(t, records, 2, "a failed image download does not drop the record")

	data, err := os.ReadFile(filepath.Join(imageDir, "Flipkart", "yoga mat", "product_1.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))

	_, err = os.Stat(filepath.Join(imageDir, "Flipkart", "yoga mat", "product_2.jpg"))
	assert.True(t, os.IsNotExist(err))
}
