package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient() *Client {
	return NewClient(NewConfig(10, 1<<20))
}

func TestProbe_ReportsRangeSupportAndSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "1024")
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient()
	defer c.CloseAll()

	res, err := c.Probe(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, res.SupportsRange)
	assert.EqualValues(t, 1024, res.TotalSize)
	assert.Equal(t, `"abc"`, res.ETag)
}

func TestProbe_ServerErrorIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient()
	defer c.CloseAll()

	_, err := c.Probe(context.Background(), srv.URL)
	require.Error(t, err)

	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, 500, serverErr.Status)
}

func TestOpen_FullBody(t *testing.T) {
	const payload = "hello world"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	c := testClient()
	defer c.CloseAll()

	resp, err := c.Open(context.Background(), srv.URL, 0, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, string(body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOpen_RangeRequestHonored(t *testing.T) {
	const payload = "0123456789"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Write([]byte(payload))
			return
		}

		w.Header().Set("Content-Range", "bytes 5-9/10")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(payload[5:]))
	}))
	defer srv.Close()

	c := testClient()
	defer c.CloseAll()

	resp, err := c.Open(context.Background(), srv.URL, 5, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "56789", string(body))
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
}

func TestOpen_RangeIgnoredByServerIsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("full body, range ignored"))
	}))
	defer srv.Close()

	c := testClient()
	defer c.CloseAll()

	_, err := c.Open(context.Background(), srv.URL, 5, nil)
	require.Error(t, err)

	var badStatus *BadStatusError
	require.ErrorAs(t, err, &badStatus)
	assert.Equal(t, http.StatusOK, badStatus.Status)
}

func TestOpen_GzipDecodedTransparently(t *testing.T) {
	const payload = "the quick brown fox jumps over the lazy dog, repeated for compressibility, repeated for compressibility"

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	gz.Write([]byte(payload))
	gz.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(compressed.Bytes())
	}))
	defer srv.Close()

	c := testClient()
	defer c.CloseAll()

	resp, err := c.Open(context.Background(), srv.URL, 0, []string{"gzip"})
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, string(body))

	stats := c.Stats()
	assert.Greater(t, stats.DecodedBytes, stats.RawBytes)
}

func TestOpen_ServerErrorIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient()
	defer c.CloseAll()

	_, err := c.Open(context.Background(), srv.URL, 0, nil)
	require.Error(t, err)

	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, http.StatusBadGateway, serverErr.Status)
}

func TestOpen_ConnectFailureIsTyped(t *testing.T) {
	c := testClient()
	defer c.CloseAll()

	_, err := c.Open(context.Background(), "http://127.0.0.1:1", 0, nil)
	require.Error(t, err)

	var connectErr *ConnectError
	require.ErrorAs(t, err, &connectErr)
}

func TestConfig_PoolSizingTiers(t *testing.T) {
	assert.Equal(t, 50, NewConfig(10, 1<<20).PoolSize)
	assert.Equal(t, 100, NewConfig(1500, 1<<20).PoolSize)
	assert.Equal(t, 150, NewConfig(20000, 1<<20).PoolSize)
}

func TestConfig_TimeoutTiers(t *testing.T) {
	large := NewConfig(10, 6<<20)
	assert.Equal(t, "5m0s", large.TotalTimeout.String())

	small := NewConfig(10, 50<<10)
	assert.Equal(t, "1m0s", small.TotalTimeout.String())
}
