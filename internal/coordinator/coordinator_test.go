package coordinator

import (
	"context"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydown/bulkfetch/internal/filetask"
	"github.com/relaydown/bulkfetch/internal/record"
	"github.com/relaydown/bulkfetch/internal/statestore"
	"github.com/relaydown/bulkfetch/internal/transport"
	"github.com/relaydown/bulkfetch/internal/verify"
)

func md5Hex(b []byte) string {
	sum := md5.Sum(b) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

func newDeps(t *testing.T, dir string) filetask.Deps {
	t.Helper()

	store, err := statestore.Open(filepath.Join(dir, "state.json"), dir, nil)
	require.NoError(t, err)

	return filetask.Deps{
		Transport:       transport.NewClient(transport.NewConfig(1, 1024)),
		Verifier:        verify.New(),
		Store:           store,
		DownloadRoot:    dir,
		MaxAttempts:     1,
		BackoffBase:     time.Millisecond,
		BackoffCap:      5 * time.Millisecond,
		ResumeThreshold: 1 << 30,
	}
}

func TestCoordinator_LaunchesInAscendingSizeThenNameOrder(t *testing.T) {
	var order []string

	payloads := map[string]string{
		"c.txt": "aaa",   // size 3
		"a.txt": "a",     // size 1
		"b.txt": "aa",    // size 2
	}

	mux := http.NewServeMux()
	for name, body := range payloads {
		body := body
		mux.HandleFunc("/"+name, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		})
	}

	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	deps := newDeps(t, dir)

	entries := make([]record.ManifestEntry, 0, len(payloads))
	for name, body := range payloads {
		entries = append(entries, record.ManifestEntry{
			Name:           name,
			URL:            srv.URL + "/" + name,
			ExpectedDigest: record.Digest{Algorithm: record.AlgorithmMD5, Value: md5Hex([]byte(body))},
			ExpectedSize:   int64(len(body)),
		})
	}

	deps.Store.Merge(entries, dir, false)

	c := New(deps, Config{MaxConcurrency: 1, BatchSize: 1})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for rec := range c.OnFileCompleted {
			order = append(order, rec.Name)
			if len(order) == len(entries) {
				return
			}
		}
	}()

	names := []string{"c.txt", "a.txt", "b.txt"}
	require.NoError(t, c.Start(context.Background(), names))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion events")
	}

	assert.Equal(t, []string{"a.txt", "b.txt", "c.txt"}, order)
}

func TestCoordinator_BoundsConcurrency(t *testing.T) {
	const maxConcurrency = 2

	var active int32

	var peak int32

	mux := http.NewServeMux()
	mux.HandleFunc("/f", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&active, 1)

		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}

		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		w.Write([]byte("x"))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	deps := newDeps(t, dir)

	const total = 6

	entries := make([]record.ManifestEntry, 0, total)
	names := make([]string, 0, total)

	for i := 0; i < total; i++ {
		name := fmt.Sprintf("f%d.txt", i)
		names = append(names, name)
		entries = append(entries, record.ManifestEntry{
			Name:           name,
			URL:            srv.URL + "/f",
			ExpectedDigest: record.Digest{Algorithm: record.AlgorithmMD5, Value: md5Hex([]byte("x"))},
			ExpectedSize:   1,
		})
	}

	deps.Store.Merge(entries, dir, false)

	c := New(deps, Config{MaxConcurrency: maxConcurrency, BatchSize: 3})

	go func() {
		for range c.OnFileCompleted {
		}
	}()

	go func() {
		for range c.OnFileFailed {
		}
	}()

	require.NoError(t, c.Start(context.Background(), names))

	assert.LessOrEqual(t, int(atomic.LoadInt32(&peak)), maxConcurrency)
}

func TestCoordinator_CancelRewindsInProgressToPending(t *testing.T) {
	block := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "20")
		w.Write([]byte("0123456789"))

		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		select {
		case <-block:
		case <-r.Context().Done():
		}
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer close(block)

	dir := t.TempDir()
	deps := newDeps(t, dir)

	entry := record.ManifestEntry{
		Name:         "slow.bin",
		URL:          srv.URL + "/slow",
		ExpectedSize: 20,
	}

	deps.Store.Merge([]record.ManifestEntry{entry}, dir, false)

	c := New(deps, Config{MaxConcurrency: 1, BatchSize: 1})

	go func() {
		for range c.OnFileCompleted {
		}
	}()

	go func() {
		for range c.OnFileFailed {
		}
	}()

	startErr := make(chan error, 1)

	go func() {
		startErr <- c.Start(context.Background(), []string{"slow.bin"})
	}()

	time.Sleep(50 * time.Millisecond)
	c.Cancel()

	select {
	case err := <-startErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Cancel")
	}

	rec, ok := deps.Store.Get("slow.bin")
	require.True(t, ok)
	assert.Equal(t, record.StatusPending, rec.Status)
}

func TestCoordinator_VerifyPoolSkipsAlreadyCompletedFiles(t *testing.T) {
	const payload = "already have this one"

	var requests int32

	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.Write([]byte(payload))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	deps := newDeps(t, dir)

	entry := record.ManifestEntry{
		Name:           "cached.txt",
		URL:            srv.URL + "/ok",
		ExpectedDigest: record.Digest{Algorithm: record.AlgorithmMD5, Value: md5Hex([]byte(payload))},
	}

	deps.Store.Merge([]record.ManifestEntry{entry}, dir, false)

	c := New(deps, Config{VerifyPool: verify.NewPool(deps.Verifier, 2)})

	go func() {
		for range c.OnFileCompleted {
		}
	}()

	require.NoError(t, c.Start(context.Background(), []string{"cached.txt"}))
	require.EqualValues(t, 1, atomic.LoadInt32(&requests))

	rec, ok := deps.Store.Get("cached.txt")
	require.True(t, ok)
	assert.Equal(t, record.StatusCompleted, rec.Status)

	require.NoError(t, c.Start(context.Background(), []string{"cached.txt"}))
	assert.EqualValues(t, 1, atomic.LoadInt32(&requests), "second run should skip the network fetch entirely")
}

func TestCoordinator_UnknownSelectionIsRejected(t *testing.T) {
	dir := t.TempDir()
	deps := newDeps(t, dir)

	c := New(deps, Config{})

	err := c.Start(context.Background(), []string{"missing.txt"})
	require.Error(t, err)

	var unknown *UnknownEntryError
	require.ErrorAs(t, err, &unknown)
}

func TestCoordinator_StatisticsReflectsStateCounts(t *testing.T) {
	const payload = "hello world"

	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	deps := newDeps(t, dir)

	entry := record.ManifestEntry{
		Name:           "ok.txt",
		URL:            srv.URL + "/ok",
		ExpectedDigest: record.Digest{Algorithm: record.AlgorithmMD5, Value: md5Hex([]byte(payload))},
	}

	deps.Store.Merge([]record.ManifestEntry{entry}, dir, false)

	c := New(deps, Config{})

	go func() {
		for range c.OnFileCompleted {
		}
	}()

	require.NoError(t, c.Start(context.Background(), []string{"ok.txt"}))

	stats := c.Statistics()
	assert.Equal(t, 1, stats.StateCounts[record.StatusCompleted])
	assert.Greater(t, stats.BytesRaw, int64(0))
}
