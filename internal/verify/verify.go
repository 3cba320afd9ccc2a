// Package verify implements the Integrity Verifier: streaming digest
// computation, a metadata-keyed cache, and constant-time comparison,
// per spec section 4.2.
//
// Grounded on original_source/core/verification.py for the cache-key
// shape (path, size, mtime, algorithm) and other_examples' b97tsk resume
// tool for selecting a hash.Hash constructor by algorithm rather than
// branching on it at every call site.
package verify

import (
	"context"
	"crypto/md5"  //nolint:gosec // digest algorithm is dictated by the manifest, not chosen for security
	"crypto/sha1" //nolint:gosec // same as above
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/relaydown/bulkfetch/internal/record"
	"github.com/relaydown/bulkfetch/internal/telemetry"
)

var hashConstructors = map[record.Algorithm]func() hash.Hash{
	record.AlgorithmMD5:    md5.New,
	record.AlgorithmSHA1:   sha1.New,
	record.AlgorithmSHA256: sha256.New,
}

type cacheKey struct {
	path  string
	size  int64
	mtime int64
	algo  record.Algorithm
}

// Verifier computes and caches file digests. It is safe for concurrent
// use; callers that want bounded concurrency across many files should
// drive it through a Pool.
type Verifier struct {
	mu    sync.Mutex
	cache map[cacheKey]string

	telemetry *telemetry.Telemetry
}

// New returns a Verifier with an empty, process-lifetime cache.
func New() *Verifier {
	return &Verifier{cache: make(map[cacheKey]string)}
}

// SetTelemetry attaches a telemetry sink for digest-computation
// instrumentation. Nil disables it.
func (v *Verifier) SetTelemetry(t *telemetry.Telemetry) {
	v.telemetry = t
}

// Digest streams path through algo's hash function, in bounded memory,
// returning the lowercase hex digest. Results are cached by (absolute
// path, size, mtime, algorithm); any change to those invalidates the
// entry automatically since it changes the key.
func (v *Verifier) Digest(path string, algo record.Algorithm) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", &UnavailableError{Path: path, Err: err}
	}

	keyPath := path
	if abs, err := filepath.Abs(path); err == nil {
		keyPath = abs
	}

	key := cacheKey{path: keyPath, size: info.Size(), mtime: info.ModTime().UnixNano(), algo: algo}

	v.mu.Lock()
	if cached, ok := v.cache[key]; ok {
		v.mu.Unlock()
		return cached, nil
	}
	v.mu.Unlock()

	newHash, ok := hashConstructors[algo]
	if !ok {
		return "", &UnavailableError{Path: path, Err: unsupportedAlgorithmError(string(algo))}
	}

	f, err := os.Open(path)
	if err != nil {
		return "", &UnavailableError{Path: path, Err: err}
	}
	defer f.Close()

	h := newHash()
	if _, err := io.Copy(h, f); err != nil {
		return "", &UnavailableError{Path: path, Err: err}
	}

	digest := hex.EncodeToString(h.Sum(nil))

	v.mu.Lock()
	v.cache[key] = digest
	v.mu.Unlock()

	return digest, nil
}

// Verify computes path's digest under expected.Algorithm and compares
// it, in constant time, against expected.Value. Comparison is
// case-insensitive on hex casing but constant-time on the byte
// representation of the decoded digest.
func (v *Verifier) Verify(path string, expected record.Digest) (string, error) {
	var actual string

	err := v.telemetry.InstrumentVerify(context.Background(), string(expected.Algorithm), func(context.Context) error {
		var digestErr error

		actual, digestErr = v.Digest(path, expected.Algorithm)
		if digestErr != nil {
			return digestErr
		}

		if !constantTimeHexEqual(expected.Value, actual) {
			return &MismatchError{Path: path, Expected: expected.Value, Actual: actual}
		}

		return nil
	})

	return actual, err
}

func constantTimeHexEqual(a, b string) bool {
	aBytes, errA := hex.DecodeString(a)
	bBytes, errB := hex.DecodeString(b)

	if errA != nil || errB != nil {
		return false
	}

	if len(aBytes) != len(bBytes) {
		return false
	}

	return subtle.ConstantTimeCompare(aBytes, bBytes) == 1
}

type unsupportedAlgorithmError string

func (e unsupportedAlgorithmError) Error() string {
	return "unsupported digest algorithm: " + string(e)
}
