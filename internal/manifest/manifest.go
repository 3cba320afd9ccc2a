// Package manifest parses the input manifest document: a JSON object
// mapping filename to either a bare MD5 hex digest or a full record
// naming the source URL, digest algorithm, and optional expected size.
//
// Grounded on original_source/core/persistence.py's load_file_mapping,
// generalized from "filename -> md5 string" to the richer object form
// spec section 6 requires while keeping the bare-string shorthand.
package manifest

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/relaydown/bulkfetch/internal/record"
)

// rawEntry captures the object form of a manifest value.
type rawEntry struct {
	URL    string `json:"url"`
	Digest struct {
		Algorithm string `json:"algorithm"`
		Value     string `json:"value"`
	} `json:"digest"`
	Size *int64 `json:"size"`
}

// Parse reads a manifest document and returns its entries, sorted by
// name for deterministic downstream ordering. Keys are treated as
// filenames relative to the configured download root.
func Parse(data []byte) ([]record.ManifestEntry, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("manifest: invalid JSON: %w", err)
	}

	entries := make([]record.ManifestEntry, 0, len(raw))

	for name, msg := range raw {
		entry, err := parseEntry(name, msg)
		if err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	return entries, nil
}

func parseEntry(name string, msg json.RawMessage) (record.ManifestEntry, error) {
	trimmed := strings.TrimSpace(string(msg))

	// Bare hex digest string: interpreted as MD5, with no known URL.
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var hexDigest string
		if err := json.Unmarshal(msg, &hexDigest); err != nil {
			return record.ManifestEntry{}, fmt.Errorf("manifest: entry %q: %w", name, err)
		}

		return record.ManifestEntry{
			Name: name,
			ExpectedDigest: record.Digest{
				Algorithm: record.AlgorithmMD5,
				Value:     strings.ToLower(hexDigest),
			},
		}, nil
	}

	var raw rawEntry
	if err := json.Unmarshal(msg, &raw); err != nil {
		return record.ManifestEntry{}, fmt.Errorf("manifest: entry %q: %w", name, err)
	}

	algo, err := normalizeAlgorithm(raw.Digest.Algorithm)
	if err != nil {
		return record.ManifestEntry{}, fmt.Errorf("manifest: entry %q: %w", name, err)
	}

	entry := record.ManifestEntry{
		Name: name,
		URL:  raw.URL,
		ExpectedDigest: record.Digest{
			Algorithm: algo,
			Value:     strings.ToLower(raw.Digest.Value),
		},
	}

	if raw.Size != nil {
		entry.ExpectedSize = *raw.Size
	}

	return entry, nil
}

func normalizeAlgorithm(s string) (record.Algorithm, error) {
	switch strings.ToLower(s) {
	case "", "md5":
		return record.AlgorithmMD5, nil
	case "sha1":
		return record.AlgorithmSHA1, nil
	case "sha256":
		return record.AlgorithmSHA256, nil
	default:
		return "", fmt.Errorf("unsupported digest algorithm %q", s)
	}
}
