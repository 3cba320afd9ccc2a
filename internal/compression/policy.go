// Package compression implements the Compression Policy: a pure
// function from filename and expected size to a request plan, per spec
// section 4.7.
//
// Grounded on original_source/core/compression.py's FileTypeAnalyzer,
// which categorizes files into finer size buckets (100 KiB JSON
// small/large, 500 KiB/2 MiB PNG tiers) than the distilled decision
// table needs. Those buckets are reported on each Plan as Category,
// without changing the core Accept-Encoding/streaming decision; no
// statistic in this module is broken down by Category.
package compression

import "strings"

// Category is a finer-grained size classification carried on a Plan;
// it does not affect the Plan's encoding or streaming decision.
type Category string

const (
	CategoryJSONSmall Category = "json_small"
	CategoryJSONLarge Category = "json_large"
	CategoryPNGSmall  Category = "png_small"
	CategoryPNGMedium Category = "png_medium"
	CategoryPNGLarge  Category = "png_large"
	CategoryOther     Category = "other"
)

const (
	jsonSmallThreshold = 100 << 10 // 100 KiB
	pngStreamThreshold = 500 << 10 // 500 KiB
	pngLargeThreshold  = 2 << 20   // 2 MiB

	// PNGForceStreamThreshold is the spec's own decision-table
	// threshold above which a PNG gets no Accept-Encoding and is
	// forced onto the streaming path.
	PNGForceStreamThreshold = 512 << 10
)

// Plan is the per-file transport instruction the Compression Policy
// produces.
type Plan struct {
	AcceptEncoding []string
	ForceStreaming bool
	Category       Category
}

// ForFile computes the plan for a filename and its expected size (0 if
// unknown). It performs no I/O and depends on nothing but its
// arguments.
func ForFile(name string, expectedSize int64) Plan {
	lower := strings.ToLower(name)
	category := categorize(lower, expectedSize)

	switch {
	case strings.HasSuffix(lower, ".json"):
		return Plan{AcceptEncoding: []string{"gzip", "br", "deflate"}, Category: category}
	case strings.HasSuffix(lower, ".png") && expectedSize >= PNGForceStreamThreshold:
		return Plan{AcceptEncoding: nil, ForceStreaming: true, Category: category}
	default:
		return Plan{AcceptEncoding: []string{"gzip"}, Category: category}
	}
}

func categorize(lowerName string, size int64) Category {
	switch {
	case strings.HasSuffix(lowerName, ".json"):
		if size < jsonSmallThreshold {
			return CategoryJSONSmall
		}

		return CategoryJSONLarge
	case strings.HasSuffix(lowerName, ".png"):
		switch {
		case size < pngStreamThreshold:
			return CategoryPNGSmall
		case size < pngLargeThreshold:
			return CategoryPNGMedium
		default:
			return CategoryPNGLarge
		}
	default:
		return CategoryOther
	}
}

// Ratio reports the compression ratio for one completed file: raw
// (wire) bytes divided by decoded bytes. A ratio below 1.0 means the
// transfer was smaller than the decoded content.
func Ratio(rawBytes, decodedBytes int64) float64 {
	if decodedBytes == 0 {
		return 1.0
	}

	return float64(rawBytes) / float64(decodedBytes)
}
