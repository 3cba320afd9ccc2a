// Package resume implements the Resume Planner: a pure decision
// function over prior verification outcome, local file state, and the
// transport's probe result (whose size is authoritative; the manifest's
// declared size is not an input), per spec section 4.3.
package resume

import "github.com/relaydown/bulkfetch/internal/record"

// Action names the plan the File Task must follow.
type Action int

const (
	// FreshDownload starts from byte zero, truncating any existing
	// partial file.
	FreshDownload Action = iota
	// VerifyOnly means the local file is already complete size; skip
	// straight to digest verification.
	VerifyOnly
	// Resume continues from Plan.From.
	Resume
)

// DefaultResumeThreshold is the minimum local partial-file size below
// which a partial download is discarded and restarted rather than
// resumed.
const DefaultResumeThreshold = 2 << 20 // 2 MiB

// Plan is the outcome of a planning call.
type Plan struct {
	Action Action
	From   int64
}

// ProbeInfo is the subset of a transport probe result the planner
// needs. Kept separate from transport.ProbeResult so this package has
// no dependency on the transport package.
type ProbeInfo struct {
	SupportsRange bool
	TotalSize     int64
	SizeKnown     bool
}

// Compute decides how to fetch a file given its prior verification
// outcome, the current local file size (localExists reports whether a
// local file was found at all — a 0-byte file still exists), the
// transport's probe result, and the resume threshold. No I/O is
// performed here; the caller has already done the single os.Stat this
// decision needs.
func Compute(prior record.VerificationState, localExists bool, localSize int64, probe ProbeInfo, threshold int64) Plan {
	if threshold <= 0 {
		threshold = DefaultResumeThreshold
	}

	if prior == record.VerificationVerifyFailed {
		return Plan{Action: FreshDownload}
	}

	if !localExists {
		return Plan{Action: FreshDownload}
	}

	if !probe.SizeKnown {
		return Plan{Action: FreshDownload}
	}

	switch {
	case localSize == probe.TotalSize:
		return Plan{Action: VerifyOnly}
	case localSize > probe.TotalSize:
		return Plan{Action: FreshDownload}
	case probe.SupportsRange && localSize >= threshold:
		return Plan{Action: Resume, From: localSize}
	default:
		return Plan{Action: FreshDownload}
	}
}
