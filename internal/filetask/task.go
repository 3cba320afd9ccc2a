// Package filetask implements the File Task: the per-manifest-entry
// state machine that drives one file from Pending through to
// Completed, Skipped, or Failed, per spec section 4.4.
//
// Grounded on the teacher's internal/downloader.writeFile paired with
// internal/downloader/progress.ProgressReader — a plain io.Reader
// wrapper that calls back on a byte-count interval — generalized here
// into a state machine that also owns resume, retry, and verification
// policy, since the teacher's downloader has no resume or retry
// behavior of its own (its download client is trusted to hand back a
// complete stream in one shot).
package filetask

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/relaydown/bulkfetch/internal/compression"
	"github.com/relaydown/bulkfetch/internal/record"
	"github.com/relaydown/bulkfetch/internal/resume"
	"github.com/relaydown/bulkfetch/internal/statestore"
	"github.com/relaydown/bulkfetch/internal/telemetry"
	"github.com/relaydown/bulkfetch/internal/transport"
	"github.com/relaydown/bulkfetch/internal/verify"
)

// Deps are the collaborators a Task needs; the coordinator constructs
// one Deps per manifest load and shares it across every Task.
type Deps struct {
	Transport    *transport.Client
	Verifier     *verify.Verifier
	Store        *statestore.Store
	RequeueGuard *RequeueGuard
	DownloadRoot string
	Logger       *slog.Logger
	Telemetry    *telemetry.Telemetry

	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	ResumeThreshold int64
	ChunkSize       int

	OnProgress ProgressFunc
}

func (d Deps) withDefaults() Deps {
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = 5
	}

	if d.BackoffBase <= 0 {
		d.BackoffBase = time.Second
	}

	if d.BackoffCap <= 0 {
		d.BackoffCap = 30 * time.Second
	}

	if d.ChunkSize <= 0 {
		d.ChunkSize = defaultChunk
	}

	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	return d
}

// Task drives one manifest entry through the state machine described
// in spec section 4.4.
type Task struct {
	entry record.ManifestEntry
	deps  Deps
}

// New builds a Task for entry. deps.RequeueGuard must be shared across
// every Task created for the same manifest load.
func New(entry record.ManifestEntry, deps Deps) *Task {
	return &Task{entry: entry, deps: deps.withDefaults()}
}

// Run drives the task to a terminal outcome: nil on Completed or
// Skipped, or an error (typically *AttemptsExhaustedError or a
// verify/BadStatus error) once retries are exhausted or a permanent
// failure occurs. Run blocks until ctx is done or the task terminates.
func (t *Task) Run(ctx context.Context) error {
	return t.deps.Telemetry.InstrumentFileTask(ctx, t.run)
}

func (t *Task) run(ctx context.Context) error {
	name := t.entry.Name

	for {
		err := t.attempt(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, restartFromScratch{}) || errors.Is(err, requeuedAfterMismatch{}) {
			continue
		}

		var transient *transientError
		if !errors.As(err, &transient) {
			t.deps.Logger.Error("file task failed permanently", "name", name, "err", err)
			return err
		}

		rec, ok := t.deps.Store.Get(name)
		if !ok {
			return err
		}

		if rec.Attempts >= t.deps.MaxAttempts {
			finalErr := &AttemptsExhaustedError{Name: name, Attempts: rec.Attempts, Err: transient.Unwrap()}

			t.deps.Logger.Error("file task exhausted retries", "name", name, "attempts", rec.Attempts, "err", finalErr)

			_ = t.deps.Store.Update(name, func(r *record.ProgressRecord) {
				r.Status = record.StatusFailed
				r.LastError = finalErr.Error()
			})

			return finalErr
		}

		if t.deps.Telemetry != nil {
			t.deps.Telemetry.RecordRetry(transientKind(transient.Unwrap()))
		}

		delay := backoffDelay(rec.Attempts, t.deps.BackoffBase, t.deps.BackoffCap)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// attempt performs exactly one dispatch cycle: probe, plan, transfer or
// verify, and the resulting state transition.
func (t *Task) attempt(ctx context.Context) error {
	name := t.entry.Name
	attemptID := uuid.NewString()
	logger := t.deps.Logger.With("name", name, "attempt_id", attemptID)

	rec, ok := t.deps.Store.Get(name)
	if !ok {
		return fmt.Errorf("filetask: unknown record %q", name)
	}

	localPath := filepath.Join(t.deps.DownloadRoot, rec.LocalPath)
	partPath := localPath + ".part"

	finalInfo, finalErr := os.Stat(localPath)
	partInfo, partErr := os.Stat(partPath)

	probeResult, err := t.deps.Transport.Probe(ctx, t.entry.URL)
	if err != nil {
		// A failed probe is a dispatch cycle too: count it so transient
		// probe failures exhaust the retry budget like any other.
		_ = t.deps.Store.Update(name, func(r *record.ProgressRecord) {
			r.Attempts++
		})

		return classifyProbeErr(err)
	}

	planInfo := resume.ProbeInfo{
		SupportsRange: probeResult.SupportsRange,
		TotalSize:     probeResult.TotalSize,
		SizeKnown:     probeResult.TotalSize > 0,
	}

	var localExists bool

	var localSize int64

	switch {
	case finalErr == nil:
		localExists = true
		localSize = finalInfo.Size()
	case partErr == nil:
		localExists = true
		localSize = partInfo.Size()
	}

	plan := resume.Compute(rec.Verification, localExists, localSize, planInfo, t.deps.ResumeThreshold)

	switch plan.Action {
	case resume.VerifyOnly:
		return t.verifyOnly(name, localPath, logger)
	case resume.Resume:
		return t.transfer(ctx, name, probeResult, plan.From, partPath, localPath, logger)
	default:
		os.Remove(partPath)
		return t.transfer(ctx, name, probeResult, 0, partPath, localPath, logger)
	}
}

func (t *Task) verifyOnly(name, localPath string, logger *slog.Logger) error {
	_ = t.deps.Store.Update(name, func(r *record.ProgressRecord) {
		r.Status = record.StatusInProgress
		r.Verification = record.VerificationVerifying
	})

	digest, err := t.deps.Verifier.Verify(localPath, t.entry.ExpectedDigest)

	var mismatch *verify.MismatchError
	if errors.As(err, &mismatch) {
		return t.handleMismatch(name, localPath, err, logger)
	}

	if err != nil {
		return &transientError{err: err}
	}

	now := time.Now()

	_ = t.deps.Store.Update(name, func(r *record.ProgressRecord) {
		r.Status = record.StatusSkipped
		r.Verification = record.VerificationVerified
		r.VerifiedDigest = digest
		r.CompletedAt = &now
	})

	return nil
}

func (t *Task) transfer(ctx context.Context, name string, probe transport.ProbeResult, from int64, partPath, localPath string, logger *slog.Logger) error {
	now := time.Now()

	_ = t.deps.Store.Update(name, func(r *record.ProgressRecord) {
		r.Status = record.StatusInProgress
		r.TotalBytes = probe.TotalSize
		r.BytesDownloaded = from
		r.Attempts++

		if r.StartedAt == nil {
			r.StartedAt = &now
		}
	})

	plan := compression.ForFile(name, t.entry.ExpectedSize)

	resp, err := t.deps.Transport.Open(ctx, t.entry.URL, from, plan.AcceptEncoding)
	if err != nil {
		var badStatus *transport.BadStatusError
		if from > 0 && errors.As(err, &badStatus) && badStatus.Status == 200 {
			os.Remove(partPath)
			return restartFromScratch{}
		}

		return classifyOpenErr(err)
	}
	defer resp.Body.Close()

	out, err := openTarget(partPath, from)
	if err != nil {
		return fmt.Errorf("filetask: open target %s: %w", partPath, err)
	}
	defer out.Close()

	rep := newReporter(name, probe.TotalSize, t.deps.OnProgress, logger)
	rep.downloaded = from

	writer := &countingWriter{w: out, rep: rep}
	writer2 := &storeUpdatingWriter{store: t.deps.Store, name: name, inner: writer}

	buf := make([]byte, t.deps.ChunkSize)

	_, copyErr := io.CopyBuffer(writer2, resp.Body, buf)

	rep.forceEmit()

	if copyErr != nil {
		return classifyStreamErr(copyErr)
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("filetask: sync %s: %w", partPath, err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("filetask: close %s: %w", partPath, err)
	}

	digest, err := t.deps.Verifier.Verify(partPath, t.entry.ExpectedDigest)

	var mismatch *verify.MismatchError
	if errors.As(err, &mismatch) {
		return t.handleMismatch(name, partPath, err, logger)
	}

	if err != nil {
		return &transientError{err: err}
	}

	if err := os.Rename(partPath, localPath); err != nil {
		return fmt.Errorf("filetask: rename %s to %s: %w", partPath, localPath, err)
	}

	completedAt := time.Now()

	return t.deps.Store.Update(name, func(r *record.ProgressRecord) {
		r.Status = record.StatusCompleted
		r.Verification = record.VerificationVerified
		r.VerifiedDigest = digest
		r.CompletedAt = &completedAt
	})
}

func (t *Task) handleMismatch(name, path string, cause error, logger *slog.Logger) error {
	os.Remove(path)

	logger.Warn("digest mismatch", "err", cause)

	if t.deps.RequeueGuard.Consume(name) {
		if err := t.deps.Store.Update(name, func(r *record.ProgressRecord) {
			r.Status = record.StatusFailed
			r.Verification = record.VerificationVerifyFailed
			r.LastError = cause.Error()
		}); err != nil {
			return err
		}

		return cause
	}

	if err := t.deps.Store.Update(name, func(r *record.ProgressRecord) {
		r.Status = record.StatusPending
		r.Verification = record.VerificationVerifyFailed
		r.BytesDownloaded = 0
		r.Attempts = 0
		r.LastError = cause.Error()
	}); err != nil {
		return err
	}

	return requeuedAfterMismatch{}
}

// openTarget opens the .part file for writing. It never pre-truncates
// to expectedSize: the file's on-disk size must track bytes actually
// written, since the state store's crash-recovery heal compares the
// two directly (spec section 4.5).
func openTarget(partPath string, from int64) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(partPath), 0o755); err != nil {
		return nil, err
	}

	if from > 0 {
		return os.OpenFile(partPath, os.O_WRONLY|os.O_APPEND, 0o644)
	}

	return os.OpenFile(partPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}

// storeUpdatingWriter periodically persists BytesDownloaded so a crash
// mid-transfer leaves a recoverable checkpoint; the store itself
// coalesces the actual disk writes.
type storeUpdatingWriter struct {
	store *statestore.Store
	name  string
	inner *countingWriter
}

func (w *storeUpdatingWriter) Write(p []byte) (int, error) {
	n, err := w.inner.Write(p)
	if n > 0 {
		downloaded := w.inner.rep.currentBytes()

		_ = w.store.Update(w.name, func(r *record.ProgressRecord) {
			r.BytesDownloaded = downloaded
		})
	}

	return n, err
}

func backoffDelay(attempt int, base, capDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := base << (attempt - 1)
	if d > capDelay || d <= 0 {
		d = capDelay
	}

	jitter := 0.75 + rand.Float64()*0.5 // nolint:gosec // timing jitter, not security-sensitive

	return time.Duration(float64(d) * jitter)
}

// transientKind maps a transient failure to a bounded-cardinality
// reason tag suitable for a metric label.
func transientKind(err error) string {
	var connectErr *transport.ConnectError
	var tlsErr *transport.TLSError
	var protoErr *transport.ProtocolError
	var timeoutErr *transport.TimeoutError
	var serverErr *transport.ServerError

	switch {
	case errors.As(err, &connectErr):
		return "connect"
	case errors.As(err, &tlsErr):
		return "tls"
	case errors.As(err, &protoErr):
		return "protocol"
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &serverErr):
		return "server"
	default:
		return "other"
	}
}

func classifyProbeErr(err error) error {
	return classifyTransportErr(err)
}

func classifyOpenErr(err error) error {
	return classifyTransportErr(err)
}

// classifyStreamErr handles a failure mid-body-read, where the
// transport layer's own typed errors don't apply since the initial
// round trip already succeeded. A dropped connection here is treated
// as transient; context cancellation propagates so Run stops retrying.
func classifyStreamErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return &transientError{err: err}
}

func classifyTransportErr(err error) error {
	var connectErr *transport.ConnectError
	var tlsErr *transport.TLSError
	var protoErr *transport.ProtocolError
	var timeoutErr *transport.TimeoutError
	var serverErr *transport.ServerError

	switch {
	case errors.As(err, &connectErr), errors.As(err, &tlsErr), errors.As(err, &protoErr),
		errors.As(err, &timeoutErr), errors.As(err, &serverErr):
		return &transientError{err: err}
	default:
		return err
	}
}
