package filetask

import "fmt"

// transientError marks a failure as eligible for the retry policy
// (spec section 4.4: ConnectFailed, TlsFailed, Timeout, ProtocolFailed,
// ServerError are retried; everything else is not).
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// restartFromScratch signals that the local partial file must be
// discarded and the file re-fetched from byte zero within the current
// Run call, with no backoff delay, no retry-budget check and without
// consuming the requeue guard — used when the server ignores a range
// request. The ignored range attempt still counts in the record's
// Attempts.
type restartFromScratch struct{}

func (restartFromScratch) Error() string { return "filetask: server ignored range request, restarting" }

// requeuedAfterMismatch signals that a digest mismatch consumed the
// per-manifest-load requeue and the file has been reset to Pending for
// a fresh attempt within this Run call.
type requeuedAfterMismatch struct{}

func (requeuedAfterMismatch) Error() string { return "filetask: requeued after digest mismatch" }

// AttemptsExhaustedError is returned when the retry budget for
// transient transport failures is spent.
type AttemptsExhaustedError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *AttemptsExhaustedError) Error() string {
	return fmt.Sprintf("filetask: %s failed after %d attempts: %s", e.Name, e.Attempts, e.Err)
}

func (e *AttemptsExhaustedError) Unwrap() error { return e.Err }
