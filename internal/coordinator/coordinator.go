// Package coordinator implements the Download Coordinator: admission
// control, batch scheduling, and cooperative cancellation across the
// set of File Tasks driving one run, per spec section 4.6.
//
// Grounded on the teacher's internal/transfer.TransferOrchestrator —
// a ticker-driven production loop with typed OnX event channels fanned
// out to subscribers — generalized here from "poll a remote API on an
// interval" to "drive a bounded set of File Tasks to completion", and
// on Tanq16-danzo/internal/scheduler's channel-fed worker pool for the
// batch-under-cap admission shape.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/relaydown/bulkfetch/internal/compression"
	"github.com/relaydown/bulkfetch/internal/filetask"
	"github.com/relaydown/bulkfetch/internal/record"
	"github.com/relaydown/bulkfetch/internal/verify"
)

const (
	defaultMaxConcurrency = 50
	defaultBatchSize      = 20
	eventBacklog          = 256
)

// ErrAlreadyRunning is returned by Start when a run is already in
// flight; the coordinator drives at most one selection at a time.
var ErrAlreadyRunning = errors.New("coordinator: already running")

// Config bounds the Coordinator's scheduling behavior.
type Config struct {
	// MaxConcurrency is the greatest number of File Tasks admitted to
	// run at once. Zero selects the spec default of 50.
	MaxConcurrency int

	// BatchSize is the number of entries considered per launch round,
	// bounding construction overhead and giving cancellation a
	// suspension point between rounds. Zero selects the spec default
	// of 20.
	BatchSize int

	// VerifyPool, if set, lets Start skip File Task dispatch entirely
	// for selected entries already Completed and Verified whose local
	// file still matches its digest, per spec section 8's idempotent-
	// completion property: a second run against unchanged inputs
	// leaves the state and files byte-identical. Nil disables the
	// pre-flight check; every selected entry gets a File Task as usual.
	VerifyPool *verify.Pool
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = defaultMaxConcurrency
	}

	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}

	return c
}

// Statistics is a read-only snapshot of aggregate run statistics, per
// spec section 4.6.
type Statistics struct {
	BytesRaw             int64
	BytesDecoded         int64
	Elapsed              time.Duration
	H2Requests           int64
	H1Requests           int64
	ConnectionReuseRatio float64
	CompressionRatio     float64
	StateCounts          map[record.Status]int
}

// Coordinator drives a selection of manifest entries to completion,
// bounded by Config and backed by the collaborators in taskDeps.
type Coordinator struct {
	taskDeps filetask.Deps
	cfg      Config
	logger   *slog.Logger

	// guard is the one-shot digest-mismatch requeue budget shared by
	// every File Task this Coordinator ever launches. It lives for the
	// Coordinator's whole lifetime, not per Start call, so a
	// cancel-then-resume cycle can't refill a name's allowance.
	guard *filetask.RequeueGuard

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	cancelFn  context.CancelFunc

	// OnFileCompleted and OnFileFailed fan out one terminal record per
	// finished task to any subscriber. Sends never block the executor:
	// a full channel drops the event and logs a warning rather than
	// stall a task's suspension point.
	OnFileCompleted chan *record.ProgressRecord
	OnFileFailed    chan *record.ProgressRecord
}

// New builds a Coordinator. taskDeps supplies the Transport, Verifier,
// Store, and download root every File Task shares; taskDeps.RequeueGuard
// is ignored, since the Coordinator owns one guard for its whole
// lifetime and shares it across every Task it launches, no matter how
// many times Start or Resume gets called.
func New(taskDeps filetask.Deps, cfg Config) *Coordinator {
	logger := taskDeps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		taskDeps:        taskDeps,
		cfg:             cfg.withDefaults(),
		logger:          logger,
		guard:           filetask.NewRequeueGuard(),
		OnFileCompleted: make(chan *record.ProgressRecord, eventBacklog),
		OnFileFailed:    make(chan *record.ProgressRecord, eventBacklog),
	}
}

// Start resolves selection against the store and runs every named
// record to a terminal state, admitting at most MaxConcurrency at
// once. Start blocks until every admitted task drains, including after
// Cancel — per spec section 5, cancellation is non-blocking from the
// caller's perspective (Cancel itself never blocks) but Start still
// waits for graceful drain before returning.
func (c *Coordinator) Start(ctx context.Context, selection []string) error {
	candidates := make([]*record.ProgressRecord, 0, len(selection))

	for _, name := range selection {
		rec, ok := c.taskDeps.Store.Get(name)
		if !ok {
			return &UnknownEntryError{Name: name}
		}

		candidates = append(candidates, rec)
	}

	skip := c.preVerifyCompleted(ctx, candidates)

	entries := make([]record.ManifestEntry, 0, len(candidates))

	for _, rec := range candidates {
		if skip[rec.Name] {
			continue
		}

		entries = append(entries, record.ManifestEntry{
			Name:           rec.Name,
			URL:            rec.URL,
			ExpectedDigest: rec.ExpectedDigest,
			ExpectedSize:   rec.ExpectedSize,
		})
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.startedAt = time.Now()
	c.cancelFn = cancel
	c.mu.Unlock()

	defer func() {
		cancel()

		c.mu.Lock()
		c.running = false
		c.cancelFn = nil
		c.mu.Unlock()
	}()

	sortBySizeThenName(entries)

	sem := semaphore.NewWeighted(int64(c.cfg.MaxConcurrency))

	var eg errgroup.Group

batchLoop:
	for _, batch := range chunkEntries(entries, c.cfg.BatchSize) {
		select {
		case <-runCtx.Done():
			break batchLoop
		default:
		}

		for _, entry := range batch {
			if err := sem.Acquire(runCtx, 1); err != nil {
				break batchLoop
			}

			entry := entry

			eg.Go(func() error {
				defer sem.Release(1)
				c.runOne(runCtx, entry, c.guard)

				return nil
			})
		}
	}

	_ = eg.Wait()

	if demoted := c.taskDeps.Store.DemoteInProgress(c.taskDeps.DownloadRoot); len(demoted) > 0 {
		c.logger.Info("cancellation rewound in-flight downloads", "count", len(demoted))
	}

	return nil
}

// Cancel requests that the current run stop admitting new work and
// wind down in-flight tasks at their next suspension point. Cancel
// itself never blocks; call Start again once it returns to resume with
// a fresh (or identical) selection, matching spec section 4.6's
// pause/resume default of cancel-then-restart.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancelFn != nil {
		c.cancelFn()
	}
}

// Pause is an alias for Cancel; there is no distinct paused state.
func (c *Coordinator) Pause() {
	c.Cancel()
}

// Resume is an alias for Start; resuming a paused run is
// indistinguishable from starting a fresh one over the same selection.
func (c *Coordinator) Resume(ctx context.Context, selection []string) error {
	return c.Start(ctx, selection)
}

// Statistics returns a read-only snapshot of aggregate run statistics.
func (c *Coordinator) Statistics() Statistics {
	stats := c.taskDeps.Transport.Stats()

	c.mu.Lock()
	started := c.startedAt
	c.mu.Unlock()

	var elapsed time.Duration
	if !started.IsZero() {
		elapsed = time.Since(started)
	}

	counts := make(map[record.Status]int)
	for _, r := range c.taskDeps.Store.Snapshot() {
		counts[r.Status]++
	}

	return Statistics{
		BytesRaw:             stats.RawBytes,
		BytesDecoded:         stats.DecodedBytes,
		Elapsed:              elapsed,
		H2Requests:           stats.H2Requests,
		H1Requests:           stats.H1Requests,
		ConnectionReuseRatio: stats.ConnectionReuseRatio(),
		CompressionRatio:     compression.Ratio(stats.RawBytes, stats.DecodedBytes),
		StateCounts:          counts,
	}
}

// preVerifyCompleted runs a bounded, concurrent digest check over every
// candidate already Completed and Verified, using cfg.VerifyPool
// when the coordinator has one. A candidate whose file still matches
// its expected digest is returned in the skip set, so Start never
// dispatches a File Task for it; anything else (no pool configured, a
// mismatch, or a missing file) falls through to the normal fetch path.
func (c *Coordinator) preVerifyCompleted(ctx context.Context, candidates []*record.ProgressRecord) map[string]bool {
	skip := make(map[string]bool)

	if c.cfg.VerifyPool == nil {
		return skip
	}

	tasks := make([]verify.Task, 0, len(candidates))

	for _, rec := range candidates {
		if rec.Status != record.StatusCompleted || rec.Verification != record.VerificationVerified {
			continue
		}

		tasks = append(tasks, verify.Task{
			Name:     rec.Name,
			Path:     filepath.Join(c.taskDeps.DownloadRoot, rec.LocalPath),
			Expected: rec.ExpectedDigest,
		})
	}

	if len(tasks) == 0 {
		return skip
	}

	results, err := c.cfg.VerifyPool.VerifyAll(ctx, tasks)
	if err != nil {
		c.logger.Warn("pre-flight verification aborted", "err", err)
		return skip
	}

	for _, res := range results {
		if res.Err == nil {
			skip[res.Name] = true
		}
	}

	return skip
}

// runOne drives a single entry's File Task and fans out the terminal
// event. One task's failure never aborts its siblings: the coordinator
// records the outcome and moves on.
func (c *Coordinator) runOne(ctx context.Context, entry record.ManifestEntry, guard *filetask.RequeueGuard) {
	deps := c.taskDeps
	deps.RequeueGuard = guard

	task := filetask.New(entry, deps)
	err := task.Run(ctx)

	rec, ok := c.taskDeps.Store.Get(entry.Name)
	if !ok {
		return
	}

	if err != nil {
		c.logger.Error("file task failed", "name", entry.Name, "err", err)
		c.emit(c.OnFileFailed, rec, "file task failed")
		return
	}

	c.emit(c.OnFileCompleted, rec, "file task completed")
}

func (c *Coordinator) emit(ch chan *record.ProgressRecord, rec *record.ProgressRecord, what string) {
	select {
	case ch <- rec:
	default:
		c.logger.Warn("dropping event, subscriber backlog full", "event", what, "name", rec.Name)
	}
}

func sortBySizeThenName(entries []record.ManifestEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ExpectedSize != entries[j].ExpectedSize {
			return entries[i].ExpectedSize < entries[j].ExpectedSize
		}

		return entries[i].Name < entries[j].Name
	})
}

func chunkEntries(entries []record.ManifestEntry, size int) [][]record.ManifestEntry {
	if size <= 0 {
		size = len(entries)
	}

	var chunks [][]record.ManifestEntry

	for start := 0; start < len(entries); start += size {
		end := start + size
		if end > len(entries) {
			end = len(entries)
		}

		chunks = append(chunks, entries[start:end])
	}

	return chunks
}
