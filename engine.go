// Package bulkfetch implements a bulk manifest-driven file download
// engine: given a JSON manifest of filenames to source URLs and
// expected digests, it downloads every selected entry into a target
// directory, resuming partial transfers, verifying digests, and
// persisting crash-recoverable progress, per SPEC_FULL.md.
//
// Engine is the embedder-facing contract (SPEC_FULL.md section 6):
// load a manifest, point it at a download root, select a subset of
// entries, start the run, and subscribe to progress and log events.
// Grounded on the teacher's cmd/seedbox_downloader/main.go wiring
// style, generalized from a package-level `main` into a reusable
// value the way an embedded library needs.
package bulkfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/relaydown/bulkfetch/internal/coordinator"
	"github.com/relaydown/bulkfetch/internal/filetask"
	"github.com/relaydown/bulkfetch/internal/logctx"
	"github.com/relaydown/bulkfetch/internal/manifest"
	"github.com/relaydown/bulkfetch/internal/record"
	"github.com/relaydown/bulkfetch/internal/statestore"
	"github.com/relaydown/bulkfetch/internal/telemetry"
	"github.com/relaydown/bulkfetch/internal/transport"
	"github.com/relaydown/bulkfetch/internal/verify"
)

// ProgressFunc and LogFunc are the two callbacks an embedder supplies
// through Subscribe. Per spec section 6, both are invoked on the same
// executor driving the run and must not block.
type (
	ProgressFunc = filetask.ProgressFunc
	LogFunc      = logctx.LogFunc
)

// Statistics is a read-only snapshot of aggregate run statistics.
type Statistics = coordinator.Statistics

// ErrNoDownloadRoot is returned by Start when SetDownloadRoot has not
// been called.
var ErrNoDownloadRoot = errors.New("bulkfetch: download root not set")

// ErrNoManifest is returned by Start when LoadManifest has not been
// called.
var ErrNoManifest = errors.New("bulkfetch: no manifest loaded")

// Option configures an Engine at construction time.
type Option func(*engineConfig)

type engineConfig struct {
	statePath       string
	maxConcurrency  int
	batchSize       int
	maxAttempts     int
	backoffBase     time.Duration
	backoffCap      time.Duration
	resumeThreshold int64
	verifyWorkers   int
	pruneRemoved    bool
	logger          *slog.Logger
	telemetry       *telemetry.Telemetry
}

func defaultEngineConfig() engineConfig {
	return engineConfig{
		statePath:       "bulkfetch_state.json",
		resumeThreshold: resume2MiB,
	}
}

const resume2MiB = 2 << 20

// WithStatePath overrides the state file location (default
// "bulkfetch_state.json" under the download root's platform fallback
// rules, per spec section 4.5).
func WithStatePath(path string) Option {
	return func(c *engineConfig) { c.statePath = path }
}

// WithMaxConcurrency overrides the coordinator's admission bound
// (default 50).
func WithMaxConcurrency(n int) Option {
	return func(c *engineConfig) { c.maxConcurrency = n }
}

// WithBatchSize overrides the coordinator's launch batch size (default 20).
func WithBatchSize(n int) Option {
	return func(c *engineConfig) { c.batchSize = n }
}

// WithRetryPolicy overrides the File Task's retry policy (defaults:
// 5 attempts, 1s base backoff, 30s cap).
func WithRetryPolicy(maxAttempts int, base, cap time.Duration) Option {
	return func(c *engineConfig) {
		c.maxAttempts = maxAttempts
		c.backoffBase = base
		c.backoffCap = cap
	}
}

// WithResumeThreshold overrides the Resume Planner's minimum local size
// (default 2 MiB).
func WithResumeThreshold(bytes int64) Option {
	return func(c *engineConfig) { c.resumeThreshold = bytes }
}

// WithVerifyWorkers overrides the Integrity Verifier's hashing pool
// size (default: available hardware parallelism, floored at 4).
func WithVerifyWorkers(n int) Option {
	return func(c *engineConfig) { c.verifyWorkers = n }
}

// WithPruneRemoved makes Merge delete records absent from a reloaded
// manifest instead of only reporting them Removed.
func WithPruneRemoved(prune bool) Option {
	return func(c *engineConfig) { c.pruneRemoved = prune }
}

// WithLogger overrides the base logger; Subscribe's log callback is
// layered on top of it regardless.
func WithLogger(logger *slog.Logger) Option {
	return func(c *engineConfig) { c.logger = logger }
}

// WithTelemetry attaches an optional telemetry sink. The engine works
// identically without one.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(c *engineConfig) { c.telemetry = t }
}

// Engine drives a bulk download run end to end.
type Engine struct {
	cfg    engineConfig
	logger *slog.Logger

	callbacks dynamicCallbacks

	mu           sync.Mutex
	downloadRoot string
	entries      []record.ManifestEntry
	store        *statestore.Store
	transport    *transport.Client
	verifier     *verify.Verifier
	verifyPool   *verify.Pool
	coord        *coordinator.Coordinator
}

// New builds an Engine. Neither a manifest nor a download root is
// required until LoadManifest and SetDownloadRoot are called.
func New(opts ...Option) *Engine {
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}

	e := &Engine{cfg: cfg}

	handler := logctx.NewCallbackHandler(cfg.logger.Handler(), e.callbacks.log)
	e.logger = slog.New(handler)

	return e
}

// LoadManifest parses a manifest document and merges it into the
// engine's record set. Safe to call again with a fresh document: the
// merge algebra in spec section 4.5 governs added/updated/removed/
// preserved records. If SetDownloadRoot has already been called, the
// merge happens immediately; otherwise it is deferred until it is.
func (e *Engine) LoadManifest(ctx context.Context, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("bulkfetch: read manifest: %w", err)
	}

	entries, err := manifest.Parse(data)
	if err != nil {
		return fmt.Errorf("bulkfetch: parse manifest: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.entries = entries

	return e.ensureReadyLocked(ctx)
}

// SetDownloadRoot points the engine at a target directory. Files are
// written under this root; the state file's default location is also
// resolved relative to it (spec section 4.5).
func (e *Engine) SetDownloadRoot(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("bulkfetch: resolve download root: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return fmt.Errorf("bulkfetch: create download root: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.downloadRoot = abs

	return e.ensureReadyLocked(context.Background())
}

// ensureReadyLocked builds the store, transport client, verifier, and
// coordinator once both a manifest and a download root are known, and
// merges any pending entries. Must be called with e.mu held.
func (e *Engine) ensureReadyLocked(ctx context.Context) error {
	if e.downloadRoot == "" || e.entries == nil {
		return nil
	}

	if e.store == nil {
		statePath := e.cfg.statePath
		if !filepath.IsAbs(statePath) {
			statePath = filepath.Join(e.downloadRoot, statePath)
		}

		store, err := statestore.Open(statePath, e.downloadRoot, e.logger)
		if err != nil {
			return fmt.Errorf("bulkfetch: open state store: %w", err)
		}

		e.store = store
		e.verifier = verify.New()
		e.verifier.SetTelemetry(e.cfg.telemetry)
		e.verifyPool = verify.NewPool(e.verifier, e.cfg.verifyWorkers)
		e.transport = transport.NewClient(transport.NewConfig(len(e.entries), averageSize(e.entries)))
		e.transport.SetTelemetry(e.cfg.telemetry)
		e.coord = coordinator.New(e.taskDepsLocked(), coordinator.Config{
			MaxConcurrency: e.cfg.maxConcurrency,
			BatchSize:      e.cfg.batchSize,
			VerifyPool:     e.verifyPool,
		})
	}

	diff := e.store.Merge(e.entries, e.downloadRoot, e.cfg.pruneRemoved)
	e.logger.InfoContext(ctx, "manifest merged",
		"added", len(diff.Added), "updated", len(diff.Updated),
		"removed", len(diff.Removed), "preserved", len(diff.Preserved))

	return nil
}

func (e *Engine) taskDepsLocked() filetask.Deps {
	return filetask.Deps{
		Transport:       e.transport,
		Verifier:        e.verifier,
		Store:           e.store,
		DownloadRoot:    e.downloadRoot,
		Logger:          e.logger,
		Telemetry:       e.cfg.telemetry,
		MaxAttempts:     e.cfg.maxAttempts,
		BackoffBase:     e.cfg.backoffBase,
		BackoffCap:      e.cfg.backoffCap,
		ResumeThreshold: e.cfg.resumeThreshold,
		OnProgress:      e.callbacks.progress,
	}
}

// Select validates a set of requested names against the known record
// set, dropping any name with no corresponding record and logging a
// warning for each. Calling Select with no names returns every known
// record name, sorted.
func (e *Engine) Select(names ...string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.store == nil {
		return nil
	}

	if len(names) == 0 {
		var all []string
		for _, r := range e.store.Snapshot() {
			all = append(all, r.Name)
		}

		return all
	}

	selected := make([]string, 0, len(names))

	for _, name := range names {
		if _, ok := e.store.Get(name); ok {
			selected = append(selected, name)
			continue
		}

		e.logger.Warn("select: unknown record, dropping from selection", "name", name)
	}

	sort.Strings(selected)

	return selected
}

// Start runs selection to completion, blocking until every admitted
// File Task drains (including after Cancel).
func (e *Engine) Start(ctx context.Context, selection []string) error {
	e.mu.Lock()
	if e.downloadRoot == "" {
		e.mu.Unlock()
		return ErrNoDownloadRoot
	}

	if e.store == nil {
		e.mu.Unlock()
		return ErrNoManifest
	}

	coord := e.coord
	e.mu.Unlock()

	err := coord.Start(ctx, selection)

	if e.cfg.telemetry != nil {
		e.pushTelemetry()
	}

	return err
}

// Cancel requests that the current run stop and wind down gracefully.
// Non-blocking; Start returns once the drain completes.
func (e *Engine) Cancel() {
	e.mu.Lock()
	coord := e.coord
	e.mu.Unlock()

	if coord != nil {
		coord.Cancel()
	}
}

// Subscribe registers the embedder's progress and log callbacks.
// Either may be nil. Safe to call at any time, including after Start;
// callbacks apply to all subsequent events.
func (e *Engine) Subscribe(progress ProgressFunc, log LogFunc) {
	e.callbacks.set(progress, log)
}

// Statistics returns a read-only aggregate statistics snapshot.
func (e *Engine) Statistics() Statistics {
	e.mu.Lock()
	coord := e.coord
	e.mu.Unlock()

	if coord == nil {
		return Statistics{}
	}

	return coord.Statistics()
}

// Close flushes a final state store checkpoint, closes idle transport
// connections, and shuts down telemetry, in that order.
func (e *Engine) Close() error {
	e.mu.Lock()
	store := e.store
	tr := e.transport
	tel := e.cfg.telemetry
	e.mu.Unlock()

	var errs []error

	if store != nil {
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("state store: %w", err))
		}
	}

	if tr != nil {
		tr.CloseAll()
	}

	if tel != nil {
		if err := tel.Shutdown(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (e *Engine) pushTelemetry() {
	stats := e.Statistics()

	counts := make(map[string]int64, len(stats.StateCounts))
	for status, n := range stats.StateCounts {
		counts[string(status)] = int64(n)
	}

	e.cfg.telemetry.RecordAggregate(telemetry.AggregateSnapshot{
		BytesRaw:             stats.BytesRaw,
		BytesDecoded:         stats.BytesDecoded,
		H2Requests:           stats.H2Requests,
		H1Requests:           stats.H1Requests,
		ConnectionReuseRatio: stats.ConnectionReuseRatio,
		CompressionRatio:     stats.CompressionRatio,
		StateCounts:          counts,
	})
}

func averageSize(entries []record.ManifestEntry) int64 {
	if len(entries) == 0 {
		return 0
	}

	var total int64
	for _, e := range entries {
		total += e.ExpectedSize
	}

	return total / int64(len(entries))
}

// dynamicCallbacks holds the embedder's Subscribe callbacks behind a
// mutex, since Subscribe may be called after the logger and coordinator
// dependencies referencing these callbacks are already constructed.
type dynamicCallbacks struct {
	mu         sync.Mutex
	progressFn ProgressFunc
	logFn      LogFunc
}

func (d *dynamicCallbacks) set(progress ProgressFunc, log LogFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.progressFn = progress
	d.logFn = log
}

func (d *dynamicCallbacks) progress(name string, downloaded, total int64, rate float64) {
	d.mu.Lock()
	cb := d.progressFn
	d.mu.Unlock()

	if cb != nil {
		cb(name, downloaded, total, rate)
	}
}

func (d *dynamicCallbacks) log(level slog.Level, msg string, attrs map[string]any) {
	d.mu.Lock()
	cb := d.logFn
	d.mu.Unlock()

	if cb != nil {
		cb(level, msg, attrs)
	}
}
