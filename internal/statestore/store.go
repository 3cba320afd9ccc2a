// Package statestore implements the durable, single-writer mapping from
// manifest entry name to ProgressRecord: spec section 4.5's State Store.
//
// Grounded on the teacher's internal/storage package — a narrow
// read/write repository interface pair backed by a single mutex-guarded
// implementation — generalized from a SQLite table to the JSON document
// spec section 6 requires. Checkpoint coalescing and the atomic
// temp-file-then-rename write are grounded on original_source/core/persistence.py's
// save_state, adapted to be crash-safe (the Python original writes the
// target path directly; this implementation always writes a sibling
// temp file first).
package statestore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/relaydown/bulkfetch/internal/record"
)

// CurrentVersion is the state file format version this implementation
// writes and the newest version it will load.
const CurrentVersion = 1

const checkpointInterval = time.Second

// Diff describes the outcome of Merge against a fresh manifest.
type Diff struct {
	Added     []string
	Updated   []string
	Removed   []string
	Preserved []string
}

// Store is the durable, single-writer record set for one download root.
type Store struct {
	mu      sync.Mutex
	path    string
	logger  *slog.Logger
	records map[string]*record.ProgressRecord

	dirty            bool
	checkpointTimer  *time.Timer
	writeFailures    int
	lastCheckpointAt time.Time
}

// Open loads path (or its platform fallback if path's directory is not
// writable), healing any InProgress record left over from a prior crash:
// per spec section 4.5, InProgress is demoted to Pending, preserving
// bytes_downloaded if a .part file of matching size exists in
// downloadRoot, else zeroing it. A missing state file is not an error —
// Open returns an empty store.
func Open(path, downloadRoot string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("statestore: resolve path: %w", err)
	}

	s := &Store{
		path:    resolved,
		logger:  logger,
		records: make(map[string]*record.ProgressRecord),
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}

		return nil, &CorruptionError{Path: resolved, Err: err}
	}

	if len(data) == 0 {
		return s, nil
	}

	recs, err := decode(data)
	if err != nil {
		return nil, &CorruptionError{Path: resolved, Err: err}
	}

	for _, r := range recs {
		healInProgress(r, downloadRoot, logger)
		s.records[r.Name] = r
	}

	return s, nil
}

func healInProgress(r *record.ProgressRecord, downloadRoot string, logger *slog.Logger) {
	if r.Status != record.StatusInProgress {
		return
	}

	partPath := filepath.Join(downloadRoot, r.LocalPath+".part")

	info, err := os.Stat(partPath)
	if err == nil && info.Size() == r.BytesDownloaded {
		logger.Info("recovered in-progress record", "name", r.Name, "bytes_downloaded", r.BytesDownloaded)
	} else {
		if err == nil {
			logger.Warn("part file size mismatch on recovery, resetting progress",
				"name", r.Name, "part_size", info.Size(), "recorded", r.BytesDownloaded)
		}

		r.BytesDownloaded = 0
	}

	r.Status = record.StatusPending
}

// DemoteInProgress rewinds every InProgress record back to Pending,
// healing bytes_downloaded against the .part file on disk exactly as
// Open does for crash recovery. The coordinator calls this once all
// File Tasks have drained after a cancellation, since a task whose
// context is cancelled mid-chunk-read exits without itself updating
// status (spec section 4.6's cooperative-cancellation rewind).
func (s *Store) DemoteInProgress(downloadRoot string) []string {
	s.mu.Lock()

	var demoted []string

	for _, r := range s.records {
		if r.Status != record.StatusInProgress {
			continue
		}

		healInProgress(r, downloadRoot, s.logger)
		demoted = append(demoted, r.Name)
	}

	if len(demoted) > 0 {
		s.dirty = true
	}

	sort.Strings(demoted)

	s.mu.Unlock()

	if len(demoted) > 0 {
		s.ScheduleCheckpoint()
	}

	return demoted
}

// Merge reconciles a fresh manifest against the current record set. See
// spec section 4.5 for the added/updated/removed/preserved semantics.
// downloadRoot lets the Updated branch clear a stale .part file: a
// changed URL or expected digest invalidates any bytes already on disk,
// and leaving them behind would let a later resume append fresh content
// onto stale bytes.
func (s *Store) Merge(entries []record.ManifestEntry, downloadRoot string, prune bool) Diff {
	s.mu.Lock()
	defer s.mu.Unlock()

	var diff Diff

	seen := make(map[string]bool, len(entries))

	for _, e := range entries {
		seen[e.Name] = true

		existing, ok := s.records[e.Name]
		if !ok {
			s.records[e.Name] = record.NewPending(e)
			diff.Added = append(diff.Added, e.Name)

			continue
		}

		if existing.URL != e.URL || existing.ExpectedDigest != e.ExpectedDigest {
			partPath := filepath.Join(downloadRoot, existing.LocalPath+".part")
			if err := os.Remove(partPath); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("failed to clear stale .part on manifest update",
					"name", e.Name, "path", partPath, "err", err)
			}

			existing.URL = e.URL
			existing.ExpectedDigest = e.ExpectedDigest
			existing.ExpectedSize = e.ExpectedSize
			existing.Status = record.StatusPending
			existing.Verification = record.VerificationUnverified
			existing.VerifiedDigest = ""
			existing.BytesDownloaded = 0
			existing.TotalBytes = 0

			diff.Updated = append(diff.Updated, e.Name)

			continue
		}

		diff.Preserved = append(diff.Preserved, e.Name)
	}

	if prune {
		for name := range s.records {
			if !seen[name] {
				delete(s.records, name)
				diff.Removed = append(diff.Removed, name)
			}
		}
	} else {
		for name := range s.records {
			if !seen[name] {
				diff.Removed = append(diff.Removed, name)
			}
		}
	}

	sort.Strings(diff.Added)
	sort.Strings(diff.Updated)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Preserved)

	s.dirty = true

	return diff
}

// Update applies mutate to the named record under the store's
// single-writer lock, then schedules a coalesced checkpoint. mutate must
// not retain the pointer it receives beyond the call.
func (s *Store) Update(name string, mutate func(*record.ProgressRecord)) error {
	s.mu.Lock()
	r, ok := s.records[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("statestore: no record named %q", name)
	}

	mutate(r)
	s.dirty = true
	s.mu.Unlock()

	s.ScheduleCheckpoint()

	return nil
}

// Get returns a snapshot copy of a single record, or false if absent.
func (s *Store) Get(name string) (*record.ProgressRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[name]
	if !ok {
		return nil, false
	}

	return r.Clone(), true
}

// Snapshot returns a consistent, independently mutable copy of every
// record, sorted by name.
func (s *Store) Snapshot() []*record.ProgressRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*record.ProgressRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// ScheduleCheckpoint arranges for Checkpoint to run within
// checkpointInterval, coalescing repeated calls into a single write.
func (s *Store) ScheduleCheckpoint() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.checkpointTimer != nil {
		return
	}

	wait := checkpointInterval - time.Since(s.lastCheckpointAt)
	if wait < 0 {
		wait = 0
	}

	s.checkpointTimer = time.AfterFunc(wait, func() {
		if err := s.Checkpoint(); err != nil {
			s.logger.Error("checkpoint failed", "err", err)
		}
	})
}

// Checkpoint writes the current record set to disk atomically: a
// temporary sibling file is written and flushed, then renamed over the
// target path.
func (s *Store) Checkpoint() error {
	s.mu.Lock()

	s.checkpointTimer = nil

	if !s.dirty {
		s.mu.Unlock()
		return nil
	}

	recs := make([]*record.ProgressRecord, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })

	path := s.path
	s.mu.Unlock()

	data, err := encode(recs)
	if err != nil {
		return fmt.Errorf("statestore: encode: %w", err)
	}

	if err := atomicWrite(path, data); err != nil {
		s.mu.Lock()
		s.writeFailures++
		failures := s.writeFailures
		s.mu.Unlock()

		wrapped := &WriteError{Path: path, Err: err}

		if failures >= 3 {
			return wrapped
		}

		s.logger.Warn("checkpoint write failed, will retry", "attempt", failures, "err", err)

		return nil
	}

	s.mu.Lock()
	s.writeFailures = 0
	s.dirty = false
	s.lastCheckpointAt = time.Now()
	s.mu.Unlock()

	return nil
}

// Close performs one final checkpoint and stops any pending timer, per
// spec section 4.5's "plus one final checkpoint on shutdown".
func (s *Store) Close() error {
	s.mu.Lock()
	if s.checkpointTimer != nil {
		s.checkpointTimer.Stop()
		s.checkpointTimer = nil
	}
	s.mu.Unlock()

	return s.Checkpoint()
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, path)
}

type fileFormat struct {
	Version int               `json:"version"`
	Records []json.RawMessage `json:"records"`
}

var knownFields = map[string]bool{
	"name": true, "url": true, "expected_digest": true, "expected_size": true,
	"status": true, "bytes_downloaded": true, "total_bytes": true,
	"attempts": true, "last_error": true, "local_path": true,
	"verification": true, "verified_digest": true,
	"started_at": true, "completed_at": true, "last_modified_server": true,
}

func decode(data []byte) ([]*record.ProgressRecord, error) {
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, err
	}

	if ff.Version > CurrentVersion {
		return nil, fmt.Errorf("state file version %d is newer than supported version %d", ff.Version, CurrentVersion)
	}

	recs := make([]*record.ProgressRecord, 0, len(ff.Records))

	for _, raw := range ff.Records {
		var r record.ProgressRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}

		var generic map[string]json.RawMessage
		if err := json.Unmarshal(raw, &generic); err == nil {
			extra := make(map[string]any)

			for k, v := range generic {
				if knownFields[k] {
					continue
				}

				var val any
				if err := json.Unmarshal(v, &val); err == nil {
					extra[k] = val
				}
			}

			if len(extra) > 0 {
				r.Extra = extra
			}
		}

		recs = append(recs, &r)
	}

	return recs, nil
}

func encode(recs []*record.ProgressRecord) ([]byte, error) {
	rawRecords := make([]json.RawMessage, 0, len(recs))

	for _, r := range recs {
		base, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}

		if len(r.Extra) == 0 {
			rawRecords = append(rawRecords, base)
			continue
		}

		var merged map[string]json.RawMessage
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, err
		}

		for k, v := range r.Extra {
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}

			merged[k] = encoded
		}

		mergedBytes, err := json.Marshal(merged)
		if err != nil {
			return nil, err
		}

		rawRecords = append(rawRecords, mergedBytes)
	}

	return json.MarshalIndent(fileFormat{Version: CurrentVersion, Records: rawRecords}, "", "  ")
}
