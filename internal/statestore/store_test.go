package statestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydown/bulkfetch/internal/record"
)

func TestOpen_MissingFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "state.json"), dir, nil)
	require.NoError(t, err)
	assert.Empty(t, s.Snapshot())
}

func TestOpen_HealsInProgress_PreservesPartial(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin.part"), make([]byte, 100), 0o644))

	raw := `{"version":1,"records":[{"name":"a.bin","url":"http://x/a.bin","expected_digest":{"algorithm":"md5","value":""},
		"expected_size":1000,"status":"in_progress","bytes_downloaded":100,"total_bytes":1000,"attempts":1,
		"local_path":"a.bin","verification":"unverified"}]}`
	require.NoError(t, os.WriteFile(statePath, []byte(raw), 0o644))

	s, err := Open(statePath, dir, nil)
	require.NoError(t, err)

	rec, ok := s.Get("a.bin")
	require.True(t, ok)
	assert.Equal(t, record.StatusPending, rec.Status)
	assert.EqualValues(t, 100, rec.BytesDownloaded)
}

func TestOpen_HealsInProgress_ZeroesOnMismatch(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")

	raw := `{"version":1,"records":[{"name":"a.bin","status":"in_progress","bytes_downloaded":500,"local_path":"a.bin"}]}`
	require.NoError(t, os.WriteFile(statePath, []byte(raw), 0o644))

	s, err := Open(statePath, dir, nil)
	require.NoError(t, err)

	rec, ok := s.Get("a.bin")
	require.True(t, ok)
	assert.Equal(t, record.StatusPending, rec.Status)
	assert.EqualValues(t, 0, rec.BytesDownloaded)
}

func TestOpen_RejectsNewerVersion(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(statePath, []byte(`{"version":999,"records":[]}`), 0o644))

	_, err := Open(statePath, dir, nil)
	require.Error(t, err)

	var corruptErr *CorruptionError
	require.ErrorAs(t, err, &corruptErr)
}

func TestMerge_AddedUpdatedPreservedRemoved(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "state.json"), dir, nil)
	require.NoError(t, err)

	first := []record.ManifestEntry{
		{Name: "a.json", URL: "http://x/a.json", ExpectedDigest: record.Digest{Algorithm: record.AlgorithmMD5, Value: "aaa"}},
		{Name: "b.json", URL: "http://x/b.json", ExpectedDigest: record.Digest{Algorithm: record.AlgorithmMD5, Value: "bbb"}},
	}
	diff := s.Merge(first, dir, false)
	assert.ElementsMatch(t, []string{"a.json", "b.json"}, diff.Added)

	require.NoError(t, s.Update("a.json", func(r *record.ProgressRecord) {
		r.Status = record.StatusCompleted
	}))

	second := []record.ManifestEntry{
		{Name: "a.json", URL: "http://x/a.json", ExpectedDigest: record.Digest{Algorithm: record.AlgorithmMD5, Value: "aaa"}},
		{Name: "b.json", URL: "http://x/b.json", ExpectedDigest: record.Digest{Algorithm: record.AlgorithmMD5, Value: "changed"}},
		{Name: "c.json", URL: "http://x/c.json", ExpectedDigest: record.Digest{Algorithm: record.AlgorithmMD5, Value: "ccc"}},
	}
	diff2 := s.Merge(second, dir, false)

	assert.Equal(t, []string{"c.json"}, diff2.Added)
	assert.Equal(t, []string{"b.json"}, diff2.Updated)
	assert.Equal(t, []string{"a.json"}, diff2.Preserved)

	a, _ := s.Get("a.json")
	assert.Equal(t, record.StatusCompleted, a.Status, "preserved record keeps its Completed status")

	b, _ := s.Get("b.json")
	assert.Equal(t, record.StatusPending, b.Status, "updated record resets to Pending")
}

func TestMerge_RemovedRetainedByDefault(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "state.json"), dir, nil)
	require.NoError(t, err)

	s.Merge([]record.ManifestEntry{{Name: "a.json"}}, dir, false)
	diff := s.Merge([]record.ManifestEntry{}, dir, false)

	assert.Equal(t, []string{"a.json"}, diff.Removed)
	_, ok := s.Get("a.json")
	assert.True(t, ok, "removed-but-not-pruned record must still be present")
}

func TestMerge_PruneRemoves(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "state.json"), dir, nil)
	require.NoError(t, err)

	s.Merge([]record.ManifestEntry{{Name: "a.json"}}, dir, false)
	s.Merge([]record.ManifestEntry{}, dir, true)

	_, ok := s.Get("a.json")
	assert.False(t, ok)
}

func TestCheckpoint_AtomicRoundTrip(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")

	s, err := Open(statePath, dir, nil)
	require.NoError(t, err)

	s.Merge([]record.ManifestEntry{{Name: "a.json", URL: "http://x/a.json"}}, dir, false)
	require.NoError(t, s.Checkpoint())

	require.FileExists(t, statePath)

	reopened, err := Open(statePath, dir, nil)
	require.NoError(t, err)

	rec, ok := reopened.Get("a.json")
	require.True(t, ok)
	assert.Equal(t, "http://x/a.json", rec.URL)
}

func TestCheckpoint_PreservesUnknownFields(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")

	raw := `{"version":1,"records":[{"name":"a.json","status":"pending","local_path":"a.json","future_field":"kept"}]}`
	require.NoError(t, os.WriteFile(statePath, []byte(raw), 0o644))

	s, err := Open(statePath, dir, nil)
	require.NoError(t, err)

	require.NoError(t, s.Update("a.json", func(r *record.ProgressRecord) { r.Attempts++ }))
	require.NoError(t, s.Checkpoint())

	data, err := os.ReadFile(statePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"future_field": "kept"`)
}

func TestScheduleCheckpoint_Coalesces(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "state.json"), dir, nil)
	require.NoError(t, err)

	s.Merge([]record.ManifestEntry{{Name: "a.json"}}, dir, false)

	for i := 0; i < 5; i++ {
		s.ScheduleCheckpoint()
	}

	time.Sleep(checkpointInterval + 200*time.Millisecond)
	require.FileExists(t, s.path)
}
