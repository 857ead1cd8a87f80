package head_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberdb/ember/head"
	"github.com/emberdb/ember/labels"
	"github.com/emberdb/ember/wal"
)

// captureWAL records logged batches in memory.
type captureWAL struct {
	recs [][]byte
	fail bool
	lsn  uint64
}

func (w *captureWAL) Log(recs ...[]byte) (uint64, error) {
	if w.fail {
		return 0, errors.New("disk gone")
	}
	for _, rec := range recs {
		w.recs = append(w.recs, append([]byte(nil), rec...))
		w.lsn++
	}
	return w.lsn, nil
}

func (w *captureWAL) typesLogged() []wal.RecordType {
	var dec wal.Decoder
	var out []wal.RecordType
	for _, rec := range w.recs {
		out = append(out, dec.Type(rec))
	}
	return out
}

func TestCompactableBoundary(t *testing.T) {
	h := head.New(100, 0)
	app := h.Appender()

	_, err := app.Add(labels.FromStrings("name", "cpu"), 0, 1)
	require.NoError(t, err)
	require.NoError(t, app.Commit())
	assert.False(t, h.Compactable())

	// Exactly 1.5x the chunk range is still not compactable.
	ref, err := app.Add(labels.FromStrings("name", "cpu"), 150, 2)
	require.NoError(t, err)
	require.NoError(t, app.Commit())
	assert.False(t, h.Compactable())

	require.NoError(t, app.AddFast(ref, 151, 3))
	require.NoError(t, app.Commit())
	assert.True(t, h.Compactable())
}

func TestAppendRejectsOutOfOrder(t *testing.T) {
	h := head.New(1000, 0)
	app := h.Appender()

	ref, err := app.Add(labels.FromStrings("name", "cpu"), 100, 1)
	require.NoError(t, err)
	require.NoError(t, app.AddFast(ref, 100, 2)) // duplicate timestamp
	require.NoError(t, app.AddFast(ref, 50, 3))  // behind
	require.NoError(t, app.AddFast(ref, 200, 4))
	require.NoError(t, app.Commit())

	// Only the in-order samples landed.
	assert.Equal(t, uint64(2), h.NumSamples())
	assert.Equal(t, int64(100), h.MinTime())
	assert.Equal(t, int64(200), h.MaxTime())
}

func TestAppendUnknownRef(t *testing.T) {
	h := head.New(1000, 0)
	app := h.Appender()
	assert.ErrorIs(t, app.AddFast(12345, 1, 1), head.ErrNotFound)
	assert.ErrorIs(t, app.Delete(12345, 0, 1), head.ErrNotFound)
	assert.ErrorIs(t, app.SetMetadata(12345, "gauge", "", ""), head.ErrNotFound)
}

func TestCommitLogsSeriesBeforeSamples(t *testing.T) {
	w := &captureWAL{}
	h := head.New(1000, 0)
	h.SetWAL(w)
	app := h.Appender()

	ref, err := app.Add(labels.FromStrings("name", "cpu", "host", "a"), 10, 1)
	require.NoError(t, err)
	require.NoError(t, app.Commit())
	assert.Equal(t, []wal.RecordType{wal.RecordSeries, wal.RecordSamples}, w.typesLogged())

	// The definition is durable now; later commits log samples only.
	w.recs = nil
	require.NoError(t, app.AddFast(ref, 20, 2))
	require.NoError(t, app.Commit())
	assert.Equal(t, []wal.RecordType{wal.RecordSamples}, w.typesLogged())
}

func TestCommitFailureKeepsSeriesPending(t *testing.T) {
	w := &captureWAL{fail: true}
	h := head.New(1000, 0)
	h.SetWAL(w)
	app := h.Appender()

	ref, err := app.Add(labels.FromStrings("name", "cpu"), 10, 1)
	require.NoError(t, err)
	require.Error(t, app.Commit())

	// Nothing was acknowledged or applied.
	assert.Equal(t, uint64(0), h.NumSamples())
	assert.True(t, h.HasSeries(ref))

	// The definition rides along with the next successful commit, so a
	// replay never sees samples for a series it cannot resolve.
	w.fail = false
	require.NoError(t, app.AddFast(ref, 20, 2))
	require.NoError(t, app.Commit())
	assert.Equal(t, []wal.RecordType{wal.RecordSeries, wal.RecordSamples}, w.typesLogged())
}

func TestRollbackKeepsSeriesDefined(t *testing.T) {
	w := &captureWAL{}
	h := head.New(1000, 0)
	h.SetWAL(w)
	app := h.Appender()

	ref, err := app.Add(labels.FromStrings("name", "cpu"), 10, 1)
	require.NoError(t, err)
	require.NoError(t, app.Rollback())
	assert.Equal(t, uint64(0), h.NumSamples())
	assert.True(t, h.HasSeries(ref))

	// The discarded sample is gone but the series definition still reaches
	// the log with the next commit.
	require.NoError(t, app.AddFast(ref, 30, 3))
	require.NoError(t, app.Commit())
	assert.Equal(t, []wal.RecordType{wal.RecordSeries, wal.RecordSamples}, w.typesLogged())
}

func TestTruncate(t *testing.T) {
	h := head.New(1000, 0)
	app := h.Appender()

	ref, err := app.Add(labels.FromStrings("name", "cpu"), 10, 1)
	require.NoError(t, err)
	for _, ts := range []int64{20, 30, 40, 50} {
		require.NoError(t, app.AddFast(ref, ts, float64(ts)))
	}
	require.NoError(t, app.Commit())
	require.Equal(t, uint64(5), h.NumSamples())

	h.Truncate(30)
	assert.Equal(t, uint64(3), h.NumSamples())
	assert.Equal(t, int64(30), h.MinTime())
	assert.Equal(t, int64(50), h.MaxTime())
	assert.True(t, h.HasSeries(ref))

	// Truncating everything empties the buffer but keeps definitions.
	h.Truncate(100)
	assert.Equal(t, uint64(0), h.NumSamples())
	assert.True(t, h.HasSeries(ref))
	assert.False(t, h.Compactable())

	// New appends after a full truncation restart the time range.
	require.NoError(t, app.AddFast(ref, 200, 1))
	require.NoError(t, app.Commit())
	assert.Equal(t, int64(200), h.MinTime())
	assert.Equal(t, int64(200), h.MaxTime())
}

func TestFlushableExcludesTombstoned(t *testing.T) {
	h := head.New(1000, 0)
	app := h.Appender()

	refA, err := app.Add(labels.FromStrings("host", "a", "name", "cpu"), 10, 1)
	require.NoError(t, err)
	refB, err := app.Add(labels.FromStrings("host", "b", "name", "cpu"), 10, 2)
	require.NoError(t, err)
	for _, ts := range []int64{20, 30, 40} {
		require.NoError(t, app.AddFast(refA, ts, float64(ts)))
		require.NoError(t, app.AddFast(refB, ts, float64(ts)))
	}
	require.NoError(t, app.Delete(refB, 25, 35))
	require.NoError(t, app.Commit())

	out := h.Flushable(0, 45)
	require.Len(t, out, 2)
	// Sorted by label set.
	assert.Equal(t, refA, out[0].Ref)
	assert.Equal(t, refB, out[1].Ref)
	assert.Len(t, out[0].Samples, 4)
	// t=30 falls inside the tombstoned interval.
	require.Len(t, out[1].Samples, 3)
	for _, s := range out[1].Samples {
		assert.NotEqual(t, int64(30), s.T)
	}

	// The window is half-open.
	out = h.Flushable(10, 40)
	assert.Len(t, out[0].Samples, 3)
}

func TestMetadataLatestWins(t *testing.T) {
	h := head.New(1000, 0)
	app := h.Appender()

	ref, err := app.Add(labels.FromStrings("name", "cpu"), 10, 1)
	require.NoError(t, err)
	require.NoError(t, app.SetMetadata(ref, "gauge", "", "old"))
	require.NoError(t, app.Commit())
	require.NoError(t, app.SetMetadata(ref, "gauge", "", "new"))
	require.NoError(t, app.Commit())

	m, ok := h.Metadata(ref)
	require.True(t, ok)
	assert.Equal(t, "new", m.Help)
}
