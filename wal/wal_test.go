package wal_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberdb/ember/wal"
)

func record(n int, size int) []byte {
	rec := make([]byte, size)
	for i := range rec {
		rec[i] = byte(n)
	}
	return rec
}

func readAll(t *testing.T, dir string, tolerateTorn bool) (recs [][]byte, r *wal.Reader) {
	t.Helper()
	first, last, err := wal.Segments(dir)
	require.NoError(t, err)
	r, err = wal.NewSegmentsRangeReader(dir, first, last, tolerateTorn)
	require.NoError(t, err)
	for r.Next() {
		recs = append(recs, append([]byte(nil), r.Record()...))
	}
	require.NoError(t, r.Close())
	return recs, r
}

func TestLogAndReadBack(t *testing.T) {
	dir := t.TempDir()

	w, err := wal.Open(dir, wal.Options{SyncOnLog: true})
	require.NoError(t, err)

	var want [][]byte
	for i := 1; i <= 10; i++ {
		rec := record(i, 100*i)
		want = append(want, rec)
		lsn, err := w.Log(rec)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), lsn)
	}
	require.NoError(t, w.Close())

	got, r := readAll(t, dir, false)
	require.NoError(t, r.Err())
	assert.False(t, r.Torn())
	assert.Equal(t, want, got)
}

func TestSegmentRollover(t *testing.T) {
	dir := t.TempDir()

	w, err := wal.Open(dir, wal.Options{SegmentSize: 256, SyncOnLog: true})
	require.NoError(t, err)

	var want [][]byte
	for i := 1; i <= 20; i++ {
		rec := record(i, 100)
		want = append(want, rec)
		_, err := w.Log(rec)
		require.NoError(t, err)
	}
	first, last, err := w.Segments()
	require.NoError(t, err)
	assert.Equal(t, 0, first)
	assert.Greater(t, last, first)
	require.NoError(t, w.Close())

	// Order is preserved across segment boundaries.
	got, r := readAll(t, dir, false)
	require.NoError(t, r.Err())
	assert.Equal(t, want, got)
}

func TestReopenContinuesSequence(t *testing.T) {
	dir := t.TempDir()

	w, err := wal.Open(dir, wal.Options{SyncOnLog: true})
	require.NoError(t, err)
	_, err = w.Log(record(1, 10), record(2, 10))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// A reopen never appends to an old segment; it starts a fresh one and
	// picks up the sequence number from a replay.
	w, err = wal.Open(dir, wal.Options{SyncOnLog: true})
	require.NoError(t, err)
	assert.Equal(t, 1, w.ActiveSegment())
	assert.Equal(t, uint64(2), w.LastLSN())
	lsn, err := w.Log(record(3, 10))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), lsn)
	require.NoError(t, w.Close())

	got, r := readAll(t, dir, false)
	require.NoError(t, r.Err())
	assert.Len(t, got, 3)
}

func TestTruncate(t *testing.T) {
	dir := t.TempDir()

	// One record per segment.
	w, err := wal.Open(dir, wal.Options{SegmentSize: 1, SyncOnLog: true})
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		_, err := w.Log(record(i, 50))
		require.NoError(t, err)
	}
	active := w.ActiveSegment()

	require.NoError(t, w.Truncate(3))
	first, last, err := w.Segments()
	require.NoError(t, err)
	assert.Equal(t, 3, first)
	assert.Equal(t, active, last)

	// Idempotent.
	require.NoError(t, w.Truncate(3))
	first, _, err = w.Segments()
	require.NoError(t, err)
	assert.Equal(t, 3, first)

	// The open segment survives even when the boundary is above it.
	require.NoError(t, w.Truncate(active+1))
	first, last, err = w.Segments()
	require.NoError(t, err)
	assert.Equal(t, active, first)
	assert.Equal(t, active, last)
	require.NoError(t, w.Close())
}

func TestSegmentsEmptyDir(t *testing.T) {
	dir := t.TempDir()
	_, _, err := wal.Segments(dir)
	assert.IsType(t, wal.EmptyLogError(""), err)
}

func TestTornTailIsBenign(t *testing.T) {
	dir := t.TempDir()

	w, err := wal.Open(dir, wal.Options{SyncOnLog: true})
	require.NoError(t, err)
	_, err = w.Log(record(1, 40), record(2, 40))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Simulate a crash mid-append: a header promising more payload than the
	// file holds.
	f, err := os.OpenFile(wal.SegmentPath(dir, 0), os.O_WRONLY|os.O_APPEND, 0o640)
	require.NoError(t, err)
	_, err = f.Write([]byte{100, 0, 0, 0, 0xde, 0xad, 0xbe, 0xef, 1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, r := readAll(t, dir, true)
	require.NoError(t, r.Err())
	assert.True(t, r.Torn())
	assert.Len(t, got, 2)
	assert.Equal(t, 0, r.Segment())

	// The same bytes are corruption when tearing is not tolerated.
	_, r = readAll(t, dir, false)
	var cerr *wal.CorruptionError
	require.Error(t, r.Err())
	assert.ErrorAs(t, r.Err(), &cerr)
}

func TestZeroedLengthMidSegmentIsCorruption(t *testing.T) {
	dir := t.TempDir()

	w, err := wal.Open(dir, wal.Options{SyncOnLog: true})
	require.NoError(t, err)
	_, err = w.Log(record(1, 40), record(2, 40))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Zero out the first record's length field. Intact records follow, so
	// this is not an append that was cut short at the tail; discarding it
	// would silently drop everything behind it.
	f, err := os.OpenFile(wal.SegmentPath(dir, 0), os.O_WRONLY, 0o640)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0, 0, 0, 0}, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, r := readAll(t, dir, true)
	var cerr *wal.CorruptionError
	require.Error(t, r.Err())
	require.ErrorAs(t, r.Err(), &cerr)
	assert.Equal(t, 0, cerr.Segment)
	assert.Equal(t, int64(0), cerr.Offset)
	assert.False(t, r.Torn())
	assert.Empty(t, got)
}

func TestTornMiddleIsCorruption(t *testing.T) {
	dir := t.TempDir()

	w, err := wal.Open(dir, wal.Options{SegmentSize: 1, SyncOnLog: true})
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := w.Log(record(i, 40))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	// Chop the middle of segment 1: a partial record that is NOT at the tail
	// of the newest segment must never be discarded silently.
	require.NoError(t, os.Truncate(wal.SegmentPath(dir, 1), 20))

	_, r := readAll(t, dir, true)
	var cerr *wal.CorruptionError
	require.Error(t, r.Err())
	require.ErrorAs(t, r.Err(), &cerr)
	assert.Equal(t, 1, cerr.Segment)
	assert.False(t, r.Torn())
}

func TestChecksumMismatchMidLog(t *testing.T) {
	dir := t.TempDir()

	w, err := wal.Open(dir, wal.Options{SyncOnLog: true})
	require.NoError(t, err)
	_, err = w.Log(record(1, 40), record(2, 40))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Flip a payload byte of the first record.
	f, err := os.OpenFile(wal.SegmentPath(dir, 0), os.O_WRONLY, 0o640)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xff}, 12)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, r := readAll(t, dir, true)
	var cerr *wal.CorruptionError
	require.Error(t, r.Err())
	require.ErrorAs(t, r.Err(), &cerr)
	var mismatch *wal.ChecksumMismatchError
	assert.ErrorAs(t, cerr.Err, &mismatch)
}

func TestReaderRejectsSegmentGap(t *testing.T) {
	dir := t.TempDir()

	w, err := wal.Open(dir, wal.Options{SegmentSize: 1, SyncOnLog: true})
	require.NoError(t, err)
	for i := 1; i <= 4; i++ {
		_, err := w.Log(record(i, 40))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	require.NoError(t, os.Remove(wal.SegmentPath(dir, 1)))

	_, _, err = wal.Segments(dir)
	require.NoError(t, err)
	_, err = wal.NewSegmentsRangeReader(dir, 0, 3, true)
	assert.Error(t, err)
}
