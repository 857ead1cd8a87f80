package wal_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberdb/ember/labels"
	"github.com/emberdb/ember/wal"
)

// logOnePerSegment opens a WAL whose every record seals its own segment,
// which makes segment arithmetic in the tests exact.
func logOnePerSegment(t *testing.T, dir string, recs ...[]byte) *wal.WAL {
	t.Helper()
	w, err := wal.Open(dir, wal.Options{SegmentSize: 1, SyncOnLog: true})
	require.NoError(t, err)
	for _, rec := range recs {
		_, err := w.Log(rec)
		require.NoError(t, err)
	}
	return w
}

func TestCheckpointFilters(t *testing.T) {
	dir := t.TempDir()
	var enc wal.Encoder

	series := []wal.RefSeries{
		{Ref: 1, Labels: labels.FromStrings("name", "cpu", "host", "a")},
		{Ref: 2, Labels: labels.FromStrings("name", "cpu", "host", "b")},
	}
	w := logOnePerSegment(t, dir,
		enc.Series(series, nil),
		enc.Samples([]wal.RefSample{{Ref: 1, T: 10, V: 1}, {Ref: 2, T: 20, V: 2}}, nil),
		enc.Samples([]wal.RefSample{{Ref: 1, T: 60, V: 3}, {Ref: 2, T: 70, V: 4}}, nil),
		enc.Metadata([]wal.RefMetadata{{Ref: 1, Type: "gauge", Unit: "", Help: "old"}}, nil),
		enc.Metadata([]wal.RefMetadata{{Ref: 1, Type: "gauge", Unit: "", Help: "new"}}, nil),
		[]byte{0}, // pushes the newest metadata record out of the open segment
	)
	defer w.Close()

	// Ref 2 is dead, everything before t=50 is behind retention.
	keep := func(ref uint64) bool { return ref == 1 }
	stats, err := wal.Checkpoint(w, 0, w.ActiveSegment()-1, keep, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DroppedSeries)
	assert.Equal(t, 3, stats.DroppedSamples)

	cpdir, idx, err := wal.LastCheckpoint(dir)
	require.NoError(t, err)
	assert.Equal(t, w.ActiveSegment()-1, idx)

	// No unpublished tmp directory may survive a successful checkpoint.
	_, err = os.Stat(cpdir + ".tmp")
	assert.True(t, os.IsNotExist(err))

	r, err := wal.NewCheckpointReader(cpdir)
	require.NoError(t, err)
	defer r.Close()

	var (
		dec        wal.Decoder
		gotSeries  []wal.RefSeries
		gotSamples []wal.RefSample
		gotMeta    []wal.RefMetadata
	)
	for r.Next() {
		rec := append([]byte(nil), r.Record()...)
		switch dec.Type(rec) {
		case wal.RecordSeries:
			s, err := dec.Series(rec)
			require.NoError(t, err)
			gotSeries = append(gotSeries, s...)
		case wal.RecordSamples:
			s, err := dec.Samples(rec)
			require.NoError(t, err)
			gotSamples = append(gotSamples, s...)
		case wal.RecordMetadata:
			m, err := dec.Metadata(rec)
			require.NoError(t, err)
			gotMeta = append(gotMeta, m...)
		default:
			t.Fatalf("unexpected record type %v", dec.Type(rec))
		}
	}
	require.NoError(t, r.Err())

	require.Len(t, gotSeries, 1)
	assert.Equal(t, uint64(1), gotSeries[0].Ref)
	require.Len(t, gotSamples, 1)
	assert.Equal(t, wal.RefSample{Ref: 1, T: 60, V: 3}, gotSamples[0])
	// Only the latest metadata per series is carried over.
	require.Len(t, gotMeta, 1)
	assert.Equal(t, "new", gotMeta[0].Help)
}

func TestCheckpointAbsorbsPredecessor(t *testing.T) {
	dir := t.TempDir()
	var enc wal.Encoder

	w := logOnePerSegment(t, dir,
		enc.Series([]wal.RefSeries{{Ref: 1, Labels: labels.FromStrings("name", "cpu")}}, nil),
		enc.Samples([]wal.RefSample{{Ref: 1, T: 10, V: 1}}, nil),
		enc.Samples([]wal.RefSample{{Ref: 1, T: 20, V: 2}}, nil),
	)
	defer w.Close()
	keep := func(uint64) bool { return true }

	// First cycle captures the series definition, then its source segment
	// is deleted. The definition now exists nowhere but in the checkpoint.
	_, err := wal.Checkpoint(w, 0, 1, keep, 0)
	require.NoError(t, err)
	require.NoError(t, w.Truncate(1))

	// Second cycle covers only segments logged after the definition. It
	// must pull the definition out of its predecessor before the caller
	// deletes it.
	_, err = w.Log(enc.Samples([]wal.RefSample{{Ref: 1, T: 30, V: 3}}, nil))
	require.NoError(t, err)
	_, err = wal.Checkpoint(w, 1, 2, keep, 0)
	require.NoError(t, err)
	require.NoError(t, wal.DeleteCheckpoints(dir, 2))

	cpdir, idx, err := wal.LastCheckpoint(dir)
	require.NoError(t, err)
	require.Equal(t, 2, idx)

	r, err := wal.NewCheckpointReader(cpdir)
	require.NoError(t, err)
	defer r.Close()

	var (
		dec       wal.Decoder
		gotSeries []wal.RefSeries
		samples   = map[int64]float64{}
	)
	for r.Next() {
		rec := append([]byte(nil), r.Record()...)
		switch dec.Type(rec) {
		case wal.RecordSeries:
			s, err := dec.Series(rec)
			require.NoError(t, err)
			gotSeries = append(gotSeries, s...)
		case wal.RecordSamples:
			s, err := dec.Samples(rec)
			require.NoError(t, err)
			for _, smpl := range s {
				samples[smpl.T] = smpl.V
			}
		default:
			t.Fatalf("unexpected record type %v", dec.Type(rec))
		}
	}
	require.NoError(t, r.Err())

	require.Len(t, gotSeries, 1)
	assert.Equal(t, uint64(1), gotSeries[0].Ref)
	assert.Equal(t, map[int64]float64{10: 1, 20: 2}, samples)
}

func TestCheckpointRejectsOpenSegment(t *testing.T) {
	dir := t.TempDir()
	var enc wal.Encoder
	w := logOnePerSegment(t, dir,
		enc.Samples([]wal.RefSample{{Ref: 1, T: 1, V: 1}}, nil),
		enc.Samples([]wal.RefSample{{Ref: 1, T: 2, V: 2}}, nil),
	)
	defer w.Close()

	_, err := wal.Checkpoint(w, 0, w.ActiveSegment(), func(uint64) bool { return true }, 0)
	assert.Error(t, err)
	_, err = wal.Checkpoint(w, 2, 1, func(uint64) bool { return true }, 0)
	assert.Error(t, err)
}

func TestLastCheckpoint(t *testing.T) {
	dir := t.TempDir()

	_, _, err := wal.LastCheckpoint(dir)
	assert.IsType(t, wal.NoCheckpointError(""), err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "checkpoint.00000003"), 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "checkpoint.00000008"), 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "checkpoint.00000009.tmp"), 0o750))

	name, idx, err := wal.LastCheckpoint(dir)
	require.NoError(t, err)
	assert.Equal(t, 8, idx)
	assert.Equal(t, filepath.Join(dir, "checkpoint.00000008"), name)
}

func TestDeleteCheckpoints(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"checkpoint.00000003", "checkpoint.00000006",
		"checkpoint.00000009", "checkpoint.00000011.tmp",
	} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0o750))
	}

	require.NoError(t, wal.DeleteCheckpoints(dir, 9))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"checkpoint.00000009"}, names)
}
