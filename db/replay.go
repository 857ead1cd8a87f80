package db

import (
	"math"
	"os"

	"github.com/pkg/errors"

	"github.com/emberdb/ember/block"
	"github.com/emberdb/ember/head"
	"github.com/emberdb/ember/metrics"
	"github.com/emberdb/ember/utils/log"
	"github.com/emberdb/ember/wal"
)

// recover rebuilds the head from the newest checkpoint and the WAL
// segments at or above its boundary. It runs before a fresh append segment
// is opened, so a torn write at the tail of the newest on-disk segment is
// still recognizable as benign.
func (db *DB) recover() error {
	db.setState(LoadingCheckpoint)
	cpdir, cpidx, err := wal.LastCheckpoint(db.walDir())
	switch err.(type) {
	case nil:
		r, err := wal.NewCheckpointReader(cpdir)
		if err != nil {
			return db.corrupt(errors.Wrap(err, "open checkpoint"))
		}
		stats, err := applyReader(r, db.head)
		r.Close()
		if err != nil {
			return db.corrupt(errors.Wrapf(err, "replay checkpoint %s", cpdir))
		}
		log.Info("db: loaded checkpoint %s, %d series, %d samples", cpdir, stats.Series, stats.Samples)
	case wal.NoCheckpointError:
		cpidx = -1
	default:
		return errors.Wrap(err, "find last checkpoint")
	}

	db.setState(ReplayingWAL)
	first, last, err := wal.Segments(db.walDir())
	if err != nil {
		if _, ok := err.(wal.EmptyLogError); ok {
			return db.truncatePersisted()
		}
		return errors.Wrap(err, "list wal segments")
	}
	// Segments below the boundary may linger after a crash between
	// checkpoint creation and segment deletion. Replaying from the boundary
	// covers the overlap; sample dedup in the head makes it harmless.
	from := first
	if cpidx > from {
		from = cpidx
	}
	r, err := wal.NewSegmentsRangeReader(db.walDir(), from, last, true)
	if err != nil {
		return db.corrupt(errors.Wrap(err, "open wal segments"))
	}
	stats, err := applyReader(r, db.head)
	r.Close()
	if err != nil {
		return db.corrupt(errors.Wrapf(err, "replay wal segments [%d, %d]", from, last))
	}
	if r.Torn() {
		metrics.WALTornRecordsTotal.Inc()
		log.Warn("db: discarded torn record at tail of segment %d, offset %d", r.Segment(), r.Offset())
		// Cut the partial frame off so later readers of the sealed segment
		// never see it.
		if err := os.Truncate(wal.SegmentPath(db.walDir(), r.Segment()), r.Offset()); err != nil {
			return errors.Wrap(err, "repair torn segment tail")
		}
	}
	if stats.Unknown > 0 {
		// Samples for series whose definitions were dropped by an earlier
		// checkpoint. The series are dead; losing their stragglers is fine.
		log.Warn("db: ignored %d samples for unknown series during replay", stats.Unknown)
	}
	log.Info("db: replayed wal segments [%d, %d], %d series, %d samples", from, last, stats.Series, stats.Samples)
	return db.truncatePersisted()
}

// truncatePersisted drops replayed samples that a published block already
// covers. Retained segments can still hold samples below the last flush
// cut, and replay re-ingests them; block metadata records how far flushing
// got, so the head and the blocks never overlap after recovery.
func (db *DB) truncatePersisted() error {
	dirs, err := block.List(db.dir)
	if err != nil {
		return err
	}
	maxt := int64(math.MinInt64)
	for _, d := range dirs {
		m, err := block.ReadMeta(d)
		if err != nil {
			return errors.Wrapf(err, "read meta of block %s", d)
		}
		if m.MaxTime > maxt {
			maxt = m.MaxTime
		}
	}
	if maxt > math.MinInt64 {
		db.head.Truncate(maxt)
	}
	return nil
}

func (db *DB) corrupt(err error) error {
	db.setState(CorruptLog)
	return &CorruptLogError{Err: err}
}

// ReplayStats counts what a reader contributed to the head.
type ReplayStats struct {
	Records    int
	Series     int
	Samples    int
	Histograms int
	Tombstones int
	Exemplars  int
	Metadata   int
	Unknown    int
}

// applyReader decodes every record from r into h. A decode failure is
// treated as corruption regardless of position; framing-level tears are
// the reader's business, not ours.
func applyReader(r *wal.Reader, h *head.Head) (*ReplayStats, error) {
	var (
		stats ReplayStats
		dec   wal.Decoder
	)
	for r.Next() {
		rec := r.Record()
		stats.Records++
		switch dec.Type(rec) {
		case wal.RecordSeries:
			series, err := dec.Series(rec)
			if err != nil {
				return nil, errors.Wrap(err, "decode series record")
			}
			h.ProcessSeries(series)
			stats.Series += len(series)
		case wal.RecordSamples:
			samples, err := dec.Samples(rec)
			if err != nil {
				return nil, errors.Wrap(err, "decode samples record")
			}
			stats.Unknown += h.ProcessSamples(samples)
			stats.Samples += len(samples)
		case wal.RecordHistograms:
			hists, err := dec.Histograms(rec)
			if err != nil {
				return nil, errors.Wrap(err, "decode histograms record")
			}
			stats.Unknown += h.ProcessHistograms(hists)
			stats.Histograms += len(hists)
		case wal.RecordTombstones:
			stones, err := dec.Tombstones(rec)
			if err != nil {
				return nil, errors.Wrap(err, "decode tombstones record")
			}
			h.ProcessTombstones(stones)
			stats.Tombstones += len(stones)
		case wal.RecordExemplars:
			exemplars, err := dec.Exemplars(rec)
			if err != nil {
				return nil, errors.Wrap(err, "decode exemplars record")
			}
			h.ProcessExemplars(exemplars)
			stats.Exemplars += len(exemplars)
		case wal.RecordMetadata:
			meta, err := dec.Metadata(rec)
			if err != nil {
				return nil, errors.Wrap(err, "decode metadata record")
			}
			h.ProcessMetadata(meta)
			stats.Metadata += len(meta)
		default:
			return nil, errors.Errorf("unknown record type %d", dec.Type(rec))
		}
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return &stats, nil
}
