package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/emberdb/ember/metrics"
	"github.com/emberdb/ember/utils/log"
)

const (
	checkpointPrefix = "checkpoint."
	tmpSuffix        = ".tmp"
)

// CheckpointStats reports what a checkpoint run kept and dropped.
type CheckpointStats struct {
	TotalRecords      int
	DroppedSeries     int
	DroppedSamples    int
	DroppedHistograms int
	DroppedExemplars  int
}

func checkpointName(index int) string {
	return checkpointPrefix + fmt.Sprintf("%08d", index)
}

// Checkpoint replays the previous checkpoint, if any, followed by the sealed
// segments [from, to] of w, and rewrites the minimal state needed for
// recovery into a new checkpoint directory named by to: series definitions
// still alive per keep, samples and exemplars at or after mint, tombstones,
// and the latest metadata per series. Absorbing the predecessor is what
// keeps long-lived series definitions alive once their original segments
// and checkpoints are gone.
//
// The directory is written fully and fsynced under a temporary name, then
// atomically renamed. Nothing is deleted here: the caller truncates the
// source segments and removes superseded checkpoints only after this
// returns successfully, so a crash mid-checkpoint leaves the old state
// intact and recovery replays the overlap.
func Checkpoint(w *WAL, from, to int, keep func(ref uint64) bool, mint int64) (*CheckpointStats, error) {
	start := time.Now()
	stats, err := checkpoint(w, from, to, keep, mint)
	if err != nil {
		metrics.CheckpointsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.CheckpointsTotal.WithLabelValues("success").Inc()
	metrics.CheckpointDuration.Observe(time.Since(start).Seconds())
	return stats, nil
}

func checkpoint(w *WAL, from, to int, keep func(ref uint64) bool, mint int64) (*CheckpointStats, error) {
	if to >= w.ActiveSegment() {
		return nil, errors.Errorf("wal: cannot checkpoint through segment %d: segment %d is open for appends",
			to, w.ActiveSegment())
	}
	if from > to {
		return nil, errors.Errorf("wal: invalid checkpoint range [%d, %d]", from, to)
	}

	cpdir := filepath.Join(w.Dir(), checkpointName(to))
	tmp := cpdir + tmpSuffix
	if err := os.RemoveAll(tmp); err != nil {
		return nil, errors.Wrap(err, "remove stale checkpoint tmp dir")
	}

	// A series definition is logged once, when the series is created, and
	// after the first truncation cycle it may survive only inside the
	// checkpoint lineage. Each checkpoint therefore absorbs its predecessor
	// before the caller deletes it, keeping the lineage self-contained.
	var sources []*Reader
	prev, prevIdx, err := LastCheckpoint(w.Dir())
	switch err.(type) {
	case nil:
		if prevIdx <= to {
			pr, err := NewCheckpointReader(prev)
			if err != nil {
				return nil, errors.Wrap(err, "open previous checkpoint")
			}
			defer pr.Close()
			sources = append(sources, pr)
		}
	case NoCheckpointError:
	default:
		return nil, errors.Wrap(err, "find previous checkpoint")
	}

	r, err := NewSegmentsRangeReader(w.Dir(), from, to, false)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	sources = append(sources, r)

	cp, err := Open(tmp, Options{SegmentSize: w.segmentSize})
	if err != nil {
		return nil, errors.Wrap(err, "open checkpoint log")
	}
	defer cp.Close()

	var (
		enc     Encoder
		dec     Decoder
		stats   CheckpointStats
		buf     []byte
		pending [][]byte
		size    int
		latest  = map[uint64]RefMetadata{}
	)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if _, err := cp.Log(pending...); err != nil {
			return errors.Wrap(err, "write checkpoint records")
		}
		pending = pending[:0]
		size = 0
		return nil
	}
	emit := func(rec []byte) error {
		pending = append(pending, rec)
		size += len(rec)
		if size > 1*1024*1024 {
			return flush()
		}
		return nil
	}

	copyFrom := func(r *Reader) error {
		for r.Next() {
			rec := r.Record()
			stats.TotalRecords++
			buf = buf[:0]

			switch dec.Type(rec) {
			case RecordSeries:
				series, err := dec.Series(rec)
				if err != nil {
					return errors.Wrap(err, "decode series")
				}
				kept := series[:0]
				for _, s := range series {
					if keep(s.Ref) {
						kept = append(kept, s)
					}
				}
				stats.DroppedSeries += len(series) - len(kept)
				if len(kept) == 0 {
					continue
				}
				buf = enc.Series(kept, buf)
			case RecordSamples:
				samples, err := dec.Samples(rec)
				if err != nil {
					return errors.Wrap(err, "decode samples")
				}
				kept := samples[:0]
				for _, s := range samples {
					if s.T >= mint && keep(s.Ref) {
						kept = append(kept, s)
					}
				}
				stats.DroppedSamples += len(samples) - len(kept)
				if len(kept) == 0 {
					continue
				}
				buf = enc.Samples(kept, buf)
			case RecordHistograms:
				hists, err := dec.Histograms(rec)
				if err != nil {
					return errors.Wrap(err, "decode histograms")
				}
				kept := hists[:0]
				for _, h := range hists {
					if h.T >= mint && keep(h.Ref) {
						kept = append(kept, h)
					}
				}
				stats.DroppedHistograms += len(hists) - len(kept)
				if len(kept) == 0 {
					continue
				}
				buf = enc.Histograms(kept, buf)
			case RecordTombstones:
				// Tombstones are cheap and deletion history must survive, so
				// they are carried over wholesale.
				buf = append(buf, rec...)
			case RecordExemplars:
				exemplars, err := dec.Exemplars(rec)
				if err != nil {
					return errors.Wrap(err, "decode exemplars")
				}
				kept := exemplars[:0]
				for _, ex := range exemplars {
					if ex.T >= mint && keep(ex.Ref) {
						kept = append(kept, ex)
					}
				}
				stats.DroppedExemplars += len(exemplars) - len(kept)
				if len(kept) == 0 {
					continue
				}
				buf = enc.Exemplars(kept, buf)
			case RecordMetadata:
				meta, err := dec.Metadata(rec)
				if err != nil {
					return errors.Wrap(err, "decode metadata")
				}
				for _, m := range meta {
					if keep(m.Ref) {
						latest[m.Ref] = m
					}
				}
				continue
			default:
				return &CorruptionError{Dir: w.Dir(), Segment: r.Segment(), Offset: r.Offset(),
					Err: errors.Errorf("unknown record type %d", rec[0])}
			}

			if err := emit(append([]byte(nil), buf...)); err != nil {
				return err
			}
		}
		return errors.Wrap(r.Err(), "read records for checkpoint")
	}
	for _, src := range sources {
		if err := copyFrom(src); err != nil {
			return nil, err
		}
	}

	if len(latest) > 0 {
		refs := make([]uint64, 0, len(latest))
		for ref := range latest {
			refs = append(refs, ref)
		}
		sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
		meta := make([]RefMetadata, 0, len(refs))
		for _, ref := range refs {
			meta = append(meta, latest[ref])
		}
		if err := emit(enc.Metadata(meta, nil)); err != nil {
			return nil, err
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	if err := cp.Close(); err != nil {
		return nil, errors.Wrap(err, "close checkpoint log")
	}
	if err := fsyncDir(tmp); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, cpdir); err != nil {
		return nil, errors.Wrap(err, "publish checkpoint")
	}
	if err := fsyncDir(w.Dir()); err != nil {
		return nil, err
	}

	log.Info("wal: checkpoint %s written: %d records read, dropped %d series / %d samples",
		checkpointName(to), stats.TotalRecords, stats.DroppedSeries, stats.DroppedSamples)
	return &stats, nil
}

// LastCheckpoint returns the directory and boundary index of the newest
// checkpoint in dir. Unpublished .tmp leftovers are ignored.
func LastCheckpoint(dir string) (string, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0, errors.Wrap(err, "list checkpoints")
	}
	index := -1
	name := ""
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), checkpointPrefix) {
			continue
		}
		if strings.HasSuffix(e.Name(), tmpSuffix) {
			continue
		}
		i, err := strconv.Atoi(e.Name()[len(checkpointPrefix):])
		if err != nil {
			continue
		}
		if i > index {
			index = i
			name = e.Name()
		}
	}
	if index < 0 {
		return "", 0, NoCheckpointError(dir)
	}
	return filepath.Join(dir, name), index, nil
}

// DeleteCheckpoints removes all checkpoint directories with a boundary below
// maxIndex, plus any unpublished .tmp leftovers.
func DeleteCheckpoints(dir string, maxIndex int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, "list checkpoints")
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), checkpointPrefix) {
			continue
		}
		if strings.HasSuffix(e.Name(), tmpSuffix) {
			if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
				return errors.Wrap(err, "remove checkpoint tmp dir")
			}
			continue
		}
		i, err := strconv.Atoi(e.Name()[len(checkpointPrefix):])
		if err != nil || i >= maxIndex {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return errors.Wrapf(err, "remove checkpoint %s", e.Name())
		}
	}
	return fsyncDir(dir)
}
