package db

import (
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/emberdb/ember/block"
	"github.com/emberdb/ember/head"
	"github.com/emberdb/ember/wal"
)

// VerifyResult summarizes a read-only integrity pass over a database
// directory.
type VerifyResult struct {
	Checkpoint     string
	CheckpointIdx  int
	FirstSegment   int
	LastSegment    int
	Replay         ReplayStats
	TornTail       bool
	Blocks         []string
	HeadSeries     int
	HeadNumSamples uint64
	HeadMinTime    int64
	HeadMaxTime    int64
}

// Verify performs the same recovery the engine does at startup, into a
// throwaway head, without mutating anything on disk. It reports what a
// real open would reconstruct, or the corruption that would halt it.
func Verify(dir string, chunkRange int64) (*VerifyResult, error) {
	if chunkRange <= 0 {
		chunkRange = DefaultOptions().ChunkRange
	}
	res := &VerifyResult{CheckpointIdx: -1, FirstSegment: -1, LastSegment: -1}
	h := head.New(chunkRange, 0)
	walDir := filepath.Join(dir, "wal")

	if _, err := os.Stat(walDir); os.IsNotExist(err) {
		blocks, err := block.List(dir)
		if err != nil {
			return nil, errors.Wrap(err, "list blocks")
		}
		res.Blocks = blocks
		return res, nil
	}

	cpdir, cpidx, err := wal.LastCheckpoint(walDir)
	switch err.(type) {
	case nil:
		r, err := wal.NewCheckpointReader(cpdir)
		if err != nil {
			return nil, errors.Wrap(err, "open checkpoint")
		}
		stats, err := applyReader(r, h)
		r.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "replay checkpoint %s", cpdir)
		}
		res.Checkpoint = cpdir
		res.CheckpointIdx = cpidx
		res.Replay = *stats
	case wal.NoCheckpointError:
		cpidx = -1
	default:
		return nil, errors.Wrap(err, "find last checkpoint")
	}

	first, last, err := wal.Segments(walDir)
	if err != nil {
		if _, ok := err.(wal.EmptyLogError); !ok {
			return nil, errors.Wrap(err, "list wal segments")
		}
	} else {
		from := first
		if cpidx > from {
			from = cpidx
		}
		res.FirstSegment, res.LastSegment = first, last
		r, err := wal.NewSegmentsRangeReader(walDir, from, last, true)
		if err != nil {
			return nil, errors.Wrap(err, "open wal segments")
		}
		stats, err := applyReader(r, h)
		res.TornTail = r.Torn()
		r.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "replay wal segments [%d, %d]", from, last)
		}
		res.Replay.Records += stats.Records
		res.Replay.Series += stats.Series
		res.Replay.Samples += stats.Samples
		res.Replay.Histograms += stats.Histograms
		res.Replay.Tombstones += stats.Tombstones
		res.Replay.Exemplars += stats.Exemplars
		res.Replay.Metadata += stats.Metadata
		res.Replay.Unknown += stats.Unknown
	}

	blocks, err := block.List(dir)
	if err != nil {
		return nil, errors.Wrap(err, "list blocks")
	}
	res.Blocks = blocks

	// Startup recovery floors the head at the newest block boundary so the
	// head never overlaps persisted data; mirror that here.
	maxt := int64(math.MinInt64)
	for _, bdir := range blocks {
		m, err := block.ReadMeta(bdir)
		if err != nil {
			return nil, errors.Wrapf(err, "read meta of block %s", bdir)
		}
		if m.MaxTime > maxt {
			maxt = m.MaxTime
		}
	}
	if maxt > math.MinInt64 {
		h.Truncate(maxt)
	}

	res.HeadSeries = h.NumSeries()
	res.HeadNumSamples = h.NumSamples()
	res.HeadMinTime = h.MinTime()
	res.HeadMaxTime = h.MaxTime()
	return res, nil
}
