// Package db assembles the write path of the storage engine: a head buffer
// fed by a single logical appender, a segmented write-ahead log for
// durability, background compaction of the head into persistent blocks, and
// checkpoint-driven WAL truncation.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/emberdb/ember/block"
	"github.com/emberdb/ember/head"
	"github.com/emberdb/ember/metrics"
	"github.com/emberdb/ember/utils/log"
	"github.com/emberdb/ember/wal"
)

// State tracks where the engine is in its lifecycle. Recovery walks
// Idle -> LoadingCheckpoint -> ReplayingWAL -> Ready; CorruptLog is
// terminal.
type State int32

const (
	Idle State = iota
	LoadingCheckpoint
	ReplayingWAL
	Ready
	CorruptLog
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case LoadingCheckpoint:
		return "loading-checkpoint"
	case ReplayingWAL:
		return "replaying-wal"
	case Ready:
		return "ready"
	case CorruptLog:
		return "corrupt-log"
	default:
		return "unknown"
	}
}

// CorruptLogError means recovery hit damaged data it refuses to guess at.
// The database cannot be opened without operator intervention.
type CorruptLogError struct {
	Err error
}

func (e *CorruptLogError) Error() string {
	return fmt.Sprintf("corrupt log, recovery halted: %v", e.Err)
}

func (e *CorruptLogError) Unwrap() error { return e.Err }

// Options holds the engine knobs. The checkpoint ratio and chunk-range
// headroom have shifted across versions of comparable engines, so nothing
// here is hard-coded at the call sites.
type Options struct {
	// WALSegmentSize is the segment rollover threshold in bytes.
	WALSegmentSize int
	// SyncOnLog fsyncs the WAL on every commit.
	SyncOnLog bool
	// ChunkRange is the persistence chunk width in sample-timestamp units.
	ChunkRange int64
	// MinChunkSamples is the smallest head worth flushing; below it,
	// compaction is skipped even when the time range qualifies.
	MinChunkSamples int
	// CheckpointNumerator/Denominator set the fraction of eligible segments
	// folded into a checkpoint. Defaults to 2/3.
	CheckpointNumerator   int
	CheckpointDenominator int
	// CompactInterval is the background compaction cadence. Zero disables
	// the background loop; Compact can still be driven manually.
	CompactInterval time.Duration
}

// DefaultOptions returns the defaults used by the start command.
func DefaultOptions() *Options {
	return &Options{
		WALSegmentSize:        wal.DefaultSegmentSize,
		SyncOnLog:             true,
		ChunkRange:            (2 * time.Hour).Milliseconds(),
		MinChunkSamples:       120,
		CheckpointNumerator:   2,
		CheckpointDenominator: 3,
		CompactInterval:       time.Minute,
	}
}

func (o *Options) validate() error {
	if o.ChunkRange <= 0 {
		return errors.Errorf("invalid chunk range %d", o.ChunkRange)
	}
	if o.CheckpointNumerator <= 0 || o.CheckpointDenominator <= 0 ||
		o.CheckpointNumerator >= o.CheckpointDenominator {
		return errors.Errorf("invalid checkpoint ratio %d/%d",
			o.CheckpointNumerator, o.CheckpointDenominator)
	}
	return nil
}

// DB is the storage engine write path.
type DB struct {
	dir  string
	opts *Options

	state int32

	head *head.Head
	wal  *wal.WAL

	// compactMtx serializes head compaction and the WAL truncation that
	// follows it. Ingestion never takes it.
	compactMtx sync.Mutex

	stopc chan struct{}
	wg    sync.WaitGroup
}

// Open recovers the database under dir and readies it for ingestion: it
// loads the newest checkpoint if one exists, replays all WAL segments at or
// above the checkpoint boundary, opens a fresh segment for appends, and
// starts the background compaction loop.
func Open(dir string, opts *Options) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.WALSegmentSize <= 0 {
		opts.WALSegmentSize = wal.DefaultSegmentSize
	}
	if opts.CheckpointNumerator == 0 && opts.CheckpointDenominator == 0 {
		opts.CheckpointNumerator, opts.CheckpointDenominator = 2, 3
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dir, "wal"), 0o750); err != nil {
		return nil, errors.Wrap(err, "create db dirs")
	}

	db := &DB{
		dir:   dir,
		opts:  opts,
		head:  head.New(opts.ChunkRange, opts.MinChunkSamples),
		stopc: make(chan struct{}),
	}
	db.setState(Idle)

	start := time.Now()
	if err := db.recover(); err != nil {
		return nil, err
	}

	w, err := wal.Open(db.walDir(), wal.Options{
		SegmentSize: opts.WALSegmentSize,
		SyncOnLog:   opts.SyncOnLog,
		Instrument:  true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open wal")
	}
	db.wal = w
	db.head.SetWAL(w)
	db.setState(Ready)
	metrics.StartupTime.Set(time.Since(start).Seconds())

	if opts.CompactInterval > 0 {
		db.wg.Add(1)
		go db.run()
	}
	return db, nil
}

func (db *DB) walDir() string { return filepath.Join(db.dir, "wal") }

func (db *DB) setState(s State) {
	atomic.StoreInt32(&db.state, int32(s))
	log.Debug("db: state %s", s)
}

// State returns the current lifecycle state.
func (db *DB) State() State {
	return State(atomic.LoadInt32(&db.state))
}

// Head exposes the head buffer to the query layer.
func (db *DB) Head() *head.Head { return db.head }

// Wal exposes the live log for maintenance tooling.
func (db *DB) Wal() *wal.WAL { return db.wal }

// Appender returns the single logical append path. Callers must not use
// more than one appender concurrently.
func (db *DB) Appender() *head.Appender { return db.head.Appender() }

// Blocks returns the published persistent block directories.
func (db *DB) Blocks() ([]string, error) { return block.List(db.dir) }

func (db *DB) run() {
	defer db.wg.Done()
	ticker := time.NewTicker(db.opts.CompactInterval)
	defer ticker.Stop()
	for {
		select {
		case <-db.stopc:
			return
		case <-ticker.C:
			// Background failures are operator-visible but must never take
			// down the ingestion path.
			if err := db.Compact(); err != nil {
				metrics.CompactionsTotal.WithLabelValues("error").Inc()
				log.Error("db: background compaction failed: %v", err)
			}
		}
	}
}

// Compact flushes the compactable part of the head into persistent blocks,
// truncates the head, and folds the WAL behind the new minimum retained
// time into a checkpoint. At most one compaction runs at a time; ingestion
// into the newer head range proceeds concurrently.
func (db *DB) Compact() error {
	db.compactMtx.Lock()
	defer db.compactMtx.Unlock()

	h := db.head
	if !h.Compactable() {
		return nil
	}
	if h.NumSamples() < uint64(db.opts.MinChunkSamples) {
		log.Debug("db: compaction skipped, %d samples below chunk minimum", h.NumSamples())
		return nil
	}

	start := time.Now()
	r := db.opts.ChunkRange
	mint := h.MinTime()
	// Flush only whole chunk windows that end at least half a range behind
	// the newest sample, so in-flight appends are never cut mid-chunk.
	flushMax := rangeFloor(h.MaxTime()-r/2, r)
	if flushMax <= mint {
		return nil
	}

	written := 0
	for wstart := rangeFloor(mint, r); wstart < flushMax; wstart += r {
		wmin, wmax := wstart, wstart+r
		if wmin < mint {
			wmin = mint
		}
		if wmax > flushMax {
			wmax = flushMax
		}
		series := flushSet(h.Flushable(wmin, wmax))
		if len(series) == 0 {
			continue
		}
		if _, err := block.Write(db.dir, wmin, wmax, series); err != nil {
			return errors.Wrapf(err, "write block [%d, %d)", wmin, wmax)
		}
		written++
	}

	// The blocks are fsync-durable; only now may head data and WAL history
	// behind flushMax be destroyed.
	h.Truncate(flushMax)
	if err := db.truncateWAL(flushMax); err != nil {
		return errors.Wrap(err, "truncate wal")
	}

	metrics.CompactionsTotal.WithLabelValues("success").Inc()
	metrics.CompactionDuration.Observe(time.Since(start).Seconds())
	log.Info("db: compacted head below %d into %d block(s) in %s", flushMax, written, time.Since(start))
	return nil
}

// truncateWAL folds the oldest sealed segments into a checkpoint and
// deletes them. With eligible segments [first, last-1] (the open segment is
// never considered), the boundary lands a configured fraction of the way
// through; too few eligible segments make the whole thing a no-op, since
// checkpointing a near-empty log wastes I/O.
func (db *DB) truncateWAL(mint int64) error {
	first, _, err := db.wal.Segments()
	if err != nil {
		if _, ok := err.(wal.EmptyLogError); ok {
			return nil
		}
		return err
	}
	last := db.wal.ActiveSegment() - 1
	if last <= first {
		return nil
	}
	boundary := first + (last-first)*db.opts.CheckpointNumerator/db.opts.CheckpointDenominator
	if boundary <= first {
		return nil
	}

	keep := func(ref uint64) bool { return db.head.HasSeries(ref) }
	if _, err := wal.Checkpoint(db.wal, first, boundary, keep, mint); err != nil {
		return errors.Wrap(err, "create checkpoint")
	}
	// Deletion strictly after the checkpoint is durable: a crash here is
	// recovered by replaying the checkpoint/segment overlap.
	if err := db.wal.Truncate(boundary); err != nil {
		return errors.Wrap(err, "delete checkpointed segments")
	}
	if err := wal.DeleteCheckpoints(db.walDir(), boundary); err != nil {
		return errors.Wrap(err, "delete superseded checkpoints")
	}
	return nil
}

// Close stops the background loop and seals the WAL.
func (db *DB) Close() error {
	close(db.stopc)
	db.wg.Wait()
	return db.wal.Close()
}

func flushSet(series []head.SeriesData) []block.FlushSeries {
	out := make([]block.FlushSeries, 0, len(series))
	for _, s := range series {
		fs := block.FlushSeries{Ref: s.Ref, Labels: s.Labels, Samples: make([]block.Sample, 0, len(s.Samples))}
		for _, smpl := range s.Samples {
			fs.Samples = append(fs.Samples, block.Sample{T: smpl.T, V: smpl.V})
		}
		out = append(out, fs)
	}
	return out
}

// rangeFloor aligns t down to a multiple of width, correctly for negatives.
func rangeFloor(t, width int64) int64 {
	f := t / width * width
	if t < 0 && t%width != 0 {
		f -= width
	}
	return f
}
