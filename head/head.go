// Package head holds the in-memory mutable window of the most recent, not
// yet persisted samples. Exactly one logical writer appends to it; readers
// and the background compactor see only closed-over snapshots of its time
// boundaries.
package head

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/emberdb/ember/labels"
	"github.com/emberdb/ember/metrics"
	"github.com/emberdb/ember/wal"
)

// ErrNotFound is returned for operations against an unknown series ref.
var ErrNotFound = errors.New("series not found")

// WAL is the durability sink for committed appends.
type WAL interface {
	Log(recs ...[]byte) (uint64, error)
}

// Head is the mutable head buffer.
type Head struct {
	chunkRange      int64
	minChunkSamples int

	wal WAL

	mtx        sync.RWMutex
	series     map[uint64]*MemSeries
	hashes     map[uint64][]*MemSeries
	tombstones map[uint64][]wal.Tombstone
	metadata   map[uint64]wal.RefMetadata
	exemplars  map[uint64]wal.RefExemplar

	// pending holds series created in memory whose definitions have not yet
	// been durably logged. They ride along with the next successful commit.
	pending map[uint64]wal.RefSeries

	lastRef    uint64
	minTime    int64
	maxTime    int64
	numSamples uint64
}

// New returns an empty head buffer. chunkRange is the persistence chunk
// width in the same unit as sample timestamps (milliseconds by convention);
// minChunkSamples is the smallest flush worth doing.
func New(chunkRange int64, minChunkSamples int) *Head {
	return &Head{
		chunkRange:      chunkRange,
		minChunkSamples: minChunkSamples,
		series:          map[uint64]*MemSeries{},
		hashes:          map[uint64][]*MemSeries{},
		tombstones:      map[uint64][]wal.Tombstone{},
		metadata:        map[uint64]wal.RefMetadata{},
		exemplars:       map[uint64]wal.RefExemplar{},
		pending:         map[uint64]wal.RefSeries{},
		minTime:         math.MaxInt64,
		maxTime:         math.MinInt64,
	}
}

// SetWAL attaches the durability sink. Recovery replays into a WAL-less head
// first and attaches the live log once the replayed state is rebuilt.
func (h *Head) SetWAL(w WAL) { h.wal = w }

// ChunkRange returns the configured persistence chunk width.
func (h *Head) ChunkRange() int64 { return h.chunkRange }

// MinTime returns the timestamp of the oldest buffered sample.
func (h *Head) MinTime() int64 { return atomic.LoadInt64(&h.minTime) }

// MaxTime returns the timestamp of the newest buffered sample.
func (h *Head) MaxTime() int64 { return atomic.LoadInt64(&h.maxTime) }

// NumSamples returns the number of buffered samples.
func (h *Head) NumSamples() uint64 { return atomic.LoadUint64(&h.numSamples) }

// NumSeries returns the number of series definitions held.
func (h *Head) NumSeries() int {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	return len(h.series)
}

// HasSeries reports whether the given ref identifies a live series.
func (h *Head) HasSeries(ref uint64) bool {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	_, ok := h.series[ref]
	return ok
}

// Compactable reports whether the buffered time range has outgrown 1.5x the
// chunk range. The half-range headroom keeps in-flight appends from being
// force-flushed mid-chunk; the comparison is strict, so exactly 1.5x is not
// yet compactable.
func (h *Head) Compactable() bool {
	mint, maxt := h.MinTime(), h.MaxTime()
	if mint > maxt {
		return false
	}
	return maxt-mint > h.chunkRange+h.chunkRange/2
}

// MinChunkSamples returns the smallest sample count worth flushing.
func (h *Head) MinChunkSamples() int { return h.minChunkSamples }

func (h *Head) getOrCreate(lset labels.Labels) (*MemSeries, bool) {
	hash := lset.Hash()

	h.mtx.RLock()
	for _, s := range h.hashes[hash] {
		if labels.Equal(s.lset, lset) {
			h.mtx.RUnlock()
			return s, false
		}
	}
	h.mtx.RUnlock()

	h.mtx.Lock()
	defer h.mtx.Unlock()
	for _, s := range h.hashes[hash] {
		if labels.Equal(s.lset, lset) {
			return s, false
		}
	}
	h.lastRef++
	s := newMemSeries(h.lastRef, lset.Copy())
	h.series[s.ref] = s
	h.hashes[hash] = append(h.hashes[hash], s)
	h.pending[s.ref] = wal.RefSeries{Ref: s.ref, Labels: s.lset}
	metrics.HeadSeries.Set(float64(len(h.series)))
	return s, true
}

func (h *Head) seriesByRef(ref uint64) *MemSeries {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	return h.series[ref]
}

// takePending removes and returns the series definitions awaiting their
// first durable log entry, sorted by ref.
func (h *Head) takePending() []wal.RefSeries {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if len(h.pending) == 0 {
		return nil
	}
	out := make([]wal.RefSeries, 0, len(h.pending))
	for _, s := range h.pending {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	h.pending = map[uint64]wal.RefSeries{}
	return out
}

func (h *Head) restorePending(series []wal.RefSeries) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	for _, s := range series {
		h.pending[s.Ref] = s
	}
}

func (h *Head) updateTimeRange(t int64) {
	for {
		mint := atomic.LoadInt64(&h.minTime)
		if t >= mint || atomic.CompareAndSwapInt64(&h.minTime, mint, t) {
			break
		}
	}
	for {
		maxt := atomic.LoadInt64(&h.maxTime)
		if t <= maxt || atomic.CompareAndSwapInt64(&h.maxTime, maxt, t) {
			break
		}
	}
}

// Truncate removes all buffered samples strictly below mint, along with
// tombstones and exemplars that end before it. Series definitions stay even
// when emptied; they are live until tombstoned and new samples may arrive
// for them at any time.
func (h *Head) Truncate(mint int64) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	var removed uint64
	for _, s := range h.series {
		removed += uint64(s.truncate(mint))
	}
	atomic.AddUint64(&h.numSamples, ^(removed - 1))

	for ref, stones := range h.tombstones {
		kept := stones[:0]
		for _, st := range stones {
			if st.MaxTime >= mint {
				kept = append(kept, st)
			}
		}
		if len(kept) == 0 {
			delete(h.tombstones, ref)
			continue
		}
		h.tombstones[ref] = kept
	}
	for ref, ex := range h.exemplars {
		if ex.T < mint {
			delete(h.exemplars, ref)
		}
	}

	if atomic.LoadInt64(&h.maxTime) < mint {
		atomic.StoreInt64(&h.minTime, math.MaxInt64)
		atomic.StoreInt64(&h.maxTime, math.MinInt64)
		return
	}
	if atomic.LoadInt64(&h.minTime) < mint {
		atomic.StoreInt64(&h.minTime, mint)
	}
}

func (h *Head) isDeletedLocked(ref uint64, t int64) bool {
	for _, st := range h.tombstones[ref] {
		if t >= st.MinTime && t <= st.MaxTime {
			return true
		}
	}
	return false
}

// SeriesData is the flushable snapshot of one series within a time window.
type SeriesData struct {
	Ref     uint64
	Labels  labels.Labels
	Samples []Sample
}

// Flushable returns per-series copies of all samples in [mint, maxt),
// excluding tombstoned intervals, sorted by label set for deterministic
// block contents. The copies are safe to persist while ingestion keeps
// appending to the newer head range.
func (h *Head) Flushable(mint, maxt int64) []SeriesData {
	h.mtx.RLock()
	defer h.mtx.RUnlock()

	var out []SeriesData
	for _, s := range h.series {
		samples := s.samplesBetween(mint, maxt)
		if len(samples) == 0 {
			continue
		}
		if len(h.tombstones[s.ref]) > 0 {
			kept := samples[:0]
			for _, smpl := range samples {
				if !h.isDeletedLocked(s.ref, smpl.T) {
					kept = append(kept, smpl)
				}
			}
			samples = kept
		}
		if len(samples) == 0 {
			continue
		}
		out = append(out, SeriesData{Ref: s.ref, Labels: s.lset, Samples: samples})
	}
	sort.Slice(out, func(i, j int) bool { return labels.Compare(out[i].Labels, out[j].Labels) < 0 })
	return out
}

// Metadata returns the latest metadata recorded for the series, if any.
func (h *Head) Metadata(ref uint64) (wal.RefMetadata, bool) {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	m, ok := h.metadata[ref]
	return m, ok
}

// Appender returns an appender for the single logical write path. Appends
// are staged and become durable and visible on Commit.
func (h *Head) Appender() *Appender {
	return &Appender{head: h}
}

// Appender stages samples, tombstones, exemplars and metadata, writes them
// to the WAL on Commit and only then applies them to the head buffer.
type Appender struct {
	head *Head

	samples    []wal.RefSample
	histograms []wal.RefHistogram
	stones     []wal.Tombstone
	exemplars  []wal.RefExemplar
	metadata   []wal.RefMetadata
}

// Add stages a sample, creating the series on first use, and returns the
// series ref for fast follow-up appends.
func (a *Appender) Add(lset labels.Labels, t int64, v float64) (uint64, error) {
	s, _ := a.head.getOrCreate(lset)
	return s.ref, a.AddFast(s.ref, t, v)
}

// AddFast stages a sample for a known series ref.
func (a *Appender) AddFast(ref uint64, t int64, v float64) error {
	if a.head.seriesByRef(ref) == nil {
		return errors.Wrapf(ErrNotFound, "append to series %d", ref)
	}
	a.samples = append(a.samples, wal.RefSample{Ref: ref, T: t, V: v})
	return nil
}

// AddHistogram stages a histogram observation, creating the series on first
// use.
func (a *Appender) AddHistogram(lset labels.Labels, hist wal.RefHistogram) (uint64, error) {
	s, _ := a.head.getOrCreate(lset)
	hist.Ref = s.ref
	a.histograms = append(a.histograms, hist)
	return s.ref, nil
}

// Delete stages a tombstone over [mint, maxt] for the series. The series is
// logically deleted in that interval but its definition is never removed.
func (a *Appender) Delete(ref uint64, mint, maxt int64) error {
	if a.head.seriesByRef(ref) == nil {
		return errors.Wrapf(ErrNotFound, "delete series %d", ref)
	}
	a.stones = append(a.stones, wal.Tombstone{Ref: ref, MinTime: mint, MaxTime: maxt})
	return nil
}

// AddExemplar stages an exemplar for a known series ref.
func (a *Appender) AddExemplar(ref uint64, t int64, v float64, lset labels.Labels) error {
	if a.head.seriesByRef(ref) == nil {
		return errors.Wrapf(ErrNotFound, "exemplar for series %d", ref)
	}
	a.exemplars = append(a.exemplars, wal.RefExemplar{Ref: ref, T: t, V: v, Labels: lset})
	return nil
}

// SetMetadata stages metadata for a known series ref.
func (a *Appender) SetMetadata(ref uint64, typ, unit, help string) error {
	if a.head.seriesByRef(ref) == nil {
		return errors.Wrapf(ErrNotFound, "metadata for series %d", ref)
	}
	a.metadata = append(a.metadata, wal.RefMetadata{Ref: ref, Type: typ, Unit: unit, Help: help})
	return nil
}

// Commit writes the staged records to the WAL and, once they are durable,
// applies them to the head buffer. A WAL error aborts the commit: nothing is
// acknowledged, pending series definitions are kept for the next attempt,
// and the error must be treated as fatal for durability, since a partial
// frame may already sit in the open segment.
func (a *Appender) Commit() error {
	var (
		enc  wal.Encoder
		recs [][]byte
	)
	newSeries := a.head.takePending()
	if len(newSeries) > 0 {
		recs = append(recs, enc.Series(newSeries, nil))
	}
	if len(a.samples) > 0 {
		recs = append(recs, enc.Samples(a.samples, nil))
	}
	if len(a.histograms) > 0 {
		recs = append(recs, enc.Histograms(a.histograms, nil))
	}
	if len(a.exemplars) > 0 {
		recs = append(recs, enc.Exemplars(a.exemplars, nil))
	}
	if len(a.stones) > 0 {
		recs = append(recs, enc.Tombstones(a.stones, nil))
	}
	if len(a.metadata) > 0 {
		recs = append(recs, enc.Metadata(a.metadata, nil))
	}
	if len(recs) > 0 && a.head.wal != nil {
		if _, err := a.head.wal.Log(recs...); err != nil {
			a.head.restorePending(newSeries)
			return errors.Wrap(err, "wal log")
		}
	}

	h := a.head
	var appended uint64
	for _, smpl := range a.samples {
		s := h.seriesByRef(smpl.Ref)
		if s == nil {
			continue
		}
		if s.append(smpl.T, smpl.V) {
			appended++
			h.updateTimeRange(smpl.T)
		}
	}
	for _, hist := range a.histograms {
		h.updateTimeRange(hist.T)
	}
	h.mtx.Lock()
	for _, st := range a.stones {
		h.tombstones[st.Ref] = append(h.tombstones[st.Ref], st)
	}
	for _, ex := range a.exemplars {
		h.exemplars[ex.Ref] = ex
	}
	for _, m := range a.metadata {
		h.metadata[m.Ref] = m
	}
	h.mtx.Unlock()

	atomic.AddUint64(&h.numSamples, appended)
	metrics.HeadSamplesAppendedTotal.Add(float64(appended))

	return a.Rollback()
}

// Rollback discards the staged records. Series created while staging stay
// defined and pending; their definitions ride along with the next commit.
func (a *Appender) Rollback() error {
	a.samples = nil
	a.histograms = nil
	a.stones = nil
	a.exemplars = nil
	a.metadata = nil
	return nil
}
