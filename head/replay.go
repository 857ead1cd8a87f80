package head

import (
	"sync/atomic"

	"github.com/emberdb/ember/labels"
	"github.com/emberdb/ember/metrics"
	"github.com/emberdb/ember/wal"
)

// The Process* methods apply decoded WAL/checkpoint records to rebuild the
// head during recovery. They bypass the appender: the records are already
// durable, so nothing is re-logged and series are not marked pending.

// ProcessSeries recreates series under their original refs. Records already
// applied (checkpoint/segment overlap) are no-ops.
func (h *Head) ProcessSeries(series []wal.RefSeries) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	for _, rs := range series {
		if _, ok := h.series[rs.Ref]; ok {
			continue
		}
		s := newMemSeries(rs.Ref, rs.Labels.Copy())
		h.series[rs.Ref] = s
		h.hashes[rs.Labels.Hash()] = append(h.hashes[rs.Labels.Hash()], s)
		if rs.Ref > h.lastRef {
			h.lastRef = rs.Ref
		}
	}
	metrics.HeadSeries.Set(float64(len(h.series)))
}

// ProcessSamples re-applies samples and returns how many referenced an
// unknown series. Unknown refs are expected when a checkpoint dropped a dead
// series whose samples still sit in retained segments; they are skipped, not
// fatal. Duplicate samples from replaying the checkpoint/segment overlap are
// rejected by the per-series append.
func (h *Head) ProcessSamples(samples []wal.RefSample) (unknown int) {
	var appended uint64
	for _, smpl := range samples {
		s := h.seriesByRef(smpl.Ref)
		if s == nil {
			unknown++
			continue
		}
		if s.append(smpl.T, smpl.V) {
			appended++
			h.updateTimeRange(smpl.T)
		}
	}
	atomic.AddUint64(&h.numSamples, appended)
	return unknown
}

// ProcessHistograms re-applies histogram observations to the head's time
// range accounting.
func (h *Head) ProcessHistograms(hists []wal.RefHistogram) (unknown int) {
	for _, hist := range hists {
		if h.seriesByRef(hist.Ref) == nil {
			unknown++
			continue
		}
		h.updateTimeRange(hist.T)
	}
	return unknown
}

// ProcessTombstones re-applies logical deletions.
func (h *Head) ProcessTombstones(stones []wal.Tombstone) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	for _, st := range stones {
		h.tombstones[st.Ref] = append(h.tombstones[st.Ref], st)
	}
}

// ProcessExemplars re-applies exemplars, keeping the latest per series.
func (h *Head) ProcessExemplars(exemplars []wal.RefExemplar) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	for _, ex := range exemplars {
		if cur, ok := h.exemplars[ex.Ref]; !ok || ex.T >= cur.T {
			h.exemplars[ex.Ref] = ex
		}
	}
}

// ProcessMetadata re-applies metadata, keeping the latest per series.
func (h *Head) ProcessMetadata(meta []wal.RefMetadata) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	for _, m := range meta {
		h.metadata[m.Ref] = m
	}
}

// SeriesLabels returns the label set for a ref, or nil if unknown.
func (h *Head) SeriesLabels(ref uint64) labels.Labels {
	s := h.seriesByRef(ref)
	if s == nil {
		return nil
	}
	return s.lset
}
