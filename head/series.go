package head

import (
	"math"
	"sync"

	"github.com/emberdb/ember/labels"
)

const samplesPerChunk = 120

// Sample is one timestamped value.
type Sample struct {
	T int64
	V float64
}

// MemSeries is the in-memory state of one series. Appends come from the
// single writer; readers take the lock and only ever see data that is not
// mutated in place, since chunks grow by append and are dropped whole.
type MemSeries struct {
	mtx sync.RWMutex

	ref  uint64
	lset labels.Labels

	chunks []*memChunk
}

type memChunk struct {
	minTime int64
	maxTime int64
	samples []Sample
}

func newMemSeries(ref uint64, lset labels.Labels) *MemSeries {
	return &MemSeries{ref: ref, lset: lset}
}

// Ref returns the stable internal reference of the series.
func (s *MemSeries) Ref() uint64 { return s.ref }

// Labels returns the label set of the series.
func (s *MemSeries) Labels() labels.Labels { return s.lset }

func (s *MemSeries) cut(mint int64) *memChunk {
	c := &memChunk{
		minTime: mint,
		maxTime: math.MinInt64,
		samples: make([]Sample, 0, samplesPerChunk),
	}
	s.chunks = append(s.chunks, c)
	return c
}

func (s *MemSeries) head() *memChunk {
	if len(s.chunks) == 0 {
		return nil
	}
	return s.chunks[len(s.chunks)-1]
}

// append adds a sample and reports whether it was accepted. Samples at or
// before the series' max time are rejected, which also deduplicates
// re-applied records when recovery replays a checkpoint/segment overlap.
func (s *MemSeries) append(t int64, v float64) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	c := s.head()
	if c == nil {
		c = s.cut(t)
	}
	if len(c.samples) > 0 && t <= c.maxTime {
		return false
	}
	if len(c.samples) >= samplesPerChunk {
		c = s.cut(t)
	}
	c.samples = append(c.samples, Sample{T: t, V: v})
	c.maxTime = t
	return true
}

func (s *MemSeries) minTime() int64 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if len(s.chunks) == 0 {
		return math.MaxInt64
	}
	return s.chunks[0].minTime
}

func (s *MemSeries) maxTime() int64 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	c := s.head()
	if c == nil || len(c.samples) == 0 {
		return math.MinInt64
	}
	return c.maxTime
}

func (s *MemSeries) numSamples() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	n := 0
	for _, c := range s.chunks {
		n += len(c.samples)
	}
	return n
}

// truncate drops all samples strictly below mint and returns how many were
// removed. Chunks entirely below the cutoff are dropped whole; a chunk
// straddling it is rewritten.
func (s *MemSeries) truncate(mint int64) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	removed := 0
	kept := s.chunks[:0]
	for _, c := range s.chunks {
		switch {
		case c.maxTime < mint:
			removed += len(c.samples)
		case c.minTime >= mint:
			kept = append(kept, c)
		default:
			i := 0
			for i < len(c.samples) && c.samples[i].T < mint {
				i++
			}
			removed += i
			c.samples = c.samples[i:]
			if len(c.samples) == 0 {
				continue
			}
			c.minTime = c.samples[0].T
			kept = append(kept, c)
		}
	}
	for i := len(kept); i < len(s.chunks); i++ {
		s.chunks[i] = nil
	}
	s.chunks = kept
	return removed
}

// samplesBetween returns a copy of the samples in [mint, maxt).
func (s *MemSeries) samplesBetween(mint, maxt int64) []Sample {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var out []Sample
	for _, c := range s.chunks {
		if c.maxTime < mint || c.minTime >= maxt {
			continue
		}
		for _, smpl := range c.samples {
			if smpl.T >= mint && smpl.T < maxt {
				out = append(out, smpl)
			}
		}
	}
	return out
}
