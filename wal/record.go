package wal

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/emberdb/ember/labels"
)

// RecordType identifies the kind of a WAL record. The set is closed: every
// record starts with exactly one of these tag bytes and each kind has one
// encoder/decoder pair below.
type RecordType uint8

const (
	// RecordInvalid is never written. A zero tag on disk means torn data.
	RecordInvalid RecordType = iota
	RecordSeries
	RecordSamples
	RecordHistograms
	RecordTombstones
	RecordExemplars
	RecordMetadata
)

func (t RecordType) String() string {
	switch t {
	case RecordSeries:
		return "series"
	case RecordSamples:
		return "samples"
	case RecordHistograms:
		return "histograms"
	case RecordTombstones:
		return "tombstones"
	case RecordExemplars:
		return "exemplars"
	case RecordMetadata:
		return "metadata"
	default:
		return "invalid"
	}
}

// RefSeries binds a series reference to its label set.
type RefSeries struct {
	Ref    uint64
	Labels labels.Labels
}

// RefSample is a single float sample for a referenced series.
type RefSample struct {
	Ref uint64
	T   int64
	V   float64
}

// HistogramBucket is one cumulative bucket of a histogram sample.
type HistogramBucket struct {
	UpperBound float64
	Count      uint64
}

// RefHistogram is a histogram observation for a referenced series.
type RefHistogram struct {
	Ref     uint64
	T       int64
	Count   uint64
	Sum     float64
	Buckets []HistogramBucket
}

// Tombstone marks an interval of a series as logically deleted.
type Tombstone struct {
	Ref     uint64
	MinTime int64
	MaxTime int64
}

// RefExemplar is an exemplar observation attached to a referenced series.
type RefExemplar struct {
	Ref    uint64
	T      int64
	V      float64
	Labels labels.Labels
}

// RefMetadata carries the latest metadata known for a referenced series.
type RefMetadata struct {
	Ref  uint64
	Type string
	Unit string
	Help string
}

var errInvalidRecord = errors.New("invalid record")

// Encoder serializes records into the tagged wire format.
type Encoder struct{}

// Series appends an encoded series record to b and returns the result.
func (Encoder) Series(series []RefSeries, b []byte) []byte {
	e := encbuf{b: b}
	e.putByte(byte(RecordSeries))
	for _, s := range series {
		e.putUvarint64(s.Ref)
		e.putUvarint(len(s.Labels))
		for _, l := range s.Labels {
			e.putUvarintStr(l.Name)
			e.putUvarintStr(l.Value)
		}
	}
	return e.b
}

// Samples appends an encoded samples record to b and returns the result.
func (Encoder) Samples(samples []RefSample, b []byte) []byte {
	e := encbuf{b: b}
	e.putByte(byte(RecordSamples))
	for _, s := range samples {
		e.putUvarint64(s.Ref)
		e.putVarint64(s.T)
		e.putBE64(math.Float64bits(s.V))
	}
	return e.b
}

// Histograms appends an encoded histograms record to b and returns the result.
func (Encoder) Histograms(hists []RefHistogram, b []byte) []byte {
	e := encbuf{b: b}
	e.putByte(byte(RecordHistograms))
	for _, h := range hists {
		e.putUvarint64(h.Ref)
		e.putVarint64(h.T)
		e.putUvarint64(h.Count)
		e.putBE64(math.Float64bits(h.Sum))
		e.putUvarint(len(h.Buckets))
		for _, bkt := range h.Buckets {
			e.putBE64(math.Float64bits(bkt.UpperBound))
			e.putUvarint64(bkt.Count)
		}
	}
	return e.b
}

// Tombstones appends an encoded tombstones record to b and returns the result.
func (Encoder) Tombstones(stones []Tombstone, b []byte) []byte {
	e := encbuf{b: b}
	e.putByte(byte(RecordTombstones))
	for _, s := range stones {
		e.putUvarint64(s.Ref)
		e.putVarint64(s.MinTime)
		e.putVarint64(s.MaxTime)
	}
	return e.b
}

// Exemplars appends an encoded exemplars record to b and returns the result.
func (Encoder) Exemplars(exemplars []RefExemplar, b []byte) []byte {
	e := encbuf{b: b}
	e.putByte(byte(RecordExemplars))
	for _, ex := range exemplars {
		e.putUvarint64(ex.Ref)
		e.putVarint64(ex.T)
		e.putBE64(math.Float64bits(ex.V))
		e.putUvarint(len(ex.Labels))
		for _, l := range ex.Labels {
			e.putUvarintStr(l.Name)
			e.putUvarintStr(l.Value)
		}
	}
	return e.b
}

// Metadata appends an encoded metadata record to b and returns the result.
func (Encoder) Metadata(meta []RefMetadata, b []byte) []byte {
	e := encbuf{b: b}
	e.putByte(byte(RecordMetadata))
	for _, m := range meta {
		e.putUvarint64(m.Ref)
		e.putUvarintStr(m.Type)
		e.putUvarintStr(m.Unit)
		e.putUvarintStr(m.Help)
	}
	return e.b
}

// Decoder deserializes records from the tagged wire format.
type Decoder struct{}

// Type returns the tag of an encoded record, or RecordInvalid if the record
// is empty or carries an unknown tag.
func (Decoder) Type(rec []byte) RecordType {
	if len(rec) == 0 {
		return RecordInvalid
	}
	switch t := RecordType(rec[0]); t {
	case RecordSeries, RecordSamples, RecordHistograms, RecordTombstones, RecordExemplars, RecordMetadata:
		return t
	}
	return RecordInvalid
}

// Series decodes a series record.
func (Decoder) Series(rec []byte) ([]RefSeries, error) {
	d := decbuf{b: rec}
	if RecordType(d.byte()) != RecordSeries {
		return nil, errors.Wrap(errInvalidRecord, "series record")
	}
	var series []RefSeries
	for d.len() > 0 && d.err == nil {
		ref := d.uvarint64()
		n := d.uvarint()
		lset := make(labels.Labels, 0, n)
		for i := 0; i < n; i++ {
			name := d.uvarintStr()
			value := d.uvarintStr()
			lset = append(lset, labels.Label{Name: name, Value: value})
		}
		if d.err != nil {
			break
		}
		series = append(series, RefSeries{Ref: ref, Labels: lset})
	}
	if d.err != nil {
		return nil, errors.Wrap(d.err, "series record")
	}
	return series, nil
}

// Samples decodes a samples record.
func (Decoder) Samples(rec []byte) ([]RefSample, error) {
	d := decbuf{b: rec}
	if RecordType(d.byte()) != RecordSamples {
		return nil, errors.Wrap(errInvalidRecord, "samples record")
	}
	var samples []RefSample
	for d.len() > 0 && d.err == nil {
		ref := d.uvarint64()
		t := d.varint64()
		v := math.Float64frombits(d.be64())
		if d.err != nil {
			break
		}
		samples = append(samples, RefSample{Ref: ref, T: t, V: v})
	}
	if d.err != nil {
		return nil, errors.Wrap(d.err, "samples record")
	}
	return samples, nil
}

// Histograms decodes a histograms record.
func (Decoder) Histograms(rec []byte) ([]RefHistogram, error) {
	d := decbuf{b: rec}
	if RecordType(d.byte()) != RecordHistograms {
		return nil, errors.Wrap(errInvalidRecord, "histograms record")
	}
	var hists []RefHistogram
	for d.len() > 0 && d.err == nil {
		h := RefHistogram{
			Ref:   d.uvarint64(),
			T:     d.varint64(),
			Count: d.uvarint64(),
			Sum:   math.Float64frombits(d.be64()),
		}
		n := d.uvarint()
		h.Buckets = make([]HistogramBucket, 0, n)
		for i := 0; i < n; i++ {
			ub := math.Float64frombits(d.be64())
			cnt := d.uvarint64()
			h.Buckets = append(h.Buckets, HistogramBucket{UpperBound: ub, Count: cnt})
		}
		if d.err != nil {
			break
		}
		hists = append(hists, h)
	}
	if d.err != nil {
		return nil, errors.Wrap(d.err, "histograms record")
	}
	return hists, nil
}

// Tombstones decodes a tombstones record.
func (Decoder) Tombstones(rec []byte) ([]Tombstone, error) {
	d := decbuf{b: rec}
	if RecordType(d.byte()) != RecordTombstones {
		return nil, errors.Wrap(errInvalidRecord, "tombstones record")
	}
	var stones []Tombstone
	for d.len() > 0 && d.err == nil {
		s := Tombstone{
			Ref:     d.uvarint64(),
			MinTime: d.varint64(),
			MaxTime: d.varint64(),
		}
		if d.err != nil {
			break
		}
		stones = append(stones, s)
	}
	if d.err != nil {
		return nil, errors.Wrap(d.err, "tombstones record")
	}
	return stones, nil
}

// Exemplars decodes an exemplars record.
func (Decoder) Exemplars(rec []byte) ([]RefExemplar, error) {
	d := decbuf{b: rec}
	if RecordType(d.byte()) != RecordExemplars {
		return nil, errors.Wrap(errInvalidRecord, "exemplars record")
	}
	var exemplars []RefExemplar
	for d.len() > 0 && d.err == nil {
		ex := RefExemplar{
			Ref: d.uvarint64(),
			T:   d.varint64(),
			V:   math.Float64frombits(d.be64()),
		}
		n := d.uvarint()
		ex.Labels = make(labels.Labels, 0, n)
		for i := 0; i < n; i++ {
			name := d.uvarintStr()
			value := d.uvarintStr()
			ex.Labels = append(ex.Labels, labels.Label{Name: name, Value: value})
		}
		if d.err != nil {
			break
		}
		exemplars = append(exemplars, ex)
	}
	if d.err != nil {
		return nil, errors.Wrap(d.err, "exemplars record")
	}
	return exemplars, nil
}

// Metadata decodes a metadata record.
func (Decoder) Metadata(rec []byte) ([]RefMetadata, error) {
	d := decbuf{b: rec}
	if RecordType(d.byte()) != RecordMetadata {
		return nil, errors.Wrap(errInvalidRecord, "metadata record")
	}
	var meta []RefMetadata
	for d.len() > 0 && d.err == nil {
		m := RefMetadata{
			Ref:  d.uvarint64(),
			Type: d.uvarintStr(),
			Unit: d.uvarintStr(),
			Help: d.uvarintStr(),
		}
		if d.err != nil {
			break
		}
		meta = append(meta, m)
	}
	if d.err != nil {
		return nil, errors.Wrap(d.err, "metadata record")
	}
	return meta, nil
}

// encbuf is a helper for populating a byte slice with various types.
type encbuf struct {
	b []byte
	c [binary.MaxVarintLen64]byte
}

func (e *encbuf) putByte(c byte) { e.b = append(e.b, c) }

func (e *encbuf) putBE64(x uint64) {
	binary.BigEndian.PutUint64(e.c[:8], x)
	e.b = append(e.b, e.c[:8]...)
}

func (e *encbuf) putUvarint64(x uint64) {
	n := binary.PutUvarint(e.c[:], x)
	e.b = append(e.b, e.c[:n]...)
}

func (e *encbuf) putVarint64(x int64) {
	n := binary.PutVarint(e.c[:], x)
	e.b = append(e.b, e.c[:n]...)
}

func (e *encbuf) putUvarint(x int) { e.putUvarint64(uint64(x)) }

func (e *encbuf) putUvarintStr(s string) {
	e.putUvarint(len(s))
	e.b = append(e.b, s...)
}

// decbuf is the counterpart of encbuf. The first decoding error sticks and
// short-circuits all further reads.
type decbuf struct {
	b   []byte
	err error
}

func (d *decbuf) len() int { return len(d.b) }

func (d *decbuf) byte() byte {
	if d.err != nil {
		return 0
	}
	if len(d.b) < 1 {
		d.err = errInvalidRecord
		return 0
	}
	c := d.b[0]
	d.b = d.b[1:]
	return c
}

func (d *decbuf) be64() uint64 {
	if d.err != nil {
		return 0
	}
	if len(d.b) < 8 {
		d.err = errInvalidRecord
		return 0
	}
	x := binary.BigEndian.Uint64(d.b)
	d.b = d.b[8:]
	return x
}

func (d *decbuf) uvarint64() uint64 {
	if d.err != nil {
		return 0
	}
	x, n := binary.Uvarint(d.b)
	if n < 1 {
		d.err = errInvalidRecord
		return 0
	}
	d.b = d.b[n:]
	return x
}

func (d *decbuf) varint64() int64 {
	if d.err != nil {
		return 0
	}
	x, n := binary.Varint(d.b)
	if n < 1 {
		d.err = errInvalidRecord
		return 0
	}
	d.b = d.b[n:]
	return x
}

func (d *decbuf) uvarint() int { return int(d.uvarint64()) }

func (d *decbuf) uvarintStr() string {
	l := d.uvarint()
	if d.err != nil {
		return ""
	}
	if l < 0 || len(d.b) < l {
		d.err = errInvalidRecord
		return ""
	}
	s := string(d.b[:l])
	d.b = d.b[l:]
	return s
}
