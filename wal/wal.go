// Package wal implements a segmented, append-only write-ahead log of typed,
// checksummed records, plus the checkpoint machinery that folds old segments
// into a consolidated snapshot so they can be deleted.
//
// Segments are files named by a zero-padded, monotonically increasing
// decimal index. Every record in segment N precedes every record in segment
// N+1, so log-sequence order and segment order coincide. A record is framed
// as a 4-byte little-endian payload length, a 4-byte CRC32 (Castagnoli) of
// the payload, and the payload itself, whose first byte is the record tag.
// Records never span segments.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/emberdb/ember/metrics"
	"github.com/emberdb/ember/utils/log"
)

const (
	// DefaultSegmentSize is the rollover threshold for segment files.
	DefaultSegmentSize = 64 * 1024 * 1024

	recordHeaderSize = 8
	// maxRecordSize guards buffer allocation against a garbage length field.
	maxRecordSize = 1 << 28
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// SegmentName builds the filename for a segment index.
func SegmentName(index int) string {
	return fmt.Sprintf("%08d", index)
}

// SegmentPath builds the full path of a segment file.
func SegmentPath(dir string, index int) string {
	return filepath.Join(dir, SegmentName(index))
}

type segmentRef struct {
	index int
	path  string
}

// listSegments returns the segment files in dir in ascending index order.
// Non-numeric entries (checkpoint directories, temp files) are skipped.
func listSegments(dir string) ([]segmentRef, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "list segments")
	}
	var refs []segmentRef
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		index, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		refs = append(refs, segmentRef{index: index, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].index < refs[j].index })
	return refs, nil
}

// Segments returns the lowest and highest retained segment index in dir.
func Segments(dir string) (first, last int, err error) {
	refs, err := listSegments(dir)
	if err != nil {
		return 0, 0, err
	}
	if len(refs) == 0 {
		return 0, 0, EmptyLogError(dir)
	}
	return refs[0].index, refs[len(refs)-1].index, nil
}

// Options configures a WAL.
type Options struct {
	// SegmentSize is the byte size at which the open segment is closed and
	// the next one allocated. Defaults to DefaultSegmentSize.
	SegmentSize int
	// SyncOnLog fsyncs after every Log call. When false, data is fsynced on
	// rollover, Sync and Close only.
	SyncOnLog bool
	// Instrument publishes package metrics for this WAL. Only the primary
	// log of a database should set it; checkpoint-internal logs must not.
	Instrument bool
}

// WAL is a write-ahead log over a directory of segment files. All appends go
// through a single WAL value; it is safe for concurrent use, but the engine
// feeds it from one logical writer.
type WAL struct {
	dir         string
	segmentSize int
	syncOnLog   bool
	instrument  bool

	mtx     sync.Mutex
	f       *os.File
	w       *bufio.Writer
	segment int
	size    int
	lsn     uint64
	closed  bool
}

// Open creates the WAL directory if needed and opens a fresh segment, one
// past the highest retained index, for future appends. Pre-existing segments
// are left untouched; replay them with a Reader before appending.
func Open(dir string, opts Options) (*WAL, error) {
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, "create wal dir")
	}

	w := &WAL{
		dir:         dir,
		segmentSize: opts.SegmentSize,
		syncOnLog:   opts.SyncOnLog,
		instrument:  opts.Instrument,
	}

	refs, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	next := 0
	if len(refs) > 0 {
		next = refs[len(refs)-1].index + 1
	}
	w.lsn = countRecords(dir, refs)

	if err := w.createSegment(next); err != nil {
		return nil, err
	}
	return w, nil
}

// countRecords walks the retained segments to recover the last assigned
// log-sequence number. It stops at the first unreadable record; anything
// beyond it is handled by recovery, not by the writer.
func countRecords(dir string, refs []segmentRef) uint64 {
	if len(refs) == 0 {
		return 0
	}
	r, err := NewSegmentsRangeReader(dir, refs[0].index, refs[len(refs)-1].index, true)
	if err != nil {
		return 0
	}
	defer r.Close()
	var n uint64
	for r.Next() {
		n++
	}
	return n
}

func (w *WAL) createSegment(index int) error {
	f, err := os.OpenFile(SegmentPath(w.dir, index), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return errors.Wrapf(err, "create segment %d", index)
	}
	w.f = f
	w.w = bufio.NewWriterSize(f, 256*1024)
	w.segment = index
	w.size = 0
	if err := fsyncDir(w.dir); err != nil {
		return err
	}
	if w.instrument {
		metrics.WALCurrentSegment.Set(float64(index))
	}
	return nil
}

// Dir returns the WAL directory.
func (w *WAL) Dir() string { return w.dir }

// ActiveSegment returns the index of the segment currently open for appends.
func (w *WAL) ActiveSegment() int {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.segment
}

// LastLSN returns the log-sequence number of the most recent record.
func (w *WAL) LastLSN() uint64 {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.lsn
}

// Log appends the encoded records and returns the log-sequence number of the
// last one. An error means the batch must not be considered committed; the
// caller has to surface it rather than retry blindly, since a partial write
// may already sit in the segment.
func (w *WAL) Log(recs ...[]byte) (uint64, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.closed {
		return 0, errors.New("wal: log to closed WAL")
	}

	for _, rec := range recs {
		if len(rec) > maxRecordSize {
			return 0, errors.Errorf("wal: record of %d bytes exceeds maximum", len(rec))
		}
		frameLen := recordHeaderSize + len(rec)
		if w.size > 0 && w.size+frameLen > w.segmentSize {
			if err := w.rollover(); err != nil {
				return 0, err
			}
		}
		var hdr [recordHeaderSize]byte
		putFrameHeader(hdr[:], rec)
		if _, err := w.w.Write(hdr[:]); err != nil {
			return 0, errors.Wrap(err, "wal: write record header")
		}
		if _, err := w.w.Write(rec); err != nil {
			return 0, errors.Wrap(err, "wal: write record payload")
		}
		w.size += frameLen
		w.lsn++
		if w.instrument {
			metrics.WALRecordsLoggedTotal.Inc()
		}
	}

	if w.syncOnLog {
		if err := w.sync(); err != nil {
			return 0, err
		}
	}
	return w.lsn, nil
}

func putFrameHeader(hdr, rec []byte) {
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(rec)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.Checksum(rec, castagnoliTable))
}

// rollover seals the open segment and opens the next one. The sealed segment
// is flushed and fsynced before the new index is allocated so its records
// are durable by the time they become "old".
func (w *WAL) rollover() error {
	if err := w.sync(); err != nil {
		return err
	}
	if err := w.f.Close(); err != nil {
		return errors.Wrapf(err, "close segment %d", w.segment)
	}
	log.Debug("wal: segment %d sealed, opening %d", w.segment, w.segment+1)
	return w.createSegment(w.segment + 1)
}

func (w *WAL) sync() error {
	if err := w.w.Flush(); err != nil {
		return errors.Wrap(err, "flush segment buffer")
	}
	if err := w.f.Sync(); err != nil {
		return errors.Wrap(err, "fsync segment")
	}
	return nil
}

// Sync flushes buffered records and fsyncs the open segment.
func (w *WAL) Sync() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.closed {
		return nil
	}
	return w.sync()
}

// Segments returns the currently retained segment index range.
func (w *WAL) Segments() (first, last int, err error) {
	return Segments(w.dir)
}

// Truncate deletes all segments with an index strictly below the given one.
// It is idempotent: segments already gone do not qualify, and the open
// segment is never deleted.
func (w *WAL) Truncate(before int) error {
	w.mtx.Lock()
	active := w.segment
	w.mtx.Unlock()

	refs, err := listSegments(w.dir)
	if err != nil {
		return err
	}
	removed := 0
	for _, ref := range refs {
		if ref.index >= before || ref.index == active {
			continue
		}
		if err := os.Remove(ref.path); err != nil {
			return errors.Wrapf(err, "remove segment %d", ref.index)
		}
		removed++
	}
	if removed == 0 {
		return nil
	}
	if err := fsyncDir(w.dir); err != nil {
		return err
	}
	if w.instrument {
		metrics.WALTruncationsTotal.Inc()
	}
	log.Info("wal: truncated %d segment(s) below %d", removed, before)
	return nil
}

// Close flushes and fsyncs the open segment and releases the file handle.
func (w *WAL) Close() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.sync(); err != nil {
		return err
	}
	return w.f.Close()
}

// fsyncDir makes a directory entry change (create, rename, remove) durable.
func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(err, "open dir for fsync")
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.Wrap(err, "fsync dir")
	}
	return nil
}
