package block

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/edsrzf/mmap-go"
	"github.com/golang/snappy"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/emberdb/ember/labels"
)

const chunkCacheSize = 16

// Block is a published, immutable block opened for reading. Chunk files are
// memory-mapped read-only, so concurrent readers share pages and need no
// locks against each other; the block is never mutated in place.
type Block struct {
	dir  string
	meta Meta

	files []chunkFile
	cache *lru.Cache
}

type chunkFile struct {
	seq int
	f   *os.File
	m   mmap.MMap
}

// Open maps the block at dir read-only.
func Open(dir string) (*Block, error) {
	meta, err := readMetaFile(dir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(dir, chunksDir))
	if err != nil {
		return nil, errors.Wrap(err, "list chunk files")
	}
	var files []chunkFile
	for _, e := range entries {
		seq, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		f, err := os.Open(filepath.Join(dir, chunksDir, e.Name()))
		if err != nil {
			closeChunkFiles(files)
			return nil, errors.Wrapf(err, "open chunk file %s", e.Name())
		}
		m, err := mmap.Map(f, mmap.RDONLY, 0)
		if err != nil {
			f.Close()
			closeChunkFiles(files)
			return nil, errors.Wrapf(err, "mmap chunk file %s", e.Name())
		}
		files = append(files, chunkFile{seq: seq, f: f, m: m})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].seq < files[j].seq })

	cache, err := lru.New(chunkCacheSize)
	if err != nil {
		closeChunkFiles(files)
		return nil, err
	}
	return &Block{dir: dir, meta: *meta, files: files, cache: cache}, nil
}

// Dir returns the block directory.
func (b *Block) Dir() string { return b.dir }

// Meta returns the block metadata.
func (b *Block) Meta() Meta { return b.meta }

// Series decodes and returns all series runs stored in the block.
func (b *Block) Series() ([]FlushSeries, error) {
	var out []FlushSeries
	for _, cf := range b.files {
		payload, err := b.decompressed(cf)
		if err != nil {
			return nil, err
		}
		series, err := decodeSeries(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "chunk file %06d", cf.seq)
		}
		out = append(out, series...)
	}
	return out, nil
}

// decompressed returns the decoded payload of a chunk file, served from the
// LRU when hot. Decompression reads the mapped pages directly.
func (b *Block) decompressed(cf chunkFile) ([]byte, error) {
	if v, ok := b.cache.Get(cf.seq); ok {
		return v.([]byte), nil
	}
	payload, err := snappy.Decode(nil, cf.m)
	if err != nil {
		return nil, errors.Wrapf(err, "decompress chunk file %06d", cf.seq)
	}
	b.cache.Add(cf.seq, payload)
	return payload, nil
}

// Close unmaps and closes all chunk files.
func (b *Block) Close() error {
	err := closeChunkFiles(b.files)
	b.files = nil
	return err
}

func closeChunkFiles(files []chunkFile) error {
	var firstErr error
	for _, cf := range files {
		if cf.m != nil {
			if err := cf.m.Unmap(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := cf.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var errMalformedChunk = errors.New("malformed chunk payload")

func decodeSeries(payload []byte) ([]FlushSeries, error) {
	d := chunkDecoder{b: payload}
	// Count fields come from disk, so every count is checked against the
	// smallest encoding its elements could have before it sizes an
	// allocation. A series needs at least 3 bytes, a label at least 2 and
	// a sample at least 9.
	n := d.count(3)
	series := make([]FlushSeries, 0, n)
	for i := uint64(0); i < n && d.err == nil; i++ {
		s := FlushSeries{Ref: d.uvarint()}
		nl := d.count(2)
		s.Labels = make(labels.Labels, 0, nl)
		for j := uint64(0); j < nl; j++ {
			name := d.str()
			value := d.str()
			s.Labels = append(s.Labels, labels.Label{Name: name, Value: value})
		}
		ns := d.count(9)
		s.Samples = make([]Sample, 0, ns)
		for j := uint64(0); j < ns; j++ {
			t := d.varint()
			v := math.Float64frombits(d.be64())
			s.Samples = append(s.Samples, Sample{T: t, V: v})
		}
		if d.err != nil {
			break
		}
		series = append(series, s)
	}
	if d.err != nil {
		return nil, d.err
	}
	if len(d.b) != 0 {
		return nil, errors.Wrap(errMalformedChunk, "trailing bytes")
	}
	return series, nil
}

type chunkDecoder struct {
	b   []byte
	err error
}

func (d *chunkDecoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	x, n := binary.Uvarint(d.b)
	if n < 1 {
		d.err = errMalformedChunk
		return 0
	}
	d.b = d.b[n:]
	return x
}

// count reads an element count and rejects it when the remaining payload is
// too short to hold that many elements of elemSize bytes each.
func (d *chunkDecoder) count(elemSize int) uint64 {
	x := d.uvarint()
	if d.err != nil {
		return 0
	}
	if x > uint64(len(d.b))/uint64(elemSize) {
		d.err = errors.Wrapf(errMalformedChunk, "count %d exceeds remaining payload", x)
		return 0
	}
	return x
}

func (d *chunkDecoder) varint() int64 {
	if d.err != nil {
		return 0
	}
	x, n := binary.Varint(d.b)
	if n < 1 {
		d.err = errMalformedChunk
		return 0
	}
	d.b = d.b[n:]
	return x
}

func (d *chunkDecoder) be64() uint64 {
	if d.err != nil {
		return 0
	}
	if len(d.b) < 8 {
		d.err = errMalformedChunk
		return 0
	}
	x := binary.BigEndian.Uint64(d.b)
	d.b = d.b[8:]
	return x
}

func (d *chunkDecoder) str() string {
	l := d.uvarint()
	if d.err != nil {
		return ""
	}
	if uint64(len(d.b)) < l {
		d.err = errMalformedChunk
		return ""
	}
	s := string(d.b[:l])
	d.b = d.b[l:]
	return s
}
