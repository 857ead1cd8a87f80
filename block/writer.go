package block

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	"github.com/oklog/ulid"
	"github.com/pkg/errors"

	"github.com/emberdb/ember/utils/log"
)

// Write persists the given series data as a new block under dir covering
// [mint, maxt) and returns its ULID. The block is assembled in a .tmp
// directory, every file and directory is fsynced, and only then is it
// published by atomic rename. The caller must not delete or truncate the
// source of the data until Write has returned.
func Write(dir string, mint, maxt int64, series []FlushSeries) (ulid.ULID, error) {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	uid, err := ulid.New(ulid.Now(), entropy)
	if err != nil {
		return ulid.ULID{}, errors.Wrap(err, "generate block ulid")
	}

	blockDir := filepath.Join(dir, uid.String())
	tmp := blockDir + tmpSuffix
	if err := os.RemoveAll(tmp); err != nil {
		return ulid.ULID{}, errors.Wrap(err, "remove stale block tmp dir")
	}
	if err := os.MkdirAll(filepath.Join(tmp, chunksDir), 0o750); err != nil {
		return ulid.ULID{}, errors.Wrap(err, "create block tmp dir")
	}

	meta := &Meta{ULID: uid, MinTime: mint, MaxTime: maxt}
	for _, s := range series {
		meta.Stats.NumSeries++
		meta.Stats.NumSamples += uint64(len(s.Samples))
	}

	if err := writeChunkFile(filepath.Join(tmp, chunksDir, chunkFileName(1)), series); err != nil {
		return ulid.ULID{}, err
	}
	if err := writeMetaFile(tmp, meta); err != nil {
		return ulid.ULID{}, err
	}

	for _, d := range []string{filepath.Join(tmp, chunksDir), tmp} {
		if err := fsyncDir(d); err != nil {
			return ulid.ULID{}, err
		}
	}
	if err := os.Rename(tmp, blockDir); err != nil {
		return ulid.ULID{}, errors.Wrap(err, "publish block")
	}
	if err := fsyncDir(dir); err != nil {
		return ulid.ULID{}, err
	}

	log.Info("block %s written: %d series, %d samples, range [%d, %d)",
		uid, meta.Stats.NumSeries, meta.Stats.NumSamples, mint, maxt)
	return uid, nil
}

func chunkFileName(seq int) string {
	return fmt.Sprintf("%06d", seq)
}

// writeChunkFile serializes the series runs and writes them as one
// snappy-compressed chunk file, fsynced before close.
func writeChunkFile(path string, series []FlushSeries) error {
	payload := encodeSeries(series)
	compressed := snappy.Encode(nil, payload)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return errors.Wrap(err, "create chunk file")
	}
	if _, err := f.Write(compressed); err != nil {
		f.Close()
		return errors.Wrap(err, "write chunk file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "fsync chunk file")
	}
	return f.Close()
}

// encodeSeries lays out per-series sample runs: ref, label pairs, then
// timestamp/value pairs. Timestamps are varint, values are raw float bits.
func encodeSeries(series []FlushSeries) []byte {
	var (
		b   []byte
		buf [binary.MaxVarintLen64]byte
	)
	putUvarint := func(x uint64) {
		n := binary.PutUvarint(buf[:], x)
		b = append(b, buf[:n]...)
	}
	putVarint := func(x int64) {
		n := binary.PutVarint(buf[:], x)
		b = append(b, buf[:n]...)
	}
	putStr := func(s string) {
		putUvarint(uint64(len(s)))
		b = append(b, s...)
	}

	putUvarint(uint64(len(series)))
	for _, s := range series {
		putUvarint(s.Ref)
		putUvarint(uint64(len(s.Labels)))
		for _, l := range s.Labels {
			putStr(l.Name)
			putStr(l.Value)
		}
		putUvarint(uint64(len(s.Samples)))
		for _, smpl := range s.Samples {
			putVarint(smpl.T)
			binary.BigEndian.PutUint64(buf[:8], math.Float64bits(smpl.V))
			b = append(b, buf[:8]...)
		}
	}
	return b
}

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
