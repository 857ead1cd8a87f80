// Package block persists immutable blocks flushed from the head buffer. A
// block is a directory named by a ULID holding a meta.json and a chunks/
// directory of numbered, snappy-compressed chunk files. Blocks are written
// once, published by atomic rename, and only ever read afterwards.
package block

import (
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	"github.com/oklog/ulid"
	"github.com/pkg/errors"

	"github.com/emberdb/ember/labels"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	metaFilename = "meta.json"
	chunksDir    = "chunks"
	tmpSuffix    = ".tmp"
)

// Sample is one timestamped value inside a chunk.
type Sample struct {
	T int64
	V float64
}

// FlushSeries is the unit of data flushed into, and read back from, a block.
type FlushSeries struct {
	Ref     uint64
	Labels  labels.Labels
	Samples []Sample
}

// BlockStats summarizes block contents.
type BlockStats struct {
	NumSeries  uint64 `json:"numSeries"`
	NumSamples uint64 `json:"numSamples"`
}

// Meta describes a block: its identity, covered time range and stats.
// MaxTime is exclusive.
type Meta struct {
	ULID    ulid.ULID  `json:"ulid"`
	MinTime int64      `json:"minTime"`
	MaxTime int64      `json:"maxTime"`
	Stats   BlockStats `json:"stats"`
}

// ReadMeta reads the meta.json of the block at dir.
func ReadMeta(dir string) (*Meta, error) {
	return readMetaFile(dir)
}

func readMetaFile(dir string) (*Meta, error) {
	b, err := os.ReadFile(filepath.Join(dir, metaFilename))
	if err != nil {
		return nil, errors.Wrap(err, "read block meta")
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errors.Wrap(err, "unmarshal block meta")
	}
	return &m, nil
}

func writeMetaFile(dir string, meta *Meta) error {
	// jsoniter only accepts space indentation.
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal block meta")
	}
	path := filepath.Join(dir, metaFilename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return errors.Wrap(err, "create block meta")
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return errors.Wrap(err, "write block meta")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "fsync block meta")
	}
	return f.Close()
}

// List returns the published block directories under dir, oldest ULID first.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "list blocks")
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := ulid.ParseStrict(e.Name()); err != nil {
			continue
		}
		dirs = append(dirs, filepath.Join(dir, e.Name()))
	}
	return dirs, nil
}
