package wal

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/emberdb/ember/wal"
)

const (
	walUsage       = "wal"
	walShortDesc   = "Dump the contents of a write-ahead log directory"
	walLongDesc    = "This command walks every record in a WAL directory and prints per-segment record counts"
	walExample     = "ember tool wal --dir <path>/wal"
	walDirDesc     = "set filesystem path of the WAL directory to dump"
	walVerboseDesc = "print every record instead of per-segment summaries"
)

var (
	// Cmd is the wal command.
	Cmd = &cobra.Command{
		Use:     walUsage,
		Short:   walShortDesc,
		Long:    walLongDesc,
		Example: walExample,
		RunE:    executeWAL,
	}
	walDirPath string
	verbose    bool
)

func init() {
	Cmd.Flags().StringVarP(&walDirPath, "dir", "d", "", walDirDesc)
	Cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, walVerboseDesc)
	Cmd.MarkFlagRequired("dir")
}

func executeWAL(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true
	dir := filepath.Clean(walDirPath)

	first, last, err := wal.Segments(dir)
	if err != nil {
		return err
	}
	fmt.Printf("segments: [%08d, %08d]\n", first, last)

	r, err := wal.NewSegmentsRangeReader(dir, first, last, true)
	if err != nil {
		return err
	}
	defer r.Close()

	var dec wal.Decoder
	counts := map[wal.RecordType]int{}
	records, seg := 0, -1
	for r.Next() {
		if r.Segment() != seg {
			seg = r.Segment()
			fmt.Printf("segment %08d:\n", seg)
		}
		rec := r.Record()
		typ := dec.Type(rec)
		counts[typ]++
		records++
		if verbose {
			fmt.Printf("  offset %8d  %-10s  %d bytes\n", r.Offset(), typ, len(rec))
		}
	}
	if err := r.Err(); err != nil {
		return err
	}

	fmt.Printf("records: %d\n", records)
	for _, typ := range []wal.RecordType{
		wal.RecordSeries, wal.RecordSamples, wal.RecordHistograms,
		wal.RecordTombstones, wal.RecordExemplars, wal.RecordMetadata,
	} {
		if counts[typ] > 0 {
			fmt.Printf("  %-10s %d\n", typ, counts[typ])
		}
	}
	if r.Torn() {
		fmt.Printf("torn record at tail of segment %08d, offset %d (discarded on recovery)\n", r.Segment(), r.Offset())
	}
	return nil
}
