package integrity

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/emberdb/ember/db"
)

const (
	usage   = "integrity"
	short   = "Evaluate checksum and recovery integrity of a database directory"
	long    = "This command performs a read-only recovery pass and reports what a real startup would reconstruct"
	example = "ember tool integrity --dir <path>"

	rootDirPathDesc = "set filesystem path of the database directory to evaluate"
	chunkRangeDesc  = "set the chunk range the database was written with"
)

var (
	rootDirPath string
	chunkRange  time.Duration

	// Cmd is the integrity command.
	Cmd = &cobra.Command{
		Use:     usage,
		Short:   short,
		Long:    long,
		Aliases: []string{"ic", "integritycheck"},
		Example: example,
		RunE:    executeIntegrity,
	}
)

func init() {
	Cmd.Flags().StringVarP(&rootDirPath, "dir", "d", "", rootDirPathDesc)
	Cmd.Flags().DurationVarP(&chunkRange, "chunk-range", "r", 2*time.Hour, chunkRangeDesc)
	Cmd.MarkFlagRequired("dir")
}

func executeIntegrity(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	res, err := db.Verify(filepath.Clean(rootDirPath), chunkRange.Milliseconds())
	if err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}

	if res.Checkpoint != "" {
		fmt.Printf("checkpoint: %s\n", res.Checkpoint)
	} else {
		fmt.Println("checkpoint: none")
	}
	if res.FirstSegment >= 0 {
		fmt.Printf("segments: [%08d, %08d]\n", res.FirstSegment, res.LastSegment)
	} else {
		fmt.Println("segments: none")
	}
	fmt.Printf("records: %d (series %d, samples %d, histograms %d, tombstones %d, exemplars %d, metadata %d)\n",
		res.Replay.Records, res.Replay.Series, res.Replay.Samples, res.Replay.Histograms,
		res.Replay.Tombstones, res.Replay.Exemplars, res.Replay.Metadata)
	if res.Replay.Unknown > 0 {
		fmt.Printf("samples for unknown series: %d\n", res.Replay.Unknown)
	}
	if res.TornTail {
		fmt.Println("torn record at log tail (discarded on recovery)")
	}
	fmt.Printf("blocks: %d\n", len(res.Blocks))
	fmt.Printf("head: %d series, %d samples, time range [%d, %d]\n",
		res.HeadSeries, res.HeadNumSamples, res.HeadMinTime, res.HeadMaxTime)
	fmt.Println("ok")
	return nil
}
