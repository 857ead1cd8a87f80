package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	namespace = "ember"
	subsystem = "db"
)

var (
	// StartupTime stores how long the startup (incl. WAL replay) took.
	StartupTime = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "startup_seconds",
		Help:      "Seconds taken by startup including checkpoint load and WAL replay",
	})

	// WALRecordsLoggedTotal counts records appended to the WAL.
	WALRecordsLoggedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "wal",
		Name:      "records_logged_total",
		Help:      "Number of records appended to the write-ahead log",
	})

	// WALCurrentSegment stores the index of the open WAL segment.
	WALCurrentSegment = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "wal",
		Name:      "current_segment",
		Help:      "Index of the WAL segment currently open for appends",
	})

	// WALTruncationsTotal counts completed WAL truncations.
	WALTruncationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "wal",
		Name:      "truncations_total",
		Help:      "Number of WAL segment truncations performed",
	})

	// WALTornRecordsTotal counts partial trailing records discarded on replay.
	WALTornRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "wal",
		Name:      "torn_records_total",
		Help:      "Number of torn trailing records discarded during recovery",
	})

	// CheckpointsTotal counts checkpoints created, partitioned by outcome.
	CheckpointsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "wal",
		Name:      "checkpoints_total",
		Help:      "Number of checkpoint attempts partitioned by outcome",
	}, []string{"outcome"})

	// CheckpointDuration stores the time taken to write a checkpoint.
	CheckpointDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "wal",
		Name:      "checkpoint_duration_seconds",
		Help:      "Time taken to replay, filter and write a checkpoint",
	})

	// HeadSamplesAppendedTotal counts samples committed into the head.
	HeadSamplesAppendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "head",
		Name:      "samples_appended_total",
		Help:      "Number of samples committed into the head buffer",
	})

	// HeadSeries stores the number of series held in the head.
	HeadSeries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "head",
		Name:      "series",
		Help:      "Number of series currently held in the head buffer",
	})

	// CompactionsTotal counts head compactions partitioned by outcome.
	CompactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "compactions_total",
		Help:      "Number of head compaction attempts partitioned by outcome",
	}, []string{"outcome"})

	// CompactionDuration stores the time taken to flush the head to blocks.
	CompactionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "compaction_duration_seconds",
		Help:      "Time taken to flush the head buffer into persistent blocks",
	})
)
