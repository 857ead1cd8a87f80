package utils_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberdb/ember/utils"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := utils.ParseConfig([]byte("root_directory: /data/ember\n"))
	require.NoError(t, err)

	assert.Equal(t, "/data/ember", cfg.RootDirectory)
	assert.Equal(t, utils.DefaultListenPort, cfg.ListenPort)
	assert.Equal(t, utils.DefaultWALSegmentSize, cfg.WALSegmentSize)
	assert.True(t, cfg.SyncOnLog)
	assert.Equal(t, utils.DefaultChunkRange, cfg.ChunkRange)
	assert.Equal(t, utils.DefaultMinChunkSamples, cfg.MinChunkSamples)
	assert.Equal(t, utils.DefaultCompactInterval, cfg.CompactInterval)
}

func TestParseConfigOverrides(t *testing.T) {
	data := []byte(`
root_directory: /data/ember
listen_port: "6000"
wal_segment_size: 1048576
sync_on_log: false
chunk_range: 30m
min_chunk_samples: 60
compact_interval: 15s
`)
	cfg, err := utils.ParseConfig(data)
	require.NoError(t, err)

	assert.Equal(t, "6000", cfg.ListenPort)
	assert.Equal(t, 1048576, cfg.WALSegmentSize)
	assert.False(t, cfg.SyncOnLog)
	assert.Equal(t, 30*time.Minute, cfg.ChunkRange)
	assert.Equal(t, 60, cfg.MinChunkSamples)
	assert.Equal(t, 15*time.Second, cfg.CompactInterval)
}

func TestParseConfigErrors(t *testing.T) {
	_, err := utils.ParseConfig([]byte("listen_port: \"6000\"\n"))
	assert.Error(t, err, "missing root directory")

	_, err = utils.ParseConfig([]byte("root_directory: /d\nchunk_range: nonsense\n"))
	assert.Error(t, err)

	_, err = utils.ParseConfig([]byte("root_directory: /d\nchunk_range: -1h\n"))
	assert.Error(t, err)

	_, err = utils.ParseConfig([]byte("{not yaml"))
	assert.Error(t, err)
}
