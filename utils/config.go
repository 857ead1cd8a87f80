package utils

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/emberdb/ember/utils/log"
)

// Defaults for the engine knobs. The checkpoint ratio and chunk range
// headroom factor have changed across versions of comparable systems, so
// they are configurable rather than baked in.
const (
	DefaultWALSegmentSize  = 64 * 1024 * 1024
	DefaultChunkRange      = 2 * time.Hour
	DefaultMinChunkSamples = 120
	DefaultCompactInterval = time.Minute
	DefaultListenPort      = "5995"
)

type EmberConfig struct {
	RootDirectory   string
	ListenPort      string
	WALSegmentSize  int
	SyncOnLog       bool
	ChunkRange      time.Duration
	MinChunkSamples int
	CompactInterval time.Duration
	StartTime       time.Time
}

// ParseConfig unmarshals the YAML configuration and applies defaults for
// anything left unset.
func ParseConfig(data []byte) (*EmberConfig, error) {
	var aux struct {
		RootDirectory   string `yaml:"root_directory"`
		ListenPort      string `yaml:"listen_port"`
		LogLevel        string `yaml:"log_level"`
		WALSegmentSize  int    `yaml:"wal_segment_size"`
		SyncOnLog       *bool  `yaml:"sync_on_log"`
		ChunkRange      string `yaml:"chunk_range"`
		MinChunkSamples int    `yaml:"min_chunk_samples"`
		CompactInterval string `yaml:"compact_interval"`
	}
	if err := yaml.Unmarshal(data, &aux); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if aux.RootDirectory == "" {
		return nil, errors.New("invalid root directory")
	}

	cfg := &EmberConfig{
		RootDirectory:   aux.RootDirectory,
		ListenPort:      aux.ListenPort,
		WALSegmentSize:  aux.WALSegmentSize,
		SyncOnLog:       true,
		ChunkRange:      DefaultChunkRange,
		MinChunkSamples: aux.MinChunkSamples,
		CompactInterval: DefaultCompactInterval,
	}
	if aux.ListenPort == "" {
		cfg.ListenPort = DefaultListenPort
	}
	if aux.WALSegmentSize <= 0 {
		cfg.WALSegmentSize = DefaultWALSegmentSize
	}
	if aux.MinChunkSamples <= 0 {
		cfg.MinChunkSamples = DefaultMinChunkSamples
	}
	if aux.SyncOnLog != nil {
		cfg.SyncOnLog = *aux.SyncOnLog
	}
	if aux.ChunkRange != "" {
		d, err := time.ParseDuration(aux.ChunkRange)
		if err != nil {
			return nil, fmt.Errorf("invalid chunk_range %q: %w", aux.ChunkRange, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("chunk_range must be positive, got %q", aux.ChunkRange)
		}
		cfg.ChunkRange = d
	}
	if aux.CompactInterval != "" {
		d, err := time.ParseDuration(aux.CompactInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid compact_interval %q: %w", aux.CompactInterval, err)
		}
		cfg.CompactInterval = d
	}

	if aux.LogLevel != "" {
		log.SetLevel(log.ParseLevel(aux.LogLevel))
	}

	return cfg, nil
}
