// Package config parses the forestd YAML configuration. The validate
// struct tags are not checked by Load.
package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Config is the root configuration structure for a forestd node.
type Config struct {
	Logger LoggerConfig `yaml:"logger" validate:"required"`
	Node   NodeConfig   `yaml:"node" validate:"required"`
	HTTP   HTTPConfig   `yaml:"http" validate:"required"`
	Forest ForestConfig `yaml:"forest" validate:"required"`
	Grid   GridConfig   `yaml:"grid" validate:"required"`
	VSR    VSRConfig    `yaml:"vsr" validate:"required"`
}

// LoggerConfig controls the slog handler used process-wide.
type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// NodeConfig describes identity of the running node.
type NodeConfig struct {
	NodeID  string `yaml:"node_id" validate:"required"`
	DataDir string `yaml:"data_dir" validate:"required,dir"`
}

// HTTPConfig covers the operator HTTP surface.
type HTTPConfig struct {
	ListenAddress string `yaml:"listen_address" validate:"required"`
}

// ForestConfig shapes the LSM tree and compaction pipeline.
//
// LSMBatchMultiple is the number of beats per bar. LSMLevels is lsm_levels,
// the number of levels every tree is compacted across. GrowthFactor is
// lsm_growth_factor, the per-level size multiplier used both for
// compaction scheduling and for the pipeline's block partitioning
// (divide_blocks). BlockPoolSize is the fixed number of block buffers the
// pipeline pre-allocates (spec.md §3, Block Pool).
type ForestConfig struct {
	LSMLevels        int `yaml:"lsm_levels" validate:"required,min=1,max=16"`
	LSMBatchMultiple int `yaml:"lsm_batch_multiple" validate:"required,min=1"`
	GrowthFactor     int `yaml:"growth_factor" validate:"required,min=2"`
	BlockPoolSize    int `yaml:"block_pool_size" validate:"required,min=6"`
	BlockSizeBytes   int `yaml:"block_size_bytes" validate:"required,min=512"`
	BaseLevelBytes   int64 `yaml:"base_level_bytes" validate:"required,min=1"`

	Memtable MemtableConfig `yaml:"memtable" validate:"required"`
}

// MemtableConfig tunes the per-tree write buffer sitting in front of level 0.
type MemtableConfig struct {
	FlushThresholdBytes int64 `yaml:"flush_threshold_bytes" validate:"required,min=1"`
	MaxImmTables        int   `yaml:"max_imm_tables" validate:"required,min=1"`
	FlushChanBuffSize   int   `yaml:"flush_chan_buffer_size" validate:"required,min=1"`
}

// GridConfig covers the block-addressed storage file.
type GridConfig struct {
	Path       string `yaml:"path" validate:"required"`
	BlockCount int    `yaml:"block_count" validate:"required,min=1"`
}

// VSRConfig covers the replica layer driving Forest.compact/checkpoint.
type VSRConfig struct {
	RaftID  uint64       `yaml:"raft_id" validate:"required"`
	Peers   []PeerConfig `yaml:"peers"`
	ZKHosts []string     `yaml:"zk_hosts"`
	ZKNode  string       `yaml:"zk_node"`
}

// PeerConfig names one replica group member.
type PeerConfig struct {
	ID      uint64 `yaml:"id" validate:"required"`
	Address string `yaml:"address" validate:"required"`
}

// Default returns a baseline development config, mirroring the shape and
// magnitudes the teacher's own Default() constructors use.
func Default() Config {
	return Config{
		Logger: LoggerConfig{Level: "INFO", JSON: false},
		Node:   NodeConfig{NodeID: "node-1", DataDir: "./data"},
		HTTP:   HTTPConfig{ListenAddress: ":8080"},
		Forest: ForestConfig{
			LSMLevels:        7,
			LSMBatchMultiple: 4,
			GrowthFactor:     8,
			BlockPoolSize:    1024,
			BlockSizeBytes:   4096,
			BaseLevelBytes:   4 << 20,
			Memtable: MemtableConfig{
				FlushThresholdBytes: 4 << 20,
				MaxImmTables:        4,
				FlushChanBuffSize:   4,
			},
		},
		Grid: GridConfig{
			Path:       "./data/grid.forest",
			BlockCount: 1 << 20,
		},
		VSR: VSRConfig{
			RaftID: 1,
		},
	}
}

// Load reads and parses a YAML config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}
