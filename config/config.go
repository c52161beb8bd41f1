package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// WALSyncMode selects when WAL appends are forced to stable storage.
type WALSyncMode string

const (
	// SyncEveryWrite syncs after every append (highest durability).
	SyncEveryWrite WALSyncMode = "every_write"
	// SyncBatch syncs after a configured number of records or bytes.
	SyncBatch WALSyncMode = "batch"
	// SyncPeriodic syncs on a timer.
	SyncPeriodic WALSyncMode = "periodic"
)

// CacheEvictionPolicy selects the block cache eviction algorithm.
type CacheEvictionPolicy string

const (
	EvictionWTinyLFU CacheEvictionPolicy = "wtinylfu"
	EvictionLRU      CacheEvictionPolicy = "lru"
)

// CompactionStrategy selects how SSTables are grouped for compaction.
type CompactionStrategy string

const (
	CompactionLeveled CompactionStrategy = "leveled"
	CompactionTiered  CompactionStrategy = "tiered"
	CompactionHybrid  CompactionStrategy = "hybrid"
)

// CacheConfig holds block-cache configurations.
type CacheConfig struct {
	BlockCacheSizeBytes uint64              `yaml:"block_cache_size_bytes"`
	CacheIndexBlocks    bool                `yaml:"cache_index_blocks"`
	CacheBloomFilters   bool                `yaml:"cache_bloom_filters"`
	EvictionPolicy      CacheEvictionPolicy `yaml:"eviction_policy"`
}

// CompactionConfig holds compaction-specific configurations. The strategy and
// its thread pool execute outside this core; the values are validated here.
type CompactionConfig struct {
	Strategy             CompactionStrategy `yaml:"strategy"`
	LevelSizeMultiplier  int                `yaml:"level_size_multiplier"`
	MaxLevels            int                `yaml:"max_levels"`
	L0FileCountTrigger   int                `yaml:"l0_file_count_trigger"`
	MaxBytesForLevelBase uint64             `yaml:"max_bytes_for_level_base"`
	TargetFileSizeBase   uint64             `yaml:"target_file_size_base"`
}

// SnapshotRetentionConfig bounds how many MVCC snapshots are kept and for
// how long.
type SnapshotRetentionConfig struct {
	MinSnapshots       int    `yaml:"min_snapshots"`
	MaxSnapshots       int    `yaml:"max_snapshots"`
	MaxSnapshotAgeSecs uint64 `yaml:"max_snapshot_age_secs"`
}

// GCConfig drives obsolete-version garbage collection scheduling.
type GCConfig struct {
	IntervalSecs        uint64 `yaml:"interval_secs"`
	BatchSize           int    `yaml:"batch_size"`
	MinObsoleteVersions int    `yaml:"min_obsolete_versions"`
}

// MVCCConfig groups snapshot retention and garbage collection.
type MVCCConfig struct {
	SnapshotRetention               SnapshotRetentionConfig `yaml:"snapshot_retention"`
	GC                              GCConfig                `yaml:"gc"`
	SnapshotAgeWarningThresholdSecs uint64                  `yaml:"snapshot_age_warning_threshold_secs"`
}

// StorageConfig holds the core storage-format knobs.
type StorageConfig struct {
	BlockSizeBytes    uint64 `yaml:"block_size_bytes"`
	MemtableSizeBytes uint64 `yaml:"memtable_size_bytes"`
	BloomBitsPerKey   int    `yaml:"bloom_bits_per_key"`
}

// WALSyncConfig holds the WAL sync policy layered above the log primitive.
type WALSyncConfig struct {
	Mode               WALSyncMode `yaml:"mode"`
	BatchSize          int         `yaml:"batch_size"`
	BatchBytes         uint64      `yaml:"batch_bytes"`
	PeriodicIntervalMS uint64      `yaml:"periodic_interval_ms"`
}

// ParallelismConfig bounds reader/writer thread counts.
type ParallelismConfig struct {
	MaxReadThreads  int `yaml:"max_read_threads"`
	MaxWriteThreads int `yaml:"max_write_threads"`
	ScanParallelism int `yaml:"scan_parallelism"`
}

// PerformanceConfig groups tuning knobs consumed by surrounding layers.
type PerformanceConfig struct {
	CompactionThreads  int               `yaml:"compaction_threads"`
	WALSync            WALSyncConfig     `yaml:"wal_sync"`
	ReadaheadSizeBytes uint64            `yaml:"readahead_size_bytes"`
	Parallelism        ParallelismConfig `yaml:"parallelism"`
}

// Config is the top-level configuration struct.
type Config struct {
	Cache       CacheConfig       `yaml:"cache"`
	Compaction  CompactionConfig  `yaml:"compaction"`
	MVCC        MVCCConfig        `yaml:"mvcc"`
	Storage     StorageConfig     `yaml:"storage"`
	Performance PerformanceConfig `yaml:"performance"`
}

// Default returns the configuration used when no file overrides anything.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			BlockCacheSizeBytes: 32 * 1024 * 1024, // 32 MiB
			CacheIndexBlocks:    true,
			CacheBloomFilters:   true,
			EvictionPolicy:      EvictionWTinyLFU,
		},
		Compaction: CompactionConfig{
			Strategy:             CompactionLeveled,
			LevelSizeMultiplier:  10,
			MaxLevels:            7,
			L0FileCountTrigger:   10,
			MaxBytesForLevelBase: 512 * 1024 * 1024, // 512 MiB
			TargetFileSizeBase:   64 * 1024 * 1024,  // 64 MiB
		},
		MVCC: MVCCConfig{
			SnapshotRetention: SnapshotRetentionConfig{
				MinSnapshots:       5,
				MaxSnapshots:       1000,
				MaxSnapshotAgeSecs: 3600,
			},
			GC: GCConfig{
				IntervalSecs:        300,
				BatchSize:           1000,
				MinObsoleteVersions: 10000,
			},
			SnapshotAgeWarningThresholdSecs: 1800,
		},
		Storage: StorageConfig{
			BlockSizeBytes:    32 * 1024,        // 32 KiB
			MemtableSizeBytes: 64 * 1024 * 1024, // 64 MiB
			BloomBitsPerKey:   10,
		},
		Performance: PerformanceConfig{
			CompactionThreads: 4,
			WALSync: WALSyncConfig{
				Mode:               SyncBatch,
				BatchSize:          1000,
				BatchBytes:         4 * 1024 * 1024, // 4 MiB
				PeriodicIntervalMS: 1000,
			},
			ReadaheadSizeBytes: 4 * 1024 * 1024, // 4 MiB
			Parallelism: ParallelismConfig{
				MaxReadThreads:  8,
				MaxWriteThreads: 4,
				ScanParallelism: 2,
			},
		},
	}
}

// Load reads configuration from an io.Reader, overlaying defaults. A nil
// reader or empty input yields the defaults unchanged.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path, falling back to
// defaults when the file does not exist.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
