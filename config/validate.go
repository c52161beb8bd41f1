package config

import (
	"fmt"
	"strings"
)

// ValidationErrors collects every rule a configuration violates. Validation
// never short-circuits: a caller gets the full list and can report all
// problems at once.
type ValidationErrors []error

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, err := range v {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d config validation error(s): %s", len(v), strings.Join(msgs, "; "))
}

// Unwrap exposes the individual violations to errors.Is / errors.As.
func (v ValidationErrors) Unwrap() []error {
	return v
}

const (
	minBlockCacheSize = 1 * 1024 * 1024 // 1 MiB

	minBlockSize = 4 * 1024   // 4 KiB
	maxBlockSize = 128 * 1024 // 128 KiB

	minMemtableSize = 1 * 1024 * 1024        // 1 MiB
	maxMemtableSize = 1 * 1024 * 1024 * 1024 // 1 GiB

	minBloomBitsPerKey = 4
	maxBloomBitsPerKey = 20

	minTargetFileSize = 1 * 1024 * 1024 // 1 MiB

	maxSnapshotsCeiling = 10000
	minGCBatchSize      = 100
)

// Validate checks the whole configuration and returns either nil or a
// ValidationErrors carrying every violated rule.
func (c *Config) Validate() error {
	var errs ValidationErrors
	errs = append(errs, c.Cache.validate()...)
	errs = append(errs, c.Compaction.validate()...)
	errs = append(errs, c.MVCC.validate()...)
	errs = append(errs, c.Storage.validate()...)
	errs = append(errs, c.Performance.validate()...)
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func (c *CacheConfig) validate() []error {
	var errs []error
	if c.BlockCacheSizeBytes < minBlockCacheSize {
		errs = append(errs, fmt.Errorf("cache: block_cache_size_bytes must be at least %d, is %d", minBlockCacheSize, c.BlockCacheSizeBytes))
	}
	switch c.EvictionPolicy {
	case EvictionWTinyLFU, EvictionLRU:
	default:
		errs = append(errs, fmt.Errorf("cache: unknown eviction_policy %q", c.EvictionPolicy))
	}
	return errs
}

func (c *CompactionConfig) validate() []error {
	var errs []error
	switch c.Strategy {
	case CompactionLeveled, CompactionTiered, CompactionHybrid:
	default:
		errs = append(errs, fmt.Errorf("compaction: unknown strategy %q", c.Strategy))
	}
	if c.LevelSizeMultiplier < 2 {
		errs = append(errs, fmt.Errorf("compaction: level_size_multiplier must be >= 2, is %d", c.LevelSizeMultiplier))
	}
	if c.MaxLevels < 3 {
		errs = append(errs, fmt.Errorf("compaction: max_levels too small, must be >= 3, is %d", c.MaxLevels))
	}
	if c.MaxLevels > 10 {
		errs = append(errs, fmt.Errorf("compaction: max_levels too big, must be <= 10, is %d", c.MaxLevels))
	}
	if c.L0FileCountTrigger < 2 {
		errs = append(errs, fmt.Errorf("compaction: l0_file_count_trigger must be >= 2, is %d", c.L0FileCountTrigger))
	}
	if c.TargetFileSizeBase < minTargetFileSize {
		errs = append(errs, fmt.Errorf("compaction: target_file_size_base must be at least %d, is %d", minTargetFileSize, c.TargetFileSizeBase))
	}
	if c.MaxBytesForLevelBase < c.TargetFileSizeBase {
		errs = append(errs, fmt.Errorf("compaction: max_bytes_for_level_base (%d) must not be smaller than target_file_size_base (%d)", c.MaxBytesForLevelBase, c.TargetFileSizeBase))
	}
	return errs
}

func (c *MVCCConfig) validate() []error {
	var errs []error
	if c.SnapshotRetention.MaxSnapshots <= c.SnapshotRetention.MinSnapshots {
		errs = append(errs, fmt.Errorf("mvcc: max_snapshots (%d) must be greater than min_snapshots (%d)", c.SnapshotRetention.MaxSnapshots, c.SnapshotRetention.MinSnapshots))
	}
	if c.SnapshotRetention.MaxSnapshots > maxSnapshotsCeiling {
		errs = append(errs, fmt.Errorf("mvcc: max_snapshots must be <= %d, is %d", maxSnapshotsCeiling, c.SnapshotRetention.MaxSnapshots))
	}
	if c.GC.BatchSize < minGCBatchSize {
		errs = append(errs, fmt.Errorf("mvcc: gc batch_size must be >= %d, is %d", minGCBatchSize, c.GC.BatchSize))
	}
	if c.SnapshotAgeWarningThresholdSecs >= c.SnapshotRetention.MaxSnapshotAgeSecs {
		errs = append(errs, fmt.Errorf("mvcc: snapshot_age_warning_threshold_secs (%d) must be below max_snapshot_age_secs (%d)", c.SnapshotAgeWarningThresholdSecs, c.SnapshotRetention.MaxSnapshotAgeSecs))
	}
	return errs
}

func isPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

func (c *StorageConfig) validate() []error {
	var errs []error
	if !isPowerOfTwo(c.BlockSizeBytes) {
		errs = append(errs, fmt.Errorf("storage: block_size_bytes must be a power of two, is %d", c.BlockSizeBytes))
	}
	if c.BlockSizeBytes < minBlockSize || c.BlockSizeBytes > maxBlockSize {
		errs = append(errs, fmt.Errorf("storage: block_size_bytes must be between %d and %d, is %d", minBlockSize, maxBlockSize, c.BlockSizeBytes))
	}
	if c.MemtableSizeBytes < minMemtableSize || c.MemtableSizeBytes > maxMemtableSize {
		errs = append(errs, fmt.Errorf("storage: memtable_size_bytes must be between %d and %d, is %d", minMemtableSize, maxMemtableSize, c.MemtableSizeBytes))
	}
	if c.MemtableSizeBytes <= c.BlockSizeBytes {
		errs = append(errs, fmt.Errorf("storage: memtable_size_bytes (%d) must be strictly larger than block_size_bytes (%d)", c.MemtableSizeBytes, c.BlockSizeBytes))
	}
	if c.BloomBitsPerKey < minBloomBitsPerKey || c.BloomBitsPerKey > maxBloomBitsPerKey {
		errs = append(errs, fmt.Errorf("storage: bloom_bits_per_key must be between %d and %d, is %d", minBloomBitsPerKey, maxBloomBitsPerKey, c.BloomBitsPerKey))
	}
	return errs
}

func (c *PerformanceConfig) validate() []error {
	var errs []error
	if c.CompactionThreads < 1 {
		errs = append(errs, fmt.Errorf("performance: compaction_threads must be >= 1, is %d", c.CompactionThreads))
	}
	if c.Parallelism.MaxReadThreads < 1 {
		errs = append(errs, fmt.Errorf("performance: max_read_threads must be >= 1, is %d", c.Parallelism.MaxReadThreads))
	}
	if c.Parallelism.MaxWriteThreads < 1 {
		errs = append(errs, fmt.Errorf("performance: max_write_threads must be >= 1, is %d", c.Parallelism.MaxWriteThreads))
	}
	if c.Parallelism.ScanParallelism > c.Parallelism.MaxReadThreads {
		errs = append(errs, fmt.Errorf("performance: scan_parallelism (%d) must not exceed max_read_threads (%d)", c.Parallelism.ScanParallelism, c.Parallelism.MaxReadThreads))
	}

	switch c.WALSync.Mode {
	case SyncEveryWrite:
	case SyncBatch:
		if c.WALSync.BatchSize == 0 {
			errs = append(errs, fmt.Errorf("performance: wal_sync batch_size must be non-zero in batch mode"))
		}
		if c.WALSync.BatchBytes == 0 {
			errs = append(errs, fmt.Errorf("performance: wal_sync batch_bytes must be non-zero in batch mode"))
		}
	case SyncPeriodic:
		if c.WALSync.PeriodicIntervalMS == 0 {
			errs = append(errs, fmt.Errorf("performance: wal_sync periodic_interval_ms must be non-zero in periodic mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("performance: unknown wal_sync mode %q", c.WALSync.Mode))
	}
	return errs
}
