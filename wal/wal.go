package wal

import (
	"bufio"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// WAL (Write-Ahead Log) provides durability by logging a mutation before it
// is applied to the memtable. One WAL owns one numbered .log file; the path
// comes from the file manager. Appends are not self-serializing with respect
// to logical operation order: callers must serialize their writes so the
// on-disk record order matches the order of acknowledged operations.
type WAL struct {
	mu   sync.Mutex
	path string
	file *os.File

	metricsBytesWritten   *expvar.Int
	metricsRecordsWritten *expvar.Int

	logger *slog.Logger
}

// Options holds configuration for opening a WAL.
type Options struct {
	// Path is the full path of the log file, normally obtained from the
	// file manager's filename generator.
	Path           string
	Logger         *slog.Logger
	BytesWritten   *expvar.Int
	RecordsWritten *expvar.Int
}

// Open creates the log file if absent or opens it for appending.
func Open(opts Options) (*WAL, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "WAL")
	} else {
		opts.Logger = opts.Logger.With("component", "WAL")
	}

	file, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file %s: %w", opts.Path, err)
	}

	return &WAL{
		path:                  opts.Path,
		file:                  file,
		metricsBytesWritten:   opts.BytesWritten,
		metricsRecordsWritten: opts.RecordsWritten,
		logger:                opts.Logger,
	}, nil
}

// Append writes one full record and syncs the file before returning, making
// every append a write barrier. Use AppendNoSync plus an explicit Sync when a
// caller-provided sync policy batches the barrier.
func (w *WAL) Append(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.appendLocked(rec); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL file %s: %w", w.path, err)
	}
	return nil
}

// AppendNoSync writes one full record without forcing it to stable storage.
// The record is durable only after a later Sync (or sync-carrying Append)
// returns.
func (w *WAL) AppendNoSync(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(rec)
}

func (w *WAL) appendLocked(rec Record) error {
	if w.file == nil {
		return fmt.Errorf("wal %s is closed", w.path)
	}

	data, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("failed to encode WAL record: %w", err)
	}
	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("failed to append WAL record to %s: %w", w.path, err)
	}

	if w.metricsBytesWritten != nil {
		w.metricsBytesWritten.Add(int64(len(data)))
	}
	if w.metricsRecordsWritten != nil {
		w.metricsRecordsWritten.Add(1)
	}
	return nil
}

// Sync flushes all previously appended records to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("wal %s is closed", w.path)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL file %s: %w", w.path, err)
	}
	return nil
}

// Close syncs and closes the log file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil // Already closed
	}

	syncErr := w.file.Sync()
	closeErr := w.file.Close()
	w.file = nil

	if syncErr != nil {
		w.logger.Error("Error syncing WAL during close.", "path", w.path, "error", syncErr)
		return syncErr
	}
	if closeErr != nil {
		w.logger.Error("Error closing WAL.", "path", w.path, "error", closeErr)
		return closeErr
	}
	w.logger.Info("WAL closed.", "path", w.path)
	return nil
}

// Path returns the log file path.
func (w *WAL) Path() string {
	return w.path
}

// Size returns the current size of the log file in bytes.
func (w *WAL) Size() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	stat, err := w.file.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

// Replay scans a log file from the start and returns the ordered sequence of
// fully valid, checksum-correct records. A checksum mismatch or a truncated
// trailing record marks the end of the valid log and is not an error: WAL
// tails are expected to be incomplete after a crash mid-write. A missing file
// simply yields no records.
func Replay(path string, logger *slog.Logger) ([]Record, error) {
	if logger == nil {
		logger = slog.Default().With("component", "WAL")
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("WAL file does not exist, nothing to recover.", "path", path)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open WAL file for replay %s: %w", path, err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var records []Record
	for {
		rec, err := decodeRecord(reader)
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			// A damaged or half-written record ends the valid prefix.
			logger.Warn("Replay stopped at invalid record, treating as end of log.",
				"path", path, "valid_records", len(records), "error", err)
			return records, nil
		}
		records = append(records, rec)
	}
}
