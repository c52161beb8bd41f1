// Package engine wires the write path together: every mutation is made
// durable in the write-ahead log before it is applied to the active
// memtable, and reads are served from the memtable generations. Flushing a
// frozen generation to an SSTable and compacting the result are external
// collaborators; the engine hands frozen memtables to a FlushHandler and
// otherwise retains them for reads.
package engine

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/taurusdb/taurus/config"
	"github.com/taurusdb/taurus/core"
	"github.com/taurusdb/taurus/filemanager"
	"github.com/taurusdb/taurus/memtable"
	"github.com/taurusdb/taurus/wal"
)

// ErrClosed is returned by operations on a closed DB.
var ErrClosed = errors.New("engine: database is closed")

// FlushHandler receives a frozen memtable generation once the active one
// fills up. Implementations typically write an SSTable; the engine does not
// care how, only whether it succeeded.
type FlushHandler interface {
	FlushMemtable(mt *memtable.Memtable) error
}

// Metrics holds the expvar counters the engine maintains. Any field may be
// nil.
type Metrics struct {
	PutsTotal         *expvar.Int
	DeletesTotal      *expvar.Int
	GetsTotal         *expvar.Int
	FlushesTotal      *expvar.Int
	WALBytesWritten   *expvar.Int
	WALRecordsWritten *expvar.Int
}

// Options holds configuration for opening a DB.
type Options struct {
	DataDir string
	// Config defaults to config.Default() and is validated on Open.
	Config         *config.Config
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	FlushHandler   FlushHandler
	Metrics        *Metrics
}

// DB is the write path of the storage engine. All mutations are serialized
// through one internal lock, giving the single-writer ordering the memtable
// and WAL require.
type DB struct {
	opts   Options
	cfg    *config.Config
	logger *slog.Logger
	tracer trace.Tracer

	fm *filemanager.FileManager

	mu     sync.Mutex
	mem    *memtable.Memtable
	frozen []*memtable.Memtable // generations awaiting flush, oldest first
	wal    *wal.WAL
	closed bool

	seqNum atomic.Uint64

	// batched sync-policy state, guarded by mu
	unsyncedRecords int
	unsyncedBytes   uint64

	ticker     *time.Ticker
	tickerDone chan struct{}
}

// Open opens or creates a database directory and recovers the memtable from
// any write-ahead logs left behind by a previous session.
func Open(opts Options) (db *DB, err error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "Engine")

	var tracer trace.Tracer
	if opts.TracerProvider != nil {
		tracer = opts.TracerProvider.Tracer("github.com/taurusdb/taurus/engine")
	} else {
		tracer = noop.NewTracerProvider().Tracer("")
	}

	fm, err := filemanager.OpenExisting(opts.DataDir, opts.Logger)
	if errors.Is(err, os.ErrNotExist) {
		fm, err = filemanager.New(opts.DataDir, opts.Logger)
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			fm.Close()
		}
	}()

	db = &DB{
		opts:   opts,
		cfg:    cfg,
		logger: logger,
		tracer: tracer,
		fm:     fm,
		mem:    memtable.NewMemtable(int64(cfg.Storage.MemtableSizeBytes)),
	}

	maxSeq, err := db.recover()
	if err != nil {
		return nil, err
	}
	db.seqNum.Store(maxSeq)

	db.mu.Lock()
	err = db.openFreshWALLocked()
	db.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if cfg.Performance.WALSync.Mode == config.SyncPeriodic {
		db.ticker = time.NewTicker(time.Duration(cfg.Performance.WALSync.PeriodicIntervalMS) * time.Millisecond)
		db.tickerDone = make(chan struct{})
		go db.periodicSyncLoop()
	}

	logger.Info("Database opened.", "dir", opts.DataDir, "recovered_seq", maxSeq)
	return db, nil
}

// recover replays every WAL file in the directory in file-number order,
// rebuilding the memtable and returning the highest sequence number seen.
func (db *DB) recover() (uint64, error) {
	entries, err := os.ReadDir(db.fm.DirPath())
	if err != nil {
		return 0, fmt.Errorf("failed to scan data directory for WAL files: %w", err)
	}

	var numbers []uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if number, err := core.ParseWALFileName(entry.Name()); err == nil {
			numbers = append(numbers, number)
		}
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })

	var maxSeq uint64
	var replayed int
	for _, number := range numbers {
		path, err := db.fm.GenerateFilename(filemanager.WriteAheadLog, number)
		if err != nil {
			return 0, err
		}
		records, err := wal.Replay(path, db.opts.Logger)
		if err != nil {
			return 0, fmt.Errorf("failed to replay WAL %s: %w", path, err)
		}
		for _, rec := range records {
			key, err := core.DecodeInternalKey(rec.Key)
			if err != nil {
				// The record passed its checksum, so a bad key is real
				// corruption rather than a torn tail.
				return 0, fmt.Errorf("corrupt internal key in WAL %s: %w", path, err)
			}
			db.mem.Put(key, rec.Value)
			if key.SeqNum > maxSeq {
				maxSeq = key.SeqNum
			}
			replayed++
		}
	}
	if replayed > 0 {
		db.logger.Info("Recovered entries from WAL.", "records", replayed, "max_seq", maxSeq)
	}
	return maxSeq, nil
}

// openFreshWALLocked allocates a new file number and starts a new log for
// this session. Older logs stay behind until their generations are flushed.
func (db *DB) openFreshWALLocked() error {
	number := db.fm.NewFileNumber()
	path, err := db.fm.GenerateFilename(filemanager.WriteAheadLog, number)
	if err != nil {
		return err
	}

	walOpts := wal.Options{Path: path, Logger: db.opts.Logger}
	if db.opts.Metrics != nil {
		walOpts.BytesWritten = db.opts.Metrics.WALBytesWritten
		walOpts.RecordsWritten = db.opts.Metrics.WALRecordsWritten
	}
	w, err := wal.Open(walOpts)
	if err != nil {
		return err
	}

	if db.wal != nil {
		if closeErr := db.wal.Close(); closeErr != nil {
			db.logger.Error("Failed to close previous WAL during rotation.", "error", closeErr)
		}
	}
	db.wal = w
	db.unsyncedRecords = 0
	db.unsyncedBytes = 0
	return nil
}

// Put writes a key-value pair.
func (db *DB) Put(ctx context.Context, userKey, value []byte) (err error) {
	_, span := db.tracer.Start(ctx, "DB.Put")
	defer span.End()
	span.SetAttributes(attribute.Int("key.len", len(userKey)), attribute.Int("value.len", len(value)))

	if err = db.apply(core.EntryTypePut, userKey, value); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "put_failed")
		return err
	}
	if db.opts.Metrics != nil && db.opts.Metrics.PutsTotal != nil {
		db.opts.Metrics.PutsTotal.Add(1)
	}
	return nil
}

// Delete writes a tombstone for a user key. The key does not need to exist.
func (db *DB) Delete(ctx context.Context, userKey []byte) (err error) {
	_, span := db.tracer.Start(ctx, "DB.Delete")
	defer span.End()

	if err = db.apply(core.EntryTypeDelete, userKey, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete_failed")
		return err
	}
	if db.opts.Metrics != nil && db.opts.Metrics.DeletesTotal != nil {
		db.opts.Metrics.DeletesTotal.Add(1)
	}
	return nil
}

// apply runs the write protocol: assign a sequence number, append to the WAL
// under the configured sync policy, then insert into the active memtable.
func (db *DB) apply(kind core.EntryType, userKey, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}

	key := core.NewInternalKey(userKey, db.seqNum.Add(1), kind)
	rec := wal.Record{Kind: kind, Key: key.Encode(), Value: value}

	if err := db.appendLocked(rec); err != nil {
		return fmt.Errorf("failed to write %s to WAL: %w", kind, err)
	}
	db.mem.Put(key, value)

	if db.mem.IsFull() {
		if err := db.rotateLocked(); err != nil {
			// The write itself is durable and applied; rotation failure only
			// delays the generation swap.
			db.logger.Error("Memtable rotation failed.", "error", err)
		}
	}
	return nil
}

// appendLocked maps the configured sync policy onto the WAL primitives.
func (db *DB) appendLocked(rec wal.Record) error {
	sync := db.cfg.Performance.WALSync
	switch sync.Mode {
	case config.SyncEveryWrite:
		return db.wal.Append(rec)
	case config.SyncBatch:
		if err := db.wal.AppendNoSync(rec); err != nil {
			return err
		}
		db.unsyncedRecords++
		db.unsyncedBytes += uint64(rec.EncodedLen())
		if db.unsyncedRecords >= sync.BatchSize || db.unsyncedBytes >= sync.BatchBytes {
			if err := db.wal.Sync(); err != nil {
				return err
			}
			db.unsyncedRecords = 0
			db.unsyncedBytes = 0
		}
		return nil
	case config.SyncPeriodic:
		return db.wal.AppendNoSync(rec)
	default:
		return fmt.Errorf("unknown WAL sync mode %q", sync.Mode)
	}
}

// rotateLocked freezes the full memtable, starts a fresh generation and WAL,
// and records a checkpoint. The frozen generation goes to the FlushHandler
// if one is configured; otherwise it is retained for reads until the
// embedding system takes it over.
func (db *DB) rotateLocked() error {
	frozen := db.mem
	db.mem = memtable.NewMemtable(int64(db.cfg.Storage.MemtableSizeBytes))

	if err := db.openFreshWALLocked(); err != nil {
		return err
	}
	if err := db.fm.PersistCheckpoint(); err != nil {
		return err
	}

	if db.opts.Metrics != nil && db.opts.Metrics.FlushesTotal != nil {
		db.opts.Metrics.FlushesTotal.Add(1)
	}
	db.logger.Info("Memtable frozen.", "entries", frozen.Len(), "size_bytes", frozen.Size())

	if db.opts.FlushHandler != nil {
		if err := db.opts.FlushHandler.FlushMemtable(frozen); err != nil {
			db.logger.Error("Flush handler failed, retaining frozen memtable.", "error", err)
			db.frozen = append(db.frozen, frozen)
			return nil
		}
		return nil
	}
	db.frozen = append(db.frozen, frozen)
	return nil
}

// Get returns the newest value visible for a user key. A tombstone hides all
// older versions. The lookup checks the active generation first, then frozen
// generations from newest to oldest.
func (db *DB) Get(ctx context.Context, userKey []byte) (value []byte, found bool, err error) {
	_, span := db.tracer.Start(ctx, "DB.Get")
	defer span.End()

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil, false, ErrClosed
	}
	generations := make([]*memtable.Memtable, 0, len(db.frozen)+1)
	generations = append(generations, db.mem)
	for i := len(db.frozen) - 1; i >= 0; i-- {
		generations = append(generations, db.frozen[i])
	}
	db.mu.Unlock()

	if db.opts.Metrics != nil && db.opts.Metrics.GetsTotal != nil {
		db.opts.Metrics.GetsTotal.Add(1)
	}

	for _, gen := range generations {
		v, kind, ok := gen.GetLatest(userKey)
		if !ok {
			continue
		}
		if kind == core.EntryTypeDelete {
			return nil, false, nil
		}
		return v, true, nil
	}
	return nil, false, nil
}

// SeqNum returns the highest sequence number issued so far.
func (db *DB) SeqNum() uint64 {
	return db.seqNum.Load()
}

func (db *DB) periodicSyncLoop() {
	for {
		select {
		case <-db.ticker.C:
			db.mu.Lock()
			w := db.wal
			closed := db.closed
			db.mu.Unlock()
			if closed || w == nil {
				return
			}
			if err := w.Sync(); err != nil {
				db.logger.Error("Periodic WAL sync failed.", "error", err)
			}
		case <-db.tickerDone:
			return
		}
	}
}

// Close syncs and closes the WAL, records a final checkpoint and releases
// the directory lock. The DB cannot be used afterwards.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true

	if db.ticker != nil {
		db.ticker.Stop()
		close(db.tickerDone)
	}

	var firstErr error
	if db.wal != nil {
		if err := db.wal.Close(); err != nil {
			firstErr = err
		}
		db.wal = nil
	}
	db.mu.Unlock()

	if err := db.fm.PersistCheckpoint(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.fm.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	if firstErr != nil {
		db.logger.Error("Error during database close.", "error", firstErr)
	} else {
		db.logger.Info("Database closed.")
	}
	return firstErr
}
