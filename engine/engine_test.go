package engine

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taurusdb/taurus/config"
	"github.com/taurusdb/taurus/core"
	"github.com/taurusdb/taurus/memtable"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		DataDir: t.TempDir(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestDB_PutGetDelete(t *testing.T) {
	db, err := Open(testOptions(t))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.Put(ctx, []byte("alpha"), []byte("one")))
	require.NoError(t, db.Put(ctx, []byte("beta"), []byte("two")))

	value, found, err := db.Get(ctx, []byte("alpha"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("one"), value)

	// Overwrite wins.
	require.NoError(t, db.Put(ctx, []byte("alpha"), []byte("one-v2")))
	value, found, err = db.Get(ctx, []byte("alpha"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("one-v2"), value)

	// A tombstone hides the key, including a delete of a missing key.
	require.NoError(t, db.Delete(ctx, []byte("alpha")))
	_, found, err = db.Get(ctx, []byte("alpha"))
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, db.Delete(ctx, []byte("never-written")))
	_, found, err = db.Get(ctx, []byte("never-written"))
	require.NoError(t, err)
	assert.False(t, found)

	assert.Equal(t, uint64(5), db.SeqNum(), "every mutation consumes one sequence number")
}

func TestDB_RecoveryAfterReopen(t *testing.T) {
	opts := testOptions(t)
	ctx := context.Background()

	db, err := Open(opts)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		require.NoError(t, db.Put(ctx, key, []byte(fmt.Sprintf("value-%d", i))))
	}
	require.NoError(t, db.Delete(ctx, []byte("key-007")))
	seqBefore := db.SeqNum()
	require.NoError(t, db.Close())

	db, err = Open(opts)
	require.NoError(t, err)
	defer db.Close()

	value, found, err := db.Get(ctx, []byte("key-001"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("value-1"), value)

	// The tombstone survives recovery too.
	_, found, err = db.Get(ctx, []byte("key-007"))
	require.NoError(t, err)
	assert.False(t, found)

	assert.Equal(t, seqBefore, db.SeqNum(), "sequence numbers continue from the recovered maximum")

	// New writes after recovery get fresh, larger sequence numbers.
	require.NoError(t, db.Put(ctx, []byte("key-007"), []byte("resurrected")))
	value, found, err = db.Get(ctx, []byte("key-007"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("resurrected"), value)
}

func TestDB_SecondOpenFailsWhileLocked(t *testing.T) {
	opts := testOptions(t)
	db, err := Open(opts)
	require.NoError(t, err)
	defer db.Close()

	_, err = Open(opts)
	require.Error(t, err)
	assert.True(t, core.IsAlreadyLocked(err))
}

func TestDB_InvalidConfigRejected(t *testing.T) {
	opts := testOptions(t)
	cfg := config.Default()
	cfg.Storage.MemtableSizeBytes = 1024 // far below the minimum
	opts.Config = cfg

	_, err := Open(opts)
	require.Error(t, err)

	var verrs config.ValidationErrors
	assert.ErrorAs(t, err, &verrs)
	// A rejected open must not leave the directory locked.
	_, statErr := os.Stat(filepath.Join(opts.DataDir, core.LockFileName))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDB_OperationsAfterClose(t *testing.T) {
	db, err := Open(testOptions(t))
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "closing twice is harmless")

	ctx := context.Background()
	assert.ErrorIs(t, db.Put(ctx, []byte("k"), []byte("v")), ErrClosed)
	assert.ErrorIs(t, db.Delete(ctx, []byte("k")), ErrClosed)
	_, _, err = db.Get(ctx, []byte("k"))
	assert.ErrorIs(t, err, ErrClosed)
}

type capturingFlushHandler struct {
	mu     sync.Mutex
	frozen []*memtable.Memtable
	fail   bool
}

func (h *capturingFlushHandler) FlushMemtable(mt *memtable.Memtable) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return fmt.Errorf("simulated flush failure")
	}
	h.frozen = append(h.frozen, mt)
	return nil
}

func rotationConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.MemtableSizeBytes = 1 * 1024 * 1024
	cfg.Performance.WALSync.Mode = config.SyncBatch
	cfg.Performance.WALSync.BatchSize = 64
	cfg.Performance.WALSync.BatchBytes = 1 * 1024 * 1024
	return cfg
}

// fillPastThreshold writes enough data to trip at least one rotation.
func fillPastThreshold(t *testing.T, db *DB) {
	t.Helper()
	ctx := context.Background()
	value := []byte(strings.Repeat("x", 8*1024))
	for i := 0; i < 160; i++ {
		require.NoError(t, db.Put(ctx, []byte(fmt.Sprintf("bulk-%04d", i)), value))
	}
}

func TestDB_RotationHandsGenerationToFlushHandler(t *testing.T) {
	handler := &capturingFlushHandler{}
	opts := testOptions(t)
	opts.Config = rotationConfig()
	opts.FlushHandler = handler
	flushes := new(expvar.Int)
	opts.Metrics = &Metrics{FlushesTotal: flushes}

	db, err := Open(opts)
	require.NoError(t, err)
	defer db.Close()

	fillPastThreshold(t, db)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.NotEmpty(t, handler.frozen)
	assert.Equal(t, int64(len(handler.frozen)), flushes.Value())

	// The handed-over generation carries real entries in key order.
	first := handler.frozen[0]
	assert.Positive(t, first.Len())
	value, kind, found := first.GetLatest([]byte("bulk-0000"))
	require.True(t, found)
	assert.Equal(t, core.EntryTypePut, kind)
	assert.Len(t, value, 8*1024)
}

func TestDB_FrozenGenerationsStayReadable(t *testing.T) {
	opts := testOptions(t)
	opts.Config = rotationConfig()
	// No flush handler: rotated generations are retained for reads.
	db, err := Open(opts)
	require.NoError(t, err)
	defer db.Close()

	fillPastThreshold(t, db)

	ctx := context.Background()
	value, found, err := db.Get(ctx, []byte("bulk-0000"))
	require.NoError(t, err)
	require.True(t, found, "entries from rotated generations must remain visible")
	assert.Len(t, value, 8*1024)

	// The active generation shadows older ones.
	require.NoError(t, db.Put(ctx, []byte("bulk-0000"), []byte("fresh")))
	value, found, err = db.Get(ctx, []byte("bulk-0000"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("fresh"), value)
}

func TestDB_FailedFlushRetainsGeneration(t *testing.T) {
	handler := &capturingFlushHandler{fail: true}
	opts := testOptions(t)
	opts.Config = rotationConfig()
	opts.FlushHandler = handler

	db, err := Open(opts)
	require.NoError(t, err)
	defer db.Close()

	fillPastThreshold(t, db)

	// Writes keep succeeding and old entries stay readable despite the
	// failing handler.
	value, found, err := db.Get(context.Background(), []byte("bulk-0001"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, value, 8*1024)
}

func TestDB_RotationAdvancesCheckpoint(t *testing.T) {
	opts := testOptions(t)
	opts.Config = rotationConfig()
	db, err := Open(opts)
	require.NoError(t, err)

	fillPastThreshold(t, db)
	require.NoError(t, db.Close())

	current, err := os.ReadFile(filepath.Join(opts.DataDir, core.CurrentFileName))
	require.NoError(t, err)
	assert.NotEqual(t, "MANIFEST-000001\n", string(current),
		"rotation and close must have published newer manifests")

	// A reopen proves the persisted counter is usable.
	db, err = Open(opts)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestDB_SyncModes(t *testing.T) {
	for _, mode := range []config.WALSyncMode{config.SyncEveryWrite, config.SyncBatch, config.SyncPeriodic} {
		t.Run(string(mode), func(t *testing.T) {
			opts := testOptions(t)
			cfg := config.Default()
			cfg.Performance.WALSync.Mode = mode
			cfg.Performance.WALSync.BatchSize = 2
			cfg.Performance.WALSync.BatchBytes = 1024
			cfg.Performance.WALSync.PeriodicIntervalMS = 10
			opts.Config = cfg

			db, err := Open(opts)
			require.NoError(t, err)

			ctx := context.Background()
			for i := 0; i < 5; i++ {
				require.NoError(t, db.Put(ctx, []byte(fmt.Sprintf("k%d", i)), []byte("v")))
			}
			require.NoError(t, db.Close())

			// Everything written before a clean close is recoverable,
			// whatever the sync policy.
			db, err = Open(opts)
			require.NoError(t, err)
			defer db.Close()
			for i := 0; i < 5; i++ {
				_, found, err := db.Get(ctx, []byte(fmt.Sprintf("k%d", i)))
				require.NoError(t, err)
				assert.True(t, found)
			}
		})
	}
}

func TestDB_MetricsCounters(t *testing.T) {
	opts := testOptions(t)
	m := &Metrics{
		PutsTotal:         new(expvar.Int),
		DeletesTotal:      new(expvar.Int),
		GetsTotal:         new(expvar.Int),
		WALBytesWritten:   new(expvar.Int),
		WALRecordsWritten: new(expvar.Int),
	}
	opts.Metrics = m

	db, err := Open(opts)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.Put(ctx, []byte("a"), []byte("1")))
	require.NoError(t, db.Put(ctx, []byte("b"), []byte("2")))
	require.NoError(t, db.Delete(ctx, []byte("a")))
	_, _, err = db.Get(ctx, []byte("b"))
	require.NoError(t, err)

	assert.Equal(t, int64(2), m.PutsTotal.Value())
	assert.Equal(t, int64(1), m.DeletesTotal.Value())
	assert.Equal(t, int64(1), m.GetsTotal.Value())
	assert.Equal(t, int64(3), m.WALRecordsWritten.Value())
	assert.Positive(t, m.WALBytesWritten.Value())
}
