// Package filemanager owns the lifecycle of a database directory: exclusive
// lock acquisition, the CURRENT -> MANIFEST metadata chain, monotonic file
// number allocation and filename synthesis for every numbered file kind.
package filemanager

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/taurusdb/taurus/core"
)

// FileKind identifies the kind of file a name is generated for.
type FileKind int

const (
	SSTable FileKind = iota
	WriteAheadLog
	Manifest
	Current
	Lock
)

// String returns the string representation of the FileKind.
func (k FileKind) String() string {
	switch k {
	case SSTable:
		return "SSTable"
	case WriteAheadLog:
		return "WAL"
	case Manifest:
		return "MANIFEST"
	case Current:
		return "CURRENT"
	case Lock:
		return "LOCK"
	default:
		return "unknown"
	}
}

// initialFileNumber seeds the allocator of a fresh database: MANIFEST-000001
// consumes number 1, so allocation starts at 2.
const initialFileNumber = 2

// FileManager guards single-process exclusive access to a database directory
// and allocates file numbers from one counter namespace shared by WALs,
// SSTables and manifests. Number allocation is safe under concurrent calls;
// construction, open and Close are expected to run once at process
// start/stop.
type FileManager struct {
	dbDirPath      string
	nextFileNumber atomic.Uint64
	logger         *slog.Logger
}

// New initializes a database directory that is absent or present-and-empty.
// It creates the directory if needed, then atomically initializes LOCK,
// MANIFEST-000001 and CURRENT. It fails with an already-exists error when
// the path is a regular file or a non-empty directory.
func New(dir string, logger *slog.Logger) (*FileManager, error) {
	logger = componentLogger(logger)

	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		return nil, fmt.Errorf("db already exists as a file at %s: %w", dir, os.ErrExist)
	case err == nil:
		entries, readErr := os.ReadDir(dir)
		if readErr != nil {
			return nil, fmt.Errorf("failed to inspect directory %s: %w", dir, readErr)
		}
		if len(entries) > 0 {
			return nil, fmt.Errorf("db already exists at %s: %w", dir, os.ErrExist)
		}
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(dir, 0755); mkErr != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, mkErr)
		}
	default:
		return nil, fmt.Errorf("failed to stat %s: %w", dir, err)
	}

	if err := initializeDBFiles(dir); err != nil {
		return nil, err
	}

	fm := &FileManager{dbDirPath: dir, logger: logger}
	fm.nextFileNumber.Store(initialFileNumber)
	logger.Info("Initialized new database directory.", "dir", dir)
	return fm, nil
}

// OpenExisting opens an initialized database directory. It fails with a
// not-found error when the directory or its CURRENT file is absent, and with
// an AlreadyLockedError naming the owning pid when LOCK is held.
func OpenExisting(dir string, logger *slog.Logger) (*FileManager, error) {
	logger = componentLogger(logger)

	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("db directory %s not found: %w", dir, os.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to stat db directory %s: %w", dir, err)
	}

	currentPath := filepath.Join(dir, core.CurrentFileName)
	if _, err := os.Stat(currentPath); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("path %s exists but db not initialized within: %w", dir, os.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to stat CURRENT file in %s: %w", dir, err)
	}

	if err := acquireLock(dir); err != nil {
		return nil, err
	}

	nextNumber, err := readNextFileNumber(dir, currentPath)
	if err != nil {
		// Seeding failed after the lock was taken; release it so a later
		// opener is not walled out by this process.
		_ = os.Remove(filepath.Join(dir, core.LockFileName))
		return nil, err
	}

	fm := &FileManager{dbDirPath: dir, logger: logger}
	fm.nextFileNumber.Store(nextNumber)
	logger.Info("Opened existing database directory.", "dir", dir, "next_file_number", nextNumber)
	return fm, nil
}

// NewFileNumber allocates the next file number: an atomic fetch-and-
// increment, globally unique for the lifetime of this FileManager instance.
func (fm *FileManager) NewFileNumber() uint64 {
	return fm.nextFileNumber.Add(1) - 1
}

// GenerateFilename synthesizes the full path for a file of the given kind.
// SSTable, WriteAheadLog and Manifest require exactly one number; Current and
// Lock forbid one. Misuse returns a ContractViolationError rather than
// aborting, so callers can log or recover.
func (fm *FileManager) GenerateFilename(kind FileKind, number ...uint64) (string, error) {
	const op = "FileManager.GenerateFilename"

	switch kind {
	case SSTable, WriteAheadLog, Manifest:
		if len(number) != 1 {
			return "", &core.ContractViolationError{
				Op:     op,
				Reason: fmt.Sprintf("%s files require exactly one file number, got %d", kind, len(number)),
			}
		}
	case Current, Lock:
		if len(number) != 0 {
			return "", &core.ContractViolationError{
				Op:     op,
				Reason: fmt.Sprintf("fixed file kind %s must not have a number", kind),
			}
		}
	default:
		return "", &core.ContractViolationError{Op: op, Reason: fmt.Sprintf("unknown file kind %d", kind)}
	}

	var name string
	switch kind {
	case SSTable:
		name = core.FormatSSTableFileName(number[0])
	case WriteAheadLog:
		name = core.FormatWALFileName(number[0])
	case Manifest:
		name = core.FormatManifestFileName(number[0])
	case Current:
		name = core.CurrentFileName
	case Lock:
		name = core.LockFileName
	}
	return filepath.Join(fm.dbDirPath, name), nil
}

// DirPath returns the database directory path, fixed for the session.
func (fm *FileManager) DirPath() string {
	return fm.dbDirPath
}

// PersistCheckpoint durably records the current allocator state: it writes a
// fresh manifest carrying the counter, syncs it, then atomically republishes
// CURRENT via the tmp-and-rename protocol. The manifest is only updated at
// these checkpoints, never on individual NewFileNumber calls, so a crash
// between checkpoints replays from the last checkpointed counter.
func (fm *FileManager) PersistCheckpoint() error {
	manifestNumber := fm.NewFileNumber()
	manifestName := core.FormatManifestFileName(manifestNumber)
	manifestPath := filepath.Join(fm.dbDirPath, manifestName)

	// The recorded counter must cover the manifest's own number.
	counter := fm.nextFileNumber.Load()
	if err := writeFileSynced(manifestPath, []byte(core.FormatNextFileNumberLine(counter)), true); err != nil {
		return fmt.Errorf("failed to write manifest %s: %w", manifestPath, err)
	}

	if err := fm.publishCurrent(manifestName); err != nil {
		return err
	}
	fm.logger.Info("Checkpoint persisted.", "manifest", manifestName, "next_file_number", counter)
	return nil
}

// publishCurrent atomically points CURRENT at the named manifest. CURRENT is
// never observably partial: readers see either the previous manifest name or
// the new one.
func (fm *FileManager) publishCurrent(manifestName string) error {
	currentPath := filepath.Join(fm.dbDirPath, core.CurrentFileName)
	tmpPath := currentPath + ".tmp"

	if err := writeFileSynced(tmpPath, []byte(manifestName+"\n"), false); err != nil {
		return fmt.Errorf("failed to write temporary CURRENT file: %w", err)
	}
	if err := os.Rename(tmpPath, currentPath); err != nil {
		return fmt.Errorf("failed to atomically update CURRENT file: %w", err)
	}
	return nil
}

// Close releases the directory lock, relinquishing exclusive ownership so a
// later opener can succeed.
func (fm *FileManager) Close() error {
	lockPath := filepath.Join(fm.dbDirPath, core.LockFileName)
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove LOCK file %s: %w", lockPath, err)
	}
	fm.logger.Info("Released database directory lock.", "dir", fm.dbDirPath)
	return nil
}

func componentLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default().With("component", "FileManager")
	}
	return logger.With("component", "FileManager")
}

// acquireLock exclusively creates the LOCK file containing this process's
// textual pid. A pre-existing LOCK yields an AlreadyLockedError naming the
// recorded owner (best-effort; the pid may be stale).
func acquireLock(dir string) error {
	lockPath := filepath.Join(dir, core.LockFileName)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			pid, readErr := os.ReadFile(lockPath)
			if readErr != nil {
				return fmt.Errorf("db locked and LOCK file unreadable: %w", readErr)
			}
			return &core.AlreadyLockedError{PID: strings.TrimSpace(string(pid))}
		}
		return fmt.Errorf("failed to create LOCK file %s: %w", lockPath, err)
	}

	_, writeErr := f.WriteString(strconv.Itoa(os.Getpid()))
	syncErr := f.Sync()
	closeErr := f.Close()
	for _, e := range []error{writeErr, syncErr, closeErr} {
		if e != nil {
			_ = os.Remove(lockPath)
			return fmt.Errorf("failed to record pid in LOCK file %s: %w", lockPath, e)
		}
	}
	return nil
}

// initializeDBFiles lays down the metadata chain of a fresh directory:
// LOCK, MANIFEST-000001, then CURRENT published via tmp-and-rename so that a
// crash at any point leaves CURRENT absent or valid, never partial.
func initializeDBFiles(dir string) error {
	if err := acquireLock(dir); err != nil {
		return err
	}

	manifestPath := filepath.Join(dir, core.FormatManifestFileName(1))
	if err := writeFileSynced(manifestPath, []byte(core.FormatNextFileNumberLine(initialFileNumber)), true); err != nil {
		return fmt.Errorf("failed to write initial manifest %s: %w", manifestPath, err)
	}

	currentPath := filepath.Join(dir, core.CurrentFileName)
	tmpPath := currentPath + ".tmp"
	if err := writeFileSynced(tmpPath, []byte(core.FormatManifestFileName(1)+"\n"), false); err != nil {
		return fmt.Errorf("failed to write temporary CURRENT file: %w", err)
	}
	if err := os.Rename(tmpPath, currentPath); err != nil {
		return fmt.Errorf("failed to publish CURRENT file: %w", err)
	}
	return nil
}

// readNextFileNumber follows CURRENT to the active manifest and parses the
// counter line to seed the allocator.
func readNextFileNumber(dir, currentPath string) (uint64, error) {
	currentContents, err := os.ReadFile(currentPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read CURRENT file %s: %w", currentPath, err)
	}

	manifestName := strings.TrimSpace(string(currentContents))
	manifestPath := filepath.Join(dir, manifestName)
	manifestContents, err := os.ReadFile(manifestPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read manifest %s: %w", manifestPath, err)
	}

	number, err := core.ParseNextFileNumber(string(manifestContents))
	if err != nil {
		return 0, fmt.Errorf("invalid manifest %s: %w", manifestPath, err)
	}
	return number, nil
}

// writeFileSynced writes contents and fsyncs before closing. With exclusive
// set, creation fails if the file already exists.
func writeFileSynced(path string, data []byte, exclusive bool) error {
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if exclusive {
		flags = os.O_CREATE | os.O_EXCL | os.O_WRONLY
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

var _ io.Closer = (*FileManager)(nil)
