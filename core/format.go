package core

import (
	"fmt"
	"strconv"
	"strings"
)

// This file centralizes the on-disk naming grammar of a database directory.
// All numbered files draw from one counter namespace and use a 6-digit,
// zero-left-padded decimal.

// --- File Names & Prefixes ---
const (
	// CurrentFileName is the fixed-name pointer to the active manifest.
	CurrentFileName = "CURRENT"
	// LockFileName holds the textual pid of the process owning the directory.
	LockFileName = "LOCK"
	// ManifestFilePrefix is the prefix for manifest files, e.g. MANIFEST-000001.
	ManifestFilePrefix = "MANIFEST-"
	// SSTableFileSuffix is the suffix for sorted-table files.
	SSTableFileSuffix = ".sst"
	// WALFileSuffix is the suffix for write-ahead log files.
	WALFileSuffix = ".log"
)

// NextFileNumberKey is the key of the manifest line recording the file-number
// counter, written as "next_file_number: <decimal>\n".
const NextFileNumberKey = "next_file_number"

const (
	SeqNumSize   = 8 // uint64 sequence number
	ChecksumSize = 4 // uint32 CRC32 checksum
)

// FormatFileNumber renders a file number as a 6-digit zero-padded decimal.
func FormatFileNumber(number uint64) string {
	return fmt.Sprintf("%06d", number)
}

// FormatSSTableFileName creates an SSTable file name from its number.
func FormatSSTableFileName(number uint64) string {
	return FormatFileNumber(number) + SSTableFileSuffix
}

// FormatWALFileName creates a WAL file name from its number.
func FormatWALFileName(number uint64) string {
	return FormatFileNumber(number) + WALFileSuffix
}

// FormatManifestFileName creates a manifest file name from its number.
func FormatManifestFileName(number uint64) string {
	return ManifestFilePrefix + FormatFileNumber(number)
}

// ParseWALFileName extracts the file number from a WAL file name.
func ParseWALFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, WALFileSuffix) {
		return 0, fmt.Errorf("file %s is not a WAL file", name)
	}
	return strconv.ParseUint(strings.TrimSuffix(name, WALFileSuffix), 10, 64)
}

// FormatNextFileNumberLine renders the manifest counter line.
func FormatNextFileNumberLine(number uint64) string {
	return fmt.Sprintf("%s: %d\n", NextFileNumberKey, number)
}

// ParseNextFileNumber scans manifest contents for the counter line and parses
// its value. It returns an error when the line is missing or unparsable.
func ParseNextFileNumber(contents string) (uint64, error) {
	for _, line := range strings.Split(contents, "\n") {
		rest, ok := strings.CutPrefix(line, NextFileNumberKey+":")
		if !ok {
			continue
		}
		number, err := strconv.ParseUint(strings.TrimSpace(rest), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s value %q: %w", NextFileNumberKey, strings.TrimSpace(rest), err)
		}
		return number, nil
	}
	return 0, fmt.Errorf("%s line not found in manifest", NextFileNumberKey)
}
