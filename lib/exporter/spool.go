// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

package exporter

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/pydantic/logfire-sub001/lib/clock"
	"github.com/pydantic/logfire-sub001/lib/codec"
)

// DefaultMaxSpoolBytes is the default ceiling on the total uncompressed
// size of spooled payloads.
const DefaultMaxSpoolBytes = 512 << 20

const (
	payloadSuffix = ".payload"
	metaSuffix    = ".meta"
	tempSuffix    = ".tmp"
	lockFileName  = ".lock"
)

var (
	// ErrCapacityExceeded is returned by Push when accepting the
	// payload would take the spool past its byte ceiling.
	ErrCapacityExceeded = errors.New("retry spool capacity exceeded")

	// ErrSpoolLocked is returned by OpenSpool when another spool,
	// in this process or another, owns the directory.
	ErrSpoolLocked = errors.New("retry spool is locked by another owner")

	// ErrSpoolClosed is returned by operations on a closed spool.
	ErrSpoolClosed = errors.New("retry spool is closed")
)

// payloadDomainKey keys the BLAKE3 checksums of spooled payloads,
// zero-padded ASCII so it reads in hex dumps.
var payloadDomainKey = [32]byte{
	'l', 'o', 'g', 'f', 'i', 'r', 'e', '.', 's', 'p', 'o', 'o', 'l', '.',
	'p', 'a', 'y', 'l', 'o', 'a', 'd', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Entry is the metadata of one spooled payload, persisted as CBOR in
// <id>.meta next to the payload in <id>.payload.
type Entry struct {
	ID       string `cbor:"id"`
	Sequence uint64 `cbor:"sequence"`

	// Size is the uncompressed payload size. Capacity accounting uses
	// it, so the ceiling means the same thing whatever the compression.
	Size int64 `cbor:"size"`

	// StoredSize is the size of the payload file on disk.
	StoredSize  int64          `cbor:"stored_size"`
	Compression CompressionTag `cbor:"compression"`

	// Checksum is the keyed BLAKE3 hash of the uncompressed payload.
	Checksum []byte `cbor:"checksum"`

	EnqueuedAt  time.Time     `cbor:"enqueued_at"`
	NextAttempt time.Time     `cbor:"next_attempt"`
	Interval    time.Duration `cbor:"interval"`
	Attempts    int           `cbor:"attempts"`
}

// SpoolOptions configures OpenSpool.
type SpoolOptions struct {
	// Dir is a persistent spool directory, created if missing. Entries
	// left by a previous owner are recovered. Empty creates a
	// temporary directory that Close removes.
	Dir string

	// MaxBytes caps the total uncompressed size of spooled payloads.
	// Defaults to DefaultMaxSpoolBytes.
	MaxBytes int64

	Compression CompressionTag
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Spool is a durable FIFO of payloads awaiting redelivery. Entries are
// claimed one at a time by whoever is sending them, then removed on
// success or rescheduled on failure; a claimed entry is invisible to
// other claimers.
//
// The spool directory is owned exclusively: OpenSpool takes a
// non-blocking flock on <dir>/.lock and fails with ErrSpoolLocked if
// another owner holds it.
//
// Thread-safe: all methods may be called concurrently.
type Spool struct {
	dir         string
	temporary   bool
	maxBytes    int64
	compression CompressionTag
	clock       clock.Clock
	logger      *slog.Logger
	lock        *dirLock

	mu           sync.Mutex
	entries      map[string]*spoolEntry
	order        []string // entry ids in sequence order
	bytes        int64    // includes reservations of in-progress pushes
	nextSequence uint64
	changed      chan struct{}
	closed       bool

	recoveryDropped int
}

type spoolEntry struct {
	Entry
	claimed bool
}

// OpenSpool opens (or creates) a spool and recovers any entries already
// in it. Recovered entries are eligible immediately. Entries that fail
// to decode or whose payload is missing are deleted; entries beyond
// MaxBytes are deleted and counted in RecoveryDropped.
func OpenSpool(options SpoolOptions) (*Spool, error) {
	if options.MaxBytes <= 0 {
		options.MaxBytes = DefaultMaxSpoolBytes
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	dir := options.Dir
	temporary := dir == ""
	if temporary {
		created, err := os.MkdirTemp("", "logfire-spool-*")
		if err != nil {
			return nil, fmt.Errorf("creating temporary spool directory: %w", err)
		}
		dir = created
	} else if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating spool directory %s: %w", dir, err)
	}

	lock, err := lockDir(dir)
	if err != nil {
		if temporary {
			os.RemoveAll(dir)
		}
		return nil, err
	}

	spool := &Spool{
		dir:          dir,
		temporary:    temporary,
		maxBytes:     options.MaxBytes,
		compression:  options.Compression,
		clock:        options.Clock,
		logger:       options.Logger,
		lock:         lock,
		entries:      make(map[string]*spoolEntry),
		nextSequence: 1,
		changed:      make(chan struct{}),
	}
	if !temporary {
		if err := spool.recover(); err != nil {
			lock.release()
			return nil, err
		}
	}
	return spool, nil
}

// Dir returns the spool directory.
func (s *Spool) Dir() string { return s.dir }

// MaxBytes returns the capacity ceiling.
func (s *Spool) MaxBytes() int64 { return s.maxBytes }

// RecoveryDropped returns how many recovered entries were discarded
// because they did not fit under the ceiling.
func (s *Spool) RecoveryDropped() int { return s.recoveryDropped }

// Push persists payload as a new entry that becomes eligible after
// interval. A payload that would take the spool past its ceiling is
// rejected with ErrCapacityExceeded; nothing is written.
func (s *Spool) Push(payload []byte, interval time.Duration) (Entry, error) {
	size := int64(len(payload))
	if size == 0 {
		return Entry{}, errors.New("refusing to spool an empty payload")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Entry{}, ErrSpoolClosed
	}
	if s.bytes+size > s.maxBytes {
		held := s.bytes
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("%w: %d bytes held, %d more would exceed %d",
			ErrCapacityExceeded, held, size, s.maxBytes)
	}
	s.bytes += size
	sequence := s.nextSequence
	s.nextSequence++
	s.mu.Unlock()

	entry, err := s.write(sequence, payload, interval)
	if err != nil {
		s.mu.Lock()
		s.bytes -= size
		s.mu.Unlock()
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(entry)
	s.notifyLocked()
	return entry, nil
}

func (s *Spool) write(sequence uint64, payload []byte, interval time.Duration) (Entry, error) {
	checksum := blake3Keyed(payload)
	stored, tag, err := compressPayload(payload, s.compression)
	if err != nil {
		return Entry{}, fmt.Errorf("compressing spooled payload: %w", err)
	}

	now := s.clock.Now()
	entry := Entry{
		ID:          fmt.Sprintf("%016x-%x", sequence, checksum[:4]),
		Sequence:    sequence,
		Size:        int64(len(payload)),
		StoredSize:  int64(len(stored)),
		Compression: tag,
		Checksum:    checksum[:],
		EnqueuedAt:  now,
		NextAttempt: now.Add(interval),
		Interval:    interval,
	}

	// Payload first: a crash between the two writes leaves an orphan
	// payload, which recovery deletes, never metadata without data.
	if err := writeFileAtomic(s.dir, s.payloadPath(entry.ID), stored); err != nil {
		return Entry{}, err
	}
	if err := s.writeMeta(entry); err != nil {
		os.Remove(s.payloadPath(entry.ID))
		return Entry{}, err
	}
	return entry, nil
}

// Claim marks the first unclaimed entry (in sequence order) for which
// eligible returns true as claimed and returns it. The claimer must
// finish with Remove, Reschedule, or Release.
func (s *Spool) Claim(eligible func(Entry) bool) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Entry{}, false
	}
	for _, id := range s.order {
		candidate := s.entries[id]
		if candidate.claimed || !eligible(candidate.Entry) {
			continue
		}
		candidate.claimed = true
		return candidate.Entry, true
	}
	return Entry{}, false
}

// Load reads, decompresses, and verifies an entry's payload.
func (s *Spool) Load(entry Entry) ([]byte, error) {
	stored, err := os.ReadFile(s.payloadPath(entry.ID))
	if err != nil {
		return nil, fmt.Errorf("reading spooled payload %s: %w", entry.ID, err)
	}
	payload, err := decompressPayload(stored, entry.Compression, int(entry.Size))
	if err != nil {
		return nil, fmt.Errorf("decoding spooled payload %s: %w", entry.ID, err)
	}
	checksum := blake3Keyed(payload)
	if !bytes.Equal(checksum[:], entry.Checksum) {
		return nil, fmt.Errorf("spooled payload %s: checksum mismatch", entry.ID)
	}
	return payload, nil
}

// Remove deletes an entry and its files.
func (s *Spool) Remove(id string) error {
	s.mu.Lock()
	entry, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
		s.bytes -= entry.Size
		index := sort.SearchStrings(s.order, id)
		if index < len(s.order) && s.order[index] == id {
			s.order = append(s.order[:index], s.order[index+1:]...)
		}
		s.notifyLocked()
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.removeFiles(id)
}

// Reschedule persists updated retry metadata for a claimed entry and
// releases the claim. The in-memory entry is updated even when the
// metadata write fails, so the retry schedule holds for this process.
func (s *Spool) Reschedule(entry Entry) error {
	writeErr := s.writeMeta(entry)

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.entries[entry.ID]
	if !ok {
		return writeErr
	}
	current.Entry = entry
	current.claimed = false
	s.notifyLocked()
	return writeErr
}

// Release gives up a claim without changing the entry.
func (s *Spool) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.entries[id]; ok && current.claimed {
		current.claimed = false
		s.notifyLocked()
	}
}

// Len returns the number of entries, claimed or not.
func (s *Spool) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Bytes returns the total uncompressed size held, including pushes in
// progress.
func (s *Spool) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// NextAttempt returns the earliest next-attempt time among unclaimed
// entries.
func (s *Spool) NextAttempt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest time.Time
	found := false
	for _, entry := range s.entries {
		if entry.claimed {
			continue
		}
		if !found || entry.NextAttempt.Before(earliest) {
			earliest = entry.NextAttempt
			found = true
		}
	}
	return earliest, found
}

// Entries returns a snapshot of all entries in sequence order.
func (s *Spool) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Entry, 0, len(s.order))
	for _, id := range s.order {
		result = append(result, s.entries[id].Entry)
	}
	return result
}

// Changed returns a channel that is closed at the next change to the
// spool: a push, removal, reschedule, released claim, or Close. Take
// the channel before inspecting state so no change is missed.
func (s *Spool) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// Close releases the directory lock. A temporary spool's directory is
// removed with everything in it; a persistent spool's entries stay on
// disk for the next owner.
func (s *Spool) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.notifyLocked()
	s.mu.Unlock()

	err := s.lock.release()
	if s.temporary {
		err = errors.Join(err, os.RemoveAll(s.dir))
	}
	return err
}

func (s *Spool) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Spool) insertLocked(entry Entry) {
	s.entries[entry.ID] = &spoolEntry{Entry: entry}
	index := sort.SearchStrings(s.order, entry.ID)
	s.order = append(s.order, "")
	copy(s.order[index+1:], s.order[index:])
	s.order[index] = entry.ID
}

func (s *Spool) payloadPath(id string) string { return filepath.Join(s.dir, id+payloadSuffix) }

func (s *Spool) metaPath(id string) string { return filepath.Join(s.dir, id+metaSuffix) }

func (s *Spool) writeMeta(entry Entry) error {
	data, err := codec.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding spool entry %s: %w", entry.ID, err)
	}
	return writeFileAtomic(s.dir, s.metaPath(entry.ID), data)
}

func (s *Spool) removeFiles(id string) error {
	var errs []error
	for _, path := range []string{s.metaPath(id), s.payloadPath(id)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// recover adopts the entries a previous owner left behind.
func (s *Spool) recover() error {
	listing, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("listing spool directory %s: %w", s.dir, err)
	}

	metas := make(map[string]bool)
	payloads := make(map[string]bool)
	for _, item := range listing {
		name := item.Name()
		switch {
		case item.IsDir() || name == lockFileName:
		case strings.HasSuffix(name, tempSuffix):
			os.Remove(filepath.Join(s.dir, name))
		case strings.HasSuffix(name, metaSuffix):
			metas[strings.TrimSuffix(name, metaSuffix)] = true
		case strings.HasSuffix(name, payloadSuffix):
			payloads[strings.TrimSuffix(name, payloadSuffix)] = true
		}
	}

	for id := range payloads {
		if !metas[id] {
			os.Remove(s.payloadPath(id))
		}
	}

	ids := make([]string, 0, len(metas))
	for id := range metas {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := s.clock.Now()
	for _, id := range ids {
		entry, err := s.readRecoveredEntry(id)
		if err != nil {
			s.logger.Warn("discarding corrupt spool entry", "entry", id, "error", err)
			s.removeFiles(id)
			continue
		}
		if s.bytes+entry.Size > s.maxBytes {
			s.removeFiles(id)
			s.recoveryDropped++
			continue
		}
		entry.NextAttempt = now
		s.insertLocked(entry)
		s.bytes += entry.Size
		if entry.Sequence >= s.nextSequence {
			s.nextSequence = entry.Sequence + 1
		}
	}

	if len(s.entries) > 0 || s.recoveryDropped > 0 {
		s.logger.Info("recovered retry spool",
			"dir", s.dir,
			"entries", len(s.entries),
			"bytes", s.bytes,
			"dropped_over_capacity", s.recoveryDropped,
		)
	}
	return nil
}

func (s *Spool) readRecoveredEntry(id string) (Entry, error) {
	entry, err := readMetaFile(s.metaPath(id))
	if err != nil {
		return Entry{}, err
	}
	if entry.ID != id {
		return Entry{}, fmt.Errorf("metadata names entry %q", entry.ID)
	}
	if entry.Size <= 0 || len(entry.Checksum) != 32 {
		return Entry{}, errors.New("incomplete metadata")
	}
	info, err := os.Stat(s.payloadPath(id))
	if err != nil {
		return Entry{}, fmt.Errorf("payload: %w", err)
	}
	if info.Size() != entry.StoredSize {
		return Entry{}, fmt.Errorf("payload is %d bytes, metadata says %d", info.Size(), entry.StoredSize)
	}
	return entry, nil
}

func readMetaFile(path string) (Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := codec.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return entry, nil
}

// SpoolStats summarizes a spool directory.
type SpoolStats struct {
	Entries     int
	Bytes       int64
	StoredBytes int64
	Oldest      time.Time
	Locked      bool
}

// Inspect summarizes the spool in dir without taking ownership of it,
// so it works while a live exporter holds the lock. Undecodable
// metadata is skipped.
func Inspect(dir string) (SpoolStats, error) {
	listing, err := os.ReadDir(dir)
	if err != nil {
		return SpoolStats{}, fmt.Errorf("listing spool directory %s: %w", dir, err)
	}
	var stats SpoolStats
	for _, item := range listing {
		if item.IsDir() || !strings.HasSuffix(item.Name(), metaSuffix) {
			continue
		}
		entry, err := readMetaFile(filepath.Join(dir, item.Name()))
		if err != nil {
			continue
		}
		stats.Entries++
		stats.Bytes += entry.Size
		stats.StoredBytes += entry.StoredSize
		if stats.Oldest.IsZero() || entry.EnqueuedAt.Before(stats.Oldest) {
			stats.Oldest = entry.EnqueuedAt
		}
	}
	stats.Locked = dirLocked(dir)
	return stats, nil
}

// writeFileAtomic writes data to a temp file in dir and renames it to
// path, so readers never observe a partial file.
func writeFileAtomic(dir, path string, data []byte) error {
	file, err := os.CreateTemp(dir, ".entry-*"+tempSuffix)
	if err != nil {
		return fmt.Errorf("creating temp spool file: %w", err)
	}
	tempPath := file.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("syncing %s: %w", filepath.Base(path), err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming %s into place: %w", filepath.Base(path), err)
	}
	success = true
	return nil
}

func blake3Keyed(data []byte) [32]byte {
	// NewKeyed only fails for a key that is not 32 bytes.
	hasher, err := blake3.NewKeyed(payloadDomainKey[:])
	if err != nil {
		panic("exporter: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var sum [32]byte
	copy(sum[:], hasher.Sum(nil))
	return sum
}
