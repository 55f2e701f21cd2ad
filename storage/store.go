// Package storage keeps the persisted transfer history of an instance.
//
// Records are the same JSON shape the history query returns. The store
// never holds live transfer state: Insert and Update take deep snapshots,
// and queries hand out fresh copies, so history reads and flushes are safe
// while workers keep appending states to the live records. When a storage
// path is configured the whole history is serialized to one JSON file
// after each mutation; with no path the store is memory-only and the
// history lives as long as the instance.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/filedrop/transfer"
)

// ErrDatabase indicates the backing file could not be read or written.
var ErrDatabase = errors.New("storage database error")

// ErrNotFound indicates an unknown transfer or file ID.
var ErrNotFound = errors.New("record not found")

// ErrFileNotRejected indicates a file removal on a file whose history did
// not end in rejection.
var ErrFileNotRejected = errors.New("file is not rejected")

// Store is the transfer history of one instance.
type Store struct {
	path string
	log  *logrus.Logger

	mu      sync.Mutex
	records map[string]*transfer.Transfer
}

// Open loads the history from path, or creates an empty memory-only store
// when path is empty.
func Open(path string, log *logrus.Logger) (*Store, error) {
	s := &Store{
		path:    path,
		log:     log,
		records: make(map[string]*transfer.Transfer),
	}
	if path == "" {
		return s, nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrDatabase, path, err)
	}

	var records []*transfer.Transfer
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrDatabase, path, err)
	}
	for _, r := range records {
		s.records[r.ID] = r
	}

	log.WithFields(logrus.Fields{
		"function": "Open",
		"path":     path,
		"records":  len(records),
	}).Debug("loaded transfer history")
	return s, nil
}

// Insert records a snapshot of the transfer in the history.
func (s *Store) Insert(t *transfer.Transfer) error {
	snap := t.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[snap.ID] = snap
	return s.flushLocked()
}

// Update replaces an already recorded transfer with a fresh snapshot.
func (s *Store) Update(t *transfer.Transfer) error {
	snap := t.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[snap.ID]; !ok {
		return fmt.Errorf("%w: transfer %s", ErrNotFound, snap.ID)
	}
	s.records[snap.ID] = snap
	return s.flushLocked()
}

// TransfersSince returns every transfer created at or after the given Unix
// time in seconds, oldest first. The returned records are copies; callers
// may read them without coordinating with the store.
func (s *Store) TransfersSince(sinceSeconds int64) []*transfer.Transfer {
	cutoff := sinceSeconds * 1000

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*transfer.Transfer
	for _, t := range s.records {
		if t.CreatedAt >= cutoff {
			out = append(out, t.Snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// Purge removes the transfers with the given IDs. Unknown IDs are ignored.
func (s *Store) Purge(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.records, id)
	}
	return s.flushLocked()
}

// PurgeUntil removes every transfer created before the given Unix time in
// seconds.
func (s *Store) PurgeUntil(untilSeconds int64) error {
	cutoff := untilSeconds * 1000

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.records {
		if t.CreatedAt < cutoff {
			delete(s.records, id)
		}
	}
	return s.flushLocked()
}

// RemoveFile deletes one file from a recorded transfer. Only files whose
// history ended in rejection may be removed.
func (s *Store) RemoveFile(transferID, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.records[transferID]
	if !ok {
		return fmt.Errorf("%w: transfer %s", ErrNotFound, transferID)
	}
	for i, f := range t.Files {
		if f.ID != fileID {
			continue
		}
		if f.LastState() != transfer.StateReject {
			return fmt.Errorf("%w: file %s", ErrFileNotRejected, fileID)
		}
		t.Files = append(t.Files[:i], t.Files[i+1:]...)
		return s.flushLocked()
	}
	return fmt.Errorf("%w: file %s in transfer %s", ErrNotFound, fileID, transferID)
}

// flushLocked serializes the history to disk. Callers hold s.mu.
func (s *Store) flushLocked() error {
	if s.path == "" {
		return nil
	}

	records := make([]*transfer.Transfer, 0, len(s.records))
	for _, t := range s.records {
		records = append(records, t)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt < records[j].CreatedAt })

	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("%w: encoding history: %v", ErrDatabase, err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("%w: writing %s: %v", ErrDatabase, tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("%w: replacing %s: %v", ErrDatabase, s.path, err)
	}
	return nil
}
