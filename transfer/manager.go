package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrNoFiles indicates a transfer was requested with an empty descriptor set.
var ErrNoFiles = errors.New("transfer has no files")

// ErrTooManyFiles indicates the configured per-transfer file limit was exceeded.
var ErrTooManyFiles = errors.New("transfer file limit exceeded")

// ErrPathTooDeep indicates a descriptor path exceeds the directory depth limit.
var ErrPathTooDeep = errors.New("directory depth limit exceeded")

// ErrTransferNotFound indicates an unknown transfer ID.
var ErrTransferNotFound = errors.New("no such transfer")

// Descriptor names one file offered in a new transfer.
type Descriptor struct {
	Path string `json:"path"`
}

// ParseDescriptors decodes the JSON descriptor array accepted by
// new-transfer calls.
func ParseDescriptors(raw string) ([]Descriptor, error) {
	var descriptors []Descriptor
	if err := json.Unmarshal([]byte(raw), &descriptors); err != nil {
		return nil, fmt.Errorf("parsing transfer descriptors: %w", err)
	}
	return descriptors, nil
}

// Limits bounds what a single transfer may contain.
type Limits struct {
	DirDepth int
	Files    int
}

// Manager tracks the live transfers of one instance.
type Manager struct {
	limits Limits
	log    *logrus.Logger

	mu        sync.RWMutex
	transfers map[string]*Transfer
}

// NewManager creates a transfer manager enforcing the given limits.
func NewManager(limits Limits, log *logrus.Logger) *Manager {
	return &Manager{
		limits:    limits,
		log:       log,
		transfers: make(map[string]*Transfer),
	}
}

// NewOutgoing builds an outgoing transfer from descriptors. Every file is
// stat'ed so the offer carries real sizes; any failure invalidates the
// whole batch.
func (m *Manager) NewOutgoing(peerID string, descriptors []Descriptor) (*Transfer, error) {
	if len(descriptors) == 0 {
		return nil, ErrNoFiles
	}
	if m.limits.Files > 0 && len(descriptors) > m.limits.Files {
		return nil, fmt.Errorf("%w: %d files, limit %d", ErrTooManyFiles, len(descriptors), m.limits.Files)
	}

	t := New(peerID, DirectionOutgoing)
	for _, d := range descriptors {
		info, err := os.Stat(d.Path)
		if err != nil {
			return nil, fmt.Errorf("reading descriptor path: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("descriptor path %q is a directory", d.Path)
		}

		rel := filepath.Base(d.Path)
		if err := m.checkDepth(rel); err != nil {
			return nil, err
		}
		t.AddFile(rel, filepath.Dir(d.Path), uint64(info.Size()))
	}

	m.register(t)
	m.log.WithFields(logrus.Fields{
		"function": "NewOutgoing",
		"transfer": t.ID,
		"peer":     peerID,
		"files":    len(t.Files),
	}).Info("registered outgoing transfer")
	return t, nil
}

// RegisterIncoming tracks a transfer offered by a peer. Offers violating
// the local limits are refused.
func (m *Manager) RegisterIncoming(t *Transfer) error {
	if len(t.Files) == 0 {
		return ErrNoFiles
	}
	if m.limits.Files > 0 && len(t.Files) > m.limits.Files {
		return fmt.Errorf("%w: %d files, limit %d", ErrTooManyFiles, len(t.Files), m.limits.Files)
	}
	for _, f := range t.Files {
		if err := m.checkDepth(f.RelativePath); err != nil {
			return err
		}
	}

	m.register(t)
	m.log.WithFields(logrus.Fields{
		"function": "RegisterIncoming",
		"transfer": t.ID,
		"peer":     t.PeerID,
		"files":    len(t.Files),
	}).Info("registered incoming transfer")
	return nil
}

// Get returns a live transfer by ID.
func (m *Manager) Get(id string) (*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transfers[id]
	if !ok {
		return nil, ErrTransferNotFound
	}
	return t, nil
}

// Remove drops a transfer from the live set.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.transfers, id)
}

// All returns a snapshot of the live transfers.
func (m *Manager) All() []*Transfer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Transfer, 0, len(m.transfers))
	for _, t := range m.transfers {
		out = append(out, t)
	}
	return out
}

func (m *Manager) register(t *Transfer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers[t.ID] = t
}

func (m *Manager) checkDepth(relativePath string) error {
	if m.limits.DirDepth <= 0 {
		return nil
	}
	depth := len(strings.Split(filepath.ToSlash(relativePath), "/"))
	if depth > m.limits.DirDepth {
		return fmt.Errorf("%w: %q is %d levels deep, limit %d",
			ErrPathTooDeep, relativePath, depth, m.limits.DirDepth)
	}
	return nil
}
