// Package transfer implements the file-drop transfer model.
//
// A Transfer groups one or more files exchanged with a single peer in one
// direction. Both the transfer and each file carry an append-only state
// history; terminal file states close the history and may occur at most
// once.
package transfer

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrHistoryClosed indicates a state push after a terminal state.
var ErrHistoryClosed = errors.New("state history already ended by a terminal state")

// ErrFileNotFound indicates an unknown file ID within a transfer.
var ErrFileNotFound = errors.New("no such file in transfer")

// Direction indicates whether a transfer is incoming or outgoing.
type Direction string

const (
	// DirectionIncoming represents files offered by the peer.
	DirectionIncoming Direction = "incoming"
	// DirectionOutgoing represents files offered to the peer.
	DirectionOutgoing Direction = "outgoing"
)

// State is one step in a transfer or file history.
type State string

const (
	// StatePending indicates the file is registered but not moving yet.
	StatePending State = "pending"
	// StateStarted indicates bytes are flowing.
	StateStarted State = "started"
	// StatePaused indicates the flow is temporarily suspended.
	StatePaused State = "paused"
	// StateCompleted indicates the file finished successfully. Terminal.
	StateCompleted State = "completed"
	// StateFailed indicates the file failed with a status code. Terminal.
	StateFailed State = "failed"
	// StateReject indicates the file was rejected by either side. Terminal.
	StateReject State = "reject"

	// StateCanceled marks a whole transfer as canceled. Terminal,
	// transfer-level only.
	StateCanceled State = "canceled"
)

// Terminal reports whether the state ends a history.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateReject, StateCanceled:
		return true
	}
	return false
}

// StateEntry records one state transition with its creation time in Unix
// milliseconds. Optional fields are populated per state: ByPeer for
// reject/cancel, Bytes for started, FinalPath for completed, Status for
// failed.
type StateEntry struct {
	CreatedAt int64   `json:"created_at"`
	State     State   `json:"state"`
	ByPeer    *bool   `json:"by_peer,omitempty"`
	Bytes     *uint64 `json:"bytes_transfered,omitempty"`
	FinalPath string  `json:"final_path,omitempty"`
	Status    *int    `json:"status,omitempty"`
}

// File is a single file within a transfer.
type File struct {
	ID           string       `json:"id"`
	RelativePath string       `json:"relative_path"`
	BasePath     string       `json:"base_path,omitempty"`
	Size         uint64       `json:"size"`
	CreatedAt    int64        `json:"created_at"`
	States       []StateEntry `json:"states"`
}

// FileID derives the stable identifier of a file from its transfer-relative
// path.
func FileID(relativePath string) string {
	sum := sha256.Sum256([]byte(relativePath))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// PushState appends a state entry to the file's history, enforcing the
// terminal-state rule.
func (f *File) PushState(entry StateEntry) error {
	if n := len(f.States); n > 0 && f.States[n-1].State.Terminal() {
		return ErrHistoryClosed
	}
	f.States = append(f.States, entry)
	return nil
}

// LastState returns the most recent state, or empty if none was recorded.
func (f *File) LastState() State {
	if len(f.States) == 0 {
		return ""
	}
	return f.States[len(f.States)-1].State
}

// Transfer is one batch of files exchanged with a peer.
type Transfer struct {
	ID        string       `json:"id"`
	CreatedAt int64        `json:"created_at"`
	PeerID    string       `json:"peer_id"`
	Type      Direction    `json:"type"`
	States    []StateEntry `json:"states"`
	Files     []*File      `json:"paths"`

	mu sync.Mutex
}

// New creates an empty transfer with a fresh UUID.
func New(peerID string, direction Direction) *Transfer {
	return &Transfer{
		ID:        uuid.NewString(),
		CreatedAt: nowMillis(),
		PeerID:    peerID,
		Type:      direction,
	}
}

// AddFile registers a file under the transfer. The file ID is derived from
// the relative path and the file starts with a pending state.
func (t *Transfer) AddFile(relativePath, basePath string, size uint64) *File {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := nowMillis()
	f := &File{
		ID:           FileID(relativePath),
		RelativePath: relativePath,
		BasePath:     basePath,
		Size:         size,
		CreatedAt:    now,
		States:       []StateEntry{{CreatedAt: now, State: StatePending}},
	}
	t.Files = append(t.Files, f)
	return f
}

// File returns the file with the given ID.
func (t *Transfer) File(fileID string) (*File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range t.Files {
		if f.ID == fileID {
			return f, nil
		}
	}
	return nil, ErrFileNotFound
}

// PushFileState appends a state to one file's history.
func (t *Transfer) PushFileState(fileID string, entry StateEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range t.Files {
		if f.ID == fileID {
			return f.PushState(entry)
		}
	}
	return ErrFileNotFound
}

// PushState appends a state entry to the transfer-level history.
func (t *Transfer) PushState(entry StateEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.States); n > 0 && t.States[n-1].State.Terminal() {
		return ErrHistoryClosed
	}
	t.States = append(t.States, entry)
	return nil
}

// Snapshot returns a deep copy of the transfer's current histories. The
// copy shares nothing with the live record, so it can be read and
// serialized while workers keep appending states.
func (t *Transfer) Snapshot() *Transfer {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := &Transfer{
		ID:        t.ID,
		CreatedAt: t.CreatedAt,
		PeerID:    t.PeerID,
		Type:      t.Type,
		States:    append([]StateEntry(nil), t.States...),
	}
	for _, f := range t.Files {
		clone := *f
		clone.States = append([]StateEntry(nil), f.States...)
		out.Files = append(out.Files, &clone)
	}
	return out
}

// Canceled reports whether the transfer history ended in cancellation.
func (t *Transfer) Canceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.States)
	return n > 0 && t.States[n-1].State == StateCanceled
}

// Entry builds a state entry timestamped now.
func Entry(state State) StateEntry {
	return StateEntry{CreatedAt: nowMillis(), State: state}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
