// Package snapshot implements the context preservation engine: immutable,
// checksummed, compressed captures of session state at iteration boundaries.
//
// Snapshots are differentially encoded against their parent and compressed
// with zstd. Restore walks the parent chain from the root forward, holding
// only one reconstructed state and one decoded delta in memory at a time,
// and always validates the content checksum before returning state.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

var (
	// ErrCorruptedSnapshot is returned when a snapshot's payload does not
	// reproduce the checksummed state. No partial restore is attempted.
	ErrCorruptedSnapshot = errors.New("snapshot checksum mismatch")

	// ErrSnapshotNotFound is returned for unknown snapshot IDs.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// ContextSnapshot is an immutable capture of session state. Payload holds
// the zstd-compressed encoding (full state for a chain root, a delta
// against ParentID otherwise).
type ContextSnapshot struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Sequence  int       `json:"sequence"`
	ParentID  string    `json:"parent_id,omitempty"`
	Payload   []byte    `json:"payload"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`

	// OriginalSize is the uncompressed state size in bytes
	OriginalSize int `json:"original_size"`

	// CompressedSize is len(Payload)
	CompressedSize int `json:"compressed_size"`

	// CompressionRatio is 1 - compressed/original (0 when original is empty)
	CompressionRatio float64 `json:"compression_ratio"`
}

// Engine captures and restores snapshots for one session. Snapshot records
// live in an arena indexed by ID; parent references form an acyclic chain
// because records are immutable once stored.
type Engine struct {
	mu        sync.Mutex
	sessionID string
	arena     map[string]*ContextSnapshot
	latestID  string

	// lastState caches the most recent captured state so the next
	// Snapshot can diff against it and Restore of the latest snapshot
	// avoids walking the chain
	lastState []byte

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewEngine creates a snapshot engine scoped to one session.
func NewEngine(sessionID string) (*Engine, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Engine{
		sessionID: sessionID,
		arena:     make(map[string]*ContextSnapshot),
		enc:       enc,
		dec:       dec,
	}, nil
}

// LoadEngine rebuilds an engine from persisted snapshot records so captured
// state can be restored after a process restart. The highest sequence
// becomes the latest snapshot; the next capture starts a fresh chain root
// because no cached state survives rehydration.
func LoadEngine(sessionID string, snaps []*ContextSnapshot) (*Engine, error) {
	e, err := NewEngine(sessionID)
	if err != nil {
		return nil, err
	}

	var latest *ContextSnapshot
	for _, snap := range snaps {
		if snap.SessionID != sessionID {
			return nil, fmt.Errorf("snapshot %s belongs to session %s, not %s",
				snap.ID, snap.SessionID, sessionID)
		}
		e.arena[snap.ID] = snap
		if latest == nil || snap.Sequence > latest.Sequence {
			latest = snap
		}
	}
	if latest != nil {
		e.latestID = latest.ID
	}
	return e, nil
}

// Snapshot captures state at the given iteration sequence and returns the
// immutable record. The first capture stores the full state; later captures
// store a delta against the previous snapshot.
func (e *Engine) Snapshot(sequence int, state []byte) (*ContextSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sum := sha256.Sum256(state)

	var encoded []byte
	parentID := ""
	if e.latestID == "" || e.lastState == nil {
		// No cached state to diff against (fresh engine, or one
		// rehydrated from the store): start a new chain root.
		encoded = encodeFull(state)
	} else {
		encoded = encodeDelta(e.lastState, state)
		parentID = e.latestID
	}

	snap := &ContextSnapshot{
		ID:             uuid.NewString(),
		SessionID:      e.sessionID,
		Sequence:       sequence,
		ParentID:       parentID,
		Payload:        e.enc.EncodeAll(encoded, nil),
		Checksum:       hex.EncodeToString(sum[:]),
		CreatedAt:      time.Now().UTC(),
		OriginalSize:   len(state),
	}
	snap.CompressedSize = len(snap.Payload)
	if snap.OriginalSize > 0 {
		snap.CompressionRatio = 1 - float64(snap.CompressedSize)/float64(snap.OriginalSize)
	}

	e.arena[snap.ID] = snap
	e.latestID = snap.ID
	e.lastState = append([]byte(nil), state...)

	return snap, nil
}

// Restore reconstructs the state captured by the given snapshot and
// validates its checksum. Restoring the latest snapshot uses the cached
// state and skips the chain walk entirely.
func (e *Engine) Restore(id string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap, ok := e.arena[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}

	// Fast path for the latest snapshot.
	if id == e.latestID && e.lastState != nil {
		if err := verify(snap, e.lastState); err != nil {
			return nil, err
		}
		return append([]byte(nil), e.lastState...), nil
	}

	// Collect the chain root..target without decompressing anything yet.
	var chain []*ContextSnapshot
	for cur := snap; ; {
		chain = append(chain, cur)
		if cur.ParentID == "" {
			break
		}
		parent, ok := e.arena[cur.ParentID]
		if !ok {
			return nil, fmt.Errorf("%w: parent %s of %s", ErrSnapshotNotFound, cur.ParentID, cur.ID)
		}
		cur = parent
	}

	// Walk forward from the root, keeping one state and one delta live.
	var state []byte
	for i := len(chain) - 1; i >= 0; i-- {
		encoded, err := e.dec.DecodeAll(chain[i].Payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress %s: %v", ErrCorruptedSnapshot, chain[i].ID, err)
		}
		state, err = applyEncoded(state, encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptedSnapshot, chain[i].ID, err)
		}
		if err := verify(chain[i], state); err != nil {
			return nil, err
		}
	}

	return state, nil
}

// Latest returns the most recent snapshot record, or nil when no snapshot
// has been taken.
func (e *Engine) Latest() *ContextSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.latestID == "" {
		return nil
	}
	return e.arena[e.latestID]
}

// Get returns the snapshot record for id.
func (e *Engine) Get(id string) (*ContextSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap, ok := e.arena[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	return snap, nil
}

// Count returns the number of snapshots in the arena.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.arena)
}

func verify(snap *ContextSnapshot, state []byte) error {
	sum := sha256.Sum256(state)
	if hex.EncodeToString(sum[:]) != snap.Checksum {
		return fmt.Errorf("%w: %s", ErrCorruptedSnapshot, snap.ID)
	}
	return nil
}
