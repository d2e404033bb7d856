// Package outputbuffer implements the proxy-side persistent, monotonic-
// sequence queue backing at-least-once output delivery to the backend
// to the backend. State is written atomically (write-to-temp, rename) and
// locked with the same flock primitive the teacher uses for its JSON
// document store.
package outputbuffer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/meawoppl/claude-code-portal-sub000/internal/logging"
	"github.com/meawoppl/claude-code-portal-sub000/internal/model"
	"github.com/meawoppl/claude-code-portal-sub000/internal/storage"
)

// DefaultMaxMemoryMessages is the default bound on how many
// unacknowledged entries are kept in-memory before the oldest is evicted.
const DefaultMaxMemoryMessages = 1000

// onDiskState is the JSON shape persisted at buffers/<session_id>.json.
type onDiskState struct {
	SessionID  string                `json:"session_id"`
	NextSeq    int64                 `json:"next_seq"`
	LastAckSeq int64                 `json:"last_ack_seq"`
	Pending    []model.PendingOutput `json:"pending"`
}

// Buffer is a single session's OutputBuffer. It is single-writer: the
// proxy's output forwarder is its only caller.
type Buffer struct {
	path       string
	lock       *storage.FileLock
	sessionID  string
	nextSeq    int64
	lastAckSeq int64
	pending    []model.PendingOutput
	maxMemory  int
	dirty      bool
}

// Load reads an existing buffer file from path, or creates a fresh empty
// Buffer for sessionID if none exists. Entries with seq <= last_ack_seq
// are discarded on load: the backend has already acknowledged them.
func Load(path, sessionID string, maxMemory int) (*Buffer, error) {
	if maxMemory <= 0 {
		maxMemory = DefaultMaxMemoryMessages
	}

	b := &Buffer{
		path:       path,
		lock:       storage.NewFileLock(path),
		sessionID:  sessionID,
		lastAckSeq: -1,
		maxMemory:  maxMemory,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("outputbuffer: read %s: %w", path, err)
	}

	var state onDiskState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("outputbuffer: decode %s: %w", path, err)
	}

	b.nextSeq = state.NextSeq
	b.lastAckSeq = state.LastAckSeq
	for _, p := range state.Pending {
		if p.Seq > b.lastAckSeq {
			b.pending = append(b.pending, p)
		}
	}
	return b, nil
}

// Push assigns the next sequence number to content, appends it as
// pending, and evicts from the oldest end if the in-memory queue now
// exceeds maxMemory. Eviction is a documented overflow, not silent loss:
// callers should log when evicted is non-empty.
func (b *Buffer) Push(content []byte) (seq int64, evicted []model.PendingOutput) {
	seq = b.nextSeq
	b.nextSeq++
	b.pending = append(b.pending, model.PendingOutput{Seq: seq, Content: content})
	b.dirty = true

	for len(b.pending) > b.maxMemory {
		evicted = append(evicted, b.pending[0])
		b.pending = b.pending[1:]
	}
	if len(evicted) > 0 {
		logging.Warn().
			Str("session_id", b.sessionID).
			Int("evicted", len(evicted)).
			Msg("output buffer overflow, dropping oldest pending entries")
	}
	return seq, evicted
}

// Acknowledge drops every pending entry with seq <= ackSeq. Acks at or
// below the current watermark are ignored (they arrive out of order or
// are duplicates).
func (b *Buffer) Acknowledge(ackSeq int64) {
	if ackSeq <= b.lastAckSeq {
		return
	}
	b.lastAckSeq = ackSeq

	kept := b.pending[:0]
	for _, p := range b.pending {
		if p.Seq > ackSeq {
			kept = append(kept, p)
		}
	}
	b.pending = kept
	b.dirty = true
}

// Pending returns the current queue in seq order, for replay.
func (b *Buffer) Pending() []model.PendingOutput {
	out := make([]model.PendingOutput, len(b.pending))
	copy(out, b.pending)
	return out
}

// NextSeq returns the next sequence number that Push will assign.
func (b *Buffer) NextSeq() int64 { return b.nextSeq }

// LastAckSeq returns the highest sequence number acknowledged so far, or
// -1 before any acknowledgement.
func (b *Buffer) LastAckSeq() int64 { return b.lastAckSeq }

// Dirty reports whether state has changed since the last Persist.
func (b *Buffer) Dirty() bool { return b.dirty }

// Persist writes the buffer's state atomically via a temp file + rename,
// guarded by an exclusive flock so a concurrent proxy process (or crash
// recovery tool) never observes a half-written file.
func (b *Buffer) Persist() error {
	if err := b.lock.Lock(); err != nil {
		return fmt.Errorf("outputbuffer: lock: %w", err)
	}
	defer b.lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(b.path), 0755); err != nil {
		return fmt.Errorf("outputbuffer: mkdir: %w", err)
	}

	state := onDiskState{
		SessionID:  b.sessionID,
		NextSeq:    b.nextSeq,
		LastAckSeq: b.lastAckSeq,
		Pending:    b.Pending(),
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("outputbuffer: marshal: %w", err)
	}

	tmpPath := b.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("outputbuffer: write temp: %w", err)
	}
	if err := os.Rename(tmpPath, b.path); err != nil {
		return fmt.Errorf("outputbuffer: rename: %w", err)
	}

	b.dirty = false
	return nil
}

// Close best-effort persists any dirty state. Errors are logged, not
// returned, matching the teacher's best-effort-on-drop pattern.
func (b *Buffer) Close() {
	if !b.dirty {
		return
	}
	if err := b.Persist(); err != nil {
		logging.Warn().Err(err).Str("session_id", b.sessionID).Msg("failed to persist output buffer on close")
	}
}
