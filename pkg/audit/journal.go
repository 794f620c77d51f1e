package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Journal is the write-ahead buffer between Record and the audit store. An
// entry is appended before Record returns and stays pending until a flush
// acknowledges it.
type Journal interface {
	Append(e Entry) error
	Ack(ids ...string) error
	// Pending returns unacknowledged entries in append order
	Pending() ([]Entry, error)
	// Compact drops acknowledged entries from durable storage
	Compact() error
	Close() error
}

type journalRecord struct {
	Op    string `json:"op"`
	Entry *Entry `json:"entry,omitempty"`
	ID    string `json:"id,omitempty"`
}

const (
	journalAppend = "append"
	journalAck    = "ack"
	journalFile   = "audit.journal"
)

// FileJournal is an append-only NDJSON file fsync'd on every write
type FileJournal struct {
	mu   sync.Mutex
	dir  string
	file *os.File

	pending map[string]Entry
	order   []string
}

// OpenFileJournal opens or creates dir/audit.journal and loads its pending
// entries.
func OpenFileJournal(dir string) (*FileJournal, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	j := &FileJournal{dir: dir, pending: make(map[string]Entry)}
	if err := j.load(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(j.path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	j.file = f
	return j, nil
}

func (j *FileJournal) path() string {
	return filepath.Join(j.dir, journalFile)
}

func (j *FileJournal) load() error {
	f, err := os.Open(j.path())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// A torn final line from a crash mid-write; earlier lines are intact
			continue
		}
		switch rec.Op {
		case journalAppend:
			if rec.Entry != nil {
				j.track(*rec.Entry)
			}
		case journalAck:
			delete(j.pending, rec.ID)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan journal: %w", err)
	}
	j.prune()
	return nil
}

func (j *FileJournal) track(e Entry) {
	if _, ok := j.pending[e.EventID]; !ok {
		j.order = append(j.order, e.EventID)
	}
	j.pending[e.EventID] = e
}

// prune drops acknowledged ids from the order slice
func (j *FileJournal) prune() {
	kept := j.order[:0]
	for _, id := range j.order {
		if _, ok := j.pending[id]; ok {
			kept = append(kept, id)
		}
	}
	j.order = kept
}

func (j *FileJournal) write(records ...journalRecord) error {
	w := bufio.NewWriter(j.file)
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode journal record: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("failed to write journal: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

// Append durably writes e
func (j *FileJournal) Append(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return ErrRecorderClosed
	}
	if err := j.write(journalRecord{Op: journalAppend, Entry: &e}); err != nil {
		return err
	}
	j.track(e)
	return nil
}

// Ack marks entries as stored
func (j *FileJournal) Ack(ids ...string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return ErrRecorderClosed
	}

	records := make([]journalRecord, 0, len(ids))
	for _, id := range ids {
		if _, ok := j.pending[id]; ok {
			records = append(records, journalRecord{Op: journalAck, ID: id})
		}
	}
	if len(records) == 0 {
		return nil
	}
	if err := j.write(records...); err != nil {
		return err
	}
	for _, rec := range records {
		delete(j.pending, rec.ID)
	}
	j.prune()
	return nil
}

// Pending returns unacknowledged entries
func (j *FileJournal) Pending() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, 0, len(j.order))
	for _, id := range j.order {
		out = append(out, j.pending[id].Clone())
	}
	return out, nil
}

// Compact rewrites the journal with only pending entries, replacing the
// file atomically.
func (j *FileJournal) Compact() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return ErrRecorderClosed
	}

	tmp, err := os.CreateTemp(j.dir, journalFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create compacted journal: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	w := bufio.NewWriter(tmp)
	for _, id := range j.order {
		e := j.pending[id]
		data, err := json.Marshal(journalRecord{Op: journalAppend, Entry: &e})
		if err != nil {
			cleanup()
			return fmt.Errorf("failed to encode journal record: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			cleanup()
			return fmt.Errorf("failed to write compacted journal: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		cleanup()
		return fmt.Errorf("failed to write compacted journal: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync compacted journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close compacted journal: %w", err)
	}
	if err := os.Rename(tmpName, j.path()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace journal: %w", err)
	}

	j.file.Close()
	f, err := os.OpenFile(j.path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		j.file = nil
		return fmt.Errorf("failed to reopen journal: %w", err)
	}
	j.file = f
	return nil
}

// Close closes the journal file. Pending entries stay on disk.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// MemoryJournal keeps pending entries in memory. It survives queue overflow
// and store outages but not a process crash.
type MemoryJournal struct {
	mu      sync.Mutex
	pending map[string]Entry
	order   []string
	closed  bool

	// FailAppend makes Append fail; used by tests
	FailAppend error
}

// NewMemoryJournal creates an in-memory journal
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{pending: make(map[string]Entry)}
}

// Append records e
func (m *MemoryJournal) Append(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrRecorderClosed
	}
	if m.FailAppend != nil {
		return m.FailAppend
	}
	if _, ok := m.pending[e.EventID]; !ok {
		m.order = append(m.order, e.EventID)
	}
	m.pending[e.EventID] = e.Clone()
	return nil
}

// Ack removes entries
func (m *MemoryJournal) Ack(ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.pending, id)
	}
	kept := m.order[:0]
	for _, id := range m.order {
		if _, ok := m.pending[id]; ok {
			kept = append(kept, id)
		}
	}
	m.order = kept
	return nil
}

// Pending returns unacknowledged entries
func (m *MemoryJournal) Pending() ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.pending[id].Clone())
	}
	return out, nil
}

// Compact is a no-op
func (m *MemoryJournal) Compact() error { return nil }

// Close marks the journal closed
func (m *MemoryJournal) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
