// Package filestore is the durable, file-backed storage.LogManager
// (spec.md §1: "a durable, locked key-value store over instance records").
// It keeps the full index in memory for fast reads and appends every
// write to a gob-encoded log file, replayed on open — the simplest
// durable design that still gives the RW-locked semantics LogManager
// promises, matching the teacher's preference for stdlib persistence
// (the teacher's storage package never reached for a database driver; see
// DESIGN.md).
package filestore

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/paxoscore/consensus/internal/storage"
)

// record is one entry appended to the log file. Exactly one of Instance or
// (IsApplied && AppliedID != 0) is set per record; Image records carry a
// full state-machine snapshot.
type record struct {
	Instance   *storage.Instance
	IsApplied  bool
	AppliedID  uint64
	IsImage    bool
	Image      []byte
	ImageAtID  uint64
}

// LogManager persists every write to dir/log.gob, replaying it on Open to
// rebuild the in-memory index.
type LogManager struct {
	mu         sync.RWMutex
	f          *os.File
	enc        *gob.Encoder
	instances  map[uint64]*storage.Instance
	maxApplied uint64
	image      []byte
	imageAtID  uint64
	hasImage   bool
}

// Open creates dir if needed and opens (or creates) its log file, replaying
// any existing records.
func Open(dir string) (*LogManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, "log.gob")

	m := &LogManager{instances: make(map[uint64]*storage.Instance)}
	if f, err := os.Open(path); err == nil {
		dec := gob.NewDecoder(f)
		for {
			var rec record
			if err := dec.Decode(&rec); err != nil {
				break // EOF or a truncated final record; stop replay here
			}
			m.applyRecord(rec)
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("filestore: open %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filestore: open %s for append: %w", path, err)
	}
	m.f = f
	m.enc = gob.NewEncoder(f)
	return m, nil
}

func (m *LogManager) applyRecord(rec record) {
	switch {
	case rec.Instance != nil:
		m.instances[rec.Instance.ID] = rec.Instance
	case rec.IsApplied:
		m.maxApplied = rec.AppliedID
	case rec.IsImage:
		m.image = rec.Image
		m.imageAtID = rec.ImageAtID
		m.hasImage = true
	}
}

func (m *LogManager) append(rec record) error {
	if err := m.enc.Encode(rec); err != nil {
		return err
	}
	return m.f.Sync()
}

func (m *LogManager) SaveInstance(in *storage.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := in.Clone()
	if err := m.append(record{Instance: cp}); err != nil {
		return fmt.Errorf("filestore: save instance %d: %w", in.ID, err)
	}
	m.instances[in.ID] = cp
	return nil
}

func (m *LogManager) LoadInstance(id uint64) (*storage.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.instances[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return in.Clone(), nil
}

func (m *LogManager) MaxAppliedInstanceID() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxApplied, nil
}

func (m *LogManager) SetMaxAppliedInstanceID(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.append(record{IsApplied: true, AppliedID: id}); err != nil {
		return fmt.Errorf("filestore: set max applied instance id: %w", err)
	}
	m.maxApplied = id
	return nil
}

func (m *LogManager) SaveImage(atInstanceID uint64, image []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), image...)
	if err := m.append(record{IsImage: true, Image: cp, ImageAtID: atInstanceID}); err != nil {
		return fmt.Errorf("filestore: save image at %d: %w", atInstanceID, err)
	}
	m.image = cp
	m.imageAtID = atInstanceID
	m.hasImage = true
	return nil
}

func (m *LogManager) LoadImage() ([]byte, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.hasImage {
		return nil, 0, nil
	}
	return append([]byte(nil), m.image...), m.imageAtID, nil
}

func (m *LogManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f.Close()
}
