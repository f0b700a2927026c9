// Package memory is an in-process storage.LogManager for tests and the
// demo: everything lives in maps behind a single RWMutex, this package's
// three write call sites (SaveInstance, SetMaxAppliedInstanceID, SaveImage)
// are the only writers so the mutex never needs upgrading.
package memory

import (
	"sync"

	"github.com/paxoscore/consensus/internal/storage"
)

// LogManager is an in-memory storage.LogManager.
type LogManager struct {
	mu          sync.RWMutex
	instances   map[uint64]*storage.Instance
	maxApplied  uint64
	image       []byte
	imageAtID   uint64
	hasImage    bool
}

// New returns an empty in-memory LogManager.
func New() *LogManager {
	return &LogManager{instances: make(map[uint64]*storage.Instance)}
}

func (m *LogManager) SaveInstance(in *storage.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[in.ID] = in.Clone()
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
	m.maxApplied = id
	return nil
}

func (m *LogManager) SaveImage(atInstanceID uint64, image []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.image = append([]byte(nil), image...)
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

func (m *LogManager) Close() error { return nil }
