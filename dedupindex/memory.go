package dedupindex

import (
	"bytes"
	"sync"

	"github.com/INLOpen/skiplist"

	"github.com/INLOpen/nexusvolume/physical"
)

// indexEntry is a skiplist value. Removal overwrites the entry with a
// tombstone rather than deleting the node.
type indexEntry struct {
	advice Advice
	valid  bool
}

func nameComparator(a, b physical.BlockName) int {
	return bytes.Compare(a[:], b[:])
}

// MemoryIndex is the default in-memory index: an ordered map from block name
// to advice. Safe for use from multiple zone threads.
type MemoryIndex struct {
	mu    sync.RWMutex
	data  *skiplist.SkipList[physical.BlockName, *indexEntry]
	count int
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		data: skiplist.NewWithComparator[physical.BlockName, *indexEntry](nameComparator),
	}
}

// Lookup returns the advice recorded for name.
func (m *MemoryIndex) Lookup(name physical.BlockName) (Advice, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	node, ok := m.data.Seek(name)
	if !ok {
		return Advice{}, false, nil
	}
	if nameComparator(node.Key(), name) != 0 {
		return Advice{}, false, nil
	}
	entry := node.Value()
	if !entry.valid {
		return Advice{}, false, nil
	}
	return entry.advice, true, nil
}

// seek finds the entry stored for name, tombstoned or not.
func (m *MemoryIndex) seek(name physical.BlockName) (*indexEntry, bool) {
	node, ok := m.data.Seek(name)
	if !ok || nameComparator(node.Key(), name) != 0 {
		return nil, false
	}
	return node.Value(), true
}

// Update records or replaces the advice for name.
func (m *MemoryIndex) Update(name physical.BlockName, advice Advice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.seek(name); ok {
		if !entry.valid {
			entry.valid = true
			m.count++
		}
		entry.advice = advice
		return nil
	}
	m.data.Insert(name, &indexEntry{advice: advice, valid: true})
	m.count++
	return nil
}

// Remove forgets the advice for name by writing a tombstone.
func (m *MemoryIndex) Remove(name physical.BlockName) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.seek(name); ok && entry.valid {
		entry.valid = false
		entry.advice = Advice{}
		m.count--
	}
	return nil
}

// Len reports the number of named blocks.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// Clear drops every entry.
func (m *MemoryIndex) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = skiplist.NewWithComparator[physical.BlockName, *indexEntry](nameComparator)
	m.count = 0
	return nil
}

// Close releases the index.
func (m *MemoryIndex) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	m.count = 0
	return nil
}

var _ Index = (*MemoryIndex)(nil)
