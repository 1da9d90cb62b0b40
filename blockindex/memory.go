package blockindex

import "github.com/bchhub/hub/hash"

// MemoryIndex is a linear, in-memory Index over headers appended in order.
// It exists so ParserKit, ApiDispatcher, and SubscriptionServices have a
// real Index to run their tests against; it holds no consensus rules
// (difficulty, checkpoints, reorg selection) and always appends to what it
// is given, so it is not a substitute for the chain-state engine this
// interface is meant to front in production.
type MemoryIndex struct {
	entries []Entry
	byHash  map[hash.Hash]int
	blocks  map[DiskPos][]byte
}

// NewMemoryIndex returns an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		byHash: make(map[hash.Hash]int),
		blocks: make(map[DiskPos][]byte),
	}
}

// Tip returns the most recently appended entry, or the zero Entry if none
// has been appended yet.
func (m *MemoryIndex) Tip() Entry {
	if len(m.entries) == 0 {
		return Entry{}
	}
	return m.entries[len(m.entries)-1]
}

// GetByHash implements Index.
func (m *MemoryIndex) GetByHash(blockHash *hash.Hash) (Entry, bool) {
	i, ok := m.byHash[*blockHash]
	if !ok {
		return Entry{}, false
	}
	return m.entries[i], true
}

// GetByHeight implements Index.
func (m *MemoryIndex) GetByHeight(height uint32) (Entry, bool) {
	for _, e := range m.entries {
		if e.Height == height {
			return e, true
		}
	}
	return Entry{}, false
}

// LoadBlock implements Index.
func (m *MemoryIndex) LoadBlock(pos DiskPos) ([]byte, error) {
	b, ok := m.blocks[pos]
	if !ok {
		return nil, errNotFound
	}
	return b, nil
}

// AppendHeader appends e and always reports it as the new tip: MemoryIndex
// keeps no alternate branches.
func (m *MemoryIndex) AppendHeader(e Entry) (bool, error) {
	m.entries = append(m.entries, e)
	m.byHash[e.Hash] = len(m.entries) - 1
	return true, nil
}

// PutBlock registers the raw bytes LoadBlock(pos) should return. Test
// setup calls this directly; production Index implementations derive pos
// from their own block-file layout instead.
func (m *MemoryIndex) PutBlock(pos DiskPos, raw []byte) {
	m.blocks[pos] = raw
}

// Ancestor implements Index.
func (m *MemoryIndex) Ancestor(e Entry, n uint32) (Entry, bool) {
	i, ok := m.byHash[e.Hash]
	if !ok || uint32(i) < n {
		return Entry{}, false
	}
	return m.entries[uint32(i)-n], true
}

// Prev implements Index.
func (m *MemoryIndex) Prev(e Entry) (Entry, bool) {
	return m.Ancestor(e, 1)
}

// Next implements Index.
func (m *MemoryIndex) Next(e Entry) (Entry, bool) {
	i, ok := m.byHash[e.Hash]
	if !ok || i+1 >= len(m.entries) {
		return Entry{}, false
	}
	return m.entries[i+1], true
}
