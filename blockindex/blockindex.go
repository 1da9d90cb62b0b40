// Package blockindex defines the chain-state collaborator that
// ApiDispatcher, ParserKit, and SubscriptionServices read headers and block
// bytes through. Maintaining the chain itself — header validation, reorg
// selection, disk layout of block files — is out of scope for this module;
// an external consensus engine satisfies Index, and this package only
// consumes it.
package blockindex

import "github.com/bchhub/hub/hash"

// DiskPos locates a full block's serialized bytes: which block file, and
// the byte offset of the block (header included) within it.
type DiskPos struct {
	File   uint32
	Offset uint32
}

// Entry is one block's position in the chain: enough to identify it, walk
// to its neighbors, and load its bytes via Index.LoadBlock.
type Entry struct {
	Hash     hash.Hash
	PrevHash hash.Hash
	Height   uint32
	Time     uint32
	Pos      DiskPos
}

// Index is the read side of chain state.
type Index interface {
	// Tip returns the current best chain tip.
	Tip() Entry

	// GetByHash looks up a block by hash, anywhere in the index, not only
	// on the main chain.
	GetByHash(blockHash *hash.Hash) (Entry, bool)

	// GetByHeight looks up the main-chain block at height.
	GetByHeight(height uint32) (Entry, bool)

	// LoadBlock reads the full serialized block (header plus every
	// transaction) referenced by pos.
	LoadBlock(pos DiskPos) ([]byte, error)

	// AppendHeader adds e to the index and reports whether it became the
	// new main-chain tip.
	AppendHeader(e Entry) (bool, error)

	// Ancestor returns e's main-chain ancestor n blocks behind it.
	Ancestor(e Entry, n uint32) (Entry, bool)

	// Prev returns e's direct parent.
	Prev(e Entry) (Entry, bool)

	// Next returns e's direct main-chain child.
	Next(e Entry) (Entry, bool)
}
