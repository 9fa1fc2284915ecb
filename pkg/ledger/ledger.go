// Package ledger is the minimal block store dbft.Config's VerifyBlock,
// ProcessBlock, GetBlock, CurrentHeight and CurrentBlockHash callbacks bind
// to (spec.md §4.5, §6 "collaborators this module assumes").
package ledger

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/duoprime/dbft/pkg/block"
)

// Ledger holds every accepted block in memory, in proposal order. It makes
// no durability claim of its own; RecoveryLog is what survives a restart.
type Ledger struct {
	mu          sync.RWMutex
	blocks      map[uint32]block.Block
	hashes      map[common.Hash]block.Block
	height      uint32
	currentHash common.Hash

	// onPersisted is invoked after SubmitBlock stores a block, so a caller
	// (typically the wrapping consensus.Service) can drive
	// dbft.Service.PersistCompleted.
	onPersisted func(h uint32)
}

// New returns an empty Ledger. onPersisted may be nil.
func New(onPersisted func(h uint32)) *Ledger {
	if onPersisted == nil {
		onPersisted = func(uint32) {}
	}
	return &Ledger{
		blocks:      make(map[uint32]block.Block),
		hashes:      make(map[common.Hash]block.Block),
		onPersisted: onPersisted,
	}
}

// CurrentHeight returns the index of the last accepted block.
func (l *Ledger) CurrentHeight() uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.height
}

// CurrentBlockHash returns the hash of the last accepted block.
func (l *Ledger) CurrentBlockHash() common.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.currentHash
}

// GetBlock returns the block with hash h, or nil if unknown.
func (l *Ledger) GetBlock(h common.Hash) block.Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hashes[h]
}

// GetBlockByIndex returns the block at height h, or nil if none has been
// accepted yet at that height.
func (l *Ledger) GetBlockByIndex(h uint32) block.Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.blocks[h]
}

// VerifyBlock checks the structural invariants a committed header must
// satisfy: it extends the current tip at the right index, and its
// MerkleRoot matches its own transaction list. Signature verification
// already happened per-validator as each Commit payload arrived
// (dbft.onCommit), so it is not repeated here.
func (l *Ledger) VerifyBlock(b block.Block) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	h := b.Header()
	if h.Index != l.height+1 {
		return false
	}
	if l.height > 0 && h.PrevHash != l.currentHash {
		return false
	}

	hashes := make([]common.Hash, len(b.Transactions()))
	for i, tx := range b.Transactions() {
		hashes[i] = tx.Hash()
	}
	return h.MerkleRoot == block.CalcMerkleRoot(hashes)
}

// SubmitBlock stores b as the new tip and notifies onPersisted. It is the
// natural home for dbft.Config.ProcessBlock.
func (l *Ledger) SubmitBlock(b block.Block) {
	l.mu.Lock()
	h := b.Header()
	l.blocks[h.Index] = b
	l.hashes[b.Hash()] = b
	l.height = h.Index
	l.currentHash = b.Hash()
	l.mu.Unlock()

	l.onPersisted(h.Index)
}
