// Package mempool holds the verified, not-yet-proposed transactions a
// primary draws PrepareRequest bodies from (spec.md §4.2).
package mempool

import (
	"errors"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/atomic"

	"github.com/duoprime/dbft/pkg/block"
)

// ErrClosed is returned by Add once Close has been called, mirroring the
// teacher's subscriptionsOn atomic.Bool guard in pkg/core/mempool.
var ErrClosed = errors.New("mempool: pool is closed")

// ErrDup is returned when a transaction is already present in the pool.
var ErrDup = errors.New("mempool: already in the memory pool")

// ErrConflict is returned when a transaction conflicts with one already
// pooled and isn't prioritized over it.
var ErrConflict = errors.New("mempool: conflicts with a pooled transaction")

// ErrOOM is returned when the pool is at capacity and tx is not prioritized
// over its least-prioritized occupant.
var ErrOOM = errors.New("mempool: out of capacity")

// item pairs a pooled transaction with its fee as a uint256, so ordering
// compares fixed-width integers rather than machine words that could wrap
// on a future wider fee type.
type item struct {
	tx  block.Transaction
	fee *uint256.Int
}

// less orders items by fee descending, then by hash ascending so proposals
// built from two different nodes pick the exact same draft order for an
// identical verified set (spec.md §4.2, MakePrepareRequest's ordering rule).
func less(a, b item) bool {
	if c := a.fee.Cmp(b.fee); c != 0 {
		return c > 0
	}
	return a.tx.Hash().Big().Cmp(b.tx.Hash().Big()) < 0
}

// Pool stores the verified, unconfirmed transactions available for the next
// proposal, ordered by fee so GetVerifiedTransactions can be sliced
// directly into a PrepareRequest body.
type Pool struct {
	mu       sync.RWMutex
	byHash   map[common.Hash]block.Transaction
	sorted   []item
	capacity int

	closed atomic.Bool
}

// New returns an empty pool bounded to capacity transactions.
func New(capacity int) *Pool {
	return &Pool{
		byHash:   make(map[common.Hash]block.Transaction, capacity),
		sorted:   make([]item, 0, capacity),
		capacity: capacity,
	}
}

// Count returns the number of pooled transactions.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sorted)
}

// ContainsKey reports whether hash is already pooled.
func (p *Pool) ContainsKey(hash common.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.byHash[hash]
	return ok
}

// TryGetValue returns the pooled transaction for hash, if present. This is
// the natural home for dbft.Config.GetTx.
func (p *Pool) TryGetValue(hash common.Hash) (block.Transaction, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tx, ok := p.byHash[hash]
	return tx, ok
}

// Add inserts tx, evicting any conflicting lower-fee occupant, or the
// pool's own least-prioritized transaction if tx arrives at capacity.
func (p *Pool) Add(tx block.Transaction) error {
	if p.closed.Load() {
		return ErrClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byHash[tx.Hash()]; ok {
		return ErrDup
	}

	it := item{tx: tx, fee: uint256.NewInt(tx.FeePerByte())}

	for _, h := range tx.Conflicts() {
		if existing, ok := p.byHash[h]; ok {
			existingItem := item{tx: existing, fee: uint256.NewInt(existing.FeePerByte())}
			if !less(it, existingItem) {
				return ErrConflict
			}
			p.removeLocked(h)
		}
	}

	n := sort.Search(len(p.sorted), func(i int) bool { return less(it, p.sorted[i]) })

	if len(p.sorted) == p.capacity {
		if n == len(p.sorted) {
			return ErrOOM
		}
		evicted := p.sorted[len(p.sorted)-1]
		delete(p.byHash, evicted.tx.Hash())
		p.sorted = p.sorted[:len(p.sorted)-1]
	}

	p.sorted = append(p.sorted, item{})
	copy(p.sorted[n+1:], p.sorted[n:])
	p.sorted[n] = it
	p.byHash[tx.Hash()] = tx

	return nil
}

// Remove drops hash from the pool, if present.
func (p *Pool) Remove(hash common.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(hash)
}

func (p *Pool) removeLocked(hash common.Hash) {
	if _, ok := p.byHash[hash]; !ok {
		return
	}
	delete(p.byHash, hash)
	for i, it := range p.sorted {
		if it.tx.Hash() == hash {
			p.sorted = append(p.sorted[:i], p.sorted[i+1:]...)
			break
		}
	}
}

// RemoveStale drops every pooled transaction for which isOK returns false;
// used after a block commits to drop whatever it included or invalidated.
func (p *Pool) RemoveStale(isOK func(block.Transaction) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.sorted[:0]
	for _, it := range p.sorted {
		if isOK(it.tx) {
			kept = append(kept, it)
		} else {
			delete(p.byHash, it.tx.Hash())
		}
	}
	p.sorted = kept
}

// Close stops the pool from accepting further transactions; already-pooled
// transactions remain available to GetVerifiedTransactions until removed.
func (p *Pool) Close() {
	p.closed.Store(true)
}

// GetVerifiedTransactions returns the pooled transactions in proposal
// order. This is the natural home for dbft.Config.GetVerified.
func (p *Pool) GetVerifiedTransactions() []block.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]block.Transaction, len(p.sorted))
	for i, it := range p.sorted {
		out[i] = it.tx
	}
	return out
}
