// Package block defines the minimal transaction/block contract the
// consensus core builds proposals from and submits to the ledger.
package block

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Transaction is the shape the consensus core needs from a mempool entry:
// a stable hash and the set of other transactions it cannot coexist with in
// the same block (spec.md §4.5's AddTransaction conflict rule).
type Transaction interface {
	Hash() common.Hash
	// Conflicts returns the hashes of transactions this one cannot be
	// included alongside in the same block.
	Conflicts() []common.Hash
	// FeePerByte orders proposals fee-descending; ties break on Hash.
	FeePerByte() uint64
}

// Witness carries the multisig invocation/verification scripts proving a
// block was approved by quorum.
type Witness struct {
	InvocationScript   []byte
	VerificationScript []byte
}

// Header is the deterministic, signable portion of a block.
type Header struct {
	Index         uint32
	PrimaryIndex  uint8
	Timestamp     uint64
	Nonce         uint64
	PrevHash      common.Hash
	MerkleRoot    common.Hash
	NextConsensus common.Address
	Witness       Witness
}

// Hash returns the hash over the header fields that validators sign, i.e.
// everything except the witness.
func (h *Header) Hash() common.Hash {
	return headerSignHash(h)
}

// Block is a finalized header plus its transaction list.
type Block interface {
	Header() *Header
	Transactions() []Transaction
	Hash() common.Hash
}

type block struct {
	header *Header
	txs    []Transaction
}

// New builds a Block from a header and its resolved transactions.
func New(h *Header, txs []Transaction) Block {
	return &block{header: h, txs: txs}
}

func (b *block) Header() *Header          { return b.header }
func (b *block) Transactions() []Transaction { return b.txs }
func (b *block) Hash() common.Hash        { return b.header.Hash() }

// NowTimestamp is the teacher's TimestampIncrement convention: millisecond
// precision since unix epoch, matching config.TimestampIncrement in
// dbft/config.go.
func NowTimestamp(t time.Time) uint64 {
	return uint64(t.UnixNano() / int64(time.Millisecond))
}
