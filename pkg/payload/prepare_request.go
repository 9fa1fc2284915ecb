package payload

import (
	"github.com/ethereum/go-ethereum/common"

	dbftio "github.com/duoprime/dbft/pkg/io"
)

// PrepareRequest is authored only by the primary of the proposal slot it
// names (spec.md §4.1).
type PrepareRequest interface {
	dbftio.Serializable

	ProposalID() uint8
	Timestamp() uint64
	Nonce() uint64
	TransactionHashes() []common.Hash
	NextConsensus() common.Address

	SetProposalID(uint8)
	SetTimestamp(uint64)
	SetNonce(uint64)
	SetTransactionHashes([]common.Hash)
	SetNextConsensus(common.Address)
}

type prepareRequest struct {
	proposalID        uint8
	timestamp         uint64
	nonce             uint64
	transactionHashes []common.Hash
	nextConsensus     common.Address
}

var _ PrepareRequest = (*prepareRequest)(nil)

// NewPrepareRequest returns a blank PrepareRequest ready for decoding or
// field assignment.
func NewPrepareRequest() PrepareRequest { return &prepareRequest{} }

func (p *prepareRequest) ProposalID() uint8                    { return p.proposalID }
func (p *prepareRequest) Timestamp() uint64                    { return p.timestamp }
func (p *prepareRequest) Nonce() uint64                        { return p.nonce }
func (p *prepareRequest) TransactionHashes() []common.Hash     { return p.transactionHashes }
func (p *prepareRequest) NextConsensus() common.Address        { return p.nextConsensus }
func (p *prepareRequest) SetProposalID(id uint8)                { p.proposalID = id }
func (p *prepareRequest) SetTimestamp(ts uint64)                { p.timestamp = ts }
func (p *prepareRequest) SetNonce(n uint64)                     { p.nonce = n }
func (p *prepareRequest) SetTransactionHashes(h []common.Hash) { p.transactionHashes = h }
func (p *prepareRequest) SetNextConsensus(a common.Address)    { p.nextConsensus = a }

// EncodeBinary implements io.Serializable.
func (p *prepareRequest) EncodeBinary(w *dbftio.BinWriter) {
	w.WriteB(p.proposalID)
	w.WriteU64LE(p.timestamp)
	w.WriteU64LE(p.nonce)
	w.WriteBytes(p.nextConsensus[:])
	w.WriteVarUint(uint64(len(p.transactionHashes)))
	for _, h := range p.transactionHashes {
		w.WriteBytes(h[:])
	}
}

// DecodeBinary implements io.Serializable.
func (p *prepareRequest) DecodeBinary(r *dbftio.BinReader) {
	p.proposalID = r.ReadB()
	p.timestamp = r.ReadU64LE()
	p.nonce = r.ReadU64LE()
	r.ReadBytes(p.nextConsensus[:])

	n := r.ReadVarUint()
	if r.Err != nil {
		return
	}
	const maxTxHashes = 1 << 16
	if n > maxTxHashes {
		r.Err = dbftio.ErrMalformedPayload
		return
	}
	p.transactionHashes = make([]common.Hash, n)
	for i := range p.transactionHashes {
		r.ReadBytes(p.transactionHashes[i][:])
	}
}
