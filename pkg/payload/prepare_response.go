package payload

import (
	"github.com/ethereum/go-ethereum/common"

	dbftio "github.com/duoprime/dbft/pkg/io"
)

// PrepareResponse acknowledges a specific prepare-request hash for one
// proposal slot.
type PrepareResponse interface {
	dbftio.Serializable

	ProposalID() uint8
	PreparationHash() common.Hash

	SetProposalID(uint8)
	SetPreparationHash(common.Hash)
}

type prepareResponse struct {
	proposalID      uint8
	preparationHash common.Hash
}

var _ PrepareResponse = (*prepareResponse)(nil)

// NewPrepareResponse returns a blank PrepareResponse ready for decoding or
// field assignment.
func NewPrepareResponse() PrepareResponse { return &prepareResponse{} }

func (p *prepareResponse) ProposalID() uint8                 { return p.proposalID }
func (p *prepareResponse) PreparationHash() common.Hash      { return p.preparationHash }
func (p *prepareResponse) SetProposalID(id uint8)            { p.proposalID = id }
func (p *prepareResponse) SetPreparationHash(h common.Hash)  { p.preparationHash = h }

// EncodeBinary implements io.Serializable.
func (p *prepareResponse) EncodeBinary(w *dbftio.BinWriter) {
	w.WriteB(p.proposalID)
	w.WriteBytes(p.preparationHash[:])
}

// DecodeBinary implements io.Serializable.
func (p *prepareResponse) DecodeBinary(r *dbftio.BinReader) {
	p.proposalID = r.ReadB()
	r.ReadBytes(p.preparationHash[:])
}
