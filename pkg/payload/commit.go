package payload

import (
	dbftio "github.com/duoprime/dbft/pkg/io"
)

// SignatureSize is the fixed length of a compact secp256k1 signature as
// produced by pkg/keys.PrivateKey.Sign.
const SignatureSize = 64

// Commit carries a validator's signature over the header of the block
// drafted in proposal slot ProposalID.
type Commit interface {
	dbftio.Serializable

	ProposalID() uint8
	Signature() [SignatureSize]byte

	SetProposalID(uint8)
	SetSignature([SignatureSize]byte)
}

type commit struct {
	proposalID uint8
	signature  [SignatureSize]byte
}

var _ Commit = (*commit)(nil)

// NewCommit returns a blank Commit ready for decoding or field assignment.
func NewCommit() Commit { return &commit{} }

func (c *commit) ProposalID() uint8                     { return c.proposalID }
func (c *commit) Signature() [SignatureSize]byte         { return c.signature }
func (c *commit) SetProposalID(id uint8)                 { c.proposalID = id }
func (c *commit) SetSignature(sig [SignatureSize]byte)   { c.signature = sig }

// EncodeBinary implements io.Serializable.
func (c *commit) EncodeBinary(w *dbftio.BinWriter) {
	w.WriteB(c.proposalID)
	w.WriteBytes(c.signature[:])
}

// DecodeBinary implements io.Serializable.
func (c *commit) DecodeBinary(r *dbftio.BinReader) {
	c.proposalID = r.ReadB()
	r.ReadBytes(c.signature[:])
}
