// Package payload implements the six dBFT wire payload kinds and their
// common signed envelope (spec.md §4.1, §6).
package payload

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	dbftio "github.com/duoprime/dbft/pkg/io"
	"github.com/duoprime/dbft/pkg/keys"
)

// category is the fixed ASCII tag every envelope starts with (spec.md §6).
const category = "dBFT"

// ConsensusPayload is the common envelope every payload kind travels in:
// origin validator index, height, view, a kind-specific body, and a
// signature over everything else.
type ConsensusPayload interface {
	dbftio.Serializable

	Height() uint32
	SetHeight(uint32)
	ValidatorIndex() uint16
	SetValidatorIndex(uint16)
	ViewNumber() uint8
	SetViewNumber(uint8)
	Type() MessageType
	SetType(MessageType)

	Payload() interface{}
	SetPayload(interface{})

	// Hash is the signable digest: category + height + validatorIndex +
	// type + view + body, excluding the signature itself.
	Hash() common.Hash
	Sign(priv *keys.PrivateKey)
	Signature() [SignatureSize]byte
	SetSignature([SignatureSize]byte)
	Verify(pub *keys.PublicKey) error

	GetPrepareRequest() PrepareRequest
	GetPrepareResponse() PrepareResponse
	GetChangeView() ChangeView
	GetCommit() Commit
	GetRecoveryRequest() RecoveryRequest
	GetRecoveryMessage() RecoveryMessage
}

// Payload is the concrete ConsensusPayload implementation.
type Payload struct {
	height         uint32
	validatorIndex uint16
	msgType        MessageType
	viewNumber     uint8
	body           dbftio.Serializable
	signature      [SignatureSize]byte

	hashCached *common.Hash
}

var _ ConsensusPayload = (*Payload)(nil)

// NewConsensusPayload returns a blank envelope ready for decoding or field
// assignment.
func NewConsensusPayload() ConsensusPayload { return &Payload{} }

// Height implements ConsensusPayload.
func (p *Payload) Height() uint32 { return p.height }

// SetHeight implements ConsensusPayload.
func (p *Payload) SetHeight(h uint32) { p.height = h; p.hashCached = nil }

// ValidatorIndex implements ConsensusPayload.
func (p *Payload) ValidatorIndex() uint16 { return p.validatorIndex }

// SetValidatorIndex implements ConsensusPayload.
func (p *Payload) SetValidatorIndex(i uint16) { p.validatorIndex = i; p.hashCached = nil }

// ViewNumber implements ConsensusPayload.
func (p *Payload) ViewNumber() uint8 { return p.viewNumber }

// SetViewNumber implements ConsensusPayload.
func (p *Payload) SetViewNumber(v uint8) { p.viewNumber = v; p.hashCached = nil }

// Type implements ConsensusPayload.
func (p *Payload) Type() MessageType { return p.msgType }

// SetType implements ConsensusPayload.
func (p *Payload) SetType(t MessageType) { p.msgType = t; p.hashCached = nil }

// Payload implements ConsensusPayload, returning the kind-specific body.
func (p *Payload) Payload() interface{} { return p.body }

// SetPayload implements ConsensusPayload.
func (p *Payload) SetPayload(body interface{}) {
	if s, ok := body.(dbftio.Serializable); ok {
		p.body = s
	}
	p.hashCached = nil
}

// Signature implements ConsensusPayload.
func (p *Payload) Signature() [SignatureSize]byte { return p.signature }

// SetSignature implements ConsensusPayload.
func (p *Payload) SetSignature(sig [SignatureSize]byte) { p.signature = sig }

// Hash implements ConsensusPayload.
func (p *Payload) Hash() common.Hash {
	if p.hashCached != nil {
		return *p.hashCached
	}
	b := encodeSignable(p)
	h := crypto.Keccak256Hash(b)
	p.hashCached = &h
	return h
}

// Sign computes the envelope hash and signs it with priv.
func (p *Payload) Sign(priv *keys.PrivateKey) {
	h := p.Hash()
	sig := priv.Sign(h[:])
	copy(p.signature[:], sig)
}

// Verify checks the envelope signature against pub.
func (p *Payload) Verify(pub *keys.PublicKey) error {
	h := p.Hash()
	return pub.Verify(h[:], p.signature[:])
}

// GetPrepareRequest type-asserts the body, returning nil if it isn't one.
func (p *Payload) GetPrepareRequest() PrepareRequest {
	v, _ := p.body.(PrepareRequest)
	return v
}

// GetPrepareResponse type-asserts the body, returning nil if it isn't one.
func (p *Payload) GetPrepareResponse() PrepareResponse {
	v, _ := p.body.(PrepareResponse)
	return v
}

// GetChangeView type-asserts the body, returning nil if it isn't one.
func (p *Payload) GetChangeView() ChangeView {
	v, _ := p.body.(ChangeView)
	return v
}

// GetCommit type-asserts the body, returning nil if it isn't one.
func (p *Payload) GetCommit() Commit {
	v, _ := p.body.(Commit)
	return v
}

// GetRecoveryRequest type-asserts the body, returning nil if it isn't one.
func (p *Payload) GetRecoveryRequest() RecoveryRequest {
	v, _ := p.body.(RecoveryRequest)
	return v
}

// GetRecoveryMessage type-asserts the body, returning nil if it isn't one.
func (p *Payload) GetRecoveryMessage() RecoveryMessage {
	v, _ := p.body.(RecoveryMessage)
	return v
}

// EncodeBinary implements io.Serializable: the full wire envelope, signature
// included.
func (p *Payload) EncodeBinary(w *dbftio.BinWriter) {
	encodeEnvelopeFields(w, p)
	w.WriteBytes(p.signature[:])
}

// DecodeBinary implements io.Serializable.
func (p *Payload) DecodeBinary(r *dbftio.BinReader) {
	decodeEnvelopeFields(r, p)
	if r.Err != nil {
		return
	}
	r.ReadBytes(p.signature[:])
}
