package payload

import (
	"github.com/ethereum/go-ethereum/common"

	dbftio "github.com/duoprime/dbft/pkg/io"
)

// RecoveryMessage aggregates the subset of proofs a sender has observed for
// the current round, sufficient to bootstrap a lagging peer (spec.md
// §4.1/§4.5). It is generalized from the teacher's single-primary recovery
// message to dual proposal slots: preparation state is tracked per pId.
type RecoveryMessage interface {
	dbftio.Serializable

	// AddPayload folds one observed payload into the bundle.
	AddPayload(p ConsensusPayload)

	// GetPrepareRequest reconstructs the PrepareRequest payload for slot
	// pId authored by the validator at index primary, or nil if this
	// bundle didn't see one.
	GetPrepareRequest(p ConsensusPayload, pId uint8, primary uint16) ConsensusPayload
	// GetPrepareResponses reconstructs the PrepareResponse payloads seen
	// for slot pId, in no particular order.
	GetPrepareResponses(p ConsensusPayload, pId uint8) []ConsensusPayload
	// GetChangeViews reconstructs the ChangeView payloads seen, in no
	// particular order.
	GetChangeViews(p ConsensusPayload) []ConsensusPayload
	// GetCommits reconstructs the Commit payloads seen, in no particular
	// order.
	GetCommits(p ConsensusPayload) []ConsensusPayload

	// PreparationHash returns the prepare-request hash this bundle has for
	// slot pId, useful when only PrepareResponse payloads were observed.
	PreparationHash(pId uint8) *common.Hash
	SetPreparationHash(pId uint8, h *common.Hash)
}

type changeViewCompact struct {
	ValidatorIndex     uint16
	OriginalViewNumber uint8
	Timestamp          uint64
	Reason             ChangeViewReason
	Signature          [SignatureSize]byte
}

func (c *changeViewCompact) EncodeBinary(w *dbftio.BinWriter) {
	w.WriteU16LE(c.ValidatorIndex)
	w.WriteB(c.OriginalViewNumber)
	w.WriteU64LE(c.Timestamp)
	w.WriteB(byte(c.Reason))
	w.WriteBytes(c.Signature[:])
}

func (c *changeViewCompact) DecodeBinary(r *dbftio.BinReader) {
	c.ValidatorIndex = r.ReadU16LE()
	c.OriginalViewNumber = r.ReadB()
	c.Timestamp = r.ReadU64LE()
	c.Reason = ChangeViewReason(r.ReadB())
	r.ReadBytes(c.Signature[:])
}

type commitCompact struct {
	ValidatorIndex uint16
	ViewNumber     uint8
	ProposalID     uint8
	Signature      [SignatureSize]byte
}

func (c *commitCompact) EncodeBinary(w *dbftio.BinWriter) {
	w.WriteU16LE(c.ValidatorIndex)
	w.WriteB(c.ViewNumber)
	w.WriteB(c.ProposalID)
	w.WriteBytes(c.Signature[:])
}

func (c *commitCompact) DecodeBinary(r *dbftio.BinReader) {
	c.ValidatorIndex = r.ReadU16LE()
	c.ViewNumber = r.ReadB()
	c.ProposalID = r.ReadB()
	r.ReadBytes(c.Signature[:])
}

type preparationCompact struct {
	ValidatorIndex uint16
	Signature      [SignatureSize]byte
}

func (c *preparationCompact) EncodeBinary(w *dbftio.BinWriter) {
	w.WriteU16LE(c.ValidatorIndex)
	w.WriteBytes(c.Signature[:])
}

func (c *preparationCompact) DecodeBinary(r *dbftio.BinReader) {
	c.ValidatorIndex = r.ReadU16LE()
	r.ReadBytes(c.Signature[:])
}

type recoveryMessage struct {
	preparationHash      [MaxProposals]*common.Hash
	prepareRequest       [MaxProposals]PrepareRequest
	prepareReqValidator  [MaxProposals]uint16
	prepareReqSignature  [MaxProposals][SignatureSize]byte
	preparationPayloads  [MaxProposals][]*preparationCompact
	commitPayloads       []*commitCompact
	changeViewPayloads   []*changeViewCompact
}

var _ RecoveryMessage = (*recoveryMessage)(nil)

// NewRecoveryMessage returns a blank RecoveryMessage ready for decoding or
// incremental construction via AddPayload.
func NewRecoveryMessage() RecoveryMessage { return &recoveryMessage{} }

// PreparationHash implements RecoveryMessage.
func (m *recoveryMessage) PreparationHash(pId uint8) *common.Hash {
	if int(pId) >= MaxProposals {
		return nil
	}
	return m.preparationHash[pId]
}

// SetPreparationHash implements RecoveryMessage.
func (m *recoveryMessage) SetPreparationHash(pId uint8, h *common.Hash) {
	if int(pId) >= MaxProposals {
		return
	}
	m.preparationHash[pId] = h
}

// AddPayload implements RecoveryMessage.
func (m *recoveryMessage) AddPayload(p ConsensusPayload) {
	validator := p.ValidatorIndex()

	switch p.Type() {
	case PrepareRequestType:
		req := p.GetPrepareRequest()
		if req == nil {
			return
		}
		pId := req.ProposalID()
		if int(pId) >= MaxProposals {
			return
		}
		m.prepareRequest[pId] = req
		m.prepareReqValidator[pId] = validator
		m.prepareReqSignature[pId] = p.Signature()
		h := p.Hash()
		m.preparationHash[pId] = &h
	case PrepareResponseType:
		resp := p.GetPrepareResponse()
		if resp == nil {
			return
		}
		pId := resp.ProposalID()
		if int(pId) >= MaxProposals {
			return
		}
		m.preparationPayloads[pId] = append(m.preparationPayloads[pId], &preparationCompact{
			ValidatorIndex: validator,
			Signature:      p.Signature(),
		})
		if m.preparationHash[pId] == nil {
			h := resp.PreparationHash()
			m.preparationHash[pId] = &h
		}
	case ChangeViewType:
		cv := p.GetChangeView()
		if cv == nil {
			return
		}
		m.changeViewPayloads = append(m.changeViewPayloads, &changeViewCompact{
			ValidatorIndex:     validator,
			OriginalViewNumber: p.ViewNumber(),
			Timestamp:          cv.Timestamp(),
			Reason:             cv.Reason(),
			Signature:          p.Signature(),
		})
	case CommitType:
		c := p.GetCommit()
		if c == nil {
			return
		}
		m.commitPayloads = append(m.commitPayloads, &commitCompact{
			ValidatorIndex: validator,
			ViewNumber:     p.ViewNumber(),
			ProposalID:     c.ProposalID(),
			Signature:      c.Signature(),
		})
	}
}

func fromRecovery(t MessageType, recovery ConsensusPayload, body dbftio.Serializable) *Payload {
	return &Payload{
		height:     recovery.Height(),
		msgType:    t,
		viewNumber: recovery.ViewNumber(),
		body:       body,
	}
}

// GetPrepareRequest implements RecoveryMessage.
func (m *recoveryMessage) GetPrepareRequest(p ConsensusPayload, pId uint8, primary uint16) ConsensusPayload {
	if int(pId) >= MaxProposals || m.prepareRequest[pId] == nil {
		return nil
	}

	req := m.prepareRequest[pId]
	body := &prepareRequest{
		proposalID:        req.ProposalID(),
		timestamp:         req.Timestamp(),
		nonce:             req.Nonce(),
		transactionHashes: req.TransactionHashes(),
		nextConsensus:     req.NextConsensus(),
	}

	out := fromRecovery(PrepareRequestType, p, body)
	out.validatorIndex = primary
	out.signature = m.prepareReqSignature[pId]

	return out
}

// GetPrepareResponses implements RecoveryMessage.
func (m *recoveryMessage) GetPrepareResponses(p ConsensusPayload, pId uint8) []ConsensusPayload {
	if int(pId) >= MaxProposals || m.preparationHash[pId] == nil {
		return nil
	}

	compacts := m.preparationPayloads[pId]
	out := make([]ConsensusPayload, len(compacts))

	for i, c := range compacts {
		body := &prepareResponse{
			proposalID:      pId,
			preparationHash: *m.preparationHash[pId],
		}
		pl := fromRecovery(PrepareResponseType, p, body)
		pl.validatorIndex = c.ValidatorIndex
		pl.signature = c.Signature
		out[i] = pl
	}

	return out
}

// GetChangeViews implements RecoveryMessage.
func (m *recoveryMessage) GetChangeViews(p ConsensusPayload) []ConsensusPayload {
	out := make([]ConsensusPayload, len(m.changeViewPayloads))

	for i, cv := range m.changeViewPayloads {
		body := &changeView{
			newViewNumber: cv.OriginalViewNumber + 1,
			reason:        cv.Reason,
			timestamp:     cv.Timestamp,
		}
		pl := fromRecovery(ChangeViewType, p, body)
		pl.viewNumber = cv.OriginalViewNumber
		pl.validatorIndex = cv.ValidatorIndex
		pl.signature = cv.Signature
		out[i] = pl
	}

	return out
}

// GetCommits implements RecoveryMessage.
func (m *recoveryMessage) GetCommits(p ConsensusPayload) []ConsensusPayload {
	out := make([]ConsensusPayload, len(m.commitPayloads))

	for i, c := range m.commitPayloads {
		body := &commit{
			proposalID: c.ProposalID,
			signature:  c.Signature,
		}
		pl := fromRecovery(CommitType, p, body)
		pl.viewNumber = c.ViewNumber
		pl.validatorIndex = c.ValidatorIndex
		pl.signature = c.Signature
		out[i] = pl
	}

	return out
}

// EncodeBinary implements io.Serializable.
func (m *recoveryMessage) EncodeBinary(w *dbftio.BinWriter) {
	w.WriteArray(m.changeViewPayloads)

	for pId := 0; pId < MaxProposals; pId++ {
		hasReq := m.prepareRequest[pId] != nil
		w.WriteBool(hasReq)
		if hasReq {
			w.WriteU16LE(m.prepareReqValidator[pId])
			w.WriteBytes(m.prepareReqSignature[pId][:])
			m.prepareRequest[pId].(dbftio.Serializable).EncodeBinary(w)
			var h common.Hash
			if m.preparationHash[pId] != nil {
				h = *m.preparationHash[pId]
			}
			w.WriteBytes(h[:])
		} else if m.preparationHash[pId] != nil {
			w.WriteVarUint(common.HashLength)
			w.WriteBytes(m.preparationHash[pId][:])
		} else {
			w.WriteVarUint(0)
		}
		w.WriteArray(m.preparationPayloads[pId])
	}

	w.WriteArray(m.commitPayloads)
}

// DecodeBinary implements io.Serializable.
func (m *recoveryMessage) DecodeBinary(r *dbftio.BinReader) {
	r.ReadArray(&m.changeViewPayloads)
	if r.Err != nil {
		return
	}

	for pId := 0; pId < MaxProposals; pId++ {
		hasReq := r.ReadBool()
		if r.Err != nil {
			return
		}
		if hasReq {
			m.prepareReqValidator[pId] = r.ReadU16LE()
			r.ReadBytes(m.prepareReqSignature[pId][:])
			req := &prepareRequest{}
			req.DecodeBinary(r)
			m.prepareRequest[pId] = req
			var h common.Hash
			r.ReadBytes(h[:])
			m.preparationHash[pId] = &h
		} else {
			l := r.ReadVarUint()
			if r.Err != nil {
				return
			}
			if l == common.HashLength {
				var h common.Hash
				r.ReadBytes(h[:])
				m.preparationHash[pId] = &h
			} else if l != 0 {
				r.Err = dbftio.ErrMalformedPayload
				return
			}
		}
		r.ReadArray(&m.preparationPayloads[pId])
		if r.Err != nil {
			return
		}
	}

	r.ReadArray(&m.commitPayloads)
}
