package dbft

import (
	"github.com/ethereum/go-ethereum/common"

	dbftio "github.com/duoprime/dbft/pkg/io"
	"github.com/duoprime/dbft/pkg/keys"
	"github.com/duoprime/dbft/pkg/payload"
	"github.com/duoprime/dbft/pkg/timer"
)

// EncodeBinary writes the round state a restart needs to resume safely: the
// consensus proofs observed so far (spec.md §4.4). Config (callbacks,
// logger, timer) is not round state and is never written; the caller that
// constructs a Service supplies it fresh, and transaction bodies are
// re-fetched from the mempool by hash rather than persisted.
func (c *Context) EncodeBinary(w *dbftio.BinWriter) {
	w.WriteU32LE(c.BlockIndex)
	w.WriteB(c.ViewNumber)
	w.WriteU32LE(uint32(c.MyIndex + 1)) // shift so MyIndex==-1 round-trips through a uint

	w.WriteVarUint(uint64(len(c.Validators)))
	for _, v := range c.Validators {
		w.WriteVarBytes(v.Bytes())
	}

	for _, s := range c.proposals {
		if s == nil {
			s = newProposalState()
		}
		encodeProposalState(w, s)
	}

	writeOptionalPayloads(w, c.ChangeViewPayloads)
	writeOptionalPayloads(w, c.CommitPayloads)

	w.WriteVarUint(uint64(len(c.LastSeenMessage)))
	for _, hv := range c.LastSeenMessage {
		w.WriteBool(hv != nil)
		if hv != nil {
			w.WriteU32LE(hv.Height)
			w.WriteB(hv.View)
		}
	}

	w.WriteBool(c.commitSent)
	w.WriteB(c.committedPId)
	w.WriteBool(c.blockSent)
}

func encodeProposalState(w *dbftio.BinWriter, s *proposalState) {
	w.WriteBool(s.prepareRequest != nil)
	if s.prepareRequest != nil {
		s.prepareRequest.EncodeBinary(w)
	}
	writeOptionalPayloads(w, s.responses)

	w.WriteU64LE(s.timestamp)
	w.WriteU64LE(s.nonce)
	w.WriteBytes(s.nextConsensus[:])

	w.WriteVarUint(uint64(len(s.transactionHashes)))
	for _, h := range s.transactionHashes {
		w.WriteBytes(h[:])
	}

	w.WriteBool(s.requestSentOrReceived)
	w.WriteBool(s.responseSent)
}

func writeOptionalPayloads(w *dbftio.BinWriter, ps []payload.ConsensusPayload) {
	w.WriteVarUint(uint64(len(ps)))
	for _, p := range ps {
		w.WriteBool(p != nil)
		if p != nil {
			p.EncodeBinary(w)
		}
	}
}

// DecodeBinary reverses EncodeBinary. Callers must set Config (and anything
// else Context embeds by reference) before the decoded Context is used.
func (c *Context) DecodeBinary(r *dbftio.BinReader) {
	c.BlockIndex = r.ReadU32LE()
	c.ViewNumber = r.ReadB()
	c.MyIndex = int(r.ReadU32LE()) - 1

	n := r.ReadVarUint()
	if r.Err != nil {
		return
	}
	c.Validators = make(keys.PublicKeys, n)
	for i := range c.Validators {
		b := r.ReadVarBytes(128)
		if r.Err != nil {
			return
		}
		pub, err := keys.PublicKeyFromBytes(b)
		if err != nil {
			r.Err = err
			return
		}
		c.Validators[i] = pub
	}

	for i := range c.proposals {
		c.proposals[i] = decodeProposalState(r)
		if r.Err != nil {
			return
		}
	}

	c.ChangeViewPayloads = readOptionalPayloads(r)
	c.CommitPayloads = readOptionalPayloads(r)
	if r.Err != nil {
		return
	}

	m := r.ReadVarUint()
	if r.Err != nil {
		return
	}
	c.LastSeenMessage = make([]*timer.HV, m)
	for i := range c.LastSeenMessage {
		if r.ReadBool() {
			c.LastSeenMessage[i] = &timer.HV{Height: r.ReadU32LE(), View: r.ReadB()}
		}
		if r.Err != nil {
			return
		}
	}

	c.commitSent = r.ReadBool()
	c.committedPId = r.ReadB()
	c.blockSent = r.ReadBool()
}

func decodeProposalState(r *dbftio.BinReader) *proposalState {
	s := newProposalState()

	hasReq := r.ReadBool()
	if hasReq {
		p := payload.NewConsensusPayload()
		p.DecodeBinary(r)
		s.prepareRequest = p
	}
	s.responses = readOptionalPayloads(r)
	if r.Err != nil {
		return s
	}

	s.timestamp = r.ReadU64LE()
	s.nonce = r.ReadU64LE()
	r.ReadBytes(s.nextConsensus[:])

	n := r.ReadVarUint()
	if r.Err != nil {
		return s
	}
	s.transactionHashes = make([]common.Hash, n)
	for i := range s.transactionHashes {
		r.ReadBytes(s.transactionHashes[i][:])
	}

	s.requestSentOrReceived = r.ReadBool()
	s.responseSent = r.ReadBool()

	return s
}

func readOptionalPayloads(r *dbftio.BinReader) []payload.ConsensusPayload {
	n := r.ReadVarUint()
	if r.Err != nil {
		return nil
	}
	out := make([]payload.ConsensusPayload, n)
	for i := range out {
		if r.ReadBool() {
			p := payload.NewConsensusPayload()
			p.DecodeBinary(r)
			out[i] = p
		}
		if r.Err != nil {
			return out
		}
	}
	return out
}
