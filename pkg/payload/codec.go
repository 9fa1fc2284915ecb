package payload

import (
	"bytes"

	dbftio "github.com/duoprime/dbft/pkg/io"
)

// newBodyFor constructs a blank body value for the given message kind so
// DecodeBinary has something to decode into.
func newBodyFor(t MessageType) dbftio.Serializable {
	switch t {
	case PrepareRequestType:
		return NewPrepareRequest().(dbftio.Serializable)
	case PrepareResponseType:
		return NewPrepareResponse().(dbftio.Serializable)
	case ChangeViewType:
		return NewChangeView().(dbftio.Serializable)
	case CommitType:
		return NewCommit().(dbftio.Serializable)
	case RecoveryRequestType:
		return NewRecoveryRequest().(dbftio.Serializable)
	case RecoveryMessageType:
		return NewRecoveryMessage().(dbftio.Serializable)
	default:
		return nil
	}
}

// encodeEnvelopeFields writes wire fields 1-6 from spec.md §6: category tag,
// validHeight, validatorIndex, payloadKind, viewNumber, kind-specific body.
func encodeEnvelopeFields(w *dbftio.BinWriter, p *Payload) {
	w.WriteVarString(category)
	w.WriteU32LE(p.height)
	w.WriteU16LE(p.validatorIndex)
	w.WriteB(byte(p.msgType))
	w.WriteB(p.viewNumber)
	if p.body != nil {
		p.body.EncodeBinary(w)
	}
}

// decodeEnvelopeFields reads wire fields 1-6, rejecting a wrong category tag
// as ErrMalformedPayload, and allocates the right body type before decoding
// it in place.
func decodeEnvelopeFields(r *dbftio.BinReader, p *Payload) {
	tag := r.ReadVarString(8)
	if r.Err != nil {
		return
	}
	if tag != category {
		r.Err = dbftio.ErrMalformedPayload
		return
	}

	p.height = r.ReadU32LE()
	p.validatorIndex = r.ReadU16LE()
	p.msgType = MessageType(r.ReadB())
	p.viewNumber = r.ReadB()
	if r.Err != nil {
		return
	}

	body := newBodyFor(p.msgType)
	if body == nil {
		r.Err = dbftio.ErrMalformedPayload
		return
	}
	body.DecodeBinary(r)
	p.body = body
}

// encodeSignable renders fields 1-6 (everything the envelope signature
// covers) to bytes.
func encodeSignable(p *Payload) []byte {
	buf := new(bytes.Buffer)
	w := dbftio.NewBinWriterFromIO(buf)
	encodeEnvelopeFields(w, p)
	return buf.Bytes()
}
