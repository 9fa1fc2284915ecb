package payload

import (
	dbftio "github.com/duoprime/dbft/pkg/io"
)

// RecoveryRequest asks peers to resend their observed proofs for the
// sender's current round.
type RecoveryRequest interface {
	dbftio.Serializable

	Timestamp() uint64
	SetTimestamp(uint64)
}

type recoveryRequest struct {
	timestamp uint64
}

var _ RecoveryRequest = (*recoveryRequest)(nil)

// NewRecoveryRequest returns a blank RecoveryRequest ready for decoding or
// field assignment.
func NewRecoveryRequest() RecoveryRequest { return &recoveryRequest{} }

func (r *recoveryRequest) Timestamp() uint64        { return r.timestamp }
func (r *recoveryRequest) SetTimestamp(ts uint64)   { r.timestamp = ts }

// EncodeBinary implements io.Serializable.
func (r *recoveryRequest) EncodeBinary(w *dbftio.BinWriter) {
	w.WriteU64LE(r.timestamp)
}

// DecodeBinary implements io.Serializable.
func (r *recoveryRequest) DecodeBinary(br *dbftio.BinReader) {
	r.timestamp = br.ReadU64LE()
}
