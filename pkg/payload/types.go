package payload

// MessageType identifies one of the six wire payload kinds sharing the
// common envelope described in spec.md §4.1.
type MessageType byte

const (
	// PrepareRequestType proposes a block draft for one proposal slot.
	PrepareRequestType MessageType = iota
	// PrepareResponseType acknowledges a specific PrepareRequest.
	PrepareResponseType
	// ChangeViewType requests (or agrees to) moving to a new view.
	ChangeViewType
	// CommitType carries a validator's signature over a block header.
	CommitType
	// RecoveryRequestType asks peers to resend their observed proofs.
	RecoveryRequestType
	// RecoveryMessageType bundles a peer's observed proofs to bootstrap a
	// lagging validator.
	RecoveryMessageType
)

// String implements fmt.Stringer.
func (t MessageType) String() string {
	switch t {
	case PrepareRequestType:
		return "PrepareRequest"
	case PrepareResponseType:
		return "PrepareResponse"
	case ChangeViewType:
		return "ChangeView"
	case CommitType:
		return "Commit"
	case RecoveryRequestType:
		return "RecoveryRequest"
	case RecoveryMessageType:
		return "RecoveryMessage"
	default:
		return "Unknown"
	}
}

// ChangeViewReason records why a validator asked to move to a new view, for
// observability.
type ChangeViewReason byte

const (
	// CVTimeout fires when a proposal/commit deadline elapsed.
	CVTimeout ChangeViewReason = iota
	// CVChangeAgreement is broadcast once a validator has itself observed
	// quorum agreement to move view, per the teacher's checkChangeView.
	CVChangeAgreement
	// CVTxInvalid fires when AddTransaction finds an irreconcilable
	// conflict between transactions in a slot.
	CVTxInvalid
	// CVTxRejectedByPolicy fires when the external Verify collaborator
	// rejects a transaction for policy reasons (not a structural conflict).
	CVTxRejectedByPolicy
	// CVBlockRejectedByPolicy fires when a PrepareRequest is rejected as a
	// whole (timestamp too far ahead, failed VerifyPrepareRequest). A failed
	// VerifyBlock is reported as CVTxInvalid.
	CVBlockRejectedByPolicy
)

// String implements fmt.Stringer.
func (r ChangeViewReason) String() string {
	switch r {
	case CVTimeout:
		return "Timeout"
	case CVChangeAgreement:
		return "ChangeAgreement"
	case CVTxInvalid:
		return "TxInvalid"
	case CVTxRejectedByPolicy:
		return "TxRejectedByPolicy"
	case CVBlockRejectedByPolicy:
		return "BlockRejectedByPolicy"
	default:
		return "Unknown"
	}
}

// MaxProposals is the number of parallel proposal slots per view: 0 is the
// priority primary's slot, 1 is the fallback primary's.
const MaxProposals = 2
