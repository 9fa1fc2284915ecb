package dbft

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/duoprime/dbft/pkg/block"
	"github.com/duoprime/dbft/pkg/keys"
	"github.com/duoprime/dbft/pkg/payload"
	"github.com/duoprime/dbft/pkg/timer"
)

// Role identifies what a validator does in the current view.
type Role byte

const (
	// RolePriorityPrimary authors the pId=0 proposal.
	RolePriorityPrimary Role = iota
	// RoleFallbackPrimary authors the pId=1 proposal.
	RoleFallbackPrimary
	// RoleBackup only responds to proposals and commits.
	RoleBackup
	// RoleWatchOnly never sends payloads.
	RoleWatchOnly
)

func (r Role) String() string {
	switch r {
	case RolePriorityPrimary:
		return "PriorityPrimary"
	case RoleFallbackPrimary:
		return "FallbackPrimary"
	case RoleBackup:
		return "Backup"
	case RoleWatchOnly:
		return "WatchOnly"
	default:
		return "Unknown"
	}
}

// proposalState holds everything specific to one of the two parallel
// proposal slots (spec.md §3, §4.2).
type proposalState struct {
	prepareRequest payload.ConsensusPayload // envelope whose body is a PrepareRequest
	responses      []payload.ConsensusPayload

	timestamp         uint64
	nonce             uint64
	nextConsensus     common.Address
	transactionHashes []common.Hash
	transactions      map[common.Hash]block.Transaction
	missingTx         []common.Hash

	requestSentOrReceived bool
	responseSent          bool

	header block.Block // cached deterministic header draft, see EnsureHeader
}

func newProposalState() *proposalState {
	return &proposalState{transactions: make(map[common.Hash]block.Transaction)}
}

func (s *proposalState) hasAllTransactions() bool {
	return len(s.transactions) >= len(s.transactionHashes)
}

// Context is the per-round state machine described by spec.md §4.2: block
// drafts, preparation/commit tallies, view and role. It is intentionally a
// plain struct (no internal locking) because dBFT serializes every mutation
// through a single event loop (see Service).
type Context struct {
	*Config

	BlockIndex uint32
	ViewNumber uint8
	MyIndex    int
	Validators keys.PublicKeys

	lastBlockIndex uint32
	lastBlockTime  time.Time

	proposals [payload.MaxProposals]*proposalState

	ChangeViewPayloads []payload.ConsensusPayload
	CommitPayloads     []payload.ConsensusPayload
	LastSeenMessage    []*timer.HV

	commitSent   bool
	committedPId uint8
	blockSent    bool

	block block.Block
}

// N returns the number of validators.
func (c *Context) N() int { return len(c.Validators) }

// F returns the maximum tolerated number of faulty validators.
func (c *Context) F() int { return (c.N() - 1) / 3 }

// M returns the quorum size n-f.
func (c *Context) M() int { return c.N() - c.F() }

// PriorityPrimaryIndex returns the priority primary's validator index for
// view v (spec.md §2: primaryIndex(v) = (H-v) mod n).
func (c *Context) PriorityPrimaryIndex(v uint8) int {
	n := c.N()
	p := (int(c.BlockIndex) - int(v)) % n
	if p < 0 {
		p += n
	}
	return p
}

// FallbackPrimaryIndex returns the fallback primary's validator index for
// view v (spec.md §2: fallbackPrimary(v) = (primaryIndex(v)+1) mod n).
func (c *Context) FallbackPrimaryIndex(v uint8) int {
	return (c.PriorityPrimaryIndex(v) + 1) % c.N()
}

// PrimaryIndexForSlot returns the validator index authorized to propose in
// slot pId at the current view.
func (c *Context) PrimaryIndexForSlot(pId uint8) int {
	if pId == 0 {
		return c.PriorityPrimaryIndex(c.ViewNumber)
	}
	return c.FallbackPrimaryIndex(c.ViewNumber)
}

// Role computes this node's role for the current view.
func (c *Context) Role() Role {
	if c.WatchOnly() {
		return RoleWatchOnly
	}
	switch c.MyIndex {
	case c.PriorityPrimaryIndex(c.ViewNumber):
		return RolePriorityPrimary
	case c.FallbackPrimaryIndex(c.ViewNumber):
		return RoleFallbackPrimary
	default:
		return RoleBackup
	}
}

// WatchOnly reports whether this node is configured watch-only or
// has no assigned validator index at all.
func (c *Context) WatchOnly() bool {
	return c.MyIndex < 0 || c.Config.WatchOnly()
}

// IsPrimary reports whether this node authors either proposal slot this view.
func (c *Context) IsPrimary() bool {
	r := c.Role()
	return r == RolePriorityPrimary || r == RoleFallbackPrimary
}

// IsBackup reports whether this node is a plain backup this view.
func (c *Context) IsBackup() bool { return c.Role() == RoleBackup }

// OwnProposalID returns the proposal slot this node authors this view, if
// any.
func (c *Context) OwnProposalID() (uint8, bool) {
	switch c.Role() {
	case RolePriorityPrimary:
		return 0, true
	case RoleFallbackPrimary:
		return 1, true
	default:
		return 0, false
	}
}

// RequestSentOrReceived reports whether any slot already has a stored
// PrepareRequest.
func (c *Context) RequestSentOrReceived() bool {
	for _, s := range c.proposals {
		if s.requestSentOrReceived {
			return true
		}
	}
	return false
}

// ResponseSent reports whether a PrepareResponse has been broadcast for any
// slot.
func (c *Context) ResponseSent() bool {
	for _, s := range c.proposals {
		if s.responseSent {
			return true
		}
	}
	return false
}

// CommitSent reports whether this node has already emitted a Commit at this
// height (spec.md §9: a node never emits a commit on a different pId/view
// once committed).
func (c *Context) CommitSent() bool { return c.commitSent }

// BlockSent reports whether the committed block has already been submitted.
func (c *Context) BlockSent() bool { return c.blockSent }

// ViewChanging reports whether this node has itself requested a later view.
func (c *Context) ViewChanging() bool {
	m := c.ChangeViewPayloads[c.MyIndex]
	return m != nil && m.GetChangeView().NewViewNumber() > c.ViewNumber
}

// NotAcceptingPayloadsDueToViewChanging mirrors ViewChanging for transaction
// intake gating.
func (c *Context) NotAcceptingPayloadsDueToViewChanging() bool {
	return c.ViewChanging() && !c.MoreThanFNodesCommittedOrLost()
}

// MoreThanFNodesCommittedOrLost reports whether more than F validators are
// either known to have committed or are presumed lost, a condition under
// which it's safe to keep progressing a view change rather than wait.
func (c *Context) MoreThanFNodesCommittedOrLost() bool {
	committed, lost := 0, 0
	for i := range c.Validators {
		if c.CommitPayloads[i] != nil {
			committed++
			continue
		}
		if hv := c.LastSeenMessage[i]; hv == nil || hv.Height < c.BlockIndex {
			lost++
		}
	}
	return committed+lost > c.F()
}

// MissingTransactions returns the slot-scoped missing-transaction list for
// pId, used by OnTransaction to decide whether an incoming tx is awaited.
func (c *Context) MissingTransactions(pId uint8) []common.Hash {
	return c.proposals[pId].missingTx
}

// TransactionHashes returns the slot-scoped transaction hash list.
func (c *Context) TransactionHashes(pId uint8) []common.Hash {
	return c.proposals[pId].transactionHashes
}

// ProposalRequest returns the PrepareRequest body backing slot pId, or nil
// if the slot has neither authored nor received one yet. NewBlockFromContext
// implementations use this plus GetTx to assemble a header/transaction list
// that matches whichever primary's proposal the local node is replying to.
func (c *Context) ProposalRequest(pId uint8) payload.PrepareRequest {
	s := c.proposals[pId]
	if s.prepareRequest == nil {
		return nil
	}
	return s.prepareRequest.GetPrepareRequest()
}

// reset rebuilds slot state for (H, newView). Commits are retained across a
// view change (safety); they are cleared only when moving to a brand new
// height (view 0 after PersistCompleted).
func (c *Context) reset(newView uint8) {
	n := len(c.Validators)
	keepCommits := newView > 0 && c.CommitPayloads != nil

	var savedCommits []payload.ConsensusPayload
	if keepCommits {
		savedCommits = c.CommitPayloads
	}

	c.ViewNumber = newView
	for i := range c.proposals {
		c.proposals[i] = newProposalState()
	}
	c.ChangeViewPayloads = make([]payload.ConsensusPayload, n)

	if keepCommits {
		c.CommitPayloads = savedCommits
	} else {
		c.CommitPayloads = make([]payload.ConsensusPayload, n)
		c.commitSent = false
		c.blockSent = false
	}

	if c.LastSeenMessage == nil {
		c.LastSeenMessage = make([]*timer.HV, n)
	}
}

// Reset fully reinitializes the context for a new height H, clearing every
// slot including retained commits.
func (c *Context) Reset(h uint32) {
	c.BlockIndex = h
	c.commitSent = false
	c.blockSent = false
	c.block = nil

	validators := c.GetValidators(h)
	c.Validators = validators
	c.MyIndex, _, _ = c.GetKeyPair(validators)
	c.CommitPayloads = nil // force a fresh tally for the new height
	c.reset(0)
}

func nowMillis(c *Context) uint64 {
	return block.NowTimestamp(c.Timer.Now())
}

// MakePrepareRequest builds the PrepareRequest payload for slot pId. Only
// valid when this node authors that slot.
func (c *Context) MakePrepareRequest(pId uint8) payload.ConsensusPayload {
	s := c.proposals[pId]

	ts := nowMillis(c)
	if floor := c.GetMedianTime() + 1; ts < floor {
		ts = floor
	}
	if !c.lastBlockTime.IsZero() {
		prev := block.NowTimestamp(c.lastBlockTime)
		if ts <= prev {
			ts = prev + c.TimestampIncrement/uint64(time.Millisecond/time.Nanosecond+1) + 1
		}
	}

	txs := c.GetVerified()
	if len(txs) > c.MaxTxPerBlock {
		txs = txs[:c.MaxTxPerBlock]
	}
	hashes := make([]common.Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash()
		s.transactions[hashes[i]] = tx
	}

	s.timestamp = ts
	s.nonce = randNonce(c)
	s.nextConsensus = c.GetConsensusAddress(c.GetValidators(c.BlockIndex+1)...)
	s.transactionHashes = hashes
	s.requestSentOrReceived = true

	req := c.NewPrepareRequest()
	req.SetProposalID(pId)
	req.SetTimestamp(ts)
	req.SetNonce(s.nonce)
	req.SetNextConsensus(s.nextConsensus)
	req.SetTransactionHashes(hashes)

	p := c.NewConsensusPayload(c, payload.PrepareRequestType, req)
	s.prepareRequest = p
	return p
}

func randNonce(c *Context) uint64 {
	return uint64(c.Timer.Now().UnixNano())
}

// MakePrepareResponse echoes the hash of the observed prepReq[pId].
func (c *Context) MakePrepareResponse(pId uint8) payload.ConsensusPayload {
	s := c.proposals[pId]
	resp := c.NewPrepareResponse()
	resp.SetProposalID(pId)
	resp.SetPreparationHash(s.prepareRequest.Hash())
	s.responseSent = true
	return c.NewConsensusPayload(c, payload.PrepareResponseType, resp)
}

// MakeChangeView targets view v+1.
func (c *Context) MakeChangeView(reason payload.ChangeViewReason) payload.ConsensusPayload {
	cv := c.NewChangeView()
	cv.SetNewViewNumber(c.ViewNumber + 1)
	cv.SetReason(reason)
	cv.SetTimestamp(nowMillis(c))
	return c.NewConsensusPayload(c, payload.ChangeViewType, cv)
}

// EnsureHeader builds a deterministic block header from prepReq[pId] plus
// slot state, returning nil if any field is missing.
func (c *Context) EnsureHeader(pId uint8) block.Block {
	s := c.proposals[pId]
	if s.prepareRequest == nil || !s.hasAllTransactions() {
		return nil
	}
	if s.header != nil {
		return s.header
	}
	s.header = c.NewBlockFromContext(c, pId)
	return s.header
}

// MakeCommit signs the header of blockDraft[pId].
func (c *Context) MakeCommit(pId uint8) payload.ConsensusPayload {
	header := c.EnsureHeader(pId)
	_, priv, _ := c.GetKeyPair(c.Validators)
	h := header.Hash()
	sig := priv.Sign(h[:])

	body := c.NewCommit()
	body.SetProposalID(pId)
	var fixed [payload.SignatureSize]byte
	copy(fixed[:], sig)
	body.SetSignature(fixed)

	c.commitSent = true
	c.committedPId = pId

	return c.NewConsensusPayload(c, payload.CommitType, body)
}

// MakeRecoveryRequest builds a RecoveryRequest announcing the current round.
func (c *Context) MakeRecoveryRequest() payload.ConsensusPayload {
	rr := c.NewRecoveryRequest()
	rr.SetTimestamp(nowMillis(c))
	return c.NewConsensusPayload(c, payload.RecoveryRequestType, rr)
}

// MakeRecoveryMessage bundles every proof this node has observed so far.
func (c *Context) MakeRecoveryMessage() payload.ConsensusPayload {
	rec := c.NewRecoveryMessage()

	for _, m := range c.ChangeViewPayloads {
		if m != nil {
			rec.AddPayload(m)
		}
	}
	for _, s := range c.proposals {
		if s.prepareRequest != nil {
			rec.AddPayload(s.prepareRequest)
		}
		for _, m := range s.responses {
			if m != nil {
				rec.AddPayload(m)
			}
		}
	}
	for _, m := range c.CommitPayloads {
		if m != nil {
			rec.AddPayload(m)
		}
	}

	return c.NewConsensusPayload(c, payload.RecoveryMessageType, rec)
}
