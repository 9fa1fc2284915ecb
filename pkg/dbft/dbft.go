package dbft

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	goerrors "github.com/go-errors/errors"
	"go.uber.org/zap"

	"github.com/duoprime/dbft/pkg/block"
	"github.com/duoprime/dbft/pkg/payload"
	"github.com/duoprime/dbft/pkg/timer"
)

// Service is the event-driven dBFT state machine described in spec.md §4.5.
// It owns no goroutine of its own: every exported method is a handler that
// must be invoked from a single serialized event loop (see pkg/consensus).
type Service struct {
	Context

	cache      cache
	recovering bool

	halted  bool
	haltErr error
}

// Halted reports whether the service has hit an Irrecoverable error (spec.md
// §7) and stopped participating in consensus.
func (d *Service) Halted() bool { return d.halted }

// HaltErr returns the error that halted the service, or nil if it hasn't.
func (d *Service) HaltErr() error { return d.haltErr }

// halt marks the service Irrecoverable: it logs the wrapped stack trace and
// ensures broadcast becomes a no-op, so the node never signs another message
// once a persistence write it already depended on has failed.
func (d *Service) halt(err error) {
	if d.halted {
		return
	}
	d.halted = true
	d.haltErr = err

	if st, ok := err.(*goerrors.Error); ok {
		d.Logger.Error("consensus halted: irrecoverable error", zap.String("stack", st.ErrorStack()))
	} else {
		d.Logger.Error("consensus halted: irrecoverable error", zap.Error(err))
	}
}

// ServiceAPI is the external event surface a consensus event loop drives.
type ServiceAPI interface {
	Start()
	OnTransaction(block.Transaction)
	OnReceive(payload.ConsensusPayload)
	OnTimeout(timer.HV)
	PersistCompleted(h uint32)
}

var _ ServiceAPI = (*Service)(nil)

// New returns a new Service with the provided options, or nil if required
// options are missing.
func New(options ...Option) *Service {
	cfg := defaultConfig()
	for _, o := range options {
		o(cfg)
	}
	if err := checkConfig(cfg); err != nil {
		return nil
	}

	return &Service{Context: Context{Config: cfg}}
}

// Start loads persisted round state if available and either resumes a
// commit-sent round or initializes a fresh one (spec.md §4.5 "Start
// handling").
func (d *Service) Start() {
	d.cache = newCache()

	if snap, ok := d.LoadRoundState(); ok {
		d.Context = *snap
		d.Context.Config = d.Config.clone()
		if d.commitSent {
			d.Logger.Info("resuming commit-sent round after restart",
				zap.Uint32("height", d.BlockIndex), zap.Uint8("pId", d.committedPId))
			d.checkCommits(d.committedPId)
			return
		}
		d.InitializeConsensus(d.ViewNumber)
	} else {
		d.Reset(d.CurrentHeight() + 1)
		d.InitializeConsensus(0)
	}

	if !d.WatchOnly() {
		d.broadcast(d.MakeRecoveryRequest())
	}
}

func (cfg *Config) clone() *Config {
	c := *cfg
	return &c
}

// PersistCompleted advances to the next height once the ledger has durably
// applied the committed block.
func (d *Service) PersistCompleted(h uint32) {
	d.lastBlockIndex = h
	d.lastBlockTime = d.Timer.Now()
	d.Reset(h + 1)
	d.InitializeConsensus(0)
}

// InitializeConsensus resets context for view v, computes role and arms the
// appropriate timer.
func (d *Service) InitializeConsensus(view uint8) {
	d.reset(view)

	role := d.Role()

	logMsg := "initializing dbft"
	if view > 0 {
		logMsg = "changing dbft view"
	}
	d.Logger.Info(logMsg,
		zap.Uint32("height", d.BlockIndex),
		zap.Uint8("view", view),
		zap.Int("index", d.MyIndex),
		zap.Stringer("role", role))

	if role == RoleWatchOnly {
		return
	}

	var timeout time.Duration

	switch role {
	case RolePriorityPrimary, RoleFallbackPrimary:
		mult := time.Duration(1)
		if role == RoleFallbackPrimary {
			mult = time.Duration(d.PrimaryTimerMultiplier)
		}
		if view == 0 {
			timeout = mult * d.SecondsPerBlock
		} else {
			timeout = mult * d.SecondsPerBlock << (view + 1)
		}
	default:
		timeout = d.SecondsPerBlock << (view + 1)
	}

	if !d.recovering && d.lastBlockIndex+1 == d.BlockIndex && !d.lastBlockTime.IsZero() {
		diff := d.Timer.Now().Sub(d.lastBlockTime)
		timeout -= diff
		if timeout < 0 {
			timeout = 0
		}
	}

	d.changeTimer(timeout)
	d.replayCached()
}

// replayCached feeds back in every future-height message this node buffered
// while it was lagging, now that BlockIndex has caught up to them.
func (d *Service) replayCached() {
	box := d.cache.getHeight(d.BlockIndex)
	if box == nil {
		return
	}
	for _, m := range box.chViews {
		d.OnReceive(m)
	}
	for _, m := range box.prepare {
		d.OnReceive(m)
	}
	for _, m := range box.commit {
		d.OnReceive(m)
	}
}

// OnTransaction notifies the service of a transaction that arrived out of
// band, resolving it against every slot still missing it.
func (d *Service) OnTransaction(tx block.Transaction) {
	if d.halted {
		return
	}
	for pId := uint8(0); pId < payload.MaxProposals; pId++ {
		s := d.proposals[pId]
		if len(s.missingTx) == 0 {
			continue
		}

		idx := -1
		for i, h := range s.missingTx {
			if h == tx.Hash() {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}

		if err := d.addTransaction(pId, tx); err != nil {
			d.requestChangeView(classifyTxError(err))
			continue
		}

		last := len(s.missingTx) - 1
		s.missingTx[idx] = s.missingTx[last]
		s.missingTx = s.missingTx[:last]
	}
}

func classifyTxError(err error) payload.ChangeViewReason {
	if _, ok := err.(*conflictError); ok {
		return payload.CVTxInvalid
	}
	return payload.CVTxRejectedByPolicy
}

type conflictError struct{ msg string }

func (e *conflictError) Error() string { return e.msg }

// addTransaction implements AddTransaction(tx, verify) for one slot.
func (d *Service) addTransaction(pId uint8, tx block.Transaction) error {
	s := d.proposals[pId]

	for _, h := range tx.Conflicts() {
		if _, ok := s.transactions[h]; ok {
			return &conflictError{"conflicting transaction already in slot"}
		}
	}
	for _, existing := range s.transactions {
		for _, h := range existing.Conflicts() {
			if h == tx.Hash() {
				return &conflictError{"existing transaction conflicts with tx"}
			}
		}
	}

	if err := d.VerifyTx(tx); err != nil {
		return err
	}

	s.transactions[tx.Hash()] = tx

	if s.hasAllTransactions() {
		d.checkPrepareResponse(pId)
	}

	return nil
}

func (d *Service) checkPrepareResponse(pId uint8) {
	s := d.proposals[pId]
	if d.IsPrimary() || d.WatchOnly() || s.responseSent {
		return
	}
	header := d.EnsureHeader(pId)
	if header == nil {
		return
	}
	if !d.VerifyBlock(header) {
		d.Logger.Warn("proposed block failed verification", zap.Uint8("pId", pId))
		d.requestChangeView(payload.CVTxInvalid)
		return
	}

	d.extendTimer(2)
	resp := d.MakePrepareResponse(pId)
	s.responses[d.MyIndex] = resp
	d.broadcast(resp)
	d.checkPreparations(pId)
}

// OnTimeout advances the state machine as if the timer fired (spec.md §4.5
// "Tick handling").
func (d *Service) OnTimeout(hv timer.HV) {
	if d.halted {
		return
	}
	if d.WatchOnly() || d.blockSent {
		return
	}
	if hv.Height != d.BlockIndex || hv.View != d.ViewNumber {
		d.Logger.Debug("timeout: ignore stale tick",
			zap.Uint32("height", hv.Height), zap.Uint8("view", hv.View))
		return
	}

	d.Logger.Debug("timeout", zap.Uint32("height", hv.Height), zap.Uint8("view", hv.View))

	if pId, ok := d.OwnProposalID(); ok && !d.proposals[pId].requestSentOrReceived {
		req := d.MakePrepareRequest(pId)
		if err := d.SaveRoundState(&d.Context); err != nil {
			d.halt(goerrors.Wrap(err, 0))
			return
		}
		d.broadcast(req)
		d.extendTimer(2)
		return
	}

	if d.commitSent {
		d.Logger.Debug("send recovery to resend commit")
		d.broadcast(d.MakeRecoveryMessage())
		d.changeTimer(d.SecondsPerBlock << 1)
		return
	}

	d.requestChangeView(payload.CVTimeout)
}

// requestChangeView implements RequestChangeView(reason).
func (d *Service) requestChangeView(reason payload.ChangeViewReason) {
	expected := d.ViewNumber + 1
	d.changeTimer(d.SecondsPerBlock << (expected + 1))

	committed, failed := 0, 0
	for i := range d.Validators {
		if d.CommitPayloads[i] != nil {
			committed++
			continue
		}
		if hv := d.LastSeenMessage[i]; hv == nil || hv.Height < d.BlockIndex {
			failed++
		}
	}
	if committed+failed > d.F() {
		d.broadcast(d.MakeRecoveryRequest())
		return
	}

	cv := d.MakeChangeView(reason)
	d.ChangeViewPayloads[d.MyIndex] = cv
	d.broadcast(cv)
	d.checkExpectedView(expected)
}

// OnReceive advances the state machine according to msg.
func (d *Service) OnReceive(msg payload.ConsensusPayload) {
	if d.halted {
		return
	}
	if int(msg.ValidatorIndex()) >= len(d.Validators) {
		d.Logger.Error("validator index out of range", zap.Uint16("from", msg.ValidatorIndex()))
		return
	}
	if msg.Payload() == nil {
		d.Logger.Error("payload with nil body")
		return
	}

	d.Logger.Debug("received message",
		zap.Stringer("type", msg.Type()),
		zap.Uint16("from", msg.ValidatorIndex()),
		zap.Uint32("height", msg.Height()),
		zap.Uint8("view", msg.ViewNumber()))

	if msg.Height() < d.BlockIndex {
		d.Logger.Debug("ignoring old height", zap.Uint32("height", msg.Height()))
		return
	}
	if msg.Height() > d.BlockIndex ||
		(msg.Height() == d.BlockIndex && msg.ViewNumber() > d.ViewNumber && msg.Type() != payload.RecoveryMessageType) {
		d.Logger.Debug("caching message from future",
			zap.Uint32("height", msg.Height()), zap.Uint8("view", msg.ViewNumber()))
		d.cache.addMessage(msg)
		return
	}
	if int(msg.ValidatorIndex()) >= len(d.Validators) {
		return
	}

	hv := d.LastSeenMessage[msg.ValidatorIndex()]
	if hv == nil || hv.Height < msg.Height() || (hv.Height == msg.Height() && hv.View < msg.ViewNumber()) {
		d.LastSeenMessage[msg.ValidatorIndex()] = &timer.HV{Height: msg.Height(), View: msg.ViewNumber()}
	}

	switch msg.Type() {
	case payload.PrepareRequestType:
		d.onPrepareRequest(msg)
	case payload.PrepareResponseType:
		d.onPrepareResponse(msg)
	case payload.ChangeViewType:
		d.onChangeView(msg)
	case payload.CommitType:
		d.onCommit(msg)
	case payload.RecoveryRequestType:
		d.onRecoveryRequest(msg)
	case payload.RecoveryMessageType:
		d.onRecoveryMessage(msg)
	default:
		d.Logger.Error("unknown message type")
	}
}

func (d *Service) onPrepareRequest(msg payload.ConsensusPayload) {
	req := msg.GetPrepareRequest()
	if req == nil {
		return
	}
	pId := req.ProposalID()
	if int(pId) >= payload.MaxProposals {
		return
	}

	if uint(msg.ValidatorIndex()) != uint(d.PrimaryIndexForSlot(pId)) {
		d.Logger.Debug("ignoring PrepareRequest from wrong node", zap.Uint16("from", msg.ValidatorIndex()))
		return
	}
	if d.ViewNumber != msg.ViewNumber() {
		d.Logger.Debug("ignoring wrong view number", zap.Uint8("view", msg.ViewNumber()))
		return
	}

	s := d.proposals[pId]
	if s.requestSentOrReceived {
		d.Logger.Debug("ignoring duplicate PrepareRequest", zap.Uint8("pId", pId))
		return
	}

	now := block.NowTimestamp(d.Timer.Now())
	future := now + uint64(d.SecondsPerBlock/time.Millisecond)
	if req.Timestamp() > future {
		d.Logger.Warn("PrepareRequest timestamp too far in the future")
		d.requestChangeView(payload.CVBlockRejectedByPolicy)
		return
	}
	if hasDuplicates(req.TransactionHashes()) {
		d.requestChangeView(payload.CVTxInvalid)
		return
	}
	if len(req.TransactionHashes()) > d.MaxTxPerBlock {
		d.Logger.Warn("PrepareRequest exceeds MaxTxPerBlock",
			zap.Int("count", len(req.TransactionHashes())), zap.Int("max", d.MaxTxPerBlock))
		d.requestChangeView(payload.CVTxInvalid)
		return
	}

	if err := d.VerifyPrepareRequest(msg); err != nil {
		d.Logger.Warn("invalid PrepareRequest", zap.String("error", err.Error()))
		d.requestChangeView(payload.CVBlockRejectedByPolicy)
		return
	}

	d.extendTimer(2)

	s.timestamp = req.Timestamp()
	s.nonce = req.Nonce()
	s.nextConsensus = req.NextConsensus()
	s.transactionHashes = req.TransactionHashes()
	s.prepareRequest = msg
	s.requestSentOrReceived = true
	if s.responses == nil {
		s.responses = make([]payload.ConsensusPayload, len(d.Validators))
	}

	d.processMissingTx(pId)

	if s.hasAllTransactions() {
		d.checkPrepareResponse(pId)
	}
}

func hasDuplicates(hs []common.Hash) bool {
	seen := make(map[common.Hash]struct{}, len(hs))
	for _, h := range hs {
		if _, ok := seen[h]; ok {
			return true
		}
		seen[h] = struct{}{}
	}
	return false
}

func (d *Service) processMissingTx(pId uint8) {
	s := d.proposals[pId]
	missing := make([]common.Hash, 0, len(s.transactionHashes))

	for _, h := range s.transactionHashes {
		if _, ok := s.transactions[h]; ok {
			continue
		}
		if tx := d.GetTx(h); tx != nil {
			s.transactions[h] = tx
		} else {
			missing = append(missing, h)
		}
	}

	if len(missing) != 0 {
		s.missingTx = missing
		d.RequestTx(missing...)
	}
}

func (d *Service) onPrepareResponse(msg payload.ConsensusPayload) {
	resp := msg.GetPrepareResponse()
	if resp == nil {
		return
	}
	pId := resp.ProposalID()
	if int(pId) >= payload.MaxProposals {
		return
	}
	if d.ViewNumber != msg.ViewNumber() {
		return
	}
	if uint(msg.ValidatorIndex()) == uint(d.PrimaryIndexForSlot(pId)) {
		return
	}

	s := d.proposals[pId]
	if s.responses == nil {
		s.responses = make([]payload.ConsensusPayload, len(d.Validators))
	}

	if s.prepareRequest != nil && resp.PreparationHash() != s.prepareRequest.Hash() {
		d.Logger.Debug("PrepareResponse hash mismatch, ignoring")
		return
	}

	if err := d.VerifyPrepareResponse(msg); err != nil {
		d.Logger.Warn("invalid PrepareResponse", zap.String("error", err.Error()))
		return
	}

	s.responses[msg.ValidatorIndex()] = msg
	d.extendTimer(2)

	if !d.WatchOnly() && !d.commitSent {
		d.checkPreparations(pId)
	}
}

func (d *Service) onChangeView(msg payload.ConsensusPayload) {
	cv := msg.GetChangeView()
	if cv == nil {
		return
	}

	if cv.NewViewNumber() <= d.ViewNumber {
		d.onRecoveryRequest(msg)
		return
	}

	if d.commitSent {
		d.broadcast(d.MakeRecoveryMessage())
		return
	}

	existing := d.ChangeViewPayloads[msg.ValidatorIndex()]
	if existing != nil && cv.NewViewNumber() < existing.GetChangeView().NewViewNumber() {
		return
	}

	d.ChangeViewPayloads[msg.ValidatorIndex()] = msg
	d.checkExpectedView(cv.NewViewNumber())
}

func (d *Service) onCommit(msg payload.ConsensusPayload) {
	c := msg.GetCommit()
	if c == nil {
		return
	}
	pId := c.ProposalID()

	if d.ViewNumber != msg.ViewNumber() {
		d.Logger.Debug("commit for different view, storing for later reconciliation",
			zap.Uint16("validator", msg.ValidatorIndex()))
		d.CommitPayloads[msg.ValidatorIndex()] = msg
		return
	}

	d.extendTimer(4)

	header := d.EnsureHeader(pId)
	if header == nil {
		d.CommitPayloads[msg.ValidatorIndex()] = msg
		return
	}

	pub := d.Validators[msg.ValidatorIndex()]
	if err := header.Header().Verify(pub, c.Signature()); err != nil {
		d.Logger.Warn("invalid commit signature", zap.Uint16("validator", msg.ValidatorIndex()))
		return
	}

	d.CommitPayloads[msg.ValidatorIndex()] = msg
	d.checkCommits(pId)
}

func (d *Service) onRecoveryRequest(msg payload.ConsensusPayload) {
	if !d.commitSent {
		shouldSend := false
		for i := 1; i <= d.F(); i++ {
			if (int(msg.ValidatorIndex())+i)%len(d.Validators) == d.MyIndex {
				shouldSend = true
				break
			}
		}
		if !shouldSend {
			return
		}
	}
	d.broadcast(d.MakeRecoveryMessage())
}

func (d *Service) onRecoveryMessage(msg payload.ConsensusPayload) {
	recovery := msg.GetRecoveryMessage()
	if recovery == nil {
		return
	}

	d.recovering = true
	defer func() { d.recovering = false }()

	if msg.ViewNumber() > d.ViewNumber {
		if d.commitSent {
			return
		}
		for _, m := range recovery.GetChangeViews(msg) {
			d.OnReceive(m)
		}
	}

	if msg.ViewNumber() == d.ViewNumber && !d.commitSent {
		for pId := uint8(0); pId < payload.MaxProposals; pId++ {
			if !d.proposals[pId].requestSentOrReceived {
				if req := recovery.GetPrepareRequest(msg, pId, uint16(d.PrimaryIndexForSlot(pId))); req != nil {
					d.OnReceive(req)
				} else if r, ok := d.OwnProposalID(); ok && r == pId {
					d.broadcast(d.MakePrepareRequest(pId))
				}
			}
			for _, m := range recovery.GetPrepareResponses(msg, pId) {
				d.OnReceive(m)
			}
		}
	}

	if msg.ViewNumber() <= d.ViewNumber {
		for _, m := range recovery.GetCommits(msg) {
			d.OnReceive(m)
		}
	}
}

func (d *Service) changeTimer(delay time.Duration) {
	d.Logger.Debug("reset timer",
		zap.Uint32("h", d.BlockIndex), zap.Uint8("v", d.ViewNumber), zap.Duration("delay", delay))
	d.Timer.Reset(timer.HV{Height: d.BlockIndex, View: d.ViewNumber}, delay)
}

func (d *Service) extendTimer(count time.Duration) {
	if !d.commitSent && !d.ViewChanging() {
		mult := time.Duration(1)
		if d.recovering {
			mult = 2
		}
		d.Timer.Extend(mult * count * d.SecondsPerBlock / time.Duration(d.M()))
	}
}

func (d *Service) broadcast(m payload.ConsensusPayload) {
	if d.halted {
		return
	}
	_, priv, _ := d.GetKeyPair(d.Validators)
	m.Sign(priv)
	d.Broadcast(m)
}
