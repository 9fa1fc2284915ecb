package dbft

import (
	goerrors "github.com/go-errors/errors"
	"go.uber.org/zap"

	"github.com/duoprime/dbft/pkg/payload"
)

// checkPreparations implements CheckPreparations(pId): once prepReq[pId] is
// present, M-1 matching responses have arrived, and every transaction the
// request named has been resolved, commit to that slot.
func (d *Service) checkPreparations(pId uint8) {
	s := d.proposals[pId]
	if s.prepareRequest == nil || !s.hasAllTransactions() {
		return
	}

	count := 0
	for _, m := range s.responses {
		if m != nil {
			count++
		}
	}

	d.Logger.Debug("check preparations",
		zap.Uint8("pId", pId), zap.Int("count", count), zap.Int("M", d.M()))

	if count < d.M()-1 {
		return
	}

	if d.commitSent {
		return
	}

	header := d.EnsureHeader(pId)
	if header == nil {
		return
	}
	if !d.VerifyBlock(header) {
		d.Logger.Warn("assembled block failed verification, requesting view change",
			zap.Uint8("pId", pId))
		d.requestChangeView(payload.CVTxInvalid)
		return
	}

	commit := d.MakeCommit(pId)
	d.CommitPayloads[d.MyIndex] = commit
	if err := d.SaveRoundState(&d.Context); err != nil {
		d.halt(goerrors.Wrap(err, 0))
		return
	}
	d.broadcast(commit)
	d.changeTimer(d.SecondsPerBlock)
	d.checkCommits(pId)
}

// checkCommits implements CheckCommits(pId): once M commits for this slot
// have arrived, assemble them in validator-index order and submit the block.
func (d *Service) checkCommits(pId uint8) {
	count := 0
	for _, m := range d.CommitPayloads {
		if m != nil && m.GetCommit().ProposalID() == pId {
			count++
		}
	}

	if count < d.M() {
		d.Logger.Debug("not enough commits", zap.Uint8("pId", pId), zap.Int("count", count))
		return
	}

	header := d.EnsureHeader(pId)
	if header == nil {
		return
	}

	if !d.VerifyBlock(header) {
		d.Logger.Error("ledger rejected assembled block after quorum commit, requesting recovery",
			zap.Uint32("height", d.BlockIndex), zap.Uint8("pId", pId))
		d.broadcast(d.MakeRecoveryRequest())
		return
	}

	var inv []byte
	for _, m := range d.CommitPayloads {
		if m != nil && m.GetCommit().ProposalID() == pId {
			sig := m.GetCommit().Signature()
			inv = append(inv, sig[:]...)
		}
	}
	header.Header().Witness.InvocationScript = inv

	d.lastBlockIndex = d.BlockIndex
	d.lastBlockTime = d.Timer.Now()
	d.block = header
	d.blockSent = true

	d.Logger.Info("approving block",
		zap.Uint32("height", d.BlockIndex),
		zap.Uint8("pId", pId),
		zap.Stringer("hash", header.Hash()),
		zap.Int("tx_count", len(header.Transactions())))

	d.ProcessBlock(header)
	d.InitializeConsensus(0)
}

// checkExpectedView implements CheckExpectedView(newV): if at least M peers
// have asked for a view >= newV, transition there.
func (d *Service) checkExpectedView(newView uint8) {
	if d.ViewNumber >= newView {
		return
	}

	count := 0
	for _, m := range d.ChangeViewPayloads {
		if m != nil && m.GetChangeView().NewViewNumber() >= newView {
			count++
		}
	}

	if count < d.M() {
		return
	}

	if !d.WatchOnly() {
		mine := d.ChangeViewPayloads[d.MyIndex]
		if mine == nil || mine.GetChangeView().NewViewNumber() < newView {
			d.broadcast(d.MakeChangeView(payload.CVChangeAgreement))
		}
	}

	d.InitializeConsensus(newView)
}
