package payload

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	dbftio "github.com/duoprime/dbft/pkg/io"
	"github.com/duoprime/dbft/pkg/keys"
)

func mustKey(t *testing.T) *keys.PrivateKey {
	t.Helper()
	priv, err := keys.NewPrivateKey()
	require.NoError(t, err)
	return priv
}

func roundTrip(t *testing.T, p ConsensusPayload) ConsensusPayload {
	t.Helper()
	b, err := dbftio.ToByteArray(p)
	require.NoError(t, err)

	out := NewConsensusPayload()
	require.NoError(t, dbftio.FromByteArray(out, b))
	return out
}

func TestPrepareRequestEnvelopeRoundTrip(t *testing.T) {
	priv := mustKey(t)

	req := NewPrepareRequest()
	req.SetProposalID(1)
	req.SetTimestamp(1234)
	req.SetNonce(99)
	req.SetNextConsensus(common.HexToAddress("0x01"))
	req.SetTransactionHashes([]common.Hash{common.HexToHash("0xaa"), common.HexToHash("0xbb")})

	p := NewConsensusPayload()
	p.SetHeight(10)
	p.SetValidatorIndex(3)
	p.SetViewNumber(0)
	p.SetType(PrepareRequestType)
	p.SetPayload(req)
	p.Sign(priv)

	out := roundTrip(t, p)
	require.Equal(t, p.Hash(), out.Hash())
	require.NoError(t, out.Verify(priv.PublicKey()))

	gotReq := out.GetPrepareRequest()
	require.NotNil(t, gotReq)
	require.EqualValues(t, 1, gotReq.ProposalID())
	require.EqualValues(t, 1234, gotReq.Timestamp())
	require.EqualValues(t, 99, gotReq.Nonce())
	require.Equal(t, req.NextConsensus(), gotReq.NextConsensus())
	require.Equal(t, req.TransactionHashes(), gotReq.TransactionHashes())
}

func TestPrepareResponseEnvelopeRoundTrip(t *testing.T) {
	priv := mustKey(t)

	resp := NewPrepareResponse()
	resp.SetProposalID(0)
	resp.SetPreparationHash(common.HexToHash("0xcc"))

	p := NewConsensusPayload()
	p.SetHeight(10)
	p.SetValidatorIndex(1)
	p.SetViewNumber(2)
	p.SetType(PrepareResponseType)
	p.SetPayload(resp)
	p.Sign(priv)

	out := roundTrip(t, p)
	require.NoError(t, out.Verify(priv.PublicKey()))

	got := out.GetPrepareResponse()
	require.NotNil(t, got)
	require.EqualValues(t, 0, got.ProposalID())
	require.Equal(t, resp.PreparationHash(), got.PreparationHash())
}

func TestChangeViewEnvelopeRoundTrip(t *testing.T) {
	priv := mustKey(t)

	cv := NewChangeView()
	cv.SetNewViewNumber(3)
	cv.SetReason(CVTimeout)
	cv.SetTimestamp(777)

	p := NewConsensusPayload()
	p.SetHeight(5)
	p.SetValidatorIndex(2)
	p.SetViewNumber(2)
	p.SetType(ChangeViewType)
	p.SetPayload(cv)
	p.Sign(priv)

	out := roundTrip(t, p)
	require.NoError(t, out.Verify(priv.PublicKey()))

	got := out.GetChangeView()
	require.NotNil(t, got)
	require.EqualValues(t, 3, got.NewViewNumber())
	require.Equal(t, CVTimeout, got.Reason())
	require.EqualValues(t, 777, got.Timestamp())
}

func TestCommitEnvelopeRoundTrip(t *testing.T) {
	priv := mustKey(t)

	c := NewCommit()
	c.SetProposalID(1)
	var sig [SignatureSize]byte
	copy(sig[:], []byte("0123456789012345678901234567890123456789012345678901234567890A"))
	c.SetSignature(sig)

	p := NewConsensusPayload()
	p.SetHeight(5)
	p.SetValidatorIndex(0)
	p.SetViewNumber(0)
	p.SetType(CommitType)
	p.SetPayload(c)
	p.Sign(priv)

	out := roundTrip(t, p)
	require.NoError(t, out.Verify(priv.PublicKey()))

	got := out.GetCommit()
	require.NotNil(t, got)
	require.EqualValues(t, 1, got.ProposalID())
	require.Equal(t, sig, got.Signature())
}

func TestRecoveryRequestEnvelopeRoundTrip(t *testing.T) {
	priv := mustKey(t)

	rr := NewRecoveryRequest()
	rr.SetTimestamp(42)

	p := NewConsensusPayload()
	p.SetHeight(7)
	p.SetValidatorIndex(3)
	p.SetViewNumber(1)
	p.SetType(RecoveryRequestType)
	p.SetPayload(rr)
	p.Sign(priv)

	out := roundTrip(t, p)
	require.NoError(t, out.Verify(priv.PublicKey()))

	got := out.GetRecoveryRequest()
	require.NotNil(t, got)
	require.EqualValues(t, 42, got.Timestamp())
}

func TestRecoveryMessageAggregatesAndReconstructs(t *testing.T) {
	privs := make([]*keys.PrivateKey, 4)
	for i := range privs {
		privs[i] = mustKey(t)
	}

	const height = 20

	req := NewPrepareRequest()
	req.SetProposalID(0)
	req.SetTimestamp(111)
	req.SetNonce(222)
	req.SetNextConsensus(common.HexToAddress("0x02"))
	req.SetTransactionHashes([]common.Hash{common.HexToHash("0x01")})

	reqPayload := NewConsensusPayload()
	reqPayload.SetHeight(height)
	reqPayload.SetValidatorIndex(0)
	reqPayload.SetViewNumber(0)
	reqPayload.SetType(PrepareRequestType)
	reqPayload.SetPayload(req)
	reqPayload.Sign(privs[0])

	resp := NewPrepareResponse()
	resp.SetProposalID(0)
	resp.SetPreparationHash(reqPayload.Hash())

	respPayload := NewConsensusPayload()
	respPayload.SetHeight(height)
	respPayload.SetValidatorIndex(1)
	respPayload.SetViewNumber(0)
	respPayload.SetType(PrepareResponseType)
	respPayload.SetPayload(resp)
	respPayload.Sign(privs[1])

	cv := NewChangeView()
	cv.SetNewViewNumber(1)
	cv.SetReason(CVTimeout)
	cv.SetTimestamp(333)

	cvPayload := NewConsensusPayload()
	cvPayload.SetHeight(height)
	cvPayload.SetValidatorIndex(2)
	cvPayload.SetViewNumber(0)
	cvPayload.SetType(ChangeViewType)
	cvPayload.SetPayload(cv)
	cvPayload.Sign(privs[2])

	commitBody := NewCommit()
	commitBody.SetProposalID(0)
	var sig [SignatureSize]byte
	commitBody.SetSignature(sig)

	commitPayload := NewConsensusPayload()
	commitPayload.SetHeight(height)
	commitPayload.SetValidatorIndex(3)
	commitPayload.SetViewNumber(0)
	commitPayload.SetType(CommitType)
	commitPayload.SetPayload(commitBody)
	commitPayload.Sign(privs[3])

	rec := NewRecoveryMessage()
	rec.AddPayload(reqPayload)
	rec.AddPayload(respPayload)
	rec.AddPayload(cvPayload)
	rec.AddPayload(commitPayload)

	recPayload := NewConsensusPayload()
	recPayload.SetHeight(height)
	recPayload.SetValidatorIndex(0)
	recPayload.SetViewNumber(0)
	recPayload.SetType(RecoveryMessageType)
	recPayload.SetPayload(rec)
	recPayload.Sign(privs[0])

	out := roundTrip(t, recPayload)
	gotRec := out.GetRecoveryMessage()
	require.NotNil(t, gotRec)

	gotReq := gotRec.GetPrepareRequest(out, 0, 0)
	require.NotNil(t, gotReq)
	require.EqualValues(t, 0, gotReq.ValidatorIndex())
	innerReq := gotReq.GetPrepareRequest()
	require.NotNil(t, innerReq)
	require.EqualValues(t, 222, innerReq.Nonce())

	gotResps := gotRec.GetPrepareResponses(out, 0)
	require.Len(t, gotResps, 1)
	require.EqualValues(t, 1, gotResps[0].ValidatorIndex())

	gotCVs := gotRec.GetChangeViews(out)
	require.Len(t, gotCVs, 1)
	require.EqualValues(t, 2, gotCVs[0].ValidatorIndex())
	require.EqualValues(t, 0, gotCVs[0].ViewNumber())

	gotCommits := gotRec.GetCommits(out)
	require.Len(t, gotCommits, 1)
	require.EqualValues(t, 3, gotCommits[0].ValidatorIndex())

	require.NotNil(t, gotRec.PreparationHash(0))
	require.Equal(t, reqPayload.Hash(), *gotRec.PreparationHash(0))
}
