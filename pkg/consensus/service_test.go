package consensus

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/duoprime/dbft/pkg/block"
	"github.com/duoprime/dbft/pkg/dbft"
	"github.com/duoprime/dbft/pkg/keys"
	"github.com/duoprime/dbft/pkg/payload"
	"github.com/duoprime/dbft/pkg/timer"
)

func testDBFTOptions(t *testing.T) []dbft.Option {
	t.Helper()

	priv, err := keys.NewPrivateKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	pub := priv.PublicKey()
	validators := keys.PublicKeys{pub, pub, pub, pub}

	return []dbft.Option{
		dbft.WithKeyPair(priv, pub),
		dbft.WithTimer(timer.New()),
		dbft.WithSecondsPerBlock(time.Hour),
		dbft.WithCurrentHeight(func() uint32 { return 0 }),
		dbft.WithCurrentBlockHash(func() common.Hash { return common.Hash{} }),
		dbft.WithGetValidators(func(uint32) []*keys.PublicKey { return validators }),
		dbft.WithNewBlockFromContext(func(ctx *dbft.Context, pId uint8) block.Block { return nil }),
	}
}

func TestNewServiceRejectsIncompleteConfig(t *testing.T) {
	_, err := NewService(Config{Logger: zap.NewNop()})
	if err == nil {
		t.Fatalf("expected an error when required dbft options are missing")
	}
}

func TestNewServiceBuildsWrappedDBFT(t *testing.T) {
	svc, err := NewService(Config{Logger: zap.NewNop(), DBFT: testDBFTOptions(t)})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if svc.dbft == nil {
		t.Fatalf("wrapped dbft.Service is nil")
	}
}

func newTestChangeView(validatorIndex uint16) payload.ConsensusPayload {
	cv := payload.NewChangeView()
	cv.SetNewViewNumber(1)

	p := payload.NewConsensusPayload()
	p.SetHeight(1)
	p.SetValidatorIndex(validatorIndex)
	p.SetViewNumber(0)
	p.SetType(payload.ChangeViewType)
	p.SetPayload(cv)
	return p
}

func TestOnPayloadDedupsByHash(t *testing.T) {
	svc, err := NewService(Config{Logger: zap.NewNop(), DBFT: testDBFTOptions(t)})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	msg := newTestChangeView(1)
	svc.OnPayload(msg)
	svc.OnPayload(msg)

	if len(svc.messages) != 1 {
		t.Fatalf("messages channel len = %d, want 1 (second OnPayload should have been deduped)", len(svc.messages))
	}
	if !svc.cache.Has(msg.Hash()) {
		t.Fatalf("expected payload to be cached after OnPayload")
	}
}

func TestGetPayloadReturnsCachedEnvelope(t *testing.T) {
	svc, err := NewService(Config{Logger: zap.NewNop(), DBFT: testDBFTOptions(t)})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	msg := newTestChangeView(2)
	svc.OnPayload(msg)

	got := svc.GetPayload(msg.Hash())
	if got == nil {
		t.Fatalf("GetPayload returned nil for a payload just seen")
	}
	if got.Hash() != msg.Hash() {
		t.Fatalf("GetPayload returned a different payload")
	}

	var zero common.Hash
	if svc.GetPayload(zero) != nil {
		t.Fatalf("GetPayload should return nil for an unseen hash")
	}
}

type testTx struct {
	hash common.Hash
	fee  uint64
}

func (tx *testTx) Hash() common.Hash        { return tx.hash }
func (tx *testTx) Conflicts() []common.Hash { return nil }
func (tx *testTx) FeePerByte() uint64       { return tx.fee }

func TestOnTransactionCachesForGetTransaction(t *testing.T) {
	svc, err := NewService(Config{Logger: zap.NewNop(), DBFT: testDBFTOptions(t)})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	var h common.Hash
	h[0] = 7
	tx := &testTx{hash: h, fee: 42}

	svc.OnTransaction(tx)

	got := svc.GetTransaction(h)
	if got == nil {
		t.Fatalf("GetTransaction returned nil for a transaction just relayed")
	}
	if got.Hash() != h {
		t.Fatalf("GetTransaction returned a transaction with the wrong hash")
	}

	select {
	case queued := <-svc.transactions:
		if queued.Hash() != h {
			t.Fatalf("queued transaction hash mismatch")
		}
	default:
		t.Fatalf("expected OnTransaction to enqueue onto the event loop channel")
	}
}

func TestStartAndShutdownDrivesEventLoop(t *testing.T) {
	svc, err := NewService(Config{Logger: zap.NewNop(), DBFT: testDBFTOptions(t)})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	svc.Start()
	svc.OnPayload(newTestChangeView(3))

	// Give the event loop a chance to drain the message before shutdown;
	// this only proves OnReceive doesn't panic on a well-formed envelope.
	time.Sleep(10 * time.Millisecond)
	svc.Shutdown()
}
