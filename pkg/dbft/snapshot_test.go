package dbft

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/duoprime/dbft/pkg/block"
	dbftio "github.com/duoprime/dbft/pkg/io"
	"github.com/duoprime/dbft/pkg/keys"
	"github.com/duoprime/dbft/pkg/timer"
)

func newTestContext(t *testing.T, n int) *Context {
	t.Helper()

	pubs := make(keys.PublicKeys, n)
	var priv0 *keys.PrivateKey
	for i := 0; i < n; i++ {
		priv, err := keys.NewPrivateKey()
		if err != nil {
			t.Fatalf("new key: %v", err)
		}
		pubs[i] = priv.PublicKey()
		if i == 0 {
			priv0 = priv
		}
	}

	cfg := defaultConfig()
	cfg.Logger = zap.NewNop()
	cfg.GetKeyPair = func([]*keys.PublicKey) (int, *keys.PrivateKey, *keys.PublicKey) {
		return 0, priv0, pubs[0]
	}
	cfg.GetValidators = func(uint32) []*keys.PublicKey { return pubs }
	cfg.CurrentHeight = func() uint32 { return 4 }
	cfg.CurrentBlockHash = func() common.Hash { return common.Hash{} }
	cfg.NewBlockFromContext = func(ctx *Context, pId uint8) block.Block { return nil }
	cfg.Timer = timer.New()

	ctx := &Context{Config: cfg}
	ctx.Reset(5)
	ctx.MakePrepareRequest(0)

	return ctx
}

func TestContextSnapshotRoundTrip(t *testing.T) {
	ctx := newTestContext(t, 4)

	ctx.ChangeViewPayloads[1] = ctx.MakeChangeView(0)
	ctx.LastSeenMessage[2] = &timer.HV{Height: 5, View: 0}
	ctx.commitSent = true
	ctx.committedPId = 0
	ctx.blockSent = false

	raw, err := dbftio.ToByteArray(ctx)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got := &Context{}
	if err := dbftio.FromByteArray(got, raw); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.BlockIndex != ctx.BlockIndex {
		t.Fatalf("BlockIndex = %d, want %d", got.BlockIndex, ctx.BlockIndex)
	}
	if got.ViewNumber != ctx.ViewNumber {
		t.Fatalf("ViewNumber = %d, want %d", got.ViewNumber, ctx.ViewNumber)
	}
	if got.MyIndex != ctx.MyIndex {
		t.Fatalf("MyIndex = %d, want %d", got.MyIndex, ctx.MyIndex)
	}
	if len(got.Validators) != len(ctx.Validators) {
		t.Fatalf("Validators len = %d, want %d", len(got.Validators), len(ctx.Validators))
	}
	if got.commitSent != ctx.commitSent || got.committedPId != ctx.committedPId {
		t.Fatalf("commit state mismatch: got (%v,%d) want (%v,%d)",
			got.commitSent, got.committedPId, ctx.commitSent, ctx.committedPId)
	}
	if got.proposals[0].prepareRequest == nil {
		t.Fatalf("expected slot 0's prepare request to survive the round trip")
	}
	if got.proposals[0].prepareRequest.Hash() != ctx.proposals[0].prepareRequest.Hash() {
		t.Fatalf("prepare request hash mismatch after round trip")
	}
	if got.ChangeViewPayloads[1] == nil {
		t.Fatalf("expected change view payload at index 1 to survive the round trip")
	}
	if got.LastSeenMessage[2] == nil || got.LastSeenMessage[2].Height != 5 {
		t.Fatalf("expected LastSeenMessage[2] to survive the round trip")
	}
}
