package main

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/duoprime/dbft/pkg/block"
	"github.com/duoprime/dbft/pkg/config"
	"github.com/duoprime/dbft/pkg/consensus"
	"github.com/duoprime/dbft/pkg/dbft"
	dbftio "github.com/duoprime/dbft/pkg/io"
	"github.com/duoprime/dbft/pkg/keys"
	"github.com/duoprime/dbft/pkg/ledger"
	"github.com/duoprime/dbft/pkg/mempool"
	"github.com/duoprime/dbft/pkg/payload"
	"github.com/duoprime/dbft/pkg/recoverylog"
	"github.com/duoprime/dbft/pkg/timer"
	"github.com/duoprime/dbft/pkg/transport"
)

// wireTag distinguishes the two kinds of messages nodes gossip over a
// single transport connection.
type wireTag byte

const (
	wireTagConsensus wireTag = iota
	wireTagTransaction
)

// node wires together every package a running validator needs: ledger,
// mempool, transport and the wrapped consensus Service, following the
// teacher's own "one struct, one Run loop" server shape.
type node struct {
	log *zap.Logger
	cfg *config.Config

	ledger    *ledger.Ledger
	mempool   *mempool.Pool
	transport *transport.Transport
	consensus *consensus.Service
	recovery  *recoverylog.Store

	validators keys.PublicKeys
}

// newNode builds a node from cfg. unlocked is the already-decrypted private
// key when cfg.PrivateKeyEncrypted was used (see keystore.go); if nil, the
// key comes from cfg.PrivateKey/ResolveKeys instead.
func newNode(cfg *config.Config, log *zap.Logger, unlocked *keys.PrivateKey) (*node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	priv, pub, validators, err := cfg.ResolveKeys()
	if err != nil {
		return nil, err
	}
	if unlocked != nil {
		priv = unlocked
		pub = unlocked.PublicKey()
	}

	n := &node{
		log:        log,
		cfg:        cfg,
		mempool:    mempool.New(cfg.MempoolCapacity),
		validators: validators,
	}
	n.ledger = ledger.New(func(h uint32) {
		n.onBlockPersisted(h)
	})

	n.transport = transport.New(log, n.onWireMessage)

	var recoveryOpts []dbft.Option
	if cfg.RecoveryLogPath != "" {
		store, err := recoverylog.Open(cfg.RecoveryLogPath)
		if err != nil {
			return nil, fmt.Errorf("node: open recovery log: %w", err)
		}
		n.recovery = store
		recoveryOpts = append(recoveryOpts,
			dbft.WithSaveRoundState(store.SaveRoundState),
			dbft.WithLoadRoundState(store.LoadRoundState),
		)
	}

	options := append([]dbft.Option{
		dbft.WithKeyPair(priv, pub),
		dbft.WithTimer(timer.New()),
		dbft.WithSecondsPerBlock(cfg.BlockTime()),
		dbft.WithMaxTxPerBlock(cfg.MaxTxPerBlock),
		dbft.WithPrimaryTimerMultiplier(cfg.PrimaryTimerMultiplier),
		dbft.WithCurrentHeight(n.ledger.CurrentHeight),
		dbft.WithCurrentBlockHash(n.ledger.CurrentBlockHash),
		dbft.WithGetValidators(func(uint32) []*keys.PublicKey { return validators }),
		dbft.WithGetConsensusAddress(consensusAddress),
		dbft.WithNewBlockFromContext(n.newBlockFromContext),
		dbft.WithGetVerified(n.mempool.GetVerifiedTransactions),
		dbft.WithGetTx(func(h common.Hash) block.Transaction {
			tx, _ := n.mempool.TryGetValue(h)
			return tx
		}),
		dbft.WithVerifyBlock(n.ledger.VerifyBlock),
		dbft.WithProcessBlock(n.ledger.SubmitBlock),
		dbft.WithBroadcast(n.broadcastConsensus),
	}, recoveryOpts...)

	svc, err := consensus.NewService(consensus.Config{
		Logger:     log,
		Registerer: prometheus.DefaultRegisterer,
		DBFT:       options,
	})
	if err != nil {
		return nil, fmt.Errorf("node: build consensus service: %w", err)
	}
	n.consensus = svc

	return n, nil
}

// onBlockPersisted drops every transaction the newly persisted block
// included from the mempool, since MoreThanFNodesCommittedOrLost-style
// retries no longer apply to them.
func (n *node) onBlockPersisted(h uint32) {
	b := n.ledger.GetBlockByIndex(h)
	if b == nil {
		return
	}
	included := make(map[common.Hash]struct{}, len(b.Transactions()))
	for _, tx := range b.Transactions() {
		included[tx.Hash()] = struct{}{}
	}
	n.mempool.RemoveStale(func(tx block.Transaction) bool {
		_, was := included[tx.Hash()]
		return !was
	})
	n.log.Info("persisted block", zap.Uint32("height", h), zap.Int("tx_count", len(included)))
}

// newBlockFromContext assembles a deterministic header/transaction list for
// slot pId from whichever PrepareRequest (authored or received) backs it,
// resolving each hash through the mempool (spec.md §4.3, AddTransaction).
func (n *node) newBlockFromContext(ctx *dbft.Context, pId uint8) block.Block {
	req := ctx.ProposalRequest(pId)
	if req == nil {
		return nil
	}

	hashes := req.TransactionHashes()
	txs := make([]block.Transaction, 0, len(hashes))
	for _, h := range hashes {
		tx, ok := n.mempool.TryGetValue(h)
		if !ok {
			return nil
		}
		txs = append(txs, tx)
	}

	merkle := block.CalcMerkleRoot(hashes)

	header := &block.Header{
		Index:         ctx.BlockIndex,
		PrimaryIndex:  uint8(ctx.PrimaryIndexForSlot(pId)),
		Timestamp:     req.Timestamp(),
		Nonce:         req.Nonce(),
		PrevHash:      n.ledger.CurrentBlockHash(),
		MerkleRoot:    merkle,
		NextConsensus: req.NextConsensus(),
	}
	return block.New(header, txs)
}

func consensusAddress(pubs ...*keys.PublicKey) common.Address {
	var addr common.Address
	for _, p := range pubs {
		b := p.Bytes()
		for i := range addr {
			addr[i] ^= b[i%len(b)]
		}
	}
	return addr
}

// broadcastConsensus wraps a consensus payload in the wire envelope and
// hands it to the transport hub.
func (n *node) broadcastConsensus(p payload.ConsensusPayload) {
	raw, err := dbftio.ToByteArray(p)
	if err != nil {
		n.log.Error("encode outbound payload", zap.Error(err))
		return
	}
	n.transport.Broadcast(append([]byte{byte(wireTagConsensus)}, raw...))
}

// onWireMessage demultiplexes an inbound frame by its leading tag byte.
func (n *node) onWireMessage(peerAddr string, data []byte) {
	if len(data) == 0 {
		return
	}
	tag, body := wireTag(data[0]), data[1:]

	switch tag {
	case wireTagConsensus:
		p := payload.NewConsensusPayload()
		if err := dbftio.FromByteArray(p, body); err != nil {
			n.log.Warn("decode inbound payload", zap.String("peer", peerAddr), zap.Error(err))
			return
		}
		n.consensus.OnPayload(p)
	case wireTagTransaction:
		tx := &demoTransaction{}
		if err := dbftio.FromByteArray(tx, body); err != nil {
			n.log.Warn("decode inbound transaction", zap.String("peer", peerAddr), zap.Error(err))
			return
		}
		if err := n.mempool.Add(tx); err == nil {
			n.consensus.OnTransaction(tx)
		}
	default:
		n.log.Warn("unknown wire tag", zap.String("peer", peerAddr), zap.Uint8("tag", byte(tag)))
	}
}

// Run starts the transport listener, dials configured peers, arms the
// consensus service and blocks until stop is closed.
func (n *node) Run(stop <-chan struct{}) error {
	if n.cfg.Prometheus.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(n.cfg.Prometheus.Address, mux); err != nil {
				n.log.Error("metrics server", zap.Error(err))
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/p2p", n.transport.Handler())
	addr := fmt.Sprintf("%s:%d", n.cfg.Address, n.cfg.Port)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			n.log.Error("p2p server", zap.Error(err))
		}
	}()

	var wg sync.WaitGroup
	for _, peer := range n.cfg.Peers {
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := n.transport.Dial(peer); err != nil {
				n.log.Warn("dial peer", zap.String("peer", peer), zap.Error(err))
			}
		}()
	}
	wg.Wait()

	n.consensus.Start()
	n.log.Info("node started",
		zap.String("address", addr),
		zap.Int("validators", len(n.validators)),
		zap.Int("peers", n.transport.PeerCount()))

	genStop := make(chan struct{})
	go n.generateDemoTransactions(genStop)

	<-stop
	close(genStop)

	n.consensus.Shutdown()
	n.mempool.Close()
	n.transport.Close()
	if n.recovery != nil {
		_ = n.recovery.Close()
	}
	return srv.Close()
}

// generateDemoTransactions seeds the local mempool with synthetic
// transactions until stop is closed, standing in for the external
// transaction source a production node would ingest over RPC; it exists so
// a single-node run still produces non-empty blocks to observe.
func (n *node) generateDemoTransactions(stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			tx := newDemoTransaction(randomFee())
			if err := n.mempool.Add(tx); err != nil {
				continue
			}
			n.consensus.OnTransaction(tx)
			raw, err := dbftio.ToByteArray(tx)
			if err != nil {
				continue
			}
			n.transport.Broadcast(append([]byte{byte(wireTagTransaction)}, raw...))
		case <-stop:
			return
		}
	}
}

// demoTransaction is a minimal block.Transaction used when no external
// transaction source is wired in; it carries just enough state (a random
// hash, a fee) for mempool ordering and block assembly to have something
// real to operate on.
type demoTransaction struct {
	id   common.Hash
	fee  uint64
	conf []common.Hash
}

var _ block.Transaction = (*demoTransaction)(nil)
var _ dbftio.Serializable = (*demoTransaction)(nil)

func newDemoTransaction(fee uint64) *demoTransaction {
	var id common.Hash
	_, _ = rand.Read(id[:])
	return &demoTransaction{id: id, fee: fee}
}

func (t *demoTransaction) Hash() common.Hash       { return t.id }
func (t *demoTransaction) Conflicts() []common.Hash { return t.conf }
func (t *demoTransaction) FeePerByte() uint64       { return t.fee }

func (t *demoTransaction) EncodeBinary(w *dbftio.BinWriter) {
	w.WriteBytes(t.id[:])
	w.WriteU64LE(t.fee)
	w.WriteVarUint(uint64(len(t.conf)))
	for _, h := range t.conf {
		w.WriteBytes(h[:])
	}
}

func (t *demoTransaction) DecodeBinary(r *dbftio.BinReader) {
	r.ReadBytes(t.id[:])
	t.fee = r.ReadU64LE()
	n := r.ReadVarUint()
	t.conf = make([]common.Hash, n)
	for i := range t.conf {
		r.ReadBytes(t.conf[i][:])
	}
}

// randomFee returns a small pseudo-random fee for demo transaction
// generation; it only needs to vary, not to be unpredictable.
func randomFee() uint64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1000))
	if err != nil {
		return 1
	}
	return n.Uint64() + 1
}

