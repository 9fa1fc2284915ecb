// Package consensus wraps pkg/dbft's event-driven Service with the single
// goroutine event loop, a payload dedup cache and a relayed-transaction
// cache a real node needs around it: dbft.Service itself holds no lock and must only ever be
// driven from one goroutine (spec.md §4.5, §5 "ExternalBindings").
package consensus

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/duoprime/dbft/pkg/block"
	"github.com/duoprime/dbft/pkg/dbft"
	"github.com/duoprime/dbft/pkg/payload"
)

// channelCapacity bounds how many inbound payloads/transactions the event
// loop will buffer before a sender blocks.
const channelCapacity = 100

// Config configures the wrapping Service; DBFT carries every option the
// wrapped dbft.Service is built from.
type Config struct {
	Logger     *zap.Logger
	Registerer prometheus.Registerer
	DBFT       []dbft.Option
}

// Service owns the single-consumer event loop that serializes ticks,
// received payloads and transactions onto one dbft.Service.
type Service struct {
	log     *zap.Logger
	metrics *metrics

	dbft *dbft.Service

	// cache dedups payloads this node has already relayed; txCache keeps
	// relayed transactions for GetTransaction. Both mirror the teacher's
	// FIFO cache but are LRU-backed.
	cache   *relayCache
	txCache *relayCache

	messages     chan payload.ConsensusPayload
	transactions chan block.Transaction
	quit         chan struct{}
}

// hashableTx adapts block.Transaction to hashable for the tx cache.
type hashableTx struct{ block.Transaction }

func (t hashableTx) Hash() common.Hash { return t.Transaction.Hash() }

// NewService builds the wrapped dbft.Service from cfg.DBFT and returns the
// event loop around it. The caller must still call Start.
func NewService(cfg Config) (*Service, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	svc := &Service{
		log:          log,
		metrics:      newMetrics(),
		cache:        newRelayCache(defaultCacheCapacity),
		txCache:      newRelayCache(defaultCacheCapacity),
		messages:     make(chan payload.ConsensusPayload, channelCapacity),
		transactions: make(chan block.Transaction, channelCapacity),
		quit:         make(chan struct{}),
	}
	svc.metrics.register(cfg.Registerer)

	options := append([]dbft.Option{dbft.WithLogger(log)}, cfg.DBFT...)
	svc.dbft = dbft.New(options...)
	if svc.dbft == nil {
		return nil, errors.New("consensus: could not initialize dbft.Service, check required options")
	}

	return svc, nil
}

// Start arms the wrapped Service and launches the event loop goroutine.
func (s *Service) Start() {
	s.dbft.Start()
	go s.eventLoop()
}

// Shutdown stops the event loop. The wrapped dbft.Service is not otherwise
// resettable; Shutdown is for process teardown, not pausing consensus.
func (s *Service) Shutdown() {
	close(s.quit)
}

func (s *Service) eventLoop() {
	for {
		select {
		case hv := <-s.dbft.Timer.C():
			s.log.Debug("timer fired", zap.Uint32("height", hv.Height), zap.Uint8("view", hv.View))
			s.dbft.OnTimeout(hv)
			s.reportState()
		case msg := <-s.messages:
			s.dbft.OnReceive(msg)
			s.reportState()
		case tx := <-s.transactions:
			s.dbft.OnTransaction(tx)
		case <-s.quit:
			return
		}
	}
}

func (s *Service) reportState() {
	s.metrics.height.Set(float64(s.dbft.BlockIndex))
	s.metrics.view.Set(float64(s.dbft.ViewNumber))

	if s.dbft.Halted() {
		s.metrics.halted.Set(1)
	}
}

// OnPayload is the inbound entry point for a consensus payload received
// from the network: dedup, count, then hand it to the event loop.
func (s *Service) OnPayload(p payload.ConsensusPayload) {
	if s.cache.Has(p.Hash()) {
		return
	}
	s.cache.Add(p)
	s.metrics.messagesIn.WithLabelValues(p.Type().String()).Inc()

	switch p.Type() {
	case payload.ChangeViewType:
		s.metrics.viewChanges.Inc()
	case payload.RecoveryMessageType, payload.RecoveryRequestType:
		s.metrics.recoveries.Inc()
	}

	s.messages <- p
}

// OnTransaction notifies the wrapped Service of a transaction that arrived
// out of band (e.g. from the mempool) after being requested via RequestTx.
func (s *Service) OnTransaction(tx block.Transaction) {
	s.txCache.Add(hashableTx{tx})
	s.transactions <- tx
}

// GetPayload returns the cached payload for h, for peers requesting it by
// hash, or nil if this node hasn't seen it.
func (s *Service) GetPayload(h common.Hash) payload.ConsensusPayload {
	v := s.cache.Get(h)
	if v == nil {
		return nil
	}
	return v.(payload.ConsensusPayload)
}

// GetTransaction returns the cached transaction for h, if relayed through
// this Service.
func (s *Service) GetTransaction(h common.Hash) block.Transaction {
	v := s.txCache.Get(h)
	if v == nil {
		return nil
	}
	return v.(hashableTx).Transaction
}
