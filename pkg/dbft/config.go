// Package dbft implements the dual-primary, recoverable Byzantine consensus
// core: ConsensusContext, the event-driven Service, and their supporting
// timer/cache machinery.
package dbft

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/duoprime/dbft/pkg/block"
	"github.com/duoprime/dbft/pkg/keys"
	"github.com/duoprime/dbft/pkg/payload"
	"github.com/duoprime/dbft/pkg/timer"
)

// Config contains initialization and working parameters for dBFT.
type Config struct {
	// Logger
	Logger *zap.Logger
	// Timer
	Timer timer.Timer
	// SecondsPerBlock is the number of seconds that need to pass before
	// another block will be accepted.
	SecondsPerBlock time.Duration
	// TimestampIncrement is the amount of units to add to timestamp if
	// current time is less than that of previous context. By default use
	// millisecond precision.
	TimestampIncrement uint64
	// MaxTxPerBlock bounds how many transaction hashes a PrepareRequest
	// may carry.
	MaxTxPerBlock int
	// PrimaryTimerMultiplier scales the proposal timer for the fallback
	// primary's slot relative to the priority primary's (spec.md §5,
	// "this is how priority gets first chance").
	PrimaryTimerMultiplier uint32

	// GetKeyPair returns an index of the node in the list of validators
	// together with its key pair.
	GetKeyPair func([]*keys.PublicKey) (int, *keys.PrivateKey, *keys.PublicKey)
	// NewBlockFromContext should allocate, fill from Context and return a
	// new block.Block for proposal slot pId.
	NewBlockFromContext func(ctx *Context, pId uint8) block.Block
	// RequestTx is a callback which is called when a transaction contained
	// in current block can't be found in memory pool.
	RequestTx func(h ...common.Hash)
	// GetTx returns a transaction from memory pool.
	GetTx func(h common.Hash) block.Transaction
	// GetVerified returns a slice of verified transactions to be proposed
	// in a new block.
	GetVerified func() []block.Transaction
	// VerifyBlock verifies if block is valid.
	VerifyBlock func(b block.Block) bool
	// VerifyTx runs external policy verification of one transaction
	// against the slot being built; used by AddTransaction.
	VerifyTx func(tx block.Transaction) error
	// Broadcast should broadcast payload m to the consensus nodes.
	Broadcast func(m payload.ConsensusPayload)
	// ProcessBlock is called every time a new block is accepted.
	ProcessBlock func(b block.Block)
	// GetBlock should return the block with hash h.
	GetBlock func(h common.Hash) block.Block
	// WatchOnly tells if a node should only watch.
	WatchOnly func() bool
	// CurrentHeight returns index of the last accepted block.
	CurrentHeight func() uint32
	// CurrentBlockHash returns hash of the last accepted block.
	CurrentBlockHash func() common.Hash
	// GetValidators returns the list of validators for the block with the
	// given index. If this function ever returns a 0-length slice, dbft panics.
	GetValidators func(index uint32) []*keys.PublicKey
	// GetConsensusAddress returns the hash of the validator list.
	GetConsensusAddress func(...*keys.PublicKey) common.Address
	// GetMedianTime returns the ledger's median time, used as the floor
	// for a PrepareRequest's timestamp.
	GetMedianTime func() uint64

	// SaveRoundState persists the current round (spec.md §4.4); a no-op
	// by default. A non-nil error means the round transition was not
	// durably logged, so the caller must not broadcast the message that
	// transition produced (spec.md §4.5 "Failure semantics").
	SaveRoundState func(ctx *Context) error
	// LoadRoundState restores the last persisted round, or returns ok=false
	// if there is none.
	LoadRoundState func() (snapshot *Context, ok bool)

	// NewConsensusPayload is a constructor for payload.ConsensusPayload.
	NewConsensusPayload func(*Context, payload.MessageType, interface{}) payload.ConsensusPayload
	NewPrepareRequest    func() payload.PrepareRequest
	NewPrepareResponse   func() payload.PrepareResponse
	NewChangeView        func() payload.ChangeView
	NewCommit             func() payload.Commit
	NewRecoveryRequest    func() payload.RecoveryRequest
	NewRecoveryMessage    func() payload.RecoveryMessage

	// VerifyPrepareRequest can perform external payload verification and
	// returns nil iff it was successful.
	VerifyPrepareRequest func(p payload.ConsensusPayload) error
	// VerifyPrepareResponse performs external PrepareResponse verification
	// and returns nil if it's successful.
	VerifyPrepareResponse func(p payload.ConsensusPayload) error
}

const defaultSecondsPerBlock = 15 * time.Second

const defaultTimestampIncrement = uint64(time.Millisecond / time.Nanosecond)

const defaultMaxTxPerBlock = 512

const defaultPrimaryTimerMultiplier = 2

// Option is a generic options type. It can modify config in any way it wants.
type Option = func(*Config)

func defaultConfig() *Config {
	return &Config{
		Logger:                 zap.NewNop(),
		Timer:                  timer.New(),
		SecondsPerBlock:        defaultSecondsPerBlock,
		TimestampIncrement:     defaultTimestampIncrement,
		MaxTxPerBlock:          defaultMaxTxPerBlock,
		PrimaryTimerMultiplier: defaultPrimaryTimerMultiplier,
		RequestTx:              func(h ...common.Hash) {},
		GetTx:                  func(h common.Hash) block.Transaction { return nil },
		GetVerified:            func() []block.Transaction { return nil },
		VerifyBlock:            func(b block.Block) bool { return true },
		VerifyTx:               func(tx block.Transaction) error { return nil },
		Broadcast:              func(m payload.ConsensusPayload) {},
		ProcessBlock:           func(b block.Block) {},
		GetBlock:               func(h common.Hash) block.Block { return nil },
		WatchOnly:              func() bool { return false },
		GetConsensusAddress:    func(...*keys.PublicKey) common.Address { return common.Address{} },
		GetMedianTime:          func() uint64 { return block.NowTimestamp(time.Now()) },
		SaveRoundState:         func(ctx *Context) error { return nil },
		LoadRoundState:         func() (*Context, bool) { return nil, false },
		NewConsensusPayload:    defaultNewConsensusPayload,
		NewPrepareRequest:      payload.NewPrepareRequest,
		NewPrepareResponse:     payload.NewPrepareResponse,
		NewChangeView:          payload.NewChangeView,
		NewCommit:              payload.NewCommit,
		NewRecoveryRequest:     payload.NewRecoveryRequest,
		NewRecoveryMessage:     payload.NewRecoveryMessage,
		VerifyPrepareRequest:   func(payload.ConsensusPayload) error { return nil },
		VerifyPrepareResponse:  func(payload.ConsensusPayload) error { return nil },
	}
}

func defaultNewConsensusPayload(c *Context, t payload.MessageType, body interface{}) payload.ConsensusPayload {
	p := payload.NewConsensusPayload()
	p.SetHeight(c.BlockIndex)
	p.SetValidatorIndex(uint16(c.MyIndex))
	p.SetViewNumber(c.ViewNumber)
	p.SetType(t)
	p.SetPayload(body)
	return p
}

func checkConfig(cfg *Config) error {
	switch {
	case cfg.GetKeyPair == nil:
		return errors.New("GetKeyPair is nil")
	case cfg.CurrentHeight == nil:
		return errors.New("CurrentHeight is nil")
	case cfg.CurrentBlockHash == nil:
		return errors.New("CurrentBlockHash is nil")
	case cfg.GetValidators == nil:
		return errors.New("GetValidators is nil")
	case cfg.NewBlockFromContext == nil:
		return errors.New("NewBlockFromContext is nil")
	}
	return nil
}

// WithKeyPair sets GetKeyPair to a function returning the given key pair's
// index if it is present in a list of validators.
func WithKeyPair(priv *keys.PrivateKey, pub *keys.PublicKey) Option {
	myPub := pub.Bytes()
	return func(cfg *Config) {
		cfg.GetKeyPair = func(ps []*keys.PublicKey) (int, *keys.PrivateKey, *keys.PublicKey) {
			for i := range ps {
				if string(ps[i].Bytes()) == string(myPub) {
					return i, priv, pub
				}
			}
			return -1, nil, nil
		}
	}
}

// WithLogger sets Logger.
func WithLogger(log *zap.Logger) Option { return func(cfg *Config) { cfg.Logger = log } }

// WithTimer sets Timer.
func WithTimer(t timer.Timer) Option { return func(cfg *Config) { cfg.Timer = t } }

// WithSecondsPerBlock sets SecondsPerBlock.
func WithSecondsPerBlock(d time.Duration) Option {
	return func(cfg *Config) { cfg.SecondsPerBlock = d }
}

// WithMaxTxPerBlock sets MaxTxPerBlock.
func WithMaxTxPerBlock(n int) Option { return func(cfg *Config) { cfg.MaxTxPerBlock = n } }

// WithPrimaryTimerMultiplier sets PrimaryTimerMultiplier.
func WithPrimaryTimerMultiplier(m uint32) Option {
	return func(cfg *Config) { cfg.PrimaryTimerMultiplier = m }
}

// WithNewBlockFromContext sets NewBlockFromContext.
func WithNewBlockFromContext(f func(ctx *Context, pId uint8) block.Block) Option {
	return func(cfg *Config) { cfg.NewBlockFromContext = f }
}

// WithRequestTx sets RequestTx.
func WithRequestTx(f func(h ...common.Hash)) Option { return func(cfg *Config) { cfg.RequestTx = f } }

// WithGetTx sets GetTx.
func WithGetTx(f func(h common.Hash) block.Transaction) Option {
	return func(cfg *Config) { cfg.GetTx = f }
}

// WithGetVerified sets GetVerified.
func WithGetVerified(f func() []block.Transaction) Option {
	return func(cfg *Config) { cfg.GetVerified = f }
}

// WithVerifyBlock sets VerifyBlock.
func WithVerifyBlock(f func(b block.Block) bool) Option {
	return func(cfg *Config) { cfg.VerifyBlock = f }
}

// WithVerifyTx sets VerifyTx.
func WithVerifyTx(f func(tx block.Transaction) error) Option {
	return func(cfg *Config) { cfg.VerifyTx = f }
}

// WithBroadcast sets Broadcast.
func WithBroadcast(f func(m payload.ConsensusPayload)) Option {
	return func(cfg *Config) { cfg.Broadcast = f }
}

// WithProcessBlock sets ProcessBlock.
func WithProcessBlock(f func(b block.Block)) Option {
	return func(cfg *Config) { cfg.ProcessBlock = f }
}

// WithGetBlock sets GetBlock.
func WithGetBlock(f func(h common.Hash) block.Block) Option {
	return func(cfg *Config) { cfg.GetBlock = f }
}

// WithWatchOnly sets WatchOnly.
func WithWatchOnly(f func() bool) Option { return func(cfg *Config) { cfg.WatchOnly = f } }

// WithCurrentHeight sets CurrentHeight.
func WithCurrentHeight(f func() uint32) Option { return func(cfg *Config) { cfg.CurrentHeight = f } }

// WithCurrentBlockHash sets CurrentBlockHash.
func WithCurrentBlockHash(f func() common.Hash) Option {
	return func(cfg *Config) { cfg.CurrentBlockHash = f }
}

// WithGetValidators sets GetValidators.
func WithGetValidators(f func(uint32) []*keys.PublicKey) Option {
	return func(cfg *Config) { cfg.GetValidators = f }
}

// WithGetConsensusAddress sets GetConsensusAddress.
func WithGetConsensusAddress(f func(...*keys.PublicKey) common.Address) Option {
	return func(cfg *Config) { cfg.GetConsensusAddress = f }
}

// WithGetMedianTime sets GetMedianTime.
func WithGetMedianTime(f func() uint64) Option { return func(cfg *Config) { cfg.GetMedianTime = f } }

// WithSaveRoundState sets SaveRoundState.
func WithSaveRoundState(f func(ctx *Context) error) Option {
	return func(cfg *Config) { cfg.SaveRoundState = f }
}

// WithLoadRoundState sets LoadRoundState.
func WithLoadRoundState(f func() (*Context, bool)) Option {
	return func(cfg *Config) { cfg.LoadRoundState = f }
}

// WithVerifyPrepareRequest sets VerifyPrepareRequest.
func WithVerifyPrepareRequest(f func(payload.ConsensusPayload) error) Option {
	return func(cfg *Config) { cfg.VerifyPrepareRequest = f }
}

// WithVerifyPrepareResponse sets VerifyPrepareResponse.
func WithVerifyPrepareResponse(f func(payload.ConsensusPayload) error) Option {
	return func(cfg *Config) { cfg.VerifyPrepareResponse = f }
}
