// Package config defines the validator node's on-disk configuration,
// mirroring the field/tag style of the teacher's ApplicationConfiguration
// (spec.md §6, node bootstrap).
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/duoprime/dbft/pkg/keys"
)

// MetricsConfig toggles the Prometheus HTTP endpoint, same shape as the
// teacher's pkg/network/metrics.Config.
type MetricsConfig struct {
	Enabled bool   `yaml:"Enabled"`
	Address string `yaml:"Address"`
}

// Config is a validator node's full bootstrap configuration.
type Config struct {
	Address string   `yaml:"Address"`
	Port    uint16   `yaml:"Port"`
	Peers   []string `yaml:"Peers"`

	// PrivateKey is this node's hex-encoded secp256k1 key, or empty to
	// generate a fresh one (single-run demo convenience).
	PrivateKey string `yaml:"PrivateKey"`
	// PrivateKeyEncrypted is a passphrase-sealed PrivateKey produced by
	// the node's keygen command (cmd/dbftnode/keystore.go). Mutually
	// exclusive with PrivateKey; the node prompts for the passphrase at
	// startup when this is set.
	PrivateKeyEncrypted string `yaml:"PrivateKeyEncrypted"`
	// Validators lists the committee's hex-encoded public keys, in the
	// fixed order consensus indexes validators by.
	Validators []string `yaml:"Validators"`

	// BlockTimeMS is SecondsPerBlock in milliseconds, following the
	// teacher's own convention of keeping durations as plain integers in
	// yaml.v2 config (DialTimeout, PingInterval) rather than time.Duration.
	BlockTimeMS int64 `yaml:"BlockTimeMS"`
	// MaxTxPerBlock bounds how many transaction hashes a PrepareRequest
	// may carry.
	MaxTxPerBlock int `yaml:"MaxTxPerBlock"`
	// PrimaryTimerMultiplier scales the fallback primary's proposal
	// timer relative to the priority primary's.
	PrimaryTimerMultiplier uint32 `yaml:"PrimaryTimerMultiplier"`
	// MempoolCapacity bounds the number of verified transactions pooled
	// at once.
	MempoolCapacity int `yaml:"MempoolCapacity"`

	// RecoveryLogPath is the bbolt file round state is persisted to; empty
	// disables persistence.
	RecoveryLogPath string `yaml:"RecoveryLogPath"`

	LogPath    string        `yaml:"LogPath"`
	Prometheus MetricsConfig `yaml:"Prometheus"`
}

const (
	defaultBlockTimeMS            = 15000
	defaultMaxTxPerBlock          = 512
	defaultPrimaryTimerMultiplier = 2
	defaultMempoolCapacity        = 50000
)

// Default returns a Config with the same defaults dbft.defaultConfig uses,
// so an operator only needs to override what differs.
func Default() *Config {
	return &Config{
		Port:                   20337,
		BlockTimeMS:            defaultBlockTimeMS,
		MaxTxPerBlock:          defaultMaxTxPerBlock,
		PrimaryTimerMultiplier: defaultPrimaryTimerMultiplier,
		MempoolCapacity:        defaultMempoolCapacity,
	}
}

// Load reads and parses a yaml config file at path, starting from Default
// so unset fields keep their defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// BlockTime returns BlockTimeMS as a time.Duration.
func (c *Config) BlockTime() time.Duration {
	return time.Duration(c.BlockTimeMS) * time.Millisecond
}

// Validate checks the invariants a running node depends on: at least 4
// validators (the smallest committee that tolerates any fault) and that
// every validator key is well-formed.
func (c *Config) Validate() error {
	if len(c.Validators) < 4 {
		return fmt.Errorf("config: need at least 4 validators for f>=1, got %d", len(c.Validators))
	}
	for i, v := range c.Validators {
		if _, err := decodePublicKey(v); err != nil {
			return fmt.Errorf("config: validator %d: %w", i, err)
		}
	}
	if c.PrivateKey != "" {
		if _, err := decodePrivateKey(c.PrivateKey); err != nil {
			return fmt.Errorf("config: private key: %w", err)
		}
	}
	return nil
}

// ResolveKeys decodes PrivateKey (generating one if unset) and the
// Validators list into usable key material.
func (c *Config) ResolveKeys() (*keys.PrivateKey, *keys.PublicKey, keys.PublicKeys, error) {
	var (
		priv *keys.PrivateKey
		err  error
	)
	if c.PrivateKey == "" {
		priv, err = keys.NewPrivateKey()
	} else {
		priv, err = decodePrivateKey(c.PrivateKey)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config: resolve private key: %w", err)
	}

	validators := make(keys.PublicKeys, len(c.Validators))
	for i, v := range c.Validators {
		pub, err := decodePublicKey(v)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("config: resolve validator %d: %w", i, err)
		}
		validators[i] = pub
	}

	return priv, priv.PublicKey(), validators, nil
}

func decodePrivateKey(s string) (*keys.PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(b))
	}
	return keys.PrivateKeyFromBytes(b), nil
}

func decodePublicKey(s string) (*keys.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return keys.PublicKeyFromBytes(b)
}
