// Package keys implements validator identity: secp256k1 key pairs, signing
// and verification of consensus payloads, and a Neo-style verification
// script / address derivation.
package keys

import (
	"crypto/sha256"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // Neo-style script hash is hash160.
)

// ErrInvalidSignature is returned by Verify when a signature doesn't check
// out against the public key.
var ErrInvalidSignature = errors.New("invalid signature")

// PrivateKey is a validator's secp256k1 signing key.
type PrivateKey struct {
	key *btcec.PrivateKey
}

// PublicKey is a validator's secp256k1 verification key.
type PublicKey struct {
	key *btcec.PublicKey
}

// NewPrivateKey generates a fresh random key pair.
func NewPrivateKey() (*PrivateKey, error) {
	k, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key: k}, nil
}

// PrivateKeyFromBytes parses a 32-byte scalar.
func PrivateKeyFromBytes(b []byte) *PrivateKey {
	k, _ := btcec.PrivKeyFromBytes(b)
	return &PrivateKey{key: k}
}

// PublicKey returns the public key corresponding to priv.
func (priv *PrivateKey) PublicKey() *PublicKey {
	return &PublicKey{key: priv.key.PubKey()}
}

// Bytes returns the raw 32-byte scalar.
func (priv *PrivateKey) Bytes() []byte {
	return priv.key.Serialize()
}

// Sign signs the hash of msg (callers pass an already-hashed digest, as is
// conventional for consensus envelope signing) and returns a fixed-length
// 64-byte compact signature.
func (priv *PrivateKey) Sign(digest []byte) []byte {
	sig := ecdsa.SignCompact(priv.key, digest, false)
	// SignCompact prefixes a recovery byte; the dBFT wire format wants a
	// fixed-length signature with no recovery metadata.
	if len(sig) > 0 {
		return sig[1:]
	}
	return sig
}

// PublicKeyFromBytes parses a compressed or uncompressed secp256k1 point.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	k, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, err
	}
	return &PublicKey{key: k}, nil
}

// Bytes returns the compressed point encoding.
func (pub *PublicKey) Bytes() []byte {
	return pub.key.SerializeCompressed()
}

// Verify checks sig (as produced by PrivateKey.Sign) against digest.
func (pub *PublicKey) Verify(digest, sig []byte) error {
	if len(sig) != 64 {
		return ErrInvalidSignature
	}
	r := new(btcec.ModNScalar)
	s := new(btcec.ModNScalar)
	r.SetByteSlice(sig[:32])
	s.SetByteSlice(sig[32:])

	esig := ecdsa.NewSignature(r, s)
	if !esig.Verify(digest, pub.key) {
		return ErrInvalidSignature
	}
	return nil
}

// ScriptHash returns the Neo-style hash160 (RIPEMD160(SHA256(pubkey))) used
// to derive verification-script addresses.
func (pub *PublicKey) ScriptHash() [20]byte {
	sha := sha256.Sum256(pub.Bytes())
	r := ripemd160.New()
	r.Write(sha[:])
	var out [20]byte
	copy(out[:], r.Sum(nil))
	return out
}

// Address returns a base58-encoded, checksum-free human readable identifier
// for this key, used in logs and CLI output only (not in consensus wire
// data, which addresses validators by index).
func (pub *PublicKey) Address() string {
	h := pub.ScriptHash()
	return base58.Encode(h[:])
}

// PublicKeys is a sortable list of validator public keys, ordered as
// described in spec.md §3 ("V = [v0...v_{n-1}]").
type PublicKeys []*PublicKey

func (p PublicKeys) Len() int      { return len(p) }
func (p PublicKeys) Swap(i, j int) { p[i], p[j] = p[j], p[i] }
func (p PublicKeys) Less(i, j int) bool {
	bi, bj := p[i].Bytes(), p[j].Bytes()
	for k := range bi {
		if bi[k] != bj[k] {
			return bi[k] < bj[k]
		}
	}
	return false
}
