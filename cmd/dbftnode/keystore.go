package main

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/duoprime/dbft/pkg/keys"
)

const (
	pbkdf2Iterations = 1 << 16
	saltSize         = 16
)

// encryptPrivateKey seals priv's 32-byte scalar under a key derived from
// password via PBKDF2-HMAC-SHA256, mirroring the "unlock validator key with
// a passphrase" flow the teacher's cli/wallet package drives interactively
// through cli/input.ReadPassword. Output is salt || nonce || ciphertext,
// hex-encoded, suitable for pkg/config.Config.PrivateKeyEncrypted.
func encryptPrivateKey(priv *keys.PrivateKey, password string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nil, nonce, priv.Bytes(), nil)

	out := append(append([]byte{}, salt...), nonce...)
	out = append(out, ciphertext...)
	return hex.EncodeToString(out), nil
}

// decryptPrivateKey reverses encryptPrivateKey.
func decryptPrivateKey(encoded, password string) (*keys.PrivateKey, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("keystore: decode: %w", err)
	}
	if len(raw) < saltSize {
		return nil, fmt.Errorf("keystore: ciphertext too short")
	}

	salt, rest := raw[:saltSize], raw[saltSize:]
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	if len(rest) < gcm.NonceSize() {
		return nil, fmt.Errorf("keystore: ciphertext too short")
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	raw32, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("keystore: wrong passphrase or corrupt key: %w", err)
	}
	return keys.PrivateKeyFromBytes(raw32), nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
