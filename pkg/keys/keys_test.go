package keys

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	priv, err := NewPrivateKey()
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("block header bytes"))
	sig := priv.Sign(digest[:])
	require.Len(t, sig, 64)

	pub := priv.PublicKey()
	require.NoError(t, pub.Verify(digest[:], sig))
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	priv, err := NewPrivateKey()
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("block header bytes"))
	sig := priv.Sign(digest[:])
	sig[0] ^= 0xff

	pub := priv.PublicKey()
	require.Error(t, pub.Verify(digest[:], sig))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	priv1, err := NewPrivateKey()
	require.NoError(t, err)
	priv2, err := NewPrivateKey()
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("block header bytes"))
	sig := priv1.Sign(digest[:])

	require.Error(t, priv2.PublicKey().Verify(digest[:], sig))
}

func TestPublicKeyRoundTripBytes(t *testing.T) {
	priv, err := NewPrivateKey()
	require.NoError(t, err)

	pub := priv.PublicKey()
	b := pub.Bytes()

	pub2, err := PublicKeyFromBytes(b)
	require.NoError(t, err)
	require.Equal(t, pub.ScriptHash(), pub2.ScriptHash())
}
