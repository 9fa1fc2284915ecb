package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duoprime/dbft/pkg/keys"
)

func fourValidators(t *testing.T) []string {
	t.Helper()
	out := make([]string, 4)
	for i := range out {
		priv, err := keys.NewPrivateKey()
		require.NoError(t, err)
		out[i] = hex.EncodeToString(priv.PublicKey().Bytes())
	}
	return out
}

func TestLoadAppliesDefaultsForUnsetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	contents := "Address: \"0.0.0.0\"\nValidators:\n"
	for _, v := range fourValidators(t) {
		contents += "  - " + v + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0", cfg.Address)
	require.Equal(t, uint16(20337), cfg.Port)
	require.Equal(t, int64(defaultBlockTimeMS), cfg.BlockTimeMS)
	require.Equal(t, defaultMaxTxPerBlock, cfg.MaxTxPerBlock)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsTooFewValidators(t *testing.T) {
	cfg := Default()
	cfg.Validators = fourValidators(t)[:2]

	require.Error(t, cfg.Validate())
}

func TestValidateRejectsMalformedValidatorKey(t *testing.T) {
	cfg := Default()
	cfg.Validators = append(fourValidators(t), "not-hex")

	require.Error(t, cfg.Validate())
}

func TestResolveKeysGeneratesWhenPrivateKeyUnset(t *testing.T) {
	cfg := Default()
	cfg.Validators = fourValidators(t)

	priv, pub, validators, err := cfg.ResolveKeys()
	require.NoError(t, err)
	require.NotNil(t, priv)
	require.Equal(t, pub.Bytes(), priv.PublicKey().Bytes())
	require.Len(t, validators, 4)
}

func TestResolveKeysDecodesConfiguredPrivateKey(t *testing.T) {
	priv, err := keys.NewPrivateKey()
	require.NoError(t, err)

	cfg := Default()
	cfg.Validators = fourValidators(t)
	cfg.PrivateKey = hex.EncodeToString(priv.Bytes())

	gotPriv, gotPub, _, err := cfg.ResolveKeys()
	require.NoError(t, err)
	require.Equal(t, priv.Bytes(), gotPriv.Bytes())
	require.Equal(t, priv.PublicKey().Bytes(), gotPub.Bytes())
}

func TestBlockTimeConvertsMillisecondsToDuration(t *testing.T) {
	cfg := Default()
	require.Equal(t, int64(15000), cfg.BlockTimeMS)
	require.Equal(t, 15.0, cfg.BlockTime().Seconds())
}
