package crypto

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var onionAddrRe = regexp.MustCompile(`^[a-z2-7]{56}\.onion$`)

func TestOnionAddressShape(t *testing.T) {
	id, err := GenerateServiceIdentity()
	require.NoError(t, err)

	addr := id.OnionAddress()
	assert.Regexp(t, onionAddrRe, addr)
	// Derivation is deterministic for a fixed key.
	assert.Equal(t, addr, id.OnionAddress())
}

func TestIdentitySaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.pem")

	id, err := GenerateServiceIdentity()
	require.NoError(t, err)
	require.NoError(t, id.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadServiceIdentity(path)
	require.NoError(t, err)
	assert.Equal(t, id.PublicKey(), loaded.PublicKey())
	assert.Equal(t, id.OnionAddress(), loaded.OnionAddress())
}

func TestLoadOrCreateServiceIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.pem")

	first, err := LoadOrCreateServiceIdentity(path)
	require.NoError(t, err)
	second, err := LoadOrCreateServiceIdentity(path)
	require.NoError(t, err)
	assert.Equal(t, first.OnionAddress(), second.OnionAddress())
}

func TestLoadServiceIdentityRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))

	_, err := LoadServiceIdentity(path)
	assert.Error(t, err)
}

func TestClientAuthKeyPair(t *testing.T) {
	kp, err := GenerateClientAuthKeyPair()
	require.NoError(t, err)

	assert.Len(t, kp.PrivateString(), 52)
	assert.Len(t, kp.PublicString(), 52)
	assert.NotEqual(t, kp.PrivateString(), kp.PublicString())

	other, err := GenerateClientAuthKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, kp.PublicString(), other.PublicString())
}
