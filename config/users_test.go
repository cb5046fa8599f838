package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/attribute-key-manager/cryptoutils"
	"github.com/ruteri/attribute-key-manager/interfaces"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func TestLoadUsers(t *testing.T) {
	dir := t.TempDir()
	alicePub, _, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)
	bobPub, _, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)

	writeFile(t, filepath.Join(dir, "keys", "alice.pem"), alicePub)
	bobPath := filepath.Join(t.TempDir(), "bob.pem")
	writeFile(t, bobPath, bobPub)

	writeFile(t, filepath.Join(dir, "users.yaml"), []byte(`
users:
  alice:
    public_key: keys/alice.pem
    key_info: |
      admin|1|enc|16
      # comment
      read|0||32

  bob:
    public_key: `+bobPath+`
    key_info: admin|1|enc|16
`))

	users, err := LoadUsers(filepath.Join(dir, "users.yaml"))
	require.NoError(t, err)
	assert.Equal(t, cryptoutils.DefaultScheme, users.Scheme)
	require.Len(t, users.Keys, 2)

	alice := users.Keys["alice"]
	assert.Equal(t, interfaces.PublicKey(alicePub), alice.PublicKey)
	assert.Equal(t, []interfaces.KeyIdentity{
		{Attribute: "admin", Version: 1, Metadata: "enc", Length: 16},
		{Attribute: "read", Version: 0, Metadata: "", Length: 32},
	}, alice.Keys)

	assert.Equal(t, interfaces.PublicKey(bobPub), users.Keys["bob"].PublicKey)
	assert.Len(t, users.Keys["bob"].Keys, 1)

	pk, err := users.PublicKeys().PublicKey("bob")
	require.NoError(t, err)
	assert.Equal(t, interfaces.PublicKey(bobPub), pk)

	w, err := users.Wrapper()
	require.NoError(t, err)
	assert.IsType(t, cryptoutils.ECIESWrapper{}, w)
}

func TestParseUsers_Errors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "k.pem"), []byte("pem"))

	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"no users", "users: {}", ErrNoUsers},
		{"unknown scheme", "scheme: rot13\nusers:\n  a:\n    public_key: k.pem\n", interfaces.ErrUnsupportedScheme},
		{"missing public key", "users:\n  a:\n    key_info: admin|0||16\n", ErrMissingPublicKey},
		{"bad descriptor", "users:\n  a:\n    public_key: k.pem\n    key_info: admin|x||16\n", interfaces.ErrInvalidDescriptor},
		{"delimiter", "users:\n  a:\n    public_key: k.pem\n    key_info: admin|0|a|b|16\n", interfaces.ErrInvalidDescriptor},
		{"negative length", "users:\n  a:\n    public_key: k.pem\n    key_info: admin|0||-1\n", interfaces.ErrInvalidKeyLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseUsers([]byte(tt.doc), dir)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := ParseUsers([]byte("users:\n  a:\n    public_key: missing.pem\n"), dir)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = ParseUsers([]byte("users:\n  a:\n    public_key: k.pem\n    keys: []\n"), dir)
	assert.Error(t, err, "unknown fields are rejected")
}

func TestParseUsers_Scheme(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "k.pem"), []byte("pem"))

	users, err := ParseUsers([]byte("scheme: hpke-x25519\nusers:\n  a:\n    public_key: k.pem\n"), dir)
	require.NoError(t, err)
	assert.Equal(t, cryptoutils.SchemeHPKEX25519, users.Scheme)
	assert.Empty(t, users.Keys["a"].Keys)
}

func TestAttributes(t *testing.T) {
	ids, err := ParseKeyInfo("admin|1|enc|16\nadmin|1|sig|32\nread|0||8")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "read"}, Attributes(ids))
	assert.Empty(t, Attributes(nil))
}
