package config

import (
	"encoding/base64"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/attribute-key-manager/cryptoutils"
)

func TestAdminsFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	pub1, _, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)
	pub2, _, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)

	path := filepath.Join(dir, "admins.yaml")
	require.NoError(t, WriteAdminsFile(path, NewAdminsFile([][]byte{pub1, pub2})))

	keys, err := LoadAdmins(path)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{pub1, pub2}, keys)
}

func TestLoadAdmins_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "admins.json")
	writeFile(t, path, []byte(`{"admins":[{"pubkey":"-----BEGIN PUBLIC KEY-----\nAA==\n-----END PUBLIC KEY-----\n"}]}`))

	keys, err := LoadAdmins(path)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestLoadAdmins_Errors(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.yaml")
	writeFile(t, empty, []byte("admins: []\n"))
	_, err := LoadAdmins(empty)
	assert.Error(t, err)

	mismatch := filepath.Join(dir, "mismatch.yaml")
	writeFile(t, mismatch, []byte("admins:\n  - id: abcd\n    pubkey: key\n"))
	_, err = LoadAdmins(mismatch)
	assert.ErrorContains(t, err, "does not match")

	_, err = LoadAdmins(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestShareFile(t *testing.T) {
	dir := t.TempDir()
	share := []byte{1, 2, 3, 4}

	plain := filepath.Join(dir, "plain.yaml")
	require.NoError(t, WriteShareFile(plain, ShareFile{ShareIndex: 3, Share: base64.StdEncoding.EncodeToString(share)}))
	loaded, err := ReadShareFile(plain)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.ShareIndex)
	got, err := loaded.Decode(nil)
	require.NoError(t, err)
	assert.Equal(t, share, got)

	pub, priv, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)
	encrypted, err := cryptoutils.EncryptWithPublicKey(pub, share)
	require.NoError(t, err)

	sealed := filepath.Join(dir, "sealed.yaml")
	require.NoError(t, WriteShareFile(sealed, ShareFile{ShareIndex: 1, AdminID: "x", EncryptedShare: base64.StdEncoding.EncodeToString(encrypted)}))
	loaded, err = ReadShareFile(sealed)
	require.NoError(t, err)

	_, err = loaded.Decode(nil)
	assert.Error(t, err)

	got, err = loaded.Decode(func(b []byte) ([]byte, error) { return cryptoutils.DecryptWithPrivateKey(priv, b) })
	require.NoError(t, err)
	assert.Equal(t, share, got)

	boom := errors.New("boom")
	_, err = loaded.Decode(func([]byte) ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}
