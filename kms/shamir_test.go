package kms

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/attribute-key-manager/interfaces"
)

type testAdmin struct {
	ecdsaKey *ecdsa.PrivateKey
	edKey    ed25519.PrivateKey
	pubPEM   []byte
}

func newECDSAAdmin(t *testing.T) testAdmin {
	t.Helper()
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err, "Failed to generate test key")
	return testAdmin{ecdsaKey: privateKey, pubPEM: pkixPEM(t, &privateKey.PublicKey)}
}

func newEd25519Admin(t *testing.T) testAdmin {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err, "Failed to generate test key")
	return testAdmin{edKey: priv, pubPEM: pkixPEM(t, pub)}
}

func pkixPEM(t *testing.T, pub any) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err, "Failed to marshal public key")
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func (a testAdmin) sign(t *testing.T, share []byte) []byte {
	t.Helper()
	if a.edKey != nil {
		return ed25519.Sign(a.edKey, share)
	}
	sig, err := SignShare(share, a.ecdsaKey)
	require.NoError(t, err)
	return sig
}

func TestSplitMasterSecret(t *testing.T) {
	secret := testSecret()

	shares, err := SplitMasterSecret(secret, 5, 3)
	require.NoError(t, err)
	assert.Len(t, shares, 5)

	_, err = SplitMasterSecret(secret, 2, 3)
	assert.Error(t, err, "Should fail when threshold > total shares")

	_, err = SplitMasterSecret(secret, 5, 1)
	assert.Error(t, err, "Should fail when threshold < 2")

	_, err = SplitMasterSecret(secret[:16], 5, 3)
	assert.Error(t, err, "Should fail with master secret < 32 bytes")
}

func TestNewUnsealer(t *testing.T) {
	admins := [][]byte{newECDSAAdmin(t).pubPEM, newEd25519Admin(t).pubPEM}

	u, err := NewUnsealer(UnsealerConfig{Threshold: 2, AdminPubKeys: admins}, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, StateSealed, u.State())

	_, err = u.Deriver()
	assert.ErrorIs(t, err, interfaces.ErrSealed)

	_, err = NewUnsealer(UnsealerConfig{Threshold: 3, AdminPubKeys: admins}, discardLogger())
	assert.Error(t, err, "Should fail with fewer admins than threshold")

	_, err = NewUnsealer(UnsealerConfig{Threshold: 1, AdminPubKeys: admins}, discardLogger())
	assert.Error(t, err, "Should fail when threshold < 2")

	_, err = NewUnsealer(UnsealerConfig{Threshold: 2, AdminPubKeys: [][]byte{admins[0], []byte("not-a-valid-pem")}}, discardLogger())
	assert.Error(t, err, "Should fail with invalid PEM")
}

func TestUnsealer_ShareSubmission(t *testing.T) {
	admins := []testAdmin{newECDSAAdmin(t), newEd25519Admin(t), newECDSAAdmin(t)}
	adminPEMs := make([][]byte, len(admins))
	for i, a := range admins {
		adminPEMs[i] = a.pubPEM
	}
	outsider := newECDSAAdmin(t)

	shares, err := SplitMasterSecret(testSecret(), 3, 2)
	require.NoError(t, err)

	u, err := NewUnsealer(UnsealerConfig{Threshold: 2, AdminPubKeys: adminPEMs}, discardLogger())
	require.NoError(t, err)

	var unsealed *KeyDeriver
	u.OnUnseal(func(d *KeyDeriver) { unsealed = d })

	// Shares are refused before recovery starts
	err = u.SubmitShare(0, shares[0], admins[0].sign(t, shares[0]), admins[0].pubPEM)
	assert.ErrorIs(t, err, ErrNotRecovering)

	require.NoError(t, u.BeginRecovery())
	assert.Equal(t, StateRecovering, u.State())

	err = u.SubmitShare(0, shares[0], outsider.sign(t, shares[0]), outsider.pubPEM)
	assert.ErrorIs(t, err, ErrUnregisteredAdmin)

	err = u.SubmitShare(0, shares[0], admins[1].sign(t, shares[1]), admins[1].pubPEM)
	assert.ErrorIs(t, err, ErrInvalidShareSignature)

	err = u.SubmitShare(0, shares[0], admins[2].sign(t, shares[0]), admins[0].pubPEM)
	assert.ErrorIs(t, err, ErrInvalidShareSignature)

	require.NoError(t, u.SubmitShare(0, shares[0], admins[0].sign(t, shares[0]), admins[0].pubPEM))
	received, threshold := u.Progress()
	assert.Equal(t, 1, received)
	assert.Equal(t, 2, threshold)
	assert.False(t, u.IsUnsealed())

	require.NoError(t, u.SubmitShare(1, shares[1], admins[1].sign(t, shares[1]), admins[1].pubPEM))
	assert.True(t, u.IsUnsealed())
	require.NotNil(t, unsealed, "unseal callbacks run")

	deriver, err := u.Deriver()
	require.NoError(t, err)
	assert.Same(t, unsealed, deriver)

	// The reconstructed deriver derives the same keys as the original secret
	expected, err := newTestDeriver(t).Generate("admin", 1, "enc", 16)
	require.NoError(t, err)
	got, err := deriver.Generate("admin", 1, "enc", 16)
	require.NoError(t, err)
	assert.Equal(t, expected, got)

	err = u.SubmitShare(2, shares[2], admins[2].sign(t, shares[2]), admins[2].pubPEM)
	assert.ErrorIs(t, err, ErrAlreadyUnsealed)
	assert.ErrorIs(t, u.BeginRecovery(), ErrAlreadyUnsealed)

	u.Seal()
	assert.Equal(t, StateSealed, u.State())
	_, err = deriver.Generate("admin", 1, "enc", 16)
	assert.ErrorIs(t, err, interfaces.ErrDeriverDestroyed)
}

func TestUnsealer_DeriverOptions(t *testing.T) {
	admins := []testAdmin{newECDSAAdmin(t), newECDSAAdmin(t)}
	shares, err := SplitMasterSecret(testSecret(), 2, 2)
	require.NoError(t, err)

	u, err := NewUnsealer(UnsealerConfig{
		Threshold:      2,
		AdminPubKeys:   [][]byte{admins[0].pubPEM, admins[1].pubPEM},
		DeriverOptions: []KeyDeriverOption{WithHash(HashSHA256)},
	}, discardLogger())
	require.NoError(t, err)

	require.NoError(t, u.BeginRecovery())
	for i, a := range admins {
		require.NoError(t, u.SubmitShare(i, shares[i], a.sign(t, shares[i]), a.pubPEM))
	}

	deriver, err := u.Deriver()
	require.NoError(t, err)
	assert.Equal(t, HashSHA256, deriver.Hash())
}

func TestAdminFingerprint(t *testing.T) {
	a := newECDSAAdmin(t)
	u, err := NewUnsealer(UnsealerConfig{Threshold: 2, AdminPubKeys: [][]byte{a.pubPEM, newECDSAAdmin(t).pubPEM}}, discardLogger())
	require.NoError(t, err)

	fp := AdminFingerprint(a.pubPEM)
	assert.Len(t, fp, 64)

	pk, ok := u.AdminPublicKey(fp)
	require.True(t, ok)
	assert.Equal(t, a.pubPEM, pk)

	_, ok = u.AdminPublicKey("00")
	assert.False(t, ok)
}
