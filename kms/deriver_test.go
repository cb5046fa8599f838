package kms

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/ruteri/attribute-key-manager/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// testSecret returns a fresh copy of 00 01 .. 1f; NewKeyDeriver wipes its
// argument.
func testSecret() []byte {
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i)
	}
	return secret
}

func newTestDeriver(t testing.TB, opts ...KeyDeriverOption) *KeyDeriver {
	t.Helper()
	d, err := NewKeyDeriver(testSecret(), opts...)
	require.NoError(t, err)
	t.Cleanup(d.Destroy)
	return d
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestKeyDeriver_KnownAnswers(t *testing.T) {
	tests := []struct {
		name     string
		hash     HashAlgorithm
		id       interfaces.KeyIdentity
		expected string
	}{
		{
			name:     "sha1 single block",
			hash:     HashSHA1,
			id:       interfaces.KeyIdentity{Attribute: "doctor", Version: 0, Metadata: "", Length: 16},
			expected: "4a1fbe7ce7c5b4426601ad61ca49d523",
		},
		{
			name:     "sha1 two blocks",
			hash:     HashSHA1,
			id:       interfaces.KeyIdentity{Attribute: "doctor", Version: 1, Metadata: "ward3", Length: 32},
			expected: "0b23d8d2322bb31978b59a5a076cc7cefc31eb82d3c3bab44286bd05144a4213",
		},
		{
			name:     "sha256",
			hash:     HashSHA256,
			id:       interfaces.KeyIdentity{Attribute: "doctor", Version: 0, Metadata: "", Length: 16},
			expected: "d89b25f52051265f6eef4189043500d7",
		},
		{
			name:     "sha3-256",
			hash:     HashSHA3256,
			id:       interfaces.KeyIdentity{Attribute: "doctor", Version: 0, Metadata: "", Length: 16},
			expected: "bfae647f3fbd46895fca49864e40a996",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDeriver(t, WithHash(tt.hash))
			key, err := d.GenerateIdentity(tt.id)
			require.NoError(t, err)
			assert.Equal(t, mustHex(t, tt.expected), key)
		})
	}
}

func TestKeyDeriver_Deterministic(t *testing.T) {
	d1 := newTestDeriver(t)
	d2 := newTestDeriver(t)

	k1, err := d1.Generate("doctor", 3, "ward3", 24)
	require.NoError(t, err)
	k2, err := d2.Generate("doctor", 3, "ward3", 24)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := d1.Generate("doctor", 4, "ward3", 24)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3, "versions must produce different keys")
}

func TestKeyDeriver_LengthIsBound(t *testing.T) {
	d := newTestDeriver(t)

	k16, err := d.Generate("doctor", 0, "", 16)
	require.NoError(t, err)
	k17, err := d.Generate("doctor", 0, "", 17)
	require.NoError(t, err)

	require.Len(t, k17, 17)
	assert.NotEqual(t, k16, k17[:16])
	assert.Equal(t, mustHex(t, "faa0642072fb48e0a15e670c07d865cf"), k17[:16])
}

func TestKeyDeriver_LengthRange(t *testing.T) {
	d := newTestDeriver(t)
	assert.Equal(t, 255*20, d.MaxLength())

	_, err := d.Generate("doctor", 0, "", -1)
	assert.ErrorIs(t, err, interfaces.ErrInvalidKeyLength)

	_, err = d.Generate("doctor", 0, "", d.MaxLength()+1)
	assert.ErrorIs(t, err, interfaces.ErrInvalidKeyLength)

	empty, err := d.Generate("doctor", 0, "", 0)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	longest, err := d.Generate("doctor", 0, "", d.MaxLength())
	require.NoError(t, err)
	assert.Len(t, longest, d.MaxLength())

	sha256Deriver := newTestDeriver(t, WithHash(HashSHA256))
	assert.Equal(t, 255*32, sha256Deriver.MaxLength())
}

func TestKeyDeriver_RejectsDelimiter(t *testing.T) {
	d := newTestDeriver(t)

	_, err := d.Generate("doc|tor", 0, "", 16)
	assert.ErrorIs(t, err, interfaces.ErrDelimiterInField)

	_, err = d.Generate("doctor", 0, "ward|3", 16)
	assert.ErrorIs(t, err, interfaces.ErrDelimiterInField)
}

func TestNewKeyDeriver(t *testing.T) {
	t.Run("wipes the source", func(t *testing.T) {
		secret := testSecret()
		d, err := NewKeyDeriver(secret)
		require.NoError(t, err)
		defer d.Destroy()
		assert.Equal(t, make([]byte, 32), secret)
	})

	t.Run("secret shorter than digest", func(t *testing.T) {
		_, err := NewKeyDeriver(make([]byte, 19))
		assert.ErrorIs(t, err, interfaces.ErrMasterSecretTooShort)

		_, err = NewKeyDeriver(testSecret()[:20], WithHash(HashSHA256))
		assert.ErrorIs(t, err, interfaces.ErrMasterSecretTooShort)
	})

	t.Run("unknown hash", func(t *testing.T) {
		_, err := NewKeyDeriver(testSecret(), WithHash("md5"))
		assert.Error(t, err)
	})
}

func TestKeyDeriver_Destroy(t *testing.T) {
	d, err := NewKeyDeriver(testSecret())
	require.NoError(t, err)

	d.Destroy()
	_, err = d.Generate("doctor", 0, "", 16)
	assert.ErrorIs(t, err, interfaces.ErrDeriverDestroyed)

	// Idempotent
	d.Destroy()
}

func TestParseHashAlgorithm(t *testing.T) {
	for _, name := range []string{"sha1", "sha256", "sha3-256"} {
		alg, err := ParseHashAlgorithm(name)
		require.NoError(t, err)
		assert.Equal(t, HashAlgorithm(name), alg)
	}

	alg, err := ParseHashAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, DefaultHash, alg)

	_, err = ParseHashAlgorithm("sha512")
	assert.Error(t, err)
}

func TestKeyDeriver_Properties(t *testing.T) {
	d := newTestDeriver(t)
	genField := rapid.StringMatching(`[a-z0-9.:/ -]{0,12}`)

	rapid.Check(t, func(t *rapid.T) {
		attribute := genField.Draw(t, "attribute")
		metadata := genField.Draw(t, "metadata")
		version := rapid.Uint64().Draw(t, "version")
		length := rapid.IntRange(0, 200).Draw(t, "length")

		k1, err := d.Generate(attribute, version, metadata, length)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(k1) != length {
			t.Fatalf("got %d bytes, want %d", len(k1), length)
		}

		k2, err := d.Generate(attribute, version, metadata, length)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if !bytes.Equal(k1, k2) {
			t.Fatalf("derivation is not deterministic")
		}

		if length > 0 {
			longer, err := d.Generate(attribute, version, metadata, length+1)
			if err != nil {
				t.Fatalf("generate: %v", err)
			}
			if bytes.Equal(longer[:length], k1) {
				t.Fatalf("key of length %d is a prefix of the key of length %d", length, length+1)
			}
		}
	})
}
