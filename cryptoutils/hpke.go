package cryptoutils

import (
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/hpke"

	"github.com/ruteri/attribute-key-manager/interfaces"
)

const (
	PEMTypeX25519PublicKey  = "X25519 PUBLIC KEY"
	PEMTypeX25519PrivateKey = "X25519 PRIVATE KEY"
)

var hpkeInfo = []byte("attribute-key-manager key wrap v1")

var hpkeSuite = hpke.NewSuite(hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_ChaCha20Poly1305)

// HPKEWrapper wraps keys with HPKE base mode: DHKEM(X25519, HKDF-SHA256),
// HKDF-SHA256 and ChaCha20-Poly1305.
//
// Output format: [encapsulated key][ciphertext]
type HPKEWrapper struct{}

func (HPKEWrapper) Wrap(key []byte, recipient interfaces.PublicKey) ([]byte, error) {
	block, err := decodePEM(recipient, PEMTypeX25519PublicKey)
	if err != nil {
		return nil, err
	}
	pk, err := hpke.KEM_X25519_HKDF_SHA256.Scheme().UnmarshalBinaryPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	sender, err := hpkeSuite.NewSender(pk, hpkeInfo)
	if err != nil {
		return nil, err
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to set up sender: %w", err)
	}
	ct, err := sealer.Seal(key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}

	return append(enc, ct...), nil
}

func (HPKEWrapper) Unwrap(wrapped []byte, recipient interfaces.PrivateKey) ([]byte, error) {
	block, err := decodePEM(recipient, PEMTypeX25519PrivateKey)
	if err != nil {
		return nil, err
	}
	scheme := hpke.KEM_X25519_HKDF_SHA256.Scheme()
	sk, err := scheme.UnmarshalBinaryPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	encSize := scheme.CiphertextSize()
	if len(wrapped) < encSize {
		return nil, errors.New("encrypted data too short")
	}

	receiver, err := hpkeSuite.NewReceiver(sk, hpkeInfo)
	if err != nil {
		return nil, err
	}
	opener, err := receiver.Setup(wrapped[:encSize])
	if err != nil {
		return nil, fmt.Errorf("failed to set up receiver: %w", err)
	}
	pt, err := opener.Open(wrapped[encSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return pt, nil
}

// RandomX25519Keypair generates an HPKE recipient key pair.
func RandomX25519Keypair() (interfaces.PublicKey, interfaces.PrivateKey, error) {
	pk, sk, err := hpke.KEM_X25519_HKDF_SHA256.Scheme().GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	pkBytes, err := pk.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	skBytes, err := sk.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	defer Wipe(skBytes)

	pubPEM := pem.EncodeToMemory(&pem.Block{Type: PEMTypeX25519PublicKey, Bytes: pkBytes})
	privPEM := pem.EncodeToMemory(&pem.Block{Type: PEMTypeX25519PrivateKey, Bytes: skBytes})
	return pubPEM, privPEM, nil
}
