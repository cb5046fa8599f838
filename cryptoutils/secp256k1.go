package cryptoutils

import (
	"crypto/rand"
	"encoding/pem"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"

	"github.com/ruteri/attribute-key-manager/interfaces"
)

const (
	PEMTypeSecp256k1PublicKey  = "SECP256K1 PUBLIC KEY"
	PEMTypeSecp256k1PrivateKey = "SECP256K1 PRIVATE KEY"
)

// Secp256k1Wrapper wraps keys with the go-ethereum ECIES construction over
// secp256k1. Public keys are 65-byte uncompressed points, private keys the
// 32-byte scalar, each in a PEM block.
type Secp256k1Wrapper struct{}

func (Secp256k1Wrapper) Wrap(key []byte, recipient interfaces.PublicKey) ([]byte, error) {
	block, err := decodePEM(recipient, PEMTypeSecp256k1PublicKey)
	if err != nil {
		return nil, err
	}
	pub, err := crypto.UnmarshalPubkey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	ct, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub), key, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}
	return ct, nil
}

func (Secp256k1Wrapper) Unwrap(wrapped []byte, recipient interfaces.PrivateKey) ([]byte, error) {
	block, err := decodePEM(recipient, PEMTypeSecp256k1PrivateKey)
	if err != nil {
		return nil, err
	}
	priv, err := crypto.ToECDSA(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	pt, err := ecies.ImportECDSA(priv).Decrypt(wrapped, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return pt, nil
}

// RandomSecp256k1Keypair generates a secp256k1 recipient key pair.
func RandomSecp256k1Keypair() (interfaces.PublicKey, interfaces.PrivateKey, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, nil, err
	}
	scalar := crypto.FromECDSA(priv)
	defer Wipe(scalar)

	pubPEM := pem.EncodeToMemory(&pem.Block{Type: PEMTypeSecp256k1PublicKey, Bytes: crypto.FromECDSAPub(&priv.PublicKey)})
	privPEM := pem.EncodeToMemory(&pem.Block{Type: PEMTypeSecp256k1PrivateKey, Bytes: scalar})
	return pubPEM, privPEM, nil
}
