package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/ruteri/attribute-key-manager/interfaces"
)

// PEM block types used by the P-256 helpers.
const (
	PEMTypePublicKey    = "PUBLIC KEY"
	PEMTypeECPrivateKey = "EC PRIVATE KEY"
	PEMTypePrivateKey   = "PRIVATE KEY"
)

var ErrInvalidPEM = errors.New("invalid PEM data")

func decodePEM(data []byte, allowedTypes ...string) (*pem.Block, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidPEM)
	}
	for _, t := range allowedTypes {
		if block.Type == t {
			return block, nil
		}
	}
	return nil, fmt.Errorf("%w: unexpected block type %q", ErrInvalidPEM, block.Type)
}

// ParseP256PublicKey parses a PKIX "PUBLIC KEY" PEM holding a P-256 key.
func ParseP256PublicKey(publicKeyPEM []byte) (*ecdsa.PublicKey, error) {
	block, err := decodePEM(publicKeyPEM, PEMTypePublicKey)
	if err != nil {
		return nil, err
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok || ecdsaPub.Curve != elliptic.P256() {
		return nil, errors.New("not a P-256 public key")
	}
	return ecdsaPub, nil
}

// ParseP256PrivateKey parses an SEC1 or PKCS8 PEM holding a P-256 key.
func ParseP256PrivateKey(privateKeyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, err := decodePEM(privateKeyPEM, PEMTypeECPrivateKey, PEMTypePrivateKey)
	if err != nil {
		return nil, err
	}

	var key *ecdsa.PrivateKey
	if block.Type == PEMTypeECPrivateKey {
		key, err = x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
	} else {
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		var ok bool
		if key, ok = parsed.(*ecdsa.PrivateKey); !ok {
			return nil, fmt.Errorf("unsupported private key type: %T", parsed)
		}
	}

	if key.Curve != elliptic.P256() {
		return nil, errors.New("not a P-256 private key")
	}
	return key, nil
}

// MarshalP256PublicKey encodes a public key as PKIX PEM.
func MarshalP256PublicKey(pub *ecdsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: PEMTypePublicKey, Bytes: der}), nil
}

// MarshalP256PrivateKey encodes a private key as SEC1 PEM.
func MarshalP256PrivateKey(priv *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: PEMTypeECPrivateKey, Bytes: der}), nil
}

func RandomP256Keypair() (interfaces.PublicKey, interfaces.PrivateKey, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	privateKeyPEM, err := MarshalP256PrivateKey(privateKey)
	if err != nil {
		return nil, nil, err
	}

	publicKeyPEM, err := MarshalP256PublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	return interfaces.PublicKey(publicKeyPEM), interfaces.PrivateKey(privateKeyPEM), nil
}
