package cryptoutils

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/ruteri/attribute-key-manager/interfaces"
)

const PEMTypeRSAPrivateKey = "RSA PRIVATE KEY"

// RSAOAEPWrapper wraps keys with RSA-OAEP using SHA-256.
type RSAOAEPWrapper struct{}

func (RSAOAEPWrapper) Wrap(key []byte, recipient interfaces.PublicKey) ([]byte, error) {
	pub, err := parseRSAPublicKey(recipient)
	if err != nil {
		return nil, err
	}
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}
	return ct, nil
}

func (RSAOAEPWrapper) Unwrap(wrapped []byte, recipient interfaces.PrivateKey) ([]byte, error) {
	priv, err := parseRSAPrivateKey(recipient)
	if err != nil {
		return nil, err
	}
	pt, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return pt, nil
}

func parseRSAPublicKey(publicKeyPEM []byte) (*rsa.PublicKey, error) {
	block, err := decodePEM(publicKeyPEM, PEMTypePublicKey, "RSA PUBLIC KEY")
	if err != nil {
		return nil, err
	}
	if block.Type == "RSA PUBLIC KEY" {
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return rsaPub, nil
}

func parseRSAPrivateKey(privateKeyPEM []byte) (*rsa.PrivateKey, error) {
	block, err := decodePEM(privateKeyPEM, PEMTypeRSAPrivateKey, PEMTypePrivateKey)
	if err != nil {
		return nil, err
	}
	if block.Type == PEMTypeRSAPrivateKey {
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type: %T", parsed)
	}
	return key, nil
}

// RandomRSAKeypair generates an RSA key pair of the given size in bits.
func RandomRSAKeypair(bits int) (interfaces.PublicKey, interfaces.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: PEMTypePublicKey, Bytes: pubDER})
	privPEM := pem.EncodeToMemory(&pem.Block{Type: PEMTypeRSAPrivateKey, Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	return pubPEM, privPEM, nil
}
