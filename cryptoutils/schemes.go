package cryptoutils

import (
	"fmt"
	"slices"

	"github.com/ruteri/attribute-key-manager/interfaces"
)

// Wrapping scheme names accepted in configuration and on the command line.
const (
	SchemeECIESP256      = "ecies-p256"
	SchemeRSAOAEP        = "rsa-oaep"
	SchemeHPKEX25519     = "hpke-x25519"
	SchemeECIESSecp256k1 = "ecies-secp256k1"

	DefaultScheme = SchemeECIESP256
)

const defaultRSABits = 3072

// KeyWrapper both wraps and unwraps under one scheme.
type KeyWrapper interface {
	interfaces.Wrapper
	interfaces.Unwrapper
}

type scheme struct {
	wrapper  KeyWrapper
	generate func() (interfaces.PublicKey, interfaces.PrivateKey, error)
}

var schemes = map[string]scheme{
	SchemeECIESP256:      {ECIESWrapper{}, RandomP256Keypair},
	SchemeRSAOAEP:        {RSAOAEPWrapper{}, func() (interfaces.PublicKey, interfaces.PrivateKey, error) { return RandomRSAKeypair(defaultRSABits) }},
	SchemeHPKEX25519:     {HPKEWrapper{}, RandomX25519Keypair},
	SchemeECIESSecp256k1: {Secp256k1Wrapper{}, RandomSecp256k1Keypair},
}

// WrapperFor returns the wrapper registered for name. An empty name
// selects DefaultScheme.
func WrapperFor(name string) (KeyWrapper, error) {
	s, err := lookupScheme(name)
	if err != nil {
		return nil, err
	}
	return s.wrapper, nil
}

// GenerateKeypair creates a recipient key pair for the named scheme.
func GenerateKeypair(name string) (interfaces.PublicKey, interfaces.PrivateKey, error) {
	s, err := lookupScheme(name)
	if err != nil {
		return nil, nil, err
	}
	return s.generate()
}

// Schemes lists the registered scheme names in sorted order.
func Schemes() []string {
	names := make([]string, 0, len(schemes))
	for name := range schemes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func lookupScheme(name string) (scheme, error) {
	if name == "" {
		name = DefaultScheme
	}
	s, ok := schemes[name]
	if !ok {
		return scheme{}, fmt.Errorf("%w: %q", interfaces.ErrUnsupportedScheme, name)
	}
	return s, nil
}
