package interfaces

import "fmt"

// Wrapper encrypts a short symmetric key under a recipient public key.
type Wrapper interface {
	Wrap(key []byte, recipient PublicKey) ([]byte, error)
}

// Unwrapper recovers a key produced by the matching Wrapper.
type Unwrapper interface {
	Unwrap(wrapped []byte, recipient PrivateKey) ([]byte, error)
}

// PublicKeyDirectory resolves a user's public key.
type PublicKeyDirectory interface {
	PublicKey(user UserID) (PublicKey, error)
}

// PublicKeyMap is a static PublicKeyDirectory.
type PublicKeyMap map[UserID]PublicKey

// PublicKey implements PublicKeyDirectory.
func (m PublicKeyMap) PublicKey(user UserID) (PublicKey, error) {
	pk, ok := m[user]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, user)
	}
	return pk, nil
}
