package cryptoutils

import (
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for passphrase-derived master secrets.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var masterSecretSalt = []byte("ATTRIBUTE-KEY-MANAGER-MASTER-SECRET-")

var ErrSecretDestroyed = errors.New("secret destroyed")

// LockedSecret keeps secret bytes sealed in a memguard enclave. The bytes
// are only decrypted into locked memory for the duration of Use.
type LockedSecret struct {
	mu      sync.RWMutex
	enclave *memguard.Enclave
	size    int
}

// NewLockedSecret seals secret into an enclave. The source slice is wiped.
func NewLockedSecret(secret []byte) (*LockedSecret, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty secret")
	}
	size := len(secret)
	return &LockedSecret{enclave: memguard.NewEnclave(secret), size: size}, nil
}

// Use opens the enclave and passes the plaintext to fn. The slice is
// destroyed when fn returns and must not be retained.
func (s *LockedSecret) Use(fn func(secret []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.enclave == nil {
		return ErrSecretDestroyed
	}

	buf, err := s.enclave.Open()
	if err != nil {
		return fmt.Errorf("failed to open secret enclave: %w", err)
	}
	defer buf.Destroy()

	return fn(buf.Bytes())
}

// Size returns the number of secret bytes, or zero once destroyed.
func (s *LockedSecret) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.enclave == nil {
		return 0
	}
	return s.size
}

func (s *LockedSecret) Alive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enclave != nil
}

// Destroy drops the enclave. Safe to call more than once.
func (s *LockedSecret) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enclave = nil
	s.size = 0
}

// Wipe overwrites b with zeroes.
func Wipe(b []byte) {
	memguard.WipeBytes(b)
}

// DeriveMasterSecret stretches a passphrase into a master secret of the
// given size with Argon2id. The salt is namespaced so the same passphrase
// used elsewhere yields unrelated bytes.
func DeriveMasterSecret(passphrase, salt []byte, size int) []byte {
	fullSalt := make([]byte, 0, len(masterSecretSalt)+len(salt))
	fullSalt = append(fullSalt, masterSecretSalt...)
	fullSalt = append(fullSalt, salt...)
	return argon2.IDKey(passphrase, fullSalt, argonTime, argonMemory, argonThreads, uint32(size))
}

// RandomMasterSecret returns size bytes from the memguard CSPRNG.
func RandomMasterSecret(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.New("secret size must be positive")
	}
	buf := memguard.NewBufferRandom(size)
	defer buf.Destroy()
	return append([]byte(nil), buf.Bytes()...), nil
}
