package kms

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/sha3"

	"github.com/ruteri/attribute-key-manager/cryptoutils"
	"github.com/ruteri/attribute-key-manager/interfaces"
)

// HashAlgorithm names the hash underlying the derivation HMAC.
type HashAlgorithm string

const (
	HashSHA1    HashAlgorithm = "sha1"
	HashSHA256  HashAlgorithm = "sha256"
	HashSHA3256 HashAlgorithm = "sha3-256"

	// DefaultHash keeps keys compatible with existing deployments.
	DefaultHash = HashSHA1
)

// maxBlocks bounds the output length, the block counter is a single byte.
const maxBlocks = 255

func (h HashAlgorithm) newFunc() (func() hash.Hash, error) {
	switch h {
	case HashSHA1, "":
		return sha1.New, nil
	case HashSHA256:
		return sha256.New, nil
	case HashSHA3256:
		return sha3.New256, nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", string(h))
	}
}

// ParseHashAlgorithm validates a hash name from configuration.
func ParseHashAlgorithm(name string) (HashAlgorithm, error) {
	h := HashAlgorithm(name)
	if _, err := h.newFunc(); err != nil {
		return "", err
	}
	if h == "" {
		return DefaultHash, nil
	}
	return h, nil
}

// KeyDeriverOption configures a KeyDeriver.
type KeyDeriverOption func(*KeyDeriver)

// WithHash selects the derivation hash. Changing it changes every key.
func WithHash(alg HashAlgorithm) KeyDeriverOption {
	return func(d *KeyDeriver) {
		d.alg = alg
	}
}

// KeyDeriver deterministically derives attribute keys from a master secret.
//
// Each key is an HMAC chain keyed with the master secret over
// info = attribute|version|metadata|length:
//
//	block_0 = ""
//	block_i = HMAC(msk, block_{i-1} || info || byte(i))
//
// The output is the concatenation of the blocks truncated to length. The
// length is part of info so keys of different lengths for the same
// attribute, version and metadata are unrelated.
type KeyDeriver struct {
	secret     *cryptoutils.LockedSecret
	alg        HashAlgorithm
	newHash    func() hash.Hash
	digestSize int
}

// NewKeyDeriver takes ownership of masterSecret: it is moved into locked
// memory and the source slice is wiped.
func NewKeyDeriver(masterSecret []byte, opts ...KeyDeriverOption) (*KeyDeriver, error) {
	d := &KeyDeriver{alg: DefaultHash}
	for _, opt := range opts {
		opt(d)
	}

	newHash, err := d.alg.newFunc()
	if err != nil {
		cryptoutils.Wipe(masterSecret)
		return nil, err
	}
	d.newHash = newHash
	d.digestSize = newHash().Size()

	if len(masterSecret) < d.digestSize {
		cryptoutils.Wipe(masterSecret)
		return nil, fmt.Errorf("%w: got %d bytes, need %d", interfaces.ErrMasterSecretTooShort, len(masterSecret), d.digestSize)
	}

	d.secret, err = cryptoutils.NewLockedSecret(masterSecret)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Hash returns the configured derivation hash.
func (d *KeyDeriver) Hash() HashAlgorithm {
	return d.alg
}

// MaxLength is the largest key length Generate accepts.
func (d *KeyDeriver) MaxLength() int {
	return maxBlocks * d.digestSize
}

// ValidateLength reports ErrInvalidKeyLength for lengths Generate would reject.
func (d *KeyDeriver) ValidateLength(length int) error {
	if length < 0 || length > d.MaxLength() {
		return fmt.Errorf("%w: %d not in [0, %d]", interfaces.ErrInvalidKeyLength, length, d.MaxLength())
	}
	return nil
}

// Validate checks a key identity against the field rules and this
// deriver's length range.
func (d *KeyDeriver) Validate(id interfaces.KeyIdentity) error {
	if err := interfaces.ValidateFields(id.Attribute, id.Metadata); err != nil {
		return err
	}
	return d.ValidateLength(id.Length)
}

// Generate derives the key for the given identity. A zero length yields an
// empty, non-nil slice. The caller owns the result and should wipe it.
func (d *KeyDeriver) Generate(attribute string, version uint64, metadata string, length int) ([]byte, error) {
	id := interfaces.KeyIdentity{Attribute: attribute, Version: version, Metadata: metadata, Length: length}
	if err := d.Validate(id); err != nil {
		return nil, err
	}

	info := []byte(id.String())
	numBlocks := (length + d.digestSize - 1) / d.digestSize
	key := make([]byte, 0, numBlocks*d.digestSize)

	err := d.secret.Use(func(msk []byte) error {
		mac := hmac.New(d.newHash, msk)
		var block []byte
		for i := 1; i <= numBlocks; i++ {
			mac.Reset()
			mac.Write(block)
			mac.Write(info)
			mac.Write([]byte{byte(i)})
			block = mac.Sum(block[:0])
			key = append(key, block...)
		}
		cryptoutils.Wipe(block)
		return nil
	})
	if err != nil {
		cryptoutils.Wipe(key)
		if errors.Is(err, cryptoutils.ErrSecretDestroyed) {
			return nil, interfaces.ErrDeriverDestroyed
		}
		return nil, err
	}

	cryptoutils.Wipe(key[length:])
	return key[:length], nil
}

// GenerateIdentity is Generate for a KeyIdentity.
func (d *KeyDeriver) GenerateIdentity(id interfaces.KeyIdentity) ([]byte, error) {
	return d.Generate(id.Attribute, id.Version, id.Metadata, id.Length)
}

// Destroy wipes the master secret. Later calls to Generate fail with
// ErrDeriverDestroyed.
func (d *KeyDeriver) Destroy() {
	d.secret.Destroy()
}
