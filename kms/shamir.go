package kms

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/vault/shamir"

	"github.com/ruteri/attribute-key-manager/cryptoutils"
	"github.com/ruteri/attribute-key-manager/interfaces"
)

// Unseal states reported by Unsealer.State.
const (
	StateSealed     = "sealed"
	StateRecovering = "recovering"
	StateUnsealed   = "unsealed"
)

var (
	ErrAlreadyUnsealed       = errors.New("master secret is already unsealed")
	ErrNotRecovering         = errors.New("unsealer is not accepting shares")
	ErrUnregisteredAdmin     = errors.New("unregistered admin public key")
	ErrInvalidShareSignature = errors.New("invalid share signature")
)

// SplitMasterSecret splits masterSecret into totalShares shares, any
// threshold of which reconstruct it.
func SplitMasterSecret(masterSecret []byte, totalShares, threshold int) ([][]byte, error) {
	if len(masterSecret) < 32 {
		return nil, errors.New("master secret must be at least 32 bytes")
	}
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if totalShares < threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}

	shares, err := shamir.Split(masterSecret, totalShares, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split master secret: %w", err)
	}
	return shares, nil
}

// UnsealerConfig contains configuration parameters for creating an Unsealer.
type UnsealerConfig struct {
	// Threshold is the minimum number of shares required to reconstruct the master secret
	Threshold int
	// AdminPubKeys is the list of authorized administrator public keys in PEM format
	AdminPubKeys [][]byte
	// DeriverOptions are applied to the KeyDeriver built from the reconstructed secret
	DeriverOptions []KeyDeriverOption
}

// Unsealer reconstructs the master secret from shares submitted by
// registered administrators and builds the KeyDeriver from it.
//
// The master secret is never stored. Each share must be signed by an
// administrator's private key; when the threshold number of valid shares
// has been received, the secret is combined, moved into locked memory and
// the shares are wiped.
type Unsealer struct {
	mu             sync.RWMutex
	threshold      int
	recovering     bool
	receivedShares map[int][]byte
	adminPubKeys   map[string][]byte
	deriverOpts    []KeyDeriverOption
	deriver        *KeyDeriver
	onUnseal       []func(*KeyDeriver)
	log            *slog.Logger
}

// NewUnsealer creates a sealed Unsealer.
func NewUnsealer(config UnsealerConfig, log *slog.Logger) (*Unsealer, error) {
	if config.Threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if len(config.AdminPubKeys) < config.Threshold {
		return nil, errors.New("fewer admins than threshold")
	}

	u := &Unsealer{
		threshold:      config.Threshold,
		receivedShares: make(map[int][]byte),
		adminPubKeys:   make(map[string][]byte),
		deriverOpts:    config.DeriverOptions,
		log:            log,
	}

	for _, publicKeyPEM := range config.AdminPubKeys {
		if _, err := parseAdminPublicKey(publicKeyPEM); err != nil {
			return nil, fmt.Errorf("invalid admin pubkey %s: %w", publicKeyPEM, err)
		}
		u.adminPubKeys[AdminFingerprint(publicKeyPEM)] = publicKeyPEM
	}

	return u, nil
}

// AdminFingerprint is the hex SHA-256 of an admin public key PEM.
func AdminFingerprint(publicKeyPEM []byte) string {
	fingerprint := sha256.Sum256(publicKeyPEM)
	return hex.EncodeToString(fingerprint[:])
}

// AdminPublicKey returns the registered key for a fingerprint.
func (u *Unsealer) AdminPublicKey(fingerprint string) ([]byte, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	pk, ok := u.adminPubKeys[fingerprint]
	return pk, ok
}

// OnUnseal registers fn to run with the new deriver once unsealed.
func (u *Unsealer) OnUnseal(fn func(*KeyDeriver)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onUnseal = append(u.onUnseal, fn)
}

// BeginRecovery starts accepting shares, discarding any received so far.
func (u *Unsealer) BeginRecovery() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.deriver != nil {
		return ErrAlreadyUnsealed
	}

	u.wipeShares()
	u.recovering = true
	u.log.Info("unseal recovery started", slog.Int("threshold", u.threshold))
	return nil
}

// SubmitShare submits a key share with cryptographic verification.
// ECDSA admins sign the SHA-256 of the share, Ed25519 admins the share
// itself. When the threshold is reached the master secret is reconstructed.
func (u *Unsealer) SubmitShare(shareIndex int, share, signature, adminPubKeyPEM []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.deriver != nil {
		return ErrAlreadyUnsealed
	}
	if !u.recovering {
		return ErrNotRecovering
	}

	pubkeyForFingerprint, found := u.adminPubKeys[AdminFingerprint(adminPubKeyPEM)]
	if !found || !bytes.Equal(pubkeyForFingerprint, adminPubKeyPEM) {
		return ErrUnregisteredAdmin
	}

	pubKey, err := parseAdminPublicKey(adminPubKeyPEM)
	if err != nil {
		return err
	}

	switch key := pubKey.(type) {
	case *ecdsa.PublicKey:
		hash := sha256.Sum256(share)
		if !ecdsa.VerifyASN1(key, hash[:], signature) {
			return ErrInvalidShareSignature
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(key, share, signature) {
			return ErrInvalidShareSignature
		}
	}

	u.receivedShares[shareIndex] = bytes.Clone(share)
	u.log.Info("share accepted", slog.Int("index", shareIndex), slog.Int("received", len(u.receivedShares)), slog.Int("threshold", u.threshold))

	return u.tryReconstruct()
}

// tryReconstruct combines the received shares once the threshold is met.
func (u *Unsealer) tryReconstruct() error {
	if len(u.receivedShares) < u.threshold {
		return nil
	}

	shares := make([][]byte, 0, len(u.receivedShares))
	for _, share := range u.receivedShares {
		shares = append(shares, share)
	}

	masterSecret, err := shamir.Combine(shares)
	u.wipeShares()
	if err != nil {
		return fmt.Errorf("failed to reconstruct master secret: %w", err)
	}

	deriver, err := NewKeyDeriver(masterSecret, u.deriverOpts...)
	if err != nil {
		return err
	}

	u.deriver = deriver
	u.recovering = false
	u.log.Info("master secret unsealed")

	for _, fn := range u.onUnseal {
		fn(deriver)
	}
	return nil
}

func (u *Unsealer) wipeShares() {
	for i := range u.receivedShares {
		cryptoutils.Wipe(u.receivedShares[i])
	}
	u.receivedShares = make(map[int][]byte)
}

// State returns one of StateSealed, StateRecovering or StateUnsealed.
func (u *Unsealer) State() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	switch {
	case u.deriver != nil:
		return StateUnsealed
	case u.recovering:
		return StateRecovering
	default:
		return StateSealed
	}
}

func (u *Unsealer) IsUnsealed() bool {
	return u.State() == StateUnsealed
}

// Progress returns the number of shares received and the threshold.
func (u *Unsealer) Progress() (received, threshold int) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.receivedShares), u.threshold
}

// Deriver returns the deriver built from the reconstructed master secret,
// or ErrSealed.
func (u *Unsealer) Deriver() (*KeyDeriver, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.deriver == nil {
		return nil, interfaces.ErrSealed
	}
	return u.deriver, nil
}

// Seal destroys the deriver and returns to the sealed state.
func (u *Unsealer) Seal() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.deriver != nil {
		u.deriver.Destroy()
		u.deriver = nil
	}
	u.recovering = false
	u.wipeShares()
	u.log.Info("master secret sealed")
}

func parseAdminPublicKey(publicKeyPEM []byte) (any, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode admin public key PEM")
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse admin public key: %w", err)
	}

	switch pubKey.(type) {
	case *ecdsa.PublicKey, ed25519.PublicKey:
		return pubKey, nil
	default:
		return nil, errors.New("admin public key is neither ECDSA nor ED25519 key")
	}
}

// SignShare signs the SHA-256 of a share with an administrator's ECDSA key.
func SignShare(share []byte, privateKey *ecdsa.PrivateKey) ([]byte, error) {
	hash := sha256.Sum256(share)
	return ecdsa.SignASN1(rand.Reader, privateKey, hash[:])
}
