package kms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/ruteri/attribute-key-manager/cryptoutils"
	"github.com/ruteri/attribute-key-manager/interfaces"
)

// LengthOverrides maps a metadata value to the key length its rotated key
// should have. Metadata values not listed keep their current length.
type LengthOverrides map[string]int

// Collaborators are the stores a Coordinator reads and mutates.
type Collaborators struct {
	Store      interfaces.KeyStore
	AttrUsers  interfaces.AttrUserIndex
	UserAttrs  interfaces.UserAttrIndex
	PublicKeys interfaces.PublicKeyDirectory
}

// RedistributionError reports the remaining holders that did not receive
// a rotated key. The revocation itself has completed: the revoked user is
// out of both indices and holds no key for the attribute.
type RedistributionError struct {
	Attribute string
	Failed    map[interfaces.UserID]error
}

func (e *RedistributionError) Error() string {
	users := interfaces.SortedUserIDs(e.Failed)
	parts := make([]string, 0, len(users))
	for _, user := range users {
		parts = append(parts, fmt.Sprintf("%s: %v", user, e.Failed[user]))
	}
	return fmt.Sprintf("redistribution of %q failed for %d user(s): %s", e.Attribute, len(users), strings.Join(parts, "; "))
}

// Unwrap exposes the per-user causes to errors.Is and errors.As.
func (e *RedistributionError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, user := range interfaces.SortedUserIDs(e.Failed) {
		errs = append(errs, e.Failed[user])
	}
	return errs
}

// Users returns the users that were not served, sorted.
func (e *RedistributionError) Users() []interfaces.UserID {
	return interfaces.SortedUserIDs(e.Failed)
}

// Coordinator revokes attributes from users. It rotates the keys of every
// metadata under the attribute and redistributes them to the remaining
// holders.
//
// The Coordinator holds no locks. Callers must not run two revocations of
// the same (user, attribute) pair concurrently.
type Coordinator struct {
	deriver *KeyDeriver
	wrapper interfaces.Wrapper
	c       Collaborators
	pairs   interfaces.IndexPairRemover
	log     *slog.Logger

	rotations interfaces.RotationLog
}

func NewCoordinator(deriver *KeyDeriver, wrapper interfaces.Wrapper, c Collaborators, log *slog.Logger) *Coordinator {
	coord := &Coordinator{
		deriver: deriver,
		wrapper: wrapper,
		c:       c,
		log:     log,
	}
	if remover, ok := c.AttrUsers.(interfaces.IndexPairRemover); ok && sameObject(c.AttrUsers, c.UserAttrs) {
		coord.pairs = remover
	}
	if rotations, ok := c.Store.(interfaces.RotationLog); ok {
		coord.rotations = rotations
	}
	return coord
}

func sameObject(a, b any) bool {
	ta := reflect.TypeOf(a)
	if ta == nil || ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

type mintedKey struct {
	version uint64
	length  int
	key     []byte
}

// Revoke removes attribute from user. Every metadata key of the attribute
// is rotated to the next version, the user's keys are purged and the new
// keys are wrapped for the other holders. Revoking an attribute the user
// neither holds in the index nor has keys for is a no-op.
//
// Validation errors are returned before anything is mutated. Collaborator
// errors before redistribution abort the revocation and a retry picks it up
// where it stopped: a user already out of the index whose keys are still
// stored is purged and the holders are reconciled. Failures while serving
// remaining holders do not stop the others and are reported as a
// *RedistributionError; Reconcile brings those holders up to date.
func (c *Coordinator) Revoke(ctx context.Context, user interfaces.UserID, attribute string, overrides LengthOverrides) error {
	if err := interfaces.ValidateFields(attribute, ""); err != nil {
		return err
	}
	lengths, err := c.copyOverrides(overrides)
	if err != nil {
		return err
	}

	holders, err := c.c.AttrUsers.UsersByAttribute(ctx, attribute)
	if err != nil {
		return fmt.Errorf("listing holders of %q: %w", attribute, err)
	}
	held := slices.Contains(holders, user)
	if held {
		if err := c.removePair(ctx, attribute, user); err != nil {
			return err
		}
	} else {
		stale, err := c.c.Store.Metadatas(ctx, user, attribute)
		if err != nil {
			return fmt.Errorf("listing metadata of %s for %q: %w", user, attribute, err)
		}
		if len(stale) == 0 {
			c.log.Debug("user does not hold attribute, nothing to revoke",
				slog.String("user", string(user)), slog.String("attribute", attribute))
			return nil
		}
		c.log.Info("resuming interrupted revocation",
			slog.String("user", string(user)), slog.String("attribute", attribute), slog.Int("metadata", len(stale)))
	}

	minted, err := c.rotate(ctx, user, attribute, lengths)
	defer func() {
		for _, m := range minted {
			cryptoutils.Wipe(m.key)
		}
	}()
	if err != nil {
		return err
	}

	remaining := slices.DeleteFunc(slices.Clone(holders), func(u interfaces.UserID) bool { return u == user })
	failed := c.redistribute(ctx, attribute, remaining, minted)
	if !held {
		// Metadata purged by the interrupted attempt no longer shows up in
		// the user's records, only in the rotation log.
		failed, err = c.catchUp(ctx, attribute)
		if err != nil {
			return err
		}
	}

	c.log.Info("revoked attribute",
		slog.String("user", string(user)),
		slog.String("attribute", attribute),
		slog.Int("rotated", len(minted)),
		slog.Int("holders", len(remaining)),
		slog.Int("failed", len(failed)))

	if len(failed) > 0 {
		return &RedistributionError{Attribute: attribute, Failed: failed}
	}
	return nil
}

// RevokeAllAttributes revokes every attribute user holds, in sorted
// order, stopping at the first error. The attribute list is taken once
// before the first revocation.
func (c *Coordinator) RevokeAllAttributes(ctx context.Context, user interfaces.UserID, overrides LengthOverrides) error {
	if _, err := c.copyOverrides(overrides); err != nil {
		return err
	}

	attributes, err := c.c.UserAttrs.AttributesByUser(ctx, user)
	if err != nil {
		return fmt.Errorf("listing attributes of %s: %w", user, err)
	}
	attributes = slices.Clone(attributes)
	slices.Sort(attributes)

	for _, attribute := range attributes {
		if err := c.Revoke(ctx, user, attribute, overrides); err != nil {
			return fmt.Errorf("revoking %q: %w", attribute, err)
		}
	}
	return nil
}

func (c *Coordinator) copyOverrides(overrides LengthOverrides) (LengthOverrides, error) {
	lengths := make(LengthOverrides, len(overrides))
	for _, metadata := range slices.Sorted(maps.Keys(overrides)) {
		length := overrides[metadata]
		if err := c.deriver.ValidateLength(length); err != nil {
			return nil, fmt.Errorf("override for metadata %q: %w", metadata, err)
		}
		lengths[metadata] = length
	}
	return lengths, nil
}

func (c *Coordinator) removePair(ctx context.Context, attribute string, user interfaces.UserID) error {
	if c.pairs != nil {
		if err := c.pairs.RemovePair(ctx, attribute, user); err != nil {
			return fmt.Errorf("removing %s from %q: %w", user, attribute, err)
		}
		return nil
	}

	if err := c.c.AttrUsers.DeleteUser(ctx, attribute, user); err != nil {
		return fmt.Errorf("removing %s from holders of %q: %w", user, attribute, err)
	}
	if err := c.c.UserAttrs.DeleteAttr(ctx, user, attribute); err != nil {
		return fmt.Errorf("removing %q from attributes of %s: %w", attribute, user, err)
	}
	return nil
}

// rotate mints the next version of every metadata key the revoked user
// holds, records the new versions in the rotation log and then purges the
// user's keys. The next version is above both the user's newest key and
// any recorded rotation. Minted keys are returned even on error so the
// caller can wipe them.
func (c *Coordinator) rotate(ctx context.Context, user interfaces.UserID, attribute string, lengths LengthOverrides) (map[string]mintedKey, error) {
	metadatas, err := c.c.Store.Metadatas(ctx, user, attribute)
	if err != nil {
		return nil, fmt.Errorf("listing metadata of %s for %q: %w", user, attribute, err)
	}

	var recorded map[string]interfaces.VersionInfo
	if c.rotations != nil {
		if recorded, err = c.rotations.Rotations(ctx, attribute); err != nil {
			return nil, fmt.Errorf("reading rotations of %q: %w", attribute, err)
		}
	}

	minted := make(map[string]mintedKey, len(metadatas))
	for _, metadata := range metadatas {
		current, err := c.c.Store.LatestVersion(ctx, user, metadata, attribute)
		if err != nil {
			return minted, fmt.Errorf("latest version of %q/%q for %s: %w", attribute, metadata, user, err)
		}

		length := current.Length
		if override, ok := lengths[metadata]; ok {
			length = override
		}
		version := max(current.Version, recorded[metadata].Version) + 1

		key, err := c.deriver.Generate(attribute, version, metadata, length)
		if err != nil {
			return minted, fmt.Errorf("deriving %q/%q v%d: %w", attribute, metadata, version, err)
		}
		minted[metadata] = mintedKey{version: version, length: length, key: key}
	}

	if c.rotations != nil {
		for _, metadata := range metadatas {
			m := minted[metadata]
			if err := c.rotations.RecordRotation(ctx, attribute, metadata, interfaces.VersionInfo{Version: m.version, Length: m.length}); err != nil {
				return minted, fmt.Errorf("recording rotation of %q/%q: %w", attribute, metadata, err)
			}
		}
	}

	for _, metadata := range metadatas {
		if err := c.c.Store.RemoveRevoked(ctx, user, metadata, attribute); err != nil {
			return minted, fmt.Errorf("removing keys of %s for %q/%q: %w", user, attribute, metadata, err)
		}
	}
	return minted, nil
}

func (c *Coordinator) redistribute(ctx context.Context, attribute string, users []interfaces.UserID, minted map[string]mintedKey) map[interfaces.UserID]error {
	failed := make(map[interfaces.UserID]error)
	if len(minted) == 0 {
		return failed
	}

	for _, user := range users {
		if err := c.redistributeTo(ctx, attribute, user, minted); err != nil {
			c.log.Warn("failed to redistribute rotated key", "err", err,
				slog.String("user", string(user)), slog.String("attribute", attribute))
			failed[user] = err
		}
	}
	return failed
}

func (c *Coordinator) redistributeTo(ctx context.Context, attribute string, user interfaces.UserID, minted map[string]mintedKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	metadatas, err := c.c.Store.Metadatas(ctx, user, attribute)
	if err != nil {
		return fmt.Errorf("listing metadata: %w", err)
	}

	var publicKey interfaces.PublicKey
	for _, metadata := range metadatas {
		m, ok := minted[metadata]
		if !ok {
			continue
		}
		if publicKey == nil {
			if publicKey, err = c.c.PublicKeys.PublicKey(user); err != nil {
				return err
			}
		}

		wrapped, err := c.wrapper.Wrap(m.key, publicKey)
		if err != nil {
			return fmt.Errorf("wrapping %q/%q: %w", attribute, metadata, err)
		}

		record := interfaces.KeyRecord{
			KeyIdentity: interfaces.KeyIdentity{
				Attribute: attribute,
				Version:   m.version,
				Metadata:  metadata,
				Length:    m.length,
			},
			WrappedKey: wrapped,
		}
		if err := c.c.Store.Insert(ctx, user, record); err != nil {
			return fmt.Errorf("storing %s: %w", record.KeyIdentity, err)
		}
	}
	return nil
}

// IsRedistributionError reports whether err is, or wraps, a
// *RedistributionError.
func IsRedistributionError(err error) bool {
	var redistErr *RedistributionError
	return errors.As(err, &redistErr)
}
