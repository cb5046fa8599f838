package kms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/attribute-key-manager/cryptoutils"
	"github.com/ruteri/attribute-key-manager/interfaces"
)

type holderVersion struct {
	user    interfaces.UserID
	current interfaces.VersionInfo
}

// Reconcile brings every holder of attribute up to the newest version of
// each metadata key they hold. The newest version is the highest one any
// holder stores or the store's rotation log recorded. Keys are re-derived,
// so a holder that missed a redistribution receives the same key the
// others got. Returns the number of records issued.
func (c *Coordinator) Reconcile(ctx context.Context, attribute string) (int, error) {
	if err := interfaces.ValidateFields(attribute, ""); err != nil {
		return 0, err
	}

	holders, err := c.c.AttrUsers.UsersByAttribute(ctx, attribute)
	if err != nil {
		return 0, fmt.Errorf("listing holders of %q: %w", attribute, err)
	}

	byMetadata := make(map[string][]holderVersion)
	newest := make(map[string]interfaces.VersionInfo)
	for _, user := range holders {
		metadatas, err := c.c.Store.Metadatas(ctx, user, attribute)
		if err != nil {
			return 0, fmt.Errorf("listing metadata of %s for %q: %w", user, attribute, err)
		}
		for _, metadata := range metadatas {
			current, err := c.c.Store.LatestVersion(ctx, user, metadata, attribute)
			if errors.Is(err, interfaces.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return 0, fmt.Errorf("latest version of %q/%q for %s: %w", attribute, metadata, user, err)
			}
			byMetadata[metadata] = append(byMetadata[metadata], holderVersion{user: user, current: current})
			if n, ok := newest[metadata]; !ok || current.Version > n.Version {
				newest[metadata] = current
			}
		}
	}

	if c.rotations != nil {
		recorded, err := c.rotations.Rotations(ctx, attribute)
		if err != nil {
			return 0, fmt.Errorf("reading rotations of %q: %w", attribute, err)
		}
		for metadata, target := range recorded {
			if n, ok := newest[metadata]; ok && target.Version > n.Version {
				newest[metadata] = target
			}
		}
	}

	issued := 0
	failed := make(map[interfaces.UserID]error)
	for metadata, target := range newest {
		var key []byte
		for _, h := range byMetadata[metadata] {
			if h.current.Version >= target.Version {
				continue
			}
			if _, skip := failed[h.user]; skip {
				continue
			}
			if key == nil {
				if key, err = c.deriver.Generate(attribute, target.Version, metadata, target.Length); err != nil {
					return issued, fmt.Errorf("deriving %q/%q v%d: %w", attribute, metadata, target.Version, err)
				}
			}
			if err := c.issue(ctx, h.user, attribute, metadata, target, key); err != nil {
				c.log.Warn("failed to reconcile holder", "err", err,
					slog.String("user", string(h.user)), slog.String("attribute", attribute), slog.String("metadata", metadata))
				failed[h.user] = err
				continue
			}
			issued++
		}
		cryptoutils.Wipe(key)
	}

	c.log.Info("reconciled attribute", slog.String("attribute", attribute), slog.Int("issued", issued), slog.Int("failed", len(failed)))

	if len(failed) > 0 {
		return issued, &RedistributionError{Attribute: attribute, Failed: failed}
	}
	return issued, nil
}

func (c *Coordinator) issue(ctx context.Context, user interfaces.UserID, attribute, metadata string, target interfaces.VersionInfo, key []byte) error {
	publicKey, err := c.c.PublicKeys.PublicKey(user)
	if err != nil {
		return err
	}
	wrapped, err := c.wrapper.Wrap(key, publicKey)
	if err != nil {
		return fmt.Errorf("wrapping %q/%q: %w", attribute, metadata, err)
	}
	record := interfaces.KeyRecord{
		KeyIdentity: interfaces.KeyIdentity{
			Attribute: attribute,
			Version:   target.Version,
			Metadata:  metadata,
			Length:    target.Length,
		},
		WrappedKey: wrapped,
	}
	if err := c.c.Store.Insert(ctx, user, record); err != nil {
		return fmt.Errorf("storing %s: %w", record.KeyIdentity, err)
	}
	return nil
}

// catchUp reconciles attribute and returns the holders it could not serve.
func (c *Coordinator) catchUp(ctx context.Context, attribute string) (map[interfaces.UserID]error, error) {
	if _, err := c.Reconcile(ctx, attribute); err != nil {
		var redistErr *RedistributionError
		if errors.As(err, &redistErr) {
			return redistErr.Failed, nil
		}
		return nil, err
	}
	return map[interfaces.UserID]error{}, nil
}
