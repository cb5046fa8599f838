package kms

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ruteri/attribute-key-manager/cryptoutils"
	"github.com/ruteri/attribute-key-manager/interfaces"
)

// UserKeys is the initial key assignment of one user.
type UserKeys struct {
	PublicKey interfaces.PublicKey
	Keys      []interfaces.KeyIdentity
}

// Distributor derives the initial keys of a set of users and stores them
// wrapped under each user's public key.
type Distributor struct {
	deriver *KeyDeriver
	wrapper interfaces.Wrapper
	log     *slog.Logger
}

func NewDistributor(deriver *KeyDeriver, wrapper interfaces.Wrapper, log *slog.Logger) *Distributor {
	return &Distributor{
		deriver: deriver,
		wrapper: wrapper,
		log:     log,
	}
}

// Validate checks every descriptor of users against the deriver.
func (d *Distributor) Validate(users map[interfaces.UserID]UserKeys) error {
	for _, user := range interfaces.SortedUserIDs(users) {
		for _, id := range users[user].Keys {
			if err := d.deriver.Validate(id); err != nil {
				return fmt.Errorf("user %s: %w", user, err)
			}
		}
	}
	return nil
}

// InitializeUsers derives, wraps and stores every listed key. All
// descriptors are validated before anything is derived. Users are handled
// in ID order with one BatchInsert each; on error, users already stored
// are kept.
func (d *Distributor) InitializeUsers(ctx context.Context, users map[interfaces.UserID]UserKeys, store interfaces.KeyStore) error {
	if err := d.Validate(users); err != nil {
		return err
	}

	userIDs := interfaces.SortedUserIDs(users)

	for _, user := range userIDs {
		if err := ctx.Err(); err != nil {
			return err
		}

		assignment := users[user]
		records := make([]interfaces.KeyRecord, 0, len(assignment.Keys))
		for _, id := range assignment.Keys {
			wrapped, err := d.deriveAndWrap(id, assignment.PublicKey)
			if err != nil {
				return fmt.Errorf("user %s, key %s: %w", user, id, err)
			}
			records = append(records, interfaces.KeyRecord{KeyIdentity: id, WrappedKey: wrapped})
		}

		if err := store.BatchInsert(ctx, user, records); err != nil {
			d.log.Error("failed to store user keys", "err", err, slog.String("user", string(user)))
			return fmt.Errorf("user %s: %w", user, err)
		}

		d.log.Debug("initialized user keys", slog.String("user", string(user)), slog.Int("keys", len(records)))
	}

	d.log.Info("initialized users", slog.Int("users", len(userIDs)))
	return nil
}

func (d *Distributor) deriveAndWrap(id interfaces.KeyIdentity, recipient interfaces.PublicKey) ([]byte, error) {
	key, err := d.deriver.GenerateIdentity(id)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(key)

	return d.wrapper.Wrap(key, recipient)
}
