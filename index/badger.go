package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/ruteri/attribute-key-manager/interfaces"
	"github.com/ruteri/attribute-key-manager/storage"
)

// Key layout:
//
//	idx/a2u/<attribute>/<user>
//	idx/u2a/<user>/<attribute>
//
// Values are empty; segments are path-escaped.
const (
	attrUsersPrefix = "idx/a2u/"
	userAttrsPrefix = "idx/u2a/"
)

// BadgerIndex persists both directions of the attribute index in a Badger
// database. Grant and RemovePair update both directions in one
// transaction.
type BadgerIndex struct {
	db     *badger.DB
	ownsDB bool
	log    *slog.Logger
}

// NewBadgerIndex opens its own database at path, in memory when empty.
func NewBadgerIndex(path string, log *slog.Logger) (*BadgerIndex, error) {
	db, err := storage.OpenBadger(path)
	if err != nil {
		return nil, err
	}
	x := NewBadgerIndexWithDB(db, log)
	x.ownsDB = true
	return x, nil
}

// NewBadgerIndexWithDB shares db, typically with a storage.BadgerBackend,
// so keys and index live in one database.
func NewBadgerIndexWithDB(db *badger.DB, log *slog.Logger) *BadgerIndex {
	return &BadgerIndex{
		db:  db,
		log: log,
	}
}

func attrUserKey(attribute string, user interfaces.UserID) []byte {
	return []byte(attrUsersPrefix + url.PathEscape(attribute) + "/" + url.PathEscape(string(user)))
}

func userAttrKey(user interfaces.UserID, attribute string) []byte {
	return []byte(userAttrsPrefix + url.PathEscape(string(user)) + "/" + url.PathEscape(attribute))
}

func (x *BadgerIndex) Grant(ctx context.Context, user interfaces.UserID, attribute string) error {
	err := x.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(attrUserKey(attribute, user), nil); err != nil {
			return err
		}
		return txn.Set(userAttrKey(user, attribute), nil)
	})
	if err != nil {
		return fmt.Errorf("grant %s to %s: %w", attribute, user, err)
	}
	return nil
}

func (x *BadgerIndex) UsersByAttribute(ctx context.Context, attribute string) ([]interfaces.UserID, error) {
	var users []interfaces.UserID
	err := x.scan(attrUsersPrefix+url.PathEscape(attribute)+"/", func(_, second string) {
		users = append(users, interfaces.UserID(second))
	})
	if err != nil {
		return nil, fmt.Errorf("users of %s: %w", attribute, err)
	}
	return users, nil
}

func (x *BadgerIndex) AttributesByUser(ctx context.Context, user interfaces.UserID) ([]string, error) {
	var attrs []string
	err := x.scan(userAttrsPrefix+url.PathEscape(string(user))+"/", func(_, second string) {
		attrs = append(attrs, second)
	})
	if err != nil {
		return nil, fmt.Errorf("attributes of %s: %w", user, err)
	}
	return attrs, nil
}

// RemovePair removes both directions in one transaction.
func (x *BadgerIndex) RemovePair(ctx context.Context, attribute string, user interfaces.UserID) error {
	err := x.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(attrUserKey(attribute, user)); err != nil {
			return err
		}
		return txn.Delete(userAttrKey(user, attribute))
	})
	if err != nil {
		return fmt.Errorf("remove %s from %s: %w", attribute, user, err)
	}
	return nil
}

func (x *BadgerIndex) DeleteUser(ctx context.Context, attribute string, user interfaces.UserID) error {
	err := x.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(attrUserKey(attribute, user))
	})
	if err != nil {
		return fmt.Errorf("delete user %s from %s: %w", user, attribute, err)
	}
	return nil
}

func (x *BadgerIndex) DeleteAttr(ctx context.Context, user interfaces.UserID, attribute string) error {
	err := x.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(userAttrKey(user, attribute))
	})
	if err != nil {
		return fmt.Errorf("delete attribute %s from %s: %w", attribute, user, err)
	}
	return nil
}

func (x *BadgerIndex) Attributes(ctx context.Context) ([]string, error) {
	var attrs []string
	err := x.scan(attrUsersPrefix, func(first, _ string) {
		attrs = append(attrs, first)
	})
	if err != nil {
		return nil, fmt.Errorf("list attributes: %w", err)
	}
	return slices.Compact(attrs), nil
}

func (x *BadgerIndex) Users(ctx context.Context) ([]interfaces.UserID, error) {
	var users []interfaces.UserID
	err := x.scan(userAttrsPrefix, func(first, _ string) {
		users = append(users, interfaces.UserID(first))
	})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return slices.Compact(users), nil
}

// scan visits the unescaped two segments following the direction prefix
// of every key under prefix. Results come back sorted by the unescaped
// values.
func (x *BadgerIndex) scan(prefix string, visit func(first, second string)) error {
	dirPrefix := prefix[:len(attrUsersPrefix)]
	type pair struct{ first, second string }
	var pairs []pair

	err := x.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			key := string(it.Item().Key())
			escFirst, escSecond, ok := strings.Cut(strings.TrimPrefix(key, dirPrefix), "/")
			if !ok {
				x.log.Warn("skipping malformed index key", slog.String("key", key))
				continue
			}
			first, err1 := url.PathUnescape(escFirst)
			second, err2 := url.PathUnescape(escSecond)
			if err := errors.Join(err1, err2); err != nil {
				x.log.Warn("skipping malformed index key", slog.String("key", key), "err", err)
				continue
			}
			pairs = append(pairs, pair{first, second})
		}
		return nil
	})
	if err != nil {
		return err
	}

	slices.SortFunc(pairs, func(a, b pair) int {
		if c := strings.Compare(a.first, b.first); c != 0 {
			return c
		}
		return strings.Compare(a.second, b.second)
	})
	for _, p := range pairs {
		visit(p.first, p.second)
	}
	return nil
}

// Close closes the database when this index opened it.
func (x *BadgerIndex) Close() error {
	if !x.ownsDB {
		return nil
	}
	return x.db.Close()
}
