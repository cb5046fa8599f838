package index

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/attribute-key-manager/interfaces"
	"github.com/ruteri/attribute-key-manager/storage"
)

// Index is an attribute index that may hold resources.
type Index interface {
	interfaces.AttributeIndex
	interfaces.Closer
}

// Open creates an index from a location URI. Supported schemes are
// memory:// and badger:///path. When store is backed by Badger at the same
// path, the index shares its database so both live in one file set.
func Open(uri string, store *storage.KeyStore, log *slog.Logger) (Index, error) {
	loc, err := interfaces.NewStoreLocation(uri)
	if err != nil {
		return nil, err
	}

	switch loc.Scheme {
	case "memory":
		return NewMemoryIndex(), nil
	case "badger":
		path := loc.Path
		if loc.Host != "" {
			path = loc.Host + "/" + strings.TrimPrefix(loc.Path, "/")
		}
		if store != nil {
			if backend, ok := store.Backend().(*storage.BadgerBackend); ok && backend.Path() == path {
				log.Debug("Sharing badger database between key store and index", slog.String("path", path))
				return NewBadgerIndexWithDB(backend.DB(), log), nil
			}
		}
		return NewBadgerIndex(path, log)
	default:
		return nil, fmt.Errorf("%w: unsupported index scheme %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}
