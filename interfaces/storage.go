package interfaces

import (
	"context"
	"fmt"
	"net/url"
)

// StoreLocation represents the URI of a key store or index backend.
type StoreLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	Auth   string     // Authentication info
}

// NewStoreLocation creates a new store location from a URI string with validation.
func NewStoreLocation(uri string) (StoreLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StoreLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	scheme := parsed.Scheme
	switch scheme {
	case "memory", "file", "badger", "s3", "vault":
	default:
		return StoreLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return StoreLocation{
		Raw:    uri,
		Scheme: scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI string.
func (loc StoreLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc StoreLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc StoreLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}

// KeyStore persists wrapped key records per user.
//
// Implementations must be safe for concurrent use and must make
// RemoveRevoked idempotent.
type KeyStore interface {
	// BatchInsert stores all of a user's records as a single unit.
	BatchInsert(ctx context.Context, user UserID, records []KeyRecord) error

	// Insert stores one record for a user.
	Insert(ctx context.Context, user UserID, record KeyRecord) error

	// Metadatas lists the metadata values under which user holds attribute.
	Metadatas(ctx context.Context, user UserID, attribute string) ([]string, error)

	// LatestVersion returns the highest stored version for the triple.
	// Returns ErrKeyNotFound when the user holds no such key.
	LatestVersion(ctx context.Context, user UserID, metadata, attribute string) (VersionInfo, error)

	// RemoveRevoked deletes every version of the user's key for the pair.
	RemoveRevoked(ctx context.Context, user UserID, metadata, attribute string) error
}

// RotationLog records the newest version minted for each (attribute,
// metadata) key. Holders that missed a redistribution are found by
// comparing their records against it, even when no holder stored the
// minted version.
type RotationLog interface {
	// RecordRotation notes that target was minted for the pair. Recording a
	// version not above the one already recorded leaves the log unchanged.
	RecordRotation(ctx context.Context, attribute, metadata string, target VersionInfo) error

	// Rotations returns the recorded targets of attribute by metadata.
	Rotations(ctx context.Context, attribute string) (map[string]VersionInfo, error)
}

// KeyReader provides read access to stored records.
type KeyReader interface {
	// Records returns all records of user for attribute, across metadata
	// values and versions.
	Records(ctx context.Context, user UserID, attribute string) ([]KeyRecord, error)
}

// Closer is implemented by stores holding resources.
type Closer interface {
	Close() error
}

// RecordBackend is a hierarchical blob store. Keys are slash-separated
// paths; KeyStore implementations lay records out on top of it.
type RecordBackend interface {
	// Put writes data under key, replacing any previous value.
	Put(ctx context.Context, key string, data []byte) error

	// Get reads the value under key. Returns ErrKeyNotFound when absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns every key starting with prefix, in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)

	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// Available checks if the backend is accessible.
	Available(ctx context.Context) bool

	// Name returns a unique identifier for this backend.
	Name() string

	// LocationURI returns the URI that identifies this backend.
	LocationURI() string
}

// BatchPutter is implemented by backends that can write several keys in
// one transaction.
type BatchPutter interface {
	PutBatch(ctx context.Context, entries map[string][]byte) error
}
