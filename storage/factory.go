package storage

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/attribute-key-manager/interfaces"
)

// BackendFactory creates record backends and key stores from URI strings
// and manages multi-backend configurations for redundant storage.
type BackendFactory struct {
	log *slog.Logger
}

// NewBackendFactory creates a new factory instance.
func NewBackendFactory(logger *slog.Logger) *BackendFactory {
	return &BackendFactory{
		log: logger,
	}
}

// BackendFor creates a record backend from a location URI.
// The URI format should be [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - memory://name - in-process memory
//   - file:///path - local filesystem
//   - badger:///path - embedded Badger database (badger:// alone is in memory)
//   - vault://host:port/mount/path?token=...&tls=false - Vault KV v2
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=...&endpoint=... - S3 or compatible
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (f *BackendFactory) BackendFor(uri string) (interfaces.RecordBackend, error) {
	loc, err := interfaces.NewStoreLocation(uri)
	if err != nil {
		return nil, err
	}

	switch loc.Scheme {
	case "memory":
		return NewMemoryBackend(loc.Host), nil
	case "file":
		return f.createFileBackend(loc)
	case "badger":
		return NewBadgerBackend(localPath(loc), f.log)
	case "vault":
		return f.createVaultBackend(loc)
	case "s3":
		return f.createS3Backend(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// KeyStoreFor builds a KeyStore over one backend, or over a MultiBackend
// when several URIs are given.
func (f *BackendFactory) KeyStoreFor(uris ...string) (*KeyStore, error) {
	switch len(uris) {
	case 0:
		return nil, fmt.Errorf("%w: no storage location configured", interfaces.ErrInvalidLocationURI)
	case 1:
		backend, err := f.BackendFor(uris[0])
		if err != nil {
			return nil, err
		}
		return NewKeyStore(backend, f.log), nil
	default:
		backend, err := f.CreateMultiBackend(uris)
		if err != nil {
			return nil, err
		}
		return NewKeyStore(backend, f.log), nil
	}
}

// CreateMultiBackend creates a mirrored backend from a list of location URIs.
// Unlike a content-addressed store, a key store must not silently lose a
// mirror, so every URI has to produce a backend.
func (f *BackendFactory) CreateMultiBackend(uris []string) (*MultiBackend, error) {
	backends := make([]interfaces.RecordBackend, 0, len(uris))

	for _, uri := range uris {
		backend, err := f.BackendFor(uri)
		if err != nil {
			f.log.Error("Failed to create storage backend", "err", err, slog.String("locationURI", uri))
			return nil, fmt.Errorf("backend %s: %w", uri, err)
		}
		backends = append(backends, backend)
	}

	return NewMultiBackend(backends, f.log), nil
}

// localPath joins host and path so that both file:///abs and file://./rel
// work.
func localPath(loc interfaces.StoreLocation) string {
	if loc.Host == "" {
		return loc.Path
	}
	return loc.Host + "/" + strings.TrimPrefix(loc.Path, "/")
}

// createFileBackend creates a file system backend.
// URI format: file:///absolute/path/ or file://./relative/path/
func (f *BackendFactory) createFileBackend(loc interfaces.StoreLocation) (interfaces.RecordBackend, error) {
	f.log.Debug("Creating file backend", slog.String("uri", loc.String()))

	path := localPath(loc)
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI: %s", interfaces.ErrInvalidLocationURI, loc)
	}
	return NewFileBackend(path, f.log)
}

// createVaultBackend creates a Vault KV v2 backend.
// URI format: vault://host:port/mount/path?token=...&tls=false
// The first path segment is the mount, the rest the data path. Without a
// token parameter the client falls back to VAULT_TOKEN.
func (f *BackendFactory) createVaultBackend(loc interfaces.StoreLocation) (interfaces.RecordBackend, error) {
	f.log.Debug("Creating Vault backend", slog.String("host", loc.Host))

	mount, dataPath, _ := strings.Cut(strings.Trim(loc.Path, "/"), "/")
	if loc.Host == "" || mount == "" {
		return nil, fmt.Errorf("%w: vault URI needs host and mount", interfaces.ErrInvalidLocationURI)
	}
	if dataPath == "" {
		dataPath = "keymanager"
	}

	scheme := "https"
	if loc.GetParam("tls") == "false" {
		scheme = "http"
	}

	return NewVaultBackend(scheme+"://"+loc.Host, mount, dataPath, loc.GetParam("token"), f.log)
}

// createS3Backend creates an S3 or S3-compatible backend.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/path/?region=us-west-2&endpoint=custom.s3.com
func (f *BackendFactory) createS3Backend(loc interfaces.StoreLocation) (interfaces.RecordBackend, error) {
	f.log.Debug("Creating S3 backend", slog.String("bucket", loc.Host))

	if loc.Host == "" {
		return nil, fmt.Errorf("%w: missing bucket in s3 URI", interfaces.ErrInvalidLocationURI)
	}

	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if loc.Auth != "" {
		accessKey, secretKey, _ = strings.Cut(loc.Auth, ":")
	}

	return NewS3Backend(loc.Host, strings.TrimPrefix(loc.Path, "/"), region, loc.GetParam("endpoint"), accessKey, secretKey, f.log)
}
