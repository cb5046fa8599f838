// Package storage persists wrapped attribute keys.
//
// KeyStore implements the key store interfaces on top of any
// interfaces.RecordBackend, a small hierarchical blob store. Records live
// under
//
//	users/<user>/<attribute>/<metadata>/<version>
//
// so listing a user's metadata values, finding the latest version and
// purging a revoked user's keys are prefix operations.
//
// # Backends
//
// Backends are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - memory:// - process memory, for tests and dry runs
//   - file:///var/lib/keymanager/keys - one file per record
//   - badger:///var/lib/keymanager/db - embedded Badger database, batch inserts are transactional
//   - vault://vault.example.com:8200/secret/keymanager?token=... - Vault KV v2
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-west-2&endpoint=...
//
// Several URIs can be combined with CreateMultiBackend: writes go to every
// backend, reads are served by the first available one.
package storage
