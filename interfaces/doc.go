// Package interfaces defines the core types and collaborator contracts of the
// attribute key manager, separating interface definitions from their
// implementations.
//
// # Data Model
//
//   - KeyIdentity: (attribute, version, metadata, length) naming one derived key
//   - KeyRecord: a KeyIdentity plus the key bytes wrapped under a user's public key
//   - VersionInfo: the latest (version, length) stored for an attribute/metadata
//   - UserID, PublicKey, PrivateKey: user identity and PEM-encoded key material
//
// # Storage Interfaces
//
// KeyStore: persists wrapped key records per user. A key store never holds a
// plaintext key, only wrapped key bytes.
//
// KeyReader: read access to stored records, used by tooling and tests.
//
// # Index Interfaces
//
// AttrUserIndex and UserAttrIndex answer "who holds this attribute" and
// "which attributes does this user hold". Both queries return snapshots; the
// caller owns the returned slice. Implementations keep the two indices as
// mirror images of each other. IndexPairRemover removes one (attribute, user)
// pair from both sides in a single transaction.
//
// # Cryptographic Interfaces
//
// Wrapper and Unwrapper wrap a short symmetric key under a recipient public
// key and recover it with the matching private key. PublicKeyDirectory
// resolves a user's public key for redistribution.
//
// # Error Types
//
// Validation errors (ErrInvalidKeyLength, ErrDelimiterInField) are returned
// before any state is mutated. Storage errors (ErrKeyNotFound,
// ErrBackendUnavailable, ErrInvalidLocationURI) are returned by key stores
// and indices and are propagated unmodified by the core.
package interfaces
