package interfaces

import "errors"

var (
	// ErrInvalidKeyLength is returned for a negative key length or one larger
	// than 255 times the digest size of the derivation hash.
	ErrInvalidKeyLength = errors.New("invalid key length")

	// ErrDelimiterInField is returned when an attribute or metadata value
	// contains the field delimiter.
	ErrDelimiterInField = errors.New("field contains delimiter")

	// ErrInvalidDescriptor is returned for a malformed key descriptor.
	ErrInvalidDescriptor = errors.New("invalid key descriptor")

	// ErrMasterSecretTooShort is returned when the master secret is shorter
	// than the digest size of the derivation hash.
	ErrMasterSecretTooShort = errors.New("master secret shorter than digest size")

	// ErrDeriverDestroyed is returned by a deriver whose master secret was wiped.
	ErrDeriverDestroyed = errors.New("key deriver destroyed")

	// ErrSealed is returned while the master secret has not been reconstructed.
	ErrSealed = errors.New("master secret is sealed")

	// ErrUnknownUser is returned when no public key is known for a user.
	ErrUnknownUser = errors.New("unknown user")

	// ErrKeyNotFound is returned when a requested key record does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	// This could be due to network issues, authentication failures, or service outages.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a store location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid storage location URI")

	// ErrUnsupportedScheme is returned for an unknown key wrapping scheme.
	ErrUnsupportedScheme = errors.New("unsupported wrapping scheme")
)
