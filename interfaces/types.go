package interfaces

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// FieldDelimiter separates the fields of a key descriptor, both in the
// derivation input and in configuration files.
const FieldDelimiter = "|"

// UserID identifies a key holder.
type UserID string

// PublicKey is a PEM-encoded recipient public key.
type PublicKey []byte

// PrivateKey is a PEM-encoded recipient private key.
type PrivateKey []byte

// KeyIdentity names one derived attribute key.
type KeyIdentity struct {
	Attribute string `json:"attribute"`
	Version   uint64 `json:"version"`
	Metadata  string `json:"metadata"`
	Length    int    `json:"length"`
}

// Validate checks the fields that can be checked without knowing the
// digest size of the deriver.
func (k KeyIdentity) Validate() error {
	if k.Length < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidKeyLength, k.Length)
	}
	return ValidateFields(k.Attribute, k.Metadata)
}

// String returns the pipe-delimited descriptor form.
func (k KeyIdentity) String() string {
	return strings.Join([]string{
		k.Attribute,
		strconv.FormatUint(k.Version, 10),
		k.Metadata,
		strconv.Itoa(k.Length),
	}, FieldDelimiter)
}

// ParseKeyIdentity parses an "attribute|version|metadata|length" descriptor.
func ParseKeyIdentity(descriptor string) (KeyIdentity, error) {
	parts := strings.Split(strings.TrimSpace(descriptor), FieldDelimiter)
	if len(parts) != 4 {
		return KeyIdentity{}, fmt.Errorf("%w: expected 4 fields in %q, got %d", ErrInvalidDescriptor, descriptor, len(parts))
	}

	version, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return KeyIdentity{}, fmt.Errorf("%w: version %q: %v", ErrInvalidDescriptor, parts[1], err)
	}

	length, err := strconv.Atoi(parts[3])
	if err != nil {
		return KeyIdentity{}, fmt.Errorf("%w: length %q: %v", ErrInvalidDescriptor, parts[3], err)
	}

	id := KeyIdentity{
		Attribute: parts[0],
		Version:   version,
		Metadata:  parts[2],
		Length:    length,
	}
	return id, id.Validate()
}

// ValidateFields rejects attribute or metadata values containing the
// field delimiter.
func ValidateFields(attribute, metadata string) error {
	if strings.Contains(attribute, FieldDelimiter) {
		return fmt.Errorf("%w: attribute %q", ErrDelimiterInField, attribute)
	}
	if strings.Contains(metadata, FieldDelimiter) {
		return fmt.Errorf("%w: metadata %q", ErrDelimiterInField, metadata)
	}
	return nil
}

// KeyRecord is a derived key wrapped for one recipient.
type KeyRecord struct {
	KeyIdentity
	WrappedKey []byte `json:"wrapped_key"`
}

// VersionInfo is the latest version and length stored for an
// (attribute, metadata) pair.
type VersionInfo struct {
	Version uint64
	Length  int
}

// LatestRecord returns the record with the highest version, or false when
// records is empty.
func LatestRecord(records []KeyRecord) (KeyRecord, bool) {
	if len(records) == 0 {
		return KeyRecord{}, false
	}
	latest := records[0]
	for _, r := range records[1:] {
		if r.Version > latest.Version {
			latest = r
		}
	}
	return latest, true
}

// SortedUserIDs returns the user IDs of m in ascending order.
func SortedUserIDs[V any](m map[UserID]V) []UserID {
	ids := make([]UserID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
