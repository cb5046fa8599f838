package storage

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ruteri/attribute-key-manager/interfaces"
)

// Record keys have the form
//
//	users/<user>/<attribute>/<metadata>/<version>
//
// with each variable segment path-escaped and the version zero padded so
// lexical order is version order.
const usersRoot = "users/"

// Rotation targets live under
//
//	rotations/<attribute>/<metadata>
const rotationsRoot = "rotations/"

const versionWidth = 20

// emptySegment stands for the empty string. A lone '%' is never produced
// by escaping.
const emptySegment = "%"

// escapeSegment path-escapes s, including dots so that no segment can
// read as "." or ".." on a file system.
func escapeSegment(s string) string {
	if s == "" {
		return emptySegment
	}
	return strings.ReplaceAll(url.PathEscape(s), ".", "%2E")
}

func unescapeSegment(s string) (string, error) {
	if s == emptySegment {
		return "", nil
	}
	return url.PathUnescape(s)
}

func userAttributePrefix(user interfaces.UserID, attribute string) string {
	return usersRoot + escapeSegment(string(user)) + "/" + escapeSegment(attribute) + "/"
}

func metadataPrefix(user interfaces.UserID, attribute, metadata string) string {
	return userAttributePrefix(user, attribute) + escapeSegment(metadata) + "/"
}

func recordKey(user interfaces.UserID, id interfaces.KeyIdentity) string {
	return metadataPrefix(user, id.Attribute, id.Metadata) + fmt.Sprintf("%0*d", versionWidth, id.Version)
}

func rotationPrefix(attribute string) string {
	return rotationsRoot + escapeSegment(attribute) + "/"
}

func rotationKey(attribute, metadata string) string {
	return rotationPrefix(attribute) + escapeSegment(metadata)
}

// parseRecordKey splits a key below userAttributePrefix into its metadata
// and version.
func parseRecordKey(prefix, key string) (metadata string, version uint64, err error) {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok {
		return "", 0, fmt.Errorf("key %q outside prefix %q", key, prefix)
	}
	escMetadata, escVersion, ok := strings.Cut(rest, "/")
	if !ok || strings.Contains(escVersion, "/") {
		return "", 0, fmt.Errorf("malformed record key %q", key)
	}
	metadata, err = unescapeSegment(escMetadata)
	if err != nil {
		return "", 0, fmt.Errorf("malformed record key %q: %w", key, err)
	}
	version, err = strconv.ParseUint(escVersion, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed record key %q: %w", key, err)
	}
	return metadata, version, nil
}
