// Package config loads the user configuration file consumed by the init
// command and the admin server.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ruteri/attribute-key-manager/cryptoutils"
	"github.com/ruteri/attribute-key-manager/interfaces"
	"github.com/ruteri/attribute-key-manager/kms"
)

var (
	// ErrNoUsers is returned for a configuration file without users.
	ErrNoUsers = errors.New("no users configured")

	// ErrMissingPublicKey is returned when a user entry has no public_key.
	ErrMissingPublicKey = errors.New("missing public_key")
)

// UserEntry is one user of the configuration file.
//
//	alice:
//	  public_key: keys/alice.pem
//	  key_info: |
//	    admin|1|enc|16
//	    read|0||32
type UserEntry struct {
	PublicKey string `yaml:"public_key"`
	KeyInfo   string `yaml:"key_info"`
}

// File is the on-disk layout of the user configuration.
type File struct {
	Scheme string                          `yaml:"scheme"`
	Users  map[interfaces.UserID]UserEntry `yaml:"users"`
}

// Users is a loaded configuration: the wrapping scheme and, per user, the
// public key and the initial key descriptors.
type Users struct {
	Scheme string
	Keys   map[interfaces.UserID]kms.UserKeys
}

// PublicKeys returns the public key of every configured user.
func (u *Users) PublicKeys() interfaces.PublicKeyMap {
	keys := make(interfaces.PublicKeyMap, len(u.Keys))
	for id, k := range u.Keys {
		keys[id] = k.PublicKey
	}
	return keys
}

// Wrapper returns the key wrapper of the configured scheme.
func (u *Users) Wrapper() (cryptoutils.KeyWrapper, error) {
	return cryptoutils.WrapperFor(u.Scheme)
}

// LoadUsers reads the configuration file at path. Public key paths are
// resolved relative to the directory of the file.
func LoadUsers(path string) (*Users, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read user configuration: %w", err)
	}
	return ParseUsers(data, filepath.Dir(path))
}

// ParseUsers parses a configuration document. Relative public key paths
// are resolved against baseDir.
func ParseUsers(data []byte, baseDir string) (*Users, error) {
	var file File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse user configuration: %w", err)
	}
	if len(file.Users) == 0 {
		return nil, ErrNoUsers
	}
	if _, err := cryptoutils.WrapperFor(file.Scheme); err != nil {
		return nil, err
	}

	users := &Users{
		Scheme: file.Scheme,
		Keys:   make(map[interfaces.UserID]kms.UserKeys, len(file.Users)),
	}
	if users.Scheme == "" {
		users.Scheme = cryptoutils.DefaultScheme
	}

	for _, id := range interfaces.SortedUserIDs(file.Users) {
		entry := file.Users[id]
		if entry.PublicKey == "" {
			return nil, fmt.Errorf("user %s: %w", id, ErrMissingPublicKey)
		}

		keyPath := entry.PublicKey
		if !filepath.IsAbs(keyPath) {
			keyPath = filepath.Join(baseDir, keyPath)
		}
		pk, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("user %s: failed to read public key: %w", id, err)
		}

		descriptors, err := ParseKeyInfo(entry.KeyInfo)
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", id, err)
		}

		users.Keys[id] = kms.UserKeys{
			PublicKey: interfaces.PublicKey(pk),
			Keys:      descriptors,
		}
	}
	return users, nil
}

// ParseKeyInfo parses newline-separated key descriptors. Blank lines and
// lines starting with '#' are skipped.
func ParseKeyInfo(keyInfo string) ([]interfaces.KeyIdentity, error) {
	var ids []interfaces.KeyIdentity
	for n, line := range strings.Split(keyInfo, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, err := interfaces.ParseKeyIdentity(line)
		if err != nil {
			return nil, fmt.Errorf("key_info line %d: %w", n+1, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Attributes returns the distinct attributes of keys.
func Attributes(keys []interfaces.KeyIdentity) []string {
	seen := make(map[string]struct{}, len(keys))
	var attrs []string
	for _, k := range keys {
		if _, ok := seen[k.Attribute]; ok {
			continue
		}
		seen[k.Attribute] = struct{}{}
		attrs = append(attrs, k.Attribute)
	}
	return attrs
}
