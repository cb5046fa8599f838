package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ruteri/attribute-key-manager/kms"
)

// AdminsFile lists the administrators allowed to unseal and to call the
// admin API. JSON documents are accepted as well.
//
//	admins:
//	  - id: <hex sha256 of pubkey>
//	    pubkey: |
//	      -----BEGIN PUBLIC KEY-----
//	      ...
type AdminsFile struct {
	Admins []AdminEntry `yaml:"admins" json:"admins"`
}

type AdminEntry struct {
	ID     string `yaml:"id" json:"id"`
	PubKey string `yaml:"pubkey" json:"pubkey"`
}

// NewAdminsFile builds the file for the given public key PEMs.
func NewAdminsFile(pubKeys [][]byte) AdminsFile {
	var f AdminsFile
	for _, pk := range pubKeys {
		f.Admins = append(f.Admins, AdminEntry{ID: kms.AdminFingerprint(pk), PubKey: string(pk)})
	}
	return f
}

// LoadAdmins reads an admins file and returns the public key PEMs. An id,
// when present, must match the key fingerprint.
func LoadAdmins(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read admins file: %w", err)
	}

	var f AdminsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse admins file: %w", err)
	}
	if len(f.Admins) == 0 {
		return nil, errors.New("no admins configured")
	}

	keys := make([][]byte, 0, len(f.Admins))
	for i, admin := range f.Admins {
		pk := []byte(admin.PubKey)
		if admin.ID != "" && admin.ID != kms.AdminFingerprint(pk) {
			return nil, fmt.Errorf("admin %d: id %s does not match public key", i, admin.ID)
		}
		keys = append(keys, pk)
	}
	return keys, nil
}

// ShareFile holds one Shamir share of the master secret. Exactly one of
// Share and EncryptedShare is set, both base64.
type ShareFile struct {
	ShareIndex     int    `yaml:"share_index"`
	AdminID        string `yaml:"admin_id,omitempty"`
	Share          string `yaml:"share,omitempty"`
	EncryptedShare string `yaml:"encrypted_share,omitempty"`
}

// Decode returns the share bytes, decrypting with decrypt when the share
// is encrypted.
func (s ShareFile) Decode(decrypt func([]byte) ([]byte, error)) ([]byte, error) {
	if s.EncryptedShare == "" {
		return base64.StdEncoding.DecodeString(s.Share)
	}
	if decrypt == nil {
		return nil, errors.New("share is encrypted")
	}
	encrypted, err := base64.StdEncoding.DecodeString(s.EncryptedShare)
	if err != nil {
		return nil, err
	}
	return decrypt(encrypted)
}

func WriteShareFile(path string, share ShareFile) error {
	data, err := yaml.Marshal(share)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func ReadShareFile(path string) (ShareFile, error) {
	var share ShareFile
	data, err := os.ReadFile(path)
	if err != nil {
		return share, err
	}
	if err := yaml.Unmarshal(data, &share); err != nil {
		return share, fmt.Errorf("failed to parse share file: %w", err)
	}
	return share, nil
}

// WriteAdminsFile writes f as YAML.
func WriteAdminsFile(path string, f AdminsFile) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
