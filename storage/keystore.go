package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/ruteri/attribute-key-manager/interfaces"
)

// KeyStore implements interfaces.KeyStore and interfaces.KeyReader on top
// of any RecordBackend. Records are JSON encoded; only wrapped keys are
// ever written.
type KeyStore struct {
	backend interfaces.RecordBackend
	log     *slog.Logger
}

// NewKeyStore lays key records out on backend.
func NewKeyStore(backend interfaces.RecordBackend, log *slog.Logger) *KeyStore {
	return &KeyStore{
		backend: backend,
		log:     log,
	}
}

// Backend returns the underlying record backend.
func (s *KeyStore) Backend() interfaces.RecordBackend {
	return s.backend
}

// BatchInsert stores all records of user. Backends implementing
// interfaces.BatchPutter write them in one transaction.
func (s *KeyStore) BatchInsert(ctx context.Context, user interfaces.UserID, records []interfaces.KeyRecord) error {
	entries := make(map[string][]byte, len(records))
	for _, record := range records {
		if err := record.Validate(); err != nil {
			return err
		}
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to encode record %s: %w", record.KeyIdentity, err)
		}
		entries[recordKey(user, record.KeyIdentity)] = data
	}

	if batcher, ok := s.backend.(interfaces.BatchPutter); ok {
		return batcher.PutBatch(ctx, entries)
	}

	for _, key := range slices.Sorted(maps.Keys(entries)) {
		if err := s.backend.Put(ctx, key, entries[key]); err != nil {
			return err
		}
	}
	return nil
}

// Insert stores one record of user.
func (s *KeyStore) Insert(ctx context.Context, user interfaces.UserID, record interfaces.KeyRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", record.KeyIdentity, err)
	}
	return s.backend.Put(ctx, recordKey(user, record.KeyIdentity), data)
}

// Metadatas lists, sorted, the metadata values under which user holds
// attribute.
func (s *KeyStore) Metadatas(ctx context.Context, user interfaces.UserID, attribute string) ([]string, error) {
	prefix := userAttributePrefix(user, attribute)
	keys, err := s.backend.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	metadatas := make([]string, 0, len(keys))
	for _, key := range keys {
		metadata, _, err := parseRecordKey(prefix, key)
		if err != nil {
			s.log.Warn("skipping malformed record key", "err", err, slog.String("backend", s.backend.Name()))
			continue
		}
		metadatas = append(metadatas, metadata)
	}
	slices.Sort(metadatas)
	return slices.Compact(metadatas), nil
}

// LatestVersion returns the version and length of the newest record for
// the triple, or ErrKeyNotFound.
func (s *KeyStore) LatestVersion(ctx context.Context, user interfaces.UserID, metadata, attribute string) (interfaces.VersionInfo, error) {
	prefix := metadataPrefix(user, attribute, metadata)
	keys, err := s.backend.List(ctx, prefix)
	if err != nil {
		return interfaces.VersionInfo{}, err
	}

	var (
		latestKey string
		found     bool
		latest    uint64
	)
	parent := userAttributePrefix(user, attribute)
	for _, key := range keys {
		_, version, err := parseRecordKey(parent, key)
		if err != nil {
			continue
		}
		if !found || version > latest {
			latestKey, latest, found = key, version, true
		}
	}
	if !found {
		return interfaces.VersionInfo{}, fmt.Errorf("%w: %s %s/%s", interfaces.ErrKeyNotFound, user, attribute, metadata)
	}

	record, err := s.get(ctx, latestKey)
	if err != nil {
		return interfaces.VersionInfo{}, err
	}
	return interfaces.VersionInfo{Version: record.Version, Length: record.Length}, nil
}

// RemoveRevoked deletes every version of user's key for the pair. Removing
// keys that do not exist is not an error.
func (s *KeyStore) RemoveRevoked(ctx context.Context, user interfaces.UserID, metadata, attribute string) error {
	return s.backend.DeletePrefix(ctx, metadataPrefix(user, attribute, metadata))
}

// Records returns all records of user for attribute. Versions of one
// metadata value are in ascending order.
func (s *KeyStore) Records(ctx context.Context, user interfaces.UserID, attribute string) ([]interfaces.KeyRecord, error) {
	keys, err := s.backend.List(ctx, userAttributePrefix(user, attribute))
	if err != nil {
		return nil, err
	}

	records := make([]interfaces.KeyRecord, 0, len(keys))
	for _, key := range keys {
		record, err := s.get(ctx, key)
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			// Removed between List and Get.
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// RecordRotation stores target as the rotation target of the pair unless
// a higher version is already recorded.
func (s *KeyStore) RecordRotation(ctx context.Context, attribute, metadata string, target interfaces.VersionInfo) error {
	key := rotationKey(attribute, metadata)
	current, err := s.getRotation(ctx, key)
	switch {
	case errors.Is(err, interfaces.ErrKeyNotFound):
	case err != nil:
		return err
	case current.Version >= target.Version:
		return nil
	}

	data, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("failed to encode rotation %s/%s: %w", attribute, metadata, err)
	}
	return s.backend.Put(ctx, key, data)
}

// Rotations returns the rotation targets recorded for attribute.
func (s *KeyStore) Rotations(ctx context.Context, attribute string) (map[string]interfaces.VersionInfo, error) {
	prefix := rotationPrefix(attribute)
	keys, err := s.backend.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	targets := make(map[string]interfaces.VersionInfo, len(keys))
	for _, key := range keys {
		escMetadata := strings.TrimPrefix(key, prefix)
		metadata, err := unescapeSegment(escMetadata)
		if err != nil || strings.Contains(escMetadata, "/") {
			s.log.Warn("skipping malformed rotation key", slog.String("key", key), slog.String("backend", s.backend.Name()))
			continue
		}
		target, err := s.getRotation(ctx, key)
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		targets[metadata] = target
	}
	return targets, nil
}

func (s *KeyStore) getRotation(ctx context.Context, key string) (interfaces.VersionInfo, error) {
	data, err := s.backend.Get(ctx, key)
	if err != nil {
		return interfaces.VersionInfo{}, err
	}
	var target interfaces.VersionInfo
	if err := json.Unmarshal(data, &target); err != nil {
		return interfaces.VersionInfo{}, fmt.Errorf("failed to decode rotation %s: %w", key, err)
	}
	return target, nil
}

// Close releases the backend when it holds resources.
func (s *KeyStore) Close() error {
	if closer, ok := s.backend.(interfaces.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (s *KeyStore) get(ctx context.Context, key string) (interfaces.KeyRecord, error) {
	data, err := s.backend.Get(ctx, key)
	if err != nil {
		return interfaces.KeyRecord{}, err
	}
	var record interfaces.KeyRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return interfaces.KeyRecord{}, fmt.Errorf("failed to decode record %s: %w", key, err)
	}
	return record, nil
}
