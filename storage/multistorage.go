package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ruteri/attribute-key-manager/interfaces"
)

// MultiBackend mirrors records across several backends. Writes go to every
// available backend and succeed if at least one does; reads fall back
// through the backends in order. Deletes must reach every backend, so a
// revoked key never survives in a mirror.
type MultiBackend struct {
	backends []interfaces.RecordBackend
	log      *slog.Logger
}

// NewMultiBackend creates a new mirrored backend with fallback.
func NewMultiBackend(backends []interfaces.RecordBackend, logger *slog.Logger) *MultiBackend {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiBackend{
		backends: backends,
		log:      logger,
	}
}

// Put saves data to all available backends.
func (m *MultiBackend) Put(ctx context.Context, key string, data []byte) error {
	return m.write(ctx, key, func(backend interfaces.RecordBackend) error {
		return backend.Put(ctx, key, data)
	})
}

// PutBatch forwards to each backend, as a batch where supported.
func (m *MultiBackend) PutBatch(ctx context.Context, entries map[string][]byte) error {
	return m.write(ctx, "batch", func(backend interfaces.RecordBackend) error {
		if batcher, ok := backend.(interfaces.BatchPutter); ok {
			return batcher.PutBatch(ctx, entries)
		}
		for key, data := range entries {
			if err := backend.Put(ctx, key, data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *MultiBackend) write(ctx context.Context, what string, op func(interfaces.RecordBackend) error) error {
	start := time.Now()
	var (
		errs    []error
		success int
	)

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), interfaces.ErrBackendUnavailable))
			continue
		}

		if err := op(backend); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Warn("Failed to write to backend",
				slog.String("backend_name", backend.Name()),
				slog.String("key", what),
				"err", err)
			continue
		}
		success++
	}

	if success == 0 {
		m.log.Error("All backends failed to store data",
			slog.String("key", what),
			slog.Int("failed_backends", len(errs)),
			slog.Duration("duration", time.Since(start)))
		return fmt.Errorf("all backends failed to store %s: %w", what, errors.Join(errs...))
	}
	return nil
}

func (m *MultiBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var errs []error
	notFound := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			continue
		}

		data, err := backend.Get(ctx, key)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			notFound++
			continue
		}

		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to fetch from backend",
			slog.String("backend_name", backend.Name()),
			slog.String("key", key),
			"err", err)
	}

	if len(errs) == 0 && notFound > 0 {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrKeyNotFound, key)
	}
	return nil, fmt.Errorf("all backends failed to fetch %s: %w", key, errors.Join(append(errs, interfaces.ErrBackendUnavailable)...))
}

// List returns the union of the keys of every available backend.
func (m *MultiBackend) List(ctx context.Context, prefix string) ([]string, error) {
	seen := make(map[string]struct{})
	listed := false
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			continue
		}
		keys, err := backend.List(ctx, prefix)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			continue
		}
		listed = true
		for _, key := range keys {
			seen[key] = struct{}{}
		}
	}

	if !listed {
		return nil, fmt.Errorf("all backends failed to list %s: %w", prefix, errors.Join(append(errs, interfaces.ErrBackendUnavailable)...))
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// DeletePrefix deletes from every backend and fails if any backend is
// unavailable or fails.
func (m *MultiBackend) DeletePrefix(ctx context.Context, prefix string) error {
	var errs []error
	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), interfaces.ErrBackendUnavailable))
			continue
		}
		if err := backend.DeletePrefix(ctx, prefix); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		}
	}
	if len(errs) > 0 {
		m.log.Error("Failed to delete from all backends", slog.String("prefix", prefix), slog.Int("failed_backends", len(errs)))
		return errors.Join(errs...)
	}
	return nil
}

// Available checks if any backend is available
func (m *MultiBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the name of this backend
func (m *MultiBackend) Name() string {
	return "multi-storage"
}

// LocationURI returns a combined location URI of all backends.
func (m *MultiBackend) LocationURI() string {
	var locations []string
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}

	return "multi:[" + strings.Join(locations, ",") + "]"
}

// Close closes every backend holding resources.
func (m *MultiBackend) Close() error {
	var errs []error
	for _, backend := range m.backends {
		if closer, ok := backend.(interfaces.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
