package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/ruteri/attribute-key-manager/interfaces"
)

// MemoryBackend keeps records in process memory.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
	name string
}

func NewMemoryBackend(name string) *MemoryBackend {
	return &MemoryBackend{
		data: make(map[string][]byte),
		name: name,
	}
}

func (b *MemoryBackend) Put(ctx context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = bytes.Clone(data)
	return nil
}

// PutBatch writes all entries under one lock.
func (b *MemoryBackend) PutBatch(ctx context.Context, entries map[string][]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, data := range entries {
		b.data[key] = bytes.Clone(data)
	}
	return nil
}

func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrKeyNotFound, key)
	}
	return bytes.Clone(data), nil
}

func (b *MemoryBackend) List(ctx context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var keys []string
	for key := range b.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *MemoryBackend) DeletePrefix(ctx context.Context, prefix string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.data {
		if strings.HasPrefix(key, prefix) {
			delete(b.data, key)
		}
	}
	return nil
}

// Len returns the number of stored keys.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

func (b *MemoryBackend) Available(ctx context.Context) bool {
	return true
}

func (b *MemoryBackend) Name() string {
	return "memory-" + b.name
}

func (b *MemoryBackend) LocationURI() string {
	return "memory://" + b.name
}

// NewMemoryKeyStore returns a KeyStore backed by a fresh MemoryBackend.
func NewMemoryKeyStore(log *slog.Logger) *KeyStore {
	return NewKeyStore(NewMemoryBackend("default"), log)
}
