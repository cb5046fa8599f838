package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/ruteri/attribute-key-manager/interfaces"
)

// VaultBackend implements a record backend on a HashiCorp Vault KV v2
// secrets engine. Each record is one secret; deleting removes all of its
// versions and metadata.
type VaultBackend struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend creates a new Vault backend authenticated with token.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: Path within the mount (e.g. "keymanager")
//   - token: Vault token with read, list, create, update and delete on the path
//   - log: Structured logger for operational insights
func NewVaultBackend(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultBackend, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{
		Timeout: 30 * time.Second,
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	return NewVaultBackendWithClient(client, mountPath, dataPath, log), nil
}

// NewVaultBackendWithClient uses an already configured client.
func NewVaultBackendWithClient(client *api.Client, mountPath, dataPath string, log *slog.Logger) *VaultBackend {
	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", client.Address(), mountPath, dataPath),
	}
}

func (b *VaultBackend) dataAPIPath(key string) string {
	return fmt.Sprintf("%s/data/%s/%s", b.mountPath, b.dataPath, key)
}

func (b *VaultBackend) metadataAPIPath(key string) string {
	return fmt.Sprintf("%s/metadata/%s/%s", b.mountPath, b.dataPath, key)
}

// Put writes the record as the "content" field of a secret. Values are
// base64 encoded since KV stores JSON strings.
func (b *VaultBackend) Put(ctx context.Context, key string, data []byte) error {
	path := b.dataAPIPath(key)
	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"content": base64.StdEncoding.EncodeToString(data),
		},
	}

	if _, err := b.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		b.log.Error("Failed to write to Vault", slog.String("path", path), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

func (b *VaultBackend) Get(ctx context.Context, key string) ([]byte, error) {
	path := b.dataAPIPath(key)

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		b.log.Error("Failed to read from Vault", slog.String("path", path), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrKeyNotFound, key)
	}

	// A deleted KV v2 secret reads back with nil data.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok || data == nil {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrKeyNotFound, key)
	}

	content, ok := data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content key not found in Vault data at %s", path)
	}

	decoded, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("invalid content format in Vault data at %s: %w", path, err)
	}
	return decoded, nil
}

// List walks the metadata tree from the deepest folder covered by prefix.
func (b *VaultBackend) List(ctx context.Context, prefix string) ([]string, error) {
	dir := ""
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dir = prefix[:i+1]
	}

	var keys []string
	if err := b.walk(ctx, dir, func(key string) {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}); err != nil {
		return nil, err
	}

	sort.Strings(keys)
	return keys, nil
}

func (b *VaultBackend) walk(ctx context.Context, dir string, visit func(key string)) error {
	secret, err := b.client.Logical().ListWithContext(ctx, b.metadataAPIPath(dir))
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil
	}

	entries, _ := secret.Data["keys"].([]interface{})
	for _, entry := range entries {
		name, ok := entry.(string)
		if !ok {
			continue
		}
		if strings.HasSuffix(name, "/") {
			if err := b.walk(ctx, dir+name, visit); err != nil {
				return err
			}
			continue
		}
		visit(dir + name)
	}
	return nil
}

// DeletePrefix permanently deletes every secret under prefix.
func (b *VaultBackend) DeletePrefix(ctx context.Context, prefix string) error {
	keys, err := b.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if _, err := b.client.Logical().DeleteWithContext(ctx, b.metadataAPIPath(key)); err != nil {
			b.log.Error("Failed to delete from Vault", slog.String("key", key), "err", err)
			return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
		}
	}
	return nil
}

// Available checks if the Vault backend is accessible.
// It uses the health endpoint to verify that Vault is initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}

	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}

	return true
}

// Name returns a unique identifier for this storage backend.
func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}
