package kms

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/attribute-key-manager/cryptoutils"
	"github.com/ruteri/attribute-key-manager/index"
	"github.com/ruteri/attribute-key-manager/interfaces"
	"github.com/ruteri/attribute-key-manager/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixture wires a coordinator to in-memory collaborators and P-256 user
// keys.
type fixture struct {
	deriver  *KeyDeriver
	wrapper  cryptoutils.ECIESWrapper
	store    *storage.KeyStore
	idx      *index.MemoryIndex
	keys     interfaces.PublicKeyMap
	privKeys map[interfaces.UserID]interfaces.PrivateKey
}

func newFixture(t *testing.T, users ...interfaces.UserID) *fixture {
	t.Helper()

	f := &fixture{
		deriver:  newTestDeriver(t),
		store:    storage.NewMemoryKeyStore(discardLogger()),
		idx:      index.NewMemoryIndex(),
		keys:     make(interfaces.PublicKeyMap),
		privKeys: make(map[interfaces.UserID]interfaces.PrivateKey),
	}
	for _, user := range users {
		pub, priv, err := cryptoutils.RandomP256Keypair()
		require.NoError(t, err)
		f.keys[user] = pub
		f.privKeys[user] = priv
	}
	return f
}

func (f *fixture) collaborators() Collaborators {
	return Collaborators{
		Store:      f.store,
		AttrUsers:  f.idx,
		UserAttrs:  f.idx,
		PublicKeys: f.keys,
	}
}

func (f *fixture) coordinator() *Coordinator {
	return NewCoordinator(f.deriver, f.wrapper, f.collaborators(), discardLogger())
}

// give grants the attributes of ids to user and stores the keys.
func (f *fixture) give(t *testing.T, user interfaces.UserID, ids ...interfaces.KeyIdentity) {
	t.Helper()
	ctx := context.Background()

	for _, id := range ids {
		require.NoError(t, f.idx.Grant(ctx, user, id.Attribute))
	}
	dist := NewDistributor(f.deriver, f.wrapper, discardLogger())
	require.NoError(t, dist.InitializeUsers(ctx, map[interfaces.UserID]UserKeys{
		user: {PublicKey: f.keys[user], Keys: ids},
	}, f.store))
}

// latest unwraps the newest record user holds for (attribute, metadata).
func (f *fixture) latest(t *testing.T, user interfaces.UserID, attribute, metadata string) (interfaces.KeyIdentity, []byte) {
	t.Helper()

	records, err := f.store.Records(context.Background(), user, attribute)
	require.NoError(t, err)

	var matching []interfaces.KeyRecord
	for _, r := range records {
		if r.Metadata == metadata {
			matching = append(matching, r)
		}
	}
	record, ok := interfaces.LatestRecord(matching)
	require.True(t, ok, "%s holds no key for %s/%s", user, attribute, metadata)

	key, err := f.wrapper.Unwrap(record.WrappedKey, f.privKeys[user])
	require.NoError(t, err)
	return record.KeyIdentity, key
}

// storedKeys lists every record key in the store.
func (f *fixture) storedKeys(t *testing.T) []string {
	t.Helper()
	keys, err := f.store.Backend().List(context.Background(), "")
	require.NoError(t, err)
	return keys
}

// indexState returns the attribute→users view of the index.
func (f *fixture) indexState(t *testing.T) map[string][]interfaces.UserID {
	t.Helper()
	ctx := context.Background()

	attrs, err := f.idx.Attributes(ctx)
	require.NoError(t, err)
	state := make(map[string][]interfaces.UserID, len(attrs))
	for _, attr := range attrs {
		users, err := f.idx.UsersByAttribute(ctx, attr)
		require.NoError(t, err)
		state[attr] = users
	}
	return state
}

func (f *fixture) requireMirror(t *testing.T) {
	t.Helper()
	mismatches, err := index.CheckMirror(context.Background(), f.idx, f.idx)
	require.NoError(t, err)
	require.Empty(t, mismatches)
}

func ident(attribute string, version uint64, metadata string, length int) interfaces.KeyIdentity {
	return interfaces.KeyIdentity{Attribute: attribute, Version: version, Metadata: metadata, Length: length}
}

// MockKeyStore implements interfaces.KeyStore for testing
type MockKeyStore struct {
	mock.Mock
}

func (m *MockKeyStore) BatchInsert(ctx context.Context, user interfaces.UserID, records []interfaces.KeyRecord) error {
	args := m.Called(ctx, user, records)
	return args.Error(0)
}

func (m *MockKeyStore) Insert(ctx context.Context, user interfaces.UserID, record interfaces.KeyRecord) error {
	args := m.Called(ctx, user, record)
	return args.Error(0)
}

func (m *MockKeyStore) Metadatas(ctx context.Context, user interfaces.UserID, attribute string) ([]string, error) {
	args := m.Called(ctx, user, attribute)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockKeyStore) LatestVersion(ctx context.Context, user interfaces.UserID, metadata, attribute string) (interfaces.VersionInfo, error) {
	args := m.Called(ctx, user, metadata, attribute)
	return args.Get(0).(interfaces.VersionInfo), args.Error(1)
}

func (m *MockKeyStore) RemoveRevoked(ctx context.Context, user interfaces.UserID, metadata, attribute string) error {
	args := m.Called(ctx, user, metadata, attribute)
	return args.Error(0)
}

// selectiveWrapper fails for one recipient and wraps normally otherwise.
type selectiveWrapper struct {
	inner   interfaces.Wrapper
	failFor string
	err     error
}

func (w selectiveWrapper) Wrap(key []byte, recipient interfaces.PublicKey) ([]byte, error) {
	if string(recipient) == w.failFor {
		return nil, w.err
	}
	return w.inner.Wrap(key, recipient)
}
