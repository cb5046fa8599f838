package kms

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/attribute-key-manager/index"
	"github.com/ruteri/attribute-key-manager/interfaces"
	"github.com/ruteri/attribute-key-manager/storage"
)

func TestCoordinator_RevokeRotatesAndRedistributes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A", "B")
	f.give(t, "A", ident("admin", 1, "enc", 16))
	f.give(t, "B", ident("admin", 1, "enc", 16))
	_, oldKey := f.latest(t, "B", "admin", "enc")

	require.NoError(t, f.coordinator().Revoke(ctx, "A", "admin", nil))

	records, err := f.store.Records(ctx, "A", "admin")
	require.NoError(t, err)
	assert.Empty(t, records, "revoked user keeps no keys for the attribute")

	id, newKey := f.latest(t, "B", "admin", "enc")
	assert.Equal(t, ident("admin", 2, "enc", 16), id)
	assert.NotEqual(t, oldKey, newKey)

	expected, err := f.deriver.Generate("admin", 2, "enc", 16)
	require.NoError(t, err)
	assert.Equal(t, expected, newKey)

	users, err := f.idx.UsersByAttribute(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, []interfaces.UserID{"B"}, users)

	attrs, err := f.idx.AttributesByUser(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, attrs)

	f.requireMirror(t)
}

func TestCoordinator_RevokeNotHeldIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A", "B", "C")
	f.give(t, "A", ident("admin", 1, "enc", 16))
	f.give(t, "B", ident("admin", 1, "enc", 16), ident("read", 0, "", 16))

	storeBefore := f.storedKeys(t)
	indexBefore := f.indexState(t)

	coord := f.coordinator()
	require.NoError(t, coord.Revoke(ctx, "C", "admin", nil))
	require.NoError(t, coord.Revoke(ctx, "A", "read", nil))
	require.NoError(t, coord.Revoke(ctx, "A", "unknown", nil))
	require.NoError(t, coord.RevokeAllAttributes(ctx, "C", nil))

	assert.Equal(t, storeBefore, f.storedKeys(t))
	assert.Equal(t, indexBefore, f.indexState(t))
}

func TestCoordinator_RevokeTracksVersionPerMetadata(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A", "B", "C")
	f.give(t, "A", ident("admin", 1, "enc", 16), ident("admin", 5, "sig", 32))
	f.give(t, "B", ident("admin", 1, "enc", 16))
	f.give(t, "C", ident("admin", 5, "sig", 32))

	require.NoError(t, f.coordinator().Revoke(ctx, "A", "admin", nil))

	bID, _ := f.latest(t, "B", "admin", "enc")
	assert.Equal(t, ident("admin", 2, "enc", 16), bID)

	cID, _ := f.latest(t, "C", "admin", "sig")
	assert.Equal(t, ident("admin", 6, "sig", 32), cID)

	// B never held "sig", C never held "enc"
	bMetas, err := f.store.Metadatas(ctx, "B", "admin")
	require.NoError(t, err)
	assert.Equal(t, []string{"enc"}, bMetas)
	cMetas, err := f.store.Metadatas(ctx, "C", "admin")
	require.NoError(t, err)
	assert.Equal(t, []string{"sig"}, cMetas)

	f.requireMirror(t)
}

func TestCoordinator_LengthOverrides(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A", "B")
	f.give(t, "A", ident("admin", 1, "enc", 16), ident("admin", 1, "sig", 16))
	f.give(t, "B", ident("admin", 1, "enc", 16), ident("admin", 1, "sig", 16))

	overrides := LengthOverrides{"enc": 32, "unused": 8}
	require.NoError(t, f.coordinator().Revoke(ctx, "A", "admin", overrides))
	assert.Equal(t, LengthOverrides{"enc": 32, "unused": 8}, overrides, "overrides are not modified")

	encID, encKey := f.latest(t, "B", "admin", "enc")
	assert.Equal(t, ident("admin", 2, "enc", 32), encID)
	assert.Len(t, encKey, 32)

	sigID, _ := f.latest(t, "B", "admin", "sig")
	assert.Equal(t, ident("admin", 2, "sig", 16), sigID)
}

func TestCoordinator_ValidationBeforeMutation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A", "B")
	f.give(t, "A", ident("admin", 1, "enc", 16))
	f.give(t, "B", ident("admin", 1, "enc", 16))

	storeBefore := f.storedKeys(t)
	indexBefore := f.indexState(t)
	coord := f.coordinator()

	err := coord.Revoke(ctx, "A", "admin", LengthOverrides{"enc": -1})
	assert.ErrorIs(t, err, interfaces.ErrInvalidKeyLength)

	err = coord.Revoke(ctx, "A", "admin", LengthOverrides{"enc": f.deriver.MaxLength() + 1})
	assert.ErrorIs(t, err, interfaces.ErrInvalidKeyLength)

	err = coord.Revoke(ctx, "A", "ad|min", nil)
	assert.ErrorIs(t, err, interfaces.ErrDelimiterInField)

	err = coord.RevokeAllAttributes(ctx, "A", LengthOverrides{"enc": -5})
	assert.ErrorIs(t, err, interfaces.ErrInvalidKeyLength)

	assert.Equal(t, storeBefore, f.storedKeys(t))
	assert.Equal(t, indexBefore, f.indexState(t))
}

func TestCoordinator_RevokeAllMatchesSequentialRevokes(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) *fixture {
		f := newFixture(t, "A", "B", "C")
		f.give(t, "A", ident("admin", 1, "enc", 16), ident("read", 3, "", 24))
		f.give(t, "B", ident("admin", 1, "enc", 16))
		f.give(t, "C", ident("read", 3, "", 24), ident("admin", 1, "enc", 16))
		return f
	}

	bulk := setup(t)
	require.NoError(t, bulk.coordinator().RevokeAllAttributes(ctx, "A", nil))

	sequential := setup(t)
	coord := sequential.coordinator()
	require.NoError(t, coord.Revoke(ctx, "A", "admin", nil))
	require.NoError(t, coord.Revoke(ctx, "A", "read", nil))

	assert.Equal(t, sequential.storedKeys(t), bulk.storedKeys(t))
	assert.Equal(t, sequential.indexState(t), bulk.indexState(t))

	for _, tc := range []struct {
		user      interfaces.UserID
		attribute string
		metadata  string
	}{{"B", "admin", "enc"}, {"C", "admin", "enc"}, {"C", "read", ""}} {
		bulkID, bulkKey := bulk.latest(t, tc.user, tc.attribute, tc.metadata)
		seqID, seqKey := sequential.latest(t, tc.user, tc.attribute, tc.metadata)
		assert.Equal(t, seqID, bulkID)
		assert.Equal(t, seqKey, bulkKey, "keys are derived from the same secret")
	}

	bulk.requireMirror(t)
}

func TestCoordinator_RedistributionFailureContinues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A", "B", "C")
	f.give(t, "A", ident("admin", 1, "enc", 16))
	f.give(t, "B", ident("admin", 1, "enc", 16))
	f.give(t, "C", ident("admin", 1, "enc", 16))

	wrapErr := errors.New("hsm offline")
	wrapper := selectiveWrapper{inner: f.wrapper, failFor: string(f.keys["B"]), err: wrapErr}
	coord := NewCoordinator(f.deriver, wrapper, f.collaborators(), discardLogger())

	err := coord.Revoke(ctx, "A", "admin", nil)
	require.Error(t, err)
	assert.True(t, IsRedistributionError(err))
	assert.ErrorIs(t, err, wrapErr)

	var redistErr *RedistributionError
	require.ErrorAs(t, err, &redistErr)
	assert.Equal(t, "admin", redistErr.Attribute)
	assert.Equal(t, []interfaces.UserID{"B"}, redistErr.Users())

	// The revocation itself completed
	records, err := f.store.Records(ctx, "A", "admin")
	require.NoError(t, err)
	assert.Empty(t, records)
	f.requireMirror(t)

	// C was served, B lags behind
	cID, _ := f.latest(t, "C", "admin", "enc")
	assert.Equal(t, uint64(2), cID.Version)
	bID, _ := f.latest(t, "B", "admin", "enc")
	assert.Equal(t, uint64(1), bID.Version)

	// Reconcile is the resume path
	issued, err := f.coordinator().Reconcile(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, 1, issued)

	bID, bKey := f.latest(t, "B", "admin", "enc")
	_, cKey := f.latest(t, "C", "admin", "enc")
	assert.Equal(t, uint64(2), bID.Version)
	assert.Equal(t, cKey, bKey)
}

func TestCoordinator_UnknownPublicKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A", "B")
	f.give(t, "A", ident("admin", 1, "enc", 16))
	f.give(t, "B", ident("admin", 1, "enc", 16))
	delete(f.keys, "B")

	err := f.coordinator().Revoke(ctx, "A", "admin", nil)
	assert.ErrorIs(t, err, interfaces.ErrUnknownUser)
	assert.True(t, IsRedistributionError(err))
}

func TestCoordinator_StoreErrorAbortsBeforeRedistribution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A", "B")
	require.NoError(t, f.idx.Grant(ctx, "A", "admin"))
	require.NoError(t, f.idx.Grant(ctx, "B", "admin"))

	storeErr := errors.New("backend down")
	store := &MockKeyStore{}
	store.On("Metadatas", mock.Anything, interfaces.UserID("A"), "admin").Return([]string{"enc"}, nil)
	store.On("LatestVersion", mock.Anything, interfaces.UserID("A"), "enc", "admin").Return(interfaces.VersionInfo{Version: 1, Length: 16}, nil)
	store.On("RemoveRevoked", mock.Anything, interfaces.UserID("A"), "enc", "admin").Return(storeErr)

	c := f.collaborators()
	c.Store = store
	err := NewCoordinator(f.deriver, f.wrapper, c, discardLogger()).Revoke(ctx, "A", "admin", nil)
	assert.ErrorIs(t, err, storeErr)
	assert.False(t, IsRedistributionError(err))

	store.AssertExpectations(t)
	store.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything, mock.Anything)
}

// pairCountingIndex records RemovePair calls.
type pairCountingIndex struct {
	*index.MemoryIndex
	removePairs int
}

func (x *pairCountingIndex) RemovePair(ctx context.Context, attribute string, user interfaces.UserID) error {
	x.removePairs++
	return x.MemoryIndex.RemovePair(ctx, attribute, user)
}

func TestCoordinator_IndexMutation(t *testing.T) {
	ctx := context.Background()

	t.Run("shared index removes the pair in one call", func(t *testing.T) {
		f := newFixture(t, "A", "B")
		f.give(t, "A", ident("admin", 1, "enc", 16))
		f.give(t, "B", ident("admin", 1, "enc", 16))

		idx := &pairCountingIndex{MemoryIndex: f.idx}
		c := f.collaborators()
		c.AttrUsers, c.UserAttrs = idx, idx

		require.NoError(t, NewCoordinator(f.deriver, f.wrapper, c, discardLogger()).Revoke(ctx, "A", "admin", nil))
		assert.Equal(t, 1, idx.removePairs)
		f.requireMirror(t)
	})

	t.Run("separate indices are updated one by one", func(t *testing.T) {
		f := newFixture(t, "A", "B")
		f.give(t, "A", ident("admin", 1, "enc", 16))
		f.give(t, "B", ident("admin", 1, "enc", 16))

		userSide := index.NewMemoryIndex()
		require.NoError(t, userSide.Grant(ctx, "A", "admin"))
		require.NoError(t, userSide.Grant(ctx, "B", "admin"))
		attrSide := &pairCountingIndex{MemoryIndex: f.idx}

		c := f.collaborators()
		c.AttrUsers, c.UserAttrs = attrSide, userSide

		require.NoError(t, NewCoordinator(f.deriver, f.wrapper, c, discardLogger()).Revoke(ctx, "A", "admin", nil))
		assert.Zero(t, attrSide.removePairs)

		holders, err := attrSide.UsersByAttribute(ctx, "admin")
		require.NoError(t, err)
		assert.Equal(t, []interfaces.UserID{"B"}, holders)
		attrs, err := userSide.AttributesByUser(ctx, "A")
		require.NoError(t, err)
		assert.Empty(t, attrs)

		mismatches, err := index.CheckMirror(ctx, attrSide, userSide)
		require.NoError(t, err)
		assert.Empty(t, mismatches)
	})
}

func TestCoordinator_RevokeTwiceIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A", "B")
	f.give(t, "A", ident("admin", 1, "enc", 16))
	f.give(t, "B", ident("admin", 1, "enc", 16))

	coord := f.coordinator()
	require.NoError(t, coord.Revoke(ctx, "A", "admin", nil))
	storeAfter := f.storedKeys(t)

	require.NoError(t, coord.Revoke(ctx, "A", "admin", nil))
	assert.Equal(t, storeAfter, f.storedKeys(t))

	bID, _ := f.latest(t, "B", "admin", "enc")
	assert.Equal(t, uint64(2), bID.Version)
}

// flakyStore fails the n-th RemoveRevoked call once.
type flakyStore struct {
	*storage.KeyStore
	failAt int
	calls  int
	err    error
}

func (s *flakyStore) RemoveRevoked(ctx context.Context, user interfaces.UserID, metadata, attribute string) error {
	s.calls++
	if s.calls == s.failAt {
		return s.err
	}
	return s.KeyStore.RemoveRevoked(ctx, user, metadata, attribute)
}

func TestCoordinator_RetryAfterInterruptedPurge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A", "B")
	f.give(t, "A", ident("admin", 1, "enc", 16), ident("admin", 1, "sig", 32))
	f.give(t, "B", ident("admin", 1, "enc", 16), ident("admin", 1, "sig", 32))

	transient := errors.New("transient")
	store := &flakyStore{KeyStore: f.store, failAt: 2, err: transient}
	c := f.collaborators()
	c.Store = store
	coord := NewCoordinator(f.deriver, f.wrapper, c, discardLogger())

	// enc is purged, sig is not
	err := coord.Revoke(ctx, "A", "admin", nil)
	require.ErrorIs(t, err, transient)
	assert.False(t, IsRedistributionError(err))

	metas, err := f.store.Metadatas(ctx, "A", "admin")
	require.NoError(t, err)
	assert.Equal(t, []string{"sig"}, metas)
	f.requireMirror(t)

	require.NoError(t, coord.Revoke(ctx, "A", "admin", nil))

	records, err := f.store.Records(ctx, "A", "admin")
	require.NoError(t, err)
	assert.Empty(t, records, "the retry purges what the first attempt left")

	// enc was minted by the first attempt and reaches B through the rotation log
	encID, encKey := f.latest(t, "B", "admin", "enc")
	assert.Equal(t, ident("admin", 2, "enc", 16), encID)
	expected, err := f.deriver.Generate("admin", 2, "enc", 16)
	require.NoError(t, err)
	assert.Equal(t, expected, encKey)

	// sig is minted above the version recorded by the first attempt
	sigID, _ := f.latest(t, "B", "admin", "sig")
	assert.Equal(t, ident("admin", 3, "sig", 32), sigID)

	users, err := f.idx.UsersByAttribute(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, []interfaces.UserID{"B"}, users)
	f.requireMirror(t)

	// Once complete, another retry changes nothing
	storeAfter := f.storedKeys(t)
	require.NoError(t, coord.Revoke(ctx, "A", "admin", nil))
	assert.Equal(t, storeAfter, f.storedKeys(t))
}

func TestCoordinator_RotationAboveRecordedVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A", "B", "C")
	f.give(t, "A", ident("admin", 1, "enc", 16))
	f.give(t, "B", ident("admin", 1, "enc", 16))
	f.give(t, "C", ident("admin", 1, "enc", 16))

	// B misses v2
	wrapper := selectiveWrapper{inner: f.wrapper, failFor: string(f.keys["B"]), err: errors.New("offline")}
	err := NewCoordinator(f.deriver, wrapper, f.collaborators(), discardLogger()).Revoke(ctx, "A", "admin", nil)
	require.True(t, IsRedistributionError(err))

	// B is still at v1; its rotation goes above the v2 C already holds
	require.NoError(t, f.coordinator().Revoke(ctx, "B", "admin", nil))
	cID, _ := f.latest(t, "C", "admin", "enc")
	assert.Equal(t, uint64(3), cID.Version)
}
