package kms

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/attribute-key-manager/interfaces"
)

func TestDistributor_InitializeUsers(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	dist := NewDistributor(f.deriver, f.wrapper, discardLogger())

	err := dist.InitializeUsers(ctx, map[interfaces.UserID]UserKeys{
		"alice": {PublicKey: f.keys["alice"], Keys: []interfaces.KeyIdentity{
			ident("admin", 1, "enc", 16),
			ident("read", 0, "", 32),
		}},
		"bob": {PublicKey: f.keys["bob"], Keys: []interfaces.KeyIdentity{
			ident("admin", 1, "enc", 16),
		}},
	}, f.store)
	require.NoError(t, err)

	aliceID, aliceKey := f.latest(t, "alice", "admin", "enc")
	bobID, bobKey := f.latest(t, "bob", "admin", "enc")
	assert.Equal(t, ident("admin", 1, "enc", 16), aliceID)
	assert.Equal(t, aliceID, bobID)
	assert.Equal(t, aliceKey, bobKey, "holders of the same identity share the key")

	expected, err := f.deriver.Generate("admin", 1, "enc", 16)
	require.NoError(t, err)
	assert.Equal(t, expected, aliceKey)

	readID, readKey := f.latest(t, "alice", "read", "")
	assert.Equal(t, 32, readID.Length)
	assert.Len(t, readKey, 32)

	records, err := f.store.Records(ctx, "alice", "admin")
	require.NoError(t, err)
	for _, r := range records {
		assert.NotContains(t, string(r.WrappedKey), string(aliceKey), "store must not hold raw keys")
	}
}

func TestDistributor_ValidatesBeforeWriting(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	dist := NewDistributor(f.deriver, f.wrapper, discardLogger())

	tests := []struct {
		name string
		bad  interfaces.KeyIdentity
		want error
	}{
		{"negative length", ident("admin", 0, "", -1), interfaces.ErrInvalidKeyLength},
		{"too long", ident("admin", 0, "", f.deriver.MaxLength()+1), interfaces.ErrInvalidKeyLength},
		{"delimiter in attribute", ident("ad|min", 0, "", 16), interfaces.ErrDelimiterInField},
		{"delimiter in metadata", ident("admin", 0, "e|nc", 16), interfaces.ErrDelimiterInField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := dist.InitializeUsers(context.Background(), map[interfaces.UserID]UserKeys{
				"alice": {PublicKey: f.keys["alice"], Keys: []interfaces.KeyIdentity{ident("admin", 0, "", 16)}},
				"bob":   {PublicKey: f.keys["bob"], Keys: []interfaces.KeyIdentity{tt.bad}},
			}, f.store)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, f.storedKeys(t), "nothing is stored when validation fails")
		})
	}
}

func TestDistributor_StoreErrorKeepsEarlierUsers(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	dist := NewDistributor(f.deriver, f.wrapper, discardLogger())
	storeErr := errors.New("disk full")

	store := &MockKeyStore{}
	store.On("BatchInsert", mock.Anything, interfaces.UserID("alice"), mock.Anything).Return(nil).Once()
	store.On("BatchInsert", mock.Anything, interfaces.UserID("bob"), mock.Anything).Return(storeErr).Once()

	err := dist.InitializeUsers(context.Background(), map[interfaces.UserID]UserKeys{
		"alice": {PublicKey: f.keys["alice"], Keys: []interfaces.KeyIdentity{ident("admin", 0, "", 16)}},
		"bob":   {PublicKey: f.keys["bob"], Keys: []interfaces.KeyIdentity{ident("admin", 0, "", 16)}},
	}, store)
	assert.ErrorIs(t, err, storeErr)
	assert.Contains(t, err.Error(), "bob")
	store.AssertExpectations(t)
}

func TestDistributor_WrapError(t *testing.T) {
	f := newFixture(t, "alice")
	dist := NewDistributor(f.deriver, f.wrapper, discardLogger())

	err := dist.InitializeUsers(context.Background(), map[interfaces.UserID]UserKeys{
		"alice": {PublicKey: interfaces.PublicKey("not a key"), Keys: []interfaces.KeyIdentity{ident("admin", 0, "", 16)}},
	}, f.store)
	assert.Error(t, err)
	assert.Empty(t, f.storedKeys(t))
}

func TestDistributor_NoUsers(t *testing.T) {
	f := newFixture(t)
	dist := NewDistributor(f.deriver, f.wrapper, discardLogger())
	require.NoError(t, dist.InitializeUsers(context.Background(), nil, f.store))
	assert.Empty(t, f.storedKeys(t))
}

func TestDistributor_Validate(t *testing.T) {
	f := newFixture(t, "alice")
	dist := NewDistributor(f.deriver, f.wrapper, discardLogger())

	require.NoError(t, dist.Validate(map[interfaces.UserID]UserKeys{
		"alice": {Keys: []interfaces.KeyIdentity{ident("admin", 1, "enc", f.deriver.MaxLength())}},
	}))

	err := dist.Validate(map[interfaces.UserID]UserKeys{
		"alice": {Keys: []interfaces.KeyIdentity{ident("admin", 1, "enc", f.deriver.MaxLength()+1)}},
	})
	assert.ErrorIs(t, err, interfaces.ErrInvalidKeyLength)
	assert.Contains(t, err.Error(), "alice")
}
