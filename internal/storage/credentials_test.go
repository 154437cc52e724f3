package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestDB(t *testing.T) *BoltDB {
	t.Helper()
	db, err := NewBoltDB(t.TempDir(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSchemaVersion(t *testing.T) {
	db := newTestDB(t)
	version, err := db.GetSchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint64(CurrentSchemaVersion), version)
}

func TestCredentialLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	_, err := db.FindToken(ctx, "u1", "github", TokenTypeAccess)
	assert.ErrorIs(t, err, ErrTokenNotFound)

	access := &CredentialRecord{
		UserID:     "u1",
		ServerName: "github",
		Type:       TokenTypeAccess,
		Value:      "at-1",
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	require.NoError(t, db.CreateToken(ctx, access))
	assert.ErrorIs(t, db.CreateToken(ctx, access), ErrTokenExists)

	got, err := db.FindToken(ctx, "u1", "github", TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "at-1", got.Value)
	assert.False(t, got.Expired(time.Now()))
	created := got.Created

	got.Value = "at-2"
	require.NoError(t, db.UpdateToken(ctx, got))
	got, err = db.FindToken(ctx, "u1", "github", TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "at-2", got.Value)
	assert.True(t, created.Equal(got.Created))

	err = db.UpdateToken(ctx, &CredentialRecord{UserID: "u1", ServerName: "github", Type: TokenTypeRefresh})
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestDeleteUserTokensIsScoped(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	for _, rec := range []*CredentialRecord{
		{UserID: "u1", ServerName: "github", Type: TokenTypeAccess, Value: "a"},
		{UserID: "u1", ServerName: "github", Type: TokenTypeRefresh, Value: "r"},
		{UserID: "u1", ServerName: "github", Type: TokenTypeClient, Value: "{}"},
		{UserID: "u1", ServerName: "github-enterprise", Type: TokenTypeAccess, Value: "b"},
		{UserID: "u2", ServerName: "github", Type: TokenTypeAccess, Value: "c"},
	} {
		require.NoError(t, db.UpsertToken(ctx, rec))
	}

	require.NoError(t, db.DeleteUserTokens(ctx, "u1", "github"))

	for _, typ := range []TokenType{TokenTypeAccess, TokenTypeRefresh, TokenTypeClient} {
		_, err := db.FindToken(ctx, "u1", "github", typ)
		assert.ErrorIs(t, err, ErrTokenNotFound)
	}
	_, err := db.FindToken(ctx, "u1", "github-enterprise", TokenTypeAccess)
	assert.NoError(t, err, "prefix sibling must survive")
	_, err = db.FindToken(ctx, "u2", "github", TokenTypeAccess)
	assert.NoError(t, err, "other user must survive")
}

func TestListUserServers(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	require.NoError(t, db.UpsertToken(ctx, &CredentialRecord{UserID: "u1", ServerName: "a", Type: TokenTypeAccess}))
	require.NoError(t, db.UpsertToken(ctx, &CredentialRecord{UserID: "u1", ServerName: "a", Type: TokenTypeRefresh}))
	require.NoError(t, db.UpsertToken(ctx, &CredentialRecord{UserID: "u1", ServerName: "b", Type: TokenTypeClient}))
	require.NoError(t, db.UpsertToken(ctx, &CredentialRecord{UserID: "u10", ServerName: "c", Type: TokenTypeAccess}))

	servers, err := db.ListUserServers(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, servers)
}
