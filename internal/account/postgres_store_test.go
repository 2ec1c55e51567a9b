package account_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigilhq/sigil/internal/account"
	"github.com/sigilhq/sigil/internal/testutil"
)

func pgRecord() *account.Record {
	var r account.Record
	copy(r.Owner[:], "pg-owner")
	copy(r.PasskeyPublicKey[:], "pg-public-key")
	r.CredentialID = []byte("pg-cred")
	r.Policy = []byte{0}
	r.CreatedAt = 1_700_000_000
	r.UpdatedAt = 1_700_000_000
	return &r
}

func TestPostgresStore_CreateGetPut(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := account.NewPostgresStore(db)
	ctx := context.Background()
	r := pgRecord()
	addr := account.Address(r.Owner, r.CredentialID)

	_, err := store.Get(ctx, addr)
	assert.ErrorIs(t, err, account.ErrNotFound)
	assert.ErrorIs(t, store.Put(ctx, addr, r), account.ErrNotFound)

	require.NoError(t, store.Create(ctx, addr, r))
	assert.ErrorIs(t, store.Create(ctx, addr, r), account.ErrExists)

	got, err := store.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, r, got)

	cp := r.Clone()
	cp.Nonce = 7
	cp.UpdatedAt = 1_700_000_100
	require.NoError(t, store.Put(ctx, addr, cp))

	got, err = store.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.Nonce)
}

func TestPostgresStore_StaleWriteRejected(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := account.NewPostgresStore(db)
	ctx := context.Background()
	r := pgRecord()
	addr := account.Address(r.Owner, r.CredentialID)
	require.NoError(t, store.Create(ctx, addr, r))

	ahead := r.Clone()
	ahead.Nonce = 10
	require.NoError(t, store.Put(ctx, addr, ahead))

	// A write carrying an older nonce loses.
	stale := r.Clone()
	stale.Nonce = 5
	err := store.Put(ctx, addr, stale)
	require.Error(t, err)
	assert.NotErrorIs(t, err, account.ErrNotFound)

	got, err := store.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got.Nonce)
}

func TestPostgresStore_NonceCeiling(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := account.NewPostgresStore(db)
	ctx := context.Background()
	r := pgRecord()
	addr := account.Address(r.Owner, r.CredentialID)
	require.NoError(t, store.Create(ctx, addr, r))

	// The full uint64 range must round-trip through the NUMERIC column.
	cp := r.Clone()
	cp.Nonce = ^uint64(0)
	require.NoError(t, store.Put(ctx, addr, cp))

	got, err := store.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, ^uint64(0), got.Nonce)
}
