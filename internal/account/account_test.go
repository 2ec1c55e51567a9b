package account

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() *Record {
	var r Record
	copy(r.Owner[:], "owner-owner-owner-owner-owner-ow")
	copy(r.PasskeyPublicKey[:], "public-key-public-key-public-key-public-key-public-key-public-k")
	r.CredentialID = []byte("cred-1")
	r.Nonce = 42
	r.Policy = []byte{1, 0xFF, 0, 0, 0, 0, 0, 0, 0}
	r.PasskeySet = []byte("opaque set bytes")
	r.CreatedAt = 1_700_000_000
	r.UpdatedAt = 1_700_000_100
	return &r
}

func TestRecord_RoundTrip(t *testing.T) {
	r := sampleRecord()
	got, err := ParseRecord(r.Marshal())
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestRecord_RoundTripEmptyFields(t *testing.T) {
	r := &Record{CredentialID: []byte{}, Policy: []byte{}, PasskeySet: []byte{}}
	got, err := ParseRecord(r.Marshal())
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestParseRecord_BadDiscriminator(t *testing.T) {
	wire := sampleRecord().Marshal()
	wire[0] = 'X'
	_, err := ParseRecord(wire)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestParseRecord_Truncated(t *testing.T) {
	wire := sampleRecord().Marshal()
	for _, n := range []int{0, 7, 50, len(wire) - 1} {
		_, err := ParseRecord(wire[:n])
		assert.ErrorIs(t, err, ErrMalformedRecord, "prefix %d", n)
	}
}

func TestParseRecord_TrailingBytes(t *testing.T) {
	wire := append(sampleRecord().Marshal(), 0)
	_, err := ParseRecord(wire)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestRecord_Clone(t *testing.T) {
	r := sampleRecord()
	cp := r.Clone()
	cp.CredentialID[0] = 'X'
	cp.Policy[0] = 0xEE
	cp.Nonce = 99

	assert.Equal(t, byte('c'), r.CredentialID[0])
	assert.Equal(t, byte(1), r.Policy[0])
	assert.Equal(t, uint64(42), r.Nonce)
}

func TestAddress_Deterministic(t *testing.T) {
	var owner [OwnerSize]byte
	copy(owner[:], "owner")

	a1 := Address(owner, []byte("cred-1"))
	a2 := Address(owner, []byte("cred-1"))
	a3 := Address(owner, []byte("cred-2"))

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, a3)

	var other [OwnerSize]byte
	copy(other[:], "other")
	assert.NotEqual(t, a1, Address(other, []byte("cred-1")))
}

func TestAddress_Encoding(t *testing.T) {
	var owner [OwnerSize]byte
	addr := Address(owner, []byte("cred"))

	text := EncodeAddress(addr)
	got, err := DecodeAddress(text)
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	_, err = DecodeAddress("not-base58-0OIl")
	assert.ErrorIs(t, err, ErrBadAddress)

	_, err = DecodeAddress("abc") // valid base58, wrong length
	assert.ErrorIs(t, err, ErrBadAddress)
}

func TestMemoryStore_CreateGetPut(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	r := sampleRecord()
	addr := Address(r.Owner, r.CredentialID)

	_, err := s.Get(ctx, addr)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Put(ctx, addr, r), ErrNotFound)

	require.NoError(t, s.Create(ctx, addr, r))
	assert.ErrorIs(t, s.Create(ctx, addr, r), ErrExists)

	got, err := s.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, r, got)

	cp := r.Clone()
	cp.Nonce = 43
	require.NoError(t, s.Put(ctx, addr, cp))
	got, err = s.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(43), got.Nonce)
}
