package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(cred string) PasskeyEntry {
	var pub [PublicKeySize]byte
	copy(pub[:], cred)
	return PasskeyEntry{
		PublicKey:    pub,
		CredentialID: []byte(cred),
		Name:         "key " + cred,
		Enabled:      true,
		AddedAt:      1_700_000_000,
	}
}

func newSet(t *testing.T, threshold uint8) *PasskeySet {
	t.Helper()
	s, err := NewPasskeySet(entry("primary"), threshold, 4)
	require.NoError(t, err)
	return s
}

func TestNewPasskeySet_ThresholdValidation(t *testing.T) {
	_, err := NewPasskeySet(entry("p"), 0, 4)
	assert.ErrorIs(t, err, ErrThresholdOutOfRange)

	_, err = NewPasskeySet(entry("p"), 5, 4)
	assert.ErrorIs(t, err, ErrThresholdOutOfRange)

	s, err := NewPasskeySet(entry("p"), 4, 4)
	require.NoError(t, err)
	assert.Equal(t, uint8(4), s.RecoveryThreshold)
}

func TestAddPasskey(t *testing.T) {
	s := newSet(t, 1)

	require.NoError(t, s.AddPasskey(entry("second")))
	require.NoError(t, s.AddPasskey(entry("third")))

	// Duplicate credential IDs are rejected, including the primary's.
	assert.ErrorIs(t, s.AddPasskey(entry("second")), ErrDuplicateCredential)
	assert.ErrorIs(t, s.AddPasskey(entry("primary")), ErrDuplicateCredential)

	require.NoError(t, s.AddPasskey(entry("fourth")))
	require.NoError(t, s.AddPasskey(entry("fifth")))
	assert.ErrorIs(t, s.AddPasskey(entry("sixth")), ErrMaxPasskeys)
}

func TestRecoveryEligibility(t *testing.T) {
	s := newSet(t, 2)

	// One enabled entry, threshold two: not eligible.
	assert.False(t, s.RecoveryEligible())

	// Enabling a second entry flips it.
	require.NoError(t, s.AddPasskey(entry("second")))
	assert.True(t, s.RecoveryEligible())

	require.NoError(t, s.DisablePasskey([]byte("second")))
	assert.False(t, s.RecoveryEligible())
}

func TestDisablePasskey_PrimaryGuard(t *testing.T) {
	s := newSet(t, 1)

	// The active primary cannot be revoked in place.
	assert.ErrorIs(t, s.DisablePasskey([]byte("primary")), ErrPrimaryDisabled)
	assert.True(t, s.Primary.Enabled)

	// A spare enabled credential does not change that; rotation comes first.
	require.NoError(t, s.AddPasskey(entry("second")))
	assert.ErrorIs(t, s.DisablePasskey([]byte("primary")), ErrPrimaryDisabled)

	// Once rotated out, the old credential is additional and can be revoked.
	require.NoError(t, s.RotatePrimary([]byte("second")))
	require.NoError(t, s.DisablePasskey([]byte("primary")))
	assert.False(t, s.FindPasskey([]byte("primary")).Enabled)
	assert.True(t, s.Primary.Enabled)

	// Disabling again is idempotent.
	require.NoError(t, s.DisablePasskey([]byte("primary")))

	assert.ErrorIs(t, s.DisablePasskey([]byte("missing")), ErrPasskeyNotFound)
}

func TestRotatePrimary(t *testing.T) {
	s := newSet(t, 1)
	require.NoError(t, s.AddPasskey(entry("second")))

	require.NoError(t, s.RotatePrimary([]byte("second")))
	assert.Equal(t, []byte("second"), s.Primary.CredentialID)

	// Old primary is preserved in the additional list.
	require.NotNil(t, s.FindPasskey([]byte("primary")))

	// A disabled entry cannot be promoted.
	require.NoError(t, s.DisablePasskey([]byte("primary")))
	assert.ErrorIs(t, s.RotatePrimary([]byte("primary")), ErrPasskeyDisabled)

	assert.ErrorIs(t, s.RotatePrimary([]byte("missing")), ErrPasskeyNotFound)
}

func TestSetRecoveryThreshold(t *testing.T) {
	s := newSet(t, 1)

	require.NoError(t, s.SetRecoveryThreshold(3))
	assert.Equal(t, uint8(3), s.RecoveryThreshold)

	// New writes reject out-of-range values rather than clamping.
	assert.ErrorIs(t, s.SetRecoveryThreshold(0), ErrThresholdOutOfRange)
	assert.ErrorIs(t, s.SetRecoveryThreshold(5), ErrThresholdOutOfRange)
	assert.Equal(t, uint8(3), s.RecoveryThreshold)
}

func TestPasskeySet_WireRoundTrip(t *testing.T) {
	s := newSet(t, 2)
	require.NoError(t, s.AddPasskey(entry("second")))
	require.NoError(t, s.AddPasskey(entry("third")))
	require.NoError(t, s.DisablePasskey([]byte("third")))

	parsed, err := ParsePasskeySet(s.Marshal())
	require.NoError(t, err)
	assert.Equal(t, s, parsed)
}

func TestParsePasskeySet_LegacyClamp(t *testing.T) {
	s := newSet(t, 2)
	wire := s.Marshal()

	// Force an out-of-range threshold byte the way legacy writers could.
	wire[len(wire)-2] = 200
	parsed, err := ParsePasskeySet(wire)
	require.NoError(t, err)
	assert.Equal(t, parsed.MaxPasskeys, parsed.RecoveryThreshold)

	wire[len(wire)-2] = 0
	parsed, err = ParsePasskeySet(wire)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), parsed.RecoveryThreshold)
}

func TestParsePasskeySet_Truncated(t *testing.T) {
	wire := newSet(t, 1).Marshal()
	for _, n := range []int{0, 10, PublicKeySize, len(wire) - 1} {
		_, err := ParsePasskeySet(wire[:n])
		assert.ErrorIs(t, err, ErrTruncatedSet, "prefix %d", n)
	}
}

func TestBackup_RoundTrip(t *testing.T) {
	key := DeriveBackupKey([]byte("correct horse battery staple"))
	payload := &Payload{
		PasskeySet: newSet(t, 1).Marshal(),
		Policy:     []byte{1, 0, 0, 0, 0, 0, 0, 0, 0}, // spending limit blob
	}

	b, err := CreateBackup(payload, key[:], 1_700_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint8(BackupVersion), b.Version)
	assert.NotEqual(t, payload.Marshal(), b.Ciphertext, "ciphertext must not be plaintext")

	got, err := RestoreBackup(b, key[:])
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestBackup_WrongKey(t *testing.T) {
	key := DeriveBackupKey([]byte("right secret"))
	wrong := DeriveBackupKey([]byte("wrong secret"))

	b, err := CreateBackup(&Payload{Policy: []byte{0}}, key[:], 0)
	require.NoError(t, err)

	got, err := RestoreBackup(b, wrong[:])
	assert.ErrorIs(t, err, ErrKeyHashMismatch)
	assert.Nil(t, got)
}

func TestBackup_TamperedCiphertext(t *testing.T) {
	key := DeriveBackupKey([]byte("secret"))
	b, err := CreateBackup(&Payload{Policy: []byte{0}}, key[:], 0)
	require.NoError(t, err)

	b.Ciphertext[0] ^= 0xFF
	got, err := RestoreBackup(b, key[:])
	assert.ErrorIs(t, err, ErrDecryptFailed)
	assert.Nil(t, got)
}

func TestBackup_WireRoundTrip(t *testing.T) {
	key := DeriveBackupKey([]byte("secret"))
	b, err := CreateBackup(&Payload{PasskeySet: []byte("set"), Policy: []byte{0}}, key[:], 42)
	require.NoError(t, err)

	parsed, err := ParseBackup(b.Marshal())
	require.NoError(t, err)
	assert.Equal(t, b, parsed)

	_, err = ParseBackup(b.Marshal()[:20])
	assert.ErrorIs(t, err, ErrTruncatedBackup)
}

func TestDeriveBackupKey_Deterministic(t *testing.T) {
	k1 := DeriveBackupKey([]byte("secret"))
	k2 := DeriveBackupKey([]byte("secret"))
	k3 := DeriveBackupKey([]byte("other"))

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}
