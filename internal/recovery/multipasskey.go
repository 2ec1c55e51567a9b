// Package recovery implements the two paths back into a passkey account:
// threshold-based multi-passkey rotation and encrypted-backup restoration.
package recovery

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Errors
var (
	ErrMaxPasskeys         = errors.New("recovery: maximum passkeys reached")
	ErrDuplicateCredential = errors.New("recovery: credential ID already registered")
	ErrPasskeyNotFound     = errors.New("recovery: passkey not found")
	ErrPrimaryRemoval      = errors.New("recovery: primary passkey cannot be removed")
	ErrPrimaryDisabled     = errors.New("recovery: rotate the primary passkey out before disabling it")
	ErrThresholdOutOfRange = errors.New("recovery: recovery threshold out of range")
	ErrPasskeyDisabled     = errors.New("recovery: passkey is disabled")
	ErrTruncatedSet        = errors.New("recovery: truncated passkey set bytes")
	ErrBelowThreshold      = errors.New("recovery: below recovery threshold")
)

// PublicKeySize is the uncompressed P-256 public key stored per entry.
const PublicKeySize = 64

// DefaultMaxPasskeys bounds how many credentials one account can register.
const DefaultMaxPasskeys = 8

// PasskeyEntry is one registered credential. Disabled entries are soft-revoked
// and kept for audit; they never count toward the recovery threshold.
type PasskeyEntry struct {
	PublicKey    [PublicKeySize]byte
	CredentialID []byte
	Name         string
	Enabled      bool
	AddedAt      int64
}

// PasskeySet holds every credential registered to a recoverable account. The
// primary entry is the account's identity: it can be rotated or disabled, but
// never removed.
type PasskeySet struct {
	Primary           PasskeyEntry
	Additional        []PasskeyEntry
	RecoveryThreshold uint8
	MaxPasskeys       uint8
}

// NewPasskeySet creates a set with a single enabled primary credential.
// The threshold must already be in [1, maxPasskeys].
func NewPasskeySet(primary PasskeyEntry, threshold, maxPasskeys uint8) (*PasskeySet, error) {
	if maxPasskeys == 0 {
		maxPasskeys = DefaultMaxPasskeys
	}
	if threshold < 1 || threshold > maxPasskeys {
		return nil, fmt.Errorf("%w: %d not in [1, %d]", ErrThresholdOutOfRange, threshold, maxPasskeys)
	}
	primary.Enabled = true
	return &PasskeySet{
		Primary:           primary,
		RecoveryThreshold: threshold,
		MaxPasskeys:       maxPasskeys,
	}, nil
}

// AddPasskey registers an additional credential.
func (s *PasskeySet) AddPasskey(entry PasskeyEntry) error {
	if len(s.Additional) >= int(s.MaxPasskeys) {
		return ErrMaxPasskeys
	}
	if s.FindPasskey(entry.CredentialID) != nil {
		return ErrDuplicateCredential
	}
	entry.Enabled = true
	s.Additional = append(s.Additional, entry)
	return nil
}

// DisablePasskey soft-revokes a credential. The active primary cannot be
// revoked in place: it must be rotated out first, after which the old
// credential sits in the additional list and can be disabled. Rotation is an
// explicit operation, never an automatic promotion.
func (s *PasskeySet) DisablePasskey(credentialID []byte) error {
	entry := s.FindPasskey(credentialID)
	if entry == nil {
		return ErrPasskeyNotFound
	}
	if !entry.Enabled {
		return nil // already disabled, idempotent
	}
	if entry == &s.Primary {
		return ErrPrimaryDisabled
	}
	entry.Enabled = false
	return nil
}

// EnablePasskey re-activates a soft-revoked credential.
func (s *PasskeySet) EnablePasskey(credentialID []byte) error {
	entry := s.FindPasskey(credentialID)
	if entry == nil {
		return ErrPasskeyNotFound
	}
	entry.Enabled = true
	return nil
}

// RotatePrimary swaps an enabled additional credential into the primary slot.
// The old primary moves to the additional list, still enabled, where it can
// be disabled separately. Promotion is always explicit, never automatic.
func (s *PasskeySet) RotatePrimary(credentialID []byte) error {
	idx := -1
	for i := range s.Additional {
		if bytes.Equal(s.Additional[i].CredentialID, credentialID) {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrPasskeyNotFound
	}
	if !s.Additional[idx].Enabled {
		return ErrPasskeyDisabled
	}
	s.Primary, s.Additional[idx] = s.Additional[idx], s.Primary
	return nil
}

// SetRecoveryThreshold updates the threshold. Out-of-range values are
// rejected, not clamped; clamping only happens when normalizing legacy data
// on decode.
func (s *PasskeySet) SetRecoveryThreshold(threshold uint8) error {
	if threshold < 1 || threshold > s.MaxPasskeys {
		return fmt.Errorf("%w: %d not in [1, %d]", ErrThresholdOutOfRange, threshold, s.MaxPasskeys)
	}
	s.RecoveryThreshold = threshold
	return nil
}

// FindPasskey returns the entry with the given credential ID, or nil.
func (s *PasskeySet) FindPasskey(credentialID []byte) *PasskeyEntry {
	if bytes.Equal(s.Primary.CredentialID, credentialID) {
		return &s.Primary
	}
	for i := range s.Additional {
		if bytes.Equal(s.Additional[i].CredentialID, credentialID) {
			return &s.Additional[i]
		}
	}
	return nil
}

// EnabledCount returns how many credentials are currently enabled.
func (s *PasskeySet) EnabledCount() int {
	n := 0
	if s.Primary.Enabled {
		n++
	}
	for i := range s.Additional {
		if s.Additional[i].Enabled {
			n++
		}
	}
	return n
}

// RecoveryEligible reports whether enough enabled credentials exist to
// authorize a recovery operation.
func (s *PasskeySet) RecoveryEligible() bool {
	return s.EnabledCount() >= int(s.RecoveryThreshold)
}

// Marshal encodes the set: primary entry, entry count, additional entries,
// threshold, max. Entries use 4-byte little-endian length prefixes for
// variable fields and exact byte counts for fixed ones.
func (s *PasskeySet) Marshal() []byte {
	out := marshalEntry(nil, &s.Primary)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(s.Additional)))
	for i := range s.Additional {
		out = marshalEntry(out, &s.Additional[i])
	}
	out = append(out, s.RecoveryThreshold, s.MaxPasskeys)
	return out
}

// ParsePasskeySet decodes Marshal's output. Legacy normalization: a threshold
// outside [1, max] is clamped into range rather than rejected, so records
// written before validation existed remain readable.
func ParsePasskeySet(data []byte) (*PasskeySet, error) {
	var s PasskeySet
	off := 0

	var err error
	if off, err = parseEntry(data, off, &s.Primary); err != nil {
		return nil, err
	}
	if off+4 > len(data) {
		return nil, ErrTruncatedSet
	}
	count := int(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	if count > 255 {
		return nil, ErrTruncatedSet
	}
	s.Additional = make([]PasskeyEntry, count)
	for i := 0; i < count; i++ {
		if off, err = parseEntry(data, off, &s.Additional[i]); err != nil {
			return nil, err
		}
	}
	if off+2 != len(data) {
		return nil, ErrTruncatedSet
	}
	s.RecoveryThreshold = data[off]
	s.MaxPasskeys = data[off+1]

	if s.MaxPasskeys == 0 {
		s.MaxPasskeys = DefaultMaxPasskeys
	}
	if s.RecoveryThreshold < 1 {
		s.RecoveryThreshold = 1
	}
	if s.RecoveryThreshold > s.MaxPasskeys {
		s.RecoveryThreshold = s.MaxPasskeys
	}
	return &s, nil
}

func marshalEntry(out []byte, e *PasskeyEntry) []byte {
	out = append(out, e.PublicKey[:]...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(e.CredentialID)))
	out = append(out, e.CredentialID...)
	name := []byte(e.Name)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(name)))
	out = append(out, name...)
	if e.Enabled {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	return binary.LittleEndian.AppendUint64(out, uint64(e.AddedAt))
}

func parseEntry(data []byte, off int, e *PasskeyEntry) (int, error) {
	if off+PublicKeySize > len(data) {
		return 0, ErrTruncatedSet
	}
	copy(e.PublicKey[:], data[off:])
	off += PublicKeySize

	var err error
	if e.CredentialID, off, err = readBytes(data, off); err != nil {
		return 0, err
	}
	var name []byte
	if name, off, err = readBytes(data, off); err != nil {
		return 0, err
	}
	e.Name = string(name)

	if off+9 > len(data) {
		return 0, ErrTruncatedSet
	}
	e.Enabled = data[off] == 1
	e.AddedAt = int64(binary.LittleEndian.Uint64(data[off+1 : off+9]))
	return off + 9, nil
}

func readBytes(data []byte, off int) ([]byte, int, error) {
	if off+4 > len(data) {
		return nil, 0, ErrTruncatedSet
	}
	n := int(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	if n > len(data)-off {
		return nil, 0, ErrTruncatedSet
	}
	return append([]byte(nil), data[off:off+n]...), off + n, nil
}
