// Package account owns the persistent authorization record for one smart
// account and sequences every state transition over it.
//
// The transition pipeline is fixed: credential match, signature verification,
// replay check, policy evaluation, then a single atomic commit. Any failure
// at any step leaves the stored record byte-identical.
package account

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// Errors
var (
	ErrNotFound        = errors.New("account: not found")
	ErrExists          = errors.New("account: already exists")
	ErrMalformedRecord = errors.New("account: malformed record bytes")
	ErrBadAddress      = errors.New("account: invalid address encoding")
)

const (
	// OwnerSize is the opaque fixed-size external identity.
	OwnerSize = 32

	// PublicKeySize is the uncompressed P-256 passkey public key.
	PublicKeySize = 64

	// AddressSize is the derived account address.
	AddressSize = 32
)

// recordDiscriminator tags stored record bytes so foreign blobs are rejected
// before any field parsing.
var recordDiscriminator = [8]byte{'S', 'I', 'G', 'I', 'L', 'A', 'C', 0}

// addressSeed namespaces account address derivation.
const addressSeed = "sigil"

// Record is the persistent authorization state for one smart account.
//
// Invariants: Nonce only increases; UpdatedAt changes only on committed
// transitions; Policy bytes are decoded fully or evaluation fails closed.
type Record struct {
	Owner            [OwnerSize]byte
	PasskeyPublicKey [PublicKeySize]byte
	CredentialID     []byte
	Nonce            uint64
	Policy           []byte
	PasskeySet       []byte // serialized recovery.PasskeySet; empty for single-credential accounts
	CreatedAt        int64
	UpdatedAt        int64
}

// Clone returns a deep copy so callers can mutate a candidate without
// touching the loaded record.
func (r *Record) Clone() *Record {
	cp := *r
	cp.CredentialID = append([]byte(nil), r.CredentialID...)
	cp.Policy = append([]byte(nil), r.Policy...)
	cp.PasskeySet = append([]byte(nil), r.PasskeySet...)
	return &cp
}

// Marshal encodes the record: discriminator, fixed fields, then the
// variable-length fields each behind a 4-byte little-endian length prefix.
func (r *Record) Marshal() []byte {
	total := 8 + OwnerSize + PublicKeySize + 8 + 8 + 8 +
		4 + len(r.CredentialID) + 4 + len(r.Policy) + 4 + len(r.PasskeySet)
	out := make([]byte, 0, total)
	out = append(out, recordDiscriminator[:]...)
	out = append(out, r.Owner[:]...)
	out = append(out, r.PasskeyPublicKey[:]...)
	out = binary.LittleEndian.AppendUint64(out, r.Nonce)
	out = binary.LittleEndian.AppendUint64(out, uint64(r.CreatedAt))
	out = binary.LittleEndian.AppendUint64(out, uint64(r.UpdatedAt))
	for _, field := range [][]byte{r.CredentialID, r.Policy, r.PasskeySet} {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(field)))
		out = append(out, field...)
	}
	return out
}

// ParseRecord decodes Marshal's output, rejecting wrong discriminators,
// truncation, and trailing bytes.
func ParseRecord(data []byte) (*Record, error) {
	const fixed = 8 + OwnerSize + PublicKeySize + 8 + 8 + 8
	if len(data) < fixed {
		return nil, ErrMalformedRecord
	}
	if [8]byte(data[:8]) != recordDiscriminator {
		return nil, fmt.Errorf("%w: bad discriminator", ErrMalformedRecord)
	}

	var r Record
	off := 8
	copy(r.Owner[:], data[off:])
	off += OwnerSize
	copy(r.PasskeyPublicKey[:], data[off:])
	off += PublicKeySize
	r.Nonce = binary.LittleEndian.Uint64(data[off:])
	off += 8
	r.CreatedAt = int64(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	r.UpdatedAt = int64(binary.LittleEndian.Uint64(data[off:]))
	off += 8

	for _, field := range []*[]byte{&r.CredentialID, &r.Policy, &r.PasskeySet} {
		if off+4 > len(data) {
			return nil, ErrMalformedRecord
		}
		n := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if n > len(data)-off {
			return nil, ErrMalformedRecord
		}
		*field = append([]byte(nil), data[off:off+n]...)
		off += n
	}
	if off != len(data) {
		return nil, ErrMalformedRecord
	}
	return &r, nil
}

// Address derives the deterministic account address for an owner/credential
// pair: SHA256(seed || owner || credentialID).
func Address(owner [OwnerSize]byte, credentialID []byte) [AddressSize]byte {
	h := sha256.New()
	h.Write([]byte(addressSeed))
	h.Write(owner[:])
	h.Write(credentialID)
	var addr [AddressSize]byte
	copy(addr[:], h.Sum(nil))
	return addr
}

// EncodeAddress renders an address as base58 text.
func EncodeAddress(addr [AddressSize]byte) string {
	return base58.Encode(addr[:])
}

// DecodeAddress parses base58 address text.
func DecodeAddress(s string) ([AddressSize]byte, error) {
	var addr [AddressSize]byte
	raw, err := base58.Decode(s)
	if err != nil || len(raw) != AddressSize {
		return addr, ErrBadAddress
	}
	copy(addr[:], raw)
	return addr, nil
}
