// Package webauthn verifies WebAuthn/P-256 assertions for passkey-controlled
// accounts.
//
// A passkey authorization carries three things from the user's device: the
// authenticator data, the collected client data JSON (which embeds the
// challenge), and an ECDSA P-256 signature over
// authenticatorData || SHA256(clientDataJSON). Verification is pure: no
// mutation, no I/O, no clock.
package webauthn

import (
	"encoding/binary"
	"errors"
)

// Errors
var (
	ErrAuthenticatorDataTooShort = errors.New("webauthn: authenticator data shorter than 37 bytes")
	ErrMalformedAuthenticatorData = errors.New("webauthn: malformed authenticator data")
	ErrInvalidPublicKey          = errors.New("webauthn: invalid P-256 public key")
	ErrMalformedClientData       = errors.New("webauthn: malformed client data JSON")
	ErrChallengeMismatch         = errors.New("webauthn: challenge mismatch")
	ErrSignatureEncoding         = errors.New("webauthn: signature is neither raw 64-byte nor DER")
	ErrSignatureInvalid          = errors.New("webauthn: signature verification failed")
	ErrCredentialMismatch        = errors.New("webauthn: credential ID does not match account")
	ErrUserNotPresent            = errors.New("webauthn: user-present flag not set")
	ErrTruncatedAssertion        = errors.New("webauthn: truncated assertion bytes")
)

const (
	// PublicKeySize is an uncompressed P-256 public key: X || Y.
	PublicKeySize = 64

	// CompressedPublicKeySize is a SEC1 compressed P-256 public key.
	CompressedPublicKeySize = 33

	// minAuthenticatorDataLen is the RP ID hash (32) + flags (1) + counter (4).
	minAuthenticatorDataLen = 37
)

// Assertion is one WebAuthn authentication response. It is constructed per
// request, consumed once, and never persisted.
type Assertion struct {
	AuthenticatorData []byte
	ClientDataJSON    []byte
	Signature         []byte
	CredentialID      []byte
}

// Marshal encodes the assertion as four length-prefixed fields
// (4-byte little-endian length, then the bytes) in declaration order.
func (a *Assertion) Marshal() []byte {
	total := 4*4 + len(a.AuthenticatorData) + len(a.ClientDataJSON) + len(a.Signature) + len(a.CredentialID)
	out := make([]byte, 0, total)
	for _, field := range [][]byte{a.AuthenticatorData, a.ClientDataJSON, a.Signature, a.CredentialID} {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(field)))
		out = append(out, field...)
	}
	return out
}

// ParseAssertion decodes the length-prefixed wire form produced by Marshal.
// Trailing bytes after the last field are rejected.
func ParseAssertion(data []byte) (*Assertion, error) {
	var a Assertion
	fields := []*[]byte{&a.AuthenticatorData, &a.ClientDataJSON, &a.Signature, &a.CredentialID}
	off := 0
	for _, f := range fields {
		if off+4 > len(data) {
			return nil, ErrTruncatedAssertion
		}
		n := int(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
		if n < 0 || off+n > len(data) {
			return nil, ErrTruncatedAssertion
		}
		*f = append([]byte(nil), data[off:off+n]...)
		off += n
	}
	if off != len(data) {
		return nil, ErrTruncatedAssertion
	}
	return &a, nil
}
