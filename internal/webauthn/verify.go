package webauthn

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/asn1"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/go-webauthn/webauthn/protocol"
)

// Challenge derives the expected challenge for an authorization request.
// Binding the challenge to both the action hash and the claimed nonce means a
// signature authorizes exactly one action at exactly one nonce.
func Challenge(actionHash [32]byte, nonce uint64) []byte {
	var nonceLE [8]byte
	binary.LittleEndian.PutUint64(nonceLE[:], nonce)
	sum := sha256.Sum256(append(actionHash[:], nonceLE[:]...))
	return sum[:]
}

// Verify checks a WebAuthn assertion against an expected public key and
// challenge. Every step is mandatory and runs in order; the first failure is
// returned as a specific sentinel so denials stay auditable.
//
// publicKey is a 64-byte uncompressed X||Y point. A 33-byte SEC1 compressed
// key is also accepted and expanded first.
func Verify(a *Assertion, publicKey []byte, expectedChallenge []byte) error {
	if len(a.AuthenticatorData) < minAuthenticatorDataLen {
		return ErrAuthenticatorDataTooShort
	}

	pub, err := parsePublicKey(publicKey)
	if err != nil {
		return err
	}

	var authData protocol.AuthenticatorData
	if err := authData.Unmarshal(a.AuthenticatorData); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedAuthenticatorData, err)
	}
	if !authData.Flags.UserPresent() {
		return ErrUserNotPresent
	}

	if err := matchChallenge(a.ClientDataJSON, expectedChallenge); err != nil {
		return err
	}

	clientDataHash := sha256.Sum256(a.ClientDataJSON)
	signed := make([]byte, 0, len(a.AuthenticatorData)+len(clientDataHash))
	signed = append(signed, a.AuthenticatorData...)
	signed = append(signed, clientDataHash[:]...)
	digest := sha256.Sum256(signed)

	return verifySignature(pub, digest[:], a.Signature)
}

// matchChallenge parses the client data JSON and requires its embedded
// challenge to equal the expected one byte-for-byte after base64url decoding.
func matchChallenge(clientDataJSON, expected []byte) error {
	var cd protocol.CollectedClientData
	if err := json.Unmarshal(clientDataJSON, &cd); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedClientData, err)
	}
	if cd.Challenge == "" {
		return ErrChallengeMismatch
	}
	got, err := base64.RawURLEncoding.DecodeString(cd.Challenge)
	if err != nil {
		// Some clients pad; accept standard URL encoding as the one fallback.
		got, err = base64.URLEncoding.DecodeString(cd.Challenge)
		if err != nil {
			return fmt.Errorf("%w: challenge is not base64url", ErrMalformedClientData)
		}
	}
	if subtle.ConstantTimeCompare(got, expected) != 1 {
		return ErrChallengeMismatch
	}
	return nil
}

// parsePublicKey accepts a 64-byte uncompressed X||Y key or a 33-byte
// compressed key and returns the curve point, rejecting anything off-curve.
func parsePublicKey(key []byte) (*ecdsa.PublicKey, error) {
	curve := elliptic.P256()
	switch len(key) {
	case PublicKeySize:
		x := new(big.Int).SetBytes(key[:32])
		y := new(big.Int).SetBytes(key[32:])
		if !curve.IsOnCurve(x, y) {
			return nil, ErrInvalidPublicKey
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	case CompressedPublicKeySize:
		x, y := elliptic.UnmarshalCompressed(curve, key)
		if x == nil {
			return nil, ErrInvalidPublicKey
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, ErrInvalidPublicKey
	}
}

// NormalizePublicKey validates a caller-supplied public key and returns the
// 64-byte uncompressed X||Y form. 33-byte compressed keys are expanded;
// anything else, including off-curve points, is rejected.
func NormalizePublicKey(key []byte) ([PublicKeySize]byte, error) {
	var out [PublicKeySize]byte
	pub, err := parsePublicKey(key)
	if err != nil {
		return out, err
	}
	pub.X.FillBytes(out[:32])
	pub.Y.FillBytes(out[32:])
	return out, nil
}

// DecompressPublicKey expands a 33-byte compressed P-256 key to the 64-byte
// uncompressed X||Y form stored in account records.
func DecompressPublicKey(compressed []byte) ([PublicKeySize]byte, error) {
	var out [PublicKeySize]byte
	if len(compressed) != CompressedPublicKeySize {
		return out, ErrInvalidPublicKey
	}
	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), compressed)
	if x == nil {
		return out, ErrInvalidPublicKey
	}
	x.FillBytes(out[:32])
	y.FillBytes(out[32:])
	return out, nil
}

// ecdsaSignature is the ASN.1 SEQUENCE { r INTEGER, s INTEGER } DER layout.
type ecdsaSignature struct {
	R, S *big.Int
}

// verifySignature accepts a raw 64-byte r||s signature or a DER-encoded one.
// Any other encoding is rejected before touching the curve.
func verifySignature(pub *ecdsa.PublicKey, digest, sig []byte) error {
	var r, s *big.Int
	switch {
	case len(sig) == 64:
		r = new(big.Int).SetBytes(sig[:32])
		s = new(big.Int).SetBytes(sig[32:])
	default:
		var der ecdsaSignature
		rest, err := asn1.Unmarshal(sig, &der)
		if err != nil || len(rest) != 0 || der.R == nil || der.S == nil {
			return ErrSignatureEncoding
		}
		r, s = der.R, der.S
	}
	if r.Sign() <= 0 || s.Sign() <= 0 {
		return ErrSignatureInvalid
	}
	if !ecdsa.Verify(pub, digest, r, s) {
		return ErrSignatureInvalid
	}
	return nil
}
