package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/sigilhq/sigil/internal/webauthn"
)

// Passkey is a software P-256 authenticator for tests. It produces assertions
// in the same shape a platform authenticator would: authenticator data with
// the user-present flag, client data JSON embedding the challenge, and an
// ECDSA signature over authData || SHA256(clientDataJSON).
type Passkey struct {
	Key          *ecdsa.PrivateKey
	CredentialID []byte
}

// NewPasskey generates a fresh software passkey.
func NewPasskey(t *testing.T, credentialID string) *Passkey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("passkey: generate key: %v", err)
	}
	return &Passkey{Key: key, CredentialID: []byte(credentialID)}
}

// PublicKey returns the 64-byte uncompressed X||Y public key.
func (p *Passkey) PublicKey() []byte {
	out := make([]byte, 64)
	p.Key.PublicKey.X.FillBytes(out[:32])
	p.Key.PublicKey.Y.FillBytes(out[32:])
	return out
}

// Sign produces a valid assertion over the given challenge.
func (p *Passkey) Sign(t *testing.T, challenge []byte) *webauthn.Assertion {
	t.Helper()

	authData := make([]byte, 37)
	copy(authData, "test-rp-id-hash-0123456789abcdef")
	authData[32] = 0x01 // user present
	binary.BigEndian.PutUint32(authData[33:], 1)

	clientData, err := json.Marshal(map[string]string{
		"type":      "webauthn.get",
		"challenge": base64.RawURLEncoding.EncodeToString(challenge),
		"origin":    "https://example.test",
	})
	if err != nil {
		t.Fatalf("passkey: marshal client data: %v", err)
	}

	clientHash := sha256.Sum256(clientData)
	signed := append(append([]byte(nil), authData...), clientHash[:]...)
	digest := sha256.Sum256(signed)

	r, s, err := ecdsa.Sign(rand.Reader, p.Key, digest[:])
	if err != nil {
		t.Fatalf("passkey: sign: %v", err)
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])

	return &webauthn.Assertion{
		AuthenticatorData: authData,
		ClientDataJSON:    clientData,
		Signature:         sig,
		CredentialID:      append([]byte(nil), p.CredentialID...),
	}
}
