package recovery

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Errors
var (
	ErrKeyHashMismatch    = errors.New("recovery: supplied key does not match backup key hash")
	ErrDecryptFailed      = errors.New("recovery: backup authentication failed")
	ErrInvalidBackupKey   = errors.New("recovery: backup key must be 32 bytes")
	ErrTruncatedBackup    = errors.New("recovery: truncated backup bytes")
	ErrTruncatedPayload   = errors.New("recovery: truncated recovery payload")
	ErrUnsupportedVersion = errors.New("recovery: unsupported backup version")
)

const (
	// BackupKeySize is the AES-256 key length.
	BackupKeySize = 32

	// BackupNonceSize is the AES-GCM nonce length.
	BackupNonceSize = 12

	// BackupVersion is the current backup format version.
	BackupVersion = 1
)

// backupKeyInfo is the HKDF info string separating backup keys from any other
// key material derived from the same secret.
const backupKeyInfo = "sigil-backup-key-v1"

// Backup is the last-resort restoration record. It stores a digest of the
// derived key for cheap verification, never the key itself, plus an AEAD
// ciphertext of the serialized recovery payload.
type Backup struct {
	KeyHash    [32]byte
	Ciphertext []byte
	Nonce      [BackupNonceSize]byte
	CreatedAt  int64
	Version    uint8
}

// Payload is what a backup protects: everything needed to re-establish
// control of the account in one atomic write.
type Payload struct {
	PasskeySet []byte // serialized PasskeySet
	Policy     []byte // tagged policy blob
}

// DeriveBackupKey stretches a user-held recovery secret into the AEAD key
// using HKDF-SHA256.
func DeriveBackupKey(secret []byte) [BackupKeySize]byte {
	var key [BackupKeySize]byte
	h := hkdf.New(sha256.New, secret, nil, []byte(backupKeyInfo))
	if _, err := io.ReadFull(h, key[:]); err != nil {
		// HKDF over SHA-256 cannot fail for a 32-byte read.
		panic("recovery: hkdf: " + err.Error())
	}
	return key
}

// CreateBackup encrypts the payload under AES-256-GCM with a fresh random
// nonce and records SHA256(derivedKey) for later verification.
func CreateBackup(payload *Payload, derivedKey []byte, now int64) (*Backup, error) {
	if len(derivedKey) != BackupKeySize {
		return nil, ErrInvalidBackupKey
	}

	aead, err := newAEAD(derivedKey)
	if err != nil {
		return nil, err
	}

	b := &Backup{
		KeyHash:   sha256.Sum256(derivedKey),
		CreatedAt: now,
		Version:   BackupVersion,
	}
	if _, err := rand.Read(b.Nonce[:]); err != nil {
		return nil, fmt.Errorf("recovery: nonce: %w", err)
	}
	b.Ciphertext = aead.Seal(nil, b.Nonce[:], payload.Marshal(), nil)
	return b, nil
}

// RestoreBackup verifies the supplied key against the stored hash before
// touching the cipher. A mismatched key fails fast without leaking anything
// from the AEAD layer. It then decrypts and parses the payload. Tag failure is
// terminal; no partial plaintext is ever returned.
func RestoreBackup(b *Backup, suppliedKey []byte) (*Payload, error) {
	if b.Version != BackupVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, b.Version)
	}
	if len(suppliedKey) != BackupKeySize {
		return nil, ErrInvalidBackupKey
	}

	hash := sha256.Sum256(suppliedKey)
	if subtle.ConstantTimeCompare(hash[:], b.KeyHash[:]) != 1 {
		return nil, ErrKeyHashMismatch
	}

	aead, err := newAEAD(suppliedKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, b.Nonce[:], b.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return ParsePayload(plaintext)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("recovery: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Marshal encodes the backup: key hash, nonce, created-at, version, then the
// length-prefixed ciphertext.
func (b *Backup) Marshal() []byte {
	out := make([]byte, 0, 32+BackupNonceSize+8+1+4+len(b.Ciphertext))
	out = append(out, b.KeyHash[:]...)
	out = append(out, b.Nonce[:]...)
	out = binary.LittleEndian.AppendUint64(out, uint64(b.CreatedAt))
	out = append(out, b.Version)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(b.Ciphertext)))
	out = append(out, b.Ciphertext...)
	return out
}

// ParseBackup decodes Marshal's output.
func ParseBackup(data []byte) (*Backup, error) {
	const fixed = 32 + BackupNonceSize + 8 + 1 + 4
	if len(data) < fixed {
		return nil, ErrTruncatedBackup
	}
	var b Backup
	off := 0
	copy(b.KeyHash[:], data[off:])
	off += 32
	copy(b.Nonce[:], data[off:])
	off += BackupNonceSize
	b.CreatedAt = int64(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	b.Version = data[off]
	off++
	n := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	if len(data) != off+n {
		return nil, ErrTruncatedBackup
	}
	b.Ciphertext = append([]byte(nil), data[off:]...)
	return &b, nil
}

// Marshal encodes the payload as two length-prefixed fields.
func (p *Payload) Marshal() []byte {
	out := make([]byte, 0, 8+len(p.PasskeySet)+len(p.Policy))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(p.PasskeySet)))
	out = append(out, p.PasskeySet...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(p.Policy)))
	out = append(out, p.Policy...)
	return out
}

// ParsePayload decodes Marshal's output.
func ParsePayload(data []byte) (*Payload, error) {
	var p Payload
	off := 0
	for _, f := range []*[]byte{&p.PasskeySet, &p.Policy} {
		if off+4 > len(data) {
			return nil, ErrTruncatedPayload
		}
		n := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if n > len(data)-off {
			return nil, ErrTruncatedPayload
		}
		*f = append([]byte(nil), data[off:off+n]...)
		off += n
	}
	if off != len(data) {
		return nil, ErrTruncatedPayload
	}
	return &p, nil
}
