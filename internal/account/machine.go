package account

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"

	"github.com/sigilhq/sigil/internal/policy"
	"github.com/sigilhq/sigil/internal/recovery"
	"github.com/sigilhq/sigil/internal/replay"
	"github.com/sigilhq/sigil/internal/syncutil"
	"github.com/sigilhq/sigil/internal/webauthn"
)

// Domain separators for challenge derivation. Each operation class signs a
// distinct hash so an assertion for one operation can never authorize another.
const (
	policyUpdateSeed = "sigil-policy-update"
	recoverySeed     = "sigil-recover"
	passkeyAddSeed   = "sigil-add-passkey"
	passkeyStateSeed = "sigil-set-passkey"
	thresholdSeed    = "sigil-set-threshold"
)

// Machine sequences every authorization transition for stored accounts.
// All mutating methods run the same pipeline: load, verify credential and
// signature, check replay, evaluate policy where the operation spends, then
// commit exactly once. Nothing is persisted on any failure.
type Machine struct {
	store     Store
	clock     Clock
	forwarder Forwarder
	logger    *slog.Logger
	locks     *syncutil.ContextShardedMutex
}

// NewMachine creates a machine over the given store. forwarder may be nil
// when authorized actions have no downstream consumer; logger may be nil.
func NewMachine(store Store, clock Clock, forwarder Forwarder, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:     store,
		clock:     clock,
		forwarder: forwarder,
		logger:    logger,
		locks:     syncutil.NewContextShardedMutex(),
	}
}

// Register creates a new account bound to one passkey credential. The public
// key may be the 64-byte uncompressed or 33-byte compressed form; it is
// validated against the curve and stored uncompressed. policyBlob must decode
// (empty means Open) or registration is refused.
func (m *Machine) Register(ctx context.Context, owner [OwnerSize]byte, publicKey, credentialID, policyBlob []byte) ([AddressSize]byte, *Record, error) {
	var addr [AddressSize]byte
	if len(credentialID) == 0 {
		return addr, nil, fmt.Errorf("%w: empty credential ID", ErrMalformedRecord)
	}
	pub, err := webauthn.NormalizePublicKey(publicKey)
	if err != nil {
		return addr, nil, err
	}
	if _, err := policy.Decode(policyBlob); err != nil {
		return addr, nil, err
	}

	now := m.clock.Now()
	set, err := recovery.NewPasskeySet(recovery.PasskeyEntry{
		PublicKey:    pub,
		CredentialID: append([]byte(nil), credentialID...),
		Name:         "primary",
		AddedAt:      now,
	}, 1, recovery.DefaultMaxPasskeys)
	if err != nil {
		return addr, nil, err
	}

	rec := &Record{
		Owner:            owner,
		PasskeyPublicKey: pub,
		CredentialID:     append([]byte(nil), credentialID...),
		Nonce:            0,
		Policy:           append([]byte(nil), policyBlob...),
		PasskeySet:       set.Marshal(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	addr = Address(owner, credentialID)
	if err := m.store.Create(ctx, addr, rec); err != nil {
		return addr, nil, err
	}
	m.logger.InfoContext(ctx, "account registered",
		"address", EncodeAddress(addr),
		"policy_bytes", len(policyBlob))
	return addr, rec, nil
}

// Get loads an account record.
func (m *Machine) Get(ctx context.Context, addr [AddressSize]byte) (*Record, error) {
	return m.store.Get(ctx, addr)
}

// Authorize runs the full pipeline for a spend-class action. On success the
// nonce advances to claimedNonce in the same commit, and the action payload
// is handed to the forwarder. A forwarder error is returned to the caller but
// the commit stands; the action was authorized and the nonce is consumed.
func (m *Machine) Authorize(ctx context.Context, addr [AddressSize]byte, assertion *webauthn.Assertion, claimedNonce uint64, action policy.Action) (*Record, error) {
	unlock, err := m.lock(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := m.store.Get(ctx, addr)
	if err != nil {
		return nil, err
	}
	if err := m.verifyPrimary(rec, assertion, webauthn.Challenge(action.Hash, claimedNonce)); err != nil {
		return nil, err
	}
	next, err := replay.CheckAndAdvance(rec.Nonce, claimedNonce)
	if err != nil {
		return nil, err
	}
	if err := policy.Evaluate(rec.Policy, action, m.clock.Now()); err != nil {
		return nil, err
	}

	cp := rec.Clone()
	cp.Nonce = next
	cp.UpdatedAt = m.clock.Now()
	if err := m.store.Put(ctx, addr, cp); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "action authorized",
		"address", EncodeAddress(addr),
		"nonce", next,
		"amount", action.Amount)

	if m.forwarder != nil {
		if err := m.forwarder.Forward(ctx, addr, action.Payload); err != nil {
			m.logger.ErrorContext(ctx, "forward failed after commit",
				"address", EncodeAddress(addr), "error", err)
			return cp, fmt.Errorf("account: forward: %w", err)
		}
	}
	return cp, nil
}

// UpdatePolicy replaces the account policy. The assertion signs a challenge
// bound to the new policy bytes, and the update is gated by the policy being
// replaced: a time-locked account cannot swap its policy out before unlock.
func (m *Machine) UpdatePolicy(ctx context.Context, addr [AddressSize]byte, assertion *webauthn.Assertion, claimedNonce uint64, newPolicy []byte, approvals uint8) (*Record, error) {
	unlock, err := m.lock(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := m.store.Get(ctx, addr)
	if err != nil {
		return nil, err
	}
	if _, err := policy.Decode(newPolicy); err != nil {
		return nil, err
	}
	action := policy.Action{Hash: PolicyUpdateHash(newPolicy), Approvals: approvals}
	if err := m.verifyPrimary(rec, assertion, webauthn.Challenge(action.Hash, claimedNonce)); err != nil {
		return nil, err
	}
	next, err := replay.CheckAndAdvance(rec.Nonce, claimedNonce)
	if err != nil {
		return nil, err
	}
	if err := policy.Evaluate(rec.Policy, action, m.clock.Now()); err != nil {
		return nil, err
	}

	cp := rec.Clone()
	cp.Nonce = next
	cp.Policy = append([]byte(nil), newPolicy...)
	cp.UpdatedAt = m.clock.Now()
	if err := m.store.Put(ctx, addr, cp); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "policy updated",
		"address", EncodeAddress(addr), "nonce", next)
	return cp, nil
}

// AddPasskey registers an additional recovery credential. Passkey management
// is authorized by the primary credential and the nonce, but not gated by the
// spending policy.
func (m *Machine) AddPasskey(ctx context.Context, addr [AddressSize]byte, assertion *webauthn.Assertion, claimedNonce uint64, publicKey, credentialID []byte, name string) (*Record, error) {
	pub, err := webauthn.NormalizePublicKey(publicKey)
	if err != nil {
		return nil, err
	}
	entry := recovery.PasskeyEntry{
		PublicKey:    pub,
		CredentialID: append([]byte(nil), credentialID...),
		Name:         name,
	}
	hash := PasskeyAddHash(credentialID, pub[:])
	return m.mutatePasskeySet(ctx, addr, assertion, claimedNonce, hash, func(set *recovery.PasskeySet) error {
		entry.AddedAt = m.clock.Now()
		return set.AddPasskey(entry)
	})
}

// DisablePasskey soft-revokes a credential without removing it.
func (m *Machine) DisablePasskey(ctx context.Context, addr [AddressSize]byte, assertion *webauthn.Assertion, claimedNonce uint64, credentialID []byte) (*Record, error) {
	hash := PasskeyStateHash(credentialID, false)
	return m.mutatePasskeySet(ctx, addr, assertion, claimedNonce, hash, func(set *recovery.PasskeySet) error {
		return set.DisablePasskey(credentialID)
	})
}

// EnablePasskey re-activates a soft-revoked credential.
func (m *Machine) EnablePasskey(ctx context.Context, addr [AddressSize]byte, assertion *webauthn.Assertion, claimedNonce uint64, credentialID []byte) (*Record, error) {
	hash := PasskeyStateHash(credentialID, true)
	return m.mutatePasskeySet(ctx, addr, assertion, claimedNonce, hash, func(set *recovery.PasskeySet) error {
		return set.EnablePasskey(credentialID)
	})
}

// SetRecoveryThreshold updates how many enabled credentials a recovery needs.
func (m *Machine) SetRecoveryThreshold(ctx context.Context, addr [AddressSize]byte, assertion *webauthn.Assertion, claimedNonce uint64, threshold uint8) (*Record, error) {
	hash := ThresholdHash(threshold)
	return m.mutatePasskeySet(ctx, addr, assertion, claimedNonce, hash, func(set *recovery.PasskeySet) error {
		return set.SetRecoveryThreshold(threshold)
	})
}

// mutatePasskeySet is the shared pipeline for passkey management operations:
// verify against the primary credential, check replay, apply the mutation to
// the decoded set, then commit set and nonce together.
func (m *Machine) mutatePasskeySet(ctx context.Context, addr [AddressSize]byte, assertion *webauthn.Assertion, claimedNonce uint64, hash [32]byte, mutate func(*recovery.PasskeySet) error) (*Record, error) {
	unlock, err := m.lock(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := m.store.Get(ctx, addr)
	if err != nil {
		return nil, err
	}
	if err := m.verifyPrimary(rec, assertion, webauthn.Challenge(hash, claimedNonce)); err != nil {
		return nil, err
	}
	next, err := replay.CheckAndAdvance(rec.Nonce, claimedNonce)
	if err != nil {
		return nil, err
	}
	set, err := m.passkeySet(rec)
	if err != nil {
		return nil, err
	}
	if err := mutate(set); err != nil {
		return nil, err
	}

	cp := rec.Clone()
	cp.Nonce = next
	cp.PasskeySet = set.Marshal()
	cp.UpdatedAt = m.clock.Now()
	if err := m.store.Put(ctx, addr, cp); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "passkey set updated",
		"address", EncodeAddress(addr), "nonce", next)
	return cp, nil
}

// RecoverViaPasskeys rotates the primary credential using threshold-many
// assertions from distinct enabled recovery passkeys. Each assertion signs
// the same challenge, bound to the credential being promoted and the claimed
// nonce. The old primary stays registered (and can then be disabled); the
// nonce advances so the recovery itself cannot be replayed.
func (m *Machine) RecoverViaPasskeys(ctx context.Context, addr [AddressSize]byte, assertions []*webauthn.Assertion, claimedNonce uint64, newPrimaryCredentialID []byte) (*Record, error) {
	unlock, err := m.lock(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := m.store.Get(ctx, addr)
	if err != nil {
		return nil, err
	}
	set, err := m.passkeySet(rec)
	if err != nil {
		return nil, err
	}
	if !set.RecoveryEligible() {
		return nil, recovery.ErrBelowThreshold
	}

	challenge := webauthn.Challenge(RecoveryHash(newPrimaryCredentialID), claimedNonce)
	seen := make(map[string]bool, len(assertions))
	verified := 0
	for _, a := range assertions {
		entry := set.FindPasskey(a.CredentialID)
		if entry == nil {
			return nil, recovery.ErrPasskeyNotFound
		}
		if !entry.Enabled {
			return nil, recovery.ErrPasskeyDisabled
		}
		if seen[string(a.CredentialID)] {
			continue // the same credential counts once
		}
		if err := webauthn.Verify(a, entry.PublicKey[:], challenge); err != nil {
			return nil, err
		}
		seen[string(a.CredentialID)] = true
		verified++
	}
	if verified < int(set.RecoveryThreshold) {
		return nil, fmt.Errorf("%w: %d of %d", recovery.ErrBelowThreshold, verified, set.RecoveryThreshold)
	}

	next, err := replay.CheckAndAdvance(rec.Nonce, claimedNonce)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(set.Primary.CredentialID, newPrimaryCredentialID) {
		if err := set.RotatePrimary(newPrimaryCredentialID); err != nil {
			return nil, err
		}
	}

	cp := rec.Clone()
	cp.Nonce = next
	cp.PasskeyPublicKey = set.Primary.PublicKey
	cp.CredentialID = append([]byte(nil), set.Primary.CredentialID...)
	cp.PasskeySet = set.Marshal()
	cp.UpdatedAt = m.clock.Now()
	if err := m.store.Put(ctx, addr, cp); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "account recovered via passkeys",
		"address", EncodeAddress(addr),
		"verified", verified,
		"threshold", set.RecoveryThreshold)
	return cp, nil
}

// RestoreFromBackup replaces the account's passkey set and policy from an
// encrypted backup. Possession of the backup key is the authorization; no
// assertion or nonce is consumed, and the stored nonce is preserved so replay
// protection survives the restore.
func (m *Machine) RestoreFromBackup(ctx context.Context, addr [AddressSize]byte, backup *recovery.Backup, key []byte) (*Record, error) {
	unlock, err := m.lock(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := m.store.Get(ctx, addr)
	if err != nil {
		return nil, err
	}
	payload, err := recovery.RestoreBackup(backup, key)
	if err != nil {
		return nil, err
	}
	set, err := recovery.ParsePasskeySet(payload.PasskeySet)
	if err != nil {
		return nil, err
	}
	if _, err := policy.Decode(payload.Policy); err != nil {
		return nil, err
	}

	cp := rec.Clone()
	cp.PasskeyPublicKey = set.Primary.PublicKey
	cp.CredentialID = append([]byte(nil), set.Primary.CredentialID...)
	cp.PasskeySet = append([]byte(nil), payload.PasskeySet...)
	cp.Policy = append([]byte(nil), payload.Policy...)
	cp.UpdatedAt = m.clock.Now()
	if err := m.store.Put(ctx, addr, cp); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "account restored from backup",
		"address", EncodeAddress(addr),
		"backup_created_at", backup.CreatedAt)
	return cp, nil
}

// CreateBackup encrypts the account's current passkey set and policy under
// the supplied backup key.
func (m *Machine) CreateBackup(ctx context.Context, addr [AddressSize]byte, key []byte) (*recovery.Backup, error) {
	rec, err := m.store.Get(ctx, addr)
	if err != nil {
		return nil, err
	}
	payload := &recovery.Payload{
		PasskeySet: rec.PasskeySet,
		Policy:     rec.Policy,
	}
	return recovery.CreateBackup(payload, key, m.clock.Now())
}

// RecoveryStatus reports the decoded passkey set and whether recovery is
// currently possible.
func (m *Machine) RecoveryStatus(ctx context.Context, addr [AddressSize]byte) (*recovery.PasskeySet, bool, error) {
	rec, err := m.store.Get(ctx, addr)
	if err != nil {
		return nil, false, err
	}
	set, err := m.passkeySet(rec)
	if err != nil {
		return nil, false, err
	}
	return set, set.RecoveryEligible(), nil
}

// lock serializes mutating transitions per address within this process. The
// store's conditional write still guards cross-process races.
func (m *Machine) lock(ctx context.Context, addr [AddressSize]byte) (func(), error) {
	return m.locks.LockContext(ctx, string(addr[:]))
}

// verifyPrimary checks credential identity and the WebAuthn assertion against
// the account's current primary key. A primary marked disabled in the stored
// set carries no authority: restored or legacy records can hold such a set,
// and a soft-revoked credential must not authorize anything.
func (m *Machine) verifyPrimary(rec *Record, assertion *webauthn.Assertion, challenge []byte) error {
	if !bytes.Equal(assertion.CredentialID, rec.CredentialID) {
		return webauthn.ErrCredentialMismatch
	}
	set, err := m.passkeySet(rec)
	if err != nil {
		return err
	}
	if !set.Primary.Enabled {
		return fmt.Errorf("%w: primary credential is revoked", recovery.ErrPasskeyDisabled)
	}
	return webauthn.Verify(assertion, rec.PasskeyPublicKey[:], challenge)
}

// passkeySet decodes the record's set, synthesizing a single-credential set
// for records written before multi-passkey support.
func (m *Machine) passkeySet(rec *Record) (*recovery.PasskeySet, error) {
	if len(rec.PasskeySet) == 0 {
		return recovery.NewPasskeySet(recovery.PasskeyEntry{
			PublicKey:    rec.PasskeyPublicKey,
			CredentialID: append([]byte(nil), rec.CredentialID...),
			Name:         "primary",
			AddedAt:      rec.CreatedAt,
		}, 1, recovery.DefaultMaxPasskeys)
	}
	return recovery.ParsePasskeySet(rec.PasskeySet)
}

// PolicyUpdateHash binds an assertion to a specific replacement policy blob.
func PolicyUpdateHash(newPolicy []byte) [32]byte {
	return seedHash(policyUpdateSeed, newPolicy)
}

// RecoveryHash binds recovery assertions to the credential being promoted.
func RecoveryHash(newPrimaryCredentialID []byte) [32]byte {
	return seedHash(recoverySeed, newPrimaryCredentialID)
}

// PasskeyAddHash binds an assertion to the exact credential being added.
func PasskeyAddHash(credentialID, publicKey []byte) [32]byte {
	return seedHash(passkeyAddSeed, credentialID, publicKey)
}

// PasskeyStateHash binds an assertion to an enable or disable of one
// credential.
func PasskeyStateHash(credentialID []byte, enable bool) [32]byte {
	state := byte(0)
	if enable {
		state = 1
	}
	return seedHash(passkeyStateSeed, credentialID, []byte{state})
}

// ThresholdHash binds an assertion to a recovery threshold change.
func ThresholdHash(threshold uint8) [32]byte {
	return seedHash(thresholdSeed, []byte{threshold})
}

func seedHash(seed string, parts ...[]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(seed))
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
