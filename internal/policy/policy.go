// Package policy evaluates account-configured rules against proposed actions.
//
// Policies are stored on the account record as a tagged byte blob: one type
// byte followed by a fixed layout per type. New types can be added without
// touching existing decoders, and unknown tags always deny. Evaluation is
// pure: the host-supplied current time is an input, never a clock read.
package policy

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Errors
var (
	ErrMalformedPolicy       = errors.New("policy: malformed or unknown policy encoding")
	ErrAmountExceedsLimit    = errors.New("policy: amount exceeds limit")
	ErrTimeLocked            = errors.New("policy: time lock not yet elapsed")
	ErrInsufficientApprovals = errors.New("policy: insufficient multi-sig approvals")
)

// Policy type tags. The tag is the first byte of the encoded blob.
const (
	TagOpen          byte = 0
	TagSpendingLimit byte = 1
	TagDailyLimit    byte = 2
	TagTimeLocked    byte = 3
	TagMultiSig      byte = 4
)

// SignerSize is one registered multi-sig signer public key.
const SignerSize = 32

// MaxMultiSigSigners bounds the signer list so a policy blob cannot grow
// unboundedly.
const MaxMultiSigSigners = 16

// Kind identifies a decoded policy variant.
type Kind uint8

const (
	KindOpen Kind = iota
	KindSpendingLimit
	KindDailyLimit
	KindTimeLocked
	KindMultiSig
)

func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindSpendingLimit:
		return "spending_limit"
	case KindDailyLimit:
		return "daily_limit"
	case KindTimeLocked:
		return "time_locked"
	case KindMultiSig:
		return "multi_sig"
	default:
		return "unknown"
	}
}

// Policy is the decoded form of an account's rule. Exactly the fields for the
// active Kind are meaningful.
type Policy struct {
	Kind Kind

	// SpendingLimit / DailyLimit
	MaxAmount uint64

	// DailyLimit
	ResetAt int64

	// TimeLocked
	UnlockAt int64

	// MultiSig
	Signers [][SignerSize]byte
}

// Open allows everything.
func Open() Policy {
	return Policy{Kind: KindOpen}
}

// SpendingLimit caps the amount of a single action.
func SpendingLimit(max uint64) Policy {
	return Policy{Kind: KindSpendingLimit, MaxAmount: max}
}

// DailyLimit caps the amount of a single action within a window that the
// caller rolls forward by rewriting the policy at resetAt.
func DailyLimit(max uint64, resetAt int64) Policy {
	return Policy{Kind: KindDailyLimit, MaxAmount: max, ResetAt: resetAt}
}

// TimeLocked denies all actions before unlockAt.
func TimeLocked(unlockAt int64) Policy {
	return Policy{Kind: KindTimeLocked, UnlockAt: unlockAt}
}

// MultiSig requires approvals from every listed signer.
func MultiSig(signers [][SignerSize]byte) Policy {
	return Policy{Kind: KindMultiSig, Signers: signers}
}

// Encode serializes the policy as its tagged byte form.
func (p Policy) Encode() ([]byte, error) {
	switch p.Kind {
	case KindOpen:
		return []byte{TagOpen}, nil
	case KindSpendingLimit:
		out := make([]byte, 0, 9)
		out = append(out, TagSpendingLimit)
		return binary.LittleEndian.AppendUint64(out, p.MaxAmount), nil
	case KindDailyLimit:
		out := make([]byte, 0, 17)
		out = append(out, TagDailyLimit)
		out = binary.LittleEndian.AppendUint64(out, p.MaxAmount)
		return binary.LittleEndian.AppendUint64(out, uint64(p.ResetAt)), nil
	case KindTimeLocked:
		out := make([]byte, 0, 9)
		out = append(out, TagTimeLocked)
		return binary.LittleEndian.AppendUint64(out, uint64(p.UnlockAt)), nil
	case KindMultiSig:
		if len(p.Signers) == 0 || len(p.Signers) > MaxMultiSigSigners {
			return nil, fmt.Errorf("%w: multi-sig signer count %d", ErrMalformedPolicy, len(p.Signers))
		}
		out := make([]byte, 0, 2+len(p.Signers)*SignerSize)
		out = append(out, TagMultiSig, byte(len(p.Signers)))
		for _, s := range p.Signers {
			out = append(out, s[:]...)
		}
		return out, nil
	default:
		return nil, ErrMalformedPolicy
	}
}

// Decode parses a tagged policy blob. Empty bytes decode to Open; accounts
// registered before policies existed carry no blob at all. Anything else
// either decodes fully or fails; there is no partial parse.
func Decode(raw []byte) (Policy, error) {
	if len(raw) == 0 {
		return Open(), nil
	}
	tag, body := raw[0], raw[1:]
	switch tag {
	case TagOpen:
		if len(body) != 0 {
			return Policy{}, ErrMalformedPolicy
		}
		return Open(), nil
	case TagSpendingLimit:
		if len(body) != 8 {
			return Policy{}, ErrMalformedPolicy
		}
		return SpendingLimit(binary.LittleEndian.Uint64(body)), nil
	case TagDailyLimit:
		if len(body) != 16 {
			return Policy{}, ErrMalformedPolicy
		}
		return DailyLimit(
			binary.LittleEndian.Uint64(body[:8]),
			int64(binary.LittleEndian.Uint64(body[8:])),
		), nil
	case TagTimeLocked:
		if len(body) != 8 {
			return Policy{}, ErrMalformedPolicy
		}
		return TimeLocked(int64(binary.LittleEndian.Uint64(body))), nil
	case TagMultiSig:
		if len(body) < 1 {
			return Policy{}, ErrMalformedPolicy
		}
		count := int(body[0])
		if count == 0 || count > MaxMultiSigSigners || len(body) != 1+count*SignerSize {
			return Policy{}, ErrMalformedPolicy
		}
		signers := make([][SignerSize]byte, count)
		for i := 0; i < count; i++ {
			copy(signers[i][:], body[1+i*SignerSize:])
		}
		return MultiSig(signers), nil
	default:
		return Policy{}, fmt.Errorf("%w: unknown tag %d", ErrMalformedPolicy, tag)
	}
}
