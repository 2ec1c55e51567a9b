package policy

// Action is the proposed state change being evaluated. Approvals is the count
// of distinct registered co-signers whose signatures the execution layer has
// already verified; this engine only counts, it never verifies signatures.
type Action struct {
	Amount    uint64
	Hash      [32]byte
	Approvals uint8
	Payload   []byte
}

// Evaluate decodes the stored policy blob and checks the action against it.
// nil means Allow; any error is a terminal Deny for the request and must not
// trigger state mutation anywhere. Malformed or unknown policy bytes deny.
func Evaluate(raw []byte, action Action, now int64) error {
	p, err := Decode(raw)
	if err != nil {
		return err
	}
	return p.Evaluate(action, now)
}

// Evaluate checks the action against an already-decoded policy.
func (p Policy) Evaluate(action Action, now int64) error {
	switch p.Kind {
	case KindOpen:
		return nil
	case KindSpendingLimit:
		if action.Amount > p.MaxAmount {
			return ErrAmountExceedsLimit
		}
		return nil
	case KindDailyLimit:
		// Per-transaction ceiling only. A rolling daily total is not tracked;
		// once now >= ResetAt the caller rolls the window forward by writing a
		// fresh policy through update_policy.
		if action.Amount > p.MaxAmount {
			return ErrAmountExceedsLimit
		}
		return nil
	case KindTimeLocked:
		if now < p.UnlockAt {
			return ErrTimeLocked
		}
		return nil
	case KindMultiSig:
		if len(p.Signers) == 0 || len(p.Signers) > MaxMultiSigSigners {
			return ErrMalformedPolicy
		}
		if int(action.Approvals) < len(p.Signers) {
			return ErrInsufficientApprovals
		}
		return nil
	default:
		return ErrMalformedPolicy
	}
}
