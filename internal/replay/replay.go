// Package replay enforces strictly-increasing per-account nonces.
//
// The guard only computes the candidate next nonce. Persisting it is the
// account state machine's job, done after policy evaluation also passes, so a
// nonce is never burned by a request that ends up denied.
package replay

import (
	"errors"
	"math"
)

var (
	// ErrNonceNotIncreasing means the claimed nonce was equal to or below the
	// stored one. There is no grace window; the rejection is permanent.
	ErrNonceNotIncreasing = errors.New("replay: nonce not strictly increasing")

	// ErrNonceExhausted means the stored nonce reached the u64 maximum. The
	// credential is frozen until rotated; wrapping would re-open replay.
	ErrNonceExhausted = errors.New("replay: nonce exhausted")
)

// CheckAndAdvance validates a claimed nonce against the stored one and returns
// the candidate value to commit. No state is mutated here.
func CheckAndAdvance(stored, claimed uint64) (uint64, error) {
	if stored == math.MaxUint64 {
		return 0, ErrNonceExhausted
	}
	if claimed <= stored {
		return 0, ErrNonceNotIncreasing
	}
	return claimed, nil
}
