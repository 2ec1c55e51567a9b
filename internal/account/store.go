package account

import "context"

// Store persists account records. Put must be a single atomic record
// replacement: a reader never observes a partially written record.
type Store interface {
	// Get returns the record at addr, or ErrNotFound.
	Get(ctx context.Context, addr [AddressSize]byte) (*Record, error)

	// Create writes a brand-new record, failing with ErrExists if one is
	// already stored at addr.
	Create(ctx context.Context, addr [AddressSize]byte, r *Record) error

	// Put atomically replaces the record at addr, failing with ErrNotFound
	// if none exists.
	Put(ctx context.Context, addr [AddressSize]byte, r *Record) error
}

// Summary is one row of an account listing.
type Summary struct {
	Address   [AddressSize]byte
	Nonce     uint64
	CreatedAt int64
}

// Lister enumerates accounts ordered by creation time then address. Stores
// that support listing implement it alongside Store.
type Lister interface {
	// List returns up to limit summaries positioned strictly after
	// (afterCreatedAt, afterAddr).
	List(ctx context.Context, afterCreatedAt int64, afterAddr [AddressSize]byte, limit int) ([]Summary, error)
}

// Clock supplies the current time for TimeLocked/DailyLimit comparisons and
// commit timestamps. The core never reads a system clock itself.
type Clock interface {
	Now() int64
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() int64

// Now implements Clock.
func (f ClockFunc) Now() int64 { return f() }

// Forwarder receives the authorized action after commit. The core does not
// interpret or execute the action's effects.
type Forwarder interface {
	Forward(ctx context.Context, addr [AddressSize]byte, payload []byte) error
}

// ForwarderFunc adapts a function to the Forwarder interface.
type ForwarderFunc func(ctx context.Context, addr [AddressSize]byte, payload []byte) error

// Forward implements Forwarder.
func (f ForwarderFunc) Forward(ctx context.Context, addr [AddressSize]byte, payload []byte) error {
	return f(ctx, addr, payload)
}
