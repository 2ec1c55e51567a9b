package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. Records are stored as a
// single marshaled blob keyed by address, with the nonce mirrored in its own
// column so Put can enforce monotonicity at the database level too.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, addr [AddressSize]byte) (*Record, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT record FROM accounts WHERE address = $1
	`, addr[:]).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return ParseRecord(raw)
}

func (p *PostgresStore) Create(ctx context.Context, addr [AddressSize]byte, r *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (address, nonce, record, created_at, updated_at)
		VALUES ($1, $2, $3, to_timestamp($4), to_timestamp($5))
	`, addr[:], strconv.FormatUint(r.Nonce, 10), r.Marshal(), r.CreatedAt, r.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrExists
	}
	return err
}

func (p *PostgresStore) Put(ctx context.Context, addr [AddressSize]byte, r *Record) error {
	// The nonce guard makes the write conditional: a concurrent commit that
	// already advanced past this record's nonce turns the update into a no-op
	// and the caller's transition fails rather than rolling state back. The
	// nonce column is NUMERIC because BIGINT cannot order the full uint64
	// range.
	res, err := p.db.ExecContext(ctx, `
		UPDATE accounts
		SET nonce = $2::NUMERIC(20,0), record = $3, updated_at = to_timestamp($4)
		WHERE address = $1 AND nonce <= $2::NUMERIC(20,0)
	`, addr[:], strconv.FormatUint(r.Nonce, 10), r.Marshal(), r.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		exists, err := p.exists(ctx, addr)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return fmt.Errorf("account: stale write lost to concurrent commit")
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, afterCreatedAt int64, afterAddr [AddressSize]byte, limit int) ([]Summary, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT address, nonce::TEXT, EXTRACT(EPOCH FROM created_at)::BIGINT
		FROM accounts
		WHERE (created_at, address) > (to_timestamp($1), $2)
		ORDER BY created_at, address
		LIMIT $3
	`, afterCreatedAt, afterAddr[:], limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Summary
	for rows.Next() {
		var (
			raw       []byte
			nonceText string
			s         Summary
		)
		if err := rows.Scan(&raw, &nonceText, &s.CreatedAt); err != nil {
			return nil, err
		}
		if len(raw) != AddressSize {
			return nil, fmt.Errorf("%w: stored address is %d bytes", ErrMalformedRecord, len(raw))
		}
		copy(s.Address[:], raw)
		s.Nonce, err = strconv.ParseUint(nonceText, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("account: bad stored nonce %q: %w", nonceText, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) exists(ctx context.Context, addr [AddressSize]byte) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE address = $1`, addr[:]).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

var (
	_ Store  = (*PostgresStore)(nil)
	_ Lister = (*PostgresStore)(nil)
)
