package wallet

import (
	"context"
	"database/sql"
)

// PostgresStore persists payout wallets in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Upsert(ctx context.Context, w *Wallet) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets (handle, currency, address, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (handle, currency) DO UPDATE SET
			address = EXCLUDED.address,
			updated_at = EXCLUDED.updated_at`,
		w.Handle, w.Currency, w.Address, w.CreatedAt, w.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, handle, currency string) (*Wallet, error) {
	var w Wallet
	err := p.db.QueryRowContext(ctx, `
		SELECT handle, currency, address, created_at, updated_at
		FROM wallets WHERE handle = $1 AND currency = $2`, handle, currency).Scan(
		&w.Handle, &w.Currency, &w.Address, &w.CreatedAt, &w.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, handle string) ([]*Wallet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT handle, currency, address, created_at, updated_at
		FROM wallets WHERE handle = $1 ORDER BY currency ASC`, handle)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Wallet
	for rows.Next() {
		var w Wallet
		if err := rows.Scan(&w.Handle, &w.Currency, &w.Address, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, &w)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Delete(ctx context.Context, handle, currency string) error {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM wallets WHERE handle = $1 AND currency = $2`, handle, currency)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) HasAny(ctx context.Context, handle string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM wallets WHERE handle = $1)`, handle).Scan(&exists)
	return exists, err
}
