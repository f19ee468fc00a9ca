package payments

import (
	"context"
	"database/sql"
)

// PostgresStore persists payment sessions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, trade_id, gateway, gateway_id, payer_user_id, amount, fee, total,
	pay_currency, pay_address, checkout_url, status, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		s.ID, s.TradeID, string(s.Gateway), s.GatewayID, s.PayerUserID, s.Amount, s.Fee, s.Total,
		nullStr(s.PayCurrency), nullStr(s.PayAddress), nullStr(s.CheckoutURL),
		string(s.Status), s.CreatedAt, s.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM payment_sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (p *PostgresStore) GetByGatewayID(ctx context.Context, gatewayID string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM payment_sessions WHERE gateway_id = $1`, gatewayID)
	return scanSession(row)
}

func (p *PostgresStore) ListByTrade(ctx context.Context, tradeID string) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM payment_sessions
		WHERE trade_id = $1 ORDER BY created_at ASC`, tradeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSessions(rows)
}

func (p *PostgresStore) Update(ctx context.Context, s *Session) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payment_sessions SET
			gateway_id = $1, pay_currency = $2, pay_address = $3,
			checkout_url = $4, status = $5, updated_at = $6
		WHERE id = $7`,
		s.GatewayID, nullStr(s.PayCurrency), nullStr(s.PayAddress),
		nullStr(s.CheckoutURL), string(s.Status), s.UpdatedAt, s.ID,
	)
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

func (p *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM payment_sessions
		WHERE status NOT IN ('finished', 'expired', 'failed')
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSessions(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var gateway, status string
	var payCurrency, payAddress, checkoutURL sql.NullString

	err := row.Scan(
		&s.ID, &s.TradeID, &gateway, &s.GatewayID, &s.PayerUserID, &s.Amount, &s.Fee, &s.Total,
		&payCurrency, &payAddress, &checkoutURL, &status, &s.CreatedAt, &s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	s.Gateway = Gateway(gateway)
	s.Status = SessionStatus(status)
	s.PayCurrency = payCurrency.String
	s.PayAddress = payAddress.String
	s.CheckoutURL = checkoutURL.String
	return &s, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var result []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
