package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists escrows and user statistics in PostgreSQL.
// Schema lives in migrations/; the one-open-escrow-per-seller rule is
// backed by a partial unique index on (seller_handle) over open statuses.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, seller_id, seller_handle, buyer_id, buyer_handle,
	amount, item, status, payment_status, payment_id, dispute_winner,
	funded_at, completed_at, refunded_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		e.ID, e.SellerID, e.SellerHandle, nullInt64(e.BuyerID), nullString(e.BuyerHandle),
		e.Amount, e.Item, string(e.Status), string(e.PaymentStatus),
		nullString(e.PaymentID), nullString(e.DisputeWinner),
		nullTime(e.FundedAt), nullTime(e.CompletedAt), nullTime(e.RefundedAt),
		e.CreatedAt, e.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: seller %s already has an open escrow", ErrInvalidInput, e.SellerHandle)
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	return scanEscrow(row)
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	return p.update(ctx, p.db, e)
}

// execer covers *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *PostgresStore) update(ctx context.Context, ex execer, e *Escrow) error {
	result, err := ex.ExecContext(ctx, `
		UPDATE escrows SET
			buyer_id = $1, buyer_handle = $2, status = $3, payment_status = $4,
			payment_id = $5, dispute_winner = $6, funded_at = $7,
			completed_at = $8, refunded_at = $9, updated_at = $10
		WHERE id = $11`,
		nullInt64(e.BuyerID), nullString(e.BuyerHandle), string(e.Status), string(e.PaymentStatus),
		nullString(e.PaymentID), nullString(e.DisputeWinner), nullTime(e.FundedAt),
		nullTime(e.CompletedAt), nullTime(e.RefundedAt), e.UpdatedAt,
		e.ID,
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

func (p *PostgresStore) ApplyTransition(ctx context.Context, e *Escrow, deltas []StatsDelta) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := p.update(ctx, tx, e); err != nil {
		return err
	}

	now := time.Now()
	for _, d := range deltas {
		if d.Handle == "" {
			continue
		}
		volume := d.VolumeDelta
		if volume.IsZero() {
			volume = decimal.Zero
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_stats (handle, trades_completed, trades_cancelled, total_volume, reputation, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (handle) DO UPDATE SET
				trades_completed = user_stats.trades_completed + EXCLUDED.trades_completed,
				trades_cancelled = user_stats.trades_cancelled + EXCLUDED.trades_cancelled,
				total_volume = user_stats.total_volume + EXCLUDED.total_volume,
				updated_at = EXCLUDED.updated_at`,
			d.Handle, d.TradesCompleted, d.TradesCancelled, volume, DefaultReputation, now,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) ActiveBySeller(ctx context.Context, sellerHandle string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE seller_handle = $1
		  AND status NOT IN ('completed', 'auto_completed', 'cancelled', 'resolved', 'refunded')
		LIMIT 1`, sellerHandle)
	return scanEscrow(row)
}

func (p *PostgresStore) ListByUser(ctx context.Context, handle string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE seller_handle = $1 OR buyer_handle = $1
		ORDER BY created_at DESC
		LIMIT $2`, handle, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEscrows(rows)
}

func (p *PostgresStore) ListAutoReleasable(ctx context.Context, cutoff time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = 'active' AND payment_status = 'paid' AND funded_at <= $1
		ORDER BY funded_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEscrows(rows)
}

func (p *PostgresStore) UserStats(ctx context.Context, handle string) (*UserStats, error) {
	st := &UserStats{Handle: handle}
	err := p.db.QueryRowContext(ctx, `
		SELECT trades_completed, trades_cancelled, total_volume, reputation, updated_at
		FROM user_stats WHERE handle = $1`, handle).Scan(
		&st.TradesCompleted, &st.TradesCancelled, &st.TotalVolume, &st.Reputation, &st.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return NewUserStats(handle), nil
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (p *PostgresStore) PlatformStats(ctx context.Context) (*PlatformStats, error) {
	ps := &PlatformStats{
		EscrowsByStatus: make(map[Status]int),
		TotalVolume:     decimal.Zero,
	}

	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM escrows GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		ps.EscrowsByStatus[Status(status)] = count
		ps.TotalEscrows += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(trades_completed), 0), COALESCE(SUM(total_volume), 0)
		FROM user_stats`).Scan(&ps.TotalUsers, &ps.TradesCompleted, &ps.TotalVolume)
	if err != nil {
		return nil, err
	}
	return ps, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner) (*Escrow, error) {
	var e Escrow
	var buyerID sql.NullInt64
	var buyerHandle, paymentID, winner sql.NullString
	var fundedAt, completedAt, refundedAt sql.NullTime
	var status, payStatus string

	err := row.Scan(
		&e.ID, &e.SellerID, &e.SellerHandle, &buyerID, &buyerHandle,
		&e.Amount, &e.Item, &status, &payStatus, &paymentID, &winner,
		&fundedAt, &completedAt, &refundedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.PaymentStatus = PaymentStatus(payStatus)
	e.BuyerID = buyerID.Int64
	e.BuyerHandle = buyerHandle.String
	e.PaymentID = paymentID.String
	e.DisputeWinner = winner.String
	if fundedAt.Valid {
		e.FundedAt = &fundedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	if refundedAt.Valid {
		e.RefundedAt = &refundedAt.Time
	}
	return &e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(i int64) sql.NullInt64 {
	return sql.NullInt64{Int64: i, Valid: i != 0}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
