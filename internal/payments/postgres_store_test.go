//go:build integration

package payments

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/testutil"
)

// insertTrade satisfies the payment_sessions foreign key.
func insertTrade(t *testing.T, db *sql.DB) string {
	t.Helper()
	id := idgen.WithPrefix("tr_")
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO escrows (id, seller_id, seller_handle, amount, item, status, payment_status)
		VALUES ($1, 1, $2, 25.00, 'mechanical keyboard', 'active', 'unpaid')`,
		id, "seller_"+idgen.Hex(6))
	if err != nil {
		t.Fatalf("insert trade: %v", err)
	}
	return id
}

func pgSession(tradeID string) *Session {
	now := time.Now().Truncate(time.Microsecond)
	return &Session{
		ID:          idgen.WithPrefix("ps_"),
		TradeID:     tradeID,
		Gateway:     GatewayNOWPayments,
		GatewayID:   idgen.Hex(8),
		PayerUserID: 2,
		Amount:      decimal.RequireFromString("25.00"),
		Fee:         decimal.NewFromInt(5),
		Total:       decimal.RequireFromString("30.00"),
		PayCurrency: "btc",
		PayAddress:  "bc1qtestaddress",
		Status:      StatusWaiting,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestPostgres_SessionRoundtrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	tradeID := insertTrade(t, db)
	s := pgSession(tradeID)
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.TradeID != tradeID || got.Status != StatusWaiting {
		t.Errorf("Roundtrip mismatch: %+v", got)
	}
	if got.PayerUserID != 2 {
		t.Errorf("Expected payer user ID 2, got %d", got.PayerUserID)
	}
	if !got.Total.Equal(s.Total) {
		t.Errorf("Expected total %s, got %s", s.Total, got.Total)
	}
	if got.CheckoutURL != "" {
		t.Errorf("Nullable column must come back empty, got %q", got.CheckoutURL)
	}

	byGateway, err := store.GetByGatewayID(ctx, s.GatewayID)
	if err != nil {
		t.Fatalf("GetByGatewayID failed: %v", err)
	}
	if byGateway.ID != s.ID {
		t.Errorf("Expected %s, got %s", s.ID, byGateway.ID)
	}

	if _, err := store.Get(ctx, "ps_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPostgres_SessionUpdateAndListOpen(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	tradeID := insertTrade(t, db)
	open := pgSession(tradeID)
	closed := pgSession(tradeID)
	closed.Status = StatusExpired

	for _, s := range []*Session{open, closed} {
		if err := store.Create(ctx, s); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	sessions, err := store.ListOpen(ctx, 10)
	if err != nil {
		t.Fatalf("ListOpen failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != open.ID {
		t.Errorf("Expected only the waiting session, got %v", sessions)
	}

	open.Status = StatusFinished
	open.UpdatedAt = time.Now().Truncate(time.Microsecond)
	if err := store.Update(ctx, open); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	sessions, err = store.ListOpen(ctx, 10)
	if err != nil {
		t.Fatalf("ListOpen failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("Expected no open sessions, got %v", sessions)
	}

	byTrade, err := store.ListByTrade(ctx, tradeID)
	if err != nil {
		t.Fatalf("ListByTrade failed: %v", err)
	}
	if len(byTrade) != 2 {
		t.Errorf("Expected 2 sessions for the trade, got %d", len(byTrade))
	}
}
