package wallet

import (
	"context"
	"errors"
	"testing"
)

func testRegistry() *Registry {
	return NewRegistry(NewMemoryStore())
}

func TestSet_AndGet(t *testing.T) {
	r := testRegistry()
	ctx := context.Background()

	w, err := r.Set(ctx, "@Alice_Seller", "BTC", "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq")
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if w.Handle != "alice_seller" {
		t.Errorf("Expected normalized handle alice_seller, got %s", w.Handle)
	}
	if w.Currency != "btc" {
		t.Errorf("Expected normalized currency btc, got %s", w.Currency)
	}

	got, err := r.Get(ctx, "alice_seller", "btc")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Address != w.Address {
		t.Errorf("Expected address %s, got %s", w.Address, got.Address)
	}
}

func TestSet_ReplacesAddress(t *testing.T) {
	r := testRegistry()
	ctx := context.Background()

	first, err := r.Set(ctx, "alice_seller", "btc", "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq")
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	second, err := r.Set(ctx, "alice_seller", "btc", "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4")
	if err != nil {
		t.Fatalf("Second set failed: %v", err)
	}

	got, err := r.Get(ctx, "alice_seller", "btc")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Address != second.Address {
		t.Errorf("Expected replaced address, got %s", got.Address)
	}
	if got.CreatedAt.After(first.UpdatedAt) {
		t.Error("Replace should keep the original CreatedAt")
	}
}

func TestSet_Validation(t *testing.T) {
	r := testRegistry()
	ctx := context.Background()

	tests := []struct {
		name     string
		handle   string
		currency string
		address  string
	}{
		{"empty handle", "", "btc", "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"},
		{"bad currency", "alice_seller", "not a ticker!", "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"},
		{"short address", "alice_seller", "btc", "short"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Set(ctx, tc.handle, tc.currency, tc.address)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("Expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	r := testRegistry()

	_, err := r.Get(context.Background(), "nobody_here", "btc")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestList_SortedByCurrency(t *testing.T) {
	r := testRegistry()
	ctx := context.Background()

	for _, currency := range []string{"usdt", "btc", "eth"} {
		if _, err := r.Set(ctx, "alice_seller", currency, "addr_for_"+currency+"_0123456789"); err != nil {
			t.Fatalf("Set %s failed: %v", currency, err)
		}
	}

	wallets, err := r.List(ctx, "alice_seller")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(wallets) != 3 {
		t.Fatalf("Expected 3 wallets, got %d", len(wallets))
	}
	want := []string{"btc", "eth", "usdt"}
	for i, w := range wallets {
		if w.Currency != want[i] {
			t.Errorf("Expected currency %s at index %d, got %s", want[i], i, w.Currency)
		}
	}
}

func TestRemove(t *testing.T) {
	r := testRegistry()
	ctx := context.Background()

	if _, err := r.Set(ctx, "alice_seller", "btc", "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := r.Remove(ctx, "alice_seller", "btc"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := r.Get(ctx, "alice_seller", "btc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after remove, got %v", err)
	}
	if err := r.Remove(ctx, "alice_seller", "btc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second remove, got %v", err)
	}
}

func TestHasPayoutWallet(t *testing.T) {
	r := testRegistry()
	ctx := context.Background()

	has, err := r.HasPayoutWallet(ctx, "bob_buyer")
	if err != nil {
		t.Fatalf("HasPayoutWallet failed: %v", err)
	}
	if has {
		t.Error("Expected no wallet for new user")
	}

	if _, err := r.Set(ctx, "bob_buyer", "eth", "0x71c7656ec7ab88b098defb751b7401b5f6d8976f"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	has, err = r.HasPayoutWallet(ctx, "@Bob_Buyer")
	if err != nil {
		t.Fatalf("HasPayoutWallet failed: %v", err)
	}
	if !has {
		t.Error("Expected wallet after Set, handle lookup should normalize")
	}
}
