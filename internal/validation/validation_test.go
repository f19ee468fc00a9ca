package validation

import (
	"testing"
)

func TestIsValidHandle(t *testing.T) {
	tests := []struct {
		handle string
		valid  bool
	}{
		{"alice_seller", true},
		{"@alice_seller", true},
		{"Bob99", true},
		{"under_score_99", true},

		// Invalid cases
		{"abc", false},  // Too short
		{"@abc", false}, // Still too short without the @
		{"way_too_long_for_a_username_over_32_chars", false},
		{"has space", false},
		{"bad-dash", false},
		{"", false},
		{"@", false},
	}

	for _, tc := range tests {
		result := IsValidHandle(tc.handle)
		if result != tc.valid {
			t.Errorf("IsValidHandle(%q) = %v, want %v", tc.handle, result, tc.valid)
		}
	}
}

func TestIsValidTradeID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"tr_0123456789abcdef01234567", true},
		{"tr_ffffffffffffffffffffffff", true},

		// Invalid
		{"tr_0123456789abcdef0123456", false},   // Too short
		{"tr_0123456789abcdef012345678", false}, // Too long
		{"ps_0123456789abcdef01234567", false},  // Wrong prefix
		{"tr_0123456789ABCDEF01234567", false},  // Uppercase hex
		{"0123456789abcdef01234567", false},
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidTradeID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidTradeID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestSanitizeHandle(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"alice_seller", "alice_seller"},
		{"@alice_seller", "alice_seller"},
		{"  @Alice_Seller  ", "alice_seller"},
		{"BOB99", "bob99"},
	}

	for _, tc := range tests {
		result := SanitizeHandle(tc.input)
		if result != tc.expected {
			t.Errorf("SanitizeHandle(%q) = %q, want %q", tc.input, result, tc.expected)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("item", "rare keyboard"),
		ValidHandle("seller", "alice_seller"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("item", ""),
		ValidHandle("seller", "x"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"1.00", true},
		{"0.50", true},
		{"100", true},
		{"0.000001", true},

		// Invalid
		{".50", false},
		{"1.", false},
		{"abc", false},
		{"-1.00", false},
		{"1.2.3", false},
	}

	for _, tc := range tests {
		err := ValidAmount("amount", tc.value)()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("ValidAmount(%q) valid=%v, want %v", tc.value, valid, tc.valid)
		}
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}
