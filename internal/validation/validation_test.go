package validation

import (
	"strings"
	"testing"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"user-123", true},
		{"gym_42", true},
		{"merchant.eu:west", true},
		{"alice@example.com", true},
		{strings.Repeat("a", MaxIDLength), true},

		// Invalid cases
		{"", false},
		{"has space", false},
		{"semi;colon", false},
		{"slash/path", false},
		{strings.Repeat("a", MaxIDLength+1), false},
	}

	for _, tc := range tests {
		result := IsValidID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestIsValidSessionID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"ses_0123456789abcdef01234567", true},

		{"ses_0123456789ABCDEF01234567", false}, // uppercase hex
		{"ses_0123", false},                     // too short
		{"led_0123456789abcdef01234567", false}, // wrong prefix
		{"", false},
	}

	for _, tc := range tests {
		if got := IsValidSessionID(tc.id); got != tc.valid {
			t.Errorf("IsValidSessionID(%q) = %v, want %v", tc.id, got, tc.valid)
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
		Required("user_id", "user-1"),
		ValidID("user_id", "user-1"),
		PositiveCents("rate_cents_per_minute", 200),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("user_id", ""),
		ValidID("merchant_id", "bad id"),
		PositiveCents("rate_cents_per_minute", 0),
	)
	if len(errors) != 3 {
		t.Errorf("Expected 3 errors, got %d", len(errors))
	}
}

func TestPositiveCents(t *testing.T) {
	if err := PositiveCents("amount", 1)(); err != nil {
		t.Errorf("expected 1 cent to pass, got %v", err)
	}
	if err := PositiveCents("amount", 0)(); err == nil {
		t.Error("expected zero to fail")
	}
	if err := PositiveCents("amount", -5)(); err == nil {
		t.Error("expected negative to fail")
	}
}

func TestNonNegativeCents(t *testing.T) {
	if err := NonNegativeCents("amount", 0)(); err != nil {
		t.Errorf("expected zero to pass, got %v", err)
	}
	if err := NonNegativeCents("amount", -1)(); err == nil {
		t.Error("expected negative to fail")
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
