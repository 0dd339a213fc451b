package validation

import (
	"strings"
	"testing"
)

func TestIsValidWalletAddress(t *testing.T) {
	tests := []struct {
		name    string
		address string
		valid   bool
	}{
		{
			name:    "valid system program address",
			address: "11111111111111111111111111111111",
			valid:   true,
		},
		{
			name:    "valid program id",
			address: "4rxv5KW47SDCVEQcgc2dDQxcWDyZ965SCTnA7sqF7gqT",
			valid:   true,
		},
		{
			name:    "too short",
			address: "abc",
			valid:   false,
		},
		{
			name:    "too long",
			address: strings.Repeat("1", 45),
			valid:   false,
		},
		{
			name:    "forbidden base58 characters",
			address: "0OIl111111111111111111111111111111",
			valid:   false,
		},
		{
			name:    "empty string",
			address: "",
			valid:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidWalletAddress(tt.address)
			if got != tt.valid {
				t.Fatalf("IsValidWalletAddress(%q) = %v, want %v", tt.address, got, tt.valid)
			}
		})
	}
}

func TestIsValidIdempotencyKey(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		valid bool
	}{
		{
			name:  "uuid style key",
			key:   "9b2e7bbc-6f54-4f19-9d0a-2c8d32b1a001",
			valid: true,
		},
		{
			name:  "underscored key",
			key:   "retry_attempt_42",
			valid: true,
		},
		{
			name:  "empty string",
			key:   "",
			valid: false,
		},
		{
			name:  "too long",
			key:   strings.Repeat("a", 129),
			valid: false,
		},
		{
			name:  "contains spaces",
			key:   "key with spaces",
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidIdempotencyKey(tt.key)
			if got != tt.valid {
				t.Fatalf("IsValidIdempotencyKey(%q) = %v, want %v", tt.key, got, tt.valid)
			}
		})
	}
}

func TestMerchantFieldValidation(t *testing.T) {
	if !IsValidMerchantName("Kopi Kenangan") {
		t.Fatalf("expected valid merchant name")
	}
	if IsValidMerchantName("") {
		t.Fatalf("empty name must be invalid")
	}
	if IsValidMerchantName(strings.Repeat("x", 33)) {
		t.Fatalf("name longer than 32 bytes must be invalid")
	}

	if !IsValidMerchantCategory("coffee_shop") {
		t.Fatalf("expected valid merchant category")
	}
	if IsValidMerchantCategory(strings.Repeat("x", 17)) {
		t.Fatalf("category longer than 16 bytes must be invalid")
	}
}
