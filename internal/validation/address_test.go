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
			name:    "valid mainnet address",
			address: "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
			valid:   true,
		},
		{
			name:    "valid minimal length",
			address: strings.Repeat("a", 32),
			valid:   true,
		},
		{
			name:    "too short",
			address: strings.Repeat("a", 31),
			valid:   false,
		},
		{
			name:    "too long",
			address: strings.Repeat("a", 45),
			valid:   false,
		},
		{
			name:    "contains zero",
			address: "0xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
			valid:   false,
		},
		{
			name:    "contains capital o",
			address: "OxKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAs",
			valid:   false,
		},
		{
			name:    "contains lowercase l",
			address: "lxKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAs",
			valid:   false,
		},
		{
			name:    "contains space",
			address: "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosg U",
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
