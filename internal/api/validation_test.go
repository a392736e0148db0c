package api

import (
	"strings"
	"testing"
)

func TestValidateJobKey_Valid(t *testing.T) {
	for _, key := range []string{"audit.wallet", "audit.skill-queue", "maintenance_1", "9lives"} {
		if err := validateJobKey(key); err != nil {
			t.Errorf("validateJobKey(%q) unexpected error: %v", key, err)
		}
	}
}

func TestValidateJobKey_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"uppercase", "Audit.Wallet"},
		{"leading dot", ".wallet"},
		{"space", "audit wallet"},
		{"slash", "audit/wallet"},
		{"too long", strings.Repeat("a", maxJobKeyLength+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateJobKey(tt.key); err == nil {
				t.Errorf("expected error for %q", tt.key)
			}
		})
	}
}

func TestParseCharacterID(t *testing.T) {
	id, err := parseCharacterID("90000001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 90000001 {
		t.Errorf("id = %d, want 90000001", id)
	}

	for _, raw := range []string{"", "abc", "0", "-5", "1.5"} {
		if _, err := parseCharacterID(raw); err == nil {
			t.Errorf("parseCharacterID(%q) expected error", raw)
		}
	}
}
