package sql

import (
	"testing"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore"
)

func TestCheckValueForInjection(t *testing.T) {
	tests := []struct {
		name            string
		value           any
		expectInjection bool
	}{
		{name: "clean reference code", value: "SUB-0042", expectInjection: false},
		{name: "clean email address", value: "billing@example.com", expectInjection: false},
		{name: "clean date string", value: "2024-01-15", expectInjection: false},
		{name: "integer value", value: 42, expectInjection: false},
		{name: "boolean value", value: true, expectInjection: false},
		{name: "classic tautology", value: "' OR '1'='1", expectInjection: true},
		{name: "stacked drop", value: "'; DROP TABLE res_partner--", expectInjection: true},
		{name: "union select", value: "1 UNION SELECT password FROM res_users", expectInjection: true},
		{name: "hostile list element", value: []any{"draft", "' OR 1=1--"}, expectInjection: true},
		{name: "clean string list", value: []string{"draft", "open"}, expectInjection: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CheckValueForInjection("state", tt.value)
			if tt.expectInjection {
				if result == nil {
					t.Fatalf("expected injection to be detected for %v", tt.value)
				}
				if result.Fingerprint == "" {
					t.Error("expected non-empty fingerprint")
				}
				if result.Field != "state" {
					t.Errorf("expected field state, got %s", result.Field)
				}
			} else if result != nil {
				t.Errorf("expected no injection for %v, got fingerprint %s", tt.value, result.Fingerprint)
			}
		})
	}
}

func TestCheckDomain(t *testing.T) {
	clean := recordstore.Domain{
		{Field: "state", Operator: recordstore.OpEq, Value: "open"},
		{Field: "id", Operator: recordstore.OpIn, Value: []int64{1, 2}},
	}
	if err := CheckDomain(clean); err != nil {
		t.Errorf("expected clean domain, got %v", err)
	}

	hostile := recordstore.Domain{{Field: "name", Operator: recordstore.OpEq, Value: "x' OR '1'='1"}}
	if err := CheckDomain(hostile); err == nil {
		t.Error("expected hostile domain to be rejected")
	}
}
