package sql

import "testing"

func TestInferReference(t *testing.T) {
	tables := map[string]bool{"categories": true, "account": true, "people": true}

	tests := []struct {
		column string
		want   string
		ok     bool
	}{
		{"category_id", "categories", true},
		{"account_id", "account", true},
		{"person_id", "people", true},
		{"warehouse_id", "", false},
		{"name", "", false},
		{"_id", "", false},
	}
	for _, tt := range tests {
		got, ok := InferReference(tt.column, tables)
		if ok != tt.ok || got != tt.want {
			t.Errorf("InferReference(%s) = (%q, %v), want (%q, %v)", tt.column, got, ok, tt.want, tt.ok)
		}
	}
}

func TestTableName(t *testing.T) {
	if got := TableName("product.template"); got != "product_template" {
		t.Errorf("expected product_template, got %s", got)
	}
}
