package memory

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

// Fixture is the on-disk form of a store snapshot:
//
//	{"models": [{"name": "product.category", "fields": [...]}],
//	 "records": {"product.category": [{"id": 1, "name": "All"}]}}
type Fixture struct {
	Models []struct {
		Name   string                   `json:"name"`
		Fields []models.FieldDescriptor `json:"fields"`
	} `json:"models"`
	Records map[string][]map[string]any `json:"records"`
}

// LoadFixture reads a fixture file into s.
func (s *Store) LoadFixture(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read fixture: %w", err)
	}
	var fx Fixture
	if err := json.Unmarshal(data, &fx); err != nil {
		return fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return s.Apply(&fx)
}

// Apply loads models and records from a decoded fixture.
func (s *Store) Apply(fx *Fixture) error {
	for _, m := range fx.Models {
		s.Define(models.NewModelDescriptor(m.Name, m.Fields))
	}

	for model, rows := range fx.Records {
		s.mu.Lock()
		t, ok := s.tables[model]
		s.mu.Unlock()
		if !ok {
			return fmt.Errorf("fixture records for undefined model %s", model)
		}

		for i, row := range rows {
			rawID, ok := row["id"].(float64)
			if !ok {
				return fmt.Errorf("%s row %d: missing numeric id", model, i)
			}
			values := make(models.FieldValues, len(row))
			for name, raw := range row {
				if name == "id" {
					continue
				}
				f, ok := t.desc.Field(name)
				if !ok {
					return fmt.Errorf("%s row %d: unknown field %s", model, i, name)
				}
				v, err := models.DecodeField(f, raw)
				if err != nil {
					return fmt.Errorf("%s row %d: %w", model, i, err)
				}
				values[name] = v
			}
			if err := s.Insert(model, int64(rawID), values); err != nil {
				return err
			}
		}
	}
	return nil
}
