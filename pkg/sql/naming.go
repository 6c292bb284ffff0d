package sql

import (
	"strings"

	"github.com/jinzhu/inflection"
)

// InferReference guesses the referenced table of a "<name>_id" column that
// has no foreign key: "category_id" -> "categories" or "category".
func InferReference(column string, tables map[string]bool) (string, bool) {
	if !strings.HasSuffix(column, "_id") || column == "_id" {
		return "", false
	}
	base := strings.TrimSuffix(column, "_id")
	for _, candidate := range []string{inflection.Plural(base), base} {
		if tables[candidate] {
			return candidate, true
		}
	}
	return "", false
}
