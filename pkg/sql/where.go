package sql

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore"
)

// Dialect captures the syntax differences between SQL record stores.
type Dialect interface {
	// Placeholder returns the bind marker for the n-th parameter (1-based).
	Placeholder(n int) string
	// QuoteIdent quotes a single identifier.
	QuoteIdent(name string) string
}

// Postgres uses $n placeholders and double quotes.
type Postgres struct{}

func (Postgres) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }
func (Postgres) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// SQLServer uses @pN placeholders and brackets.
type SQLServer struct{}

func (SQLServer) Placeholder(n int) string { return fmt.Sprintf("@p%d", n) }
func (SQLServer) QuoteIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name is a plain column or table name.
func ValidIdentifier(name string) bool {
	return identPattern.MatchString(name)
}

// TableName maps a model name to its table: "product.template" -> "product_template".
func TableName(model string) string {
	return strings.ReplaceAll(model, ".", "_")
}

// BuildWhere renders domain as a WHERE clause (without the keyword) with
// placeholders starting at startArg. An empty domain renders "1=1".
func BuildWhere(d Dialect, domain recordstore.Domain, startArg int) (string, []any, error) {
	if err := domain.Validate(); err != nil {
		return "", nil, err
	}
	if err := CheckDomain(domain); err != nil {
		return "", nil, err
	}
	if len(domain) == 0 {
		return "1=1", nil, nil
	}

	var (
		parts []string
		args  []any
		n     = startArg
	)
	for _, c := range domain {
		if !ValidIdentifier(c.Field) {
			return "", nil, fmt.Errorf("invalid field name %q", c.Field)
		}
		col := d.QuoteIdent(c.Field)

		switch c.Operator {
		case recordstore.OpIn, recordstore.OpNotIn:
			values, _ := recordstore.ListValues(c.Value)
			if len(values) == 0 {
				// x IN () matches nothing; NOT IN () matches everything.
				if c.Operator == recordstore.OpIn {
					parts = append(parts, "1=0")
				} else {
					parts = append(parts, "1=1")
				}
				continue
			}
			marks := make([]string, len(values))
			for i, v := range values {
				marks[i] = d.Placeholder(n)
				args = append(args, v)
				n++
			}
			op := "IN"
			if c.Operator == recordstore.OpNotIn {
				op = "NOT IN"
			}
			parts = append(parts, fmt.Sprintf("%s %s (%s)", col, op, strings.Join(marks, ", ")))
		case recordstore.OpEq, recordstore.OpNe:
			if c.Value == nil {
				if c.Operator == recordstore.OpEq {
					parts = append(parts, col+" IS NULL")
				} else {
					parts = append(parts, col+" IS NOT NULL")
				}
				continue
			}
			op := "="
			if c.Operator == recordstore.OpNe {
				op = "<>"
			}
			parts = append(parts, fmt.Sprintf("%s %s %s", col, op, d.Placeholder(n)))
			args = append(args, c.Value)
			n++
		default:
			parts = append(parts, fmt.Sprintf("%s %s %s", col, c.Operator, d.Placeholder(n)))
			args = append(args, c.Value)
			n++
		}
	}
	return strings.Join(parts, " AND "), args, nil
}
