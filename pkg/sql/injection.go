// Package sql holds the SQL helpers shared by the SQL-backed record stores:
// filter screening, identifier validation and WHERE clause construction.
package sql

import (
	"fmt"

	libinjection "github.com/corazawaf/libinjection-go"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore"
)

// InjectionCheckResult contains the result of an injection check on a filter value.
type InjectionCheckResult struct {
	Fingerprint string // libinjection fingerprint of the detected pattern
	Field       string // Field of the condition that failed the check
	Value       string // The string that was checked
}

func (r *InjectionCheckResult) Error() string {
	return fmt.Sprintf("filter value for %s looks like SQL injection (fingerprint %s)", r.Field, r.Fingerprint)
}

// CheckValueForInjection uses libinjection to detect SQL injection patterns
// in a filter value. Only strings are checked; lists are checked element by
// element. Returns nil when the value is clean.
func CheckValueForInjection(field string, value any) *InjectionCheckResult {
	switch x := value.(type) {
	case string:
		if isSQLi, fingerprint := libinjection.IsSQLi(x); isSQLi {
			return &InjectionCheckResult{Fingerprint: string(fingerprint), Field: field, Value: x}
		}
	case []string:
		for _, s := range x {
			if r := CheckValueForInjection(field, s); r != nil {
				return r
			}
		}
	case []any:
		for _, item := range x {
			if r := CheckValueForInjection(field, item); r != nil {
				return r
			}
		}
	}
	return nil
}

// CheckDomain screens every condition value of a domain. Values are always
// bound as parameters; screening rejects hostile filters coming from
// configuration before they reach a production database.
func CheckDomain(domain recordstore.Domain) error {
	for _, c := range domain {
		if r := CheckValueForInjection(c.Field, c.Value); r != nil {
			return r
		}
	}
	return nil
}
