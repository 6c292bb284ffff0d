package memory

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

func matches(rec models.Record, domain recordstore.Domain) (bool, error) {
	for _, c := range domain {
		var v models.Value
		if c.Field == "id" {
			v = models.IntValue(rec.ID)
		} else {
			v = rec.Get(c.Field)
		}

		ok, err := evaluate(v, c)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evaluate(v models.Value, c recordstore.Condition) (bool, error) {
	switch c.Operator {
	case recordstore.OpIn, recordstore.OpNotIn:
		list, err := recordstore.ListValues(c.Value)
		if err != nil {
			return false, err
		}
		found := false
		for _, item := range list {
			cmp, ok, err := compare(v, item)
			if err != nil {
				return false, err
			}
			if ok && cmp == 0 {
				found = true
				break
			}
		}
		return found == (c.Operator == recordstore.OpIn), nil
	}

	if c.Value == nil {
		switch c.Operator {
		case recordstore.OpEq:
			return v.IsNull(), nil
		case recordstore.OpNe:
			return !v.IsNull(), nil
		}
		return false, nil
	}

	cmp, comparable, err := compare(v, c.Value)
	if err != nil {
		return false, err
	}
	if !comparable {
		return c.Operator == recordstore.OpNe, nil
	}
	switch c.Operator {
	case recordstore.OpEq:
		return cmp == 0, nil
	case recordstore.OpNe:
		return cmp != 0, nil
	case recordstore.OpLt:
		return cmp < 0, nil
	case recordstore.OpLe:
		return cmp <= 0, nil
	case recordstore.OpGt:
		return cmp > 0, nil
	case recordstore.OpGe:
		return cmp >= 0, nil
	}
	return false, fmt.Errorf("unsupported operator %q", c.Operator)
}

// compare orders a stored value against a filter operand. The second result
// is false when the two cannot be compared (null or mismatched kinds).
func compare(v models.Value, operand any) (int, bool, error) {
	o, err := models.FromAny(operand)
	if err != nil {
		return 0, false, err
	}
	if v.IsNull() || o.IsNull() {
		return 0, false, nil
	}

	if a, ok := numeric(v); ok {
		b, ok := numeric(o)
		if !ok {
			return 0, false, nil
		}
		switch {
		case a < b:
			return -1, true, nil
		case a > b:
			return 1, true, nil
		}
		return 0, true, nil
	}

	switch v.Kind {
	case models.KindString:
		if o.Kind != models.KindString {
			return 0, false, nil
		}
		return strings.Compare(v.String, o.String), true, nil
	case models.KindBool:
		if o.Kind != models.KindBool {
			return 0, false, nil
		}
		if v.Bool == o.Bool {
			return 0, true, nil
		}
		return 1, true, nil
	}
	return 0, false, nil
}

func numeric(v models.Value) (float64, bool) {
	switch v.Kind {
	case models.KindInt:
		return float64(v.Int), true
	case models.KindFloat:
		return v.Float, true
	case models.KindRef:
		return float64(v.Ref), true
	}
	return 0, false
}
