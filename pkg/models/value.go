package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ValueKind tags the payload carried by a Value.
type ValueKind string

const (
	KindNull    ValueKind = "null"
	KindBool    ValueKind = "bool"
	KindInt     ValueKind = "int"
	KindFloat   ValueKind = "float"
	KindString  ValueKind = "string"
	KindRef     ValueKind = "ref"
	KindRefList ValueKind = "refs"
)

// Value is a loosely-typed field value: a scalar, a reference to one record or
// a list of references. The zero Value is null.
type Value struct {
	Kind   ValueKind
	Bool   bool
	Int    int64
	Float  float64
	String string
	Ref    int64
	Refs   []int64
}

func Null() Value                { return Value{Kind: KindNull} }
func BoolValue(b bool) Value     { return Value{Kind: KindBool, Bool: b} }
func IntValue(i int64) Value     { return Value{Kind: KindInt, Int: i} }
func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }
func StringValue(s string) Value { return Value{Kind: KindString, String: s} }
func RefValue(id int64) Value    { return Value{Kind: KindRef, Ref: id} }

// RefListValue copies ids so the caller may reuse its slice.
func RefListValue(ids []int64) Value {
	c := make([]int64, len(ids))
	copy(c, ids)
	return Value{Kind: KindRefList, Refs: c}
}

// IsNull reports whether v carries no value.
func (v Value) IsNull() bool {
	return v.Kind == "" || v.Kind == KindNull
}

// Interface returns the plain Go value sent to record stores.
func (v Value) Interface() any {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindString:
		return v.String
	case KindRef:
		return v.Ref
	case KindRefList:
		return v.Refs
	default:
		return nil
	}
}

// Key is the string form used to look values up in remap tables.
func (v Value) Key() string {
	switch v.Kind {
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	case KindString:
		return v.String
	case KindRef:
		return strconv.FormatInt(v.Ref, 10)
	default:
		return ""
	}
}

// FromAny converts a plain Go value (as produced by YAML, JSON or a SQL
// driver) into a Value. Reference-ness is decided by the caller.
func FromAny(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case bool:
		return BoolValue(x), nil
	case int:
		return IntValue(int64(x)), nil
	case int16:
		return IntValue(int64(x)), nil
	case int32:
		return IntValue(int64(x)), nil
	case int64:
		return IntValue(x), nil
	case uint8:
		return IntValue(int64(x)), nil
	case uint32:
		return IntValue(int64(x)), nil
	case float32:
		return FloatValue(float64(x)), nil
	case float64:
		return FloatValue(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return IntValue(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("parse number %q: %w", x, err)
		}
		return FloatValue(f), nil
	case string:
		return StringValue(x), nil
	case []byte:
		return StringValue(string(x)), nil
	case time.Time:
		return StringValue(x.UTC().Format("2006-01-02 15:04:05")), nil
	case []int64:
		return RefListValue(x), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", raw)
	}
}

// DecodeField converts a raw store payload into a Value according to the
// field's kind. It understands the RPC conventions of false-for-empty,
// [id, display_name] pairs for single references and id lists for multi
// references.
func DecodeField(f FieldDescriptor, raw any) (Value, error) {
	if b, ok := raw.(bool); ok && !b && !isBoolType(f.Type) {
		return Null(), nil
	}
	switch f.Kind {
	case FieldSingle:
		switch x := raw.(type) {
		case nil:
			return Null(), nil
		case []any:
			if len(x) == 0 {
				return Null(), nil
			}
			id, err := toID(x[0])
			if err != nil {
				return Value{}, fmt.Errorf("field %s: %w", f.Name, err)
			}
			return RefValue(id), nil
		default:
			id, err := toID(raw)
			if err != nil {
				return Value{}, fmt.Errorf("field %s: %w", f.Name, err)
			}
			return RefValue(id), nil
		}
	case FieldMulti:
		switch x := raw.(type) {
		case nil:
			return RefListValue(nil), nil
		case []int64:
			return RefListValue(x), nil
		case []any:
			ids := make([]int64, 0, len(x))
			for _, item := range x {
				id, err := toID(item)
				if err != nil {
					return Value{}, fmt.Errorf("field %s: %w", f.Name, err)
				}
				ids = append(ids, id)
			}
			return RefListValue(ids), nil
		default:
			return Value{}, fmt.Errorf("field %s: expected id list, got %T", f.Name, raw)
		}
	}

	v, err := FromAny(raw)
	if err != nil {
		return Value{}, fmt.Errorf("field %s: %w", f.Name, err)
	}
	// JSON decoders hand integers over as float64.
	if v.Kind == KindFloat && isIntegerType(f.Type) && v.Float == math.Trunc(v.Float) {
		return IntValue(int64(v.Float)), nil
	}
	return v, nil
}

func isBoolType(t string) bool {
	return t == "boolean" || t == "bool" || t == "bit"
}

func isIntegerType(t string) bool {
	switch t {
	case "integer", "int", "bigint", "smallint", "int4", "int8", "int2":
		return true
	}
	return false
}

func toID(raw any) (int64, error) {
	switch x := raw.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("non-integer id %v", x)
		}
		return int64(x), nil
	case json.Number:
		return x.Int64()
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported id type %T", raw)
	}
}

type valueJSON struct {
	Kind ValueKind `json:"k"`
	V    any       `json:"v"`
}

// MarshalJSON keeps the kind tag so cached batches round-trip exactly.
func (v Value) MarshalJSON() ([]byte, error) {
	kind := v.Kind
	if kind == "" {
		kind = KindNull
	}
	return json.Marshal(valueJSON{Kind: kind, V: v.Interface()})
}

// UnmarshalJSON reverses MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw struct {
		Kind ValueKind       `json:"k"`
		V    json.RawMessage `json:"v"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = Value{Kind: raw.Kind}
	if raw.Kind == KindNull || len(raw.V) == 0 {
		*v = Null()
		return nil
	}
	var target any
	switch raw.Kind {
	case KindBool:
		target = &v.Bool
	case KindInt:
		target = &v.Int
	case KindFloat:
		target = &v.Float
	case KindString:
		target = &v.String
	case KindRef:
		target = &v.Ref
	case KindRefList:
		target = &v.Refs
	default:
		return fmt.Errorf("unknown value kind %q", raw.Kind)
	}
	return json.Unmarshal(raw.V, target)
}
