// Package eventlog defines the self-describing event payload model used by
// the shard engine: a tagged-variant Value tree for arbitrary JSON-shaped
// user attributes, and CREATE/UPDATE/DELETE event payloads built on top of
// it. This replaces the dynamic "anything goes" attribute bags of the
// reference implementation with a typed in-memory value tree, per the
// "Dynamic event shape" design note.
package eventlog

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
)

// Value is a self-describing variant capable of representing any
// JSON-shaped user attribute: null, bool, int, float, string, date (RFC3339
// string tagged separately so folds can distinguish it from a plain
// string), binary blob, array, or object.
type Value struct {
	Null   bool
	Bool   *bool
	Int    *int64
	Float  *float64
	Str    *string
	Date   *string // RFC3339, kept distinct from Str for round-tripping
	Binary []byte
	Array  []Value
	Object map[string]Value
}

func NullValue() Value           { return Value{Null: true} }
func BoolValue(b bool) Value     { return Value{Bool: &b} }
func IntValue(i int64) Value     { return Value{Int: &i} }
func FloatValue(f float64) Value { return Value{Float: &f} }
func StringValue(s string) Value { return Value{Str: &s} }
func DateValue(s string) Value   { return Value{Date: &s} }
func BinaryValue(b []byte) Value { return Value{Binary: b} }
func ArrayValue(vs []Value) Value {
	return Value{Array: vs}
}
func ObjectValue(m map[string]Value) Value {
	return Value{Object: m}
}

// IsNumeric reports whether the value can participate in $inc arithmetic.
func (v Value) IsNumeric() bool {
	return v.Int != nil || v.Float != nil
}

// AsFloat64 returns the numeric value as a float64, or ok=false if not numeric.
func (v Value) AsFloat64() (float64, bool) {
	switch {
	case v.Int != nil:
		return float64(*v.Int), true
	case v.Float != nil:
		return *v.Float, true
	default:
		return 0, false
	}
}

// AddNumeric returns a new Value equal to v + delta, preserving v's
// int-vs-float shape when v is already numeric, and producing an int
// when v is the zero-equivalent of a missing field (see $inc semantics).
func (v Value) AddNumeric(delta float64) Value {
	if v.Int != nil {
		sum := float64(*v.Int) + delta
		if sum == float64(int64(sum)) {
			return IntValue(int64(sum))
		}
		return FloatValue(sum)
	}
	if v.Float != nil {
		return FloatValue(*v.Float + delta)
	}
	// Missing/null field treated as zero per resolved open question.
	if delta == float64(int64(delta)) {
		return IntValue(int64(delta))
	}
	return FloatValue(delta)
}

// MarshalJSON implements a compact encoding used for WAL/pending-row-group
// serialization: the wire form is plain JSON, which is sufficient since Go's
// encoding/json already round-trips null/bool/number/string/array/object;
// Date and Binary need explicit tagging to survive the round trip.
func (v Value) MarshalJSON() ([]byte, error) {
	switch {
	case v.Null:
		return []byte("null"), nil
	case v.Bool != nil:
		return json.Marshal(*v.Bool)
	case v.Int != nil:
		return json.Marshal(*v.Int)
	case v.Float != nil:
		return json.Marshal(*v.Float)
	case v.Date != nil:
		return json.Marshal(taggedValue{Tag: "date", Data: *v.Date})
	case v.Binary != nil:
		return json.Marshal(taggedValue{Tag: "binary", Data: v.Binary})
	case v.Str != nil:
		return json.Marshal(*v.Str)
	case v.Array != nil:
		return json.Marshal(v.Array)
	case v.Object != nil:
		return json.Marshal(v.Object)
	default:
		return []byte("null"), nil
	}
}

type taggedValue struct {
	Tag  string `json:"$vtag"`
	Data any    `json:"data"`
}

// UnmarshalJSON restores a Value from its wire form, recognizing the $vtag
// envelope used for Date/Binary.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = fromAny(raw)
	return nil
}

func fromAny(raw any) Value {
	switch t := raw.(type) {
	case nil:
		return NullValue()
	case bool:
		return BoolValue(t)
	case float64:
		if t == float64(int64(t)) {
			return IntValue(int64(t))
		}
		return FloatValue(t)
	case string:
		return StringValue(t)
	case []any:
		vs := make([]Value, len(t))
		for i, el := range t {
			vs[i] = fromAny(el)
		}
		return ArrayValue(vs)
	case map[string]any:
		if tag, ok := t["$vtag"]; ok {
			switch tag {
			case "date":
				if s, ok := t["data"].(string); ok {
					return DateValue(s)
				}
			case "binary":
				if s, ok := t["data"].(string); ok {
					if b, err := base64.StdEncoding.DecodeString(s); err == nil {
						return BinaryValue(b)
					}
				}
			}
		}
		m := make(map[string]Value, len(t))
		for k, el := range t {
			m[k] = fromAny(el)
		}
		return ObjectValue(m)
	default:
		return NullValue()
	}
}

// FromJSONMap converts a plain decoded JSON object (map[string]interface{})
// into an Object Value tree; used at the API boundary to accept request bodies.
func FromJSONMap(m map[string]any) Value {
	return fromAny(m)
}

// ToJSONMap flattens an Object Value back into a plain map for HTTP
// responses and handler payloads.
func (v Value) ToJSONMap() map[string]any {
	out, _ := v.toAny().(map[string]any)
	if out == nil {
		return map[string]any{}
	}
	return out
}

func (v Value) toAny() any {
	switch {
	case v.Null:
		return nil
	case v.Bool != nil:
		return *v.Bool
	case v.Int != nil:
		return *v.Int
	case v.Float != nil:
		return *v.Float
	case v.Date != nil:
		return *v.Date
	case v.Binary != nil:
		return v.Binary
	case v.Str != nil:
		return *v.Str
	case v.Array != nil:
		out := make([]any, len(v.Array))
		for i, el := range v.Array {
			out[i] = el.toAny()
		}
		return out
	case v.Object != nil:
		out := make(map[string]any, len(v.Object))
		for k, el := range v.Object {
			out[k] = el.toAny()
		}
		return out
	default:
		return nil
	}
}

// Clone returns a deep copy, used so folds never mutate a shared base state.
func (v Value) Clone() Value {
	cp := v
	if v.Array != nil {
		cp.Array = make([]Value, len(v.Array))
		for i, el := range v.Array {
			cp.Array[i] = el.Clone()
		}
	}
	if v.Object != nil {
		cp.Object = make(map[string]Value, len(v.Object))
		for k, el := range v.Object {
			cp.Object[k] = el.Clone()
		}
	}
	if v.Binary != nil {
		cp.Binary = append([]byte(nil), v.Binary...)
	}
	return cp
}

// SortedKeys returns the object's keys in sorted order, used for deterministic
// diffing and for presenting entity bodies consistently.
func (v Value) SortedKeys() []string {
	if v.Object == nil {
		return nil
	}
	keys := make([]string, 0, len(v.Object))
	for k := range v.Object {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (v Value) String() string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<invalid value: %v>", err)
	}
	return string(b)
}
