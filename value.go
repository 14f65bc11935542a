package vtracer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
)

// Kind identifies the type held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindFields
	KindList
)

// Value is a context value. Only the kinds listed above can be represented,
// which keeps serialization exact.
//
//nolint:govet // Field order follows kind declaration order
type Value struct {
	kind   Kind
	str    string
	num    int64
	flt    float64
	fields Fields
	list   []Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Int returns an integer value.
func Int(n int64) Value { return Value{kind: KindInt, num: n} }

// Float returns a floating point value.
func Float(f float64) Value { return Value{kind: KindFloat, flt: f} }

// Bool returns a boolean value.
func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.num = 1
	}
	return v
}

// Map returns a nested mapping value.
func Map(fields Fields) Value { return Value{kind: KindFields, fields: fields.Clone()} }

// List returns a sequence value.
func List(values ...Value) Value {
	list := make([]Value, len(values))
	for i, v := range values {
		list[i] = v.clone()
	}
	return Value{kind: KindList, list: list}
}

// maxAnyDepth bounds how deep Any descends into nested maps and slices.
// Deeper values, including cyclic ones, collapse to a placeholder.
const maxAnyDepth = 32

// Any converts a Go value into a Value.
// Numbers, strings, bools, errors, Stringers, Fields, Values, maps with
// string keys and slices convert structurally; anything else is rendered
// with %v. Any never panics: a nil pointer becomes Null, and a panicking
// Error or String method is rendered as "!PANIC: <reason>".
func Any(v any) Value {
	return anyValue(v, 0)
}

func anyValue(v any, depth int) Value {
	if depth > maxAnyDepth {
		return String("!MAXDEPTH")
	}
	switch x := v.(type) {
	case nil:
		return Null()
	case Value:
		return x.clone()
	case Fields:
		return Map(x)
	case string:
		return String(x)
	case bool:
		return Bool(x)
	case int:
		return Int(int64(x))
	case int8:
		return Int(int64(x))
	case int16:
		return Int(int64(x))
	case int32:
		return Int(int64(x))
	case int64:
		return Int(x)
	case uint:
		return uintValue(uint64(x))
	case uint8:
		return Int(int64(x))
	case uint16:
		return Int(int64(x))
	case uint32:
		return Int(int64(x))
	case uint64:
		return uintValue(x)
	case float32:
		return Float(float64(x))
	case float64:
		return Float(x)
	case []byte:
		return String(string(x))
	case error:
		return safeString(v, x.Error)
	case fmt.Stringer:
		return safeString(v, x.String)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make(Fields, 0, len(keys))
		for _, k := range keys {
			fields = append(fields, Field{Key: k, Value: anyValue(x[k], depth+1)})
		}
		return Value{kind: KindFields, fields: fields}
	case []any:
		list := make([]Value, len(x))
		for i, item := range x {
			list[i] = anyValue(item, depth+1)
		}
		return Value{kind: KindList, list: list}
	}
	return reflectValue(v, depth)
}

// safeString calls an Error or String method of v. A nil pointer receiver
// yields Null and a panic inside the method yields a placeholder string.
func safeString(v any, method func() string) (out Value) {
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return Null()
	}
	defer func() {
		if r := recover(); r != nil {
			out = String(fmt.Sprintf("!PANIC: %v", r))
		}
	}()
	return String(method())
}

func uintValue(n uint64) Value {
	if n > math.MaxInt64 {
		return String(strconv.FormatUint(n, 10))
	}
	return Int(int64(n))
}

// reflectValue handles typed slices and maps that the type switch misses.
func reflectValue(v any, depth int) Value {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		list := make([]Value, rv.Len())
		for i := range list {
			list[i] = anyValue(rv.Index(i).Interface(), depth+1)
		}
		return Value{kind: KindList, list: list}
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		fields := make(Fields, 0, len(keys))
		for _, k := range keys {
			item := rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key()))
			fields = append(fields, Field{Key: k, Value: anyValue(item.Interface(), depth+1)})
		}
		return Value{kind: KindFields, fields: fields}
	case reflect.Pointer:
		if rv.IsNil() {
			return Null()
		}
		return anyValue(rv.Elem().Interface(), depth+1)
	}
	return String(fmt.Sprintf("%v", v))
}

// Kind returns the kind of the value.
func (v Value) Kind() Kind { return v.kind }

// Str returns the string held by a KindString value.
func (v Value) Str() string { return v.str }

// Int64 returns the integer held by a KindInt value.
func (v Value) Int64() int64 { return v.num }

// Float64 returns the number held by a KindFloat or KindInt value.
func (v Value) Float64() float64 {
	if v.kind == KindInt {
		return float64(v.num)
	}
	return v.flt
}

// Bool returns the boolean held by a KindBool value.
func (v Value) Bool() bool { return v.num == 1 }

// Fields returns a copy of the mapping held by a KindFields value.
func (v Value) Fields() Fields { return v.fields.Clone() }

// List returns a copy of the values held by a KindList value.
func (v Value) List() []Value {
	if v.list == nil {
		return nil
	}
	return List(v.list...).list
}

// Interface converts the value back into plain Go values.
// Mappings become map[string]any and lose their order.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt:
		return v.num
	case KindFloat:
		return v.flt
	case KindBool:
		return v.Bool()
	case KindFields:
		return v.fields.Map()
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	}
	return nil
}

// Equal reports whether two values have the same kind and contents.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == other.str
	case KindInt, KindBool:
		return v.num == other.num
	case KindFloat:
		return v.flt == other.flt
	case KindFields:
		return v.fields.Equal(other.fields)
	case KindList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(other.list[i]) {
				return false
			}
		}
	}
	return true
}

func (v Value) String() string {
	if v.kind == KindString {
		return v.str
	}
	var buf bytes.Buffer
	if err := v.encodeJSON(&buf); err != nil {
		return fmt.Sprintf("!ERROR:%v", err)
	}
	return buf.String()
}

func (v Value) clone() Value {
	switch v.kind {
	case KindFields:
		v.fields = v.fields.Clone()
	case KindList:
		v.list = List(v.list...).list
	}
	return v
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encodeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encodeJSON(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindString:
		return encodeJSONString(buf, v.str)
	case KindInt:
		buf.WriteString(strconv.FormatInt(v.num, 10))
	case KindFloat:
		if math.IsNaN(v.flt) || math.IsInf(v.flt, 0) {
			buf.WriteString("null")
			return nil
		}
		b, err := json.Marshal(v.flt)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.Bool()))
	case KindFields:
		return v.fields.encodeJSON(buf)
	case KindList:
		buf.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encodeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return fmt.Errorf("vtracer: unknown value kind %d", v.kind)
	}
	return nil
}

// encodeJSONString writes s as a JSON string without HTML escaping.
func encodeJSONString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}

// Field is one key/value pair of an event context.
type Field struct {
	Key   string
	Value Value
}

// Fields is an ordered mapping of context keys to values.
// Keys are unique; insertion order is kept for serialization.
type Fields []Field

const badKey = "!BADKEY"

// F builds Fields from alternating keys and values:
//
//	vtracer.F("address", "127.0.0.1", "port", 8099)
//
// A non-string key is formatted with %v. A trailing value without a key is
// stored under "!BADKEY". Repeated keys keep the last value.
func F(kv ...any) Fields {
	fields := make(Fields, 0, (len(kv)+1)/2)
	for len(kv) > 0 {
		if len(kv) == 1 {
			fields = fields.set(badKey, Any(kv[0]))
			break
		}
		key, ok := kv[0].(string)
		if !ok {
			key = fmt.Sprintf("%v", kv[0])
		}
		fields = fields.set(key, Any(kv[1]))
		kv = kv[2:]
	}
	return fields
}

// Len returns the number of fields.
func (f Fields) Len() int { return len(f) }

// Get returns the value stored under key.
func (f Fields) Get(key string) (Value, bool) {
	for _, field := range f {
		if field.Key == key {
			return field.Value, true
		}
	}
	return Value{}, false
}

// Keys returns the keys in order.
func (f Fields) Keys() []string {
	keys := make([]string, len(f))
	for i, field := range f {
		keys[i] = field.Key
	}
	return keys
}

// With returns a copy of f with key set to v.
func (f Fields) With(key string, v any) Fields {
	return f.Clone().set(key, Any(v))
}

// Merge returns a new mapping holding f followed by every mapping in
// others. Later values override earlier ones; an overridden key keeps the
// position of its first occurrence.
func (f Fields) Merge(others ...Fields) Fields {
	size := len(f)
	for _, o := range others {
		size += len(o)
	}
	merged := make(Fields, 0, size)
	for _, field := range f {
		merged = merged.set(field.Key, field.Value.clone())
	}
	for _, o := range others {
		for _, field := range o {
			merged = merged.set(field.Key, field.Value.clone())
		}
	}
	return merged
}

// Clone returns a deep copy of f.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for i, field := range f {
		out[i] = Field{Key: field.Key, Value: field.Value.clone()}
	}
	return out
}

// Map converts the fields into a plain map.
func (f Fields) Map() map[string]any {
	out := make(map[string]any, len(f))
	for _, field := range f {
		out[field.Key] = field.Value.Interface()
	}
	return out
}

// Equal reports whether both mappings hold the same keys, in the same
// order, with equal values.
func (f Fields) Equal(other Fields) bool {
	if len(f) != len(other) {
		return false
	}
	for i := range f {
		if f[i].Key != other[i].Key || !f[i].Value.Equal(other[i].Value) {
			return false
		}
	}
	return true
}

// set replaces the value under key in place or appends it.
func (f Fields) set(key string, v Value) Fields {
	for i := range f {
		if f[i].Key == key {
			f[i].Value = v
			return f
		}
	}
	return append(f, Field{Key: key, Value: v})
}

// MarshalJSON implements json.Marshaler. The key order is preserved.
func (f Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := f.encodeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler. The key order of the input
// is preserved.
func (f *Fields) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeJSONValue(dec)
	if err != nil {
		return err
	}
	switch v.kind {
	case KindFields:
		*f = v.fields
	case KindNull:
		*f = nil
	default:
		return errors.New("vtracer: context must be a JSON object")
	}
	return nil
}

func (f Fields) encodeJSON(buf *bytes.Buffer) error {
	buf.WriteByte('{')
	for i, field := range f {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeJSONString(buf, field.Key); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := field.Value.encodeJSON(buf); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func decodeJSONValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return Int(n), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return Float(f), nil
	case json.Delim:
		switch t {
		case '{':
			fields := Fields{}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, _ := keyTok.(string)
				item, err := decodeJSONValue(dec)
				if err != nil {
					return Value{}, err
				}
				fields = fields.set(key, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return Value{kind: KindFields, fields: fields}, nil
		case '[':
			list := []Value{}
			for dec.More() {
				item, err := decodeJSONValue(dec)
				if err != nil {
					return Value{}, err
				}
				list = append(list, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return Value{kind: KindList, list: list}, nil
		}
	}
	return Value{}, fmt.Errorf("vtracer: unexpected JSON token %v", tok)
}
