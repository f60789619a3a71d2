package qcarchive

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ValueKind tags the variant held by a Value.
type ValueKind int

// Value kinds. ValueSkipped marks a column left out by a column filter.
const (
	ValueNull ValueKind = iota
	ValueString
	ValueInt
	ValueFloat
	ValueDate
	ValueBlob
	ValueGeometry
	ValueSkipped
)

// Value is one cell of a row. Integer columns of any width are held in Int,
// single and double columns in Float.
type Value struct {
	Kind  ValueKind
	Str   string
	Int   int64
	Float float64
	Time  time.Time
	Blob  []byte
	Geom  *Geometry
}

// Null is the null value.
func Null() Value { return Value{} }

// Skipped is the placeholder for a filtered-out column.
func Skipped() Value { return Value{Kind: ValueSkipped} }

// StringValue wraps s.
func StringValue(s string) Value { return Value{Kind: ValueString, Str: s} }

// IntValue wraps v.
func IntValue(v int64) Value { return Value{Kind: ValueInt, Int: v} }

// FloatValue wraps v.
func FloatValue(v float64) Value { return Value{Kind: ValueFloat, Float: v} }

// DateValue wraps t in UTC.
func DateValue(t time.Time) Value { return Value{Kind: ValueDate, Time: t.UTC()} }

// BlobValue wraps b.
func BlobValue(b []byte) Value { return Value{Kind: ValueBlob, Blob: b} }

// GeometryValue wraps g.
func GeometryValue(g Geometry) Value { return Value{Kind: ValueGeometry, Geom: &g} }

// IsNull reports a null value. Skipped is not null.
func (v Value) IsNull() bool { return v.Kind == ValueNull }

// Interface returns the plain Go value: nil, string, int64, float64,
// time.Time, []byte or orb.Geometry.
func (v Value) Interface() interface{} {
	switch v.Kind {
	case ValueString:
		return v.Str
	case ValueInt:
		return v.Int
	case ValueFloat:
		return v.Float
	case ValueDate:
		return v.Time
	case ValueBlob:
		return v.Blob
	case ValueGeometry:
		if v.Geom == nil {
			return nil
		}
		return v.Geom.Geom
	}
	return nil
}

func (v Value) String() string {
	switch v.Kind {
	case ValueNull:
		return "<null>"
	case ValueSkipped:
		return "<skipped>"
	case ValueDate:
		return v.Time.Format(time.RFC3339Nano)
	case ValueBlob:
		return fmt.Sprintf("<%d bytes>", len(v.Blob))
	case ValueGeometry:
		if v.Geom == nil {
			return "<null>"
		}
		return fmt.Sprintf("<%s>", v.Geom.Kind())
	}
	return fmt.Sprint(v.Interface())
}

// compare orders two values of the same column. Nulls sort first; values of
// different kinds compare by kind.
func (v Value) compare(o Value) int {
	if v.Kind != o.Kind {
		switch {
		case v.Kind == ValueNull:
			return -1
		case o.Kind == ValueNull:
			return 1
		case v.Kind < o.Kind:
			return -1
		}
		return 1
	}
	switch v.Kind {
	case ValueString:
		return strings.Compare(v.Str, o.Str)
	case ValueInt:
		return cmpOrdered(v.Int, o.Int)
	case ValueFloat:
		return cmpOrdered(v.Float, o.Float)
	case ValueDate:
		return v.Time.Compare(o.Time)
	case ValueBlob:
		return bytes.Compare(v.Blob, o.Blob)
	}
	return 0
}

func cmpOrdered[T int64 | float64 | int32](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// attribute is one key of a feature's attribute object, in payload order.
type attribute struct {
	Key string
	Raw json.RawMessage
}

// featurePayload is the Esri JSON feature stored in the archive.
type featurePayload struct {
	Geometry   json.RawMessage
	Attributes []attribute
}

// hasGeometry reports a geometry member that is present and not null.
func (p featurePayload) hasGeometry() bool {
	g := bytes.TrimSpace(p.Geometry)
	return len(g) > 0 && !bytes.Equal(g, []byte("null"))
}

func (p featurePayload) keys() []string {
	keys := make([]string, len(p.Attributes))
	for i, a := range p.Attributes {
		keys[i] = a.Key
	}
	return keys
}

// parseFeaturePayload reads {"geometry": ..., "attributes": {...}} keeping the
// attribute keys in document order.
func parseFeaturePayload(data []byte) (featurePayload, error) {
	var res featurePayload
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	if err := expectDelim(dec, '{'); err != nil {
		return res, err
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return res, fmt.Errorf("feature payload: %w", err)
		}
		key, _ := tok.(string)
		switch key {
		case "geometry":
			if err := dec.Decode(&res.Geometry); err != nil {
				return res, fmt.Errorf("feature payload geometry: %w", err)
			}
		case "attributes":
			if res.Attributes, err = parseAttributes(dec); err != nil {
				return res, err
			}
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return res, fmt.Errorf("feature payload %s: %w", key, err)
			}
		}
	}
	if _, err := dec.Token(); err != nil {
		return res, fmt.Errorf("feature payload: %w", err)
	}
	return res, nil
}

func parseAttributes(dec *json.Decoder) ([]attribute, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("feature attributes: %w", err)
	}
	if tok == nil {
		return nil, nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("feature attributes: expected object, got %v", tok)
	}

	var attrs []attribute
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("feature attributes: %w", err)
		}
		a := attribute{Key: tok.(string)}
		if err := dec.Decode(&a.Raw); err != nil {
			return nil, fmt.Errorf("feature attribute %s: %w", a.Key, err)
		}
		attrs = append(attrs, a)
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("feature attributes: %w", err)
	}
	return attrs, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("feature payload: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("feature payload: expected %q, got %v", want, tok)
	}
	return nil
}

var errNotNumeric = errors.New("not a number")

// coerceAttribute converts a raw JSON attribute to the column type. On error
// the returned value is null.
func coerceAttribute(raw json.RawMessage, ft FieldType) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return Null(), err
	}
	if v == nil {
		return Null(), nil
	}

	switch ft {
	case FieldSmallInteger, FieldInteger:
		n, err := integerOf(v)
		if err != nil {
			return Null(), err
		}
		lo, hi := int64(math.MinInt32), int64(math.MaxInt32)
		if ft == FieldSmallInteger {
			lo, hi = math.MinInt16, math.MaxInt16
		}
		if n < lo || n > hi {
			return Null(), fmt.Errorf("%d out of range for %s", n, ft)
		}
		return IntValue(n), nil

	case FieldSingle, FieldDouble:
		f, err := floatOf(v)
		if err != nil {
			return Null(), err
		}
		if ft == FieldSingle && math.Abs(f) > math.MaxFloat32 {
			return Null(), fmt.Errorf("%g out of range for %s", f, ft)
		}
		return FloatValue(f), nil

	case FieldDate:
		t, err := epochMillis(v)
		if err != nil {
			return Null(), err
		}
		return DateValue(t), nil

	case FieldBlob:
		s, ok := v.(string)
		if !ok {
			return Null(), fmt.Errorf("%T is not base64 text", v)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return Null(), err
		}
		return BlobValue(b), nil
	}

	switch val := v.(type) {
	case string:
		return StringValue(val), nil
	case json.Number:
		return StringValue(val.String()), nil
	case bool:
		return StringValue(strconv.FormatBool(val)), nil
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return Null(), err
	}
	return StringValue(compact.String()), nil
}

func integerOf(v interface{}) (int64, error) {
	var text string
	switch val := v.(type) {
	case json.Number:
		text = val.String()
	case string:
		text = strings.TrimSpace(val)
	default:
		return 0, fmt.Errorf("%T: %w", v, errNotNumeric)
	}
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", text, errNotNumeric)
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%q is not a whole number", text)
	}
	return int64(f), nil
}

func floatOf(v interface{}) (float64, error) {
	var text string
	switch val := v.(type) {
	case json.Number:
		text = val.String()
	case string:
		text = strings.TrimSpace(val)
	default:
		return 0, fmt.Errorf("%T: %w", v, errNotNumeric)
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", text, errNotNumeric)
	}
	return f, nil
}

// epochMillis reads a count of milliseconds since 1970-01-01T00:00:00Z.
// Fractions of a millisecond are dropped.
func epochMillis(v interface{}) (time.Time, error) {
	var ms float64
	switch val := v.(type) {
	case int64:
		return time.UnixMilli(val).UTC(), nil
	case int:
		return time.UnixMilli(int64(val)).UTC(), nil
	case float64:
		ms = val
	case []byte:
		return epochMillis(string(val))
	case json.Number, string:
		f, err := floatOf(val)
		if err != nil {
			return time.Time{}, err
		}
		ms = f
	default:
		return time.Time{}, fmt.Errorf("%T: %w", v, errNotNumeric)
	}
	if math.IsNaN(ms) || math.IsInf(ms, 0) || math.Abs(ms) > math.MaxInt64/2 {
		return time.Time{}, fmt.Errorf("%v: timestamp out of range", ms)
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}
