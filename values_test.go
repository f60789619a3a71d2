package qcarchive

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFeaturePayload(t *testing.T) {
	p, err := parseFeaturePayload([]byte(`{"attributes":{"zeta":1,"alpha":"a","mid":null,"nested":{"k":[1,2]}},"symbol":{"x":1},"geometry":{"x":1,"y":2}}`))
	require.NoError(t, err)
	assert.True(t, p.hasGeometry())
	assert.Equal(t, []string{"zeta", "alpha", "mid", "nested"}, p.keys())
	assert.JSONEq(t, `{"x":1,"y":2}`, string(p.Geometry))
	assert.Equal(t, `{"k":[1,2]}`, string(p.Attributes[3].Raw))

	p, err = parseFeaturePayload([]byte(`{"geometry":null,"attributes":null}`))
	require.NoError(t, err)
	assert.False(t, p.hasGeometry())
	assert.Empty(t, p.keys())

	p, err = parseFeaturePayload([]byte(`{}`))
	require.NoError(t, err)
	assert.False(t, p.hasGeometry())

	for _, bad := range []string{`[]`, `{"attributes":[1]}`, `{"attributes":{"a":}}`, `{"geometry":{}`, `nope`} {
		_, err := parseFeaturePayload([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestCoerceAttribute(t *testing.T) {
	ts := time.UnixMilli(1700000000000).UTC()
	tests := []struct {
		name    string
		raw     string
		ft      FieldType
		want    Value
		wantErr bool
	}{
		{"null", `null`, FieldInteger, Null(), false},
		{"string", `"abc"`, FieldString, StringValue("abc"), false},
		{"number as string", `12.50`, FieldString, StringValue("12.50"), false},
		{"bool as string", `true`, FieldString, StringValue("true"), false},
		{"object as string", `{ "a" : 1 }`, FieldString, StringValue(`{"a":1}`), false},
		{"integer", `42`, FieldInteger, IntValue(42), false},
		{"integer from text", `" 42 "`, FieldInteger, IntValue(42), false},
		{"integer from whole float", `42.0`, FieldInteger, IntValue(42), false},
		{"integer fraction", `42.5`, FieldInteger, Null(), true},
		{"integer overflow", `3000000000`, FieldInteger, Null(), true},
		{"integer from bool", `true`, FieldInteger, Null(), true},
		{"small integer", `-32768`, FieldSmallInteger, IntValue(-32768), false},
		{"small integer overflow", `32768`, FieldSmallInteger, Null(), true},
		{"single", `1.5`, FieldSingle, FloatValue(1.5), false},
		{"single overflow", `1e39`, FieldSingle, Null(), true},
		{"double", `1e39`, FieldDouble, FloatValue(1e39), false},
		{"double from text", `"2.25"`, FieldDouble, FloatValue(2.25), false},
		{"double bad text", `"two"`, FieldDouble, Null(), true},
		{"date", `1700000000000`, FieldDate, DateValue(ts), false},
		{"date from text", `"1700000000000"`, FieldDate, DateValue(ts), false},
		{"date garbage", `"yesterday"`, FieldDate, Null(), true},
		{"blob", `"AQID"`, FieldBlob, BlobValue([]byte{1, 2, 3}), false},
		{"blob bad", `"!!"`, FieldBlob, Null(), true},
		{"blob number", `7`, FieldBlob, Null(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := coerceAttribute(json.RawMessage(tt.raw), tt.ft)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestEpochMillis(t *testing.T) {
	want := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	for _, v := range []interface{}{
		int64(1700000000000), 1700000000000, 1700000000000.9, []byte("1700000000000"),
		json.Number("1700000000000"), "1700000000000",
	} {
		got, err := epochMillis(v)
		require.NoError(t, err, "%T", v)
		assert.Equal(t, want, got, "%T", v)
	}

	got, err := epochMillis(int64(-1000))
	require.NoError(t, err)
	assert.Equal(t, time.Date(1969, 12, 31, 23, 59, 59, 0, time.UTC), got)

	for _, v := range []interface{}{nil, true, "soon", 1e300, json.Number("NaN")} {
		_, err := epochMillis(v)
		assert.Error(t, err, "%v", v)
	}
}

func TestValue_Compare(t *testing.T) {
	t0 := time.Unix(0, 0)
	tests := []struct {
		a, b Value
		want int
	}{
		{Null(), Null(), 0},
		{Null(), IntValue(-5), -1},
		{StringValue(""), Null(), 1},
		{IntValue(1), IntValue(2), -1},
		{FloatValue(2.5), FloatValue(2.5), 0},
		{StringValue("b"), StringValue("a"), 1},
		{DateValue(t0), DateValue(t0.Add(time.Second)), -1},
		{BlobValue([]byte{1}), BlobValue([]byte{1, 0}), -1},
		{StringValue("z"), IntValue(1), -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.a.compare(tt.b), "%v vs %v", tt.a, tt.b)
	}
}

func TestValue_String(t *testing.T) {
	assert.Equal(t, "<null>", Null().String())
	assert.Equal(t, "42", IntValue(42).String())
	assert.Equal(t, "abc", StringValue("abc").String())
	assert.Equal(t, "<3 bytes>", BlobValue([]byte{1, 2, 3}).String())
	assert.Equal(t, "1970-01-01T00:00:00Z", DateValue(time.Unix(0, 0)).String())
	assert.Nil(t, Null().Interface())
	assert.Nil(t, Skipped().Interface())
}
