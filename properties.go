package qcarchive

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"

	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
)

// propertyColumn is one FlatGeobuf property column. Unlike free-form GeoJSON
// properties, every value written through it is coerced to the declared type.
type propertyColumn struct {
	Name  string
	Title string
	Type  flattypes.ColumnType
}

// fgbColumnType maps a table field type to the FlatGeobuf column type used on
// export.
func fgbColumnType(ft FieldType) flattypes.ColumnType {
	switch ft {
	case FieldSmallInteger:
		return flattypes.ColumnTypeShort
	case FieldInteger, FieldOID:
		return flattypes.ColumnTypeInt
	case FieldSingle:
		return flattypes.ColumnTypeFloat
	case FieldDouble:
		return flattypes.ColumnTypeDouble
	case FieldDate:
		return flattypes.ColumnTypeDateTime
	case FieldBlob:
		return flattypes.ColumnTypeBinary
	default:
		return flattypes.ColumnTypeString
	}
}

// encodeProperties encodes values (aligned with columns) to the FlatGeobuf
// property layout: [uint16 column index][value bytes]... Nil values are
// omitted, which FlatGeobuf readers treat as null.
func encodeProperties(values []interface{}, columns []propertyColumn) []byte {
	var buf bytes.Buffer
	for i, value := range values {
		if value == nil || i >= len(columns) {
			continue
		}
		var idx [2]byte
		binary.LittleEndian.PutUint16(idx[:], uint16(i))
		mark := buf.Len()
		buf.Write(idx[:])
		if !writePropertyValue(&buf, value, columns[i].Type) {
			buf.Truncate(mark) // value not representable in the column type
		}
	}
	return buf.Bytes()
}

// writePropertyValue appends one value and reports whether it could be
// represented in colType.
func writePropertyValue(buf *bytes.Buffer, value interface{}, colType flattypes.ColumnType) bool {
	switch colType {
	case flattypes.ColumnTypeShort:
		v, ok := toInt64(value)
		if !ok {
			return false
		}
		buf.Write(binary.LittleEndian.AppendUint16(nil, uint16(int16(v))))

	case flattypes.ColumnTypeInt:
		v, ok := toInt64(value)
		if !ok {
			return false
		}
		buf.Write(binary.LittleEndian.AppendUint32(nil, uint32(int32(v))))

	case flattypes.ColumnTypeFloat:
		v, ok := toFloat64(value)
		if !ok {
			return false
		}
		buf.Write(binary.LittleEndian.AppendUint32(nil, math.Float32bits(float32(v))))

	case flattypes.ColumnTypeDouble:
		v, ok := toFloat64(value)
		if !ok {
			return false
		}
		buf.Write(binary.LittleEndian.AppendUint64(nil, math.Float64bits(v)))

	case flattypes.ColumnTypeBinary:
		b, ok := value.([]byte)
		if !ok {
			return false
		}
		buf.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(b))))
		buf.Write(b)

	case flattypes.ColumnTypeDateTime:
		t, ok := value.(time.Time)
		if !ok {
			return false
		}
		writeString(buf, t.UTC().Format(time.RFC3339Nano))

	default:
		s, ok := value.(string)
		if !ok {
			return false
		}
		writeString(buf, s)
	}
	return true
}

// writeString writes a length-prefixed string as FlatGeobuf expects.
func writeString(buf *bytes.Buffer, s string) {
	buf.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(s))))
	buf.WriteString(s)
}

// decodeProperties decodes FlatGeobuf properties against the header columns.
func decodeProperties(data []byte, header *flattypes.Header) map[string]interface{} {
	if len(data) == 0 || header == nil {
		return nil
	}

	props := make(map[string]interface{})
	offset := 0
	for offset+2 <= len(data) {
		colIndex := int(binary.LittleEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if colIndex >= header.ColumnsLength() {
			break
		}

		var col flattypes.Column
		if !header.Columns(&col, colIndex) {
			break
		}

		value, n := readPropertyValue(data[offset:], col.Type())
		if n == 0 {
			break
		}
		offset += n
		props[string(col.Name())] = value
	}
	return props
}

// readPropertyValue reads one value and returns it with the number of bytes
// consumed; zero means the data was truncated or the type is unknown.
func readPropertyValue(data []byte, colType flattypes.ColumnType) (interface{}, int) {
	switch colType {
	case flattypes.ColumnTypeShort:
		if len(data) < 2 {
			return nil, 0
		}
		return int16(binary.LittleEndian.Uint16(data)), 2

	case flattypes.ColumnTypeInt:
		if len(data) < 4 {
			return nil, 0
		}
		return int32(binary.LittleEndian.Uint32(data)), 4

	case flattypes.ColumnTypeFloat:
		if len(data) < 4 {
			return nil, 0
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(data)), 4

	case flattypes.ColumnTypeDouble:
		if len(data) < 8 {
			return nil, 0
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), 8

	case flattypes.ColumnTypeString, flattypes.ColumnTypeDateTime, flattypes.ColumnTypeBinary:
		if len(data) < 4 {
			return nil, 0
		}
		n := int(binary.LittleEndian.Uint32(data))
		if len(data) < 4+n {
			return nil, 0
		}
		if colType == flattypes.ColumnTypeBinary {
			return append([]byte(nil), data[4:4+n]...), 4 + n
		}
		return string(data[4 : 4+n]), 4 + n
	}
	return nil, 0
}

func toInt64(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	}
	return 0, false
}

func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	}
	return 0, false
}
