package qcarchive

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/go-pkgz/lgr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUniqueName(t *testing.T) {
	long := strings.Repeat("a", 70)
	tests := []struct {
		name     string
		existing []string
		key      string
		want     string
	}{
		{"plain", nil, "status", "status"},
		{"spaces", nil, "inspection date", "inspection_date"},
		{"leading junk", nil, "#$-owner", "owner"},
		{"leading underscore kept", nil, "_owner", "_owner"},
		{"leading digit kept", nil, "1st", "1st"},
		{"only junk", nil, "###", "FIELD"},
		{"empty", nil, "", "FIELD"},
		{"collides with fixed", nil, "shape", "shape_1"},
		{"collision chain", []string{"name", "name_1"}, "name", "name_2"},
		{"case-insensitive collision", []string{"Name"}, "NAME", "NAME_1"},
		{"cleans to collision", []string{"owner"}, "$owner", "owner_1"},
		{"truncated", nil, long, strings.Repeat("a", 64)},
		{"truncated collision", []string{strings.Repeat("a", 64)}, long, strings.Repeat("a", 62) + "_1"},
		{"multibyte", nil, strings.Repeat("é", 70), strings.Repeat("é", 64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := fixedSchema(DefaultConfig().Fields)
			for _, n := range tt.existing {
				s.add(Column{Name: n})
			}
			assert.Equal(t, tt.want, s.uniqueName(tt.key))
		})
	}
}

func TestUniqueName_TenCollisions(t *testing.T) {
	s := fixedSchema(DefaultConfig().Fields)
	key := strings.Repeat("b", 64)
	for i := 0; i < 12; i++ {
		s.addAttribute(fmt.Sprintf("%s%d", key, i), FieldString, "")
	}
	seen := map[string]bool{}
	for _, c := range s.columns {
		assert.LessOrEqual(t, utf8.RuneCountInString(c.Name), MaxColumnNameLength)
		assert.False(t, seen[strings.ToUpper(c.Name)], "duplicate %s", c.Name)
		seen[strings.ToUpper(c.Name)] = true
	}
	assert.Equal(t, strings.Repeat("b", 61)+"_10", s.columns[len(s.columns)-2].Name)
}

func TestInferSchema(t *testing.T) {
	meta := FieldMetadata{
		{Name: "OBJECTID", Type: esriFieldTypeOID},
		{Name: "count", Alias: "Count", Type: esriFieldTypeInteger},
		{Name: "flag", Type: esriFieldTypeSmallInteger},
		{Name: "ratio", Type: esriFieldTypeSingle},
		{Name: "area", Type: esriFieldTypeDouble},
		{Name: "seen", Type: esriFieldTypeDate},
		{Name: "guid", Type: "esriFieldTypeGUID"},
		{Name: "SHAPE", Type: esriFieldTypeGeometry},
		{Name: "metadata only", Alias: "Only In Metadata", Type: esriFieldTypeString},
	}
	keys := []string{"OBJECTID", "area", "count", "free text", "Free_Text", "count", "flag", "ratio", "seen", "guid"}

	s := inferSchema(DefaultConfig().Fields, keys, meta, lgr.NoOp)

	var got []string
	for _, c := range s.columns[len(fixedColumns):] {
		got = append(got, fmt.Sprintf("%s:%s:%s", c.Name, c.Type, c.Alias))
	}
	assert.Equal(t, []string{
		"area:double:",
		"count:integer:Count",
		"free_text:string:",
		"Free_Text_1:string:",
		"flag:small-integer:",
		"ratio:single:",
		"seen:date:",
		"guid:string:",
		"metadata_only:string:Only In Metadata",
	}, got)

	assert.True(t, s.mapping.Ignored("OBJECTID"))
	assert.True(t, s.mapping.Ignored("SHAPE"))
	assert.Equal(t, 9, s.mapping.Len())

	col, ok := s.mapping.Column("Free_Text")
	require.True(t, ok)
	assert.Equal(t, "Free_Text_1", col)
	key, ok := s.mapping.Key("metadata_only")
	require.True(t, ok)
	assert.Equal(t, "metadata only", key)
	_, ok = s.mapping.Column("unknown")
	assert.False(t, ok)

	roles := map[ColumnRole]int{}
	for _, c := range s.columns {
		roles[c.Role]++
	}
	assert.Equal(t, 1, roles[RoleOID])
	assert.Equal(t, 1, roles[RoleGeometry])
}

func TestInferSchema_NoMetadata(t *testing.T) {
	s := inferSchema(DefaultConfig().Fields, []string{"b", "a"}, nil, lgr.NoOp)
	require.Len(t, s.columns, len(fixedColumns)+2)
	assert.Equal(t, "b", s.columns[7].Name)
	assert.Equal(t, "a", s.columns[8].Name)
	assert.Equal(t, FieldString, s.columns[8].Type)
}

func TestInferSchema_CustomFieldNames(t *testing.T) {
	names := DefaultConfig().Fields
	names.OID = "ObjectID"
	names.Shape = "Geometry"
	s := inferSchema(names, []string{"objectid"}, nil, lgr.NoOp)
	assert.Equal(t, "ObjectID", s.columns[colOID].Name)
	assert.Equal(t, "Geometry", s.columns[colShape].Name)
	assert.Equal(t, "objectid_1", s.columns[7].Name)
}

func TestParseFieldMetadata(t *testing.T) {
	meta, err := ParseFieldMetadata([]byte(`{"id":0,"name":"Hydrants","fields":[
		{"name":"OBJECTID","type":"esriFieldTypeOID","alias":"OBJECTID"},
		{"name":"status","type":"esriFieldTypeString","alias":"Status","length":50}
	]}`))
	require.NoError(t, err)
	require.Len(t, meta, 2)
	assert.Equal(t, FieldInfo{Name: "status", Alias: "Status", Type: esriFieldTypeString}, meta[1])

	meta, err = ParseFieldMetadata(nil)
	require.NoError(t, err)
	assert.Nil(t, meta)

	meta, err = ParseFieldMetadata([]byte(" \n"))
	require.NoError(t, err)
	assert.Nil(t, meta)

	_, err = ParseFieldMetadata([]byte(`{"fields":`))
	assert.Error(t, err)

	_, err = ParseFieldMetadata([]byte(`{"fields":[{"alias":"x"}]}`))
	assert.Error(t, err)
}

func TestFieldTypeString(t *testing.T) {
	assert.Equal(t, "oid", FieldOID.String())
	assert.Equal(t, "fieldtype(42)", FieldType(42).String())
}
