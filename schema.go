package qcarchive

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-pkgz/lgr"
)

// MaxColumnNameLength is the longest column name a table will produce.
const MaxColumnNameLength = 64

// FieldType is the storage type of a column.
type FieldType int

// Field types.
const (
	FieldString FieldType = iota
	FieldSmallInteger
	FieldInteger
	FieldSingle
	FieldDouble
	FieldDate
	FieldBlob
	FieldGeometry
	FieldOID
)

var fieldTypeNames = []string{"string", "small-integer", "integer", "single", "double", "date", "blob", "geometry", "oid"}

func (t FieldType) String() string {
	if int(t) < 0 || int(t) >= len(fieldTypeNames) {
		return fmt.Sprintf("fieldtype(%d)", int(t))
	}
	return fieldTypeNames[t]
}

// ColumnRole marks the identifier and geometry columns.
type ColumnRole int

// Column roles.
const (
	RoleAttribute ColumnRole = iota
	RoleOID
	RoleGeometry
)

// Column describes one table column.
type Column struct {
	Name  string
	Alias string
	Type  FieldType
	Role  ColumnRole
}

// DisplayName is the alias when set, the name otherwise.
func (c Column) DisplayName() string {
	if c.Alias != "" {
		return c.Alias
	}
	return c.Name
}

// Esri REST field types found in layer info documents.
const (
	esriFieldTypeOID          = "esriFieldTypeOID"
	esriFieldTypeGeometry     = "esriFieldTypeGeometry"
	esriFieldTypeString       = "esriFieldTypeString"
	esriFieldTypeDate         = "esriFieldTypeDate"
	esriFieldTypeInteger      = "esriFieldTypeInteger"
	esriFieldTypeSmallInteger = "esriFieldTypeSmallInteger"
	esriFieldTypeSingle       = "esriFieldTypeSingle"
	esriFieldTypeDouble       = "esriFieldTypeDouble"
)

// FieldInfo is one field entry of a layer info document.
type FieldInfo struct {
	Name  string `json:"name"`
	Alias string `json:"alias"`
	Type  string `json:"type"`
}

// skipped reports whether the field is covered by a fixed column.
func (f FieldInfo) skipped() bool {
	return f.Type == esriFieldTypeOID || f.Type == esriFieldTypeGeometry
}

func (f FieldInfo) fieldType() FieldType {
	switch f.Type {
	case esriFieldTypeSmallInteger:
		return FieldSmallInteger
	case esriFieldTypeInteger:
		return FieldInteger
	case esriFieldTypeSingle:
		return FieldSingle
	case esriFieldTypeDouble:
		return FieldDouble
	case esriFieldTypeDate:
		return FieldDate
	default:
		return FieldString
	}
}

// FieldMetadata is the optional per-layer field description, in document order.
type FieldMetadata []FieldInfo

// ParseFieldMetadata reads the "fields" member of an Esri layer info document.
// An empty document yields nil metadata without error.
func ParseFieldMetadata(data []byte) (FieldMetadata, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var doc struct {
		Fields []FieldInfo `json:"fields"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("layer info: %w", err)
	}
	for i, f := range doc.Fields {
		if f.Name == "" {
			return nil, fmt.Errorf("layer info: field %d has no name", i)
		}
	}
	return doc.Fields, nil
}

func (m FieldMetadata) lookup(name string) (FieldInfo, bool) {
	for _, f := range m {
		if f.Name == name {
			return f, true
		}
	}
	return FieldInfo{}, false
}

// AttributeMapping maps raw attribute keys to column names and back. It is
// built once per table and never changes afterwards.
type AttributeMapping struct {
	toColumn   map[string]string
	fromColumn map[string]string
	ignored    map[string]struct{}
}

func newAttributeMapping() AttributeMapping {
	return AttributeMapping{
		toColumn:   map[string]string{},
		fromColumn: map[string]string{},
		ignored:    map[string]struct{}{},
	}
}

// Column returns the column name for a raw attribute key.
func (m AttributeMapping) Column(key string) (string, bool) {
	name, ok := m.toColumn[key]
	return name, ok
}

// Key returns the raw attribute key a column was built from.
func (m AttributeMapping) Key(column string) (string, bool) {
	key, ok := m.fromColumn[column]
	return key, ok
}

// Ignored reports whether the key is covered by a fixed column (identifier or
// geometry) and carries no value of its own.
func (m AttributeMapping) Ignored(key string) bool {
	_, ok := m.ignored[key]
	return ok
}

// Len is the number of mapped keys.
func (m AttributeMapping) Len() int { return len(m.toColumn) }

// schema is the ordered column list under construction.
type schema struct {
	columns []Column
	names   map[string]struct{} // upper-cased
	mapping AttributeMapping
}

func newSchema() *schema {
	return &schema{names: map[string]struct{}{}, mapping: newAttributeMapping()}
}

// fixedSchema holds the leading columns every table carries.
func fixedSchema(f FieldNames) *schema {
	s := newSchema()
	s.add(Column{Name: f.OID, Type: FieldOID, Role: RoleOID})
	s.add(Column{Name: f.FeatureID, Type: FieldString})
	s.add(Column{Name: f.Timestamp, Type: FieldDate})
	s.add(Column{Name: f.ErrorMessage, Type: FieldString})
	s.add(Column{Name: f.Attachment, Alias: f.AttachmentAlias, Type: FieldString})
	s.add(Column{Name: f.Shape, Type: FieldGeometry, Role: RoleGeometry})
	s.add(Column{Name: f.ProcessingErrors, Type: FieldString})
	return s
}

func (s *schema) add(c Column) {
	s.columns = append(s.columns, c)
	s.names[strings.ToUpper(c.Name)] = struct{}{}
}

func (s *schema) has(name string) bool {
	_, ok := s.names[strings.ToUpper(name)]
	return ok
}

// addAttribute creates the column for a raw key and records the mapping.
func (s *schema) addAttribute(key string, ft FieldType, alias string) {
	name := s.uniqueName(key)
	s.add(Column{Name: name, Alias: alias, Type: ft})
	s.mapping.toColumn[key] = name
	s.mapping.fromColumn[name] = key
}

// uniqueName cleans a raw key into a column name: spaces become underscores,
// leading characters other than letters, digits and underscores are dropped
// and the result is cut to MaxColumnNameLength. Collisions get _1, _2, ...
// with the base shortened so the suffixed name still fits.
func (s *schema) uniqueName(key string) string {
	clean := strings.TrimLeftFunc(strings.ReplaceAll(key, " ", "_"), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	if clean == "" {
		clean = "FIELD"
	}
	clean = truncateRunes(clean, MaxColumnNameLength)

	name := clean
	for n := 1; s.has(name); n++ {
		suffix := fmt.Sprintf("_%d", n)
		name = truncateRunes(clean, MaxColumnNameLength-utf8.RuneCountInString(suffix)) + suffix
	}
	return name
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// inferSchema builds the table columns from the fixed column names, the keys
// of the first geometry-bearing record and the optional field metadata.
// It never fails: metadata problems are the caller's to log before passing nil.
func inferSchema(f FieldNames, keys []string, meta FieldMetadata, log lgr.L) *schema {
	s := fixedSchema(f)

	for _, key := range keys {
		if _, seen := s.mapping.toColumn[key]; seen || s.mapping.Ignored(key) {
			continue // duplicate key in the payload
		}
		ft, alias := FieldString, ""
		if info, ok := meta.lookup(key); ok {
			if info.skipped() {
				s.mapping.ignored[key] = struct{}{}
				continue
			}
			ft, alias = info.fieldType(), info.Alias
		}
		s.addAttribute(key, ft, alias)
	}

	for _, info := range meta {
		if _, seen := s.mapping.toColumn[info.Name]; seen || s.mapping.Ignored(info.Name) {
			continue
		}
		if info.skipped() {
			s.mapping.ignored[info.Name] = struct{}{}
			continue
		}
		s.addAttribute(info.Name, info.fieldType(), info.Alias)
	}

	log.Logf("[DEBUG] inferred %d columns, %d mapped attributes", len(s.columns), s.mapping.Len())
	return s
}
