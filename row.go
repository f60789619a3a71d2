package qcarchive

import (
	"fmt"
	"strings"
)

// columnFilter is a parsed, case-insensitive column list. A nil filter keeps
// every column.
type columnFilter map[string]struct{}

// parseColumnFilter reads "*" or a comma-separated list of column names.
func parseColumnFilter(s string) columnFilter {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return nil
	}
	f := columnFilter{}
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			f[strings.ToUpper(name)] = struct{}{}
		}
	}
	return f
}

func (f columnFilter) keeps(name string) bool {
	if f == nil {
		return true
	}
	_, ok := f[strings.ToUpper(name)]
	return ok
}

// FetchRow returns one value per column, in Fields order. Columns left out by
// the filter hold Skipped. The shape is decoded and, when outSR is set and
// differs from the table's, reprojected.
func (t *Table) FetchRow(oid int32, filter string, outSR *SpatialReference) ([]Value, error) {
	if err := t.usable("FetchRow"); err != nil {
		return nil, err
	}
	return t.project(oid, parseColumnFilter(filter), outSR)
}

func (t *Table) project(oid int32, filter columnFilter, outSR *SpatialReference) ([]Value, error) {
	row, ok := t.row(oid)
	if !ok {
		return nil, fmt.Errorf("row %d of %s: %w", oid, t.name, ErrRowNotFound)
	}

	values := make([]Value, len(t.fields))
	for i, c := range t.fields {
		if !filter.keeps(c.Name) {
			values[i] = Skipped()
			continue
		}
		if c.Role != RoleGeometry {
			values[i] = row[i]
			continue
		}

		g, ok, err := t.geometry(oid)
		if err != nil {
			return nil, err
		}
		if !ok {
			values[i] = Null()
			continue
		}
		if outSR != nil && *outSR != g.SpatialReference {
			if g, err = t.adapter.Project(g, *outSR); err != nil {
				return nil, fmt.Errorf("row %d: %w", oid, err)
			}
		}
		values[i] = GeometryValue(g)
	}
	return values, nil
}
