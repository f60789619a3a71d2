package qcarchive

import (
	"fmt"
	"io"

	"github.com/paulmach/orb/geojson"
)

// Export converts rows to GeoJSON features. Properties are keyed by column
// name; skipped columns are left out and the shape becomes the feature
// geometry. Rows without geometry get a null geometry.
func (t *Table) Export(oids []int32, filter string, outSR *SpatialReference) (*geojson.FeatureCollection, error) {
	if err := t.usable("Export"); err != nil {
		return nil, err
	}
	cf := parseColumnFilter(filter)

	fc := geojson.NewFeatureCollection()
	for _, oid := range oids {
		values, err := t.project(oid, cf, outSR)
		if err != nil {
			return nil, err
		}
		f := geojson.NewFeature(nil)
		f.ID = oid
		for i, c := range t.fields {
			v := values[i]
			switch {
			case v.Kind == ValueSkipped:
			case c.Role == RoleGeometry:
				if v.Geom != nil {
					f.Geometry = v.Geom.Geom
				}
			default:
				f.Properties[c.Name] = v.Interface()
			}
		}
		fc.Append(f)
	}
	return fc, nil
}

// WriteFlatGeobuf writes rows as FlatGeobuf with one typed property column per
// non-geometry table column. Rows without geometry are left out. opts may be
// nil; name and CRS default to the table's.
func (t *Table) WriteFlatGeobuf(w io.Writer, oids []int32, outSR *SpatialReference, opts *Options) error {
	if err := t.usable("WriteFlatGeobuf"); err != nil {
		return err
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	sr := t.sr
	if outSR != nil {
		sr = *outSR
	}
	o := *opts
	if o.Name == "" {
		o.Name = t.name
	}
	if o.CRS == nil {
		o.CRS = sr.CRS()
	}

	var columns []propertyColumn
	var positions []int
	for i, c := range t.fields {
		if c.Role == RoleGeometry {
			continue
		}
		columns = append(columns, propertyColumn{Name: c.Name, Title: c.DisplayName(), Type: fgbColumnType(c.Type)})
		positions = append(positions, i)
	}

	features := make([]fgbFeature, 0, len(oids))
	for _, oid := range oids {
		values, err := t.project(oid, nil, &sr)
		if err != nil {
			return err
		}
		g := values[t.shapeCol].Geom
		if g == nil {
			continue
		}
		props := make([]interface{}, len(positions))
		for j, pos := range positions {
			props[j] = values[pos].Interface()
		}
		features = append(features, fgbFeature{geom: g.Geom, props: props})
	}

	if err := writeFlatGeobuf(w, features, columns, &o); err != nil {
		return fmt.Errorf("table %s: %w", t.name, err)
	}
	return nil
}
