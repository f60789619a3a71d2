package qcarchive

import (
	"io"

	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	"github.com/flatgeobuf/flatgeobuf/src/go/writer"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/paulmach/orb"
)

// fgbFeature is one feature queued for writing; props are aligned with the
// columns passed to writeFlatGeobuf.
type fgbFeature struct {
	geom  orb.Geometry
	props []interface{}
}

// writeFlatGeobuf writes features as a FlatGeobuf buffer. With
// opts.IncludeIndex the writer sorts features along a Hilbert curve and packs
// them into a static R-tree in a single bulk pass.
func writeFlatGeobuf(w io.Writer, features []fgbFeature, columns []propertyColumn, opts *Options) error {
	if opts == nil {
		opts = DefaultOptions()
	}
	if len(features) == 0 {
		return ErrNoFeatures
	}

	geomType := flattypes.GeometryTypeUnknown
	for i, f := range features {
		t := orbToFGBGeometryType(f.geom)
		if i == 0 {
			geomType = t
			continue
		}
		if t != geomType {
			geomType = flattypes.GeometryTypeUnknown
			break
		}
	}

	builder := flatbuffers.NewBuilder(4096)
	header := writer.NewHeader(builder)
	header.SetGeometryType(geomType)
	if opts.Name != "" {
		header.SetName(opts.Name)
	}
	if opts.Description != "" {
		header.SetDescription(opts.Description)
	}

	if len(columns) > 0 {
		cols := make([]*writer.Column, 0, len(columns))
		for _, c := range columns {
			col := writer.NewColumn(builder)
			col.SetName(c.Name)
			title := c.Title
			if title == "" {
				title = c.Name
			}
			col.SetTitle(title)
			col.SetType(c.Type)
			col.SetNullable(true)
			cols = append(cols, col)
		}
		header.SetColumns(cols)
	}

	if opts.CRS != nil {
		crs := writer.NewCrs(builder)
		crs.SetOrg("EPSG")
		if opts.CRS.Code > 0 {
			crs.SetCode(int32(opts.CRS.Code))
		}
		if opts.CRS.Name != "" {
			crs.SetName(opts.CRS.Name)
		}
		if opts.CRS.Description != "" {
			crs.SetDescription(opts.CRS.Description)
		}
		header.SetCrs(crs)
	}

	gen := &featureGenerator{features: features, columns: columns}
	fgbWriter := writer.NewWriter(header, opts.IncludeIndex, gen, nil)
	_, err := fgbWriter.Write(w)
	return err
}

var _ writer.FeatureGenerator = (*featureGenerator)(nil)

// featureGenerator feeds queued features to the FlatGeobuf writer.
type featureGenerator struct {
	features []fgbFeature
	columns  []propertyColumn
	index    int
}

func (g *featureGenerator) Generate() *writer.Feature {
	for g.index < len(g.features) {
		f := g.features[g.index]
		g.index++

		builder := flatbuffers.NewBuilder(1024)
		fgbGeom := geometryToFGB(f.geom, builder)
		if fgbGeom == nil {
			continue // unsupported or empty geometry
		}

		feature := writer.NewFeature(builder)
		feature.SetGeometry(fgbGeom)
		if props := encodeProperties(f.props, g.columns); len(props) > 0 {
			feature.SetProperties(props)
		}
		return feature
	}
	return nil
}
