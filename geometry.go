package qcarchive

import (
	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	"github.com/flatgeobuf/flatgeobuf/src/go/writer"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/paulmach/orb"
)

// orbToFGBGeometryType converts an orb.Geometry to its FlatGeobuf GeometryType.
func orbToFGBGeometryType(geom orb.Geometry) flattypes.GeometryType {
	switch geom.(type) {
	case orb.Point:
		return flattypes.GeometryTypePoint
	case orb.MultiPoint:
		return flattypes.GeometryTypeMultiPoint
	case orb.LineString:
		return flattypes.GeometryTypeLineString
	case orb.MultiLineString:
		return flattypes.GeometryTypeMultiLineString
	case orb.Polygon, orb.Bound:
		return flattypes.GeometryTypePolygon
	case orb.MultiPolygon:
		return flattypes.GeometryTypeMultiPolygon
	default:
		return flattypes.GeometryTypeUnknown
	}
}

// geometryToFGB converts an orb.Geometry to a FlatGeobuf writer.Geometry.
// Unsupported types yield nil.
func geometryToFGB(geom orb.Geometry, builder *flatbuffers.Builder) *writer.Geometry {
	if geom == nil {
		return nil
	}

	g := writer.NewGeometry(builder)
	switch v := geom.(type) {
	case orb.Point:
		g.SetType(flattypes.GeometryTypePoint)
		g.SetXY([]float64{v[0], v[1]})

	case orb.MultiPoint:
		g.SetType(flattypes.GeometryTypeMultiPoint)
		g.SetXY(pointsToXY(v))

	case orb.LineString:
		g.SetType(flattypes.GeometryTypeLineString)
		g.SetXY(pointsToXY(v))

	case orb.MultiLineString:
		g.SetType(flattypes.GeometryTypeMultiLineString)
		parts := make([][]orb.Point, 0, len(v))
		for _, ls := range v {
			parts = append(parts, ls)
		}
		xy, ends := partsToXYEnds(parts)
		g.SetXY(xy)
		g.SetEnds(ends)

	case orb.Bound:
		return geometryToFGB(v.ToPolygon(), builder)

	case orb.Polygon:
		g.SetType(flattypes.GeometryTypePolygon)
		xy, ends := polygonToXYEnds(v)
		g.SetXY(xy)
		g.SetEnds(ends)

	case orb.MultiPolygon:
		g.SetType(flattypes.GeometryTypeMultiPolygon)
		parts := make([]writer.Geometry, 0, len(v))
		for _, poly := range v {
			pg := writer.NewGeometry(builder)
			pg.SetType(flattypes.GeometryTypePolygon)
			xy, ends := polygonToXYEnds(poly)
			pg.SetXY(xy)
			pg.SetEnds(ends)
			parts = append(parts, *pg)
		}
		g.SetParts(parts)

	default:
		return nil
	}
	return g
}

func pointsToXY(pts []orb.Point) []float64 {
	xy := make([]float64, 0, len(pts)*2)
	for _, p := range pts {
		xy = append(xy, p[0], p[1])
	}
	return xy
}

func polygonToXYEnds(poly orb.Polygon) ([]float64, []uint32) {
	parts := make([][]orb.Point, 0, len(poly))
	for _, r := range poly {
		parts = append(parts, r)
	}
	return partsToXYEnds(parts)
}

// partsToXYEnds flattens rings or paths into one coordinate array plus the
// cumulative end offset (in points) of each part.
func partsToXYEnds(parts [][]orb.Point) ([]float64, []uint32) {
	total := 0
	for _, p := range parts {
		total += len(p)
	}

	xy := make([]float64, 0, total*2)
	ends := make([]uint32, 0, len(parts))
	cumulative := uint32(0)
	for _, p := range parts {
		xy = append(xy, pointsToXY(p)...)
		cumulative += uint32(len(p))
		ends = append(ends, cumulative)
	}
	return xy, ends
}
