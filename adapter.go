package qcarchive

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// GeometryKind is the dominant geometry type of a table.
type GeometryKind int

// Geometry kinds.
const (
	KindNone GeometryKind = iota
	KindPoint
	KindMultipoint
	KindLine
	KindPolygon
)

func (k GeometryKind) String() string {
	switch k {
	case KindPoint:
		return "point"
	case KindMultipoint:
		return "multipoint"
	case KindLine:
		return "line"
	case KindPolygon:
		return "polygon"
	default:
		return "none"
	}
}

// Geometry is a parsed feature geometry. Z values, when present, are kept in
// vertex order alongside the 2D orb geometry.
type Geometry struct {
	Geom             orb.Geometry
	Z                []float64
	HasZ             bool
	SpatialReference SpatialReference
}

// Kind maps the orb type to a GeometryKind.
func (g Geometry) Kind() GeometryKind {
	return kindOf(g.Geom)
}

// Bound is the 2D extent of the geometry.
func (g Geometry) Bound() orb.Bound {
	return g.Geom.Bound()
}

// IsEnvelope reports whether the geometry is an axis-aligned envelope.
func (g Geometry) IsEnvelope() bool {
	_, ok := g.Geom.(orb.Bound)
	return ok
}

// NewEnvelope builds an envelope geometry, the cheapest spatial filter.
func NewEnvelope(b orb.Bound, sr SpatialReference) Geometry {
	return Geometry{Geom: b, SpatialReference: sr}
}

func kindOf(g orb.Geometry) GeometryKind {
	switch g.(type) {
	case orb.Point:
		return KindPoint
	case orb.MultiPoint:
		return KindMultipoint
	case orb.LineString, orb.MultiLineString:
		return KindLine
	case orb.Polygon, orb.MultiPolygon, orb.Ring, orb.Bound:
		return KindPolygon
	default:
		return KindNone
	}
}

// GeometryAdapter is the geometry engine the tables delegate to.
type GeometryAdapter interface {
	Parse(payload []byte) (Geometry, error)
	Encode(g Geometry) ([]byte, error)
	Decode(data []byte, sr SpatialReference) (Geometry, error)
	Project(g Geometry, target SpatialReference) (Geometry, error)
	Relationship(a, b Geometry, rel Relationship) (bool, error)
}

// OrbAdapter implements GeometryAdapter on top of paulmach/orb. It accepts Esri
// JSON and GeoJSON geometry payloads.
type OrbAdapter struct {
	DefaultSR SpatialReference // assigned to payloads without a spatial reference
}

// NewOrbAdapter makes an adapter defaulting to the given wkid.
func NewOrbAdapter(defaultWKID int) (*OrbAdapter, error) {
	sr, err := SpatialReferenceFromWKID(defaultWKID)
	if err != nil {
		return nil, err
	}
	return &OrbAdapter{DefaultSR: sr}, nil
}

// Parse decodes a geometry payload. Objects carrying a "type" member are read
// as GeoJSON, everything else as Esri JSON.
func (a *OrbAdapter) Parse(payload []byte) (Geometry, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return Geometry{}, fmt.Errorf("empty payload: %w", ErrInvalidGeometry)
	}

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return Geometry{}, fmt.Errorf("%v: %w", err, ErrInvalidGeometry)
	}

	if probe.Type != "" {
		gj, err := geojson.UnmarshalGeometry(payload)
		if err != nil {
			return Geometry{}, fmt.Errorf("geojson: %v: %w", err, ErrInvalidGeometry)
		}
		g := gj.Geometry()
		if kindOf(g) == KindNone {
			return Geometry{}, fmt.Errorf("geojson %s: %w", probe.Type, ErrUnsupportedGeometry)
		}
		return Geometry{Geom: g, SpatialReference: a.defaultSR()}, nil
	}

	return parseEsriGeometry(payload, a.defaultSR())
}

// Encode writes the compact binary form stored in the Shape column.
func (a *OrbAdapter) Encode(g Geometry) ([]byte, error) {
	return encodeGeometry(g)
}

// Decode reads a Shape column value back.
func (a *OrbAdapter) Decode(data []byte, sr SpatialReference) (Geometry, error) {
	return decodeGeometry(data, sr)
}

// Project reprojects g into target. Z values are carried over unchanged.
func (a *OrbAdapter) Project(g Geometry, target SpatialReference) (Geometry, error) {
	if g.SpatialReference == target {
		return g, nil
	}
	proj, err := g.SpatialReference.projection(target)
	if err != nil {
		return Geometry{}, err
	}
	return Geometry{
		Geom:             projectGeometry(g.Geom, proj),
		Z:                g.Z,
		HasZ:             g.HasZ,
		SpatialReference: target,
	}, nil
}

// Relationship tests a against b, see Relationship for the argument order.
func (a *OrbAdapter) Relationship(filter, feature Geometry, rel Relationship) (bool, error) {
	return relate(filter.Geom, feature.Geom, rel)
}

func (a *OrbAdapter) defaultSR() SpatialReference {
	if a.DefaultSR.WKID == 0 {
		return SpatialReference{WKID: WKIDWGS84}
	}
	return a.DefaultSR
}

func projectGeometry(g orb.Geometry, proj orb.Projection) orb.Geometry {
	switch v := g.(type) {
	case orb.Point:
		return proj(v)
	case orb.Bound:
		return orb.Bound{Min: proj(v.Min), Max: proj(v.Max)}
	}
	out := orb.Clone(g)
	forEachPoint(out, func(p *orb.Point) { *p = proj(*p) })
	return out
}

// vertices flattens a geometry into its vertices, in storage order.
func vertices(g orb.Geometry) []orb.Point {
	var pts []orb.Point
	switch v := g.(type) {
	case orb.Point:
		pts = append(pts, v)
	case orb.Bound:
		pts = append(pts, v.ToRing()...)
	default:
		forEachPoint(orb.Clone(g), func(p *orb.Point) { pts = append(pts, *p) })
	}
	return pts
}

func forEachPoint(g orb.Geometry, fn func(p *orb.Point)) {
	switch v := g.(type) {
	case orb.Point:
		fn(&v)
	case orb.MultiPoint:
		for i := range v {
			fn(&v[i])
		}
	case orb.LineString:
		for i := range v {
			fn(&v[i])
		}
	case orb.Ring:
		for i := range v {
			fn(&v[i])
		}
	case orb.MultiLineString:
		for _, ls := range v {
			forEachPoint(ls, fn)
		}
	case orb.Polygon:
		for _, r := range v {
			forEachPoint(r, fn)
		}
	case orb.MultiPolygon:
		for _, p := range v {
			forEachPoint(p, fn)
		}
	case orb.Collection:
		for _, c := range v {
			forEachPoint(c, fn)
		}
	}
}
