package qcarchive

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/peterstace/simplefeatures/geom"
)

// Relationship is the spatial relationship of a spatial filter. Relationships
// are read as "feature REL filter": Within keeps features lying inside the
// filter geometry, Contains keeps features that contain it.
type Relationship int

// Supported relationships.
const (
	Intersects Relationship = iota
	IndexIntersects
	EnvelopeIntersects
	Within
	Contains
	Disjoint
)

var relationshipNames = map[Relationship]string{
	Intersects:         "intersects",
	IndexIntersects:    "index-intersects",
	EnvelopeIntersects: "envelope-intersects",
	Within:             "within",
	Contains:           "contains",
	Disjoint:           "disjoint",
}

func (r Relationship) String() string {
	if s, ok := relationshipNames[r]; ok {
		return s
	}
	return fmt.Sprintf("relationship(%d)", int(r))
}

// ParseRelationship accepts the names returned by String, case-insensitive.
func ParseRelationship(s string) (Relationship, error) {
	for r, name := range relationshipNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%q: %w", s, ErrUnsupportedRelationship)
}

// indexAnswers reports whether an envelope filter with this relationship is
// fully answered by the envelope index.
func (r Relationship) indexAnswers() bool {
	return r == Intersects || r == IndexIntersects || r == EnvelopeIntersects
}

// relate evaluates "feature rel filter" with DE-9IM semantics: a feature
// covering a hole of the filter is not within it, a point on the filter
// boundary is not within it.
func relate(filter, feature orb.Geometry, rel Relationship) (bool, error) {
	if filter == nil || feature == nil {
		return false, fmt.Errorf("relate: %w", ErrInvalidGeometry)
	}
	if rel == EnvelopeIntersects {
		return filter.Bound().Intersects(feature.Bound()), nil
	}
	if _, ok := relationshipNames[rel]; !ok {
		return false, fmt.Errorf("relate %s: %w", rel, ErrUnsupportedRelationship)
	}

	f, err := toSimple(filter)
	if err != nil {
		return false, err
	}
	g, err := toSimple(feature)
	if err != nil {
		return false, err
	}

	var match bool
	switch rel {
	case Intersects, IndexIntersects:
		return geom.Intersects(f, g), nil
	case Disjoint:
		return !geom.Intersects(f, g), nil
	case Within:
		match, err = geom.Within(g, f)
	case Contains:
		match, err = geom.Contains(g, f)
	}
	if err != nil {
		return false, fmt.Errorf("relate %s: %w: %v", rel, ErrInvalidGeometry, err)
	}
	return match, nil
}

// toSimple converts an orb geometry through WKB. Degenerate bounds become
// points or lines so they keep a valid dimension.
func toSimple(g orb.Geometry) (geom.Geometry, error) {
	switch v := g.(type) {
	case orb.Bound:
		switch {
		case v.Min.Equal(v.Max):
			g = v.Min
		case v.Min[0] == v.Max[0] || v.Min[1] == v.Max[1]:
			g = orb.LineString{v.Min, v.Max}
		default:
			g = v.ToPolygon()
		}
	case orb.Ring:
		g = orb.Polygon{v}
	}

	data, err := wkb.Marshal(g, binary.LittleEndian)
	if err != nil {
		return geom.Geometry{}, fmt.Errorf("relate %T: %w: %v", g, ErrInvalidGeometry, err)
	}
	sg, err := geom.UnmarshalWKB(data, geom.NoValidate{})
	if err != nil {
		return geom.Geometry{}, fmt.Errorf("relate %T: %w: %v", g, ErrInvalidGeometry, err)
	}
	return sg, nil
}
