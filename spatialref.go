package qcarchive

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// Well-known ids understood by the engine.
const (
	WKIDWGS84           = 4326
	WKIDNAD83           = 4269
	WKIDWebMercator     = 3857
	WKIDWebMercatorEsri = 102100
	WKIDWebMercatorOld  = 102113
)

const mercatorLimit = 20037508.342789244

// SpatialReference identifies the coordinate system of a geometry by its
// normalized well-known id.
type SpatialReference struct {
	WKID int
}

// SpatialReferenceFromWKID normalizes a wkid (Esri web mercator aliases become
// 3857) and rejects ids the engine has no domain for.
func SpatialReferenceFromWKID(wkid int) (SpatialReference, error) {
	switch wkid {
	case WKIDWGS84, WKIDNAD83:
		return SpatialReference{WKID: wkid}, nil
	case WKIDWebMercator, WKIDWebMercatorEsri, WKIDWebMercatorOld:
		return SpatialReference{WKID: WKIDWebMercator}, nil
	}
	return SpatialReference{}, fmt.Errorf("wkid %d: %w", wkid, ErrUnsupportedSpatialReference)
}

// IsGeographic reports whether coordinates are longitude/latitude degrees.
func (sr SpatialReference) IsGeographic() bool {
	return sr.WKID == WKIDWGS84 || sr.WKID == WKIDNAD83
}

// Domain is the 2D region valid coordinates must fall in.
func (sr SpatialReference) Domain() orb.Bound {
	if sr.IsGeographic() {
		return orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}
	}
	return orb.Bound{
		Min: orb.Point{-mercatorLimit, -mercatorLimit},
		Max: orb.Point{mercatorLimit, mercatorLimit},
	}
}

// Contains reports whether b lies entirely inside the domain.
func (sr SpatialReference) Contains(b orb.Bound) bool {
	d := sr.Domain()
	return d.Contains(b.Min) && d.Contains(b.Max)
}

// CRS returns the FlatGeobuf CRS description for exports.
func (sr SpatialReference) CRS() *CRS {
	switch sr.WKID {
	case WKIDWGS84:
		return WGS84()
	case WKIDNAD83:
		return &CRS{Code: WKIDNAD83, Name: "NAD83"}
	default:
		return &CRS{Code: WKIDWebMercator, Name: "WGS 84 / Pseudo-Mercator"}
	}
}

func (sr SpatialReference) String() string {
	return fmt.Sprintf("wkid:%d", sr.WKID)
}

// projection returns the point transform from sr to target. Geographic ids are
// treated as interchangeable at the precision web maps care about.
func (sr SpatialReference) projection(target SpatialReference) (orb.Projection, error) {
	switch {
	case sr.IsGeographic() && target.WKID == WKIDWebMercator:
		return project.WGS84.ToMercator, nil
	case sr.WKID == WKIDWebMercator && target.IsGeographic():
		return project.Mercator.ToWGS84, nil
	case sr.IsGeographic() && target.IsGeographic():
		return func(p orb.Point) orb.Point { return p }, nil
	}
	return nil, fmt.Errorf("project %s to %s: %w", sr, target, ErrUnsupportedSpatialReference)
}
