package qcarchive

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// esriGeometry is the ArcGIS REST JSON geometry shape. Exactly one of the
// members identifies the geometry type.
type esriGeometry struct {
	X      *float64      `json:"x"`
	Y      *float64      `json:"y"`
	Z      *float64      `json:"z"`
	Points [][]float64   `json:"points"`
	Paths  [][][]float64 `json:"paths"`
	Rings  [][][]float64 `json:"rings"`
	XMin   *float64      `json:"xmin"`
	YMin   *float64      `json:"ymin"`
	XMax   *float64      `json:"xmax"`
	YMax   *float64      `json:"ymax"`
	HasZ   bool          `json:"hasZ"`

	SpatialReference *struct {
		WKID       int `json:"wkid"`
		LatestWKID int `json:"latestWkid"`
	} `json:"spatialReference"`
}

func parseEsriGeometry(payload []byte, defaultSR SpatialReference) (Geometry, error) {
	var eg esriGeometry
	if err := json.Unmarshal(payload, &eg); err != nil {
		return Geometry{}, fmt.Errorf("esri json: %v: %w", err, ErrInvalidGeometry)
	}

	sr := defaultSR
	if eg.SpatialReference != nil {
		wkid := eg.SpatialReference.LatestWKID
		if wkid == 0 {
			wkid = eg.SpatialReference.WKID
		}
		if wkid != 0 {
			var err error
			if sr, err = SpatialReferenceFromWKID(wkid); err != nil {
				return Geometry{}, err
			}
		}
	}

	res := Geometry{SpatialReference: sr, HasZ: eg.HasZ}
	switch {
	case eg.X != nil && eg.Y != nil:
		if math.IsNaN(*eg.X) || math.IsNaN(*eg.Y) {
			return Geometry{}, fmt.Errorf("empty point: %w", ErrInvalidGeometry)
		}
		res.Geom = orb.Point{*eg.X, *eg.Y}
		if eg.Z != nil {
			res.HasZ = true
			res.Z = []float64{*eg.Z}
		}

	case eg.Points != nil:
		mp := make(orb.MultiPoint, 0, len(eg.Points))
		for _, c := range eg.Points {
			p, err := esriPoint(c, &res)
			if err != nil {
				return Geometry{}, err
			}
			mp = append(mp, p)
		}
		res.Geom = mp

	case eg.Paths != nil:
		mls := make(orb.MultiLineString, 0, len(eg.Paths))
		for _, path := range eg.Paths {
			ls := make(orb.LineString, 0, len(path))
			for _, c := range path {
				p, err := esriPoint(c, &res)
				if err != nil {
					return Geometry{}, err
				}
				ls = append(ls, p)
			}
			mls = append(mls, ls)
		}
		if len(mls) == 1 {
			res.Geom = mls[0]
		} else {
			res.Geom = mls
		}

	case eg.Rings != nil:
		rings := make([]orb.Ring, 0, len(eg.Rings))
		for _, ring := range eg.Rings {
			r := make(orb.Ring, 0, len(ring))
			for _, c := range ring {
				p, err := esriPoint(c, &res)
				if err != nil {
					return Geometry{}, err
				}
				r = append(r, p)
			}
			rings = append(rings, r)
		}
		res.Geom = ringsToPolygonal(rings)

	case eg.XMin != nil && eg.YMin != nil && eg.XMax != nil && eg.YMax != nil:
		res.Geom = orb.Bound{Min: orb.Point{*eg.XMin, *eg.YMin}, Max: orb.Point{*eg.XMax, *eg.YMax}}

	default:
		return Geometry{}, fmt.Errorf("esri json: no coordinates: %w", ErrUnsupportedGeometry)
	}

	if res.HasZ && len(res.Z) != len(vertices(res.Geom)) {
		// hasZ declared but some vertices came without a z value
		res.Z = nil
		res.HasZ = false
	}
	if len(vertices(res.Geom)) == 0 {
		return Geometry{}, fmt.Errorf("esri json: empty geometry: %w", ErrInvalidGeometry)
	}
	return res, nil
}

// esriPoint converts an [x, y(, z(, m))] coordinate. Z is collected when the
// geometry declares hasZ.
func esriPoint(c []float64, g *Geometry) (orb.Point, error) {
	if len(c) < 2 {
		return orb.Point{}, fmt.Errorf("coordinate with %d values: %w", len(c), ErrInvalidGeometry)
	}
	if g.HasZ && len(c) >= 3 {
		g.Z = append(g.Z, c[2])
	}
	return orb.Point{c[0], c[1]}, nil
}

// ringsToPolygonal groups Esri rings into polygons. Clockwise rings are
// exterior rings, counter-clockwise rings are holes of the preceding exterior.
func ringsToPolygonal(rings []orb.Ring) orb.Geometry {
	var polys orb.MultiPolygon
	for _, r := range rings {
		if len(polys) == 0 || r.Orientation() == orb.CW {
			polys = append(polys, orb.Polygon{r})
			continue
		}
		last := len(polys) - 1
		polys[last] = append(polys[last], r)
	}
	if len(polys) == 1 {
		return polys[0]
	}
	return polys
}
