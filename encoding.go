package qcarchive

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

// Shape column layout:
//
//	[1 byte flags][4 bytes wkb length, LE][wkb][8 bytes per z value, LE]
//
// Z values follow the vertex order of the 2D geometry.
const (
	shapeFlagZ      = 1 << 0
	shapeHeaderSize = 5
)

func encodeGeometry(g Geometry) ([]byte, error) {
	if g.Geom == nil {
		return nil, fmt.Errorf("encode: %w", ErrInvalidGeometry)
	}
	geom := g.Geom
	if kindOf(geom) == KindNone {
		return nil, fmt.Errorf("encode %T: %w", geom, ErrUnsupportedGeometry)
	}

	switch v := geom.(type) {
	case orb.Bound:
		geom = v.ToPolygon()
	case orb.Ring:
		geom = orb.Polygon{v}
	}

	body, err := wkb.Marshal(geom, binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	var flags byte
	var z []float64
	if g.HasZ && len(g.Z) > 0 {
		flags |= shapeFlagZ
		z = g.Z
	}

	out := make([]byte, shapeHeaderSize, shapeHeaderSize+len(body)+8*len(z))
	out[0] = flags
	binary.LittleEndian.PutUint32(out[1:5], uint32(len(body)))
	out = append(out, body...)
	for _, v := range z {
		out = binary.LittleEndian.AppendUint64(out, math.Float64bits(v))
	}
	return out, nil
}

func decodeGeometry(data []byte, sr SpatialReference) (Geometry, error) {
	if len(data) < shapeHeaderSize {
		return Geometry{}, fmt.Errorf("decode: %d bytes: %w", len(data), ErrInvalidGeometry)
	}
	flags := data[0]
	n := int(binary.LittleEndian.Uint32(data[1:5]))
	if n > len(data)-shapeHeaderSize {
		return Geometry{}, fmt.Errorf("decode: wkb length %d: %w", n, ErrInvalidGeometry)
	}

	geom, err := wkb.Unmarshal(data[shapeHeaderSize : shapeHeaderSize+n])
	if err != nil {
		return Geometry{}, fmt.Errorf("decode: %v: %w", err, ErrInvalidGeometry)
	}

	res := Geometry{Geom: geom, SpatialReference: sr}
	rest := data[shapeHeaderSize+n:]
	if flags&shapeFlagZ == 0 {
		return res, nil
	}

	count := len(vertices(geom))
	if len(rest) != 8*count {
		return Geometry{}, fmt.Errorf("decode: %d z bytes for %d vertices: %w", len(rest), count, ErrInvalidGeometry)
	}
	res.HasZ = true
	res.Z = make([]float64, count)
	for i := range res.Z {
		res.Z[i] = math.Float64frombits(binary.LittleEndian.Uint64(rest[i*8:]))
	}
	return res, nil
}
