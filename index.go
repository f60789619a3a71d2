package qcarchive

import (
	"bytes"
	"fmt"

	flatgeobuf "github.com/flatgeobuf/flatgeobuf/src/go"
	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	"github.com/paulmach/orb"
)

const indexOIDColumn = "oid"

// IndexEntry ties one coordinate to the row that owns it. Lines and polygons
// contribute one entry per vertex, so the index answers "does any vertex of
// row X fall in region R", not exact containment.
type IndexEntry struct {
	Point orb.Point
	OID   int32
}

// indexEntries returns the entries for one feature geometry.
func indexEntries(g orb.Geometry, oid int32) []IndexEntry {
	pts := vertices(g)
	entries := make([]IndexEntry, len(pts))
	for i, p := range pts {
		entries[i] = IndexEntry{Point: p, OID: oid}
	}
	return entries
}

// SpatialIndex is a static packed Hilbert R-tree over IndexEntry points. It is
// built once from the full entry list; there is no incremental insert.
type SpatialIndex struct {
	fgb     *flatgeobuf.FlatGeoBuf
	header  *flattypes.Header
	entries int
	rows    int
}

// BuildSpatialIndex bulk-loads entries. An empty entry list yields an index
// that answers every search with no candidates.
func BuildSpatialIndex(entries []IndexEntry) (*SpatialIndex, error) {
	idx := &SpatialIndex{entries: len(entries)}
	if len(entries) == 0 {
		return idx, nil
	}

	rows := make(map[int32]struct{})
	features := make([]fgbFeature, len(entries))
	for i, e := range entries {
		features[i] = fgbFeature{geom: e.Point, props: []interface{}{e.OID}}
		rows[e.OID] = struct{}{}
	}
	idx.rows = len(rows)

	columns := []propertyColumn{{Name: indexOIDColumn, Type: flattypes.ColumnTypeInt}}
	var buf bytes.Buffer
	if err := writeFlatGeobuf(&buf, features, columns, &Options{IncludeIndex: true}); err != nil {
		return nil, fmt.Errorf("build spatial index: %w", err)
	}

	fgb, err := flatgeobuf.NewWithData(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("open spatial index: %w", err)
	}
	idx.fgb = fgb
	idx.header = fgb.Header()
	return idx, nil
}

// Len is the number of indexed coordinates.
func (idx *SpatialIndex) Len() int {
	if idx == nil {
		return 0
	}
	return idx.entries
}

// Rows is the number of distinct rows with at least one indexed coordinate.
func (idx *SpatialIndex) Rows() int {
	if idx == nil {
		return 0
	}
	return idx.rows
}

// Search returns the owning row of every coordinate inside bounds. The result
// may contain duplicates and is in index order.
func (idx *SpatialIndex) Search(bounds orb.Bound) ([]int32, error) {
	if idx == nil || idx.fgb == nil {
		return nil, nil
	}

	features, err := idx.fgb.Search(bounds.Min[0], bounds.Min[1], bounds.Max[0], bounds.Max[1])
	if err != nil {
		return nil, fmt.Errorf("spatial index search: %w", err)
	}

	oids := make([]int32, 0, len(features))
	for _, f := range features {
		oid, ok := featureOID(f, idx.header)
		if !ok {
			return nil, fmt.Errorf("spatial index entry without %s: %w", indexOIDColumn, ErrInvalidGeometry)
		}
		oids = append(oids, oid)
	}
	return oids, nil
}

// Close drops the index buffer.
func (idx *SpatialIndex) Close() {
	if idx == nil {
		return
	}
	idx.fgb = nil
	idx.header = nil
}

func featureOID(f *flattypes.Feature, header *flattypes.Header) (int32, bool) {
	oid, ok := featureProperties(f, header)[indexOIDColumn].(int32)
	return oid, ok
}

// featureProperties decodes the property bytes of a FlatGeobuf feature.
func featureProperties(f *flattypes.Feature, header *flattypes.Header) map[string]interface{} {
	if f == nil {
		return nil
	}
	n := f.PropertiesLength()
	if n == 0 {
		return nil
	}
	raw := make([]byte, n)
	for i := 0; i < n; i++ {
		raw[i] = byte(f.Properties(i))
	}
	return decodeProperties(raw, header)
}
