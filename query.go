package qcarchive

import (
	"fmt"
	"sort"
	"strings"

	"github.com/paulmach/orb"
)

// SpatialFilter restricts a search to rows whose geometry has Relationship
// with Geometry. A filter without a spatial reference is taken to be in the
// table's spatial reference.
type SpatialFilter struct {
	Geometry     Geometry
	Relationship Relationship
}

// Query is a composite search. Every part that is set narrows the result.
type Query struct {
	ObjectIDs []int32        // search only among these rows
	Where     string         // attribute predicate
	OrderBy   string         // sort for Where results, "COL [ASC|DESC], ..."
	Spatial   *SpatialFilter // spatial predicate
}

func (q Query) empty() bool {
	return len(q.ObjectIDs) == 0 && strings.TrimSpace(q.Where) == "" && (q.Spatial == nil || q.Spatial.Geometry.Geom == nil)
}

// Search returns the ids of the rows matching q, without duplicates. Results
// of a spatial filter and of an empty query are in ascending order; results of
// an attribute predicate follow OrderBy, object id ascending by default.
func (t *Table) Search(q Query) ([]int32, error) {
	if err := t.usable("Search"); err != nil {
		return nil, err
	}
	if len(t.rows) == 0 {
		return []int32{}, nil
	}
	if q.empty() {
		return append([]int32(nil), t.oids...), nil
	}

	var working []int32
	constrained := false

	if len(q.ObjectIDs) > 0 {
		want := make(map[int32]struct{}, len(q.ObjectIDs))
		for _, oid := range q.ObjectIDs {
			want[oid] = struct{}{}
		}
		for _, row := range t.rows {
			oid := int32(row[t.oidCol].Int)
			if _, ok := want[oid]; ok {
				working = append(working, oid)
			}
		}
		constrained = true
		if len(working) == 0 {
			return []int32{}, nil
		}
	}

	if strings.TrimSpace(q.Where) != "" {
		matched, err := t.evaluate(q.Where, q.OrderBy)
		if err != nil {
			t.log.Logf("[WARN] table %s: %v", t.name, err)
			return nil, err
		}
		if constrained {
			matched = keepIn(matched, working)
		}
		working, constrained = dedup(matched), true
		if len(working) == 0 {
			return []int32{}, nil
		}
	}

	if q.Spatial != nil && q.Spatial.Geometry.Geom != nil {
		return t.searchSpatial(*q.Spatial, working, constrained)
	}
	return dedup(working), nil
}

func (t *Table) searchSpatial(sf SpatialFilter, working []int32, constrained bool) ([]int32, error) {
	if t.kind == KindNone {
		return []int32{}, nil
	}

	filter := sf.Geometry
	if filter.SpatialReference.WKID == 0 {
		filter.SpatialReference = t.sr
	}
	if filter.SpatialReference != t.sr {
		var err error
		if filter, err = t.adapter.Project(filter, t.sr); err != nil {
			return nil, fmt.Errorf("spatial filter: %w", err)
		}
	}

	if filter.IsEnvelope() && sf.Relationship.indexAnswers() {
		candidates, err := t.index.Search(filter.Bound())
		if err != nil {
			return nil, err
		}
		if constrained {
			candidates = keepIn(candidates, working)
		}
		return sortedUnique(candidates), nil
	}

	pool, err := t.refinementPool(filter.Bound(), sf.Relationship)
	if err != nil {
		return nil, err
	}
	if constrained {
		pool = keepIn(pool, working)
	}

	var oids []int32
	for _, oid := range sortedUnique(pool) {
		stored, ok, err := t.geometry(oid)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		match, err := t.adapter.Relationship(filter, stored, sf.Relationship)
		if err != nil {
			return nil, fmt.Errorf("spatial filter on row %d: %w", oid, err)
		}
		if match {
			oids = append(oids, oid)
		}
	}
	if oids == nil {
		return []int32{}, nil
	}
	return oids, nil
}

// refinementPool returns the rows that may satisfy rel with a filter inside
// bounds. Within needs every vertex inside the filter, so the vertex index is
// exact. A row can intersect or contain the filter with no vertex near it,
// those relationships use the stored row bounds. Disjoint considers every row.
func (t *Table) refinementPool(bounds orb.Bound, rel Relationship) ([]int32, error) {
	switch rel {
	case Within:
		return t.index.Search(bounds)
	case Disjoint:
		return t.oidsWithGeometry(func(orb.Bound) bool { return true }), nil
	case Contains:
		return t.oidsWithGeometry(func(b orb.Bound) bool {
			return b.Contains(bounds.Min) && b.Contains(bounds.Max)
		}), nil
	}
	return t.oidsWithGeometry(bounds.Intersects), nil
}

func (t *Table) oidsWithGeometry(keep func(orb.Bound) bool) []int32 {
	var oids []int32
	for _, oid := range t.oids {
		if b, ok := t.bounds[oid]; ok && keep(b) {
			oids = append(oids, oid)
		}
	}
	return oids
}

// geometry decodes the stored shape of a row, ok is false for rows without one.
func (t *Table) geometry(oid int32) (Geometry, bool, error) {
	row, found := t.row(oid)
	if !found {
		return Geometry{}, false, fmt.Errorf("row %d: %w", oid, ErrRowNotFound)
	}
	v := row[t.shapeCol]
	if v.Kind != ValueBlob {
		return Geometry{}, false, nil
	}
	g, err := t.adapter.Decode(v.Blob, t.sr)
	if err != nil {
		return Geometry{}, false, fmt.Errorf("row %d: %w", oid, err)
	}
	return g, true, nil
}

// keepIn filters ids to those present in allowed, preserving the order of ids.
func keepIn(ids, allowed []int32) []int32 {
	set := make(map[int32]struct{}, len(allowed))
	for _, id := range allowed {
		set[id] = struct{}{}
	}
	res := make([]int32, 0, len(ids))
	for _, id := range ids {
		if _, ok := set[id]; ok {
			res = append(res, id)
		}
	}
	return res
}

// dedup drops repeated ids, keeping the first occurrence.
func dedup(ids []int32) []int32 {
	seen := make(map[int32]struct{}, len(ids))
	res := make([]int32, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		res = append(res, id)
	}
	return res
}

func sortedUnique(ids []int32) []int32 {
	res := dedup(ids)
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}
