package qcarchive

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedColumns = []string{"OID", "FeatureId", "Timestamp", "ErrorMessage", "FileName", "Shape", "QCRProcessingErrors"}

func TestLoadTable_Points(t *testing.T) {
	tbl := loadTestTable(t, newMemSource().add(testLayer, gridRecords(10)...))

	assert.Equal(t, "Hydrants-0", tbl.Name())
	assert.Equal(t, testLayer, tbl.LayerURL())

	fields, err := tbl.Fields()
	require.NoError(t, err)
	assert.Equal(t, append(append([]string{}, fixedColumns...), "seq", "parity"), fieldNames(fields))
	assert.Equal(t, RoleOID, fields[colOID].Role)
	assert.Equal(t, RoleGeometry, fields[colShape].Role)
	assert.Equal(t, "Attachment", fields[colAttachment].DisplayName())

	n, err := tbl.RowCount()
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	kind, err := tbl.GeometryKind()
	require.NoError(t, err)
	assert.Equal(t, KindPoint, kind)

	hasZ, err := tbl.HasZ()
	require.NoError(t, err)
	assert.False(t, hasZ)

	sr, err := tbl.SpatialReference()
	require.NoError(t, err)
	assert.Equal(t, SpatialReference{WKID: WKIDWGS84}, sr)

	ext, err := tbl.Extent()
	require.NoError(t, err)
	require.NotNil(t, ext)
	assert.Equal(t, orb.Bound{Min: orb.Point{1, 1}, Max: orb.Point{10, 10}}, ext.Bound)

	mapping, err := tbl.Mapping()
	require.NoError(t, err)
	col, ok := mapping.Column("parity")
	assert.True(t, ok)
	assert.Equal(t, "parity", col)
}

func TestLoadTable_RowValues(t *testing.T) {
	src := newMemSource().add(testLayer,
		Record{RowID: 1, FeatureID: "abc", Feature: pointFeature(1, 2, `{"name":"first"}`), Timestamp: int64(1700000000123),
			ErrorMessage: "Unable to complete operation.", Attachment: "photo.jpg"},
		Record{RowID: 2, FeatureID: "def", Feature: pointFeature(3, 4, `{"name":"second"}`), Timestamp: "garbage"},
		Record{RowID: 3, FeatureID: "ghi", Feature: pointFeature(5, 6, `{"name":"third"}`), Timestamp: "1700000000456"},
	)
	tbl := loadTestTable(t, src, WithAttachmentsDir("/data/Attachments"))

	row, err := tbl.FetchRow(1, "*", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), row[colOID].Int)
	assert.Equal(t, "abc", row[colFeatureID].Str)
	assert.Equal(t, time.UnixMilli(1700000000123).UTC(), row[colTimestamp].Time)
	assert.Equal(t, "Unable to complete operation.", row[colErrorMessage].Str)
	assert.Equal(t, filepath.Join("/data/Attachments", "photo.jpg"), row[colAttachment].Str)
	assert.Equal(t, orb.Point{1, 2}, row[colShape].Geom.Geom)
	assert.True(t, row[colProcessingErrors].IsNull())
	assert.Equal(t, "first", row[7].Str)

	row, err = tbl.FetchRow(2, "*", nil)
	require.NoError(t, err)
	assert.True(t, row[colTimestamp].IsNull(), "unparseable timestamp is null")
	assert.True(t, row[colAttachment].IsNull())
	assert.True(t, row[colProcessingErrors].IsNull())

	row, err = tbl.FetchRow(3, "*", nil)
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1700000000456).UTC(), row[colTimestamp].Time)
}

func TestLoadTable_RowsWithoutGeometry(t *testing.T) {
	src := newMemSource().add(testLayer,
		Record{RowID: 1, FeatureID: "a"},
		Record{RowID: 2, FeatureID: "b", Feature: `{"attributes":{"name":"no geometry yet"}}`},
		rec(3, pointFeature(1, 1, `{"name":"x","size":"2"}`)),
		Record{RowID: 4, FeatureID: "d", Feature: `{"geometry":null,"attributes":{"name":"late"}}`},
	)
	tbl := loadTestTable(t, src)

	fields, err := tbl.Fields()
	require.NoError(t, err)
	assert.Equal(t, append(append([]string{}, fixedColumns...), "name", "size"), fieldNames(fields))

	for _, oid := range []int32{1, 2} {
		row, err := tbl.FetchRow(oid, "*", nil)
		require.NoError(t, err)
		require.Len(t, row, len(fields))
		assert.True(t, row[colShape].IsNull())
		assert.True(t, row[7].IsNull(), "attributes before the schema is known stay null")
	}

	row, err := tbl.FetchRow(4, "*", nil)
	require.NoError(t, err)
	assert.True(t, row[colShape].IsNull())
	assert.Equal(t, "late", row[7].Str)

	n, err := tbl.RowCount()
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestLoadTable_NoGeometry(t *testing.T) {
	src := newMemSource().add(testLayer, Record{RowID: 1, FeatureID: "a"}, Record{RowID: 2, FeatureID: "b"})
	src.infos[testLayer] = []byte(`{"fields":[{"name":"OBJECTID","type":"esriFieldTypeOID"},{"name":"status","alias":"Status","type":"esriFieldTypeString"}]}`)
	tbl := loadTestTable(t, src)

	kind, err := tbl.GeometryKind()
	require.NoError(t, err)
	assert.Equal(t, KindNone, kind)

	ext, err := tbl.Extent()
	require.NoError(t, err)
	assert.Nil(t, ext)

	fields, err := tbl.Fields()
	require.NoError(t, err)
	assert.Equal(t, append(append([]string{}, fixedColumns...), "status"), fieldNames(fields))
	assert.Equal(t, "Status", fields[7].Alias)

	n, err := tbl.RowCount()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestLoadTable_Empty(t *testing.T) {
	tbl := loadTestTable(t, newMemSource().add(testLayer))

	n, err := tbl.RowCount()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	oids, err := tbl.Search(Query{})
	require.NoError(t, err)
	assert.Empty(t, oids)
}

func TestLoadTable_OutsideDomain(t *testing.T) {
	src := newMemSource().add(testLayer,
		rec(1, pointFeature(10, 10, `{}`)),
		rec(2, pointFeature(200, 10, `{}`)),
		rec(3, pointFeature(20, 20, `{}`)),
	)
	log := &logRecorder{}
	tbl, err := LoadTable(context.Background(), src, "Hydrants-0", testLayer, WithLogger(log))
	require.Error(t, err)
	assert.Nil(t, tbl)
	assert.ErrorIs(t, err, ErrLoadFailure)
	assert.ErrorIs(t, err, ErrOutsideDomain)
	assert.Contains(t, err.Error(), "f-2")
	assert.True(t, log.contains("[WARN] can't open table Hydrants-0"))
}

func TestLoadTable_ProcessingErrors(t *testing.T) {
	src := newMemSource().add(testLayer,
		rec(1, pointFeature(1, 1, `{"OBJECTID":11,"count":"abc","when":"never","note":"ok"}`)),
		rec(2, pointFeature(2, 2, `{"OBJECTID":12,"count":7,"when":1700000000000,"extra":"x"}`)),
		rec(3, pointFeature(3, 3, `{"count":70000,"small":70000}`)),
	)
	src.infos[testLayer] = []byte(`{"fields":[
		{"name":"OBJECTID","type":"esriFieldTypeOID"},
		{"name":"count","alias":"Count","type":"esriFieldTypeInteger"},
		{"name":"when","type":"esriFieldTypeDate"},
		{"name":"small","type":"esriFieldTypeSmallInteger"},
		{"name":"Shape","type":"esriFieldTypeGeometry"}
	]}`)
	tbl := loadTestTable(t, src)

	fields, err := tbl.Fields()
	require.NoError(t, err)
	assert.Equal(t, append(append([]string{}, fixedColumns...), "count", "when", "note", "small"), fieldNames(fields))
	assert.Equal(t, FieldInteger, fields[7].Type)
	assert.Equal(t, FieldDate, fields[8].Type)
	assert.Equal(t, FieldString, fields[9].Type)
	assert.Equal(t, FieldSmallInteger, fields[10].Type)

	row, err := tbl.FetchRow(1, "*", nil)
	require.NoError(t, err)
	assert.True(t, row[7].IsNull())
	assert.True(t, row[8].IsNull())
	assert.Equal(t, "ok", row[9].Str)
	msg := row[colProcessingErrors].Str
	assert.Contains(t, msg, `count (value = '"abc"')`)
	assert.Contains(t, msg, `when (value = '"never"')`)
	assert.Contains(t, msg, ";\n")
	assert.NotContains(t, msg, "OBJECTID")

	row, err = tbl.FetchRow(2, "*", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), row[7].Int)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), row[8].Time)
	assert.Equal(t, `extra (value = '"x"'): attribute not in table schema`, row[colProcessingErrors].Str)

	row, err = tbl.FetchRow(3, "*", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(70000), row[7].Int)
	assert.True(t, row[10].IsNull())
	assert.Contains(t, row[colProcessingErrors].Str, "small (value = '70000')")
}

func TestLoadTable_MalformedMetadata(t *testing.T) {
	src := newMemSource().add(testLayer, rec(1, pointFeature(1, 1, `{"count":5}`)))
	src.infos[testLayer] = []byte(`{"fields":[{"type":"esriFieldTypeInteger"}]}`)
	log := &logRecorder{}
	tbl, err := LoadTable(context.Background(), src, "Hydrants-0", testLayer, WithLogger(log))
	require.NoError(t, err)
	defer tbl.Close()

	fields, err := tbl.Fields()
	require.NoError(t, err)
	assert.Equal(t, FieldString, fields[7].Type)
	assert.True(t, log.contains("ignoring malformed layer info"))

	row, err := tbl.FetchRow(1, "count", nil)
	require.NoError(t, err)
	assert.Equal(t, "5", row[7].Str)
}

func TestLoadTable_ReprojectsLaterGeometries(t *testing.T) {
	src := newMemSource().add(testLayer,
		rec(1, pointFeature(0, 0, `{}`)),
		rec(2, `{"geometry":{"x":1113194.9079327357,"y":0,"spatialReference":{"wkid":102100,"latestWkid":3857}},"attributes":{}}`),
	)
	tbl := loadTestTable(t, src)

	row, err := tbl.FetchRow(2, "Shape", nil)
	require.NoError(t, err)
	p, ok := row[colShape].Geom.Geom.(orb.Point)
	require.True(t, ok)
	assert.InDelta(t, 10, p[0], 1e-6)
	assert.InDelta(t, 0, p[1], 1e-6)
	assert.Equal(t, SpatialReference{WKID: WKIDWGS84}, row[colShape].Geom.SpatialReference)
}

func TestLoadTable_Failures(t *testing.T) {
	tests := []struct {
		name string
		src  *memSource
		opts []Option
		want string
	}{
		{
			name: "oid overflow",
			src:  newMemSource().add(testLayer, rec(math.MaxInt32+1, pointFeature(1, 1, `{}`))),
			want: "does not fit an object id",
		},
		{
			name: "duplicate oid",
			src:  newMemSource().add(testLayer, rec(4, pointFeature(1, 1, `{}`)), rec(4, pointFeature(2, 2, `{}`))),
			want: "duplicate row id 4",
		},
		{
			name: "malformed payload",
			src:  newMemSource().add(testLayer, rec(1, `{"geometry":{"x":1,`)),
			want: "feature f-1",
		},
		{
			name: "bad geometry",
			src:  newMemSource().add(testLayer, rec(1, `{"geometry":{"curve":[]},"attributes":{}}`)),
			want: "no coordinates",
		},
		{
			name: "source error",
			src:  &memSource{records: map[string][]Record{testLayer: nil}, err: errors.New("disk I/O error")},
			want: "disk I/O error",
		},
		{
			name: "adapter panic",
			src:  newMemSource().add(testLayer, rec(1, pointFeature(1, 1, `{}`))),
			opts: []Option{WithAdapter(panickingAdapter{&OrbAdapter{}})},
			want: "panic: parser crashed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := append([]Option{WithLogger(lgr.NoOp)}, tt.opts...)
			tbl, err := LoadTable(context.Background(), tt.src, "Hydrants-0", testLayer, opts...)
			require.Error(t, err)
			assert.Nil(t, tbl)
			assert.ErrorIs(t, err, ErrLoadFailure)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadTable_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := LoadTable(ctx, newMemSource().add(testLayer, gridRecords(3)...), "Hydrants-0", testLayer, WithLogger(lgr.NoOp))
	assert.ErrorIs(t, err, ErrLoadFailure)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadTable_Polygons(t *testing.T) {
	src := newMemSource().add(testLayer,
		rec(1, polygonFeature(`[[[0,0],[0,10],[10,10],[10,0],[0,0]],[[2,2],[8,2],[8,8],[2,8],[2,2]]]`, `{}`)),
		rec(2, polygonFeature(`[[[20,20],[20,30],[30,30],[30,20],[20,20]]]`, `{}`)),
	)
	tbl := loadTestTable(t, src)

	kind, err := tbl.GeometryKind()
	require.NoError(t, err)
	assert.Equal(t, KindPolygon, kind)
	assert.Equal(t, 15, tbl.index.Len())

	ext, err := tbl.Extent()
	require.NoError(t, err)
	assert.Equal(t, orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{30, 30}}, ext.Bound)

	row, err := tbl.FetchRow(1, "Shape", nil)
	require.NoError(t, err)
	poly, ok := row[colShape].Geom.Geom.(orb.Polygon)
	require.True(t, ok)
	assert.Len(t, poly, 2, "counter-clockwise ring is a hole")
}

func TestTable_WrongGoroutine(t *testing.T) {
	tbl := loadTestTable(t, newMemSource().add(testLayer, gridRecords(3)...))

	errs := make(chan error, 4)
	go func() {
		_, err := tbl.RowCount()
		errs <- err
		_, err = tbl.Search(Query{})
		errs <- err
		_, err = tbl.FetchRow(1, "*", nil)
		errs <- err
		errs <- tbl.Close()
	}()
	for i := 0; i < 4; i++ {
		err := <-errs
		assert.ErrorIs(t, err, ErrWrongGoroutine)
		assert.Contains(t, err.Error(), "owned by goroutine")
	}

	// the table is still fine on its owner
	n, err := tbl.RowCount()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestTable_Close(t *testing.T) {
	tbl, err := LoadTable(context.Background(), newMemSource().add(testLayer, gridRecords(3)...), "Hydrants-0", testLayer, WithLogger(lgr.NoOp))
	require.NoError(t, err)

	require.NoError(t, tbl.Close())
	require.NoError(t, tbl.Close())

	_, err = tbl.RowCount()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = tbl.Search(Query{})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = tbl.FetchRow(1, "*", nil)
	assert.ErrorIs(t, err, ErrClosed)
}
