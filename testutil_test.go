package qcarchive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/go-pkgz/lgr"
	"github.com/stretchr/testify/require"
)

const testLayer = "https://services.example.com/arcgis/rest/services/Hydrants/FeatureServer/0"

// memSource is an in-memory RecordSource.
type memSource struct {
	records map[string][]Record
	infos   map[string][]byte
	err     error // returned by Records
	closed  bool
}

func newMemSource() *memSource {
	return &memSource{records: map[string][]Record{}, infos: map[string][]byte{}}
}

func (m *memSource) add(layerURL string, recs ...Record) *memSource {
	m.records[layerURL] = append(m.records[layerURL], recs...)
	return m
}

func (m *memSource) Layers(context.Context) ([]string, error) {
	urls := make([]string, 0, len(m.records))
	for u := range m.records {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls, nil
}

func (m *memSource) Records(_ context.Context, layerURL string, fn func(Record) error) error {
	if m.err != nil {
		return m.err
	}
	for _, rec := range m.records[layerURL] {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *memSource) LayerInfo(_ context.Context, layerURL string) ([]byte, error) {
	return m.infos[layerURL], nil
}

func (m *memSource) Close() error {
	if m.closed {
		return errors.New("closed twice")
	}
	m.closed = true
	return nil
}

// logRecorder collects formatted log lines.
type logRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (l *logRecorder) Logf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *logRecorder) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func pointFeature(x, y float64, attrs string) string {
	return fmt.Sprintf(`{"geometry":{"x":%v,"y":%v,"spatialReference":{"wkid":4326}},"attributes":%s}`, x, y, attrs)
}

func polygonFeature(rings string, attrs string) string {
	return fmt.Sprintf(`{"geometry":{"rings":%s,"spatialReference":{"wkid":4326}},"attributes":%s}`, rings, attrs)
}

func rec(id int64, feature string) Record {
	return Record{RowID: id, FeatureID: fmt.Sprintf("f-%d", id), Feature: feature, Timestamp: int64(1700000000000) + id}
}

// gridRecords returns n point records, oid i at (i, i), with a "seq" attribute.
func gridRecords(n int) []Record {
	recs := make([]Record, n)
	for i := 1; i <= n; i++ {
		recs[i-1] = rec(int64(i), pointFeature(float64(i), float64(i), fmt.Sprintf(`{"seq":"%d","parity":"%s"}`, i, parity(i))))
	}
	return recs
}

func parity(i int) string {
	if i%2 == 0 {
		return "even"
	}
	return "odd"
}

func loadTestTable(t *testing.T, src RecordSource, opts ...Option) *Table {
	t.Helper()
	tbl, err := LoadTable(context.Background(), src, "Hydrants-0", testLayer, append([]Option{WithLogger(lgr.NoOp)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tbl.Close() })
	return tbl
}

func fieldNames(cols []Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// countingAdapter counts exact relationship tests.
type countingAdapter struct {
	*OrbAdapter
	relationships int
}

func (a *countingAdapter) Relationship(filter, feature Geometry, rel Relationship) (bool, error) {
	a.relationships++
	return a.OrbAdapter.Relationship(filter, feature, rel)
}

// panickingAdapter blows up on the first parse.
type panickingAdapter struct {
	*OrbAdapter
}

func (panickingAdapter) Parse([]byte) (Geometry, error) {
	panic("parser crashed")
}
