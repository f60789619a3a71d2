package qcarchive

import (
	"sort"
	"strings"

	"github.com/go-pkgz/lgr"
	"github.com/paulmach/orb"
)

// Option configures a Workspace or a Table.
type Option func(*options)

type options struct {
	cfg            *Config
	adapter        GeometryAdapter
	log            lgr.L
	attachmentsDir string
}

// WithConfig sets the archive layout and field names.
func WithConfig(cfg *Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithAdapter replaces the default orb geometry adapter.
func WithAdapter(a GeometryAdapter) Option {
	return func(o *options) { o.adapter = a }
}

// WithLogger sets the logger, lgr.Default() otherwise.
func WithLogger(l lgr.L) Option {
	return func(o *options) { o.log = l }
}

// WithAttachmentsDir sets the directory attachment file names are joined with.
func WithAttachmentsDir(dir string) Option {
	return func(o *options) { o.attachmentsDir = dir }
}

func newOptions(opts []Option) (*options, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg == nil {
		o.cfg = DefaultConfig()
	}
	if o.log == nil {
		o.log = lgr.Default()
	}
	if o.adapter == nil {
		a, err := NewOrbAdapter(o.cfg.DefaultWKID)
		if err != nil {
			return nil, err
		}
		o.adapter = a
	}
	return o, nil
}

// Extent is the bounding box of a table in its spatial reference.
type Extent struct {
	Bound            orb.Bound
	SpatialReference SpatialReference
	HasZ             bool
}

// Table is one virtual feature table. It is built in full by LoadTable, never
// changes afterwards and may only be used from the goroutine that loaded it.
type Table struct {
	name     string
	layerURL string
	owner    owner
	adapter  GeometryAdapter
	log      lgr.L

	fields   []Column
	colIndex map[string]int // upper-cased name to position
	oidCol   int
	shapeCol int
	mapping  AttributeMapping

	rows   [][]Value
	byOID  map[int32]int
	bounds map[int32]orb.Bound // rows with geometry
	oids   []int32             // ascending
	index  *SpatialIndex

	kind      GeometryKind
	hasZ      bool
	sr        SpatialReference
	extent    orb.Bound
	hasExtent bool

	closed bool
}

// Name is the table name.
func (t *Table) Name() string { return t.name }

// LayerURL is the feature-service layer the rows were archived for.
func (t *Table) LayerURL() string { return t.layerURL }

// Fields returns the columns in row order.
func (t *Table) Fields() ([]Column, error) {
	if err := t.usable("Fields"); err != nil {
		return nil, err
	}
	return append([]Column(nil), t.fields...), nil
}

// Mapping returns the raw attribute key to column name mapping.
func (t *Table) Mapping() (AttributeMapping, error) {
	if err := t.usable("Mapping"); err != nil {
		return AttributeMapping{}, err
	}
	return t.mapping, nil
}

// RowCount is the number of rows. When every row is indexed it is answered by
// the spatial index.
func (t *Table) RowCount() (int, error) {
	if err := t.usable("RowCount"); err != nil {
		return 0, err
	}
	if n := t.index.Rows(); n > 0 && n == len(t.rows) {
		return n, nil
	}
	return len(t.rows), nil
}

// GeometryKind is the kind of the first geometry loaded, KindNone for tables
// without geometry.
func (t *Table) GeometryKind() (GeometryKind, error) {
	if err := t.usable("GeometryKind"); err != nil {
		return KindNone, err
	}
	return t.kind, nil
}

// HasZ reports whether the first geometry loaded carried z values.
func (t *Table) HasZ() (bool, error) {
	if err := t.usable("HasZ"); err != nil {
		return false, err
	}
	return t.hasZ, nil
}

// SpatialReference is the native spatial reference of the table.
func (t *Table) SpatialReference() (SpatialReference, error) {
	if err := t.usable("SpatialReference"); err != nil {
		return SpatialReference{}, err
	}
	return t.sr, nil
}

// Extent returns the table extent, nil for tables without geometry.
func (t *Table) Extent() (*Extent, error) {
	if err := t.usable("Extent"); err != nil {
		return nil, err
	}
	if t.kind == KindNone || !t.hasExtent {
		return nil, nil
	}
	return &Extent{Bound: t.extent, SpatialReference: t.sr, HasZ: t.hasZ}, nil
}

// Close releases rows and index. Closing twice is a no-op.
func (t *Table) Close() error {
	if err := t.owner.check("Close"); err != nil {
		return err
	}
	if t.closed {
		return nil
	}
	t.closed = true
	t.index.Close()
	t.index = nil
	t.rows, t.byOID, t.bounds, t.oids = nil, nil, nil, nil
	t.log.Logf("[DEBUG] table %s closed", t.name)
	return nil
}

func (t *Table) usable(op string) error {
	if err := t.owner.check(op); err != nil {
		return err
	}
	if t.closed {
		return ErrClosed
	}
	return nil
}

func (t *Table) column(name string) (int, bool) {
	i, ok := t.colIndex[strings.ToUpper(strings.TrimSpace(name))]
	return i, ok
}

func (t *Table) row(oid int32) ([]Value, bool) {
	i, ok := t.byOID[oid]
	if !ok {
		return nil, false
	}
	return t.rows[i], true
}

// finish builds the lookup structures once all rows are in.
func (t *Table) finish() {
	t.colIndex = make(map[string]int, len(t.fields))
	for i, c := range t.fields {
		t.colIndex[strings.ToUpper(c.Name)] = i
		switch c.Role {
		case RoleOID:
			t.oidCol = i
		case RoleGeometry:
			t.shapeCol = i
		}
	}
	t.oids = make([]int32, 0, len(t.byOID))
	for oid := range t.byOID {
		t.oids = append(t.oids, oid)
	}
	sort.Slice(t.oids, func(i, j int) bool { return t.oids[i] < t.oids[j] })
}
