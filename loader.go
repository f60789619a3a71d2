package qcarchive

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/go-pkgz/lgr"
	"github.com/hashicorp/go-multierror"
	"github.com/paulmach/orb"
)

// positions of the fixed columns, see fixedSchema
const (
	colOID = iota
	colFeatureID
	colTimestamp
	colErrorMessage
	colAttachment
	colShape
	colProcessingErrors
)

// LoadTable reads every record of layerURL from src and builds the table.
// Any failure, panics included, is returned wrapped in ErrLoadFailure and no
// table is returned. The calling goroutine becomes the table owner.
func LoadTable(ctx context.Context, src RecordSource, name, layerURL string, opts ...Option) (tbl *Table, err error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: table %s: %w", ErrLoadFailure, name, err)
	}

	defer func() {
		if r := recover(); r != nil {
			tbl, err = nil, fmt.Errorf("%w: table %s: panic: %v", ErrLoadFailure, name, r)
		}
		if err != nil {
			o.log.Logf("[WARN] can't open table %s: %v", name, err)
		}
	}()

	l := &loader{
		name:    name,
		fields:  o.cfg.Fields,
		adapter: o.adapter,
		log:     o.log,
		attDir:  o.attachmentsDir,
		schema:  fixedSchema(o.cfg.Fields),
		byOID:   map[int32]int{},
		bounds:  map[int32]orb.Bound{},
	}
	l.meta = l.fieldMetadata(ctx, src, layerURL)

	err = src.Records(ctx, layerURL, func(rec Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return l.add(rec)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: table %s: %w", ErrLoadFailure, name, err)
	}

	tbl, err = l.table(layerURL)
	if err != nil {
		return nil, fmt.Errorf("%w: table %s: %w", ErrLoadFailure, name, err)
	}
	o.log.Logf("[INFO] table %s loaded, %d rows, %d index entries, geometry %s", name, len(tbl.rows), tbl.index.Len(), tbl.kind)
	return tbl, nil
}

// loader accumulates rows and index entries for one table.
type loader struct {
	name    string
	fields  FieldNames
	adapter GeometryAdapter
	log     lgr.L
	attDir  string
	meta    FieldMetadata

	schema   *schema
	inferred bool
	colPos   map[string]int
	rows     [][]Value
	byOID    map[int32]int
	bounds   map[int32]orb.Bound
	entries  []IndexEntry

	kind      GeometryKind
	hasZ      bool
	sr        SpatialReference
	extent    orb.Bound
	hasExtent bool
}

// fieldMetadata fetches and parses the layer info. Problems are logged and
// the table is built without metadata.
func (l *loader) fieldMetadata(ctx context.Context, src RecordSource, layerURL string) FieldMetadata {
	data, err := src.LayerInfo(ctx, layerURL)
	if err != nil {
		l.log.Logf("[WARN] table %s: can't read layer info, %v", l.name, err)
		return nil
	}
	meta, err := ParseFieldMetadata(data)
	if err != nil {
		l.log.Logf("[WARN] table %s: ignoring malformed layer info, %v", l.name, err)
		return nil
	}
	return meta
}

func (l *loader) add(rec Record) error {
	if rec.RowID > math.MaxInt32 || rec.RowID < math.MinInt32 {
		return fmt.Errorf("row id %d of feature %s does not fit an object id", rec.RowID, rec.FeatureID)
	}
	oid := int32(rec.RowID)
	if _, dup := l.byOID[oid]; dup {
		return fmt.Errorf("duplicate row id %d (feature %s)", oid, rec.FeatureID)
	}

	row := make([]Value, len(l.schema.columns))
	row[colOID] = IntValue(int64(oid))
	row[colFeatureID] = StringValue(rec.FeatureID)
	row[colErrorMessage] = StringValue(rec.ErrorMessage)
	if rec.Timestamp != nil {
		if ts, err := epochMillis(rec.Timestamp); err == nil {
			row[colTimestamp] = DateValue(ts)
		}
	}
	if rec.Attachment != "" {
		row[colAttachment] = StringValue(filepath.Join(l.attDir, rec.Attachment))
	}

	if strings.TrimSpace(rec.Feature) != "" {
		if err := l.addFeature(rec, oid, &row); err != nil {
			return err
		}
	}

	l.byOID[oid] = len(l.rows)
	l.rows = append(l.rows, row)
	return nil
}

func (l *loader) addFeature(rec Record, oid int32, row *[]Value) error {
	payload, err := parseFeaturePayload([]byte(rec.Feature))
	if err != nil {
		return fmt.Errorf("feature %s: %w", rec.FeatureID, err)
	}

	if payload.hasGeometry() {
		if !l.inferred {
			l.infer(payload.keys())
			*row = append(*row, make([]Value, len(l.schema.columns)-len(*row))...)
		}
		if err := l.addGeometry(rec.FeatureID, payload.Geometry, oid, *row); err != nil {
			return err
		}
	}

	if l.inferred {
		l.addAttributes(payload.Attributes, *row)
	}
	return nil
}

func (l *loader) infer(keys []string) {
	l.schema = inferSchema(l.fields, keys, l.meta, l.log)
	l.inferred = true
	l.colPos = make(map[string]int, len(l.schema.columns))
	for i, c := range l.schema.columns {
		l.colPos[c.Name] = i
	}
}

func (l *loader) addGeometry(featureID string, raw []byte, oid int32, row []Value) error {
	geom, err := l.adapter.Parse(raw)
	if err != nil {
		return fmt.Errorf("feature %s: %w", featureID, err)
	}

	if l.kind == KindNone {
		l.kind, l.hasZ, l.sr = geom.Kind(), geom.HasZ, geom.SpatialReference
		l.extent = l.sr.Domain()
	} else if geom.SpatialReference != l.sr {
		if geom, err = l.adapter.Project(geom, l.sr); err != nil {
			return fmt.Errorf("feature %s: %w", featureID, err)
		}
	}

	b := geom.Bound()
	if !l.sr.Contains(b) {
		return fmt.Errorf("feature %s falls outside the domain of %s: %w", featureID, l.sr, ErrOutsideDomain)
	}

	enc, err := l.adapter.Encode(geom)
	if err != nil {
		return fmt.Errorf("feature %s: %w", featureID, err)
	}
	row[colShape] = BlobValue(enc)
	l.bounds[oid] = b

	if !l.hasExtent {
		l.extent, l.hasExtent = b, true
	} else {
		l.extent = l.extent.Union(b)
	}
	l.entries = append(l.entries, indexEntries(geom.Geom, oid)...)
	return nil
}

// addAttributes fills the attribute columns. Coercion failures leave the cell
// null and are listed in the processing errors column.
func (l *loader) addAttributes(attrs []attribute, row []Value) {
	errs := new(multierror.Error)
	for _, a := range attrs {
		if l.schema.mapping.Ignored(a.Key) {
			continue
		}
		name, ok := l.schema.mapping.Column(a.Key)
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf("%s (value = '%s'): attribute not in table schema", a.Key, a.Raw))
			continue
		}
		pos := l.colPos[name]
		v, err := coerceAttribute(a.Raw, l.schema.columns[pos].Type)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s (value = '%s'): %w", name, a.Raw, err))
		}
		row[pos] = v
	}
	if errs.ErrorOrNil() != nil {
		errs.ErrorFormat = processingErrorFormat
		row[colProcessingErrors] = StringValue(errs.Error())
	}
}

func processingErrorFormat(es []error) string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, ";\n")
}

// table finalizes the load: tables without any geometry still get the
// metadata columns, rows loaded before inference are padded with nulls and
// the index is bulk-loaded in one pass.
func (l *loader) table(layerURL string) (*Table, error) {
	if !l.inferred {
		l.infer(nil)
	}
	width := len(l.schema.columns)
	for i, row := range l.rows {
		if len(row) < width {
			l.rows[i] = append(row, make([]Value, width-len(row))...)
		}
	}

	idx, err := BuildSpatialIndex(l.entries)
	if err != nil {
		return nil, err
	}

	t := &Table{
		name:      l.name,
		layerURL:  layerURL,
		owner:     newOwner(),
		adapter:   l.adapter,
		log:       l.log,
		fields:    l.schema.columns,
		mapping:   l.schema.mapping,
		rows:      l.rows,
		byOID:     l.byOID,
		bounds:    l.bounds,
		index:     idx,
		kind:      l.kind,
		hasZ:      l.hasZ,
		sr:        l.sr,
		extent:    l.extent,
		hasExtent: l.hasExtent,
	}
	if t.kind == KindNone {
		t.sr = l.defaultSR()
	}
	t.finish()
	return t, nil
}

func (l *loader) defaultSR() SpatialReference {
	if a, ok := l.adapter.(*OrbAdapter); ok {
		return a.defaultSR()
	}
	return SpatialReference{WKID: WKIDWGS84}
}
