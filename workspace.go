package qcarchive

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-pkgz/lgr"
	"github.com/hashicorp/go-multierror"
)

// Workspace is an opened archive. Every distinct layer URL in it is one
// table. Like tables, a workspace may only be used from the goroutine that
// opened it.
type Workspace struct {
	src    RecordSource
	opts   []Option
	log    lgr.L
	owner  owner
	layers map[string]string // table name to layer URL
	tables map[string]*Table
	closed bool
}

// OpenWorkspace opens the archive database at dbPath. Attachments are looked
// up in the configured directory next to the database unless
// WithAttachmentsDir says otherwise.
func OpenWorkspace(ctx context.Context, dbPath string, opts ...Option) (*Workspace, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("can't open archive: %w", err)
	}
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}

	src, err := NewSQLiteSource(dbPath, o.cfg.Archive)
	if err != nil {
		return nil, err
	}

	if o.attachmentsDir == "" {
		dir := o.cfg.AttachmentsDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(filepath.Dir(dbPath), dir)
		}
		opts = append(opts, WithAttachmentsDir(dir))
	}

	ws, err := NewWorkspace(ctx, src, opts...)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	return ws, nil
}

// NewWorkspace builds a workspace over any record source. The source is
// closed with the workspace when it implements io.Closer.
func NewWorkspace(ctx context.Context, src RecordSource, opts ...Option) (*Workspace, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}

	urls, err := src.Layers(ctx)
	if err != nil {
		return nil, err
	}

	ws := &Workspace{
		src:    src,
		opts:   opts,
		log:    o.log,
		owner:  newOwner(),
		layers: make(map[string]string, len(urls)),
		tables: map[string]*Table{},
	}
	for _, u := range urls {
		name, err := TableNameFromURL(u)
		if err != nil {
			ws.log.Logf("[WARN] skipping layer %q, %v", u, err)
			continue
		}
		if prev, dup := ws.layers[name]; dup {
			ws.log.Logf("[WARN] layers %q and %q share table name %s, keeping the first", prev, u, name)
			continue
		}
		ws.layers[name] = u
	}
	ws.log.Logf("[INFO] archive opened, %d tables", len(ws.layers))
	return ws, nil
}

// TableNameFromURL names a table after its feature-service layer URL,
// ".../<service>/FeatureServer/<layer>" becomes "<service>-<layer>".
func TableNameFromURL(layerURL string) (string, error) {
	u, err := url.Parse(layerURL)
	if err != nil {
		return "", fmt.Errorf("layer url %q: %w", layerURL, err)
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segs) < 3 || segs[len(segs)-3] == "" || segs[len(segs)-1] == "" {
		return "", fmt.Errorf("layer url %q has too few path segments", layerURL)
	}
	return segs[len(segs)-3] + "-" + segs[len(segs)-1], nil
}

// TableNames lists the tables, sorted.
func (w *Workspace) TableNames() ([]string, error) {
	if err := w.usable("TableNames"); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(w.layers))
	for name := range w.layers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// OpenTable loads the named table on first use and returns the cached table
// afterwards. A table that failed to load is not cached.
func (w *Workspace) OpenTable(ctx context.Context, name string) (*Table, error) {
	if err := w.usable("OpenTable"); err != nil {
		return nil, err
	}
	layerURL, ok := w.layers[name]
	if !ok {
		return nil, fmt.Errorf("table %s: %w", name, ErrTableNotFound)
	}
	if t, ok := w.tables[name]; ok {
		return t, nil
	}
	t, err := LoadTable(ctx, w.src, name, layerURL, w.opts...)
	if err != nil {
		return nil, err
	}
	w.tables[name] = t
	return t, nil
}

// Close closes all opened tables and the record source. Closing twice is a
// no-op.
func (w *Workspace) Close() error {
	if err := w.owner.check("Close"); err != nil {
		return err
	}
	if w.closed {
		return nil
	}
	w.closed = true

	errs := new(multierror.Error)
	for name, t := range w.tables {
		if err := t.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("table %s: %w", name, err))
		}
	}
	w.tables = nil
	if c, ok := w.src.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("record source: %w", err))
		}
	}
	return errs.ErrorOrNil()
}

func (w *Workspace) usable(op string) error {
	if err := w.owner.check(op); err != nil {
		return err
	}
	if w.closed {
		return ErrClosed
	}
	return nil
}
