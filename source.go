package qcarchive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // sqlite driver loaded here
)

// Record is one archived feature joined with its attachment.
type Record struct {
	RowID        int64
	FeatureID    string
	Feature      string      // Esri JSON feature, empty when the app stored none
	Timestamp    interface{} // epoch milliseconds as stored: integer, real, text or nil
	ErrorMessage string
	Attachment   string // attachment file name, empty when there is none
}

// RecordSource streams the archived records of one feature-service layer.
type RecordSource interface {
	// Layers lists the distinct layer URLs present in the archive.
	Layers(ctx context.Context) ([]string, error)
	// Records calls fn for every record of layerURL in storage order. An error
	// from fn stops the iteration and is returned.
	Records(ctx context.Context, layerURL string, fn func(Record) error) error
	// LayerInfo returns the layer info document for layerURL, nil when the
	// archive has none.
	LayerInfo(ctx context.Context, layerURL string) ([]byte, error)
}

// SQLiteSource reads records from a QuickCapture archive database.
type SQLiteSource struct {
	db     *sql.DB
	layout ArchiveLayout
}

// NewSQLiteSource opens the database read-only.
func NewSQLiteSource(path string, layout ArchiveLayout) (*SQLiteSource, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("error opening archive %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error opening archive %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return &SQLiteSource{db: db, layout: layout}, nil
}

// Layers implements RecordSource.
func (s *SQLiteSource) Layers(ctx context.Context) ([]string, error) {
	l := s.layout
	stmt := fmt.Sprintf("SELECT %s, MAX(%s) FROM %s GROUP BY %s ORDER BY %s",
		quoteIdent(l.LayerURLColumn), quoteIdent(l.TimestampColumn), quoteIdent(l.FeaturesTable),
		quoteIdent(l.LayerURLColumn), quoteIdent(l.LayerURLColumn))

	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("error listing layers: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var url sql.NullString
		var latest interface{}
		if err := rows.Scan(&url, &latest); err != nil {
			return nil, fmt.Errorf("error scanning layers: %w", err)
		}
		if url.Valid && url.String != "" {
			urls = append(urls, url.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error listing layers: %w", err)
	}
	return urls, nil
}

// Records implements RecordSource. Features are left-joined with their
// attachments on the feature id; a feature with several attachments yields one
// record carrying the first file name in sort order.
func (s *SQLiteSource) Records(ctx context.Context, layerURL string, fn func(Record) error) error {
	l := s.layout
	stmt := fmt.Sprintf("SELECT f.%s, f.%s, f.%s, f.%s, f.%s, MIN(a.%s) FROM %s AS f LEFT JOIN %s AS a ON f.%s = a.%s WHERE f.%s = ? GROUP BY f.%s ORDER BY f.%s",
		quoteIdent(l.OIDColumn), quoteIdent(l.FeatureColumn), quoteIdent(l.FeatureIDColumn),
		quoteIdent(l.TimestampColumn), quoteIdent(l.ErrorColumn), quoteIdent(l.AttFileNameColumn),
		quoteIdent(l.FeaturesTable), quoteIdent(l.AttachmentsTable),
		quoteIdent(l.FeatureIDColumn), quoteIdent(l.AttFeatureIDCol), quoteIdent(l.LayerURLColumn),
		quoteIdent(l.OIDColumn), quoteIdent(l.OIDColumn))

	rows, err := s.db.QueryContext(ctx, stmt, layerURL)
	if err != nil {
		return fmt.Errorf("error reading features of %s: %w", layerURL, err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec Record
		var feature, featureID, errMsg, attachment sql.NullString
		if err := rows.Scan(&rec.RowID, &feature, &featureID, &rec.Timestamp, &errMsg, &attachment); err != nil {
			return fmt.Errorf("error scanning features of %s: %w", layerURL, err)
		}
		rec.Feature, rec.FeatureID = feature.String, featureID.String
		rec.ErrorMessage, rec.Attachment = errMsg.String, attachment.String
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error reading features of %s: %w", layerURL, err)
	}
	return nil
}

// LayerInfo implements RecordSource. Archives written before layer infos were
// recorded have no such table; that is not an error.
func (s *SQLiteSource) LayerInfo(ctx context.Context, layerURL string) ([]byte, error) {
	l := s.layout
	if l.LayerInfosTable == "" {
		return nil, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", l.LayerInfosTable).Scan(&n)
	if err != nil {
		return nil, fmt.Errorf("error checking %s: %w", l.LayerInfosTable, err)
	}
	if n == 0 {
		return nil, nil
	}

	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? LIMIT 1",
		quoteIdent(l.LayerInfoJSONCol), quoteIdent(l.LayerInfosTable), quoteIdent(l.LayerInfoURLCol))
	var info sql.NullString
	if err := s.db.QueryRowContext(ctx, stmt, layerURL).Scan(&info); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("error reading layer info of %s: %w", layerURL, err)
	}
	if !info.Valid {
		return nil, nil
	}
	return []byte(info.String), nil
}

// Close closes the database.
func (s *SQLiteSource) Close() error {
	return s.db.Close()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
