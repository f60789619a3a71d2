// Package qcarchive exposes a QuickCapture error archive (a sqlite database of
// features that failed to reach their feature service) as a set of read-only,
// spatially indexed virtual feature tables.
//
// Each distinct feature-service layer URL in the archive becomes one table. A
// table infers its schema from the feature attributes and optional layer field
// metadata, bulk-loads a packed Hilbert R-tree over the feature vertices and
// answers object-id, attribute and spatial queries against them.
package qcarchive

import (
	"errors"
)

// Common errors returned by this package.
var (
	ErrLoadFailure                 = errors.New("qcarchive: table failed to open")
	ErrOutsideDomain               = errors.New("qcarchive: feature outside spatial reference domain")
	ErrWrongGoroutine              = errors.New("qcarchive: called on wrong goroutine")
	ErrQueryEvaluation             = errors.New("qcarchive: query evaluation failed")
	ErrTableNotFound               = errors.New("qcarchive: table not found")
	ErrRowNotFound                 = errors.New("qcarchive: row not found")
	ErrClosed                      = errors.New("qcarchive: closed")
	ErrInvalidGeometry             = errors.New("qcarchive: invalid geometry")
	ErrUnsupportedGeometry         = errors.New("qcarchive: unsupported geometry type")
	ErrUnsupportedSpatialReference = errors.New("qcarchive: unsupported spatial reference")
	ErrUnsupportedRelationship     = errors.New("qcarchive: unsupported spatial relationship")
	ErrNoFeatures                  = errors.New("qcarchive: no features")
)

// CRS represents a coordinate reference system written into FlatGeobuf output.
type CRS struct {
	Code        int    // EPSG code (e.g., 4326 for WGS84)
	Name        string // CRS name
	Description string // CRS description
}

// WGS84 returns the standard WGS84 CRS (EPSG:4326).
func WGS84() *CRS {
	return &CRS{
		Code: 4326,
		Name: "WGS 84",
	}
}

// Options configures FlatGeobuf writing of exported features.
type Options struct {
	Name         string // Layer name
	Description  string // Layer description
	IncludeIndex bool   // Include spatial index (default: true)
	CRS          *CRS   // Coordinate reference system (optional)
}

// DefaultOptions returns default options for writing FlatGeobuf files.
func DefaultOptions() *Options {
	return &Options{
		IncludeIndex: true,
	}
}
