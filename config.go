package qcarchive

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config describes the layout of the archive database and the names of the
// fixed columns every virtual table carries.
type Config struct {
	Archive        ArchiveLayout `yaml:"archive"`
	Fields         FieldNames    `yaml:"fields"`
	AttachmentsDir string        `yaml:"attachments_dir"` // relative to the database directory unless absolute
	DefaultWKID    int           `yaml:"default_wkid"`    // used when a geometry carries no spatial reference
}

// ArchiveLayout names the tables and columns read from the archive database.
type ArchiveLayout struct {
	FeaturesTable     string `yaml:"features_table"`
	AttachmentsTable  string `yaml:"attachments_table"`
	LayerInfosTable   string `yaml:"layer_infos_table"`
	OIDColumn         string `yaml:"oid_column"`
	FeatureColumn     string `yaml:"feature_column"`
	FeatureIDColumn   string `yaml:"feature_id_column"`
	TimestampColumn   string `yaml:"timestamp_column"`
	ErrorColumn       string `yaml:"error_column"`
	LayerURLColumn    string `yaml:"layer_url_column"`
	AttFeatureIDCol   string `yaml:"attachment_feature_id_column"`
	AttFileNameColumn string `yaml:"attachment_file_name_column"`
	LayerInfoURLCol   string `yaml:"layer_info_url_column"`
	LayerInfoJSONCol  string `yaml:"layer_info_json_column"`
}

// FieldNames are the output names of the fixed leading columns.
type FieldNames struct {
	OID              string `yaml:"oid"`
	FeatureID        string `yaml:"feature_id"`
	Timestamp        string `yaml:"timestamp"`
	ErrorMessage     string `yaml:"error_message"`
	Attachment       string `yaml:"attachment"`
	AttachmentAlias  string `yaml:"attachment_alias"`
	Shape            string `yaml:"shape"`
	ProcessingErrors string `yaml:"processing_errors"`
}

// DefaultConfig returns the layout written by the QuickCapture mobile app.
func DefaultConfig() *Config {
	return &Config{
		Archive: ArchiveLayout{
			FeaturesTable:     "Features",
			AttachmentsTable:  "Attachments",
			LayerInfosTable:   "LayerInfos",
			OIDColumn:         "OID",
			FeatureColumn:     "Feature",
			FeatureIDColumn:   "FeatureId",
			TimestampColumn:   "Timestamp",
			ErrorColumn:       "ErrorMessage",
			LayerURLColumn:    "LayerUrl",
			AttFeatureIDCol:   "FeatureId",
			AttFileNameColumn: "FileName",
			LayerInfoURLCol:   "LayerUrl",
			LayerInfoJSONCol:  "LayerInfo",
		},
		Fields: FieldNames{
			OID:              "OID",
			FeatureID:        "FeatureId",
			Timestamp:        "Timestamp",
			ErrorMessage:     "ErrorMessage",
			Attachment:       "FileName",
			AttachmentAlias:  "Attachment",
			Shape:            "Shape",
			ProcessingErrors: "QCRProcessingErrors",
		},
		AttachmentsDir: "Attachments",
		DefaultWKID:    WKIDWGS84,
	}
}

// LoadConfig reads a yaml config file. Keys missing from the file keep their
// DefaultConfig values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("can't read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("can't parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	required := map[string]string{
		"archive.features_table":   c.Archive.FeaturesTable,
		"archive.oid_column":       c.Archive.OIDColumn,
		"archive.feature_column":   c.Archive.FeatureColumn,
		"archive.layer_url_column": c.Archive.LayerURLColumn,
		"fields.oid":               c.Fields.OID,
		"fields.shape":             c.Fields.Shape,
	}
	for k, v := range required {
		if v == "" {
			return fmt.Errorf("%s is empty", k)
		}
	}
	if _, err := SpatialReferenceFromWKID(c.DefaultWKID); err != nil {
		return fmt.Errorf("default_wkid: %w", err)
	}
	return nil
}
