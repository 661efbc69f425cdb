// Package config loads run settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/eunmann/mail-metrics/pkg/fileutil"
	"github.com/eunmann/mail-metrics/pkg/source"
)

// ErrMissingDatabaseURL is returned when DATABASE_URL is unset.
var ErrMissingDatabaseURL = errors.New("DATABASE_URL must be set")

// DefaultEnvFile is read from the working directory when present.
const DefaultEnvFile = ".env"

// Config holds everything a run needs.
type Config struct {
	DatabaseURL       string
	SourceDatabaseURL string
	// SourceFile, when set, replaces the SQL source with a CSV export.
	SourceFile string
	Table      string
	Columns    source.Columns

	DataDir         string
	ChunkSize       int
	DedupMaxEntries int
	MemoryBudget    string
	EnsureSchema    bool

	S3Bucket string
	S3Prefix string

	LogLevel string
	// MemDebug logs heap samples during the run; PprofAddr also serves
	// net/http/pprof there.
	MemDebug  bool
	PprofAddr string
}

// UploadEnabled reports whether snapshots should be pushed to S3.
func (c *Config) UploadEnabled() bool { return c.S3Bucket != "" }

func setDefaults(v *viper.Viper) {
	cols := source.DefaultColumns()
	v.SetDefault("TABLE_NAME", "data")
	v.SetDefault("EMAIL_COLUMN", cols.Email)
	v.SetDefault("DATE_COLUMN", cols.CreatedAt)
	v.SetDefault("OPENS_COLUMN", cols.Opens)
	v.SetDefault("CLICKS_COLUMN", cols.Clicks)
	v.SetDefault("AGENCY_COLUMN", cols.Agency)
	v.SetDefault("DESTINATION_COLUMN", cols.Destination)
	v.SetDefault("ACTIVATION_COLUMN", cols.Activation)
	v.SetDefault("LOCATOR_COLUMN", cols.Locator)
	v.SetDefault("DATA_DIR", "data")
	v.SetDefault("CHUNKSIZE", source.DefaultBatchSize)
	v.SetDefault("DEDUP_MAX_ENTRIES", 0)
	v.SetDefault("MEMORY_BUDGET", "")
	v.SetDefault("ENSURE_SCHEMA", true)
	v.SetDefault("SNAPSHOT_S3_BUCKET", "")
	v.SetDefault("SNAPSHOT_S3_PREFIX", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("MEM_DEBUG", false)
	v.SetDefault("MEM_PPROF_ADDR", "")
	v.SetDefault("SOURCE_DATABASE_URL", "")
	v.SetDefault("SOURCE_FILE", "")
	v.SetDefault("DATABASE_URL", "")
}

// Load reads envFile if it exists, then the process environment, which
// takes precedence. An empty envFile skips the file.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if envFile != "" && fileutil.Exists(envFile) {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
	}
	v.AutomaticEnv()

	cfg := &Config{
		DatabaseURL:       strings.TrimSpace(v.GetString("DATABASE_URL")),
		SourceDatabaseURL: strings.TrimSpace(v.GetString("SOURCE_DATABASE_URL")),
		SourceFile:        strings.TrimSpace(v.GetString("SOURCE_FILE")),
		Table:             v.GetString("TABLE_NAME"),
		Columns: source.Columns{
			Email:       v.GetString("EMAIL_COLUMN"),
			CreatedAt:   v.GetString("DATE_COLUMN"),
			Opens:       v.GetString("OPENS_COLUMN"),
			Clicks:      v.GetString("CLICKS_COLUMN"),
			Agency:      v.GetString("AGENCY_COLUMN"),
			Destination: v.GetString("DESTINATION_COLUMN"),
			Activation:  v.GetString("ACTIVATION_COLUMN"),
			Locator:     v.GetString("LOCATOR_COLUMN"),
		},
		DataDir:         v.GetString("DATA_DIR"),
		ChunkSize:       v.GetInt("CHUNKSIZE"),
		DedupMaxEntries: v.GetInt("DEDUP_MAX_ENTRIES"),
		MemoryBudget:    strings.TrimSpace(v.GetString("MEMORY_BUDGET")),
		EnsureSchema:    v.GetBool("ENSURE_SCHEMA"),
		S3Bucket:        strings.TrimSpace(v.GetString("SNAPSHOT_S3_BUCKET")),
		S3Prefix:        strings.TrimSpace(v.GetString("SNAPSHOT_S3_PREFIX")),
		LogLevel:        v.GetString("LOG_LEVEL"),
		MemDebug:        v.GetBool("MEM_DEBUG"),
		PprofAddr:       strings.TrimSpace(v.GetString("MEM_PPROF_ADDR")),
	}
	if cfg.SourceDatabaseURL == "" {
		cfg.SourceDatabaseURL = cfg.DatabaseURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNKSIZE must be positive (got %d)", c.ChunkSize)
	}
	if c.SourceFile == "" && strings.TrimSpace(c.Table) == "" {
		return errors.New("TABLE_NAME must be set when SOURCE_FILE is not")
	}
	if c.Columns.Email == "" || c.Columns.CreatedAt == "" {
		return errors.New("EMAIL_COLUMN and DATE_COLUMN must be set")
	}
	if c.DataDir == "" {
		return errors.New("DATA_DIR must be set")
	}
	return nil
}
