package config

import (
	"fmt"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
)

// DefaultBatchSize is the number of records read and created per call.
const DefaultBatchSize = 100

// Config holds all configuration for a migration run.
// Configuration comes from a YAML file (config.yaml by default) with
// environment variable overrides. Passwords only come from the environment.
type Config struct {
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Source is read-only for the whole run.
	Source StoreConfig `yaml:"source" env-prefix:"SOURCE_"`
	// Target receives created records and reference updates.
	Target StoreConfig `yaml:"target" env-prefix:"TARGET_"`

	IDMap     IDMapConfig     `yaml:"id_map"`
	Migration MigrationConfig `yaml:"migration"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	// RulesPath points at the transformation rule file (value remaps, defaults, seeds).
	RulesPath string `yaml:"rules_path" env:"RULES_PATH" env-default:""`

	// Models is the ordered list of models to migrate. Order only matters as
	// the tie-break between models with no dependency between them.
	Models []ModelConfig `yaml:"models"`
}

// StoreConfig describes one remote record store.
type StoreConfig struct {
	// Type selects the adapter: "odoo", "postgres", "sqlserver" or "memory".
	Type     string `yaml:"type" env:"TYPE" env-default:"odoo"`
	URL      string `yaml:"url" env:"URL" env-default:""` // odoo base URL, e.g. https://erp.example.com
	Host     string `yaml:"host" env:"HOST" env-default:"localhost"`
	Port     int    `yaml:"port" env:"PORT" env-default:"0"`
	Database string `yaml:"database" env:"DB" env-default:""`
	Schema   string `yaml:"schema" env:"SCHEMA" env-default:""`
	User     string `yaml:"user" env:"USERNAME" env-default:"admin"`
	Password string `yaml:"-" env:"PASSWORD"` // Secret - not in YAML
	SSLMode  string `yaml:"ssl_mode" env:"SSL_MODE" env-default:"disable"`

	TimeoutSeconds int     `yaml:"timeout_seconds" env:"TIMEOUT_SECONDS" env-default:"120"`
	RateLimit      float64 `yaml:"rate_limit" env:"RATE_LIMIT" env-default:"10"` // calls per second
	RateBurst      int     `yaml:"rate_burst" env:"RATE_BURST" env-default:"5"`
	MaxRetries     int     `yaml:"max_retries" env:"MAX_RETRIES" env-default:"3"`

	// Fixture is a JSON snapshot loaded by the memory store (rehearsal runs).
	Fixture string `yaml:"fixture" env:"FIXTURE" env-default:""`

	// InferReferences lets SQL stores treat <name>_id columns without a
	// foreign key constraint as references when a matching table exists.
	InferReferences bool `yaml:"infer_references" env:"INFER_REFERENCES" env-default:"false"`
}

// ToMap converts the store config into the generic map accepted by adapter
// factories.
func (s StoreConfig) ToMap() map[string]any {
	m := map[string]any{
		"url":              s.URL,
		"host":             s.Host,
		"database":         s.Database,
		"user":             s.User,
		"password":         s.Password,
		"ssl_mode":         s.SSLMode,
		"timeout_seconds":  s.TimeoutSeconds,
		"rate_limit":       s.RateLimit,
		"rate_burst":       s.RateBurst,
		"max_retries":      s.MaxRetries,
		"infer_references": s.InferReferences,
		"fixture":          s.Fixture,
	}
	if s.Port > 0 {
		m["port"] = s.Port
	}
	if s.Schema != "" {
		m["schema"] = s.Schema
	}
	return m
}

// IDMapConfig selects where the identifier map lives.
type IDMapConfig struct {
	// Backend: "memory", "postgres", "sqlite", "redis" or "target".
	Backend string `yaml:"backend" env:"IDMAP_BACKEND" env-default:"sqlite"`

	// DSN is the postgres URL; the password comes from IDMAP_PASSWORD.
	DSN string `yaml:"dsn" env:"IDMAP_DSN" env-default:""`

	// Password is the postgres or redis password.
	Password string `yaml:"-" env:"IDMAP_PASSWORD"`

	// Path is the sqlite file.
	Path string `yaml:"path" env:"IDMAP_PATH" env-default:"migration_idmap.db"`

	// RedisAddr and RedisDB locate the redis backend.
	RedisAddr string `yaml:"redis_addr" env:"IDMAP_REDIS_ADDR" env-default:""`
	RedisDB   int    `yaml:"redis_db" env:"IDMAP_REDIS_DB" env-default:"0"`

	// Model is the target model holding mappings when Backend is "target".
	Model string `yaml:"model" env:"IDMAP_MODEL" env-default:"x_migration_id_map"`
}

// MigrationConfig holds engine settings.
type MigrationConfig struct {
	BatchSize int  `yaml:"batch_size" env:"MIGRATION_BATCH_SIZE" env-default:"100"`
	DryRun    bool `yaml:"dry_run" env:"MIGRATION_DRY_RUN" env-default:"false"`

	// PipelineDepth is how many exported batches may wait ahead of the importer.
	PipelineDepth int `yaml:"pipeline_depth" env:"MIGRATION_PIPELINE_DEPTH" env-default:"1"`

	// VerifyTargets re-creates records whose mapped target record was deleted.
	VerifyTargets bool `yaml:"verify_targets" env:"MIGRATION_VERIFY_TARGETS" env-default:"false"`

	// CacheDir, when set, receives every exported batch as JSON.
	CacheDir string `yaml:"cache_dir" env:"MIGRATION_CACHE_DIR" env-default:""`

	// BookkeepingFields are never exported (audit columns).
	BookkeepingFields []string `yaml:"bookkeeping_fields" env:"MIGRATION_BOOKKEEPING_FIELDS" env-separator:"," env-default:"create_uid,create_date,write_uid,write_date,__last_update,display_name"`
}

// MetricsConfig controls the optional prometheus listener.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr" env:"METRICS_LISTEN_ADDR" env-default:""`
}

// ModelConfig is one entry of the model list.
type ModelConfig struct {
	Model       string `yaml:"model"`
	TargetModel string `yaml:"target_model"` // empty means same name on target
	// AllowReferences makes the model's reference fields eligible for migration.
	AllowReferences bool `yaml:"allow_references"`
	// ReferenceFields restricts eligible references to the listed names when non-empty.
	ReferenceFields []string `yaml:"reference_fields"`
	// JSONFile reads the model's records from a previous export instead of the source.
	JSONFile string `yaml:"json_file"`
	// Filter restricts exported records; all conditions must hold.
	Filter []FilterCondition `yaml:"filter"`
}

// FilterCondition is one (field, operator, value) triple.
type FilterCondition struct {
	Field    string `yaml:"field"`
	Operator string `yaml:"op"`
	Value    any    `yaml:"value"`
}

// TargetName returns the model name on the target store.
func (m ModelConfig) TargetName() string {
	if m.TargetModel != "" {
		return m.TargetModel
	}
	return m.Model
}

// Load reads configuration from path with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg.resolveDockerHosts()
	return cfg, nil
}

var (
	validStoreTypes = []string{"odoo", "postgres", "sqlserver", "memory"}
	validBackends   = []string{"memory", "postgres", "sqlite", "redis", "target"}
	validOperators  = []string{"=", "!=", "in", "not in", "<", "<=", ">", ">="}
)

// Validate checks the settings the engine cannot run without.
func (c *Config) Validate() error {
	if c.Migration.BatchSize < 1 {
		return fmt.Errorf("migration.batch_size must be at least 1, got %d", c.Migration.BatchSize)
	}
	if c.Migration.PipelineDepth < 0 {
		return fmt.Errorf("migration.pipeline_depth must not be negative")
	}
	if !contains(validStoreTypes, c.Source.Type) {
		return fmt.Errorf("source.type %q must be one of %v", c.Source.Type, validStoreTypes)
	}
	if !contains(validStoreTypes, c.Target.Type) {
		return fmt.Errorf("target.type %q must be one of %v", c.Target.Type, validStoreTypes)
	}
	if !contains(validBackends, c.IDMap.Backend) {
		return fmt.Errorf("id_map.backend %q must be one of %v", c.IDMap.Backend, validBackends)
	}
	if c.IDMap.Backend == "postgres" && c.IDMap.DSN == "" {
		return fmt.Errorf("id_map.dsn is required for the postgres backend")
	}
	if c.IDMap.Backend == "redis" && c.IDMap.RedisAddr == "" {
		return fmt.Errorf("id_map.redis_addr is required for the redis backend")
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("at least one model must be configured")
	}

	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if strings.TrimSpace(m.Model) == "" {
			return fmt.Errorf("models[%d]: model name is required", i)
		}
		if seen[m.Model] {
			return fmt.Errorf("models[%d]: %s listed twice", i, m.Model)
		}
		seen[m.Model] = true
		for _, f := range m.Filter {
			if !contains(validOperators, f.Operator) {
				return fmt.Errorf("models[%d]: filter operator %q must be one of %v", i, f.Operator, validOperators)
			}
		}
	}
	return nil
}

// ModelNames returns the configured model names in list order.
func (c *Config) ModelNames() []string {
	names := make([]string, len(c.Models))
	for i, m := range c.Models {
		names[i] = m.Model
	}
	return names
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
