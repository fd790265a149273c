// Package config loads the linksage YAML configuration.
//
// Loading starts from DefaultConfig, expands ${VAR} references from the
// environment, decodes strictly (unknown keys are errors) and validates the
// result.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/sanonone/linksage/pkg/curate"
	"github.com/sanonone/linksage/pkg/embcache"
	"github.com/sanonone/linksage/pkg/export"
	"github.com/sanonone/linksage/pkg/sage"
	"github.com/sanonone/linksage/pkg/train"
)

// Config is the full configuration.
type Config struct {
	Data    DataConfig    `yaml:"data"`
	Curate  CurateConfig  `yaml:"curate"`
	Graph   GraphConfig   `yaml:"graph"`
	Sampler SamplerConfig `yaml:"sampler"`
	Model   ModelConfig   `yaml:"model"`
	Train   train.Config  `yaml:"train"`
	Cache   CacheConfig   `yaml:"cache"`
	Server  ServerConfig  `yaml:"server"`
	Export  export.Config `yaml:"export"`
	Log     LogConfig     `yaml:"log"`
}

// DataConfig locates inputs and on-disk state.
type DataConfig struct {
	LandingDir string `yaml:"landing_dir" validate:"required"`
	BronzeLog  string `yaml:"bronze_log" validate:"required"`
	// FeatureTables are concatenated in order.
	FeatureTables []TableConfig `yaml:"feature_tables" validate:"dive"`
}

// TableConfig is one auxiliary CSV table.
type TableConfig struct {
	Path string `yaml:"path" validate:"required"`
	// Type is the node type of rows without a type column.
	Type string `yaml:"type" validate:"omitempty,oneof=patient provider"`
	// Prefix is prepended to column names.
	Prefix string `yaml:"prefix"`
}

// CurateConfig controls curation.
type CurateConfig struct {
	Threshold         float64  `yaml:"threshold" validate:"gte=0,lte=1"`
	ExtraSuffixes     []string `yaml:"extra_suffixes"`
	DefaultSourceType string   `yaml:"default_source_type" validate:"omitempty,oneof=patient provider"`
	DefaultTargetType string   `yaml:"default_target_type" validate:"omitempty,oneof=patient provider"`
}

// GraphConfig controls snapshot construction.
type GraphConfig struct {
	DirectedRelations []string `yaml:"directed_relations"`
	// Structural appends degree and partition features to every node.
	Structural bool `yaml:"structural"`
}

// SamplerConfig controls neighbor sampling.
type SamplerConfig struct {
	Strategy string `yaml:"strategy" validate:"omitempty,oneof=uniform degree degree_weighted weighted"`
	Seeded   bool   `yaml:"seeded"`
	Seed     uint64 `yaml:"seed"`
}

// ModelConfig is the architecture. The input width comes from the feature
// tables at run time.
type ModelConfig struct {
	Layers []sage.LayerConfig `yaml:"layers" validate:"min=1,dive"`
	Scorer string             `yaml:"scorer" validate:"omitempty,oneof=dot bilinear directional"`
}

// CacheConfig enables the embedding cache.
type CacheConfig struct {
	Enabled         bool `yaml:"enabled"`
	embcache.Config `yaml:",inline"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr         string        `yaml:"addr" validate:"required"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// RefreshInterval re-runs ingest and curation in the background; zero disables it.
	RefreshInterval time.Duration `yaml:"refresh_interval" validate:"gte=0"`
	// AuthToken, when set, is required as a bearer token on every endpoint except /healthz.
	AuthToken string `yaml:"auth_token"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// DefaultConfig returns a configuration that works against ./data.
func DefaultConfig() Config {
	return Config{
		Data: DataConfig{
			LandingDir: "data/landing",
			BronzeLog:  "data/bronze/bronze.log",
		},
		Curate: CurateConfig{
			Threshold:         curate.DefaultThreshold,
			DefaultSourceType: "patient",
			DefaultTargetType: "provider",
		},
		Graph:   GraphConfig{Structural: true},
		Sampler: SamplerConfig{Strategy: "uniform", Seeded: true, Seed: 42},
		Model: ModelConfig{
			Layers: sage.DefaultConfig(0).Layers,
			Scorer: "dot",
		},
		Train: func() train.Config {
			c := train.DefaultConfig()
			c.CheckpointDir = "data/checkpoints"
			return c
		}(),
		Cache: CacheConfig{Config: embcache.Config{Path: "data/embcache", Precision: "float16"}},
		Server: ServerConfig{
			Addr:         ":9470",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 2 * time.Minute,
		},
		Export: export.Config{BatchSize: export.DefaultBatchSize},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := DefaultConfig()
		return cfg, cfg.Validate()
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read decodes a configuration document over the defaults.
func Read(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	raw, err := io.ReadAll(r)
	if err != nil {
		return cfg, err
	}
	expanded := ExpandEnv(string(raw))

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("YAML syntax error in config: %w", err)
	}
	return cfg, cfg.Validate()
}

// ExpandEnv replaces ${VAR} and ${VAR:-default} with environment values.
// Bare $VAR is left untouched so that literal dollar signs survive.
func ExpandEnv(s string) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		expr := s[i+2 : i+j]
		name, def, hasDef := strings.Cut(expr, ":-")
		if v, ok := os.LookupEnv(name); ok && (v != "" || !hasDef) {
			b.WriteString(v)
		} else if hasDef {
			b.WriteString(def)
		}
		s = s[i+j+1:]
	}
}

// Validate checks struct constraints and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Train.Validate(); err != nil {
		return fmt.Errorf("invalid config: train: %w", err)
	}
	if c.Cache.Enabled && !c.Cache.InMemory && c.Cache.Path == "" {
		return errors.New("invalid config: cache.path is required when the cache is enabled")
	}
	return nil
}
