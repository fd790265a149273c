package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/linksage/pkg/core/vecmath"
	"github.com/sanonone/linksage/pkg/sage"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0.55, cfg.Curate.Threshold)
	assert.Len(t, cfg.Model.Layers, 2)
	assert.Equal(t, "dot", cfg.Model.Scorer)
}

func TestReadOverridesDefaults(t *testing.T) {
	t.Setenv("LINKSAGE_NEO4J_PASSWORD", "s3cret")
	doc := `
data:
  landing_dir: /srv/landing
  bronze_log: /srv/bronze.log
  feature_tables:
    - path: /srv/patients.csv
      type: patient
      prefix: score_
curate:
  threshold: 0.7
  extra_suffixes: [holdings]
graph:
  directed_relations: [referral]
model:
  scorer: directional
  layers:
    - {output_dim: 16, fanout: 8, aggregator: maxpool, pool_dim: 24}
train:
  epochs: 3
  checkpoint_precision: float16
cache:
  enabled: true
  in_memory: true
server:
  refresh_interval: 10m
export:
  uri: neo4j://localhost:7687
  password: ${LINKSAGE_NEO4J_PASSWORD}
  database: ${LINKSAGE_NEO4J_DB:-linksage}
`
	cfg, err := Read(strings.NewReader(doc))
	require.NoError(t, err)

	assert.Equal(t, "/srv/landing", cfg.Data.LandingDir)
	require.Len(t, cfg.Data.FeatureTables, 1)
	assert.Equal(t, "score_", cfg.Data.FeatureTables[0].Prefix)
	assert.Equal(t, 0.7, cfg.Curate.Threshold)
	assert.Equal(t, []string{"referral"}, cfg.Graph.DirectedRelations)
	require.Len(t, cfg.Model.Layers, 1)
	assert.Equal(t, sage.MaxPool, cfg.Model.Layers[0].Aggregator)
	assert.Equal(t, 3, cfg.Train.Epochs)
	assert.Equal(t, vecmath.Float16, cfg.Train.CheckpointPrecision)
	assert.Equal(t, 256, cfg.Train.BatchSize, "unset keys keep their defaults")
	assert.True(t, cfg.Cache.Enabled)
	assert.True(t, cfg.Cache.InMemory)
	assert.Equal(t, 10*time.Minute, cfg.Server.RefreshInterval)
	assert.Equal(t, "s3cret", cfg.Export.Password)
	assert.Equal(t, "linksage", cfg.Export.Database)
}

func TestUnknownKeysRejected(t *testing.T) {
	_, err := Read(strings.NewReader("train:\n  epoch: 3\n"))
	assert.Error(t, err)
}

func TestValidation(t *testing.T) {
	cases := map[string]string{
		"threshold":  "curate:\n  threshold: 1.5\n",
		"scorer":     "model:\n  scorer: cosine\n",
		"aggregator": "model:\n  layers:\n    - {output_dim: 4, fanout: 2, aggregator: lstm}\n",
		"no layers":  "model:\n  layers: []\n",
		"epochs":     "train:\n  epochs: 0\n",
		"log level":  "log:\n  level: verbose\n",
		"export uri": "export:\n  uri: not a uri\n",
		"table path": "data:\n  feature_tables:\n    - type: patient\n",
		"sampler":    "sampler:\n  strategy: random\n",
		"val":        "train:\n  validation_fraction: 1\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Read(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linksage.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  format: json\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Log.Format)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("LS_A", "alpha")
	t.Setenv("LS_EMPTY", "")
	assert.Equal(t, "x alpha y", ExpandEnv("x ${LS_A} y"))
	assert.Equal(t, "fallback", ExpandEnv("${LS_UNSET_VAR:-fallback}"))
	assert.Equal(t, "fallback", ExpandEnv("${LS_EMPTY:-fallback}"))
	assert.Equal(t, "", ExpandEnv("${LS_UNSET_VAR}"))
	assert.Equal(t, "$LS_A ${open", ExpandEnv("$LS_A ${open"))
}
