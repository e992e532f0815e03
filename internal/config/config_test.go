package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/facegate/internal/pipeline"
)

func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.LogLevel)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 512, cfg.EmbeddingDim)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "data/facegate.db", cfg.Store.SQLitePath)
	assert.Equal(t, []string{"python3", "-u", "python/engine.py"}, cfg.EngineArgv())
	assert.Equal(t, 2*time.Second, cfg.Engine.Timeout)
	assert.Empty(t, cfg.Storage.Endpoint)
	assert.Equal(t, "facegate-identities", cfg.Storage.Bucket)
	assert.Empty(t, cfg.MQTT.Broker)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)

	// Defaults agree with the pipeline's own
	assert.Equal(t, pipeline.DefaultConfig(), cfg.PipelineConfig())

	a := cfg.Aligner()
	assert.Equal(t, 112, a.Size)
	assert.Equal(t, 45.0, a.MaxYaw)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		expected func(*Config)
	}{
		{
			name: "store override",
			envVars: map[string]string{
				"STORE_DRIVER": "postgres",
				"DATABASE_URL": "postgres://u:p@localhost:5432/facegate",
			},
			expected: func(cfg *Config) {
				assert.Equal(t, DriverPostgres, cfg.Store.Driver)
				assert.Equal(t, "postgres://u:p@localhost:5432/facegate", cfg.DatabaseURL)
			},
		},
		{
			name: "pipeline override",
			envVars: map[string]string{
				"PIPELINE_VERIFY_TIMEOUT":  "3s",
				"PIPELINE_MATCH_THRESHOLD": "0.75",
				"PIPELINE_REGISTER_HOLD":   "250ms",
			},
			expected: func(cfg *Config) {
				pc := cfg.PipelineConfig()
				assert.Equal(t, 3*time.Second, pc.VerifyTimeout)
				assert.Equal(t, 0.75, pc.MatchThreshold)
				assert.Equal(t, 250*time.Millisecond, pc.RegisterHold)
			},
		},
		{
			name: "liveness override",
			envVars: map[string]string{
				"LIVENESS_ACTIONS":  "2",
				"LIVENESS_DEADLINE": "5s",
			},
			expected: func(cfg *Config) {
				assert.Equal(t, 2, cfg.PipelineConfig().Liveness.Actions)
				assert.Equal(t, 5*time.Second, cfg.PipelineConfig().Liveness.Deadline)
			},
		},
		{
			name: "minio and mqtt override",
			envVars: map[string]string{
				"MINIO_ENDPOINT":    "localhost:9000",
				"MINIO_BUCKET_NAME": "faces",
				"MQTT_BROKER":       "tcp://localhost:1883",
				"MQTT_QOS":          "0",
			},
			expected: func(cfg *Config) {
				assert.Equal(t, "localhost:9000", cfg.Storage.Endpoint)
				assert.Equal(t, "faces", cfg.Storage.Bucket)
				assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
				assert.Equal(t, byte(0), cfg.MQTT.QoS)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			cfg, err := Load("")
			require.NoError(t, err)
			tt.expected(cfg)
		})
	}
}

func TestLoad_YAMLOverridesEnvironment(t *testing.T) {
	t.Setenv("PIPELINE_MATCH_THRESHOLD", "0.5")
	t.Setenv("LIVENESS_ACTIONS", "4")

	path := filepath.Join(t.TempDir(), "facegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pipeline:
  match_threshold: 0.8
  register_hold: 1500ms
store:
  driver: memory
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.8, cfg.Pipeline.MatchThreshold)
	assert.Equal(t, 1500*time.Millisecond, cfg.Pipeline.RegisterHold)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	// Keys absent from the file keep their environment value
	assert.Equal(t, 4, cfg.Liveness.Actions)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		errMsg  string
	}{
		{"unknown driver", map[string]string{"STORE_DRIVER": "mongo"}, "unknown store driver"},
		{"postgres without url", map[string]string{"STORE_DRIVER": "postgres"}, "DATABASE_URL is required"},
		{"bad threshold", map[string]string{"PIPELINE_MATCH_THRESHOLD": "1.5"}, "match threshold"},
		{"too many actions", map[string]string{"LIVENESS_ACTIONS": "9"}, "liveness actions"},
		{"empty engine", map[string]string{"ENGINE_COMMAND": "  "}, "engine command is empty"},
		{"unparsable duration", map[string]string{"PIPELINE_VERIFY_TIMEOUT": "soon"}, "failed to parse config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}
