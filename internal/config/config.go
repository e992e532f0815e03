package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/facegate/internal/detect"
	"github.com/andresmejia3/facegate/internal/liveness"
	"github.com/andresmejia3/facegate/internal/pipeline"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config contains facegate configuration. Environment variables are read first, then an
// optional YAML file overrides whatever keys it sets.
type Config struct {
	LogLevel     int    `env:"LOG_LEVEL" envDefault:"0" yaml:"log_level"`
	HTTPAddr     string `env:"HTTP_ADDR" envDefault:":8080" yaml:"http_addr"`
	EmbeddingDim int    `env:"EMBEDDING_DIM" envDefault:"512" yaml:"embedding_dim"`
	DatabaseURL  string `env:"DATABASE_URL" yaml:"database_url"`

	Store    Store    `envPrefix:"STORE_" yaml:"store"`
	Engine   Engine   `envPrefix:"ENGINE_" yaml:"engine"`
	Pipeline Pipeline `envPrefix:"PIPELINE_" yaml:"pipeline"`
	Liveness Liveness `envPrefix:"LIVENESS_" yaml:"liveness"`
	Storage  Storage  `envPrefix:"MINIO_" yaml:"minio"`
	MQTT     MQTT     `envPrefix:"MQTT_" yaml:"mqtt"`
}

// Store selects the durable identity backend.
type Store struct {
	Driver     string `env:"DRIVER" envDefault:"sqlite" yaml:"driver"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"data/facegate.db" yaml:"sqlite_path"`
}

// Engine describes the model subprocess.
type Engine struct {
	Command string        `env:"COMMAND" envDefault:"python3 -u python/engine.py" yaml:"command"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"2s" yaml:"timeout"`
}

// Pipeline contains per-mode thresholds and crop geometry.
type Pipeline struct {
	VerifyTimeout   time.Duration `env:"VERIFY_TIMEOUT" envDefault:"10s" yaml:"verify_timeout"`
	MatchThreshold  float64       `env:"MATCH_THRESHOLD" envDefault:"0.6" yaml:"match_threshold"`
	RegisterHold    time.Duration `env:"REGISTER_HOLD" envDefault:"1s" yaml:"register_hold"`
	StableIoU       float64       `env:"STABLE_IOU" envDefault:"0.7" yaml:"stable_iou"`
	MaxFrontalYaw   float64       `env:"MAX_FRONTAL_YAW" envDefault:"15" yaml:"max_frontal_yaw"`
	MaxFrontalPitch float64       `env:"MAX_FRONTAL_PITCH" envDefault:"15" yaml:"max_frontal_pitch"`
	MinQuality      float64       `env:"MIN_QUALITY" envDefault:"0.5" yaml:"min_quality"`
	MaxExtractYaw   float64       `env:"MAX_EXTRACT_YAW" envDefault:"45" yaml:"max_extract_yaw"`
	CropSize        int           `env:"CROP_SIZE" envDefault:"112" yaml:"crop_size"`
	CropMargin      float64       `env:"CROP_MARGIN" envDefault:"0.2" yaml:"crop_margin"`
}

// Liveness contains challenge parameters.
type Liveness struct {
	Deadline       time.Duration `env:"DEADLINE" envDefault:"10s" yaml:"deadline"`
	Actions        int           `env:"ACTIONS" envDefault:"3" yaml:"actions"`
	TurnAngle      float64       `env:"TURN_ANGLE" envDefault:"20" yaml:"turn_angle"`
	NodAngle       float64       `env:"NOD_ANGLE" envDefault:"15" yaml:"nod_angle"`
	BlinkThreshold float64       `env:"BLINK_THRESHOLD" envDefault:"0.2" yaml:"blink_threshold"`
	SpoofThreshold float64       `env:"SPOOF_THRESHOLD" envDefault:"0.8" yaml:"spoof_threshold"`
	Consistency    float64       `env:"CONSISTENCY" envDefault:"0.5" yaml:"consistency"`
}

// Storage contains object storage parameters. An empty endpoint keeps images in the database.
type Storage struct {
	Endpoint  string `env:"ENDPOINT" yaml:"endpoint"`
	AccessKey string `env:"ACCESS_KEY" yaml:"access_key"`
	SecretKey string `env:"SECRET_KEY" yaml:"secret_key"`
	Bucket    string `env:"BUCKET_NAME" envDefault:"facegate-identities" yaml:"bucket"`
	UseSSL    bool   `env:"USE_SSL" envDefault:"false" yaml:"use_ssl"`
}

// MQTT contains decision relay parameters. An empty broker disables the relay.
type MQTT struct {
	Broker      string        `env:"BROKER" yaml:"broker"`
	ClientID    string        `env:"CLIENT_ID" yaml:"client_id"`
	TopicPrefix string        `env:"TOPIC_PREFIX" envDefault:"facegate" yaml:"topic_prefix"`
	QoS         byte          `env:"QOS" envDefault:"1" yaml:"qos"`
	Timeout     time.Duration `env:"TIMEOUT" envDefault:"5s" yaml:"timeout"`
}

// Load reads the environment and, when path is set, the YAML file at path.
func Load(path string) (*Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the pipeline cannot work with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	switch c.Store.Driver {
	case DriverSQLite:
		check(c.Store.SQLitePath != "", "STORE_SQLITE_PATH is required for the sqlite driver")
	case DriverPostgres:
		check(c.DatabaseURL != "", "DATABASE_URL is required for the postgres driver")
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q (want sqlite, postgres or memory)", c.Store.Driver))
	}

	check(c.EmbeddingDim > 0, "embedding dimension must be positive, got %d", c.EmbeddingDim)
	check(len(c.EngineArgv()) > 0, "engine command is empty")
	check(c.Engine.Timeout > 0, "engine timeout must be positive")

	p := c.Pipeline
	check(p.VerifyTimeout > 0, "verify timeout must be positive")
	check(p.RegisterHold >= 0, "register hold cannot be negative")
	check(p.MatchThreshold >= -1 && p.MatchThreshold <= 1, "match threshold must be within [-1, 1], got %v", p.MatchThreshold)
	check(p.StableIoU >= 0 && p.StableIoU <= 1, "stable IoU must be within [0, 1], got %v", p.StableIoU)
	check(p.CropSize > 0, "crop size must be positive")
	check(p.CropMargin >= 0, "crop margin cannot be negative")

	l := c.Liveness
	check(l.Deadline > 0, "liveness deadline must be positive")
	check(l.Actions >= 1 && l.Actions <= 4, "liveness actions must be between 1 and 4, got %d", l.Actions)

	check(c.MQTT.QoS <= 2, "MQTT QoS must be 0, 1 or 2, got %d", c.MQTT.QoS)

	return errors.Join(errs...)
}

// EngineArgv splits the engine command line on whitespace.
func (c *Config) EngineArgv() []string {
	return strings.Fields(c.Engine.Command)
}

func (c *Config) Aligner() detect.Aligner {
	a := detect.DefaultAligner()
	a.Size = c.Pipeline.CropSize
	a.Margin = c.Pipeline.CropMargin
	a.MaxYaw = c.Pipeline.MaxExtractYaw
	return a
}

func (c *Config) PipelineConfig() pipeline.Config {
	p := c.Pipeline
	l := c.Liveness
	return pipeline.Config{
		VerifyTimeout:   p.VerifyTimeout,
		MatchThreshold:  p.MatchThreshold,
		RegisterHold:    p.RegisterHold,
		StableIoU:       p.StableIoU,
		MaxFrontalYaw:   p.MaxFrontalYaw,
		MaxFrontalPitch: p.MaxFrontalPitch,
		MinQuality:      p.MinQuality,
		Liveness: liveness.Config{
			Actions:        l.Actions,
			Deadline:       l.Deadline,
			TurnAngle:      l.TurnAngle,
			NodAngle:       l.NodAngle,
			BlinkThreshold: l.BlinkThreshold,
			SpoofThreshold: l.SpoofThreshold,
			Consistency:    l.Consistency,
		},
	}
}
