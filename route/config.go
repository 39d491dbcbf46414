package route

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the unified routemesh configuration file.
type Config struct {
	Signature SignatureConfig `yaml:"signature" json:"signature"`
	Match     MatchConfig     `yaml:"match" json:"match"`
	Grouping  GroupingConfig  `yaml:"grouping" json:"grouping"`
	Consensus ConsensusConfig `yaml:"consensus" json:"consensus"`
	Laps      LapConfig       `yaml:"laps" json:"laps"`
	Pipeline  PipelineConfig  `yaml:"pipeline" json:"pipeline"`
	MQTT      MQTTConfig      `yaml:"mqtt" json:"mqtt"`
	Upstream  UpstreamConfig  `yaml:"upstream" json:"upstream"`
	Geocoder  GeocoderConfig  `yaml:"geocoder" json:"geocoder"`
	Database  string          `yaml:"database" json:"database"` // sqlite path
}

// PipelineConfig holds batching and rate limits for the processing pipeline.
type PipelineConfig struct {
	BatchSize           int     `yaml:"batchSize" json:"batchSize"`
	FetchConcurrency    int     `yaml:"fetchConcurrency" json:"fetchConcurrency"`
	FetchRatePerSecond  float64 `yaml:"fetchRatePerSecond" json:"fetchRatePerSecond"`
	CheckpointCap       int     `yaml:"checkpointCap" json:"checkpointCap"`
	PrefilterGeneration int     `yaml:"prefilterGeneration" json:"prefilterGeneration"`
	YieldMillis         int     `yaml:"yieldMillis" json:"yieldMillis"` // pause between batches
	Enrich              bool    `yaml:"enrich" json:"enrich"`
}

// MQTTConfig holds MQTT connection settings.
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"-"`
}

// UpstreamConfig points at the activity stream provider.
type UpstreamConfig struct {
	BaseURL    string `yaml:"baseUrl" json:"baseUrl"`
	Token      string `yaml:"token,omitempty" json:"-"`
	TimeoutSec int    `yaml:"timeoutSec" json:"timeoutSec"`
	Retries    int    `yaml:"retries" json:"retries"`
}

// GeocoderConfig points at the reverse geocoding service.
type GeocoderConfig struct {
	BaseURL           string  `yaml:"baseUrl" json:"baseUrl"`
	UserAgent         string  `yaml:"userAgent" json:"userAgent"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond" json:"requestsPerSecond"`
	CacheSize         int     `yaml:"cacheSize" json:"cacheSize"`
}

// DefaultPipelineConfig returns the pipeline defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		BatchSize:           20,
		FetchConcurrency:    10,
		FetchRatePerSecond:  5,
		CheckpointCap:       200,
		PrefilterGeneration: 1,
		YieldMillis:         10,
		Enrich:              true,
	}
}

// DefaultConfig returns a configuration with every section at its defaults.
func DefaultConfig() *Config {
	return &Config{
		Signature: DefaultSignatureConfig(),
		Match:     DefaultMatchConfig(),
		Grouping:  DefaultGroupingConfig(),
		Consensus: DefaultConsensusConfig(),
		Laps:      DefaultLapConfig(),
		Pipeline:  DefaultPipelineConfig(),
		MQTT: MQTTConfig{
			PublishPrefix: "routemesh",
			ClientID:      "routemesh",
		},
		Upstream: UpstreamConfig{
			TimeoutSec: 30,
			Retries:    3,
		},
		Geocoder: GeocoderConfig{
			BaseURL:           "https://nominatim.openstreetmap.org",
			UserAgent:         "routemesh",
			RequestsPerSecond: 1,
			CacheSize:         512,
		},
		Database: "routemesh.db",
	}
}

// LoadConfig reads a YAML configuration file. Sections absent from the file
// keep their defaults and a missing file yields DefaultConfig. Secrets from
// the environment override the file.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parsing config YAML: %w", err)
		}
	}

	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnv overrides connection settings from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("MQTT_PUBLISH_PREFIX"); v != "" {
		c.MQTT.PublishPrefix = v
	}
	if v := os.Getenv("ROUTEMESH_UPSTREAM_URL"); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := os.Getenv("ROUTEMESH_UPSTREAM_TOKEN"); v != "" {
		c.Upstream.Token = v
	}
}

// Validate checks the thresholds for values that would break matching.
func (c *Config) Validate() error {
	if c.Match.DistanceThreshold <= 0 {
		return fmt.Errorf("match.distanceThreshold must be positive")
	}
	if c.Match.MaxPointDistance < c.Match.DistanceThreshold {
		return fmt.Errorf("match.maxPointDistance (%.0f) must be at least match.distanceThreshold (%.0f)",
			c.Match.MaxPointDistance, c.Match.DistanceThreshold)
	}
	if c.Grouping.MinGroupPercentage < c.Match.MinMatchPercentage {
		return fmt.Errorf("grouping.minGroupPercentage must not be below match.minMatchPercentage")
	}
	if c.Consensus.Quorum <= 0 || c.Consensus.Quorum > 1 {
		return fmt.Errorf("consensus.quorum must be in (0, 1]")
	}
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batchSize must be positive")
	}
	return nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
