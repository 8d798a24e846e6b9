// Package config loads the coordinator's YAML configuration, in the same
// nested shape the teacher's producer/consumer config structs use, with
// environment variable overrides for containerized deployment.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// TableProvisioning mirrors the throughput settings Bootstrap passes when
// creating a table that does not yet exist.
type TableProvisioning struct {
	OnDemand      bool  `yaml:"on_demand"`
	ReadCapacity  int64 `yaml:"read_capacity"`
	WriteCapacity int64 `yaml:"write_capacity"`
}

// Config is the full coordinator configuration.
type Config struct {
	AWS struct {
		Region    string `yaml:"region"`
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
	} `yaml:"aws"`

	Stream struct {
		Name string `yaml:"name"`
	} `yaml:"stream"`

	Coordinator struct {
		AppName              string            `yaml:"app_name"`
		LeaseTable           string            `yaml:"lease_table"`
		MemberTable          string            `yaml:"member_table"`
		LeaseDurationSeconds int               `yaml:"lease_duration_seconds"`
		ReportPeriodSeconds  int               `yaml:"report_period_seconds"`
		FetchPeriodSeconds   int               `yaml:"fetch_period_seconds"`
		MemberTTLSeconds     int               `yaml:"member_ttl_seconds"`
		GCPeriodSeconds      int               `yaml:"gc_period_seconds"`
		GraceSeconds         int               `yaml:"grace_seconds"`
		HealthAddr           string            `yaml:"health_addr"`
		WorkerEntrypoint     string            `yaml:"worker_entrypoint"`
		TableProvisioning    TableProvisioning `yaml:"table_provisioning"`
	} `yaml:"coordinator"`

	Logging struct {
		Level   string `yaml:"level"`
		File    string `yaml:"file"`
		MaxSize int    `yaml:"max_size_mb"`
	} `yaml:"logging"`
}

// Load reads a YAML config file and applies environment overrides, the way
// the teacher's consumer/producer loadConfig functions do.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	// Overrides first, so defaults derived from other fields (member_table
	// from lease_table) see the overridden values.
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Coordinator.LeaseDurationSeconds == 0 {
		cfg.Coordinator.LeaseDurationSeconds = 60
	}
	if cfg.Coordinator.ReportPeriodSeconds == 0 {
		cfg.Coordinator.ReportPeriodSeconds = 1
	}
	if cfg.Coordinator.FetchPeriodSeconds == 0 {
		cfg.Coordinator.FetchPeriodSeconds = 5
	}
	if cfg.Coordinator.MemberTTLSeconds == 0 {
		// memberTTL >= 2 x reportPeriod, per the spec's stated assumption; 2.5x for margin.
		cfg.Coordinator.MemberTTLSeconds = int(math.Round(float64(cfg.Coordinator.ReportPeriodSeconds) * 2.5))
	}
	if cfg.Coordinator.GCPeriodSeconds == 0 {
		cfg.Coordinator.GCPeriodSeconds = 60
	}
	if cfg.Coordinator.GraceSeconds == 0 {
		cfg.Coordinator.GraceSeconds = 40
	}
	if cfg.Coordinator.HealthAddr == "" {
		cfg.Coordinator.HealthAddr = ":8080"
	}
	if cfg.Coordinator.MemberTable == "" {
		// A shared table can't serve both record types: lease rows key on
		// shard_id, member rows key on id, and neither is written with a
		// record_type discriminator. Default to a distinct table name so
		// Bootstrap provisions an independently-keyed table for each.
		cfg.Coordinator.MemberTable = cfg.Coordinator.LeaseTable + "-members"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// getEnv returns the environment variable's value or a default, mirroring
// the teacher's getEnv helper in k8s/test/test-consumer/main.go.
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func applyEnvOverrides(cfg *Config) {
	cfg.AWS.Region = getEnv("AWS_REGION", cfg.AWS.Region)
	cfg.AWS.Endpoint = getEnv("AWS_ENDPOINT_URL", cfg.AWS.Endpoint)
	cfg.AWS.AccessKey = getEnv("AWS_ACCESS_KEY_ID", cfg.AWS.AccessKey)
	cfg.AWS.SecretKey = getEnv("AWS_SECRET_ACCESS_KEY", cfg.AWS.SecretKey)
	cfg.Stream.Name = getEnv("STREAM_NAME", cfg.Stream.Name)
	cfg.Coordinator.AppName = getEnv("APP_NAME", cfg.Coordinator.AppName)
	cfg.Coordinator.LeaseTable = getEnv("LEASE_TABLE", cfg.Coordinator.LeaseTable)

	if v := os.Getenv("LEASE_DURATION_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Coordinator.LeaseDurationSeconds = n
		}
	}
}

// LeaseDuration is the configured lease duration as a time.Duration.
func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.Coordinator.LeaseDurationSeconds) * time.Second
}

// ReportPeriod is the Membership Loop's report cadence.
func (c *Config) ReportPeriod() time.Duration {
	return time.Duration(c.Coordinator.ReportPeriodSeconds) * time.Second
}

// FetchPeriod is the Membership Loop's fetch cadence.
func (c *Config) FetchPeriod() time.Duration {
	return time.Duration(c.Coordinator.FetchPeriodSeconds) * time.Second
}

// MemberTTL is how long a cluster-member row stays valid after a report.
func (c *Config) MemberTTL() time.Duration {
	return time.Duration(c.Coordinator.MemberTTLSeconds) * time.Second
}

// GCPeriod is the minimum interval between peer-table GC sweeps.
func (c *Config) GCPeriod() time.Duration {
	return time.Duration(c.Coordinator.GCPeriodSeconds) * time.Second
}

// GraceDuration is the grace period before a stop escalates to a hard kill.
func (c *Config) GraceDuration() time.Duration {
	return time.Duration(c.Coordinator.GraceSeconds) * time.Second
}
