// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Uplink License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config loads and validates the uplink agent's YAML
// configuration: one struct tree per concern, a single LoadConfig
// entry point, and defaulting done in validate().
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full uplink agent configuration.
type Config struct {
	Device     DeviceInfo   `yaml:"device"`
	Streams    []StreamSpec `yaml:"streams"`
	FlushPeriod time.Duration `yaml:"flush_period"`
	MaxPacketSize string      `yaml:"max_packet_size"`
	MaxPacketSizeRaw int      `yaml:"-"`

	Persistence PersistenceInfo `yaml:"persistence"`
	MQTT        MQTTInfo        `yaml:"mqtt"`
	Egress      EgressInfo      `yaml:"egress"`
	Ingest      IngestInfo      `yaml:"ingest"`
	Archival    ArchivalInfo    `yaml:"archival"`
	HostStats   HostStatsInfo   `yaml:"hoststats"`
	Logging     LoggingInfo     `yaml:"logging"`
}

// DeviceInfo identifies this device for dynamic topic synthesis and
// MQTT client identity.
type DeviceInfo struct {
	ProjectID string `yaml:"project_id"`
	DeviceID  string `yaml:"device_id"`
}

// StreamSpec is one statically configured stream.
type StreamSpec struct {
	Name    string `yaml:"name"`
	Topic   string `yaml:"topic"`
	BufSize int    `yaml:"buf_size"`
}

// PersistenceInfo configures the on-disk spool.
type PersistenceInfo struct {
	Path             string `yaml:"path"`
	MaxFileSize      string `yaml:"max_file_size"`
	MaxFileSizeRaw   int64  `yaml:"-"`
	MaxFileCount     int    `yaml:"max_file_count"`
	Compress         bool   `yaml:"compress"`
	ParallelGzip     bool   `yaml:"parallel_gzip"`
}

// MQTTInfo configures the broker connection.
type MQTTInfo struct {
	BrokerURL    string    `yaml:"broker_url"`
	ClientID     string    `yaml:"client_id"`
	DSCP         string    `yaml:"dscp"`
	ActionsTopic string    `yaml:"actions_topic"`
	TLS          TLSClient `yaml:"tls"`
}

// TLSClient configures optional mutual-TLS authentication to the
// broker.
type TLSClient struct {
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// EgressInfo configures optional bandwidth throttling of the blocking
// publish path (direct mode, and the stalled and catch-up publishes of
// the spooling modes).
type EgressInfo struct {
	MaxBytesPerSec string `yaml:"max_bytes_per_sec"`
	MaxBytesPerSecRaw int64 `yaml:"-"`
}

// IngestInfo configures the inbound line-delimited JSON listener.
type IngestInfo struct {
	ListenAddr string `yaml:"listen_addr"`
}

// ArchivalInfo configures the S3 cold-archive path for evicted spool
// segments.
type ArchivalInfo struct {
	S3Bucket       string        `yaml:"s3_bucket"`
	S3Region       string        `yaml:"s3_region"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// HostStatsInfo toggles the CPU/mem/disk sampler.
type HostStatsInfo struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingInfo mirrors the logging config.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig reads and validates the YAML configuration at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading uplink config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing uplink config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating uplink config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Device.ProjectID == "" {
		return fmt.Errorf("device.project_id is required")
	}
	if c.Device.DeviceID == "" {
		return fmt.Errorf("device.device_id is required")
	}
	if c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url is required")
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = c.Device.DeviceID
	}

	hasMetrics := false
	for i, s := range c.Streams {
		if s.Name == "" {
			return fmt.Errorf("streams[%d].name is required", i)
		}
		if s.Topic == "" {
			return fmt.Errorf("streams[%d].topic is required", i)
		}
		if s.BufSize <= 0 {
			return fmt.Errorf("streams[%d].buf_size must be positive, got %d", i, s.BufSize)
		}
		if s.Name == "metrics" {
			hasMetrics = true
		}
	}
	if !hasMetrics {
		return fmt.Errorf("streams must include an entry named %q", "metrics")
	}

	if c.FlushPeriod <= 0 {
		c.FlushPeriod = 10 * time.Second
	}

	if c.MaxPacketSize == "" {
		c.MaxPacketSize = "1mb"
	}
	size, err := ParseByteSize(c.MaxPacketSize)
	if err != nil {
		return fmt.Errorf("max_packet_size: %w", err)
	}
	c.MaxPacketSizeRaw = int(size)

	if c.Persistence.Path != "" {
		if c.Persistence.MaxFileSize == "" {
			c.Persistence.MaxFileSize = "16mb"
		}
		fileSize, err := ParseByteSize(c.Persistence.MaxFileSize)
		if err != nil {
			return fmt.Errorf("persistence.max_file_size: %w", err)
		}
		c.Persistence.MaxFileSizeRaw = fileSize
		if c.Persistence.MaxFileCount <= 0 {
			c.Persistence.MaxFileCount = 8
		}
	}

	if c.Egress.MaxBytesPerSec != "" {
		bps, err := ParseByteSize(c.Egress.MaxBytesPerSec)
		if err != nil {
			return fmt.Errorf("egress.max_bytes_per_sec: %w", err)
		}
		c.Egress.MaxBytesPerSecRaw = bps
	}

	if c.Archival.SweepInterval <= 0 {
		c.Archival.SweepInterval = 6 * time.Hour
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}
