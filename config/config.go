// Package config loads client settings. Load layers, lowest first:
// defaults, an optional YAML file, a .env file in the working directory,
// and the process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	BootstrapServers []string `yaml:"bootstrap_servers"`
	ClientId         string   `yaml:"client_id"`
	Topic            string   `yaml:"topic"`
	// Partitions and ReplicationFactor describe the topic the commands
	// expect; the client does not create topics.
	Partitions           int32  `yaml:"partitions"`
	ReplicationFactor    int16  `yaml:"replication_factor"`
	ConsumerGroup        string `yaml:"consumer_group"`
	AutoOffsetReset      string `yaml:"auto_offset_reset"` // earliest|latest
	ProducerAcks         string `yaml:"producer_acks"`     // none|leader|all
	ProducerRetries      int    `yaml:"producer_retries"`
	RequestRetries       int    `yaml:"request_retries"` // per broker request, 0 for none
	Compression          string `yaml:"compression"`
	LingerMs             int    `yaml:"linger_ms"`
	BatchBytes           int    `yaml:"batch_bytes"`
	AutoCommitIntervalMs int    `yaml:"auto_commit_interval_ms"`
	// OnDecodeError is skip or abort. Empty leaves the choice to the
	// caller.
	OnDecodeError string `yaml:"on_decode_error"`
	LogLevel      string `yaml:"log_level"`
	MetricsAddr   string `yaml:"metrics_addr"`
	OtlpEndpoint  string `yaml:"otlp_endpoint"`
}

func Default() Config {
	return Config{
		BootstrapServers:     []string{"localhost:9092"},
		ClientId:             "kafka-poc",
		Topic:                "test-topic",
		Partitions:           3,
		ReplicationFactor:    1,
		ConsumerGroup:        "test-consumer-group",
		AutoOffsetReset:      "latest",
		ProducerAcks:         "all",
		ProducerRetries:      3,
		RequestRetries:       3,
		Compression:          "none",
		LingerMs:             10,
		BatchBytes:           16384,
		AutoCommitIntervalMs: 1000,
		LogLevel:             "INFO",
	}
}

// EnvFile is read by Load when it exists. Variables already set in the
// environment take precedence over it.
const EnvFile = ".env"

// Load config. path is an optional YAML file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("error parsing config file %s: %w", path, err)
		}
	}
	if _, err := os.Stat(EnvFile); err == nil {
		if err := godotenv.Load(EnvFile); err != nil {
			return cfg, fmt.Errorf("error loading %s: %w", EnvFile, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func setInt[T int | int16 | int32](dst *T, bits int) func(string) error {
	return func(s string) error {
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, bits)
		if err != nil {
			return err
		}
		*dst = T(n)
		return nil
	}
}

func setString(dst *string) func(string) error {
	return func(s string) error {
		*dst = strings.TrimSpace(s)
		return nil
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	knobs := []struct {
		name string
		set  func(string) error
	}{
		{"KAFKA_BOOTSTRAP_SERVERS", func(s string) error {
			c.BootstrapServers = splitList(s)
			return nil
		}},
		{"KAFKA_CLIENT_ID", setString(&c.ClientId)},
		{"KAFKA_TOPIC", setString(&c.Topic)},
		{"KAFKA_PARTITIONS", setInt(&c.Partitions, 32)},
		{"KAFKA_REPLICATION_FACTOR", setInt(&c.ReplicationFactor, 16)},
		{"KAFKA_CONSUMER_GROUP", setString(&c.ConsumerGroup)},
		{"KAFKA_AUTO_OFFSET_RESET", setString(&c.AutoOffsetReset)},
		{"KAFKA_PRODUCER_ACKS", setString(&c.ProducerAcks)},
		{"KAFKA_PRODUCER_RETRIES", setInt(&c.ProducerRetries, 0)},
		{"KAFKA_REQUEST_RETRIES", setInt(&c.RequestRetries, 0)},
		{"KAFKA_COMPRESSION", setString(&c.Compression)},
		{"KAFKA_LINGER_MS", setInt(&c.LingerMs, 0)},
		{"KAFKA_BATCH_BYTES", setInt(&c.BatchBytes, 0)},
		{"KAFKA_AUTO_COMMIT_INTERVAL_MS", setInt(&c.AutoCommitIntervalMs, 0)},
		{"KAFKA_ON_DECODE_ERROR", setString(&c.OnDecodeError)},
		{"LOG_LEVEL", setString(&c.LogLevel)},
		{"METRICS_ADDR", setString(&c.MetricsAddr)},
		{"OTEL_EXPORTER_OTLP_ENDPOINT", setString(&c.OtlpEndpoint)},
	}
	for _, k := range knobs {
		v, ok := lookup(k.name)
		if !ok {
			continue
		}
		if err := k.set(v); err != nil {
			return fmt.Errorf("invalid %s=%q: %w", k.name, v, err)
		}
	}
	return nil
}

func oneOf(name, v string, allowed ...string) error {
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q (expected one of %s)", name, v, strings.Join(allowed, ", "))
}

// Validate returns all problems found, joined.
func (c Config) Validate() error {
	var errs []error
	if len(c.BootstrapServers) == 0 {
		errs = append(errs, errors.New("no bootstrap servers"))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("empty topic"))
	}
	if c.ConsumerGroup == "" {
		errs = append(errs, errors.New("empty consumer group"))
	}
	if c.Partitions <= 0 {
		errs = append(errs, fmt.Errorf("invalid partitions %d", c.Partitions))
	}
	if c.ReplicationFactor <= 0 {
		errs = append(errs, fmt.Errorf("invalid replication factor %d", c.ReplicationFactor))
	}
	if c.ProducerRetries < 0 {
		errs = append(errs, fmt.Errorf("invalid producer retries %d", c.ProducerRetries))
	}
	if c.RequestRetries < 0 {
		errs = append(errs, fmt.Errorf("invalid request retries %d", c.RequestRetries))
	}
	if c.LingerMs < 0 {
		errs = append(errs, fmt.Errorf("invalid linger %dms", c.LingerMs))
	}
	if c.BatchBytes <= 0 {
		errs = append(errs, fmt.Errorf("invalid batch bytes %d", c.BatchBytes))
	}
	if c.AutoCommitIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("invalid auto-commit interval %dms", c.AutoCommitIntervalMs))
	}
	if err := oneOf("offset reset", c.AutoOffsetReset, "earliest", "latest"); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("acks", c.ProducerAcks, "none", "leader", "all", "0", "1", "-1"); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("compression", c.Compression, "none", "gzip", "snappy", "lz4", "zstd"); err != nil {
		errs = append(errs, err)
	}
	if c.OnDecodeError != "" {
		if err := oneOf("decode error policy", c.OnDecodeError, "skip", "abort"); err != nil {
			errs = append(errs, err)
		}
	}
	if err := oneOf("log level", c.LogLevel, "debug", "info", "warn", "error"); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
