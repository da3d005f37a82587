// Package config loads and validates the recordstore configuration file.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the whole configuration file.
type Config struct {
	Storage Storage `json:"storage" yaml:"storage"`
	Write   Write   `json:"write" yaml:"write"`
	Lock    Lock    `json:"lock" yaml:"lock"`
	Metrics Metrics `json:"metrics" yaml:"metrics"`
	Log     Log     `json:"log" yaml:"log"`
}

type Storage struct {
	// Backend kind: "postgres" | "sqlite" | "sqlserver"
	Kind     string `json:"kind" yaml:"kind"`
	DSN      string `json:"dsn" yaml:"dsn"`
	MaxConns int    `json:"max_conns" yaml:"max_conns"`
}

type Write struct {
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// ReconcileOnDemand skips schema reconciliation for batches that fit the
	// known schema. A pointer so an explicit false survives defaulting.
	ReconcileOnDemand *bool `json:"reconcile_on_demand" yaml:"reconcile_on_demand"`
}

type Lock struct {
	// "local" | "redis"
	Kind      string   `json:"kind" yaml:"kind"`
	RedisAddr string   `json:"redis_addr" yaml:"redis_addr"`
	TTL       Duration `json:"ttl" yaml:"ttl"`
}

type Metrics struct {
	// "none" | "datadog" | "pushgateway"
	Backend        string   `json:"backend" yaml:"backend"`
	Job            string   `json:"job" yaml:"job"`
	Tags           []string `json:"tags" yaml:"tags"`
	FlushEvery     Duration `json:"flush_every" yaml:"flush_every"`
	PushgatewayURL string   `json:"pushgateway_url" yaml:"pushgateway_url"`
}

type Log struct {
	// "debug" | "info" | "warn" | "error"
	Level       string `json:"level" yaml:"level"`
	Development bool   `json:"development" yaml:"development"`
}

// Duration reads "30s"-style strings from JSON and YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	return d.set(s)
}

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	return d.set(s)
}

func (d *Duration) set(s string) error {
	if strings.TrimSpace(s) == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Defaults.
const (
	DefaultBatchSize = 5000
	DefaultJob       = "recordstore"
)

// Default returns a configuration with every default applied and an
// in-memory SQLite store.
func Default() Config {
	var c Config
	c.Storage.Kind = "sqlite"
	c.Storage.DSN = ":memory:"
	c.applyDefaults()
	return c
}

// Load reads a .json, .yaml or .yml file, expands environment variables in
// the DSN and the Redis address, and applies defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var c Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&c); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&c); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	default:
		return Config{}, fmt.Errorf("config %s: unsupported extension (want .json, .yaml or .yml)", path)
	}
	c.Storage.DSN = os.ExpandEnv(c.Storage.DSN)
	c.Lock.RedisAddr = os.ExpandEnv(c.Lock.RedisAddr)
	c.applyDefaults()
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Write.BatchSize <= 0 {
		c.Write.BatchSize = DefaultBatchSize
	}
	if c.Write.ReconcileOnDemand == nil {
		on := true
		c.Write.ReconcileOnDemand = &on
	}
	if c.Lock.Kind == "" {
		c.Lock.Kind = "local"
	}
	if c.Metrics.Backend == "" {
		c.Metrics.Backend = "none"
	}
	if c.Metrics.Job == "" {
		c.Metrics.Job = DefaultJob
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Severity grades a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate checks the configuration. Warnings do not stop a run.
func (c Config) Validate() []Issue {
	var out []Issue
	add := func(sev Severity, path, format string, a ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, a...)})
	}

	switch c.Storage.Kind {
	case "":
		add(SeverityError, "storage.kind", "is required")
	case "postgres", "sqlite", "sqlserver":
	default:
		add(SeverityError, "storage.kind", "unsupported kind %q (want postgres, sqlite or sqlserver)", c.Storage.Kind)
	}
	if strings.TrimSpace(c.Storage.DSN) == "" {
		add(SeverityError, "storage.dsn", "is required")
	}
	if c.Storage.MaxConns < 0 {
		add(SeverityError, "storage.max_conns", "must not be negative")
	}
	if c.Storage.Kind == "sqlite" && c.Storage.MaxConns > 1 {
		add(SeverityWarning, "storage.max_conns", "sqlite always uses a single connection")
	}

	if c.Write.BatchSize > 100000 {
		add(SeverityWarning, "write.batch_size", "%d is very large; batches are held in memory", c.Write.BatchSize)
	}

	switch c.Lock.Kind {
	case "local":
	case "redis":
		if c.Lock.RedisAddr == "" {
			add(SeverityError, "lock.redis_addr", "is required for the redis lock")
		}
	default:
		add(SeverityError, "lock.kind", "unsupported kind %q (want local or redis)", c.Lock.Kind)
	}
	if c.Lock.TTL.Duration < 0 {
		add(SeverityError, "lock.ttl", "must not be negative")
	}

	switch c.Metrics.Backend {
	case "none", "datadog":
	case "pushgateway":
		if c.Metrics.PushgatewayURL == "" {
			add(SeverityWarning, "metrics.pushgateway_url", "not set; PUSHGATEWAY_URL or http://localhost:9091 is used")
		}
	default:
		add(SeverityError, "metrics.backend", "unsupported backend %q (want none, datadog or pushgateway)", c.Metrics.Backend)
	}
	if c.Metrics.FlushEvery.Duration < 0 {
		add(SeverityError, "metrics.flush_every", "must not be negative")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		add(SeverityError, "log.level", "unsupported level %q", c.Log.Level)
	}
	return out
}
