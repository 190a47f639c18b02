// Package metrics implements the Metrics Sink collaborator (§1: out of
// scope for Aggregation/Plotting, in scope for the forwarding interface
// itself) plus a minimal default implementation reading an InfluxDB line
// protocol HTTP write endpoint from either a config file or the
// INFLUXDB_{DATABASE,HOST,PORT,USER,PASSWORD} environment variables (§6).
//
// No ecosystem InfluxDB client library appears anywhere in the retrieval
// pack, so the default Sink is a small stdlib net/http client speaking
// line protocol directly; this is a documented stdlib-only exception
// (see DESIGN.md).
package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Sink forwards one telemetry sample to wherever the operator wants
// metrics to land; the Controller calls it once per data_point frame.
type Sink interface {
	Write(measurement string, tags map[string]string, fields map[string]any, at time.Time) error
}

// Config is the minimal InfluxDB write-endpoint configuration (§6),
// loadable from the `--influxdb <PATH>` YAML file or from environment.
type Config struct {
	Database string `yaml:"database"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// LoadConfig reads a Config from a YAML file at path (§6 `--influxdb
// <PATH>`).
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("metrics: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("metrics: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ConfigFromEnv builds a Config from INFLUXDB_* environment variables,
// used when no `--influxdb <PATH>` config file is given.
func ConfigFromEnv() Config {
	return Config{
		Database: os.Getenv("INFLUXDB_DATABASE"),
		Host:     os.Getenv("INFLUXDB_HOST"),
		Port:     os.Getenv("INFLUXDB_PORT"),
		User:     os.Getenv("INFLUXDB_USER"),
		Password: os.Getenv("INFLUXDB_PASSWORD"),
	}
}

// InfluxLineSink writes samples to an InfluxDB v1-compatible `/write`
// endpoint using the line protocol wire format.
type InfluxLineSink struct {
	writeURL string
	user     string
	password string
	client   *http.Client
}

// NewInfluxLineSink builds a Sink from cfg. An empty Host yields a
// disabled sink (NoopSink) rather than erroring, so a run with no metrics
// configuration still completes.
func NewInfluxLineSink(cfg Config) Sink {
	if cfg.Host == "" {
		return NoopSink{}
	}
	port := cfg.Port
	if port == "" {
		port = "8086"
	}
	u := url.URL{
		Scheme: "http",
		Host:   cfg.Host + ":" + port,
		Path:   "/write",
	}
	q := u.Query()
	q.Set("db", cfg.Database)
	u.RawQuery = q.Encode()

	return &InfluxLineSink{
		writeURL: u.String(),
		user:     cfg.User,
		password: cfg.Password,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Write POSTs one line-protocol-encoded sample.
func (s *InfluxLineSink) Write(measurement string, tags map[string]string, fields map[string]any, at time.Time) error {
	line := encodeLine(measurement, tags, fields, at)
	req, err := http.NewRequest(http.MethodPost, s.writeURL, bytes.NewReader([]byte(line)))
	if err != nil {
		return fmt.Errorf("metrics: build request: %w", err)
	}
	if s.user != "" {
		req.SetBasicAuth(s.user, s.password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("metrics: write %q: %w", measurement, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("metrics: write %q: server returned %s", measurement, resp.Status)
	}
	return nil
}

// encodeLine formats one sample as `measurement,tag=v field=v timestamp`,
// the InfluxDB line protocol, with tags and fields sorted for stable
// output in tests.
func encodeLine(measurement string, tags map[string]string, fields map[string]any, at time.Time) string {
	var b strings.Builder
	b.WriteString(measurement)

	tagKeys := sortedKeys(tags)
	for _, k := range tagKeys {
		b.WriteByte(',')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}

	b.WriteByte(' ')
	fieldKeys := sortedAnyKeys(fields)
	for i, k := range fieldKeys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(encodeFieldValue(fields[k]))
	}

	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(at.UnixNano(), 10))
	return b.String()
}

func encodeFieldValue(v any) string {
	switch val := v.(type) {
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.FormatInt(int64(val), 10) + "i"
	case int64:
		return strconv.FormatInt(val, 10) + "i"
	case bool:
		return strconv.FormatBool(val)
	case string:
		return `"` + strings.ReplaceAll(val, `"`, `\"`) + `"`
	default:
		return fmt.Sprintf(`"%v"`, val)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedAnyKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NoopSink discards every sample, used when metrics forwarding is
// disabled.
type NoopSink struct{}

func (NoopSink) Write(string, map[string]string, map[string]any, time.Time) error { return nil }
