// Copyright (c) 2026 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
// Package config loads the modem-status configuration file.
package config

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"text/template"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"modemstatus.dev/hnap/internal/atomicfile"
)

const (
	// DefaultPath is used when neither --config nor EnvPath is set.
	DefaultPath = "/etc/modem-status/config.yaml"
	// EnvPath overrides DefaultPath.
	EnvPath = "MODEM_STATUS_CONFIG"

	DefaultHost          = "192.168.100.1"
	DefaultPort          = 443
	DefaultUsername      = "admin"
	DefaultMetricsListen = ":9464"

	configTemplateName = "config.yaml.tmpl"
)

//go:embed config.yaml.tmpl
var configFS embed.FS

var configTmpl = template.Must(
	template.New(configTemplateName).ParseFS(configFS, configTemplateName),
)

// Path returns the config file location, preferring flag over EnvPath.
func Path(flag string) string {
	if flag != "" {
		return flag
	}

	if env := os.Getenv(EnvPath); env != "" {
		return env
	}

	return DefaultPath
}

// Options are the values substituted into a generated config file.
type Options struct {
	Host          string
	Username      string
	Password      string
	Fingerprint   string
	MetricsListen string
	Port          int
}

// Generate renders a config file from opts, stores it to disk and returns
// the parsed Config.
func Generate(fs afero.Fs, file string, opts Options) (*Config, error) {
	if opts.MetricsListen == "" {
		opts.MetricsListen = DefaultMetricsListen
	}

	var buf bytes.Buffer

	if err := configTmpl.Execute(&buf, opts); err != nil {
		return nil, fmt.Errorf("render config template: %w", err)
	}

	if err := atomicfile.WriteFileWithFs(fs, file, buf.Bytes(), 0o600); err != nil {
		return nil, fmt.Errorf("writing config: %w", err)
	}

	return parse(buf.Bytes())
}

// Load loads config from disk. Keys missing from the file keep their
// default values.
func Load(fs afero.Fs, file string) (*Config, error) {
	data, err := afero.ReadFile(fs, file)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return parse(data)
}

func parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Config represents the set of configuration options of modem-status.
type Config struct {
	Modem         ModemConfig         `yaml:"modem"`
	Client        ClientConfig        `yaml:"client"`
	Observability ObservabilityConfig `yaml:"observability"`
	Exporter      ExporterConfig      `yaml:"exporter"`
}

// ModemConfig locates the device and holds its credentials.
type ModemConfig struct {
	Host     string    `yaml:"host"`
	Username string    `yaml:"username"`
	Password string    `yaml:"password"`
	TLS      TLSConfig `yaml:"tls"`
	Port     int       `yaml:"port"`
}

// TLSConfig holds the optional certificate pin.
type TLSConfig struct {
	Fingerprint string `yaml:"fingerprint"`
}

// ClientConfig tunes request dispatching.
type ClientConfig struct {
	Mode            string          `yaml:"mode"`
	MaxResponseSize ByteSize[int64] `yaml:"max_response_size"`
	Workers         int             `yaml:"workers"`
	MaxRetries      int             `yaml:"max_retries"`
	BaseBackoff     time.Duration   `yaml:"base_backoff"`
	ConnectTimeout  time.Duration   `yaml:"connect_timeout"`
	ReadTimeout     time.Duration   `yaml:"read_timeout"`
	BatchTimeout    time.Duration   `yaml:"batch_timeout"`
	SerialPause     time.Duration   `yaml:"serial_pause"`
	CaptureErrors   bool            `yaml:"capture_errors"`
}

// ObservabilityConfig holds configuration for logging, tracing, metrics,
// and profiling.
type ObservabilityConfig struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Profiling ProfilingConfig `yaml:"profiling"`
}

type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
)

// LoggingConfig holds the configuration for logging.
type LoggingConfig struct {
	// Level defines the minimum logging severity level (debug, info, warn, error).
	Level LogLevel `yaml:"level"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Listen  string `yaml:"listen"`
	Enabled bool   `yaml:"enabled"`
}

// TracingConfig enables span export over OTLP/HTTP.
type TracingConfig struct {
	OTLPHTTPEndpoint string `yaml:"otlp_http_endpoint"`
	Enabled          bool   `yaml:"enabled"`
}

// ProfilingConfig enables or disables runtime profiling.
type ProfilingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ExporterConfig controls the polling loop of serve.
type ExporterConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Modem: ModemConfig{
			Host:     DefaultHost,
			Port:     DefaultPort,
			Username: DefaultUsername,
		},
		Client: ClientConfig{
			Mode:            "concurrent",
			Workers:         2,
			MaxRetries:      3,
			BaseBackoff:     500 * time.Millisecond,
			ConnectTimeout:  3 * time.Second,
			ReadTimeout:     12 * time.Second,
			BatchTimeout:    30 * time.Second,
			SerialPause:     100 * time.Millisecond,
			CaptureErrors:   true,
			MaxResponseSize: ByteSize[int64]{Bytes: 1 << 20, Raw: "1MiB"},
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{Level: InfoLevel},
			Metrics: MetricsConfig{Listen: DefaultMetricsListen},
			Tracing: TracingConfig{OTLPHTTPEndpoint: "localhost:4318"},
		},
		Exporter: ExporterConfig{Interval: time.Minute},
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	if c.Modem.Host == "" {
		errs = append(errs, errors.New("modem.host must be set"))
	}

	if c.Modem.Port < 1 || c.Modem.Port > math.MaxUint16 {
		errs = append(errs, fmt.Errorf("modem.port %d out of range", c.Modem.Port))
	}

	switch c.Client.Mode {
	case "concurrent", "serial":
	default:
		errs = append(errs, fmt.Errorf("client.mode %q must be concurrent or serial", c.Client.Mode))
	}

	if c.Client.Workers < 1 {
		errs = append(errs, fmt.Errorf("client.workers must be positive, got %d", c.Client.Workers))
	}

	if c.Client.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("client.max_retries must not be negative, got %d", c.Client.MaxRetries))
	}

	if c.Exporter.Interval <= 0 {
		errs = append(errs, errors.New("exporter.interval must be positive"))
	}

	return errors.Join(errs...)
}

type Integeric interface {
	~uint16 | ~int64 | ~uint64
}

// ByteSize represents a size in bytes.
// It provides human-readable formatting and YAML serialization.
type ByteSize[T Integeric] struct {
	Bytes T
	Raw   string
}

// String returns the byte size formatted as a human-readable string
// with no spaces (e.g., "1.0MB", "512kB").
func (x ByteSize[T]) String() string {
	return strings.ReplaceAll(humanize.Bytes(uint64(x.Bytes)), " ", "")
}

// UnmarshalYAML parses a human-readable byte size string (e.g., "1MiB",
// "512KB") and sets the value of the receiver.
func (x *ByteSize[T]) UnmarshalYAML(value *yaml.Node) error {
	x.Raw = value.Value

	parsed, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return err
	}

	switch any(x.Bytes).(type) {
	case uint16:
		if parsed > math.MaxUint16 {
			return fmt.Errorf("value %d exceeds uint16 capacity", parsed)
		}
	case int64:
		if parsed > math.MaxInt64 {
			return fmt.Errorf("value %d exceeds int64 capacity", parsed)
		}
	}

	x.Bytes = T(parsed)

	return nil
}
