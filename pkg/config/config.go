package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/obdble/internal/device"
	"github.com/srg/obdble/internal/driver"
	"github.com/srg/obdble/internal/elm327"
	"github.com/srg/obdble/internal/obd"
	"github.com/srg/obdble/internal/vendor"
)

// VendorConfig describes an extra adapter layout: one service with a notify
// characteristic for responses and a writable one for commands.
type VendorConfig struct {
	Name    string `yaml:"name"`
	Service string `yaml:"service"`
	Read    string `yaml:"read"`
	Write   string `yaml:"write"`
	// NotOBD marks a device that is claimed but never handshaken.
	NotOBD bool `yaml:"not_obd"`
}

// Config holds application configuration
type Config struct {
	LogLevel     string `yaml:"log_level" default:"info"`
	OutputFormat string `yaml:"output_format" default:"table"`

	RSSIMin           int           `yaml:"rssi_min" default:"-90"`
	RSSIMax           int           `yaml:"rssi_max" default:"-20"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" default:"30s"`
	CommandTimeout    time.Duration `yaml:"command_timeout" default:"10s"`
	MinFirmware       string        `yaml:"min_firmware" default:"1.5"`
	ReconnectPolicy   string        `yaml:"reconnect_policy" default:"resume"`
	ScanServiceFilter bool          `yaml:"scan_service_filter"`

	// Vendors restricts classification to the named built-in vendors.
	Vendors       []string       `yaml:"vendors"`
	CustomVendors []VendorConfig `yaml:"custom_vendors"`

	// CapturePath, when set, records all adapter traffic to a CBOR file.
	CapturePath string `yaml:"capture_path"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	c := &Config{}
	defaults.SetDefaults(c)
	return c
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	c := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.OutputFormat {
	case "table", "json":
	default:
		errs = append(errs, fmt.Errorf("output_format: %q is not table or json", c.OutputFormat))
	}
	if c.RSSIMin > c.RSSIMax {
		errs = append(errs, fmt.Errorf("rssi_min %d is above rssi_max %d", c.RSSIMin, c.RSSIMax))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("connect_timeout must be positive"))
	}
	if c.CommandTimeout <= 0 {
		errs = append(errs, errors.New("command_timeout must be positive"))
	}
	if !elm327.ValidVersion(c.MinFirmware) {
		errs = append(errs, fmt.Errorf("min_firmware: %q is not a version", c.MinFirmware))
	}
	if _, err := elm327.ParsePolicy(c.ReconnectPolicy); err != nil {
		errs = append(errs, fmt.Errorf("reconnect_policy: %w", err))
	}
	for i, v := range c.CustomVendors {
		if v.Name == "" || v.Service == "" || v.Read == "" || v.Write == "" {
			errs = append(errs, fmt.Errorf("custom_vendors[%d]: name, service, read and write are required", i))
		}
	}
	return errors.Join(errs...)
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// Registry builds the vendor registry: built-ins, restricted to Vendors when
// set, followed by the custom vendors in file order.
func (c *Config) Registry(logger *logrus.Logger) (*vendor.Registry, error) {
	r := vendor.Default(logger)
	if err := r.Restrict(c.Vendors); err != nil {
		return nil, err
	}
	for _, v := range c.CustomVendors {
		m := &vendor.ServiceMatcher{
			VendorName: v.Name,
			Tag:        device.Type(strings.ToLower(v.Name)),
			Service:    v.Service,
			ReadChar:   v.Read,
			WriteChar:  v.Write,
			IsOBD:      !v.NotOBD,
		}
		if err := r.Register(m); err != nil {
			return nil, fmt.Errorf("custom vendor %q: %w", v.Name, err)
		}
	}
	return r, nil
}

// DriverConfig maps the configuration onto driver settings.
func (c *Config) DriverConfig(logger *logrus.Logger, observer obd.Observer) driver.Config {
	policy, _ := elm327.ParsePolicy(c.ReconnectPolicy)
	return driver.Config{
		MinRSSI:           c.RSSIMin,
		MaxRSSI:           c.RSSIMax,
		CommandTimeout:    c.CommandTimeout,
		MinFirmware:       c.MinFirmware,
		Policy:            policy,
		ScanServiceFilter: c.ScanServiceFilter,
		Logger:            logger,
		Observer:          observer,
	}
}
