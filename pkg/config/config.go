// Package config loads the host daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/btcore/internal/bt"
	"gopkg.in/yaml.v3"
)

// Backends of the settings holder and the message bus.
const (
	SettingsMemory = "memory"
	SettingsSQLite = "sqlite"
	BusConsole     = "console"
	BusMQTT        = "mqtt"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds application configuration
type Config struct {
	LogLevel  string          `yaml:"log_level" default:"info"`
	Device    DeviceConfig    `yaml:"device"`
	Worker    WorkerConfig    `yaml:"worker"`
	Profiles  ProfilesConfig  `yaml:"profiles"`
	Settings  SettingsConfig  `yaml:"settings"`
	Bus       BusConfig       `yaml:"bus"`
	Transport TransportConfig `yaml:"transport"`
}

// DeviceConfig is the local GAP identity.
type DeviceConfig struct {
	Name            string        `yaml:"name" default:"PurePhone"`
	ClassOfDevice   uint32        `yaml:"class_of_device" default:"2098184"`
	InquiryDuration time.Duration `yaml:"inquiry_duration" default:"5s"`
}

type WorkerConfig struct {
	CommandQueueSize int           `yaml:"command_queue_size" default:"32"`
	IOQueueSize      int           `yaml:"io_queue_size" default:"64"`
	WakePeriod       time.Duration `yaml:"wake_period" default:"1s"`
}

type ProfilesConfig struct {
	Enabled []bt.ProfileKind `yaml:"enabled"`
	// Call selects the engine for calls; none picks the first call profile
	// in Enabled.
	Call             bt.ProfileKind `yaml:"call"`
	Codecs           string         `yaml:"codecs" default:"cvsd"`
	MediaPeriod      time.Duration  `yaml:"media_period" default:"10ms"`
	MediaStorageSize int            `yaml:"media_storage_size" default:"1030"`
}

type SettingsConfig struct {
	Backend string `yaml:"backend" default:"memory"`
	Path    string `yaml:"path" default:"btcore.db"`
}

type BusConfig struct {
	Backend  string `yaml:"backend" default:"console"`
	Broker   string `yaml:"broker" default:"tcp://127.0.0.1:1883"`
	ClientID string `yaml:"client_id" default:"btcore"`
	Prefix   string `yaml:"prefix" default:"btcore"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos" default:"1"`
}

// TransportConfig enables the pseudo-terminal HCI UART.
type TransportConfig struct {
	Pty      bool `yaml:"pty"`
	ReadCap  int  `yaml:"read_cap" default:"4096"`
	WriteCap int  `yaml:"write_cap" default:"4096"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.Profiles.Enabled = []bt.ProfileKind{bt.ProfileA2DP, bt.ProfileHFP}
	return cfg
}

// Load reads a YAML file over the defaults, applies BTCORE_* environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BTCORE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BTCORE_SETTINGS_PATH"); v != "" {
		cfg.Settings.Path = v
	}
	if v := os.Getenv("BTCORE_MQTT_BROKER"); v != "" {
		cfg.Bus.Broker = v
	}
	if v := os.Getenv("BTCORE_MQTT_PASSWORD"); v != "" {
		cfg.Bus.Password = v
	}
}

// Validate reports every configuration error at once.
func (c *Config) Validate() error {
	var errs []string

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Sprintf("log_level: %v", err))
	}
	if strings.TrimSpace(c.Device.Name) == "" {
		errs = append(errs, "device.name is required")
	}
	if c.Worker.CommandQueueSize < 1 || c.Worker.IOQueueSize < 1 {
		errs = append(errs, "worker queue sizes must be positive")
	}
	if len(c.Profiles.Enabled) == 0 {
		errs = append(errs, "profiles.enabled must name at least one profile")
	}
	if slices.Contains(c.Profiles.Enabled, bt.ProfileNone) {
		errs = append(errs, "profiles.enabled must not contain none")
	}
	if c.Profiles.Call != bt.ProfileNone {
		if !c.Profiles.Call.IsCall() || !slices.Contains(c.Profiles.Enabled, c.Profiles.Call) {
			errs = append(errs, "profiles.call must be an enabled call profile")
		}
	}
	if _, err := bt.ParseCodecSet(c.Profiles.Codecs); err != nil {
		errs = append(errs, fmt.Sprintf("profiles.codecs: %v", err))
	}
	switch c.Settings.Backend {
	case SettingsMemory:
	case SettingsSQLite:
		if c.Settings.Path == "" {
			errs = append(errs, "settings.path is required for sqlite")
		}
	default:
		errs = append(errs, fmt.Sprintf("settings.backend %q is not memory or sqlite", c.Settings.Backend))
	}
	switch c.Bus.Backend {
	case BusConsole:
	case BusMQTT:
		if c.Bus.Broker == "" {
			errs = append(errs, "bus.broker is required for mqtt")
		}
		if c.Bus.QoS > 2 {
			errs = append(errs, "bus.qos must be 0, 1, or 2")
		}
	default:
		errs = append(errs, fmt.Sprintf("bus.backend %q is not console or mqtt", c.Bus.Backend))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// CodecSet returns the parsed HFP codec set.
func (c *Config) CodecSet() bt.CodecSet {
	set, _ := bt.ParseCodecSet(c.Profiles.Codecs)
	return set
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
