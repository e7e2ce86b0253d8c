// Package config loads and validates the mountd YAML configuration.
// Validation is fail-fast: a config that loads is a config the daemon
// can run with, and required fields have no silent defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rotse3/schier_interface/mount"
	"github.com/rotse3/schier_interface/pointing"
	"github.com/rotse3/schier_interface/schier"
	"github.com/rotse3/schier_interface/supervisor"
)

type Config struct {
	Serial    SerialConfig    `yaml:"serial"`
	Site      SiteConfig      `yaml:"site"`
	Mount     MountConfig     `yaml:"mount"`
	Enclosure EnclosureConfig `yaml:"enclosure"`
	Listen    ListenConfig    `yaml:"listen"`
}

type SerialConfig struct {
	Port string `yaml:"port"`
	// Baud defaults to 9600, the controller's fixed rate.
	Baud      int `yaml:"baud"`
	TimeoutMs int `yaml:"timeout_ms"`
	Retries   int `yaml:"retries"`
}

type SiteConfig struct {
	LatitudeDeg  float64 `yaml:"latitude_deg"`
	LongitudeDeg float64 `yaml:"longitude_deg"`
	HeightM      float64 `yaml:"height_m"`
}

type MountConfig struct {
	Limits LimitsConfig          `yaml:"limits"`
	Modes  map[string]ModeConfig `yaml:"modes"`

	SoftLimitMarginSteps      float64 `yaml:"soft_limit_margin_steps"`
	TrackingSafetyMarginSteps float64 `yaml:"tracking_safety_margin_steps"`
	PositionToleranceSteps    float64 `yaml:"position_tolerance_steps"`

	PollIntervalMs   int `yaml:"poll_interval_ms"`
	SafetyIntervalMs int `yaml:"safety_interval_ms"`
	SlewTimeoutS     int `yaml:"slew_timeout_s"`
	HomingTimeoutS   int `yaml:"homing_timeout_s"`
}

type LimitsConfig struct {
	HANegative  float64 `yaml:"ha_negative"`
	HAPositive  float64 `yaml:"ha_positive"`
	DecNegative float64 `yaml:"dec_negative"`
	DecPositive float64 `yaml:"dec_positive"`

	HAStepsPerDegree  float64 `yaml:"ha_steps_per_degree"`
	DecStepsPerDegree float64 `yaml:"dec_steps_per_degree"`
}

type ModeConfig struct {
	Velocity     int64 `yaml:"velocity"`
	Acceleration int64 `yaml:"acceleration"`
}

type EnclosureConfig struct {
	// Either a local serial port or a proxy URL; empty disables the
	// enclosure interlock entirely.
	Port     string `yaml:"port"`
	Baud     int    `yaml:"baud"`
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

type ListenConfig struct {
	HTTP    string `yaml:"http"`
	Control string `yaml:"control"`
}

// Load reads, strictly decodes, and validates a config file. Unknown
// keys are errors; a typo must not silently disable a safety margin.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = 9600
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks correctness. It does not mutate the config.
func (c *Config) Validate() error {
	if c.Serial.Port == "" {
		return fmt.Errorf("serial.port is required")
	}
	if c.Serial.Baud < 0 || c.Serial.TimeoutMs < 0 || c.Serial.Retries < 0 {
		return fmt.Errorf("serial: negative values")
	}
	if c.Site.LatitudeDeg < -90 || c.Site.LatitudeDeg > 90 {
		return fmt.Errorf("site.latitude_deg %v out of range", c.Site.LatitudeDeg)
	}
	if c.Site.LongitudeDeg < -180 || c.Site.LongitudeDeg > 360 {
		return fmt.Errorf("site.longitude_deg %v out of range", c.Site.LongitudeDeg)
	}
	if err := c.CalibrationLimits().Validate(); err != nil {
		return fmt.Errorf("mount.limits: %w", err)
	}
	if _, ok := c.Mount.Modes["normal"]; !ok {
		return fmt.Errorf("mount.modes must define %q", "normal")
	}
	for name, m := range c.Mount.Modes {
		if m.Velocity <= 0 || m.Acceleration <= 0 {
			return fmt.Errorf("mount.modes[%q]: velocity and acceleration must be positive", name)
		}
	}
	if c.Mount.SoftLimitMarginSteps < 0 || c.Mount.TrackingSafetyMarginSteps < 0 || c.Mount.PositionToleranceSteps < 0 {
		return fmt.Errorf("mount: negative margin or tolerance")
	}
	if c.Enclosure.Port != "" && c.Enclosure.URL != "" {
		return fmt.Errorf("enclosure: port and url are mutually exclusive")
	}
	return nil
}

// CalibrationLimits builds the mount calibration from the limits block
// and the site latitude.
func (c *Config) CalibrationLimits() mount.CalibrationLimits {
	return mount.CalibrationLimits{
		HANegative:        c.Mount.Limits.HANegative,
		HAPositive:        c.Mount.Limits.HAPositive,
		DecNegative:       c.Mount.Limits.DecNegative,
		DecPositive:       c.Mount.Limits.DecPositive,
		HAStepsPerDegree:  c.Mount.Limits.HAStepsPerDegree,
		DecStepsPerDegree: c.Mount.Limits.DecStepsPerDegree,
		LatitudeDeg:       c.Site.LatitudeDeg,
	}
}

// SchierConfig builds the transport configuration.
func (c *Config) SchierConfig() schier.Config {
	return schier.Config{
		Timeout: time.Duration(c.Serial.TimeoutMs) * time.Millisecond,
		Retries: c.Serial.Retries,
	}
}

// SupervisorConfig builds the supervisor configuration. Zero fields fall
// back to the supervisor's defaults.
func (c *Config) SupervisorConfig() supervisor.Config {
	modes := make(map[string]supervisor.ModeParams, len(c.Mount.Modes))
	for name, m := range c.Mount.Modes {
		modes[name] = supervisor.ModeParams{Velocity: m.Velocity, Acceleration: m.Acceleration}
	}
	return supervisor.Config{
		Limits: c.CalibrationLimits(),
		Modes:  modes,

		SoftLimitMarginSteps:      c.Mount.SoftLimitMarginSteps,
		TrackingSafetyMarginSteps: c.Mount.TrackingSafetyMarginSteps,
		PositionToleranceSteps:    c.Mount.PositionToleranceSteps,

		PollInterval:   time.Duration(c.Mount.PollIntervalMs) * time.Millisecond,
		SafetyInterval: time.Duration(c.Mount.SafetyIntervalMs) * time.Millisecond,
		SlewTimeout:    time.Duration(c.Mount.SlewTimeoutS) * time.Second,
		HomingTimeout:  time.Duration(c.Mount.HomingTimeoutS) * time.Second,
	}
}

// PointingSite builds the observing site for catalog reductions.
func (c *Config) PointingSite() pointing.Site {
	return pointing.Site{
		LatitudeDeg:  c.Site.LatitudeDeg,
		LongitudeDeg: c.Site.LongitudeDeg,
		HeightM:      c.Site.HeightM,
	}
}
