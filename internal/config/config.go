// Package config loads service settings from an optional YAML file and
// lets environment variables override individual fields.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nocturne/demo-engine/internal/scenario"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the on-disk configuration shape (YAML).
type Config struct {
	Port        string        `yaml:"port"`
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	Demo        DemoConfig    `yaml:"demo"`
}

// DemoConfig controls the generator and the simulated patient.
type DemoConfig struct {
	Enabled         bool  `yaml:"enabled"`
	IntervalMinutes int   `yaml:"interval_minutes"`
	HistoryDays     int   `yaml:"history_days"`
	BatchSize       int   `yaml:"batch_size"`
	Seed            int64 `yaml:"seed"` // 0 picks a seed from the clock

	BasalRate            float64 `yaml:"basal_rate"`
	CarbRatio            float64 `yaml:"carb_ratio"`
	ISF                  float64 `yaml:"isf"`
	TargetGlucose        float64 `yaml:"target_glucose"`
	MinGlucose           float64 `yaml:"min_glucose"`
	MaxGlucose           float64 `yaml:"max_glucose"`
	InsulinDurationHours float64 `yaml:"insulin_duration_hours"`
	InsulinPeakMinutes   float64 `yaml:"insulin_peak_minutes"`
	CarbAbsorptionHours  float64 `yaml:"carb_absorption_hours"`
	AutosensMin          float64 `yaml:"autosens_min"`
	AutosensMax          float64 `yaml:"autosens_max"`
}

// Default returns the settings used when no file is given.
func Default() *Config {
	b := scenario.DefaultBaseline()
	return &Config{
		Port:     "8080",
		CacheTTL: 30 * time.Second,
		Demo: DemoConfig{
			Enabled:              true,
			IntervalMinutes:      5,
			HistoryDays:          90,
			BatchSize:            2000,
			BasalRate:            b.BasalRate,
			CarbRatio:            b.CarbRatio,
			ISF:                  b.ISF,
			TargetGlucose:        b.TargetGlucose,
			MinGlucose:           b.MinGlucose,
			MaxGlucose:           b.MaxGlucose,
			InsulinDurationHours: b.InsulinDurationHours,
			InsulinPeakMinutes:   b.InsulinPeakMinutes,
			CarbAbsorptionHours:  b.CarbAbsorptionHours,
			AutosensMin:          b.AutosensMin,
			AutosensMax:          b.AutosensMax,
		},
	}
}

// FromEnv loads the file named by DEMO_CONFIG (if any), applies
// environment overrides and validates the result.
func FromEnv() (*Config, error) {
	return Load(os.Getenv("DEMO_CONFIG"), os.Getenv)
}

// Load reads path over the defaults, applies overrides from getenv and
// validates. An empty path skips the file.
func Load(path string, getenv func(string) string) (*Config, error) {
	c, err := LoadUnchecked(path)
	if err != nil {
		return nil, err
	}
	if getenv != nil {
		if err := c.ApplyEnv(getenv); err != nil {
			return nil, err
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadUnchecked loads the file over the defaults but does not validate it.
func LoadUnchecked(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}

// ApplyEnv overlays the non-empty variables returned by getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	var errs []error
	parse := func(name string, set func(string) error) {
		if v := getenv(name); v != "" {
			if err := set(v); err != nil {
				errs = append(errs, fmt.Errorf("%w: %s=%q: %v", ErrInvalid, name, v, err))
			}
		}
	}
	float := func(dst *float64) func(string) error {
		return func(v string) (err error) {
			*dst, err = strconv.ParseFloat(v, 64)
			return err
		}
	}
	integer := func(dst *int) func(string) error {
		return func(v string) (err error) {
			*dst, err = strconv.Atoi(v)
			return err
		}
	}

	str("PORT", &c.Port)
	str("DATABASE_URL", &c.DatabaseURL)
	str("REDIS_URL", &c.RedisURL)
	parse("CACHE_TTL", func(v string) (err error) {
		c.CacheTTL, err = time.ParseDuration(v)
		return err
	})

	d := &c.Demo
	parse("DEMO_ENABLED", func(v string) (err error) {
		d.Enabled, err = strconv.ParseBool(v)
		return err
	})
	parse("DEMO_INTERVAL_MINUTES", integer(&d.IntervalMinutes))
	parse("DEMO_HISTORY_DAYS", integer(&d.HistoryDays))
	parse("DEMO_BATCH_SIZE", integer(&d.BatchSize))
	parse("DEMO_SEED", func(v string) (err error) {
		d.Seed, err = strconv.ParseInt(v, 10, 64)
		return err
	})
	parse("DEMO_BASAL_RATE", float(&d.BasalRate))
	parse("DEMO_CARB_RATIO", float(&d.CarbRatio))
	parse("DEMO_ISF", float(&d.ISF))
	parse("DEMO_TARGET_GLUCOSE", float(&d.TargetGlucose))
	parse("DEMO_MIN_GLUCOSE", float(&d.MinGlucose))
	parse("DEMO_MAX_GLUCOSE", float(&d.MaxGlucose))
	parse("DEMO_INSULIN_DURATION_HOURS", float(&d.InsulinDurationHours))
	parse("DEMO_INSULIN_PEAK_MINUTES", float(&d.InsulinPeakMinutes))
	parse("DEMO_CARB_ABSORPTION_HOURS", float(&d.CarbAbsorptionHours))
	parse("DEMO_AUTOSENS_MIN", float(&d.AutosensMin))
	parse("DEMO_AUTOSENS_MAX", float(&d.AutosensMax))

	return errors.Join(errs...)
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.Port != "", "port is required")
	check(c.CacheTTL >= 0, "cache_ttl must not be negative")

	d := c.Demo
	check(d.IntervalMinutes >= 1 && d.IntervalMinutes <= 60, "demo.interval_minutes must be 1–60, got %d", d.IntervalMinutes)
	check(d.HistoryDays >= 0 && d.HistoryDays <= 365, "demo.history_days must be 0–365, got %d", d.HistoryDays)
	check(d.BatchSize >= 100 && d.BatchSize <= 50000, "demo.batch_size must be 100–50000, got %d", d.BatchSize)
	check(d.BasalRate > 0 && d.BasalRate <= 10, "demo.basal_rate must be in (0, 10] U/h, got %v", d.BasalRate)
	check(d.CarbRatio >= 2 && d.CarbRatio <= 50, "demo.carb_ratio must be 2–50 g/U, got %v", d.CarbRatio)
	check(d.ISF >= 10 && d.ISF <= 400, "demo.isf must be 10–400 mg/dL/U, got %v", d.ISF)
	check(d.MinGlucose >= 20 && d.MinGlucose < d.MaxGlucose, "demo.min_glucose must be ≥ 20 and below max_glucose")
	check(d.MaxGlucose <= 600, "demo.max_glucose must be ≤ 600, got %v", d.MaxGlucose)
	check(d.TargetGlucose > d.MinGlucose && d.TargetGlucose < d.MaxGlucose,
		"demo.target_glucose %v must lie between min and max glucose", d.TargetGlucose)
	check(d.InsulinDurationHours >= 3 && d.InsulinDurationHours <= 8,
		"demo.insulin_duration_hours must be 3–8, got %v", d.InsulinDurationHours)
	check(d.InsulinPeakMinutes >= 35 && d.InsulinPeakMinutes <= 120,
		"demo.insulin_peak_minutes must be 35–120, got %v", d.InsulinPeakMinutes)
	check(d.CarbAbsorptionHours >= 1 && d.CarbAbsorptionHours <= 8,
		"demo.carb_absorption_hours must be 1–8, got %v", d.CarbAbsorptionHours)
	check(d.AutosensMin > 0 && d.AutosensMin <= 1, "demo.autosens_min must be in (0, 1], got %v", d.AutosensMin)
	check(d.AutosensMax >= 1 && d.AutosensMax <= 3, "demo.autosens_max must be 1–3, got %v", d.AutosensMax)

	return errors.Join(errs...)
}

// Baseline converts the patient settings for the scenario generator.
func (d DemoConfig) Baseline() scenario.Baseline {
	return scenario.Baseline{
		BasalRate:            d.BasalRate,
		CarbRatio:            d.CarbRatio,
		ISF:                  d.ISF,
		TargetGlucose:        d.TargetGlucose,
		MinGlucose:           d.MinGlucose,
		MaxGlucose:           d.MaxGlucose,
		InsulinDurationHours: d.InsulinDurationHours,
		InsulinPeakMinutes:   d.InsulinPeakMinutes,
		CarbAbsorptionHours:  d.CarbAbsorptionHours,
		AutosensMin:          d.AutosensMin,
		AutosensMax:          d.AutosensMax,
	}
}

// Interval returns the live-mode tick period.
func (d DemoConfig) Interval() time.Duration {
	return time.Duration(d.IntervalMinutes) * time.Minute
}
