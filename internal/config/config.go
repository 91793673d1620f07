// Package config loads arcaudit settings from flags, ARCAUDIT_* environment variables,
// an optional .env file and an optional YAML config file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/brensch/arcaudit/internal/fetch"
	"github.com/brensch/arcaudit/internal/lightbox"
	"github.com/brensch/arcaudit/internal/optimizer"
)

// EnvPrefix is prepended to every environment variable, e.g. ARCAUDIT_TOKEN.
const EnvPrefix = "ARCAUDIT"

// Environments accepted by --environment.
const (
	Production = "production"
	Sandbox    = "sandbox"
)

// Config holds application settings.
type Config struct {
	Org         string
	Environment string
	Token       string
	Website     string
	// APIBase overrides https://api.<org>.arcpublishing.com, mainly for testing.
	APIBase string

	Rate  float64
	Burst int

	Workers     int
	Candidates  []int
	TrialTasks  int
	TrialBudget time.Duration
	MaxWindow   int
	Retry       fetch.Policy

	ProbeConcurrency int
	ProbeTimeout     time.Duration
	ProbeMaxHops     int
	WebsiteDomain    string
	UserAgent        string

	OutputDir string
	DbPath    string
	CacheDir  string
	LogDir    string
	LogLevel  string
}

// Sandbox reports whether the sandbox environment is selected.
func (c Config) Sandbox() bool { return c.Environment == Sandbox }

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	p := fetch.DefaultPolicy()
	v.SetDefault("environment", Production)
	v.SetDefault("rate", 10.0)
	v.SetDefault("burst", 1)
	v.SetDefault("workers", 10)
	v.SetDefault("candidates", optimizer.DefaultCandidates)
	v.SetDefault("trial_tasks", 2)
	v.SetDefault("trial_budget", 2*time.Minute)
	v.SetDefault("max_window", 10000)
	v.SetDefault("retry.base_delay", p.BaseDelay)
	v.SetDefault("retry.max_delay", p.MaxDelay)
	v.SetDefault("retry.max_retries", p.MaxRetries)
	v.SetDefault("probe.concurrency", 50)
	v.SetDefault("probe.timeout", 10*time.Second)
	v.SetDefault("probe.max_hops", 3)
	v.SetDefault("user_agent", "arcaudit/1.0")
	v.SetDefault("output_dir", "./spreadsheets")
	v.SetDefault("db_path", "./databases/arcaudit_ledger.duckdb")
	v.SetDefault("cache_dir", "./databases")
	v.SetDefault("log_dir", "./logs")
	v.SetDefault("log_level", "info")
}

// NewViper returns a viper instance wired to the environment. A .env file in the working
// directory is loaded first; variables already set in the process win over it.
func NewViper(cfgFile string) (*viper.Viper, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
		}
	}
	return v, nil
}

// FromViper snapshots v into a Config without validating it.
func FromViper(v *viper.Viper) Config {
	return Config{
		Org:         strings.TrimSpace(v.GetString("org")),
		Environment: strings.ToLower(strings.TrimSpace(v.GetString("environment"))),
		Token:       strings.TrimSpace(v.GetString("token")),
		Website:     strings.TrimSpace(v.GetString("website")),
		APIBase:     v.GetString("api_base"),
		Rate:        v.GetFloat64("rate"),
		Burst:       v.GetInt("burst"),
		Workers:     v.GetInt("workers"),
		Candidates:  v.GetIntSlice("candidates"),
		TrialTasks:  v.GetInt("trial_tasks"),
		TrialBudget: v.GetDuration("trial_budget"),
		MaxWindow:   v.GetInt("max_window"),
		Retry: fetch.Policy{
			BaseDelay:  v.GetDuration("retry.base_delay"),
			MaxDelay:   v.GetDuration("retry.max_delay"),
			MaxRetries: v.GetInt("retry.max_retries"),
		},
		ProbeConcurrency: v.GetInt("probe.concurrency"),
		ProbeTimeout:     v.GetDuration("probe.timeout"),
		ProbeMaxHops:     v.GetInt("probe.max_hops"),
		WebsiteDomain:    strings.TrimSpace(v.GetString("website_domain")),
		UserAgent:        v.GetString("user_agent"),
		OutputDir:        v.GetString("output_dir"),
		DbPath:           v.GetString("db_path"),
		CacheDir:         v.GetString("cache_dir"),
		LogDir:           v.GetString("log_dir"),
		LogLevel:         v.GetString("log_level"),
	}
}

// Validate reports every setting that makes a run impossible. needAPI is false for
// commands that never call the platform, such as state and save.
func (c Config) Validate(needAPI bool) error {
	var errs []error
	if needAPI {
		if strings.TrimPrefix(c.Org, "sandbox.") == "" {
			errs = append(errs, errors.New("org is required (--org or ARCAUDIT_ORG)"))
		}
		if c.Token == "" {
			errs = append(errs, errors.New("bearer token is required (--token or ARCAUDIT_TOKEN)"))
		}
	}
	if !slices.Contains([]string{Production, Sandbox}, c.Environment) {
		errs = append(errs, fmt.Errorf("environment must be %q or %q, got %q", Production, Sandbox, c.Environment))
	}
	if c.Rate <= 0 {
		errs = append(errs, fmt.Errorf("rate must be positive, got %v", c.Rate))
	}
	if c.Burst < 1 {
		errs = append(errs, fmt.Errorf("burst must be at least 1, got %d", c.Burst))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.MaxWindow < 1 {
		errs = append(errs, fmt.Errorf("max window must be at least 1, got %d", c.MaxWindow))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries cannot be negative, got %d", c.Retry.MaxRetries))
	}
	if c.DbPath == "" || c.OutputDir == "" {
		errs = append(errs, errors.New("db path and output dir are required"))
	}
	return errors.Join(errs...)
}

// LightboxCachePath is where the lightbox cache for this org and environment lives.
func (c Config) LightboxCachePath() string {
	return filepath.Join(c.CacheDir, lightbox.FileName(strings.TrimPrefix(c.Org, "sandbox."), c.Sandbox()))
}
