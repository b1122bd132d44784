// Package config loads Eluent's per-repo configuration (spec.md §6),
// grounded on the teacher's internal/config: a viper layer for environment
// variable overrides sitting atop defaults and a YAML file, precedence
// env > file > default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the environment variable namespace (ELUENT_REPO_NAME,
// ELUENT_SYNC_LEDGER_BRANCH, etc.), mirroring the teacher's BD_ prefix.
const EnvPrefix = "ELUENT"

// SyncConfig holds the `sync:` block recognized by spec.md §6.
type SyncConfig struct {
	LedgerBranch      string `yaml:"ledger_branch"`
	Remote            string `yaml:"remote"`
	ClaimRetries      int    `yaml:"claim_retries"`
	ClaimTimeoutHours *int   `yaml:"claim_timeout_hours"`
}

// Config is the fully-resolved configuration for one repo.
type Config struct {
	RepoName     string     `yaml:"repo_name"`
	Sync         SyncConfig `yaml:"sync"`
	LogLevel     string     `yaml:"log_level"`
	LogFile      string     `yaml:"log_file"`
	WorktreeRoot string     `yaml:"worktree_root"`
}

// Defaults returns the baseline configuration applied before a file or
// environment overrides are layered on.
func Defaults() Config {
	return Config{
		Sync: SyncConfig{
			Remote:       "origin",
			ClaimRetries: 5,
		},
		LogLevel: "info",
	}
}

// LedgerEnabled reports whether ledger sync is configured for this repo
// (spec.md §6: "presence enables ledger sync").
func (c Config) LedgerEnabled() bool {
	return c.Sync.LedgerBranch != ""
}

// Load reads path (typically `<repo>/.eluent/config.yaml`) if present,
// layering ELUENT_* environment variable overrides on top via viper
// (precedence env > file > default, matching the teacher's config.go).
// A missing file is not an error: Defaults() apply, subject to env
// overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// no file: defaults only, subject to env overrides below.
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("repo_name", cfg.RepoName)
	v.SetDefault("sync.ledger_branch", cfg.Sync.LedgerBranch)
	v.SetDefault("sync.remote", cfg.Sync.Remote)
	v.SetDefault("sync.claim_retries", cfg.Sync.ClaimRetries)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("worktree_root", cfg.WorktreeRoot)

	cfg.RepoName = v.GetString("repo_name")
	cfg.Sync.LedgerBranch = v.GetString("sync.ledger_branch")
	cfg.Sync.Remote = v.GetString("sync.remote")
	cfg.Sync.ClaimRetries = v.GetInt("sync.claim_retries")
	cfg.LogLevel = v.GetString("log_level")
	cfg.LogFile = v.GetString("log_file")
	cfg.WorktreeRoot = v.GetString("worktree_root")

	// ClaimTimeoutHours is a *int (nil = never expire), which doesn't fit
	// viper's zero-value-ambiguous int defaults, so its env override is
	// applied directly.
	envKey := EnvPrefix + "_SYNC_CLAIM_TIMEOUT_HOURS"
	if raw := os.Getenv(envKey); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid %s=%q: %w", envKey, raw, err)
		}
		cfg.Sync.ClaimTimeoutHours = &hours
	}

	return cfg, nil
}
