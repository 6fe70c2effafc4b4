// Package config loads updater settings from YAML with built-in defaults.
package config

import (
	_ "embed"
	stdErrors "errors"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	apperrors "relupd/internal/errors"
)

// FileName is the config file looked up in the install root.
const FileName = "relupd.yaml"

//go:embed defaults.yaml
var embeddedDefaults []byte

// Config holds every tunable of an update run.
type Config struct {
	IndexURL     string `yaml:"index_url"`
	VersionFile  string `yaml:"version_file"`
	UserAgent    string `yaml:"user_agent"`
	AssetPattern string `yaml:"asset_pattern"`

	// Timeout bounds a whole run; zero means no deadline.
	Timeout        time.Duration `yaml:"timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// IndexTimeout and DownloadTimeout cap a whole request including its
	// body. They are pointers so an explicit zero, meaning no cap, overrides
	// a default.
	IndexTimeout     *time.Duration `yaml:"index_timeout"`
	DownloadTimeout  *time.Duration `yaml:"download_timeout"`
	DeleteRetries    int            `yaml:"delete_retries"`
	DeleteBackoff    time.Duration  `yaml:"delete_backoff"`
	SettleDelay      *time.Duration `yaml:"settle_delay"`
	ChunkSize        int            `yaml:"chunk_size"`
	ProgressInterval time.Duration  `yaml:"progress_interval"`
	KeepArchive      bool           `yaml:"keep_archive"`

	HistoryDB string `yaml:"history_db"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Token is only taken from the environment.
	Token string `yaml:"-"`
}

// Defaults returns the embedded default configuration.
func Defaults() (*Config, error) {
	return decodeConfig(embeddedDefaults)
}

// ParseConfig decodes configuration data from bytes.
func ParseConfig(data []byte) (*Config, error) {
	if len(data) == 0 {
		return &Config{}, nil
	}
	return decodeConfig(data)
}

// LoadFile reads a configuration file from disk.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file: %s", path)
	}
	return ParseConfig(data)
}

// Load builds the effective configuration for an install root: embedded
// defaults, then the config file, then environment overrides. With an empty
// path the root's relupd.yaml is used when present.
func Load(root, path string, getenv func(string) string) (*Config, error) {
	base, err := Defaults()
	if err != nil {
		return nil, invalid("embedded defaults are invalid", err)
	}

	explicit := path != ""
	if !explicit {
		path = filepath.Join(root, FileName)
	}

	var fileCfg *Config
	if _, statErr := os.Stat(path); statErr == nil {
		fileCfg, err = LoadFile(path)
		if err != nil {
			return nil, invalid("failed to load config file", err).WithField("path", path)
		}
	} else if explicit || !stdErrors.Is(statErr, os.ErrNotExist) {
		return nil, invalid("config file is not readable", statErr).WithField("path", path)
	}

	merged, err := MergeConfigs(base, fileCfg)
	if err != nil {
		return nil, invalid("failed to merge configuration", err)
	}
	ApplyEnv(merged, getenv)

	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}

// ApplyEnv overlays RELUPD_INDEX_URL and the token variables.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv("RELUPD_INDEX_URL")); v != "" {
		cfg.IndexURL = v
	}
	for _, key := range []string{"RELUPD_TOKEN", "GITHUB_TOKEN"} {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			cfg.Token = v
			break
		}
	}
}

// MergeConfigs merges configurations, later non-zero values overriding
// earlier ones.
func MergeConfigs(cfgs ...*Config) (*Config, error) {
	if len(cfgs) == 0 {
		return nil, errors.New("no configurations provided")
	}

	var result Config
	for i, cfg := range cfgs {
		if cfg == nil {
			continue
		}
		if i == 0 {
			result = *cfg
			continue
		}

		overrideString(&result.IndexURL, cfg.IndexURL)
		overrideString(&result.VersionFile, cfg.VersionFile)
		overrideString(&result.UserAgent, cfg.UserAgent)
		overrideString(&result.AssetPattern, cfg.AssetPattern)
		overrideString(&result.HistoryDB, cfg.HistoryDB)
		overrideString(&result.LogLevel, cfg.LogLevel)
		overrideString(&result.LogFormat, cfg.LogFormat)
		overrideString(&result.Token, cfg.Token)

		if cfg.Timeout > 0 {
			result.Timeout = cfg.Timeout
		}
		if cfg.ConnectTimeout > 0 {
			result.ConnectTimeout = cfg.ConnectTimeout
		}
		overrideDuration(&result.IndexTimeout, cfg.IndexTimeout)
		overrideDuration(&result.DownloadTimeout, cfg.DownloadTimeout)
		if cfg.DeleteRetries > 0 {
			result.DeleteRetries = cfg.DeleteRetries
		}
		if cfg.DeleteBackoff > 0 {
			result.DeleteBackoff = cfg.DeleteBackoff
		}
		overrideDuration(&result.SettleDelay, cfg.SettleDelay)
		if cfg.ChunkSize > 0 {
			result.ChunkSize = cfg.ChunkSize
		}
		if cfg.ProgressInterval > 0 {
			result.ProgressInterval = cfg.ProgressInterval
		}
		if cfg.KeepArchive {
			result.KeepArchive = true
		}
	}

	return &result, nil
}

func overrideDuration(dst **time.Duration, v *time.Duration) {
	if v != nil {
		d := *v
		*dst = &d
	}
}

func overrideString(dst *string, v string) {
	if trimmed := strings.TrimSpace(v); trimmed != "" {
		*dst = trimmed
	}
}

// Validate reports the first invalid setting as a ConfigInvalid error.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.IndexURL) == "" {
		return invalid("index_url is required", nil)
	}
	u, err := url.Parse(c.IndexURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("index_url must be an absolute http(s) URL", err).WithField("index_url", c.IndexURL)
	}
	if strings.TrimSpace(c.VersionFile) == "" {
		return invalid("version_file is required", nil)
	}
	if c.DeleteRetries < 1 {
		return invalid("delete_retries must be at least 1", nil).WithField("delete_retries", c.DeleteRetries)
	}
	if c.ChunkSize <= 0 {
		return invalid("chunk_size must be positive", nil).WithField("chunk_size", c.ChunkSize)
	}
	for key, d := range map[string]*time.Duration{
		"settle_delay":     c.SettleDelay,
		"index_timeout":    c.IndexTimeout,
		"download_timeout": c.DownloadTimeout,
	} {
		if d != nil && *d < 0 {
			return invalid(key+" must not be negative", nil).WithField(key, d.String())
		}
	}
	if c.AssetPattern != "" {
		if _, err := regexp.Compile(c.AssetPattern); err != nil {
			return invalid("asset_pattern is not a valid regular expression", err).WithField("asset_pattern", c.AssetPattern)
		}
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return invalid("log_format must be text or json", nil).WithField("log_format", c.LogFormat)
	}
	return nil
}

// Settle returns the post-download delay.
func (c *Config) Settle() time.Duration {
	return durationOrZero(c.SettleDelay)
}

// IndexLimit returns the cap on one index request; zero means none.
func (c *Config) IndexLimit() time.Duration {
	return durationOrZero(c.IndexTimeout)
}

// DownloadLimit returns the cap on one whole download; zero means none.
func (c *Config) DownloadLimit() time.Duration {
	return durationOrZero(c.DownloadTimeout)
}

func durationOrZero(d *time.Duration) time.Duration {
	if d == nil {
		return 0
	}
	return *d
}

// HistoryPath resolves HistoryDB against root.
func (c *Config) HistoryPath(root string) string {
	if filepath.IsAbs(c.HistoryDB) {
		return c.HistoryDB
	}
	return filepath.Join(root, c.HistoryDB)
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func decodeConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse configuration")
	}
	return &cfg, nil
}

func invalid(msg string, err error) *apperrors.AppError {
	return apperrors.ConfigError(apperrors.CodeConfigInvalid, msg, err).
		WithModule("config").
		WithOperation("Load")
}
