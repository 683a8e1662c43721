package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	EnvWorkers           = "DEPLOYAGENT_WORKERS"
	EnvCommandTimeout    = "DEPLOYAGENT_COMMAND_TIMEOUT"
	EnvDBPath            = "DEPLOYAGENT_DB_PATH"
	EnvCacheBackend      = "DEPLOYAGENT_CACHE_BACKEND"
	EnvBadgerDir         = "DEPLOYAGENT_BADGER_DIR"
	EnvStagingDir        = "DEPLOYAGENT_STAGING_DIR"
	EnvAgentPath         = "DEPLOYAGENT_AGENT_PATH"
	EnvMetricsFile       = "DEPLOYAGENT_METRICS_FILE"
	EnvFallbackInstall   = "DEPLOYAGENT_FALLBACK_INSTALL"
	EnvResultBitableURL  = "DEPLOYAGENT_RESULT_BITABLE_URL"
	EnvSerial            = "ANDROID_SERIAL"
	DefaultWorkers       = 5
	DefaultTimeout       = 5 * time.Minute
	DefaultStagingDir    = "/data/local/tmp/.deployagent"
	DefaultCacheBackend  = BackendSQLite
	defaultDataDirName   = ".deployagent"
	defaultDBFileName    = "deploy.sqlite"
	defaultBadgerDirName = "badger"
)

// Cache backends understood by OpenStore.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Config holds the knobs shared by the CLI and the deployer.
type Config struct {
	Workers          int           `yaml:"workers"`
	CommandTimeout   time.Duration `yaml:"command_timeout"`
	DBPath           string        `yaml:"db_path"`
	CacheBackend     string        `yaml:"cache_backend"`
	BadgerDir        string        `yaml:"badger_dir"`
	StagingDir       string        `yaml:"staging_dir"`
	AgentPath        string        `yaml:"agent_path"`
	MetricsFile      string        `yaml:"metrics_file"`
	FallbackInstall  bool          `yaml:"fallback_install"`
	ResultBitableURL string        `yaml:"result_bitable_url"`
	Serial           string        `yaml:"serial"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Workers:        DefaultWorkers,
		CommandTimeout: DefaultTimeout,
		CacheBackend:   DefaultCacheBackend,
		StagingDir:     DefaultStagingDir,
		AgentPath:      DefaultStagingDir + "/agent",
	}
}

// Load layers defaults, the optional YAML file at path and the environment,
// in that order. Empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "config: read %s failed", path)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "config: parse %s failed", path)
		}
	}
	cfg.applyEnv()
	if err := cfg.normalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Workers = Int(EnvWorkers, c.Workers)
	c.CommandTimeout = Duration(EnvCommandTimeout, c.CommandTimeout)
	c.DBPath = String(EnvDBPath, c.DBPath)
	c.CacheBackend = String(EnvCacheBackend, c.CacheBackend)
	c.BadgerDir = String(EnvBadgerDir, c.BadgerDir)
	c.StagingDir = String(EnvStagingDir, c.StagingDir)
	c.AgentPath = String(EnvAgentPath, c.AgentPath)
	c.MetricsFile = String(EnvMetricsFile, c.MetricsFile)
	c.FallbackInstall = Bool(EnvFallbackInstall, c.FallbackInstall)
	c.ResultBitableURL = String(EnvResultBitableURL, c.ResultBitableURL)
	c.Serial = String(EnvSerial, c.Serial)
}

func (c *Config) normalize() error {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultTimeout
	}
	c.CacheBackend = strings.ToLower(strings.TrimSpace(c.CacheBackend))
	switch c.CacheBackend {
	case "":
		c.CacheBackend = DefaultCacheBackend
	case BackendSQLite, BackendBadger:
	default:
		return errors.Errorf("config: unknown cache backend %q", c.CacheBackend)
	}
	c.StagingDir = strings.TrimRight(strings.TrimSpace(c.StagingDir), "/")
	if c.StagingDir == "" {
		c.StagingDir = DefaultStagingDir
	}
	if strings.TrimSpace(c.AgentPath) == "" {
		c.AgentPath = c.StagingDir + "/agent"
	}
	return nil
}

// ResolveDBPath returns the sqlite path, creating its parent directory.
func (c Config) ResolveDBPath() (string, error) {
	if custom := strings.TrimSpace(c.DBPath); custom != "" {
		if err := ensureDir(filepath.Dir(custom)); err != nil {
			return "", err
		}
		return custom, nil
	}
	dir, err := dataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultDBFileName), nil
}

// ResolveBadgerDir returns the badger directory, creating it when missing.
func (c Config) ResolveBadgerDir() (string, error) {
	if custom := strings.TrimSpace(c.BadgerDir); custom != "" {
		if err := ensureDir(custom); err != nil {
			return "", err
		}
		return custom, nil
	}
	dir, err := dataDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, defaultBadgerDirName)
	if err := ensureDir(path); err != nil {
		return "", err
	}
	return path, nil
}

func dataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "config: locate user home failed")
	}
	dir := filepath.Join(home, defaultDataDirName)
	if err := ensureDir(dir); err != nil {
		return "", err
	}
	return dir, nil
}

func ensureDir(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errors.Wrapf(err, "config: create dir %s failed", path)
	}
	return nil
}
