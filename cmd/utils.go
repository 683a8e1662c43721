package main

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/httprunner/DeployAgent/internal/config"
)

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// loadConfig layers the root flags over config.Load.
func loadConfig(_ *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(rootConfig)
	if err != nil {
		return cfg, err
	}
	if rootWorkers > 0 {
		cfg.Workers = rootWorkers
	}
	if strings.TrimSpace(rootTimeout) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(rootTimeout))
		if err != nil || d <= 0 {
			return cfg, errors.Errorf("invalid --timeout %q", rootTimeout)
		}
		cfg.CommandTimeout = d
	}
	cfg.Serial = firstNonEmpty(rootSerial, cfg.Serial)
	cfg.DBPath = firstNonEmpty(rootDB, cfg.DBPath)
	cfg.MetricsFile = firstNonEmpty(rootMetricsFile, cfg.MetricsFile)
	if backend := strings.ToLower(strings.TrimSpace(rootCacheBackend)); backend != "" {
		switch backend {
		case config.BackendSQLite, config.BackendBadger:
			cfg.CacheBackend = backend
		default:
			return cfg, errors.Errorf("invalid --cache-backend %q", rootCacheBackend)
		}
	}
	return cfg, nil
}
