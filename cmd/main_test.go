package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/httprunner/DeployAgent/internal/config"
	"github.com/httprunner/DeployAgent/internal/installer"
	"github.com/httprunner/DeployAgent/internal/transport"
	"github.com/httprunner/DeployAgent/pkg/apk"
	"github.com/httprunner/DeployAgent/pkg/deployer"
)

func resetRootFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		rootConfig, rootSerial, rootTimeout, rootDB, rootCacheBackend, rootMetricsFile = "", "", "", "", "", ""
		rootWorkers = 0
	})
}

func TestLoadConfigFlagsOverride(t *testing.T) {
	resetRootFlags(t)
	t.Setenv(config.EnvSerial, "from-env")
	rootSerial = "flag-serial"
	rootWorkers = 2
	rootTimeout = "90s"
	rootCacheBackend = "Badger"

	cfg, err := loadConfig(rootCmd)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Serial != "flag-serial" || cfg.Workers != 2 || cfg.CommandTimeout != 90*time.Second || cfg.CacheBackend != config.BackendBadger {
		t.Fatalf("unexpected config %+v", cfg)
	}

	rootCacheBackend = "redis"
	if _, err := loadConfig(rootCmd); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
	rootCacheBackend, rootTimeout = "", "soon"
	if _, err := loadConfig(rootCmd); err == nil {
		t.Fatalf("expected error for bad timeout")
	}
}

func TestPrintReport(t *testing.T) {
	p, err := apk.NewPackage(apk.Spec{
		Name:     "base",
		Checksum: "0123456789abcdef0123",
		Entries:  map[string]apk.Entry{"classes.dex": {Size: 2048, Checksum: "c"}},
	})
	if err != nil {
		t.Fatalf("NewPackage: %v", err)
	}
	start := time.Now()
	rep := &deployer.Report{
		Serial:      "emulator-5554",
		PackageName: "com.example.app",
		Strategy:    deployer.StrategyFullInstall,
		State:       deployer.StateFailed,
		FellBack:    true,
		Reason:      "manifest changed",
		Packages:    []*apk.Package{p},
		StartedAt:   start,
		FinishedAt:  start.Add(1500 * time.Millisecond),
		Err: &deployer.StepError{Package: "com.example.app", Step: "install",
			Err: &installer.InstallError{Result: transport.InstallResult{Outcome: transport.OutcomeUpdateIncompatible}}},
	}
	var buf bytes.Buffer
	printReport(&buf, rep)
	out := buf.String()
	for _, want := range []string{"com.example.app on emulator-5554: failed (full_install, fell back) in 1.5s",
		"base 0123456789ab (2.0 kB uncompressed)", "reason: manifest changed", "outcome: UPDATE_INCOMPATIBLE"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
	printReport(&buf, nil)
}

func TestTerminalUIPrompt(t *testing.T) {
	var out bytes.Buffer
	ui := &terminalUI{out: &out, assumeYes: true}
	if !ui.Prompt("Uninstall x") {
		t.Fatalf("--yes must confirm")
	}
	ui = &terminalUI{out: &out}
	if ui.Prompt("Uninstall x") {
		t.Fatalf("non-interactive prompt must decline")
	}
	if !strings.Contains(out.String(), "pass --yes") {
		t.Fatalf("unexpected output %q", out.String())
	}
}
