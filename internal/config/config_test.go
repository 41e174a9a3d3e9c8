package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "APP_WORKERS", "APP_LOG_LEVEL", "APP_NAME", "APP_MODEL_NAME",
		"APP_MODEL_LANGUAGE", "APP_MODEL_CDB_PATH", "APP_BULK_NPROC",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	} {
		t.Setenv(key, "")
	}
}

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Port != defaultPort {
		t.Fatalf("expected default port %s, got %s", defaultPort, cfg.Port)
	}
	if cfg.Workers != defaultWorkers {
		t.Fatalf("expected %d workers, got %d", defaultWorkers, cfg.Workers)
	}
	if cfg.ShutdownGracePeriod != 10*time.Second {
		t.Fatalf("unexpected shutdown grace period: %s", cfg.ShutdownGracePeriod)
	}
	if cfg.RateLimitRPS != defaultRateLimitRPS || cfg.RateLimitBurst != defaultRateLimitBurst {
		t.Fatalf("unexpected rate limit %v/%d", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	if !cfg.EnableRequestLogging {
		t.Fatalf("expected request logging enabled by default")
	}
	if cfg.Addr() != ":8080" {
		t.Fatalf("unexpected addr %s", cfg.Addr())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9000")
	t.Setenv("APP_WORKERS", "4")
	t.Setenv("APP_MODEL_CDB_PATH", "/models/cdb.yaml")
	t.Setenv("APP_MODEL_NAME", "snomed")
	t.Setenv("APP_BULK_NPROC", "8")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("RATE_LIMIT_BURST", "not-a-number")

	cfg, err := Load(&CLIOverrides{})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Port != "9000" || cfg.Workers != 4 {
		t.Fatalf("expected env port and workers, got %s/%d", cfg.Port, cfg.Workers)
	}
	if cfg.CDBPath != "/models/cdb.yaml" || cfg.ModelName != "snomed" || cfg.BulkNProc != 8 {
		t.Fatalf("unexpected model settings %+v", cfg)
	}
	if cfg.RateLimitRPS != 2.5 {
		t.Fatalf("expected rps 2.5, got %v", cfg.RateLimitRPS)
	}
	if cfg.RateLimitBurst != defaultRateLimitBurst {
		t.Fatalf("expected malformed burst to be ignored, got %d", cfg.RateLimitBurst)
	}
}

func TestLoadPrecedence(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "7000")
	t.Setenv("APP_WORKERS", "2")
	t.Setenv("APP_LOG_LEVEL", "debug")

	path := writeYAML(t, `
port: "7100"
workers: 3
model:
  cdb_path: /from/yaml.yaml
  language: de
shutdown_grace_period: 30s
enable_request_logging: false
rate_limit:
  rps: 0
`)

	port := "7200"
	workers := 0
	cfg, err := Load(&CLIOverrides{ConfigFile: path, Port: &port, Workers: &workers})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Port != "7200" {
		t.Fatalf("expected CLI port, got %s", cfg.Port)
	}
	if cfg.Workers != 0 {
		t.Fatalf("expected CLI workers 0, got %d", cfg.Workers)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected env log level to survive, got %s", cfg.LogLevel)
	}
	if cfg.CDBPath != "/from/yaml.yaml" || cfg.ModelLanguage != "de" {
		t.Fatalf("expected YAML model settings, got %+v", cfg)
	}
	if cfg.ShutdownGracePeriod != 30*time.Second {
		t.Fatalf("expected 30s grace period, got %s", cfg.ShutdownGracePeriod)
	}
	if cfg.EnableRequestLogging {
		t.Fatalf("expected request logging disabled by YAML")
	}
	if cfg.RateLimitRPS != 0 || cfg.RateLimitBurst != defaultRateLimitBurst {
		t.Fatalf("unexpected rate limit %v/%d", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
}

func TestLoadYAMLKeepsUnsetValues(t *testing.T) {
	clearEnv(t)
	path := writeYAML(t, "port: \"8181\"\n")

	cfg, err := Load(&CLIOverrides{ConfigFile: path})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !cfg.EnableRequestLogging || cfg.RateLimitRPS != defaultRateLimitRPS {
		t.Fatalf("expected absent keys to keep defaults, got %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)

	t.Run("missing file", func(t *testing.T) {
		if _, err := Load(&CLIOverrides{ConfigFile: filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
			t.Fatalf("expected error for missing file")
		}
	})

	t.Run("bad duration", func(t *testing.T) {
		path := writeYAML(t, "idle_timeout: soon\n")
		if _, err := Load(&CLIOverrides{ConfigFile: path}); err == nil {
			t.Fatalf("expected error for bad duration")
		}
	})

	t.Run("bad port", func(t *testing.T) {
		port := "http"
		_, err := Load(&CLIOverrides{Port: &port})
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("expected ErrInvalidConfig, got %v", err)
		}
	})
}
