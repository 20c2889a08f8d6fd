package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"clubattendance/internal/scheduler"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", writeConfig(t, ""))
	t.Setenv("SCHOOL_TIMEZONE", "UTC")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPPort != "8081" || cfg.StoreBackend != "postgres" || cfg.QueueBackend != "redis" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.SweepInterval != time.Minute || cfg.SweepTolerance != time.Minute {
		t.Fatalf("sweep timing = %s/%s", cfg.SweepInterval, cfg.SweepTolerance)
	}
	if len(cfg.LogoutTimes) != 9 || cfg.LogoutTimes[0] != (scheduler.Boundary{Hour: 8, Minute: 39}) {
		t.Fatalf("logout times = %v", cfg.LogoutTimes)
	}
	if !cfg.SchedulerEmbedded {
		t.Fatal("scheduler should run embedded by default")
	}
	if cfg.SchoolTimezone != time.UTC {
		t.Fatalf("timezone = %v", cfg.SchoolTimezone)
	}
}

func TestLoadFileAndEnvPrecedence(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "s3cret")
	path := writeConfig(t, `
http_port: 9000
store_backend: sqlite
sqlite_path: /var/lib/library/attendance.db
database_url: postgres://lib:${TEST_DB_PASSWORD}@db/lib
admin_pin_hash: $2a$10$abcdefghijklmnopqrstuv
logout_times: "900,1000"
school_timezone: UTC
rate_limit_per_min: 30
request_timeout: 3s
`)
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HTTP_PORT", "7000")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPPort != "7000" {
		t.Fatalf("env must override file, got port %s", cfg.HTTPPort)
	}
	if cfg.StoreBackend != "sqlite" || cfg.SQLitePath != "/var/lib/library/attendance.db" {
		t.Fatalf("store = %s %s", cfg.StoreBackend, cfg.SQLitePath)
	}
	if cfg.DatabaseURL != "postgres://lib:s3cret@db/lib" {
		t.Fatalf("placeholder not substituted: %s", cfg.DatabaseURL)
	}
	if cfg.AdminPINHash != "$2a$10$abcdefghijklmnopqrstuv" {
		t.Fatalf("hash mangled: %s", cfg.AdminPINHash)
	}
	if len(cfg.LogoutTimes) != 2 || cfg.LogoutTimes[1] != (scheduler.Boundary{Hour: 10}) {
		t.Fatalf("logout times = %v", cfg.LogoutTimes)
	}
	if cfg.RateLimitPerMin != 30 || cfg.RequestTimeout != 3*time.Second {
		t.Fatalf("limits = %d %s", cfg.RateLimitPerMin, cfg.RequestTimeout)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("CONFIG_FILE", writeConfig(t, ""))

	t.Run("logout times", func(t *testing.T) {
		t.Setenv("LOGOUT_TIMES", "931,2561")
		if _, err := Load(); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("timezone", func(t *testing.T) {
		t.Setenv("SCHOOL_TIMEZONE", "Mars/Olympus_Mons")
		if _, err := Load(); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("backend", func(t *testing.T) {
		t.Setenv("STORE_BACKEND", "mongo")
		if _, err := Load(); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("an explicitly named config file must exist")
	}
}

func TestInvalidTypedValuesFallBack(t *testing.T) {
	t.Setenv("CONFIG_FILE", writeConfig(t, ""))
	t.Setenv("ACCESS_TTL", "soon")
	t.Setenv("RATE_LIMIT_PER_MIN", "many")
	t.Setenv("SCHEDULER_EMBEDDED", "maybe")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AccessTTL != 15*time.Minute || cfg.RateLimitPerMin != 120 || !cfg.SchedulerEmbedded {
		t.Fatalf("fallbacks not applied: %+v", cfg)
	}
}

func TestScheduleAndDSN(t *testing.T) {
	t.Setenv("CONFIG_FILE", writeConfig(t, ""))
	t.Setenv("SCHOOL_TIMEZONE", "UTC")
	t.Setenv("LOGOUT_TIMES", "931")
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/lib.db")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StoreDSN() != "/tmp/lib.db" {
		t.Fatalf("dsn = %q", cfg.StoreDSN())
	}
	s, err := cfg.Schedule()
	if err != nil {
		t.Fatal(err)
	}
	if _, due := s.Due(time.Date(2026, 10, 15, 9, 31, 30, 0, time.UTC)); !due {
		t.Fatal("configured boundary not due")
	}
}

func TestProductionRequiresSigningKey(t *testing.T) {
	t.Setenv("CONFIG_FILE", writeConfig(t, ""))
	t.Setenv("APP_ENV", "production")

	for _, key := range []string{"", devSigningKey, "short-but-not-default"} {
		t.Run("key="+key, func(t *testing.T) {
			t.Setenv("JWT_SIGNING_KEY", key)
			if _, err := Load(); err == nil {
				t.Fatalf("production accepted signing key %q", key)
			}
		})
	}

	t.Setenv("JWT_SIGNING_KEY", "0123456789abcdef0123456789abcdef-prod")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Production() {
		t.Fatal("APP_ENV=production not reported as production")
	}
}

func TestDevelopmentAllowsDefaultSigningKey(t *testing.T) {
	t.Setenv("CONFIG_FILE", writeConfig(t, ""))
	t.Setenv("APP_ENV", "dev")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.JWTSigningKey != devSigningKey {
		t.Fatalf("signing key = %q", cfg.JWTSigningKey)
	}
	if cfg.RedisKeyPrefix != "library" || cfg.MemberRateLimit != 20 {
		t.Fatalf("redis prefix %q, member limit %d", cfg.RedisKeyPrefix, cfg.MemberRateLimit)
	}
}
