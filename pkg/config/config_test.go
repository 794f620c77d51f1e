package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clinicguard/pkg/observability"
	"github.com/platinummonkey/clinicguard/pkg/rbac"
	"github.com/platinummonkey/clinicguard/pkg/retention"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv(envPrefix+"POSTGRES_URL", "postgres://localhost/clinicguard?sslmode=disable")
	t.Setenv(envPrefix+"TOKEN_SECRET", testSecret)
}

// TestGetEnv tests the getEnv helper function
func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns env value when set",
			key:          "TEST_VAR",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when env not set",
			key:          "TEST_VAR_NOT_SET",
			defaultValue: "default",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvBool tests the getEnvBool helper function
func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		defaultValue bool
		envValue     string
		want         bool
	}{
		{"returns true for 'true'", false, "true", true},
		{"returns true for 'TRUE'", false, "TRUE", true},
		{"returns true for '1'", false, "1", true},
		{"returns false for 'false'", true, "false", false},
		{"returns false for garbage", true, "yes please", false},
		{"returns default when unset", true, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv("TEST_BOOL", tt.envValue)
			}
			if got := getEnvBool("TEST_BOOL", tt.defaultValue); got != tt.want {
				t.Errorf("getEnvBool() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvInt tests the getEnvInt helper function
func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		want     int
	}{
		{"parses integer", "42", 42},
		{"parses negative", "-1", -1},
		{"invalid falls back", "forty-two", 7},
		{"unset falls back", "", 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv("TEST_INT", tt.envValue)
			}
			if got := getEnvInt("TEST_INT", 7); got != tt.want {
				t.Errorf("getEnvInt() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvDuration tests the getEnvDuration helper function
func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		want     time.Duration
	}{
		{"parses duration", "90s", 90 * time.Second},
		{"parses hours", "8h", 8 * time.Hour},
		{"invalid falls back", "ninety", time.Minute},
		{"bare number falls back", "30", time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.envValue)
			if got := getEnvDuration("TEST_DURATION", time.Minute); got != tt.want {
				t.Errorf("getEnvDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]observability.LogLevel{
		"debug":   observability.DebugLevel,
		"INFO":    observability.InfoLevel,
		"warn":    observability.WarnLevel,
		"warning": observability.WarnLevel,
		"error":   observability.ErrorLevel,
		"verbose": observability.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Storage.RedisURL)
	assert.Equal(t, 20, cfg.Storage.PostgresMaxConns)
	assert.False(t, cfg.Storage.ArchiveEnabled())
	assert.Equal(t, "clinicguard", cfg.Session.Issuer)
	assert.Equal(t, 8*time.Hour, cfg.Session.TTL)
	assert.Equal(t, 1024, cfg.Audit.Recorder.QueueCapacity)
	assert.Equal(t, retention.DefaultSchedule, cfg.Retention.Schedule)
	assert.Equal(t, 24*time.Hour, cfg.Retention.DeferInterval)
	assert.Equal(t, observability.InfoLevel, cfg.Observability.LogLevel)
	assert.False(t, cfg.OTel().Enabled)
	assert.Empty(t, cfg.RoleCatalogPath)
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv(envPrefix+"PORT", "8443")
	t.Setenv(envPrefix+"POSTGRES_REPLICA_URLS", "postgres://r1/cg, postgres://r2/cg")
	t.Setenv(envPrefix+"POSTGRES_MIN_CONNS", "0")
	t.Setenv(envPrefix+"S3_BUCKET", "clinicguard-archive")
	t.Setenv(envPrefix+"S3_USE_PATH_STYLE", "true")
	t.Setenv(envPrefix+"SESSION_TTL", "30m")
	t.Setenv(envPrefix+"AUDIT_QUEUE_CAPACITY", "64")
	t.Setenv(envPrefix+"RETENTION_SCHEDULE", "@daily")
	t.Setenv(envPrefix+"RETENTION_WORKERS", "8")
	t.Setenv(envPrefix+"LOG_LEVEL", "debug")
	t.Setenv(envPrefix+"OTEL_ENABLED", "1")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8443", cfg.Server.Port)
	assert.Equal(t, []string{"postgres://r1/cg", "postgres://r2/cg"}, cfg.Storage.PostgresReplicaURLs)
	assert.Equal(t, 0, cfg.Storage.PostgresMinConns)
	assert.True(t, cfg.Storage.ArchiveEnabled())
	assert.True(t, cfg.Storage.S3UsePathStyle)
	assert.Equal(t, 30*time.Minute, cfg.Session.TTL)
	assert.Equal(t, 64, cfg.Audit.Recorder.QueueCapacity)
	assert.Equal(t, "@daily", cfg.Retention.Schedule)
	assert.Equal(t, 8, cfg.Retention.Workers)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)
	assert.True(t, cfg.OTel().Enabled)
	assert.Equal(t, "localhost:4317", cfg.OTel().Endpoint)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"missing postgres", map[string]string{"POSTGRES_URL": ""}, "postgres URL is required"},
		{"missing secret", map[string]string{"TOKEN_SECRET": ""}, "token secret is required"},
		{"short secret", map[string]string{"TOKEN_SECRET": "short"}, "at least 32 bytes"},
		{"same ports", map[string]string{"PORT": "9000", "HEALTH_PORT": "9000"}, "must be different"},
		{"bad schedule", map[string]string{"RETENTION_SCHEDULE": "whenever"}, "invalid retention schedule"},
		{"zero workers", map[string]string{"RETENTION_WORKERS": "0"}, "retention workers must be positive"},
		{"min above max", map[string]string{"POSTGRES_MAX_CONNS": "2", "POSTGRES_MIN_CONNS": "5"}, "min connections"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(envPrefix+k, v)
			}
			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadWorkerConfig_IgnoresSession(t *testing.T) {
	t.Setenv(envPrefix+"POSTGRES_URL", "postgres://localhost/clinicguard?sslmode=disable")
	t.Setenv(envPrefix+"TOKEN_SECRET", "")

	cfg, err := LoadWorkerConfig()
	require.NoError(t, err)
	assert.Equal(t, retention.DefaultSchedule, cfg.Retention.Schedule)

	_, err = LoadConfig()
	assert.Error(t, err)

	t.Setenv(envPrefix+"RETENTION_SCHEDULE", "whenever")
	_, err = LoadWorkerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid retention schedule")
}

const sampleCatalog = `
roles:
  - code: compliance_admin
    name: Compliance administrator
    scope_kind: global
    permissions:
      - audit:view
      - audit:export
      - retention:action:approve
  - code: front_desk
    name: Front desk
    description: Scheduling only
    scope_kind: SINGLE_TENANT
    permissions: [appointment:read, appointment:write]
`

func TestParseRoleCatalog(t *testing.T) {
	roles, err := ParseRoleCatalog([]byte(sampleCatalog))
	require.NoError(t, err)
	require.Len(t, roles, 2)

	assert.Equal(t, "compliance_admin", roles[0].Code)
	assert.Equal(t, rbac.ScopeGlobal, roles[0].ScopeKind)
	assert.True(t, roles[0].IsSystem)
	assert.Equal(t, []string{"audit:view", "audit:export", "retention:action:approve"}, roles[0].PermissionCodes())
	assert.Equal(t, "Scheduling only", roles[1].Description)
	assert.Equal(t, rbac.ScopeSingleTenant, roles[1].ScopeKind)
}

func TestParseRoleCatalog_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"empty", "roles: []", "defines no roles"},
		{"unknown field", "roles:\n  - code: a\n    name: A\n    scope_kind: GLOBAL\n    perms: [audit:view]\n", "field perms not found"},
		{"unknown permission", "roles:\n  - code: a\n    name: A\n    scope_kind: GLOBAL\n    permissions: [audit:delete]\n", "unknown permission"},
		{"bad scope", "roles:\n  - code: a\n    name: A\n    scope_kind: REGIONAL\n", "invalid scope kind"},
		{"missing name", "roles:\n  - code: a\n    scope_kind: GLOBAL\n", "role name is required"},
		{"duplicate", "roles:\n  - {code: a, name: A, scope_kind: GLOBAL}\n  - {code: a, name: B, scope_kind: GLOBAL}\n", "duplicate role code"},
		{"not yaml", "roles: [", "failed to parse role catalog"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRoleCatalog([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadRoleCatalog_DefaultsToBuiltIn(t *testing.T) {
	roles, err := LoadRoleCatalog("")
	require.NoError(t, err)
	assert.Equal(t, rbac.SystemRoles(), roles)

	_, err = LoadRoleCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWatchRoleCatalog_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan []rbac.Role, 16)
	done := make(chan error, 1)
	go func() {
		done <- WatchRoleCatalog(ctx, path, func(roles []rbac.Role) { changes <- roles }, observability.NewNopLogger())
	}()

	updated := strings.Replace(sampleCatalog, "Front desk", "Reception", 1)
	var got []rbac.Role
	// Rewrite until the watcher is registered and reports the reload
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(updated), 0o600)
		select {
		case got = <-changes:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, got, 2)
	assert.Equal(t, "Reception", got[1].Name)

	// Siblings in the directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o600))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
