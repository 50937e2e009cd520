package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadGatewayDefaults(t *testing.T) {
	t.Setenv("CHATWRIGHT_BUS__URL", "file:test.db")
	t.Setenv("CHATWRIGHT_CHAT__BASE_URL", "https://chat.example.com/api")
	t.Setenv("CHATWRIGHT_CHAT__TOKEN", "xoxb-test")
	t.Setenv("CHATWRIGHT_CHAT__SIGNING_SECRET", "s3cret")

	cfg, err := LoadGateway("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "http", cfg.Chat.Events)
	assert.Equal(t, "file:test.db", cfg.Bus.URL)
}

func TestLoadGatewayFileAndEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9999"
bus:
  url: file:from-file.db
chat:
  base_url: https://chat.example.com/api
  token: from-file
  signing_secret: s3cret
allowlist:
  - U111
  - U222
`), 0o600))

	t.Setenv("CHATWRIGHT_CHAT__TOKEN", "from-env")

	cfg, err := LoadGateway(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9999", cfg.Addr, "file overrides default")
	assert.Equal(t, "from-env", cfg.Chat.Token, "env overrides file")
	assert.Equal(t, []string{"U111", "U222"}, cfg.Allowlist)
}

func TestLoadGatewayMissingFile(t *testing.T) {
	_, err := LoadGateway(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestGatewayValidate(t *testing.T) {
	base := func() *Gateway {
		return &Gateway{
			Addr: ":8080",
			Bus:  Bus{URL: "file:test.db"},
			Chat: Chat{
				BaseURL:       "https://chat.example.com/api",
				Token:         "tok",
				Events:        "http",
				SigningSecret: "sec",
			},
		}
	}

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.Bus.URL = ""
	assert.ErrorContains(t, cfg.Validate(), "bus.url")

	cfg = base()
	cfg.Chat.Events = "socket"
	assert.ErrorContains(t, cfg.Validate(), "socket_url")

	cfg = base()
	cfg.Chat.Events = "carrier-pigeon"
	assert.ErrorContains(t, cfg.Validate(), "chat.events")
}

func TestLoadOrchestratorDefaults(t *testing.T) {
	t.Setenv("CHATWRIGHT_BUS__URL", "postgres://localhost/bus")
	t.Setenv("CHATWRIGHT_WORKLOAD__IMAGE", "registry.example.com/worker:1")

	cfg, err := LoadOrchestrator("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Minute, cfg.GracePeriod)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 5, cfg.RateLimit.Max)
	assert.Equal(t, 15*time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, "kube", cfg.Workload.Kind)
	assert.Equal(t, 10, cfg.Workload.ScratchGiB)
	assert.Equal(t, 30*time.Minute, cfg.Workload.SessionTimeout)
}

func TestOrchestratorValidateWorkloadKind(t *testing.T) {
	cfg := &Orchestrator{
		Addr:        ":8081",
		Bus:         Bus{URL: "file:test.db"},
		GracePeriod: time.Minute,
	}

	cfg.Workload.Kind = "none"
	require.NoError(t, cfg.Validate())

	cfg.Workload.Kind = "kube"
	assert.ErrorContains(t, cfg.Validate(), "workload.image")

	cfg.Workload.Image = "img:1"
	require.NoError(t, cfg.Validate())
}

func TestLoadWorkerFlatEnvOverlay(t *testing.T) {
	t.Setenv("USER_ID", "U123")
	t.Setenv("DEPLOYMENT_NAME", "worker-u123")
	t.Setenv("DATABASE_URL", "postgres://bus.internal/bus")
	t.Setenv("REPOSITORY_URL", "https://git.example.com/u123/repo.git")
	t.Setenv("SESSION_TIMEOUT_MINUTES", "45")
	t.Setenv("INITIAL_CHANNEL_ID", "C1")
	t.Setenv("INITIAL_THREAD_ID", "171.001")
	t.Setenv("INITIAL_MESSAGE_ID", "171.002")
	t.Setenv("INITIAL_MESSAGE_TEXT", "fix the build")
	t.Setenv("INITIAL_ORIGINAL_MESSAGE_TS", "171.002")
	t.Setenv("INITIAL_PLACEHOLDER_TS", "171.003")

	cfg, err := LoadWorker()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "U123", cfg.UserID)
	assert.Equal(t, "worker-u123", cfg.DeploymentName)
	assert.Equal(t, "postgres://bus.internal/bus", cfg.Bus.URL)
	assert.Equal(t, 45*time.Minute, cfg.SessionTimeout)
	assert.Equal(t, "/workspace", cfg.Workspace)
	assert.Equal(t, 1, cfg.Concurrency)
	assert.Equal(t, "agent", cfg.Agent.Binary)
	assert.Equal(t, "fix the build", cfg.Initial.MessageText)
	assert.Equal(t, "171.003", cfg.Initial.PlaceholderTS)
}

func TestLoadWorkerFlatEnvWinsOverPrefixed(t *testing.T) {
	t.Setenv("CHATWRIGHT_USER_ID", "prefixed")
	t.Setenv("USER_ID", "flat")
	t.Setenv("DATABASE_URL", "file:test.db")

	cfg, err := LoadWorker()
	require.NoError(t, err)
	assert.Equal(t, "flat", cfg.UserID)
}

func TestLoadStandaloneDerivesBusPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHATWRIGHT_DATA_DIR", dir)
	t.Setenv("CHATWRIGHT_CHAT__BASE_URL", "https://chat.example.com/api")
	t.Setenv("CHATWRIGHT_CHAT__TOKEN", "tok")
	t.Setenv("CHATWRIGHT_CHAT__SIGNING_SECRET", "sec")

	cfg, err := LoadStandalone("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, SQLitePath(dir), cfg.Worker.Bus.URL)
	assert.True(t, cfg.Worker.DirectConsume)
	assert.Equal(t, "local", cfg.Worker.UserID)
	assert.Zero(t, cfg.Worker.SessionTimeout)
}
