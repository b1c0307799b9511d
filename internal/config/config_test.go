package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func newManager(path string) *ConfigManager {
	m := NewConfigManager(path)
	m.env = func() (Env, error) { return Env{}, nil }
	return m
}

func TestParseYAMLAndJSON(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	yml := writeFile(t, dir, "config.yaml", `
logging:
  level: debug
storage:
  driver: sqlite
  path: ./tasks.db
task_engine:
  workers: 4
  retry_max: 2
scheduler:
  enabled: true
  timezone: UTC
jobs:
  retention:
    results: 14d
  exchange:
    currencies: [EUR, USD]
`)
	cfg, err := newManager(yml).Parse()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Console, "defaults survive a partial file")
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 4, cfg.TaskEngine.Workers)
	assert.True(t, cfg.TaskEngine.IsEnabled())
	assert.Equal(t, []string{"EUR", "USD"}, cfg.Jobs.Exchange.Currencies)

	js := writeFile(t, dir, "config.json", `{"storage":{"driver":"memory"},"worker":{"mode":"heartbeat","window":"10m"}}`)
	cfg, err = newManager(js).Parse()
	require.NoError(t, err)
	assert.Equal(t, "heartbeat", cfg.Worker.Mode)
}

func TestParseRejectsBadInput(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cases := map[string]string{
		"unknown.json":  `{"storage":{"driver":"memory"},"celery":{}}`,
		"trailing.json": `{} {}`,
		"driver.json":   `{"storage":{"driver":"mongo"}}`,
		"duration.json": `{"task_engine":{"default_timeout":"soon"}}`,
		"negative.json": `{"scheduler":{"sync_every":"-1m"}}`,
		"tz.json":       `{"scheduler":{"timezone":"Mars/Olympus"}}`,
		"sqlite.json":   `{"storage":{"driver":"sqlite"}}`,
		"pg.json":       `{"storage":{"driver":"postgres"}}`,
		"ops.json":      `{"ops":{"enabled":true,"addr":"0.0.0.0:8085"}}`,
		"mail.json":     `{"jobs":{"mail":{"from":"not-an-address"}}}`,
		"level.yaml":    "logging:\n  level: loud\n",
	}
	for name, body := range cases {
		p := writeFile(t, dir, name, body)
		_, err := newManager(p).Parse()
		assert.Error(t, err, name)
	}
}

func TestOpsExposureRules(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Ops = OpsConfig{Enabled: true, Addr: "127.0.0.1:8085"}
	assert.NoError(t, Validate(cfg))

	cfg.Ops.Addr = "0.0.0.0:8085"
	assert.Error(t, Validate(cfg))
	cfg.Ops.Token = "secret"
	assert.NoError(t, Validate(cfg))
	cfg.Ops.Token = ""
	cfg.Ops.AllowInsecure = true
	assert.NoError(t, Validate(cfg))
}

func TestEmptyPathUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv("INVTASKS_LOG_LEVEL", "WARN")
	t.Setenv("INVTASKS_STORAGE_DRIVER", "postgres")
	t.Setenv("INVTASKS_DATABASE_URL", "postgres://u:p@localhost/inventree")
	t.Setenv("INVTASKS_SMTP_PASSWORD", "hunter2")

	m := NewConfigManager("")
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "postgres://u:p@localhost/inventree", cfg.Storage.DSN)
	assert.Equal(t, "hunter2", cfg.Jobs.Mail.Password)
	assert.Same(t, cfg, m.Get())
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, ".env", "INVTASKS_OPS_TOKEN=from-file\nINVTASKS_TIMEZONE=UTC\n")
	t.Setenv("INVTASKS_OPS_TOKEN", "from-env")
	t.Setenv("INVTASKS_TIMEZONE", "")
	require.NoError(t, os.Unsetenv("INVTASKS_TIMEZONE"))

	require.NoError(t, LoadDotEnv(p, filepath.Join(dir, "missing.env")))
	env, err := ReadEnv()
	require.NoError(t, err)
	assert.Equal(t, "from-env", env.OpsToken)
	assert.Equal(t, "UTC", env.Timezone)
}

func TestDurations(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("x", "30d")
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, d)

	d, err = ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	_, err = ParseDurationField("x", "xd")
	assert.Error(t, err)
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	a := Default()
	b := Default()
	b.Ops.Token = "secret"
	b.Jobs.Mail.Password = "hunter2"
	b.TaskEngine.Workers = 8

	changed, attrs := SummarizeConfigChange(a, b)
	assert.Equal(t, []string{"jobs", "ops", "task_engine"}, changed)
	assert.NotEmpty(t, attrs)

	changed, _ = SummarizeConfigChange(b, b)
	assert.Empty(t, changed)
}

func TestWatchPublishesChangedConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"logging":{"level":"info"}}`)
	m := newManager(p)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	var got *Config
	require.Eventually(t, func() bool {
		// Rewrite until the watcher is up; the interval outlasts the debounce.
		_ = os.WriteFile(p, []byte(`{"logging":{"level":"debug"}}`), 0o600)
		select {
		case got = <-ch:
			return true
		default:
			return false
		}
	}, 10*time.Second, 600*time.Millisecond)
	assert.Equal(t, "debug", got.Logging.Level)
	assert.Equal(t, "debug", m.Get().Logging.Level)

	cancel()
	<-done
}
