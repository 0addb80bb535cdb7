package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/config"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/idempotency"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.BusMemory, cfg.Bus.Driver)
	assert.Equal(t, idempotency.RetentionFor(cfg.Bus.MaxRedeliveryAge), cfg.IdempotencyRetention())
}

func TestFromYAML_OverlaysDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
database:
  path: /var/lib/ledgerflow.db
bus:
  driver: redis
  redis_addr: localhost:6379
  max_redelivery_age: 72h
reconciler:
  epsilon: 0.001
  auto_correct: true
prices:
  static:
    USDC: 1
workflows:
  catalog:
    sticker: 3.5
`))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/ledgerflow.db", cfg.Database.Path)
	assert.Equal(t, config.BusRedis, cfg.Bus.Driver)
	assert.Equal(t, 72*time.Hour, cfg.Bus.MaxRedeliveryAge)
	assert.Equal(t, "ledger", cfg.Bus.Exchange, "unset keys keep their default")
	assert.InDelta(t, 0.001, cfg.Reconciler.Epsilon, 1e-12)
	assert.Equal(t, map[string]float64{"sticker": 3.5}, cfg.Workflows.Catalog)
	assert.NoError(t, cfg.Validate())
}

func TestFromYAML_Invalid(t *testing.T) {
	_, err := config.FromYAML([]byte("bus: [unclosed"))
	assert.Error(t, err)
}

func TestFromJSON(t *testing.T) {
	cfg, err := config.FromJSON([]byte(`{"http": {"addr": ":9090"}, "log": {"level": "debug"}}`))
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledgerflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":9000"
sampler:
  concurrency: 8
`), 0o600))

	t.Setenv("LEDGERFLOW_HTTP_ADDR", ":9100")
	t.Setenv("LEDGERFLOW_RECONCILER_AUTO_CORRECT", "false")
	t.Setenv("LEDGERFLOW_SAMPLER_TICK", "2s")
	t.Setenv("LEDGERFLOW_WORKFLOWS_CATALOG", "sticker:3.5,hoodie:40")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.HTTP.Addr, "environment wins over the file")
	assert.Equal(t, 8, cfg.Sampler.Concurrency)
	assert.Equal(t, 2*time.Second, cfg.Sampler.Tick)
	assert.Equal(t, map[string]float64{"sticker": 3.5, "hoodie": 40}, cfg.Workflows.Catalog)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
	t.Run("unknown extension", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cfg.toml")
		require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0o600))
		_, err := config.Load(path)
		assert.ErrorContains(t, err, "unsupported config file extension")
	})
	t.Run("bad env value", func(t *testing.T) {
		t.Setenv("LEDGERFLOW_SAMPLER_CONCURRENCY", "many")
		_, err := config.Load("")
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{
			name: "retention shorter than redelivery age",
			mutate: func(c *config.Config) {
				c.Idempotency.Retention = 24 * time.Hour
				c.Bus.MaxRedeliveryAge = 48 * time.Hour
			},
			wantErr: "shorter than bus.max_redelivery_age",
		},
		{
			name:    "redis without address",
			mutate:  func(c *config.Config) { c.Bus.Driver = config.BusRedis },
			wantErr: "redis_addr is required",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *config.Config) { c.Bus.Driver = "kafka" },
			wantErr: "bus.driver",
		},
		{
			name:    "auto-correct without prices",
			mutate:  func(c *config.Config) { c.Reconciler.AutoCorrect = true },
			wantErr: "auto_correct needs",
		},
		{
			name:    "confidence out of range",
			mutate:  func(c *config.Config) { c.Prices.MinConfidence = 1.5 },
			wantErr: "min_confidence",
		},
		{
			name:    "source without url",
			mutate:  func(c *config.Config) { c.Prices.Sources = []config.PriceSource{{Name: "oracle-a"}} },
			wantErr: "prices.sources[0]",
		},
		{
			name:    "bad log level",
			mutate:  func(c *config.Config) { c.Log.Level = "loud" },
			wantErr: "log.level",
		},
		{
			name:    "no database",
			mutate:  func(c *config.Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Path = ""
	cfg.Bus.Exchange = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "database.path")
	assert.ErrorContains(t, err, "bus.exchange")
}
