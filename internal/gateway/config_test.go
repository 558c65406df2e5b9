package gateway

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/relay/internal/llm"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"ANTHROPIC_API_KEY", "RELAY_PRIVATE_CONFIG", "RELAY_NODE_URL", "RELAY_NODE_TOKEN", "OPENCODE_API_URL", "RELAY_STORE_DSN", "MATRIX_BOT_PASSWORD"} {
		t.Setenv(k, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearConfigEnv(t)
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 15, cfg.Engine.MaxIterations)
	assert.Equal(t, 10.0, cfg.Engine.DailyBudget)
	assert.Equal(t, "task", cfg.Tasks.Namespace)
	assert.Equal(t, "/data/relay.db", cfg.Store.DSN)

	hc := cfg.HealthMonitorConfig()
	assert.Equal(t, 30*time.Second, hc.Interval)
	assert.Equal(t, 2, hc.FailuresUntilDown)
	assert.Empty(t, hc.HealthURL)

	qc := cfg.QueueConfig()
	assert.Equal(t, 2*time.Hour, qc.StaleAfter)
	assert.Equal(t, 6*time.Minute, qc.RunningTimeout)
	assert.Equal(t, []llm.Tier{llm.TierPremium}, cfg.RuntimeTierSet())
}

func TestLoadConfigYAMLWithOverlay(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("TEST_NODE_TOKEN", "s3cret")

	path := writeFile(t, "relay.yaml", `
node:
  url: http://home.lan:8090/
  token: $TEST_NODE_TOKEN
engine:
  daily_budget: 2.5
  runtime_tiers: [standard, premium]
router:
  models:
    cheap:
      id: kimi-k2
      input_per_mtok: 0.6
      output_per_mtok: 2.5
`)
	private := writeFile(t, "private.json", `{"engine": {"timezone": "Europe/Lisbon"}, "llm": {"api_key": "sk-test"}}`)
	t.Setenv("RELAY_PRIVATE_CONFIG", private)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Node.Token)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, 2.5, cfg.Engine.DailyBudget)
	assert.Equal(t, 15, cfg.Engine.MaxIterations, "unset keys keep their defaults")
	assert.Equal(t, "Europe/Lisbon", cfg.Location().String())
	assert.Equal(t, "http://home.lan:8090/health", cfg.HealthMonitorConfig().HealthURL)

	rc := cfg.ModelRouterConfig()
	assert.Equal(t, "kimi-k2", rc.Models[llm.TierCheap].ID)
	assert.Equal(t, 2.5, rc.Models[llm.TierCheap].OutputPerMTok)
	assert.Equal(t, []llm.Tier{llm.TierStandard, llm.TierPremium}, cfg.RuntimeTierSet())
}

func TestLoadConfigErrors(t *testing.T) {
	clearConfigEnv(t)
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadConfig(writeFile(t, "bad.json", `{"engine": `))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	clearConfigEnv(t)
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	cfg.LLM.APIKey = "sk-test"
	cfg.Matrix.Password = "pw"
	assert.NoError(t, cfg.Validate(RoleVPS))

	cfg.Node.URL = "http://home.lan:8090"
	cfg.Health.Interval = "soon"
	cfg.Engine.RuntimeTiers = []string{"luxury"}
	cfg.Engine.DailyBudget = -1
	err = cfg.Validate(RoleVPS)
	require.Error(t, err)
	for _, want := range []string{"node.token", "health.interval", "luxury", "daily_budget"} {
		assert.ErrorContains(t, err, want)
	}

	local, err := LoadConfig("")
	require.NoError(t, err)
	local.LLM.APIKey = "sk-test"
	assert.ErrorContains(t, local.Validate(RoleLocal), "node.token")
	local.Node.Token = "s3cret"
	assert.NoError(t, local.Validate(RoleLocal))

	assert.ErrorContains(t, local.Validate("desktop"), "unknown role")
}

func TestValidateNeedsSomeModel(t *testing.T) {
	clearConfigEnv(t)
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.Node.Token = "s3cret"
	assert.ErrorContains(t, cfg.Validate(RoleLocal), "llm.api_key")

	cfg.Runtime.URL = "http://opencode:4096"
	assert.NoError(t, cfg.Validate(RoleLocal))
}

func TestDurationFallback(t *testing.T) {
	assert.Equal(t, time.Minute, duration("", time.Minute))
	assert.Equal(t, time.Minute, duration("nope", time.Minute))
	assert.Equal(t, time.Minute, duration("-5s", time.Minute))
	assert.Equal(t, 5*time.Second, duration("5s", time.Minute))
}
