package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nous-labs/relay/internal/engine"
	"github.com/nous-labs/relay/internal/health"
	"github.com/nous-labs/relay/internal/llm"
	"github.com/nous-labs/relay/internal/modelrouter"
	"github.com/nous-labs/relay/internal/taskqueue"
)

// Roles a relay process can run as.
const (
	RoleVPS   = "vps"
	RoleLocal = "local"
)

// Config is the relay configuration file.
type Config struct {
	Name       string           `json:"name"`
	Matrix     MatrixConfig     `json:"matrix"`
	LLM        LLMConfig        `json:"llm"`
	Router     RouterConfig     `json:"router"`
	Engine     EngineConfig     `json:"engine"`
	Runtime    RuntimeConfig    `json:"runtime"`
	Health     HealthConfig     `json:"health"`
	Node       NodeConfig       `json:"node"`
	Tasks      TasksConfig      `json:"tasks"`
	Store      StoreConfig      `json:"store"`
	Embeddings EmbeddingsConfig `json:"embeddings"`
	Tools      ToolsConfig      `json:"tools"`
	HTTP       HTTPConfig       `json:"http"`
}

// MatrixConfig holds Matrix connection settings.
type MatrixConfig struct {
	Homeserver   string   `json:"homeserver"`    // e.g., http://synapse:8008
	UserID       string   `json:"user_id"`       // localpart, e.g., relay
	Password     string   `json:"password"`      // can use "$MATRIX_BOT_PASSWORD"
	ServerName   string   `json:"server_name"`   // e.g., matrix.example.com
	AllowedUsers []string `json:"allowed_users"` // who can talk to the relay
	DataDir      string   `json:"data_dir"`      // saved credentials
	Reactions    bool     `json:"reactions"`     // keycap reactions on choice prompts
}

// LLMConfig holds the model API settings. Tiers overrides the provider for
// single tiers with any Anthropic-compatible endpoint.
type LLMConfig struct {
	APIKey  string                    `json:"api_key"` // "$ANTHROPIC_API_KEY"
	BaseURL string                    `json:"base_url,omitempty"`
	Timeout string                    `json:"timeout,omitempty"`
	Tiers   map[string]ProviderConfig `json:"tiers,omitempty"`
}

// ProviderConfig is an Anthropic-compatible endpoint for one tier.
type ProviderConfig struct {
	Provider string `json:"provider"` // name for logs, e.g., "kimi"
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key"`
}

// RouterConfig holds classifier policy and the model bound to each tier.
type RouterConfig struct {
	Models          map[string]modelrouter.Model `json:"models,omitempty"`
	ComplexPatterns []string                     `json:"complex_patterns,omitempty"`
	SimplePatterns  []string                     `json:"simple_patterns,omitempty"`
	ShortLength     int                          `json:"short_length"`
	BudgetFloor     float64                      `json:"budget_floor"`
}

// EngineConfig bounds engine runs and sets the daily budget.
type EngineConfig struct {
	MaxIterations   int      `json:"max_iterations"`
	TextLimit       int      `json:"text_limit"`
	ToolResultLimit int      `json:"tool_result_limit"`
	Timeout         string   `json:"timeout"`
	MaxTokens       int      `json:"max_tokens"`
	DailyBudget     float64  `json:"daily_budget"` // USD, 0 = unlimited
	Timezone        string   `json:"timezone"`     // budget resets at local midnight here
	HistoryLimit    int      `json:"history_limit"`
	RuntimeTiers    []string `json:"runtime_tiers"`
	SystemPrompt    string   `json:"system_prompt,omitempty"`
}

// RuntimeConfig points at the OpenCode agent runtime.
type RuntimeConfig struct {
	URL      string `json:"url"` // e.g., http://opencode:4096
	Username string `json:"username"`
	Password string `json:"password"`
	Timeout  string `json:"timeout"`
}

// HealthConfig holds local node liveness thresholds.
type HealthConfig struct {
	Interval          string `json:"interval"`
	ProbeTimeout      string `json:"probe_timeout"`
	FailuresUntilDown int    `json:"failures_until_down"`
	HeartbeatMaxAge   string `json:"heartbeat_max_age"`
}

// NodeConfig describes the local node. On the VPS, URL is where it is
// reached; on the node, Listen is where it serves and DeliveryURL is the
// VPS admin server that receives async results.
type NodeConfig struct {
	ID                string `json:"id"`
	URL               string `json:"url"`
	Token             string `json:"token"` // shared bearer token, both directions
	ForwardTimeout    string `json:"forward_timeout"`
	Listen            string `json:"listen"`
	SyncWait          string `json:"sync_wait"`
	HeartbeatInterval string `json:"heartbeat_interval"`
	DeliveryURL       string `json:"delivery_url"`
	PollInterval      string `json:"poll_interval"`
	PollTimeout       string `json:"poll_timeout"`
	ResultTTL         string `json:"result_ttl"`
}

// TasksConfig holds async task policy.
type TasksConfig struct {
	Namespace      string `json:"namespace"`
	StaleAfter     string `json:"stale_after"`
	StaleInterval  string `json:"stale_interval"`
	RunningTimeout string `json:"running_timeout"`
}

// StoreConfig selects persistence. DSN is a postgres:// URL or a SQLite
// path; empty runs without persistence.
type StoreConfig struct {
	DSN string `json:"dsn"`
}

// EmbeddingsConfig enables semantic memory recall on the postgres store.
type EmbeddingsConfig struct {
	TEIURL     string `json:"tei_url,omitempty"` // http://tei-embeddings:80
	Dimensions int    `json:"dimensions,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

// ToolsConfig enables optional tools.
type ToolsConfig struct {
	WebFetch       bool     `json:"web_fetch"`
	Commands       []string `json:"commands,omitempty"` // node only
	CommandDir     string   `json:"command_dir,omitempty"`
	CommandTimeout string   `json:"command_timeout,omitempty"`
	Timeout        string   `json:"timeout,omitempty"`
}

// HTTPConfig is the admin server (VPS role).
type HTTPConfig struct {
	Addr string `json:"addr"`
}

// LoadConfig builds the config from defaults, then path (JSON or YAML by
// extension), then the file named by RELAY_PRIVATE_CONFIG, each deep-merged
// over the last. $VAR references are resolved afterwards.
func LoadConfig(path string) (*Config, error) {
	merged, err := json.Marshal(defaultConfig())
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}

	for _, p := range []string{path, os.Getenv("RELAY_PRIVATE_CONFIG")} {
		if p == "" {
			continue
		}
		overlay, err := readConfigFile(p)
		if err != nil {
			return nil, err
		}
		if merged, err = deepMergeJSON(merged, overlay); err != nil {
			return nil, fmt.Errorf("merge config %s: %w", p, err)
		}
	}

	var cfg Config
	if err := json.Unmarshal(merged, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.resolve()
	return &cfg, nil
}

// readConfigFile returns the file as JSON.
func readConfigFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var m map[string]any
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		out, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("convert config %s: %w", path, err)
		}
		return out, nil
	default:
		return data, nil
	}
}

func deepMergeJSON(base, overlay []byte) ([]byte, error) {
	var baseMap map[string]any
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseMap); err != nil {
			return nil, err
		}
	}
	if baseMap == nil {
		baseMap = map[string]any{}
	}

	var overlayMap map[string]any
	if len(overlay) > 0 {
		if err := json.Unmarshal(overlay, &overlayMap); err != nil {
			return nil, err
		}
	}
	mergeMap(baseMap, overlayMap)
	return json.Marshal(baseMap)
}

func mergeMap(dst, src map[string]any) {
	for k, v := range src {
		dstObj, dstIsObj := dst[k].(map[string]any)
		srcObj, srcIsObj := v.(map[string]any)
		if dstIsObj && srcIsObj {
			mergeMap(dstObj, srcObj)
			dst[k] = dstObj
			continue
		}
		dst[k] = v
	}
}

func (c *Config) resolve() {
	c.Matrix.Homeserver = resolveEnv(c.Matrix.Homeserver)
	c.Matrix.UserID = resolveEnv(c.Matrix.UserID)
	c.Matrix.Password = resolveEnv(c.Matrix.Password)
	c.Matrix.ServerName = resolveEnv(c.Matrix.ServerName)
	c.LLM.APIKey = resolveEnv(c.LLM.APIKey)
	c.LLM.BaseURL = resolveEnv(c.LLM.BaseURL)
	for tier, p := range c.LLM.Tiers {
		p.APIKey = resolveEnv(p.APIKey)
		p.BaseURL = resolveEnv(p.BaseURL)
		c.LLM.Tiers[tier] = p
	}
	c.Runtime.URL = resolveEnv(c.Runtime.URL)
	c.Runtime.Password = resolveEnv(c.Runtime.Password)
	c.Node.URL = resolveEnv(c.Node.URL)
	c.Node.Token = resolveEnv(c.Node.Token)
	c.Node.DeliveryURL = resolveEnv(c.Node.DeliveryURL)
	c.Store.DSN = resolveEnv(c.Store.DSN)
	c.Embeddings.TEIURL = resolveEnv(c.Embeddings.TEIURL)
}

// Validate reports every fatal problem for role at once.
func (c *Config) Validate(role string) error {
	var errs []error
	check := func(name, v string) {
		if v == "" {
			return
		}
		if _, err := time.ParseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", name, v))
		}
	}
	check("llm.timeout", c.LLM.Timeout)
	check("engine.timeout", c.Engine.Timeout)
	check("runtime.timeout", c.Runtime.Timeout)
	check("health.interval", c.Health.Interval)
	check("health.probe_timeout", c.Health.ProbeTimeout)
	check("health.heartbeat_max_age", c.Health.HeartbeatMaxAge)
	check("node.forward_timeout", c.Node.ForwardTimeout)
	check("node.sync_wait", c.Node.SyncWait)
	check("node.heartbeat_interval", c.Node.HeartbeatInterval)
	check("node.poll_interval", c.Node.PollInterval)
	check("node.poll_timeout", c.Node.PollTimeout)
	check("node.result_ttl", c.Node.ResultTTL)
	check("tasks.stale_after", c.Tasks.StaleAfter)
	check("tasks.stale_interval", c.Tasks.StaleInterval)
	check("tasks.running_timeout", c.Tasks.RunningTimeout)
	check("embeddings.timeout", c.Embeddings.Timeout)
	check("tools.timeout", c.Tools.Timeout)
	check("tools.command_timeout", c.Tools.CommandTimeout)

	for _, t := range c.Engine.RuntimeTiers {
		if !llm.Tier(t).Valid() {
			errs = append(errs, fmt.Errorf("engine.runtime_tiers: unknown tier %q", t))
		}
	}
	for t := range c.Router.Models {
		if !llm.Tier(t).Valid() {
			errs = append(errs, fmt.Errorf("router.models: unknown tier %q", t))
		}
	}
	for t := range c.LLM.Tiers {
		if !llm.Tier(t).Valid() {
			errs = append(errs, fmt.Errorf("llm.tiers: unknown tier %q", t))
		}
	}
	if c.Engine.Timezone != "" {
		if _, err := time.LoadLocation(c.Engine.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("engine.timezone: %w", err))
		}
	}
	if c.Engine.DailyBudget < 0 {
		errs = append(errs, errors.New("engine.daily_budget: must not be negative"))
	}
	if c.LLM.APIKey == "" && len(c.LLM.Tiers) == 0 && c.Runtime.URL == "" {
		errs = append(errs, errors.New("llm.api_key: required when no runtime is configured"))
	}

	switch role {
	case RoleVPS:
		if c.Matrix.Homeserver == "" || c.Matrix.UserID == "" || c.Matrix.Password == "" {
			errs = append(errs, errors.New("matrix: homeserver, user_id and password are required"))
		}
		if c.Node.URL != "" && c.Node.Token == "" {
			errs = append(errs, errors.New("node.token: required when node.url is set"))
		}
	case RoleLocal:
		if c.Node.Token == "" {
			errs = append(errs, errors.New("node.token: required on the local node"))
		}
		if c.Node.Listen == "" {
			errs = append(errs, errors.New("node.listen: required on the local node"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown role %q", role))
	}
	return errors.Join(errs...)
}

// resolveEnv replaces $ENV_VAR references with actual values.
func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}

// duration parses s, returning def for empty or invalid values. Validate
// reports the invalid ones.
func duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// HealthMonitorConfig converts the health and node sections.
func (c *Config) HealthMonitorConfig() health.Config {
	def := health.DefaultConfig()
	cfg := health.Config{
		NodeID:            c.Node.ID,
		Token:             c.Node.Token,
		Interval:          duration(c.Health.Interval, def.Interval),
		ProbeTimeout:      duration(c.Health.ProbeTimeout, def.ProbeTimeout),
		FailuresUntilDown: c.Health.FailuresUntilDown,
		HeartbeatMaxAge:   duration(c.Health.HeartbeatMaxAge, def.HeartbeatMaxAge),
	}
	if c.Node.URL != "" {
		cfg.HealthURL = strings.TrimRight(c.Node.URL, "/") + "/health"
	}
	return cfg
}

// ModelRouterConfig converts the router section.
func (c *Config) ModelRouterConfig() modelrouter.Config {
	models := make(map[llm.Tier]modelrouter.Model, len(c.Router.Models))
	for t, m := range c.Router.Models {
		models[llm.Tier(t)] = m
	}
	return modelrouter.Config{
		Models:          models,
		ComplexPatterns: c.Router.ComplexPatterns,
		SimplePatterns:  c.Router.SimplePatterns,
		ShortLength:     c.Router.ShortLength,
		BudgetFloor:     c.Router.BudgetFloor,
	}
}

// EngineRunConfig converts the engine section.
func (c *Config) EngineRunConfig() engine.Config {
	def := engine.DefaultConfig()
	return engine.Config{
		MaxIterations:   c.Engine.MaxIterations,
		TextLimit:       c.Engine.TextLimit,
		ToolResultLimit: c.Engine.ToolResultLimit,
		Timeout:         duration(c.Engine.Timeout, def.Timeout),
		MaxTokens:       c.Engine.MaxTokens,
	}
}

// QueueConfig converts the tasks section.
func (c *Config) QueueConfig() taskqueue.Config {
	def := taskqueue.DefaultConfig()
	return taskqueue.Config{
		Namespace:      c.Tasks.Namespace,
		StaleAfter:     duration(c.Tasks.StaleAfter, def.StaleAfter),
		RunningTimeout: duration(c.Tasks.RunningTimeout, def.RunningTimeout),
	}
}

// GatewayOptions converts the engine and node sections for role.
func (c *Config) GatewayOptions(role string) Options {
	return Options{
		Role:           role,
		HistoryLimit:   c.Engine.HistoryLimit,
		RuntimeTiers:   c.RuntimeTierSet(),
		SystemPrompt:   c.Engine.SystemPrompt,
		ForwardTimeout: duration(c.Node.ForwardTimeout, 10*time.Second),
		PollInterval:   duration(c.Node.PollInterval, 3*time.Second),
		PollTimeout:    duration(c.Node.PollTimeout, 6*time.Minute),
		DedupTTL:       duration(c.Node.ResultTTL, time.Hour),
	}
}

// NodeServerOptions converts the node section. Delivery is left to the caller.
func (c *Config) NodeServerOptions() NodeOptions {
	return NodeOptions{
		NodeID:            c.Node.ID,
		Token:             c.Node.Token,
		SyncWait:          duration(c.Node.SyncWait, 8*time.Second),
		HeartbeatInterval: duration(c.Node.HeartbeatInterval, 30*time.Second),
		ResultTTL:         duration(c.Node.ResultTTL, time.Hour),
	}
}

// Timeouts for outbound clients.
func (c *Config) LLMTimeout() time.Duration       { return duration(c.LLM.Timeout, 5*time.Minute) }
func (c *Config) RuntimeTimeout() time.Duration   { return duration(c.Runtime.Timeout, 5*time.Minute) }
func (c *Config) ToolTimeout() time.Duration      { return duration(c.Tools.Timeout, 10*time.Second) }
func (c *Config) CommandTimeout() time.Duration   { return duration(c.Tools.CommandTimeout, 30*time.Second) }
func (c *Config) EmbeddingTimeout() time.Duration { return duration(c.Embeddings.Timeout, 30*time.Second) }
func (c *Config) StaleInterval() time.Duration    { return duration(c.Tasks.StaleInterval, 15*time.Minute) }

// Location is the budget time zone, local time when unset.
func (c *Config) Location() *time.Location {
	if c.Engine.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Engine.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// RuntimeTierSet returns the tiers served by the agent runtime.
func (c *Config) RuntimeTierSet() []llm.Tier {
	out := make([]llm.Tier, 0, len(c.Engine.RuntimeTiers))
	for _, t := range c.Engine.RuntimeTiers {
		out = append(out, llm.Tier(t))
	}
	return out
}

// defaultConfig returns a config using environment variables, with every
// threshold at its standard value.
func defaultConfig() *Config {
	return &Config{
		Name: "relay",
		Matrix: MatrixConfig{
			Homeserver:   envOr("MATRIX_HOMESERVER", "http://synapse:8008"),
			UserID:       envOr("MATRIX_BOT_USER", "relay"),
			Password:     envOr("MATRIX_BOT_PASSWORD", ""),
			ServerName:   envOr("MATRIX_SERVER_NAME", "matrix.example.com"),
			AllowedUsers: splitList(envOr("ALLOWED_USERS", "")),
			DataDir:      envOr("RELAY_DATA_DIR", "/data"),
		},
		LLM: LLMConfig{
			APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
			Timeout: "5m",
		},
		Router: RouterConfig{
			ShortLength: 40,
			BudgetFloor: 1.0,
		},
		Engine: EngineConfig{
			MaxIterations:   15,
			TextLimit:       2000,
			ToolResultLimit: 500,
			Timeout:         "5m",
			MaxTokens:       4096,
			DailyBudget:     10,
			Timezone:        envOr("RELAY_TIMEZONE", ""),
			HistoryLimit:    20,
			RuntimeTiers:    []string{string(llm.TierPremium)},
		},
		Runtime: RuntimeConfig{
			URL:      envOr("OPENCODE_API_URL", ""),
			Username: envOr("OPENCODE_SERVER_USERNAME", "opencode"),
			Password: envOr("OPENCODE_SERVER_PASSWORD", ""),
			Timeout:  "5m",
		},
		Health: HealthConfig{
			Interval:          "30s",
			ProbeTimeout:      "5s",
			FailuresUntilDown: 2,
			HeartbeatMaxAge:   "90s",
		},
		Node: NodeConfig{
			ID:                envOr("RELAY_NODE_ID", "local"),
			URL:               envOr("RELAY_NODE_URL", ""),
			Token:             envOr("RELAY_NODE_TOKEN", ""),
			ForwardTimeout:    "10s",
			Listen:            envOr("RELAY_NODE_LISTEN", ":8090"),
			SyncWait:          "8s",
			HeartbeatInterval: "30s",
			DeliveryURL:       envOr("RELAY_DELIVERY_URL", ""),
			PollInterval:      "3s",
			PollTimeout:       "6m",
			ResultTTL:         "1h",
		},
		Tasks: TasksConfig{
			Namespace:      "task",
			StaleAfter:     "2h",
			StaleInterval:  "15m",
			RunningTimeout: "6m",
		},
		Store: StoreConfig{
			DSN: envOr("RELAY_STORE_DSN", "/data/relay.db"),
		},
		Embeddings: EmbeddingsConfig{
			TEIURL:     envOr("RELAY_TEI_URL", ""),
			Dimensions: 768,
			Timeout:    "30s",
		},
		Tools: ToolsConfig{
			WebFetch:       true,
			CommandTimeout: "30s",
			Timeout:        "10s",
		},
		HTTP: HTTPConfig{
			Addr: envOr("RELAY_HTTP_ADDR", ":8080"),
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
